package inventory

import (
	"testing"

	"github.com/stretchr/testify/require"

	geperrors "github.com/daveseff/Geppetto/pkg/errors"
)

func TestParseSource_SimplePlan(t *testing.T) {
	t.Parallel()

	src := `
node 'web01' {
  connection => local
  domain     => 'example.com'
}

task 'bootstrap' on 'web01' {
  package { ['git', 'python3']:
    ensure => present
  }

  file { '/tmp/geppetto-motd':
    ensure => present
    mode   => '0644'
  }
}
`
	frag, err := parseSource(src, "plan.gpp")
	require.NoError(t, err)

	require.Len(t, frag.nodes, 1)
	require.Equal(t, "web01", frag.nodes[0].Name)
	require.Equal(t, ConnectionLocal, frag.nodes[0].Connection)
	require.Equal(t, "example.com", frag.nodes[0].Variables["domain"])

	require.Len(t, frag.tasks, 1)
	task := frag.tasks[0]
	require.Equal(t, "bootstrap", task.Name)
	require.Equal(t, []string{"web01"}, task.Hosts)
	require.Len(t, task.Resources, 2)

	pkg := task.Resources[0]
	require.Equal(t, "package", pkg.Type)
	require.Equal(t, "git,python3", pkg.Title)
	require.Equal(t, []string{"git", "python3"}, toStringList(pkg.Attributes["packages"]))

	motd := task.Resources[1]
	require.Equal(t, "file", motd.Type)
	require.Equal(t, "/tmp/geppetto-motd", motd.Title)
	require.Equal(t, "0644", motd.Attributes["mode"])
}

func TestParseSource_ListTitleOnlyForPackages(t *testing.T) {
	t.Parallel()

	src := `
task 'demo' on 'local' {
  file { ['a', 'b']:
    ensure => present
  }
}
`
	_, err := parseSource(src, "plan.gpp")
	require.Error(t, err)

	var parseErr *geperrors.ParseError
	require.ErrorAs(t, err, &parseErr)
	require.Contains(t, parseErr.Message, "list titles")
}

func TestParseSource_DependsOnAndGuards(t *testing.T) {
	t.Parallel()

	src := `
task 'demo' on 'local' {
  exec { 'migrate':
    command    => 'bin/migrate'
    creates    => '/var/run/migrated'
    only_if    => 'test -f /etc/app.conf'
    unless     => 'test -f /tmp/skip'
    depends_on => ['file./etc/app.conf', 'user.app']
  }
}
`
	frag, err := parseSource(src, "plan.gpp")
	require.NoError(t, err)

	res := frag.tasks[0].Resources[0]
	require.NoError(t, res.Normalize())

	require.Equal(t, []string{"file./etc/app.conf", "user.app"}, res.DependsOn)
	require.Equal(t, "/var/run/migrated", res.Creates)
	require.Equal(t, "test -f /etc/app.conf", res.OnlyIf)
	require.Equal(t, "test -f /tmp/skip", res.Unless)
	require.NotContains(t, res.Attributes, "creates")
	require.NotContains(t, res.Attributes, "only_if")
	require.NotContains(t, res.Attributes, "unless")
	require.NotContains(t, res.Attributes, "depends_on")
}

func TestParseSource_ConditionalBranchesNest(t *testing.T) {
	t.Parallel()

	src := `
task 'demo' on 'local' {
  exec { 'deploy':
    command => 'bin/deploy'
    on_success {
      service { 'app':
        state => 'running'
        on_success {
          exec { 'notify':
            command => 'bin/notify'
          }
        }
      }
    }
    on_failure {
      exec { 'rollback':
        command => 'bin/rollback'
      }
    }
  }
}
`
	frag, err := parseSource(src, "plan.gpp")
	require.NoError(t, err)

	deploy := frag.tasks[0].Resources[0]
	require.Len(t, deploy.OnSuccess, 1)
	require.Len(t, deploy.OnFailure, 1)

	svc := deploy.OnSuccess[0]
	require.Equal(t, "service.app", svc.ID())
	require.Len(t, svc.OnSuccess, 1)
	require.Equal(t, "exec.notify", svc.OnSuccess[0].ID())

	require.Equal(t, "exec.rollback", deploy.OnFailure[0].ID())
}

func TestParseSource_MapValues(t *testing.T) {
	t.Parallel()

	src := `
node 'db01' {
  variables => {
    region => 'us-east-1'
    creds  => { aws_secret => 'db/master', key => 'password' }
  }
}
`
	frag, err := parseSource(src, "plan.gpp")
	require.NoError(t, err)

	vars := frag.nodes[0].Variables
	require.Equal(t, "us-east-1", vars["region"])
	creds, ok := vars["creds"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "db/master", creds["aws_secret"])
}

func TestParseSource_ErrorsCarryLineNumbers(t *testing.T) {
	t.Parallel()

	src := "node 'x' {\n  connection => local\n}\n\ntask 'broken' on 'x' {\n  file { '/tmp/a':\n    mode =>\n  }\n}\n"
	_, err := parseSource(src, "plan.gpp")
	require.Error(t, err)

	var parseErr *geperrors.ParseError
	require.ErrorAs(t, err, &parseErr)
	require.Equal(t, "plan.gpp", parseErr.Path)
	require.Equal(t, 8, parseErr.Line)
}

func TestParseSource_EnsureAliasesToState(t *testing.T) {
	t.Parallel()

	src := `
task 'demo' on 'local' {
  user { 'deploy':
    ensure => absent
  }
}
`
	frag, err := parseSource(src, "plan.gpp")
	require.NoError(t, err)

	res := frag.tasks[0].Resources[0]
	require.NoError(t, res.Normalize())
	require.Equal(t, "absent", res.Attributes["state"])
	require.NotContains(t, res.Attributes, "ensure")
	require.Equal(t, "deploy", res.Attributes["name"])
}

func TestParseSource_VariablesLiftToResource(t *testing.T) {
	t.Parallel()

	src := `
task 'demo' on 'local' {
  file { '/etc/app.conf':
    content   => "port=${port}"
    variables => { port => "8080" }
  }
}
`
	frag, err := parseSource(src, "plan.gpp")
	require.NoError(t, err)

	res := frag.tasks[0].Resources[0]
	require.NoError(t, res.Normalize())
	require.Equal(t, map[string]any{"port": "8080"}, res.Variables)
	require.NotContains(t, res.Attributes, "variables")
}

func TestParseSource_CommentsAndEscapes(t *testing.T) {
	t.Parallel()

	src := `
# plan header comment
task 'demo' on 'local' {
  file { '/etc/banner':
    content => "line one\nline two"  # trailing comment
  }
}
`
	frag, err := parseSource(src, "plan.gpp")
	require.NoError(t, err)
	require.Equal(t, "line one\nline two", frag.tasks[0].Resources[0].Attributes["content"])
}

func TestParseSource_UnknownBlockRejected(t *testing.T) {
	t.Parallel()

	src := `
task 'demo' on 'local' {
  exec { 'x':
    command => 'true'
    on_timeout {
      exec { 'y': command => 'true' }
    }
  }
}
`
	_, err := parseSource(src, "plan.gpp")
	require.Error(t, err)
	require.Contains(t, err.Error(), "on_timeout")
}
