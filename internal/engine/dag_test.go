package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daveseff/Geppetto/internal/inventory"
	geperrors "github.com/daveseff/Geppetto/pkg/errors"
)

func declared(resources ...*inventory.Resource) *inventory.Task {
	return &inventory.Task{Name: "setup", Hosts: []string{"local"}, Resources: resources}
}

func ref(typ, title string, deps ...string) *inventory.Resource {
	return &inventory.Resource{Type: typ, Title: title, DependsOn: deps}
}

func ids(resources []*inventory.Resource) []string {
	out := make([]string, 0, len(resources))
	for _, r := range resources {
		out = append(out, r.ID())
	}
	return out
}

func TestTopoSortRespectsDependencies(t *testing.T) {
	task := declared(
		ref("service", "app", "file.conf"),
		ref("file", "conf", "package.app"),
		ref("package", "app"),
	)

	ordered, err := TopoSort(task)
	require.NoError(t, err)
	assert.Equal(t, []string{"package.app", "file.conf", "service.app"}, ids(ordered))
}

func TestTopoSortKeepsDeclarationOrderForIndependents(t *testing.T) {
	task := declared(
		ref("file", "b"),
		ref("file", "a"),
		ref("file", "c"),
	)

	for i := 0; i < 10; i++ {
		ordered, err := TopoSort(task)
		require.NoError(t, err)
		assert.Equal(t, []string{"file.b", "file.a", "file.c"}, ids(ordered))
	}
}

func TestTopoSortDiamond(t *testing.T) {
	task := declared(
		ref("package", "base"),
		ref("file", "left", "package.base"),
		ref("file", "right", "package.base"),
		ref("service", "app", "file.left", "file.right"),
	)

	ordered, err := TopoSort(task)
	require.NoError(t, err)
	assert.Equal(t, []string{"package.base", "file.left", "file.right", "service.app"}, ids(ordered))
}

func TestTopoSortUnknownReference(t *testing.T) {
	task := declared(ref("service", "app", "file.ghost"))

	_, err := TopoSort(task)
	require.Error(t, err)

	var graphErr *geperrors.GraphError
	require.ErrorAs(t, err, &graphErr)
	assert.Contains(t, graphErr.Message, "file.ghost")
}

func TestTopoSortCycleReportsChain(t *testing.T) {
	task := declared(
		ref("file", "a", "file.c"),
		ref("file", "b", "file.a"),
		ref("file", "c", "file.b"),
	)

	_, err := TopoSort(task)
	require.Error(t, err)

	var graphErr *geperrors.GraphError
	require.ErrorAs(t, err, &graphErr)
	require.NotEmpty(t, graphErr.Chain)
	assert.Equal(t, graphErr.Chain[0], graphErr.Chain[len(graphErr.Chain)-1])
	assert.Len(t, graphErr.Chain, 4)
}

func TestTopoSortSelfDependency(t *testing.T) {
	task := declared(ref("file", "a", "file.a"))

	_, err := TopoSort(task)
	require.Error(t, err)

	var graphErr *geperrors.GraphError
	require.ErrorAs(t, err, &graphErr)
	assert.Equal(t, []string{"file.a", "file.a"}, graphErr.Chain)
}
