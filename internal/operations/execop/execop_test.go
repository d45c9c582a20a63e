package execop

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daveseff/Geppetto/internal/executor"
	"github.com/daveseff/Geppetto/internal/executor/executortest"
)

func TestStringCommandRunsThroughShell(t *testing.T) {
	fake := executortest.New()
	op, err := New()("migrate", map[string]any{"name": "migrate", "command": "bin/migrate --up"})
	require.NoError(t, err)

	outcome, err := op.Apply(context.Background(), nil, fake)
	require.NoError(t, err)
	assert.True(t, outcome.Changed)
	require.Len(t, fake.Commands, 1)
	assert.Equal(t, []string{"sh", "-c", "bin/migrate --up"}, fake.Commands[0])
}

func TestListCommandUsedAsArgv(t *testing.T) {
	fake := executortest.New()
	op, err := New()("migrate", map[string]any{
		"name":    "migrate",
		"command": []any{"bin/migrate", "--up"},
	})
	require.NoError(t, err)

	_, err = op.Apply(context.Background(), nil, fake)
	require.NoError(t, err)
	assert.Equal(t, []string{"bin/migrate", "--up"}, fake.Commands[0])
}

func TestDisallowedExitCodeFails(t *testing.T) {
	fake := executortest.New()
	fake.CommandFunc = func([]string, executor.RunOptions) (*executor.CommandResult, error) {
		return &executor.CommandResult{ExitCode: 2, Stderr: "boom"}, nil
	}
	op, err := New()("migrate", map[string]any{"name": "migrate", "command": "bin/migrate"})
	require.NoError(t, err)

	_, err = op.Apply(context.Background(), nil, fake)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited 2")
	assert.Contains(t, err.Error(), "boom")
}

func TestReturnsWhitelist(t *testing.T) {
	fake := executortest.New()
	fake.CommandFunc = func([]string, executor.RunOptions) (*executor.CommandResult, error) {
		return &executor.CommandResult{ExitCode: 2}, nil
	}
	op, err := New()("check", map[string]any{
		"name":    "check",
		"command": "grep pattern file",
		"returns": []any{0, 2},
	})
	require.NoError(t, err)

	outcome, err := op.Apply(context.Background(), nil, fake)
	require.NoError(t, err)
	assert.True(t, outcome.Changed)
}

func TestEnvCwdTimeoutForwarded(t *testing.T) {
	fake := executortest.New()
	var got executor.RunOptions
	fake.CommandFunc = func(_ []string, opts executor.RunOptions) (*executor.CommandResult, error) {
		got = opts
		return &executor.CommandResult{}, nil
	}
	op, err := New()("job", map[string]any{
		"name":        "job",
		"command":     "true",
		"environment": map[string]any{"APP_ENV": "prod"},
		"cwd":         "/srv/app",
		"timeout":     "30s",
	})
	require.NoError(t, err)

	_, err = op.Apply(context.Background(), nil, fake)
	require.NoError(t, err)
	assert.Equal(t, "prod", got.Env["APP_ENV"])
	assert.Equal(t, "/srv/app", got.Dir)
	assert.Equal(t, 30*time.Second, got.Timeout)
	assert.True(t, got.Mutable)
}

func TestInvalidTimeout(t *testing.T) {
	_, err := New()("job", map[string]any{"name": "job", "command": "true", "timeout": "soon"})
	assert.Error(t, err)
}

func TestMissingCommand(t *testing.T) {
	_, err := New()("job", map[string]any{"name": "job"})
	assert.Error(t, err)
}

func TestArgvRejectsNonStrings(t *testing.T) {
	_, err := Argv([]any{"ls", 42})
	assert.Error(t, err)
}
