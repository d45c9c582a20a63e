package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseError_FormatsWithLine(t *testing.T) {
	t.Parallel()

	root := fmt.Errorf("unexpected token")
	err := NewParseError("plan.gpp", 12, root)

	require.EqualError(t, err, "parse error: plan.gpp:12: unexpected token")

	var parseErr *ParseError
	require.ErrorAs(t, err, &parseErr)
	require.Equal(t, 12, parseErr.Line)
	require.ErrorIs(t, err, root)
}

func TestParseError_FormatsWithoutLine(t *testing.T) {
	t.Parallel()

	err := NewParseError("plan.toml", 0, fmt.Errorf("empty document"))
	require.EqualError(t, err, "parse error: plan.toml: empty document")
}

func TestValidationError_IncludesField(t *testing.T) {
	t.Parallel()

	err := NewValidationError("file./etc/motd", "missing path attribute", nil)
	require.EqualError(t, err, "validation error: file./etc/motd: missing path attribute")
}

func TestGraphError_RendersChain(t *testing.T) {
	t.Parallel()

	err := NewGraphError("bootstrap", "dependency cycle", []string{"file.a", "user.b", "file.a"})
	require.EqualError(t, err, `graph error in task "bootstrap": dependency cycle: file.a -> user.b -> file.a`)

	var graphErr *GraphError
	require.ErrorAs(t, err, &graphErr)
	require.Equal(t, []string{"file.a", "user.b", "file.a"}, graphErr.Chain)
}

func TestExecutionError_WrapsCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("exit status 1")
	err := NewExecutionError("exec.migrate", cause)

	require.EqualError(t, err, "execution error on exec.migrate: exit status 1")
	require.ErrorIs(t, err, cause)
}

func TestStateError_IsAdvisory(t *testing.T) {
	t.Parallel()

	cause := errors.New("invalid character '}'")
	err := NewStateError("/var/lib/geppetto/state.json", cause)

	require.EqualError(t, err, "state error: /var/lib/geppetto/state.json: invalid character '}'")
	require.ErrorIs(t, err, cause)
}
