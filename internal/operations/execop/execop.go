// Package execop runs arbitrary commands. An exec resource always reports
// a change when it runs; guards (creates, only_if, unless) are the way to
// make one conditional.
package execop

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/daveseff/Geppetto/internal/executor"
	"github.com/daveseff/Geppetto/internal/inventory"
	"github.com/daveseff/Geppetto/internal/operation"
)

type config struct {
	Name    string            `attr:"name"`
	Command any               `attr:"command" validate:"required"`
	Returns []int             `attr:"returns"`
	Env     map[string]string `attr:"environment"`
	Cwd     string            `attr:"cwd"`
	Timeout string            `attr:"timeout"`
}

// Op runs one command.
type Op struct {
	argv    []string
	returns []int
	env     map[string]string
	cwd     string
	timeout time.Duration
}

// New is the exec operation factory.
func New() operation.Factory {
	return func(title string, attrs map[string]any) (operation.Operation, error) {
		var cfg config
		if err := operation.DecodeAttrs(attrs, &cfg); err != nil {
			return nil, err
		}

		argv, err := Argv(cfg.Command)
		if err != nil {
			return nil, fmt.Errorf("exec %s: %w", title, err)
		}

		op := &Op{
			argv:    argv,
			returns: cfg.Returns,
			env:     cfg.Env,
			cwd:     cfg.Cwd,
		}
		if len(op.returns) == 0 {
			op.returns = []int{0}
		}
		if cfg.Timeout != "" {
			timeout, err := time.ParseDuration(cfg.Timeout)
			if err != nil {
				return nil, fmt.Errorf("exec %s: invalid timeout %q", title, cfg.Timeout)
			}
			op.timeout = timeout
		}
		return op, nil
	}
}

// Argv normalizes a command attribute: a string runs through the shell, a
// list is used as argv directly.
func Argv(command any) ([]string, error) {
	switch v := command.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, fmt.Errorf("command must not be empty")
		}
		return []string{"sh", "-c", v}, nil
	case []any:
		argv := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("command list items must be strings, got %T", item)
			}
			argv = append(argv, s)
		}
		if len(argv) == 0 {
			return nil, fmt.Errorf("command must not be empty")
		}
		return argv, nil
	case []string:
		if len(v) == 0 {
			return nil, fmt.Errorf("command must not be empty")
		}
		return v, nil
	default:
		return nil, fmt.Errorf("command must be a string or list, got %T", command)
	}
}

func (o *Op) Name() string { return "exec" }

func (o *Op) Apply(ctx context.Context, host *inventory.Node, exec executor.Executor) (operation.Outcome, error) {
	res, err := exec.RunCommand(ctx, o.argv, executor.RunOptions{
		Env:     o.env,
		Dir:     o.cwd,
		Timeout: o.timeout,
		Mutable: true,
	})
	if err != nil {
		return operation.Outcome{}, err
	}

	if !allowed(res.ExitCode, o.returns) {
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = strings.TrimSpace(res.Stdout)
		}
		return operation.Outcome{}, fmt.Errorf("command exited %d: %s", res.ExitCode, msg)
	}

	detail := strings.TrimSpace(res.Stdout)
	if len(detail) > 200 {
		detail = detail[:200] + "..."
	}
	if detail == "" {
		detail = "ran"
	}
	return operation.Outcome{Changed: true, Detail: detail}, nil
}

func allowed(code int, returns []int) bool {
	for _, r := range returns {
		if code == r {
			return true
		}
	}
	return false
}

// Register wires the operation into a registry. Exec resources have no
// teardown transform: undoing an arbitrary command is not knowable.
func Register(reg *operation.Registry) error {
	return reg.Register("exec", New())
}
