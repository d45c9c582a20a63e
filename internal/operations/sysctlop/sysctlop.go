// Package sysctlop sets kernel parameters at runtime and persists them to a
// sysctl.d drop-in.
package sysctlop

import (
	"context"
	"fmt"
	"strings"

	"github.com/daveseff/Geppetto/internal/executor"
	"github.com/daveseff/Geppetto/internal/inventory"
	"github.com/daveseff/Geppetto/internal/operation"
)

// DefaultPersistFile collects persisted parameters unless a resource names
// its own file.
const DefaultPersistFile = "/etc/sysctl.d/99-geppetto.conf"

type config struct {
	Name    string `attr:"name" validate:"required"`
	Value   any    `attr:"value" validate:"required"`
	Persist *bool  `attr:"persist"`
	File    string `attr:"file"`
}

// Op converges one kernel parameter.
type Op struct {
	key     string
	value   string
	persist bool
	file    string
}

// New is the sysctl operation factory.
func New() operation.Factory {
	return func(title string, attrs map[string]any) (operation.Operation, error) {
		var cfg config
		if err := operation.DecodeAttrs(attrs, &cfg); err != nil {
			return nil, err
		}

		op := &Op{
			key:     cfg.Name,
			value:   fmt.Sprint(cfg.Value),
			persist: true,
			file:    cfg.File,
		}
		if cfg.Persist != nil {
			op.persist = *cfg.Persist
		}
		if op.file == "" {
			op.file = DefaultPersistFile
		}
		return op, nil
	}
}

func (o *Op) Name() string { return "sysctl" }

func (o *Op) Apply(ctx context.Context, host *inventory.Node, exec executor.Executor) (operation.Outcome, error) {
	var reasons []string

	current, err := o.currentValue(ctx, exec)
	if err != nil {
		return operation.Outcome{}, err
	}
	if current != o.value {
		res, err := exec.RunCommand(ctx, []string{"sysctl", "-w", o.key + "=" + o.value}, executor.RunOptions{Mutable: true})
		if err != nil {
			return operation.Outcome{}, err
		}
		if res.ExitCode != 0 {
			return operation.Outcome{}, fmt.Errorf("sysctl -w exited %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
		}
		reasons = append(reasons, fmt.Sprintf("%s -> %s", current, o.value))
	}

	if o.persist {
		changed, err := o.persistValue(exec)
		if err != nil {
			return operation.Outcome{}, err
		}
		if changed {
			reasons = append(reasons, "persisted")
		}
	}

	detail := "in sync"
	if len(reasons) > 0 {
		detail = strings.Join(reasons, ", ")
	}
	return operation.Outcome{Changed: len(reasons) > 0, Detail: detail}, nil
}

func (o *Op) currentValue(ctx context.Context, exec executor.Executor) (string, error) {
	res, err := exec.RunCommand(ctx, []string{"sysctl", "-n", o.key}, executor.RunOptions{})
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("unknown kernel parameter %q: %s", o.key, strings.TrimSpace(res.Stderr))
	}
	// Values like vm.swappiness come back with a trailing newline; tab
	// separated multi-value parameters are normalized to single spaces.
	return strings.Join(strings.Fields(res.Stdout), " "), nil
}

// persistValue maintains a "key = value" line in the drop-in, replacing an
// existing line for the same key.
func (o *Op) persistValue(exec executor.Executor) (bool, error) {
	existing, _, err := exec.ReadFile(o.file)
	if err != nil {
		return false, err
	}

	want := o.key + " = " + o.value
	var lines []string
	replaced := false
	for _, line := range strings.Split(strings.TrimRight(string(existing), "\n"), "\n") {
		if line == "" {
			continue
		}
		trimmed := strings.TrimSpace(line)
		if key, _, found := strings.Cut(trimmed, "="); found && strings.TrimSpace(key) == o.key {
			if replaced {
				continue
			}
			lines = append(lines, want)
			replaced = true
			continue
		}
		lines = append(lines, line)
	}
	if !replaced {
		lines = append(lines, want)
	}

	content := strings.Join(lines, "\n") + "\n"
	changed, _, err := exec.WriteFile(o.file, []byte(content), 0o644)
	return changed, err
}

// Register wires the operation into a registry. There is no teardown
// transform: the pre-run value of a kernel parameter is not recorded, so
// removal only drops the resource from state.
func Register(reg *operation.Registry) error {
	return reg.Register("sysctl", New())
}
