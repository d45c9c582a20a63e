// Package serviceop manages systemd units through systemctl.
package serviceop

import (
	"context"
	"fmt"
	"strings"

	"github.com/daveseff/Geppetto/internal/executor"
	"github.com/daveseff/Geppetto/internal/inventory"
	"github.com/daveseff/Geppetto/internal/operation"
)

type config struct {
	Name   string `attr:"name" validate:"required"`
	State  string `attr:"state" validate:"omitempty,oneof=running stopped restarted reloaded"`
	Enable *bool  `attr:"enable"`
}

// Op converges one systemd unit.
type Op struct {
	cfg config
}

// New is the service operation factory.
func New() operation.Factory {
	return func(title string, attrs map[string]any) (operation.Operation, error) {
		var cfg config
		if err := operation.DecodeAttrs(attrs, &cfg); err != nil {
			return nil, err
		}
		if cfg.State == "" && cfg.Enable == nil {
			return nil, fmt.Errorf("service %s: declare state, enable, or both", title)
		}
		return &Op{cfg: cfg}, nil
	}
}

func (o *Op) Name() string { return "service" }

func (o *Op) Apply(ctx context.Context, host *inventory.Node, exec executor.Executor) (operation.Outcome, error) {
	var reasons []string
	changed := false

	if o.cfg.State != "" {
		stateChanged, reason, err := o.applyState(ctx, exec)
		if err != nil {
			return operation.Outcome{}, err
		}
		if stateChanged {
			changed = true
			reasons = append(reasons, reason)
		}
	}

	if o.cfg.Enable != nil {
		enableChanged, reason, err := o.applyEnable(ctx, exec)
		if err != nil {
			return operation.Outcome{}, err
		}
		if enableChanged {
			changed = true
			reasons = append(reasons, reason)
		}
	}

	detail := "in sync"
	if len(reasons) > 0 {
		detail = strings.Join(reasons, ", ")
	}
	return operation.Outcome{Changed: changed, Detail: detail}, nil
}

func (o *Op) applyState(ctx context.Context, exec executor.Executor) (bool, string, error) {
	active, err := o.isActive(ctx, exec)
	if err != nil {
		return false, "", err
	}

	switch o.cfg.State {
	case "running":
		if active {
			return false, "", nil
		}
		if err := o.systemctl(ctx, exec, "start"); err != nil {
			return false, "", err
		}
		return true, "started", nil
	case "stopped":
		if !active {
			return false, "", nil
		}
		if err := o.systemctl(ctx, exec, "stop"); err != nil {
			return false, "", err
		}
		return true, "stopped", nil
	case "restarted":
		if err := o.systemctl(ctx, exec, "restart"); err != nil {
			return false, "", err
		}
		return true, "restarted", nil
	case "reloaded":
		if err := o.systemctl(ctx, exec, "reload"); err != nil {
			return false, "", err
		}
		return true, "reloaded", nil
	}
	return false, "", nil
}

func (o *Op) applyEnable(ctx context.Context, exec executor.Executor) (bool, string, error) {
	res, err := exec.RunCommand(ctx, []string{"systemctl", "is-enabled", o.cfg.Name}, executor.RunOptions{})
	if err != nil {
		return false, "", err
	}
	enabled := res.ExitCode == 0 && strings.TrimSpace(res.Stdout) == "enabled"

	want := *o.cfg.Enable
	if enabled == want {
		return false, "", nil
	}
	verb := "enable"
	if !want {
		verb = "disable"
	}
	if err := o.systemctl(ctx, exec, verb); err != nil {
		return false, "", err
	}
	return true, verb + "d", nil
}

func (o *Op) isActive(ctx context.Context, exec executor.Executor) (bool, error) {
	res, err := exec.RunCommand(ctx, []string{"systemctl", "is-active", o.cfg.Name}, executor.RunOptions{})
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}

func (o *Op) systemctl(ctx context.Context, exec executor.Executor, verb string) error {
	res, err := exec.RunCommand(ctx, []string{"systemctl", verb, o.cfg.Name}, executor.RunOptions{Mutable: true})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("systemctl %s %s exited %d: %s", verb, o.cfg.Name, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// Destroy maps a recorded service spec to stop-and-disable.
func Destroy(title string, attrs map[string]any) map[string]any {
	return map[string]any{"state": "stopped", "enable": false}
}

// Register wires the operation into a registry.
func Register(reg *operation.Registry) error {
	if err := reg.Register("service", New()); err != nil {
		return err
	}
	reg.RegisterDestroy("service", Destroy)
	return nil
}
