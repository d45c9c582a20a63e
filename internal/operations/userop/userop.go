// Package userop manages local system users via the shadow-utils commands.
package userop

import (
	"context"
	"fmt"
	"strings"

	"github.com/daveseff/Geppetto/internal/executor"
	"github.com/daveseff/Geppetto/internal/inventory"
	"github.com/daveseff/Geppetto/internal/operation"
)

type config struct {
	Name   string   `attr:"name" validate:"required"`
	State  string   `attr:"state" validate:"omitempty,oneof=present absent"`
	Shell  string   `attr:"shell"`
	Home   string   `attr:"home"`
	Groups []string `attr:"groups"`
	System bool     `attr:"system"`
	Locked *bool    `attr:"locked"`
}

// Op converges one local user account.
type Op struct {
	cfg config
}

// New is the user operation factory.
func New() operation.Factory {
	return func(title string, attrs map[string]any) (operation.Operation, error) {
		var cfg config
		if err := operation.DecodeAttrs(attrs, &cfg); err != nil {
			return nil, err
		}
		if cfg.State == "" {
			cfg.State = "present"
		}
		return &Op{cfg: cfg}, nil
	}
}

func (o *Op) Name() string { return "user" }

func (o *Op) Apply(ctx context.Context, host *inventory.Node, exec executor.Executor) (operation.Outcome, error) {
	entry, exists, err := o.lookup(ctx, exec)
	if err != nil {
		return operation.Outcome{}, err
	}

	if o.cfg.State == "absent" {
		if !exists {
			return operation.Outcome{Detail: "already absent"}, nil
		}
		if err := o.run(ctx, exec, []string{"userdel", o.cfg.Name}); err != nil {
			return operation.Outcome{}, err
		}
		return operation.Outcome{Changed: true, Detail: "removed"}, nil
	}

	var reasons []string
	if !exists {
		if err := o.run(ctx, exec, o.createCommand()); err != nil {
			return operation.Outcome{}, err
		}
		reasons = append(reasons, "created")
	} else {
		modified, err := o.modify(ctx, exec, entry)
		if err != nil {
			return operation.Outcome{}, err
		}
		reasons = append(reasons, modified...)
	}

	if o.cfg.Locked != nil {
		lockReason, err := o.applyLock(ctx, exec, exists)
		if err != nil {
			return operation.Outcome{}, err
		}
		if lockReason != "" {
			reasons = append(reasons, lockReason)
		}
	}

	detail := "in sync"
	if len(reasons) > 0 {
		detail = strings.Join(reasons, ", ")
	}
	return operation.Outcome{Changed: len(reasons) > 0, Detail: detail}, nil
}

// passwdEntry is the slice of getent output we compare against.
type passwdEntry struct {
	home  string
	shell string
}

func (o *Op) lookup(ctx context.Context, exec executor.Executor) (passwdEntry, bool, error) {
	res, err := exec.RunCommand(ctx, []string{"getent", "passwd", o.cfg.Name}, executor.RunOptions{})
	if err != nil {
		return passwdEntry{}, false, err
	}
	if res.ExitCode != 0 {
		return passwdEntry{}, false, nil
	}
	fields := strings.Split(strings.TrimSpace(res.Stdout), ":")
	entry := passwdEntry{}
	if len(fields) >= 7 {
		entry.home = fields[5]
		entry.shell = fields[6]
	}
	return entry, true, nil
}

func (o *Op) createCommand() []string {
	cmd := []string{"useradd", "-m"}
	if o.cfg.System {
		cmd = append(cmd, "-r")
	}
	if o.cfg.Shell != "" {
		cmd = append(cmd, "-s", o.cfg.Shell)
	}
	if o.cfg.Home != "" {
		cmd = append(cmd, "-d", o.cfg.Home)
	}
	if len(o.cfg.Groups) > 0 {
		cmd = append(cmd, "-G", strings.Join(o.cfg.Groups, ","))
	}
	return append(cmd, o.cfg.Name)
}

func (o *Op) modify(ctx context.Context, exec executor.Executor, entry passwdEntry) ([]string, error) {
	var reasons []string

	if o.cfg.Shell != "" && entry.shell != o.cfg.Shell {
		if err := o.run(ctx, exec, []string{"usermod", "-s", o.cfg.Shell, o.cfg.Name}); err != nil {
			return nil, err
		}
		reasons = append(reasons, "shell -> "+o.cfg.Shell)
	}
	if o.cfg.Home != "" && entry.home != o.cfg.Home {
		if err := o.run(ctx, exec, []string{"usermod", "-d", o.cfg.Home, o.cfg.Name}); err != nil {
			return nil, err
		}
		reasons = append(reasons, "home -> "+o.cfg.Home)
	}
	if len(o.cfg.Groups) > 0 {
		current, err := o.currentGroups(ctx, exec)
		if err != nil {
			return nil, err
		}
		if missing := diffGroups(o.cfg.Groups, current); len(missing) > 0 {
			if err := o.run(ctx, exec, []string{"usermod", "-aG", strings.Join(missing, ","), o.cfg.Name}); err != nil {
				return nil, err
			}
			reasons = append(reasons, "groups += "+strings.Join(missing, ","))
		}
	}
	return reasons, nil
}

func (o *Op) currentGroups(ctx context.Context, exec executor.Executor) ([]string, error) {
	res, err := exec.RunCommand(ctx, []string{"id", "-nG", o.cfg.Name}, executor.RunOptions{})
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, nil
	}
	return strings.Fields(res.Stdout), nil
}

func diffGroups(want, have []string) []string {
	haveSet := make(map[string]struct{}, len(have))
	for _, g := range have {
		haveSet[g] = struct{}{}
	}
	var missing []string
	for _, g := range want {
		if _, ok := haveSet[g]; !ok {
			missing = append(missing, g)
		}
	}
	return missing
}

func (o *Op) applyLock(ctx context.Context, exec executor.Executor, existed bool) (string, error) {
	want := *o.cfg.Locked

	locked := false
	if existed {
		res, err := exec.RunCommand(ctx, []string{"passwd", "-S", o.cfg.Name}, executor.RunOptions{})
		if err != nil {
			return "", err
		}
		fields := strings.Fields(res.Stdout)
		locked = res.ExitCode == 0 && len(fields) >= 2 && fields[1] == "L"
		if locked == want {
			return "", nil
		}
	} else if !want {
		// A freshly created account starts unlocked.
		return "", nil
	}

	flag := "-L"
	reason := "locked"
	if !want {
		flag = "-U"
		reason = "unlocked"
	}
	if err := o.run(ctx, exec, []string{"usermod", flag, o.cfg.Name}); err != nil {
		return "", err
	}
	return reason, nil
}

func (o *Op) run(ctx context.Context, exec executor.Executor, command []string) error {
	res, err := exec.RunCommand(ctx, command, executor.RunOptions{Mutable: true})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%s exited %d: %s", command[0], res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// Destroy maps a recorded user spec to removal. The home directory is
// intentionally left behind.
func Destroy(title string, attrs map[string]any) map[string]any {
	return map[string]any{"state": "absent"}
}

// Register wires the operation into a registry.
func Register(reg *operation.Registry) error {
	if err := reg.Register("user", New()); err != nil {
		return err
	}
	reg.RegisterDestroy("user", Destroy)
	return nil
}
