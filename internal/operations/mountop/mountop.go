// Package mountop keeps a network filesystem mounted and persisted in fstab.
// The title is the mount point.
package mountop

import (
	"context"
	"fmt"
	"strings"

	"github.com/daveseff/Geppetto/internal/executor"
	"github.com/daveseff/Geppetto/internal/inventory"
	"github.com/daveseff/Geppetto/internal/operation"
)

// DefaultFstab is the table maintained unless a resource names its own.
const DefaultFstab = "/etc/fstab"

type config struct {
	Name       string `attr:"name"`
	Source     string `attr:"source" validate:"required"`
	MountPoint string `attr:"mount_point"`
	Fstype     string `attr:"fstype"`
	Options    any    `attr:"options"`
	State      string `attr:"state" validate:"omitempty,oneof=present absent"`
	Mount      *bool  `attr:"mount"`
	Fstab      string `attr:"fstab"`
}

// Op converges one fstab-backed mount.
type Op struct {
	source     string
	mountPoint string
	fstype     string
	options    string
	state      string
	mount      bool
	fstab      string
}

// New is the mount operation factory.
func New() operation.Factory {
	return func(title string, attrs map[string]any) (operation.Operation, error) {
		var cfg config
		if err := operation.DecodeAttrs(attrs, &cfg); err != nil {
			return nil, err
		}

		op := &Op{
			source:     cfg.Source,
			mountPoint: cfg.MountPoint,
			fstype:     cfg.Fstype,
			options:    normalizeOptions(cfg.Options),
			state:      cfg.State,
			mount:      true,
			fstab:      cfg.Fstab,
		}
		if op.mountPoint == "" {
			op.mountPoint = title
		}
		if !strings.HasPrefix(op.mountPoint, "/") {
			return nil, fmt.Errorf("mount %q: mount point must be absolute", title)
		}
		if op.fstype == "" {
			op.fstype = "nfs"
		}
		if op.state == "" {
			op.state = "present"
		}
		if cfg.Mount != nil {
			op.mount = *cfg.Mount
		}
		if op.fstab == "" {
			op.fstab = DefaultFstab
		}
		return op, nil
	}
}

// normalizeOptions accepts a mount option string or list.
func normalizeOptions(options any) string {
	switch v := options.(type) {
	case nil:
		return "defaults"
	case string:
		if v == "" {
			return "defaults"
		}
		return v
	case []any:
		parts := make([]string, 0, len(v))
		for _, opt := range v {
			parts = append(parts, fmt.Sprint(opt))
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprint(v)
	}
}

func (o *Op) Name() string { return "mount" }

func (o *Op) Apply(ctx context.Context, host *inventory.Node, exec executor.Executor) (operation.Outcome, error) {
	var reasons []string
	record := fmt.Sprintf("%s %s %s %s 0 0", o.source, o.mountPoint, o.fstype, o.options)

	if o.state == "present" {
		if _, err := exec.EnsureDir(o.mountPoint, 0o755); err != nil {
			return operation.Outcome{}, err
		}
		changed, err := o.ensureFstabEntry(exec, record)
		if err != nil {
			return operation.Outcome{}, err
		}
		if changed {
			reasons = append(reasons, "fstab")
		}
		if o.mount {
			mounted, err := o.isMounted(ctx, exec)
			if err != nil {
				return operation.Outcome{}, err
			}
			if !mounted {
				if err := o.runMount(ctx, exec, "mount"); err != nil {
					return operation.Outcome{}, err
				}
				reasons = append(reasons, "mounted")
			}
		}
	} else {
		removed, err := o.removeFstabEntry(exec)
		if err != nil {
			return operation.Outcome{}, err
		}
		if removed {
			reasons = append(reasons, "fstab entry removed")
		}
		if o.mount {
			mounted, err := o.isMounted(ctx, exec)
			if err != nil {
				return operation.Outcome{}, err
			}
			if mounted {
				if err := o.runMount(ctx, exec, "umount"); err != nil {
					return operation.Outcome{}, err
				}
				reasons = append(reasons, "unmounted")
			}
		}
	}

	detail := "in sync"
	if len(reasons) > 0 {
		detail = strings.Join(reasons, ", ")
	}
	return operation.Outcome{Changed: len(reasons) > 0, Detail: detail}, nil
}

func (o *Op) isMounted(ctx context.Context, exec executor.Executor) (bool, error) {
	res, err := exec.RunCommand(ctx, []string{"mountpoint", "-q", o.mountPoint}, executor.RunOptions{})
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}

func (o *Op) runMount(ctx context.Context, exec executor.Executor, verb string) error {
	res, err := exec.RunCommand(ctx, []string{verb, o.mountPoint}, executor.RunOptions{Mutable: true})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%s %s exited %d: %s", verb, o.mountPoint, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// ensureFstabEntry maintains the line whose second field is the mount point,
// replacing a stale record and appending a missing one. Comments and unrelated
// lines pass through untouched.
func (o *Op) ensureFstabEntry(exec executor.Executor, record string) (bool, error) {
	lines, err := o.fstabLines(exec)
	if err != nil {
		return false, err
	}

	replaced := false
	out := make([]string, 0, len(lines)+1)
	for _, line := range lines {
		if o.lineMatches(line) {
			if replaced {
				continue
			}
			out = append(out, record)
			replaced = true
			continue
		}
		out = append(out, line)
	}
	if !replaced {
		out = append(out, record)
	}
	return o.writeFstab(exec, lines, out)
}

func (o *Op) removeFstabEntry(exec executor.Executor) (bool, error) {
	lines, err := o.fstabLines(exec)
	if err != nil {
		return false, err
	}

	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if o.lineMatches(line) {
			continue
		}
		out = append(out, line)
	}
	return o.writeFstab(exec, lines, out)
}

func (o *Op) lineMatches(line string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return false
	}
	fields := strings.Fields(trimmed)
	return len(fields) >= 2 && fields[1] == o.mountPoint
}

func (o *Op) fstabLines(exec executor.Executor) ([]string, error) {
	content, found, err := exec.ReadFile(o.fstab)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return strings.Split(strings.TrimRight(string(content), "\n"), "\n"), nil
}

func (o *Op) writeFstab(exec executor.Executor, before, after []string) (bool, error) {
	if len(before) == len(after) && strings.Join(before, "\n") == strings.Join(after, "\n") {
		return false, nil
	}
	content := strings.Join(after, "\n") + "\n"
	changed, _, err := exec.WriteFile(o.fstab, []byte(content), 0o644)
	return changed, err
}

// Destroy maps a recorded mount to removal: the fstab entry goes away and the
// filesystem is unmounted.
func Destroy(title string, attrs map[string]any) map[string]any {
	out := map[string]any{"state": "absent"}
	for _, key := range []string{"source", "mount_point", "fstype", "options", "mount", "fstab"} {
		if v, ok := attrs[key]; ok {
			out[key] = v
		}
	}
	return out
}

// Register wires the operation into a registry.
func Register(reg *operation.Registry) error {
	if err := reg.Register("mount", New()); err != nil {
		return err
	}
	reg.RegisterDestroy("mount", Destroy)
	return nil
}
