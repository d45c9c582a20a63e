// Package cronop manages scheduled jobs as drop-in files under /etc/cron.d.
package cronop

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/daveseff/Geppetto/internal/executor"
	"github.com/daveseff/Geppetto/internal/inventory"
	"github.com/daveseff/Geppetto/internal/operation"
)

// DefaultDropInDir is where job files land unless overridden at
// registration, which tests do.
const DefaultDropInDir = "/etc/cron.d"

type config struct {
	Name     string `attr:"name" validate:"required"`
	State    string `attr:"state" validate:"omitempty,oneof=present absent"`
	Command  string `attr:"command"`
	Schedule string `attr:"schedule"`
	User     string `attr:"user"`
}

// cron.d file names must stay within the run-parts charset or cron
// silently ignores the file.
var validJobName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Op converges one cron.d job file.
type Op struct {
	cfg config
	dir string
}

// New builds the cron operation factory writing into dir.
func New(dir string) operation.Factory {
	return func(title string, attrs map[string]any) (operation.Operation, error) {
		var cfg config
		if err := operation.DecodeAttrs(attrs, &cfg); err != nil {
			return nil, err
		}
		if cfg.State == "" {
			cfg.State = "present"
		}
		if !validJobName.MatchString(cfg.Name) {
			return nil, fmt.Errorf("cron %s: job name must match %s", title, validJobName)
		}
		if cfg.State == "present" {
			if cfg.Command == "" || cfg.Schedule == "" {
				return nil, fmt.Errorf("cron %s: present jobs require command and schedule", title)
			}
			if fields := strings.Fields(cfg.Schedule); len(fields) != 5 {
				return nil, fmt.Errorf("cron %s: schedule must have 5 fields, got %d", title, len(fields))
			}
		}
		if cfg.User == "" {
			cfg.User = "root"
		}
		return &Op{cfg: cfg, dir: dir}, nil
	}
}

func (o *Op) Name() string { return "cron" }

func (o *Op) path() string {
	return filepath.Join(o.dir, o.cfg.Name)
}

func (o *Op) Apply(ctx context.Context, host *inventory.Node, exec executor.Executor) (operation.Outcome, error) {
	if o.cfg.State == "absent" {
		removed, err := exec.RemovePath(o.path())
		if err != nil {
			return operation.Outcome{}, err
		}
		if removed {
			return operation.Outcome{Changed: true, Detail: "removed"}, nil
		}
		return operation.Outcome{Detail: "already absent"}, nil
	}

	content := fmt.Sprintf("%s %s %s\n", o.cfg.Schedule, o.cfg.User, o.cfg.Command)
	changed, detail, err := exec.WriteFile(o.path(), []byte(content), 0o644)
	if err != nil {
		return operation.Outcome{}, err
	}
	if !changed {
		detail = "in sync"
	}
	return operation.Outcome{Changed: changed, Detail: detail}, nil
}

// Destroy maps a recorded cron spec to removal.
func Destroy(title string, attrs map[string]any) map[string]any {
	return map[string]any{"state": "absent"}
}

// Register wires the operation into a registry.
func Register(reg *operation.Registry, dir string) error {
	if dir == "" {
		dir = DefaultDropInDir
	}
	if err := reg.Register("cron", New(dir)); err != nil {
		return err
	}
	reg.RegisterDestroy("cron", Destroy)
	return nil
}
