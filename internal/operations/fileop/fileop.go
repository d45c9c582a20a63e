// Package fileop manages files, directories, and symlinks.
package fileop

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/daveseff/Geppetto/internal/executor"
	"github.com/daveseff/Geppetto/internal/inventory"
	"github.com/daveseff/Geppetto/internal/operation"
	"github.com/daveseff/Geppetto/internal/template"
)

type config struct {
	Name    string `attr:"name"`
	Path    string `attr:"path" validate:"required"`
	State   string `attr:"state" validate:"omitempty,oneof=file directory link absent present"`
	Content string `attr:"content"`
	Source  string `attr:"source"`
	Target  string `attr:"target"`
	Mode    string `attr:"mode" validate:"omitempty,len=3|len=4"`
	Owner   string `attr:"owner"`
	Group   string `attr:"group"`
}

// Op converges one filesystem entry.
type Op struct {
	cfg         config
	templateDir string
}

// New builds the file operation factory. templateDir anchors relative
// source references.
func New(templateDir string) operation.Factory {
	return func(title string, attrs map[string]any) (operation.Operation, error) {
		var cfg config
		if err := operation.DecodeAttrs(attrs, &cfg); err != nil {
			return nil, err
		}
		if cfg.State == "" || cfg.State == "present" {
			cfg.State = "file"
		}
		if cfg.State == "link" && cfg.Target == "" {
			return nil, fmt.Errorf("file %s: link state requires target", title)
		}
		if cfg.Content != "" && cfg.Source != "" {
			return nil, fmt.Errorf("file %s: content and source are mutually exclusive", title)
		}
		if cfg.Mode != "" {
			if _, err := parseMode(cfg.Mode); err != nil {
				return nil, fmt.Errorf("file %s: %w", title, err)
			}
		}
		return &Op{cfg: cfg, templateDir: templateDir}, nil
	}
}

func (o *Op) Name() string { return "file" }

func (o *Op) Apply(ctx context.Context, host *inventory.Node, exec executor.Executor) (operation.Outcome, error) {
	switch o.cfg.State {
	case "absent":
		removed, err := exec.RemovePath(o.cfg.Path)
		if err != nil {
			return operation.Outcome{}, err
		}
		if removed {
			return operation.Outcome{Changed: true, Detail: "removed"}, nil
		}
		return operation.Outcome{Detail: "already absent"}, nil
	case "directory":
		return o.applyDirectory(exec)
	case "link":
		changed, err := exec.Symlink(o.cfg.Target, o.cfg.Path)
		if err != nil {
			return operation.Outcome{}, err
		}
		outcome, err := o.applyOwnership(exec, changed, nil)
		if err != nil {
			return operation.Outcome{}, err
		}
		if changed {
			outcome.Detail = "link -> " + o.cfg.Target
		}
		return outcome, nil
	default:
		return o.applyFile(host, exec)
	}
}

func (o *Op) applyDirectory(exec executor.Executor) (operation.Outcome, error) {
	mode, _ := parseMode(o.cfg.Mode)
	created, err := exec.EnsureDir(o.cfg.Path, mode)
	if err != nil {
		return operation.Outcome{}, err
	}
	var reasons []string
	if created {
		reasons = append(reasons, "created")
	}
	outcome, err := o.applyOwnership(exec, created, reasons)
	if err != nil {
		return operation.Outcome{}, err
	}
	return outcome, nil
}

func (o *Op) applyFile(host *inventory.Node, exec executor.Executor) (operation.Outcome, error) {
	content, err := o.desiredContent(host, exec)
	if err != nil {
		return operation.Outcome{}, err
	}

	mode, _ := parseMode(o.cfg.Mode)
	changed, detail, err := exec.WriteFile(o.cfg.Path, content, mode)
	if err != nil {
		return operation.Outcome{}, err
	}
	var reasons []string
	if changed {
		reasons = append(reasons, detail)
	}
	return o.applyOwnership(exec, changed, reasons)
}

// desiredContent resolves the target bytes: inline content, a rendered
// source file, or empty for a bare file declaration that must keep existing
// content.
func (o *Op) desiredContent(host *inventory.Node, exec executor.Executor) ([]byte, error) {
	if o.cfg.Source != "" {
		source := o.cfg.Source
		if !filepath.IsAbs(source) {
			source = filepath.Join(o.templateDir, source)
		}
		raw, err := os.ReadFile(source)
		if err != nil {
			return nil, fmt.Errorf("reading source %s: %w", source, err)
		}
		var vars map[string]any
		if host != nil {
			vars = host.Variables
		}
		return template.RenderContent(filepath.Base(source), raw, vars)
	}
	if o.cfg.Content != "" {
		return []byte(o.cfg.Content), nil
	}

	// A file declared without content keeps whatever is on disk; we only
	// guarantee existence.
	existing, found, err := exec.ReadFile(o.cfg.Path)
	if err != nil {
		return nil, err
	}
	if found {
		return existing, nil
	}
	return []byte{}, nil
}

func (o *Op) applyOwnership(exec executor.Executor, changed bool, reasons []string) (operation.Outcome, error) {
	uid, gid, err := resolveOwner(o.cfg.Owner, o.cfg.Group)
	if err != nil {
		return operation.Outcome{}, err
	}
	if uid >= 0 || gid >= 0 {
		ownChanged, detail, err := exec.SetOwnerMode(o.cfg.Path, uid, gid)
		if err != nil {
			return operation.Outcome{}, err
		}
		if ownChanged {
			changed = true
			reasons = append(reasons, detail)
		}
	}

	detail := "in sync"
	if len(reasons) > 0 {
		detail = strings.Join(reasons, ", ")
	}
	return operation.Outcome{Changed: changed, Detail: detail}, nil
}

func resolveOwner(owner, group string) (int, int, error) {
	uid, gid := -1, -1
	if owner != "" {
		u, err := user.Lookup(owner)
		if err != nil {
			return -1, -1, fmt.Errorf("unknown owner %q: %w", owner, err)
		}
		uid, _ = strconv.Atoi(u.Uid)
	}
	if group != "" {
		g, err := user.LookupGroup(group)
		if err != nil {
			return -1, -1, fmt.Errorf("unknown group %q: %w", group, err)
		}
		gid, _ = strconv.Atoi(g.Gid)
	}
	return uid, gid, nil
}

func parseMode(s string) (fs.FileMode, error) {
	if s == "" {
		return 0, nil
	}
	parsed, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid mode %q", s)
	}
	return fs.FileMode(parsed), nil
}

// Destroy maps a recorded file spec to its removal spec.
func Destroy(title string, attrs map[string]any) map[string]any {
	out := map[string]any{"state": "absent"}
	if path, ok := attrs["path"]; ok {
		out["path"] = path
	}
	return out
}

// Register wires the operation into a registry.
func Register(reg *operation.Registry, templateDir string) error {
	if err := reg.Register("file", New(templateDir)); err != nil {
		return err
	}
	reg.RegisterDestroy("file", Destroy)
	return nil
}
