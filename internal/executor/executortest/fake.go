// Package executortest provides an in-memory Executor for operation and
// engine tests.
package executortest

import (
	"context"
	"fmt"
	"io/fs"
	"strings"

	"github.com/daveseff/Geppetto/internal/executor"
)

// Fake implements executor.Executor against in-memory state. Commands are
// recorded and answered by CommandFunc; file operations act on the Files,
// Modes, Links, and Dirs maps directly so tests can seed and inspect them.
type Fake struct {
	DryRunMode bool

	// CommandFunc answers RunCommand. Nil means every command succeeds
	// with empty output.
	CommandFunc func(command []string, opts executor.RunOptions) (*executor.CommandResult, error)

	// Commands records every RunCommand invocation, including ones skipped
	// by dry-run.
	Commands [][]string

	Files map[string][]byte
	Modes map[string]fs.FileMode
	Links map[string]string
	Dirs  map[string]bool

	Owners map[string][2]int
}

// New returns an empty fake.
func New() *Fake {
	return &Fake{
		Files:  make(map[string][]byte),
		Modes:  make(map[string]fs.FileMode),
		Links:  make(map[string]string),
		Dirs:   make(map[string]bool),
		Owners: make(map[string][2]int),
	}
}

var _ executor.Executor = (*Fake)(nil)

func (f *Fake) DryRun() bool { return f.DryRunMode }

func (f *Fake) RunCommand(_ context.Context, command []string, opts executor.RunOptions) (*executor.CommandResult, error) {
	f.Commands = append(f.Commands, append([]string(nil), command...))

	if f.DryRunMode && opts.Mutable {
		return &executor.CommandResult{Command: command, Stderr: "skipped (dry-run)"}, nil
	}
	if f.CommandFunc != nil {
		return f.CommandFunc(command, opts)
	}
	return &executor.CommandResult{Command: command}, nil
}

// Ran reports whether any recorded command line contains the substring.
func (f *Fake) Ran(substr string) bool {
	for _, cmd := range f.Commands {
		if strings.Contains(strings.Join(cmd, " "), substr) {
			return true
		}
	}
	return false
}

func (f *Fake) ReadFile(path string) ([]byte, bool, error) {
	content, ok := f.Files[path]
	if !ok {
		return nil, false, nil
	}
	return content, true, nil
}

func (f *Fake) WriteFile(path string, content []byte, mode fs.FileMode) (bool, string, error) {
	existing, found := f.Files[path]

	changed := false
	var reasons []string
	if !found || string(existing) != string(content) {
		changed = true
		reasons = append(reasons, "content")
		if !f.DryRunMode {
			f.Files[path] = append([]byte(nil), content...)
			if mode != 0 {
				f.Modes[path] = mode.Perm()
			} else if !found {
				f.Modes[path] = 0o644
			}
		}
	}
	if mode != 0 && f.Modes[path] != mode.Perm() {
		changed = true
		reasons = append(reasons, fmt.Sprintf("mode->%04o", mode.Perm()))
		if !f.DryRunMode {
			f.Modes[path] = mode.Perm()
		}
	}

	detail := "noop"
	if len(reasons) > 0 {
		detail = strings.Join(reasons, ", ")
	}
	return changed, detail, nil
}

func (f *Fake) EnsureDir(path string, mode fs.FileMode) (bool, error) {
	if f.Dirs[path] {
		return false, nil
	}
	if !f.DryRunMode {
		f.Dirs[path] = true
	}
	return true, nil
}

func (f *Fake) RemovePath(path string) (bool, error) {
	_, hasFile := f.Files[path]
	_, hasLink := f.Links[path]
	if !hasFile && !hasLink && !f.Dirs[path] {
		return false, nil
	}
	if !f.DryRunMode {
		delete(f.Files, path)
		delete(f.Modes, path)
		delete(f.Links, path)
		delete(f.Dirs, path)
	}
	return true, nil
}

func (f *Fake) SetOwnerMode(path string, uid, gid int) (bool, string, error) {
	if uid < 0 && gid < 0 {
		return false, "noop", nil
	}
	current := f.Owners[path]
	want := current
	if uid >= 0 {
		want[0] = uid
	}
	if gid >= 0 {
		want[1] = gid
	}
	if want == current && f.ownerKnown(path) {
		return false, "noop", nil
	}
	if !f.DryRunMode {
		f.Owners[path] = want
	}
	return true, fmt.Sprintf("owner->%d:%d", want[0], want[1]), nil
}

func (f *Fake) ownerKnown(path string) bool {
	_, ok := f.Owners[path]
	return ok
}

func (f *Fake) Symlink(target, link string) (bool, error) {
	if f.Links[link] == target {
		return false, nil
	}
	if !f.DryRunMode {
		f.Links[link] = target
	}
	return true, nil
}

func (f *Fake) ReadLink(path string) (string, error) {
	target, ok := f.Links[path]
	if !ok {
		return "", fmt.Errorf("not a symlink: %s", path)
	}
	return target, nil
}

func (f *Fake) PathExists(path string) (bool, error) {
	if _, ok := f.Files[path]; ok {
		return true, nil
	}
	if _, ok := f.Links[path]; ok {
		return true, nil
	}
	return f.Dirs[path], nil
}
