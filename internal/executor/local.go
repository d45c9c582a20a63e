package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
)

// LocalExecutor acts directly on the local host. Dry-run mode suppresses
// every mutation while still performing read-only checks, so evaluation of
// guards and change detection behaves identically in both modes.
type LocalExecutor struct {
	dryRun bool
}

var _ Executor = (*LocalExecutor)(nil)

// NewLocal constructs a LocalExecutor.
func NewLocal(dryRun bool) *LocalExecutor {
	return &LocalExecutor{dryRun: dryRun}
}

// DryRun reports whether mutations are suppressed.
func (l *LocalExecutor) DryRun() bool {
	return l.dryRun
}

// RunCommand executes a command, capturing output. Mutable commands are
// skipped under dry-run and report exit code zero.
func (l *LocalExecutor) RunCommand(ctx context.Context, command []string, opts RunOptions) (*CommandResult, error) {
	if len(command) == 0 {
		return nil, errors.New("empty command")
	}

	if l.dryRun && opts.Mutable {
		return &CommandResult{
			Command: append([]string(nil), command...),
			Stderr:  "skipped (dry-run)",
		}, nil
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = buildEnv(opts.Env)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	result := &CommandResult{
		Command: append([]string(nil), command...),
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			if ctx.Err() != nil {
				return result, fmt.Errorf("command %q: %w", command[0], ctx.Err())
			}
			return result, nil
		}
		return result, fmt.Errorf("command %q: %w", command[0], runErr)
	}
	return result, nil
}

func buildEnv(custom map[string]string) []string {
	env := os.Environ()
	for k, v := range custom {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

// ReadFile returns the file content, or found=false when it does not exist.
func (l *LocalExecutor) ReadFile(path string) ([]byte, bool, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return content, true, nil
}

// WriteFile ensures path holds content with the requested mode, reporting
// what changed. A zero mode leaves permissions untouched.
func (l *LocalExecutor) WriteFile(path string, content []byte, mode fs.FileMode) (bool, string, error) {
	current, found, err := l.ReadFile(path)
	if err != nil {
		return false, "", err
	}

	changed := false
	var reasons []string

	if !found || !bytes.Equal(current, content) {
		changed = true
		reasons = append(reasons, "content")
		if !l.dryRun {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return false, "", err
			}
			writeMode := mode
			if writeMode == 0 {
				writeMode = 0o644
			}
			if err := os.WriteFile(path, content, writeMode); err != nil {
				return false, "", err
			}
		}
	}

	if mode != 0 {
		currentMode, ok := fileMode(path)
		if !ok || currentMode != mode.Perm() {
			changed = true
			reasons = append(reasons, fmt.Sprintf("mode->%04o", mode.Perm()))
			if !l.dryRun {
				// chmod fails when the file is absent, so guard it.
				if _, err := os.Stat(path); err == nil {
					if err := os.Chmod(path, mode.Perm()); err != nil {
						return false, "", err
					}
				}
			}
		}
	}

	detail := "noop"
	if len(reasons) > 0 {
		detail = strings.Join(reasons, ", ")
	}
	return changed, detail, nil
}

// EnsureDir creates the directory if missing.
func (l *LocalExecutor) EnsureDir(path string, mode fs.FileMode) (bool, error) {
	info, err := os.Stat(path)
	if err == nil {
		if info.IsDir() {
			return false, nil
		}
		return false, fmt.Errorf("%s exists and is not a directory", path)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}

	if l.dryRun {
		return true, nil
	}
	dirMode := mode
	if dirMode == 0 {
		dirMode = 0o755
	}
	if err := os.MkdirAll(path, dirMode.Perm()); err != nil {
		return false, err
	}
	return true, nil
}

// RemovePath deletes a file or directory tree, reporting whether anything
// was present to remove.
func (l *LocalExecutor) RemovePath(path string) (bool, error) {
	if _, err := os.Lstat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if l.dryRun {
		return true, nil
	}
	if err := os.RemoveAll(path); err != nil {
		return false, err
	}
	return true, nil
}

// SetOwnerMode applies ownership changes; a negative uid or gid leaves that
// half untouched, matching chown semantics.
func (l *LocalExecutor) SetOwnerMode(path string, uid, gid int) (bool, string, error) {
	if uid < 0 && gid < 0 {
		return false, "noop", nil
	}

	currentUID, currentGID, ok := fileOwner(path)
	wantUID, wantGID := uid, gid
	if wantUID < 0 {
		wantUID = currentUID
	}
	if wantGID < 0 {
		wantGID = currentGID
	}
	if ok && wantUID == currentUID && wantGID == currentGID {
		return false, "noop", nil
	}

	if !l.dryRun {
		if err := os.Chown(path, uid, gid); err != nil {
			return false, "", err
		}
	}
	return true, fmt.Sprintf("owner->%d:%d", wantUID, wantGID), nil
}

// Symlink ensures link points at target, replacing a wrong link.
func (l *LocalExecutor) Symlink(target, link string) (bool, error) {
	current, err := l.ReadLink(link)
	if err == nil && current == target {
		return false, nil
	}

	if l.dryRun {
		return true, nil
	}
	if _, err := os.Lstat(link); err == nil {
		if err := os.RemoveAll(link); err != nil {
			return false, err
		}
	}
	if err := os.MkdirAll(filepath.Dir(link), 0o755); err != nil {
		return false, err
	}
	if err := os.Symlink(target, link); err != nil {
		return false, err
	}
	return true, nil
}

// ReadLink resolves the target of a symlink.
func (l *LocalExecutor) ReadLink(path string) (string, error) {
	return os.Readlink(path)
}

// PathExists reports whether path exists at all.
func (l *LocalExecutor) PathExists(path string) (bool, error) {
	if _, err := os.Lstat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func fileMode(path string) (fs.FileMode, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, false
	}
	return info.Mode().Perm(), true
}

func fileOwner(path string) (int, int, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, 0, false
	}
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0, false
	}
	return int(stat.Uid), int(stat.Gid), true
}
