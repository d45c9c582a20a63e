package executor

import (
	"context"
	"fmt"
	"io/fs"
	"time"

	"github.com/daveseff/Geppetto/internal/inventory"
	geperrors "github.com/daveseff/Geppetto/pkg/errors"
)

// CommandResult holds the outcome of one command invocation.
type CommandResult struct {
	Command  []string
	Stdout   string
	Stderr   string
	ExitCode int
}

// RunOptions controls a single RunCommand call. Mutable marks commands that
// change host state; the local executor skips them during dry-run while
// read-only guard commands still execute.
type RunOptions struct {
	Env     map[string]string
	Dir     string
	Timeout time.Duration
	Mutable bool
}

// Executor is the boundary through which the engine touches a host. A call
// may fail with a permission, transport, or timeout error; the engine
// surfaces those as failed action results, never as a crash.
//
// WriteFile and EnsureDir treat a zero mode as "leave permissions alone".
// SetOwnerMode treats a negative uid/gid the way chown does.
type Executor interface {
	RunCommand(ctx context.Context, command []string, opts RunOptions) (*CommandResult, error)
	ReadFile(path string) (content []byte, found bool, err error)
	WriteFile(path string, content []byte, mode fs.FileMode) (changed bool, detail string, err error)
	EnsureDir(path string, mode fs.FileMode) (changed bool, err error)
	RemovePath(path string) (removed bool, err error)
	SetOwnerMode(path string, uid, gid int) (changed bool, detail string, err error)
	Symlink(target, link string) (changed bool, err error)
	ReadLink(path string) (target string, err error)
	PathExists(path string) (bool, error)
	DryRun() bool
}

// Factory builds an executor for a node. The engine resolves one executor
// per host per run.
type Factory func(node *inventory.Node) (Executor, error)

// NewFactory returns the default factory: local nodes get a LocalExecutor,
// the reserved agent and server kinds fail with a typed error until a remote
// implementation exists.
func NewFactory(dryRun bool) Factory {
	return func(node *inventory.Node) (Executor, error) {
		switch node.Connection {
		case inventory.ConnectionLocal:
			return NewLocal(dryRun), nil
		case inventory.ConnectionAgent, inventory.ConnectionServer:
			return nil, geperrors.NewExecutionError("",
				fmt.Errorf("connection kind %q is not implemented for host %q", node.Connection, node.Name))
		default:
			return nil, geperrors.NewExecutionError("",
				fmt.Errorf("unknown connection kind %q for host %q", node.Connection, node.Name))
		}
	}
}
