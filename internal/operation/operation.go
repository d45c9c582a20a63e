// Package operation defines the contract every resource type implements and
// the registry the engine resolves types through.
package operation

import (
	"context"

	"github.com/daveseff/Geppetto/internal/executor"
	"github.com/daveseff/Geppetto/internal/inventory"
)

// Outcome reports what a single apply did. Detail is a short human string
// such as "installed nginx" or "content, mode->0644".
type Outcome struct {
	Changed bool
	Detail  string
}

// Operation converges one resource on one host. Apply must be idempotent:
// a second call against an already-converged host reports Changed=false.
// Under a dry-run executor Apply performs only read-only checks and reports
// what would change.
type Operation interface {
	// Name returns the operation type name, e.g. "package".
	Name() string
	// Apply drives the host to the declared state through the executor.
	Apply(ctx context.Context, host *inventory.Node, exec executor.Executor) (Outcome, error)
}

// Factory builds an operation from a resource title and its attribute map.
// Factories validate eagerly so a malformed resource fails before any
// resource in the plan executes.
type Factory func(title string, attrs map[string]any) (Operation, error)

// DestroyBuilder transforms a previously recorded attribute map into the
// spec that removes the resource. Types that cannot be torn down (exec,
// sysctl) have no builder; those resources are left in place and only
// dropped from recorded state.
type DestroyBuilder func(title string, attrs map[string]any) map[string]any
