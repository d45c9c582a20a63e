package engine

import (
	"context"
	"fmt"

	"github.com/daveseff/Geppetto/internal/executor"
	"github.com/daveseff/Geppetto/internal/inventory"
	"github.com/daveseff/Geppetto/internal/operation"
	"github.com/daveseff/Geppetto/internal/template"
	geperrors "github.com/daveseff/Geppetto/pkg/errors"
)

// SecretResolver replaces secret references in attribute maps with their
// values. A nil resolver leaves attributes untouched, which fails later if
// an operation receives a reference where it expects a string.
type SecretResolver interface {
	ResolveAttrs(ctx context.Context, attrs map[string]any) (map[string]any, error)
}

// compiledResource pairs a declaration with the operation instance built
// for one specific host. Guards are carried here with variables already
// expanded; the shared declaration stays untouched. host is the view the
// operation applies against: a copy of the node with the merged map when
// the resource overlays its own variables.
type compiledResource struct {
	res       *inventory.Resource
	op        operation.Operation
	host      *inventory.Node
	creates   string
	onlyIf    any
	unless    any
	onSuccess []*compiledResource
	onFailure []*compiledResource
}

// compiledUnit is one task bound to one host, resources in execution order.
type compiledUnit struct {
	task    *inventory.Task
	host    *inventory.Node
	exec    executor.Executor
	ordered []*compiledResource
}

// compile validates and instantiates the whole plan before anything runs:
// dependency graphs are sorted, variables expanded, secrets resolved, and
// every resource, including conditional branches, built through its
// factory. Any error here means no resource has executed.
func (e *Engine) compile(ctx context.Context, plan *inventory.Plan) ([]*compiledUnit, error) {
	var units []*compiledUnit
	executors := make(map[string]executor.Executor)

	for _, task := range plan.Tasks {
		ordered, err := TopoSort(task)
		if err != nil {
			return nil, err
		}

		for _, hostName := range task.Hosts {
			host, ok := plan.Host(hostName)
			if !ok {
				return nil, geperrors.NewGraphError(task.Name,
					fmt.Sprintf("unknown host %q", hostName), nil)
			}

			exec, ok := executors[hostName]
			if !ok {
				exec, err = e.factory(host)
				if err != nil {
					return nil, err
				}
				executors[hostName] = exec
			}

			unit := &compiledUnit{task: task, host: host, exec: exec}
			for _, res := range ordered {
				compiled, err := e.compileResource(ctx, host, res)
				if err != nil {
					return nil, err
				}
				unit.ordered = append(unit.ordered, compiled)
			}
			units = append(units, unit)
		}
	}
	return units, nil
}

func (e *Engine) compileResource(ctx context.Context, host *inventory.Node, res *inventory.Resource) (*compiledResource, error) {
	op, applyHost, err := e.buildOperation(ctx, host, res)
	if err != nil {
		return nil, err
	}

	compiled := &compiledResource{res: res, op: op, host: applyHost}
	if err := compiled.expandGuards(applyHost.Variables); err != nil {
		return nil, fmt.Errorf("%s (%s:%d): %w", res.ID(), res.File, res.Line, err)
	}
	compiled.onSuccess, err = e.compileBranch(ctx, host, res, attrOnSuccessName, res.OnSuccess)
	if err != nil {
		return nil, err
	}
	compiled.onFailure, err = e.compileBranch(ctx, host, res, attrOnFailureName, res.OnFailure)
	if err != nil {
		return nil, err
	}
	return compiled, nil
}

const (
	attrOnSuccessName = "on_success"
	attrOnFailureName = "on_failure"
)

// compileBranch orders a conditional sub-sequence as its own graph and
// compiles it. Branch dependencies resolve within the branch only; they
// never join the parent's top-level graph.
func (e *Engine) compileBranch(ctx context.Context, host *inventory.Node, parent *inventory.Resource, kind string, nested []*inventory.Resource) ([]*compiledResource, error) {
	if len(nested) == 0 {
		return nil, nil
	}

	ordered, err := TopoSort(&inventory.Task{
		Name:      parent.ID() + "/" + kind,
		Resources: nested,
	})
	if err != nil {
		return nil, err
	}

	var compiled []*compiledResource
	for _, res := range ordered {
		child, err := e.compileResource(ctx, host, res)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, child)
	}
	return compiled, nil
}

// expandGuards resolves host variables inside guard expressions so that a
// guard behaves like any other attribute value.
func (c *compiledResource) expandGuards(vars map[string]any) error {
	creates, err := template.Expand(c.res.Creates, vars)
	if err != nil {
		return fmt.Errorf("creates guard: %w", err)
	}
	c.creates = creates

	if c.res.OnlyIf != nil {
		onlyIf, err := template.ExpandValue(c.res.OnlyIf, vars)
		if err != nil {
			return fmt.Errorf("only_if guard: %w", err)
		}
		c.onlyIf = onlyIf
	}
	if c.res.Unless != nil {
		unless, err := template.ExpandValue(c.res.Unless, vars)
		if err != nil {
			return fmt.Errorf("unless guard: %w", err)
		}
		c.unless = unless
	}
	return nil
}

// buildOperation resolves one resource's attributes for one host and runs
// them through the registered factory. The returned node is the view the
// operation should apply against: per-resource variables overlay the host's
// for expansion and for rendering at apply time.
func (e *Engine) buildOperation(ctx context.Context, host *inventory.Node, res *inventory.Resource) (operation.Operation, *inventory.Node, error) {
	factory, err := e.registry.Resolve(res.Type)
	if err != nil {
		return nil, nil, fmt.Errorf("%s (%s:%d): %w", res.ID(), res.File, res.Line, err)
	}

	vars := overlayVars(host.Variables, res.Variables)
	applyHost := host
	if len(res.Variables) > 0 {
		view := *host
		view.Variables = vars
		applyHost = &view
	}

	attrs, err := template.ExpandAttrs(res.Attributes, vars)
	if err != nil {
		return nil, nil, fmt.Errorf("%s (%s:%d): %w", res.ID(), res.File, res.Line, err)
	}
	if e.secrets != nil {
		attrs, err = e.secrets.ResolveAttrs(ctx, attrs)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", res.ID(), err)
		}
	}

	op, err := factory(res.Title, attrs)
	if err != nil {
		return nil, nil, fmt.Errorf("%s (%s:%d): %w", res.ID(), res.File, res.Line, err)
	}
	return op, applyHost, nil
}

// overlayVars merges resource variables over host variables, resource wins
// per key. The host map is returned untouched when there is nothing to add.
func overlayVars(host, res map[string]any) map[string]any {
	if len(res) == 0 {
		return host
	}
	merged := make(map[string]any, len(host)+len(res))
	for k, v := range host {
		merged[k] = v
	}
	for k, v := range res {
		merged[k] = v
	}
	return merged
}
