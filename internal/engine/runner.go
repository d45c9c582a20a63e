// Package engine drives a plan to convergence: it compiles every resource,
// walks the dependency order, evaluates guards, dispatches conditional
// branches, and tears down resources that have left the plan.
package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/daveseff/Geppetto/internal/executor"
	"github.com/daveseff/Geppetto/internal/inventory"
	"github.com/daveseff/Geppetto/internal/logger"
	"github.com/daveseff/Geppetto/internal/model"
	"github.com/daveseff/Geppetto/internal/operation"
	"github.com/daveseff/Geppetto/internal/operations/execop"
	"github.com/daveseff/Geppetto/internal/state"
	geperrors "github.com/daveseff/Geppetto/pkg/errors"
)

// resource status values tracked during one unit's execution.
type status int

const (
	statusSucceeded status = iota
	statusFailed
	statusSkippedUpstream
	// statusGuarded means a guard decided the resource is already in its
	// desired state; dependents treat it as satisfied.
	statusGuarded
)

// Options configures an engine run.
type Options struct {
	Registry *operation.Registry
	Factory  executor.Factory
	Store    *state.Store
	Secrets  SecretResolver
	Log      *logger.Logger

	// DryRun reports what would change without mutating hosts or state.
	DryRun bool
	// StopOnFailure stops scheduling any new work after the first failure.
	// The default skips only resources downstream of a failed one; everything
	// without a dependency path to the failure still converges.
	StopOnFailure bool
	// Progress, when set, observes every result as it is produced.
	Progress func(model.ActionResult)
}

// Engine executes plans.
type Engine struct {
	registry      *operation.Registry
	factory       executor.Factory
	store         *state.Store
	secrets       SecretResolver
	log           *logger.Logger
	dryRun        bool
	stopOnFailure bool
	progress      func(model.ActionResult)
}

// New builds an engine.
func New(opts Options) *Engine {
	return &Engine{
		registry:      opts.Registry,
		factory:       opts.Factory,
		store:         opts.Store,
		secrets:       opts.Secrets,
		log:           opts.Log,
		dryRun:        opts.DryRun,
		stopOnFailure: opts.StopOnFailure,
		progress:      opts.Progress,
	}
}

// SetProgress installs the observer called for every recorded result. It must
// be set before Run.
func (e *Engine) SetProgress(fn func(model.ActionResult)) {
	e.progress = fn
}

// Run converges the plan: the apply phase walks every task in declaration
// order, then the teardown phase removes resources recorded by earlier runs
// that the plan no longer declares. State is read once before and written
// once after; a dry run touches neither hosts nor state.
func (e *Engine) Run(ctx context.Context, plan *inventory.Plan) (*model.RunReport, error) {
	report := &model.RunReport{Started: time.Now()}
	defer func() { report.Ended = time.Now() }()

	units, err := e.compile(ctx, plan)
	if err != nil {
		return nil, err
	}

	doc := state.Document{}
	if e.store != nil {
		doc, err = e.store.Load()
		if err != nil {
			return nil, err
		}
	}

	run := &runState{doc: doc}
	for _, unit := range units {
		e.executeUnit(ctx, unit, run, report)
	}

	if !run.aborted {
		e.teardown(ctx, plan, run, report)
	}

	if e.store != nil && !e.dryRun {
		if err := e.store.Save(run.doc); err != nil {
			return report, err
		}
	}
	return report, nil
}

// runState carries the cross-unit bits of one run.
type runState struct {
	doc state.Document
	// aborted is set after a failure when StopOnFailure is on; the rest of
	// the apply phase skips, and teardown does not run.
	aborted bool
}

func (e *Engine) executeUnit(ctx context.Context, unit *compiledUnit, run *runState, report *model.RunReport) {
	statuses := make(map[string]status, len(unit.ordered))

	for _, compiled := range unit.ordered {
		res := compiled.res

		if run.aborted {
			statuses[res.ID()] = statusSkippedUpstream
			e.record(report, e.skipResult(unit, res, model.SkipRunStopped))
			continue
		}
		if reason := blockedBy(res, statuses); reason != "" {
			statuses[res.ID()] = statusSkippedUpstream
			e.record(report, e.skipResult(unit, res, reason))
			continue
		}

		result := e.executeResource(ctx, unit, compiled, report, false)
		switch {
		case result.Failed:
			statuses[res.ID()] = statusFailed
			if e.stopOnFailure {
				run.aborted = true
			}
		case result.Skipped != "":
			statuses[res.ID()] = statusGuarded
		default:
			statuses[res.ID()] = statusSucceeded
		}

		// Declared resources that did not fail are recorded so later runs
		// can diff against them. Branch resources are transient and never
		// recorded.
		if !result.Failed && !e.dryRun {
			run.doc.Host(unit.host.Name).Record(state.Entry{
				Type:       res.Type,
				Title:      res.Title,
				Attributes: res.Attributes,
				Variables:  res.Variables,
				DependsOn:  res.DependsOn,
				AppliedAt:  time.Now().UTC(),
			})
		}
	}
}

// executeResource converges one compiled resource and dispatches its
// conditional branches on the outcome. Branch dispatch recurses, so nested
// branches work to any depth; inside an on_failure branch, rollback is set
// and further failures no longer trigger branching. Every produced result
// lands in the report in execution order.
func (e *Engine) executeResource(ctx context.Context, unit *compiledUnit, compiled *compiledResource, report *model.RunReport, rollback bool) model.ActionResult {
	res := compiled.res
	log := e.log.WithResource(unit.host.Name, res.ID())

	skip, guardDetail, err := e.evaluateGuards(ctx, unit.exec, compiled)
	if err != nil {
		result := e.failResult(unit, res, err)
		e.record(report, result)
		return result
	}
	if skip {
		log.Debug("guard satisfied, skipping")
		result := e.skipResult(unit, res, guardDetail)
		e.record(report, result)
		return result
	}

	started := time.Now()
	outcome, applyErr := compiled.op.Apply(ctx, compiled.host, unit.exec)
	result := model.ActionResult{
		Host:     unit.host.Name,
		Action:   res.Type,
		Resource: res.ID(),
		Changed:  outcome.Changed,
		Details:  outcome.Detail,
		Phase:    model.PhaseApply,
		DryRun:   e.dryRun,
		Duration: time.Since(started),
	}
	if applyErr != nil {
		wrapped := geperrors.NewExecutionError(res.ID(), applyErr)
		log.Error(wrapped, "resource failed")
		result.Failed = true
		result.Changed = false
		result.Details = wrapped.Error()
	}
	e.record(report, result)

	// Branch failures are reported but never abort the run.
	if result.Failed {
		if !rollback {
			for _, branch := range compiled.onFailure {
				e.executeResource(ctx, unit, branch, report, true)
			}
		}
	} else if result.Changed {
		for _, branch := range compiled.onSuccess {
			e.executeResource(ctx, unit, branch, report, rollback)
		}
	}
	return result
}

// evaluateGuards applies creates, only_if, and unless in that order. Guard
// commands run read-only, so they execute even under dry-run.
func (e *Engine) evaluateGuards(ctx context.Context, exec executor.Executor, compiled *compiledResource) (bool, string, error) {
	if compiled.creates != "" {
		exists, err := exec.PathExists(compiled.creates)
		if err != nil {
			return false, "", fmt.Errorf("creates guard: %w", err)
		}
		if exists {
			return true, fmt.Sprintf("creates %s exists", compiled.creates), nil
		}
	}
	if compiled.onlyIf != nil {
		ok, err := e.guardCommand(ctx, exec, compiled.onlyIf)
		if err != nil {
			return false, "", fmt.Errorf("only_if guard: %w", err)
		}
		if !ok {
			return true, "only_if not met", nil
		}
	}
	if compiled.unless != nil {
		ok, err := e.guardCommand(ctx, exec, compiled.unless)
		if err != nil {
			return false, "", fmt.Errorf("unless guard: %w", err)
		}
		if ok {
			return true, "unless met", nil
		}
	}
	return false, "", nil
}

// guardCommand runs a guard and reports whether it exited zero. A guard
// that cannot start at all is an error, not a negative answer.
func (e *Engine) guardCommand(ctx context.Context, exec executor.Executor, command any) (bool, error) {
	argv, err := execop.Argv(command)
	if err != nil {
		return false, err
	}
	res, err := exec.RunCommand(ctx, argv, executor.RunOptions{})
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}

// teardown removes resources recorded by earlier runs that the current plan
// no longer declares, in reverse dependency order.
func (e *Engine) teardown(ctx context.Context, plan *inventory.Plan, run *runState, report *model.RunReport) {
	hosts := make([]string, 0, len(run.doc))
	for host := range run.doc {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)

	for _, hostName := range hosts {
		host, ok := plan.Host(hostName)
		if !ok {
			// The host itself left the plan; its resources stay recorded
			// until a plan declares it again.
			e.log.WithFields(map[string]any{"host": hostName}).Warn("state records a host the plan does not declare, leaving it untouched")
			continue
		}

		hostState := run.doc.Host(hostName)
		removed := hostState.Removed(plan.ResourceIdentities(hostName))
		if len(removed) == 0 {
			continue
		}

		exec, err := e.factory(host)
		if err != nil {
			e.log.Error(err, "no executor for teardown")
			continue
		}

		for _, entry := range removed {
			result := e.teardownEntry(ctx, host, exec, entry)
			e.record(report, result)
			if !result.Failed && !e.dryRun {
				hostState.Forget(entry.ID())
			}
		}
	}
}

func (e *Engine) teardownEntry(ctx context.Context, host *inventory.Node, exec executor.Executor, entry state.Entry) model.ActionResult {
	result := model.ActionResult{
		Host:     host.Name,
		Action:   entry.Type,
		Resource: entry.ID(),
		Phase:    model.PhaseTeardown,
		DryRun:   e.dryRun,
	}

	builder, ok := e.registry.DestroyFor(entry.Type)
	if !ok {
		result.Details = "no teardown for this type, dropped from state"
		return result
	}

	res := &inventory.Resource{
		Type:       entry.Type,
		Title:      entry.Title,
		Attributes: builder(entry.Title, entry.Attributes),
		Variables:  entry.Variables,
	}
	if err := res.Normalize(); err != nil {
		result.Failed = true
		result.Details = err.Error()
		return result
	}

	op, applyHost, err := e.buildOperation(ctx, host, res)
	if err != nil {
		result.Failed = true
		result.Details = err.Error()
		return result
	}

	started := time.Now()
	outcome, err := op.Apply(ctx, applyHost, exec)
	result.Duration = time.Since(started)
	if err != nil {
		wrapped := geperrors.NewExecutionError(entry.ID(), err)
		e.log.WithResource(host.Name, entry.ID()).Error(wrapped, "teardown failed")
		result.Failed = true
		result.Details = wrapped.Error()
	} else {
		result.Changed = outcome.Changed
		result.Details = outcome.Detail
	}
	return result
}

// blockedBy reports the skip reason when a dependency failed or was itself
// skipped for a failure. A guard-skipped dependency counts as satisfied.
func blockedBy(res *inventory.Resource, statuses map[string]status) string {
	for _, dep := range res.DependsOn {
		switch statuses[dep] {
		case statusFailed, statusSkippedUpstream:
			return model.SkipUpstreamFailure
		}
	}
	return ""
}

func (e *Engine) skipResult(unit *compiledUnit, res *inventory.Resource, reason string) model.ActionResult {
	return model.ActionResult{
		Host:     unit.host.Name,
		Action:   res.Type,
		Resource: res.ID(),
		Skipped:  reason,
		Phase:    model.PhaseApply,
		DryRun:   e.dryRun,
	}
}

func (e *Engine) failResult(unit *compiledUnit, res *inventory.Resource, err error) model.ActionResult {
	wrapped := geperrors.NewExecutionError(res.ID(), err)
	e.log.WithResource(unit.host.Name, res.ID()).Error(wrapped, "resource failed")
	return model.ActionResult{
		Host:     unit.host.Name,
		Action:   res.Type,
		Resource: res.ID(),
		Failed:   true,
		Details:  wrapped.Error(),
		Phase:    model.PhaseApply,
		DryRun:   e.dryRun,
	}
}

// record appends to the report and notifies the progress observer.
func (e *Engine) record(report *model.RunReport, result model.ActionResult) {
	if report != nil {
		report.Results = append(report.Results, result)
	}
	if e.progress != nil {
		e.progress(result)
	}
}
