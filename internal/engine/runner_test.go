package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daveseff/Geppetto/internal/executor"
	"github.com/daveseff/Geppetto/internal/executor/executortest"
	"github.com/daveseff/Geppetto/internal/inventory"
	"github.com/daveseff/Geppetto/internal/model"
	"github.com/daveseff/Geppetto/internal/operation"
	"github.com/daveseff/Geppetto/internal/state"
)

// recorder captures the order of probe applies and destroys.
type recorder struct {
	applied   []string
	destroyed []string
}

// probeOp is a scriptable operation: its attrs decide the outcome.
type probeOp struct {
	id    string
	mode  string
	attrs map[string]any
	rec   *recorder
}

func (p *probeOp) Name() string { return "probe" }

func (p *probeOp) Apply(_ context.Context, _ *inventory.Node, exec executor.Executor) (operation.Outcome, error) {
	p.rec.applied = append(p.rec.applied, p.id)
	switch p.mode {
	case "fail":
		return operation.Outcome{}, fmt.Errorf("probe %s exploded", p.id)
	case "ok":
		return operation.Outcome{Detail: "in sync"}, nil
	case "destroy":
		p.rec.destroyed = append(p.rec.destroyed, p.id)
		return operation.Outcome{Changed: true, Detail: "destroyed"}, nil
	default:
		return operation.Outcome{Changed: true, Detail: "converged"}, nil
	}
}

// probeRegistry registers the probe type plus a variant with no destroy
// builder.
func probeRegistry(t *testing.T, rec *recorder) *operation.Registry {
	t.Helper()
	reg := operation.NewRegistry()

	factory := func(title string, attrs map[string]any) (operation.Operation, error) {
		mode, _ := attrs["mode"].(string)
		if mode == "invalid" {
			return nil, fmt.Errorf("probe %s: bad attrs", title)
		}
		return &probeOp{id: title, mode: mode, attrs: attrs, rec: rec}, nil
	}
	require.NoError(t, reg.Register("probe", factory))
	reg.RegisterDestroy("probe", func(title string, attrs map[string]any) map[string]any {
		return map[string]any{"mode": "destroy"}
	})
	require.NoError(t, reg.Register("oneway", factory))
	return reg
}

func res(typ, title string, attrs map[string]any, deps ...string) *inventory.Resource {
	if attrs == nil {
		attrs = map[string]any{}
	}
	r := &inventory.Resource{Type: typ, Title: title, Attributes: attrs, DependsOn: deps}
	if err := r.Normalize(); err != nil {
		panic(err)
	}
	return r
}

func singleHostPlan(resources ...*inventory.Resource) *inventory.Plan {
	return &inventory.Plan{
		Hosts: map[string]*inventory.Node{
			"local": {Name: "local", Connection: inventory.ConnectionLocal, Variables: map[string]any{}},
		},
		Tasks: []*inventory.Task{
			{Name: "setup", Hosts: []string{"local"}, Resources: resources},
		},
	}
}

type harness struct {
	rec    *recorder
	fake   *executortest.Fake
	store  *state.Store
	engine *Engine
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{rec: &recorder{}, fake: executortest.New()}
	if opts.Registry == nil {
		opts.Registry = probeRegistry(t, h.rec)
	}
	if opts.Factory == nil {
		opts.Factory = func(*inventory.Node) (executor.Executor, error) { return h.fake, nil }
	}
	if opts.Store == nil {
		h.store = state.NewStore(filepath.Join(t.TempDir(), "state.json"), nil)
		opts.Store = h.store
	} else {
		h.store = opts.Store
	}
	h.fake.DryRunMode = opts.DryRun
	h.engine = New(opts)
	return h
}

func statuses(report *model.RunReport) map[string]string {
	out := make(map[string]string)
	for _, r := range report.Results {
		out[r.Resource] = r.Status()
	}
	return out
}

func TestRunFollowsDependencyOrder(t *testing.T) {
	h := newHarness(t, Options{})
	plan := singleHostPlan(
		res("probe", "c", nil, "probe.b"),
		res("probe", "a", nil),
		res("probe", "b", nil, "probe.a"),
	)

	report, err := h.engine.Run(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, h.rec.applied)
	assert.False(t, report.Failed())
}

func TestRunFailureSkipsOnlyDependents(t *testing.T) {
	h := newHarness(t, Options{})
	plan := singleHostPlan(
		res("probe", "a", map[string]any{"mode": "fail"}),
		res("probe", "b", nil, "probe.a"),
		res("probe", "c", nil),
		res("probe", "d", nil, "probe.b"),
	)

	report, err := h.engine.Run(context.Background(), plan)
	require.NoError(t, err)
	assert.True(t, report.Failed())
	assert.Equal(t, []string{"a", "c"}, h.rec.applied)

	st := statuses(report)
	assert.Equal(t, "failed", st["probe.a"])
	assert.Equal(t, "skipped", st["probe.b"])
	assert.Equal(t, "changed", st["probe.c"])
	assert.Equal(t, "skipped", st["probe.d"])

	for _, r := range report.Results {
		if r.Resource == "probe.b" || r.Resource == "probe.d" {
			assert.Equal(t, model.SkipUpstreamFailure, r.Skipped)
		}
	}
}

func TestRunStopOnFailureStopsScheduling(t *testing.T) {
	h := newHarness(t, Options{StopOnFailure: true})
	plan := singleHostPlan(
		res("probe", "a", nil),
		res("probe", "b", map[string]any{"mode": "fail"}),
		res("probe", "c", nil, "probe.b"),
		res("probe", "d", nil),
	)

	report, err := h.engine.Run(context.Background(), plan)
	require.NoError(t, err)
	assert.True(t, report.Failed())
	assert.Equal(t, []string{"a", "b"}, h.rec.applied)

	st := statuses(report)
	assert.Equal(t, "failed", st["probe.b"])
	assert.Equal(t, "skipped", st["probe.c"])
	assert.Equal(t, "skipped", st["probe.d"])

	for _, r := range report.Results {
		if r.Resource == "probe.c" || r.Resource == "probe.d" {
			assert.Equal(t, model.SkipRunStopped, r.Skipped)
		}
	}
}

func TestRunFailedResourceNotRecorded(t *testing.T) {
	h := newHarness(t, Options{})
	plan := singleHostPlan(
		res("probe", "good", nil),
		res("probe", "bad", map[string]any{"mode": "fail"}),
	)

	_, err := h.engine.Run(context.Background(), plan)
	require.NoError(t, err)

	doc, err := h.store.Load()
	require.NoError(t, err)
	assert.Contains(t, doc["local"], "probe.good")
	assert.NotContains(t, doc["local"], "probe.bad")
}

func TestGuardCreatesSkips(t *testing.T) {
	h := newHarness(t, Options{})
	h.fake.Files["/opt/app/.installed"] = []byte("")
	plan := singleHostPlan(
		res("probe", "install", map[string]any{"creates": "/opt/app/.installed"}),
	)

	report, err := h.engine.Run(context.Background(), plan)
	require.NoError(t, err)
	assert.Empty(t, h.rec.applied)
	assert.Equal(t, "skipped", statuses(report)["probe.install"])
}

func TestGuardOnlyIf(t *testing.T) {
	h := newHarness(t, Options{})
	h.fake.CommandFunc = func(command []string, _ executor.RunOptions) (*executor.CommandResult, error) {
		return &executor.CommandResult{ExitCode: 1}, nil
	}
	plan := singleHostPlan(
		res("probe", "conditional", map[string]any{"only_if": "test -f /etc/debian_version"}),
	)

	report, err := h.engine.Run(context.Background(), plan)
	require.NoError(t, err)
	assert.Empty(t, h.rec.applied)
	assert.Equal(t, "only_if not met", report.Results[0].Skipped)
	assert.True(t, h.fake.Ran("test -f /etc/debian_version"))
}

func TestGuardUnless(t *testing.T) {
	h := newHarness(t, Options{})
	plan := singleHostPlan(
		res("probe", "conditional", map[string]any{"unless": []any{"true"}}),
	)

	report, err := h.engine.Run(context.Background(), plan)
	require.NoError(t, err)
	assert.Empty(t, h.rec.applied)
	assert.Equal(t, "unless met", report.Results[0].Skipped)
}

func TestGuardsExpandHostVariables(t *testing.T) {
	h := newHarness(t, Options{})
	h.fake.Files["/srv/prod/.done"] = []byte("")
	plan := singleHostPlan(
		res("probe", "deploy", map[string]any{"creates": "/srv/${env}/.done"}),
		res("probe", "check", map[string]any{"only_if": "test -d /srv/${env}"}),
	)
	plan.Hosts["local"].Variables = map[string]any{"env": "prod"}

	report, err := h.engine.Run(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, "skipped", statuses(report)["probe.deploy"])
	assert.True(t, h.fake.Ran("test -d /srv/prod"))
}

func TestGuardSkippedDependencyCountsAsSatisfied(t *testing.T) {
	h := newHarness(t, Options{})
	h.fake.Files["/done"] = []byte("")
	plan := singleHostPlan(
		res("probe", "a", map[string]any{"creates": "/done"}),
		res("probe", "b", nil, "probe.a"),
	)

	_, err := h.engine.Run(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, h.rec.applied)
}

func TestOnSuccessRunsOnlyOnChange(t *testing.T) {
	changed := res("probe", "conf", nil)
	changed.OnSuccess = []*inventory.Resource{res("probe", "reload", nil)}
	steady := res("probe", "steady", map[string]any{"mode": "ok"})
	steady.OnSuccess = []*inventory.Resource{res("probe", "never", nil)}

	h := newHarness(t, Options{})
	report, err := h.engine.Run(context.Background(), singleHostPlan(changed, steady))
	require.NoError(t, err)

	assert.Equal(t, []string{"conf", "reload", "steady"}, h.rec.applied)
	st := statuses(report)
	assert.Equal(t, "changed", st["probe.reload"])
	assert.NotContains(t, st, "probe.never")
}

func TestOnFailureRunsOnFailureAndDoesNotAbort(t *testing.T) {
	failing := res("probe", "deploy", map[string]any{"mode": "fail"})
	failing.OnFailure = []*inventory.Resource{res("probe", "rollback", nil)}

	h := newHarness(t, Options{})
	plan := singleHostPlan(failing, res("probe", "after", nil))

	report, err := h.engine.Run(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, []string{"deploy", "rollback", "after"}, h.rec.applied)
	assert.True(t, report.Failed())
}

func TestBranchExclusivity(t *testing.T) {
	r := res("probe", "deploy", map[string]any{"mode": "fail"})
	r.OnSuccess = []*inventory.Resource{res("probe", "celebrate", nil)}
	r.OnFailure = []*inventory.Resource{res("probe", "rollback", nil)}

	h := newHarness(t, Options{})
	_, err := h.engine.Run(context.Background(), singleHostPlan(r))
	require.NoError(t, err)
	assert.Equal(t, []string{"deploy", "rollback"}, h.rec.applied)
}

func TestFailureInsideRollbackDoesNotBranchAgain(t *testing.T) {
	h := newHarness(t, Options{})
	rollback := res("probe", "rollback", map[string]any{"mode": "fail"})
	rollback.OnFailure = []*inventory.Resource{res("probe", "never", nil)}
	failing := res("probe", "deploy", map[string]any{"mode": "fail"})
	failing.OnFailure = []*inventory.Resource{rollback}

	report, err := h.engine.Run(context.Background(), singleHostPlan(failing))
	require.NoError(t, err)
	assert.Equal(t, []string{"deploy", "rollback"}, h.rec.applied)
	assert.NotContains(t, statuses(report), "probe.never")
}

func TestBranchSequenceFollowsItsOwnDependencies(t *testing.T) {
	h := newHarness(t, Options{})
	second := res("probe", "second", nil, "probe.first")
	first := res("probe", "first", nil)
	parent := res("probe", "parent", nil)
	parent.OnSuccess = []*inventory.Resource{second, first}

	_, err := h.engine.Run(context.Background(), singleHostPlan(parent))
	require.NoError(t, err)
	assert.Equal(t, []string{"parent", "first", "second"}, h.rec.applied)
}

func TestNestedBranches(t *testing.T) {
	inner := res("probe", "notify", nil)
	mid := res("probe", "restart", nil)
	mid.OnSuccess = []*inventory.Resource{inner}
	outer := res("probe", "conf", nil)
	outer.OnSuccess = []*inventory.Resource{mid}

	h := newHarness(t, Options{})
	_, err := h.engine.Run(context.Background(), singleHostPlan(outer))
	require.NoError(t, err)
	assert.Equal(t, []string{"conf", "restart", "notify"}, h.rec.applied)
}

func TestBranchResourcesNotRecordedInState(t *testing.T) {
	r := res("probe", "conf", nil)
	r.OnSuccess = []*inventory.Resource{res("probe", "reload", nil)}

	h := newHarness(t, Options{})
	_, err := h.engine.Run(context.Background(), singleHostPlan(r))
	require.NoError(t, err)

	doc, err := h.store.Load()
	require.NoError(t, err)
	assert.Contains(t, doc["local"], "probe.conf")
	assert.NotContains(t, doc["local"], "probe.reload")
}

func TestDryRunWritesNoState(t *testing.T) {
	h := newHarness(t, Options{DryRun: true})
	plan := singleHostPlan(res("probe", "a", nil))

	report, err := h.engine.Run(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, "would-change", report.Results[0].Status())

	doc, err := h.store.Load()
	require.NoError(t, err)
	assert.Empty(t, doc)
}

func TestTeardownRemovesUndeclaredInReverseOrder(t *testing.T) {
	store := state.NewStore(filepath.Join(t.TempDir(), "state.json"), nil)

	h1 := newHarness(t, Options{Store: store})
	_, err := h1.engine.Run(context.Background(), singleHostPlan(
		res("probe", "x", nil),
		res("probe", "y", nil, "probe.x"),
		res("probe", "z", nil, "probe.y"),
	))
	require.NoError(t, err)

	h2 := newHarness(t, Options{Store: store})
	report, err := h2.engine.Run(context.Background(), singleHostPlan(res("probe", "x", nil)))
	require.NoError(t, err)

	// z depended on y, so z unwinds first.
	assert.Equal(t, []string{"z", "y"}, h2.rec.destroyed)

	var teardown []string
	for _, r := range report.Results {
		if r.Phase == model.PhaseTeardown {
			teardown = append(teardown, r.Resource)
			assert.True(t, r.Changed)
		}
	}
	assert.Equal(t, []string{"probe.z", "probe.y"}, teardown)

	doc, err := store.Load()
	require.NoError(t, err)
	assert.Len(t, doc["local"], 1)
	assert.Contains(t, doc["local"], "probe.x")
}

func TestTeardownSkippedWhenStopOnFailureAborts(t *testing.T) {
	store := state.NewStore(filepath.Join(t.TempDir(), "state.json"), nil)

	h1 := newHarness(t, Options{Store: store})
	_, err := h1.engine.Run(context.Background(), singleHostPlan(res("probe", "old", nil)))
	require.NoError(t, err)

	h2 := newHarness(t, Options{Store: store, StopOnFailure: true})
	_, err = h2.engine.Run(context.Background(), singleHostPlan(res("probe", "new", map[string]any{"mode": "fail"})))
	require.NoError(t, err)
	assert.Empty(t, h2.rec.destroyed)

	doc, err := store.Load()
	require.NoError(t, err)
	assert.Contains(t, doc["local"], "probe.old")
}

func TestTeardownRunsAfterUnrelatedFailure(t *testing.T) {
	store := state.NewStore(filepath.Join(t.TempDir(), "state.json"), nil)

	h1 := newHarness(t, Options{Store: store})
	_, err := h1.engine.Run(context.Background(), singleHostPlan(res("probe", "old", nil)))
	require.NoError(t, err)

	h2 := newHarness(t, Options{Store: store})
	_, err = h2.engine.Run(context.Background(), singleHostPlan(res("probe", "new", map[string]any{"mode": "fail"})))
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, h2.rec.destroyed)

	doc, err := store.Load()
	require.NoError(t, err)
	assert.NotContains(t, doc["local"], "probe.old")
}

func TestTeardownTypeWithoutBuilderDropsEntry(t *testing.T) {
	store := state.NewStore(filepath.Join(t.TempDir(), "state.json"), nil)

	h1 := newHarness(t, Options{Store: store})
	_, err := h1.engine.Run(context.Background(), singleHostPlan(res("oneway", "once", nil)))
	require.NoError(t, err)

	h2 := newHarness(t, Options{Store: store})
	report, err := h2.engine.Run(context.Background(), singleHostPlan(res("probe", "keep", nil)))
	require.NoError(t, err)
	assert.Empty(t, h2.rec.destroyed)

	var found model.ActionResult
	for _, r := range report.Results {
		if r.Resource == "oneway.once" {
			found = r
		}
	}
	assert.Equal(t, model.PhaseTeardown, found.Phase)
	assert.False(t, found.Changed)

	doc, err := store.Load()
	require.NoError(t, err)
	assert.NotContains(t, doc["local"], "oneway.once")
}

func TestDryRunTeardownKeepsState(t *testing.T) {
	store := state.NewStore(filepath.Join(t.TempDir(), "state.json"), nil)

	h1 := newHarness(t, Options{Store: store})
	_, err := h1.engine.Run(context.Background(), singleHostPlan(res("probe", "old", nil)))
	require.NoError(t, err)

	h2 := newHarness(t, Options{Store: store, DryRun: true})
	report, err := h2.engine.Run(context.Background(), singleHostPlan(res("probe", "fresh", nil)))
	require.NoError(t, err)

	var sawTeardown bool
	for _, r := range report.Results {
		if r.Phase == model.PhaseTeardown {
			sawTeardown = true
			assert.True(t, r.DryRun)
		}
	}
	assert.True(t, sawTeardown)

	doc, err := store.Load()
	require.NoError(t, err)
	assert.Contains(t, doc["local"], "probe.old")
	assert.NotContains(t, doc["local"], "probe.fresh")
}

func TestCompileFailureRunsNothing(t *testing.T) {
	h := newHarness(t, Options{})
	plan := singleHostPlan(
		res("probe", "good", nil),
		res("volcano", "bad", nil),
	)

	_, err := h.engine.Run(context.Background(), plan)
	require.Error(t, err)
	assert.Empty(t, h.rec.applied)
}

func TestCompileValidatesNestedBranches(t *testing.T) {
	r := res("probe", "outer", nil)
	r.OnSuccess = []*inventory.Resource{res("probe", "inner", map[string]any{"mode": "invalid"})}

	h := newHarness(t, Options{})
	_, err := h.engine.Run(context.Background(), singleHostPlan(r))
	require.Error(t, err)
	assert.Empty(t, h.rec.applied)
}

func TestVariableExpansionUsesHostVariables(t *testing.T) {
	h := newHarness(t, Options{})
	plan := singleHostPlan(res("probe", "app", map[string]any{"path": "/srv/${env}/app"}))
	plan.Hosts["local"].Variables = map[string]any{"env": "prod"}

	_, err := h.engine.Run(context.Background(), plan)
	require.NoError(t, err)
	// The probe factory received expanded attrs.
	require.Len(t, h.rec.applied, 1)
}

func TestResourceVariablesOverlayHostVariables(t *testing.T) {
	h := newHarness(t, Options{})
	plan := singleHostPlan(
		res("probe", "uses-host", map[string]any{"mode": "${probe_mode}"}),
		res("probe", "overrides", map[string]any{
			"mode":      "${probe_mode}",
			"variables": map[string]any{"probe_mode": "fail"},
		}),
	)
	plan.Hosts["local"].Variables = map[string]any{"probe_mode": "ok"}

	report, err := h.engine.Run(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, "ok", statuses(report)["probe.uses-host"])
	assert.Equal(t, "failed", statuses(report)["probe.overrides"])
}

type fakeSecretResolver struct{ resolved int }

func (f *fakeSecretResolver) ResolveAttrs(_ context.Context, attrs map[string]any) (map[string]any, error) {
	f.resolved++
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		if m, ok := v.(map[string]any); ok {
			if name, ok := m["aws_secret"].(string); ok {
				out[k] = "resolved:" + name
				continue
			}
		}
		out[k] = v
	}
	return out, nil
}

func TestSecretsResolvedAtCompileButNotRecorded(t *testing.T) {
	resolver := &fakeSecretResolver{}
	h := newHarness(t, Options{Secrets: resolver})
	plan := singleHostPlan(res("probe", "db", map[string]any{
		"password": map[string]any{"aws_secret": "prod/db"},
	}))

	_, err := h.engine.Run(context.Background(), plan)
	require.NoError(t, err)
	assert.Positive(t, resolver.resolved)

	// Recorded state keeps the reference, never the resolved value.
	doc, err := h.store.Load()
	require.NoError(t, err)
	entry := doc["local"]["probe.db"]
	ref, ok := entry.Attributes["password"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "prod/db", ref["aws_secret"])
}

func TestIdempotentSecondRunReportsNoChanges(t *testing.T) {
	store := state.NewStore(filepath.Join(t.TempDir(), "state.json"), nil)

	run := func() *model.RunReport {
		h := newHarness(t, Options{Store: store})
		h.fake.Files["/etc/motd"] = nil
		report, err := h.engine.Run(context.Background(), singleHostPlan(
			res("probe", "steady", map[string]any{"mode": "ok"}),
		))
		require.NoError(t, err)
		return report
	}

	run()
	second := run()
	summary := model.Summarize(second.Results)
	assert.Zero(t, summary.Changes)
	assert.Zero(t, summary.Failures)
}

func TestProgressObservesEveryResult(t *testing.T) {
	var seen []string
	h := newHarness(t, Options{Progress: func(r model.ActionResult) {
		seen = append(seen, r.Resource)
	}})

	branch := res("probe", "conf", nil)
	branch.OnSuccess = []*inventory.Resource{res("probe", "reload", nil)}

	report, err := h.engine.Run(context.Background(), singleHostPlan(branch))
	require.NoError(t, err)
	assert.Len(t, seen, len(report.Results))
	assert.Contains(t, seen, "probe.reload")
}
