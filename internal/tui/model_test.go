package tui

import (
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daveseff/Geppetto/internal/model"
)

func apply(t *testing.T, m Model, msg tea.Msg) Model {
	t.Helper()
	updated, _ := m.Update(msg)
	next, ok := updated.(Model)
	require.True(t, ok)
	return next
}

func TestResultsAdvanceProgress(t *testing.T) {
	m := NewModel("site.gpp", 2)

	m = apply(t, m, ResultMsg{Result: model.ActionResult{Resource: "package.nginx", Changed: true, Phase: model.PhaseApply}})
	m = apply(t, m, ResultMsg{Result: model.ActionResult{Resource: "file.conf", Phase: model.PhaseApply}})
	assert.Equal(t, 2, m.completed)
}

func TestTeardownResultsDoNotAdvanceProgress(t *testing.T) {
	m := NewModel("site.gpp", 1)

	m = apply(t, m, ResultMsg{Result: model.ActionResult{Resource: "file.old", Changed: true, Phase: model.PhaseTeardown}})
	assert.Equal(t, 0, m.completed)
	assert.Len(t, m.results, 1)
}

func TestDoneQuits(t *testing.T) {
	m := NewModel("site.gpp", 1)

	updated, cmd := m.Update(DoneMsg{Summary: model.Summary{Changes: 1}})
	require.NotNil(t, cmd)
	assert.True(t, updated.(Model).finished)
}

func TestCtrlCCancels(t *testing.T) {
	m := NewModel("site.gpp", 1)

	updated, _ := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	assert.True(t, updated.(Model).Cancelled())
}

func TestViewShowsSummaryWhenFinished(t *testing.T) {
	m := NewModel("site.gpp", 1)
	m = apply(t, m, ResultMsg{Result: model.ActionResult{Resource: "package.nginx", Changed: true, Phase: model.PhaseApply}})
	m = apply(t, m, DoneMsg{Summary: model.Summary{Changes: 1, Additions: 1}})

	view := m.View()
	assert.Contains(t, view, "site.gpp")
	assert.Contains(t, view, "package.nginx")
	assert.Contains(t, view, "Changes: 1")
}

func TestRenderResultLine(t *testing.T) {
	line := RenderResultLine(model.ActionResult{
		Resource: "service.nginx",
		Changed:  true,
		Details:  "started",
		Phase:    model.PhaseApply,
		Duration: 120 * time.Millisecond,
	})
	assert.Contains(t, line, "service.nginx")
	assert.Contains(t, line, "started")
	assert.Contains(t, line, "120ms")
}

func TestRenderResultLineTeardown(t *testing.T) {
	line := RenderResultLine(model.ActionResult{
		Resource: "file.stale",
		Changed:  true,
		Details:  "removed",
		Phase:    model.PhaseTeardown,
	})
	assert.Contains(t, line, "(teardown)")
}

func TestRenderSummaryListsAllCounters(t *testing.T) {
	out := RenderSummary(model.Summary{Changes: 3, Additions: 2, Rollbacks: 1, Failures: 0, Skipped: 4})
	for _, want := range []string{"Changes: 3", "Additions: 2", "Rollbacks: 1", "Failures: 0", "Skipped: 4"} {
		assert.True(t, strings.Contains(out, want), "missing %q in %q", want, out)
	}
}
