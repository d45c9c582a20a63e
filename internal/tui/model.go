// Package tui renders apply progress in an interactive terminal. The engine
// streams results through its progress hook; a plain line printer covers
// non-interactive output.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/daveseff/Geppetto/internal/model"
)

// ResultMsg delivers one engine result to the model.
type ResultMsg struct {
	Result model.ActionResult
}

// DoneMsg marks the end of the run.
type DoneMsg struct {
	Summary model.Summary
	Failed  bool
}

// Model is the Bubbletea state for one apply run.
type Model struct {
	plan      string
	total     int
	completed int

	results   []model.ActionResult
	summary   model.Summary
	finished  bool
	cancelled bool

	spinner  spinner.Model
	progress progress.Model
}

// NewModel builds the model. total is the number of top-level resources the
// plan declares; branch and teardown results still render, they just do not
// advance the bar.
func NewModel(plan string, total int) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	return Model{
		plan:     plan,
		total:    total,
		spinner:  sp,
		progress: progress.New(progress.WithDefaultGradient()),
	}
}

// Cancelled reports whether the user interrupted the run.
func (m Model) Cancelled() bool {
	return m.cancelled
}

func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case ResultMsg:
		m.results = append(m.results, msg.Result)
		if msg.Result.Phase == model.PhaseApply {
			m.completed++
		}
		return m, nil
	case DoneMsg:
		m.summary = msg.Summary
		m.finished = true
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC {
			m.cancelled = true
			m.finished = true
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m Model) View() string {
	var sections []string
	sections = append(sections, titleStyle.Render("Geppetto • "+m.plan))

	if m.total > 0 {
		percent := float64(m.completed) / float64(m.total)
		if percent > 1 {
			percent = 1
		}
		sections = append(sections, m.progress.ViewAs(percent))
	}
	if !m.finished {
		sections = append(sections, m.spinner.View()+" converging...")
	}

	if len(m.results) > 0 {
		sections = append(sections, sectionStyle.Render("Resources"))
		sections = append(sections, renderResults(m.results))
	}
	if m.finished {
		sections = append(sections, summaryStyle.Render(RenderSummary(m.summary)))
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func renderResults(results []model.ActionResult) string {
	// Keep the tail so long runs do not scroll the header away.
	const window = 20
	if len(results) > window {
		results = results[len(results)-window:]
	}

	var lines []string
	for _, res := range results {
		lines = append(lines, RenderResultLine(res))
	}
	return strings.Join(lines, "\n")
}

// RenderResultLine formats one result the same way in the TUI and the plain
// printer.
func RenderResultLine(res model.ActionResult) string {
	line := fmt.Sprintf(" %s %s", statusIcon(res), res.Resource)
	if res.Phase == model.PhaseTeardown {
		line += " (teardown)"
	}
	if detail := strings.TrimSpace(res.Details); detail != "" {
		line = fmt.Sprintf("%s - %s", line, detail)
	}
	if res.Skipped != "" {
		line = fmt.Sprintf("%s - %s", line, res.Skipped)
	}
	if res.Duration > 0 {
		line = fmt.Sprintf("%s (%s)", line, res.Duration.Truncate(10*time.Millisecond))
	}
	return line
}

// RenderSummary formats the run totals.
func RenderSummary(s model.Summary) string {
	parts := []string{
		fmt.Sprintf("Changes: %d", s.Changes),
		fmt.Sprintf("Additions: %d", s.Additions),
		fmt.Sprintf("Rollbacks: %d", s.Rollbacks),
		fmt.Sprintf("Failures: %d", s.Failures),
		fmt.Sprintf("Skipped: %d", s.Skipped),
	}
	rendered := strings.Join(parts, "  |  ")
	if s.Failures > 0 {
		return failedStyle.Render(rendered)
	}
	return changedStyle.Render(rendered)
}

func statusIcon(res model.ActionResult) string {
	switch res.Status() {
	case "failed":
		return failedStyle.Render("✗")
	case "skipped":
		return skippedStyle.Render("⊘")
	case "would-change":
		return dryRunStyle.Render("↻")
	case "changed":
		return changedStyle.Render("✓")
	default:
		return okStyle.Render("·")
	}
}
