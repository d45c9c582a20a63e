package model

import (
	"time"
)

// Phase identifies which half of a run produced a result.
type Phase string

const (
	// PhaseApply marks results from forward convergence.
	PhaseApply Phase = "apply"
	// PhaseTeardown marks results from removal of undeclared resources.
	PhaseTeardown Phase = "teardown"
)

// Skip reasons reported on ActionResult.Skipped.
const (
	SkipUpstreamFailure = "upstream failure"
	SkipRunStopped      = "run stopped after failure"
	SkipDryRun          = "dry-run"
)

// ActionResult captures the outcome of converging a single resource on a host.
// Results are immutable once appended to the run log.
type ActionResult struct {
	Host     string
	Action   string
	Resource string
	Changed  bool
	Failed   bool
	Skipped  string
	Details  string
	Phase    Phase
	DryRun   bool
	Duration time.Duration
}

// Status renders the short status word used in CLI output.
func (r ActionResult) Status() string {
	switch {
	case r.Failed:
		return "failed"
	case r.Skipped != "":
		return "skipped"
	case r.Changed && r.DryRun:
		return "would-change"
	case r.Changed:
		return "changed"
	default:
		return "ok"
	}
}

// RunReport aggregates the ordered result log with the overall verdict.
type RunReport struct {
	Results []ActionResult
	Started time.Time
	Ended   time.Time
}

// Failed reports whether any apply or teardown result failed.
func (r *RunReport) Failed() bool {
	for _, res := range r.Results {
		if res.Failed {
			return true
		}
	}
	return false
}

// Summary tallies a result log the way the CLI reports it.
type Summary struct {
	Changes   int
	Additions int
	Rollbacks int
	Failures  int
	Skipped   int
}

// Add folds one result into the summary.
func (s *Summary) Add(result ActionResult) {
	if result.Failed {
		s.Failures++
		return
	}
	if result.Skipped != "" {
		s.Skipped++
		return
	}
	if !result.Changed {
		return
	}
	s.Changes++
	if result.Phase == PhaseTeardown {
		s.Rollbacks++
	} else {
		s.Additions++
	}
}

// Summarize builds a Summary from an ordered result log.
func Summarize(results []ActionResult) Summary {
	var s Summary
	for _, res := range results {
		s.Add(res)
	}
	return s
}
