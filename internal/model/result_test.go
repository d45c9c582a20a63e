package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestActionResult_Status(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		result ActionResult
		want   string
	}{
		{"failed", ActionResult{Failed: true}, "failed"},
		{"skipped", ActionResult{Skipped: SkipUpstreamFailure}, "skipped"},
		{"changed", ActionResult{Changed: true}, "changed"},
		{"would change in dry-run", ActionResult{Changed: true, DryRun: true}, "would-change"},
		{"noop", ActionResult{}, "ok"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, tc.result.Status())
		})
	}
}

func TestSummarize_CountsPhases(t *testing.T) {
	t.Parallel()

	results := []ActionResult{
		{Changed: true, Phase: PhaseApply},
		{Changed: true, Phase: PhaseApply},
		{Changed: true, Phase: PhaseTeardown},
		{Changed: false},
		{Skipped: SkipUpstreamFailure},
		{Failed: true},
	}

	summary := Summarize(results)
	require.Equal(t, 3, summary.Changes)
	require.Equal(t, 2, summary.Additions)
	require.Equal(t, 1, summary.Rollbacks)
	require.Equal(t, 1, summary.Failures)
	require.Equal(t, 1, summary.Skipped)
}

func TestRunReport_Failed(t *testing.T) {
	t.Parallel()

	clean := &RunReport{Results: []ActionResult{{Changed: true}, {Skipped: SkipDryRun}}}
	require.False(t, clean.Failed())

	dirty := &RunReport{Results: []ActionResult{{Changed: true}, {Failed: true, Phase: PhaseTeardown}}}
	require.True(t, dirty.Failed())
}
