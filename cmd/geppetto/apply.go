package main

import (
	"context"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/daveseff/Geppetto/internal/config"
	"github.com/daveseff/Geppetto/internal/engine"
	"github.com/daveseff/Geppetto/internal/executor"
	"github.com/daveseff/Geppetto/internal/inventory"
	"github.com/daveseff/Geppetto/internal/logger"
	"github.com/daveseff/Geppetto/internal/model"
	"github.com/daveseff/Geppetto/internal/reposync"
	"github.com/daveseff/Geppetto/internal/state"
	"github.com/daveseff/Geppetto/internal/tui"
)

type applyOptions struct {
	configPath     string
	stateFile      string
	dryRun         bool
	verbose        bool
	stopOnFailure  bool
	skipRepoSync   bool
	nonInteractive bool
}

func newApplyCmd(root *rootFlags) *cobra.Command {
	opts := applyOptions{}

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Converge hosts to the plan",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.configPath = root.configPath
			opts.stateFile = root.stateFile
			opts.dryRun = root.dryRun
			opts.verbose = root.verbose
			if !opts.nonInteractive {
				opts.nonInteractive = !term.IsTerminal(int(os.Stdout.Fd()))
			}
			return runApply(cmd.Context(), opts)
		},
	}

	cmd.Flags().BoolVar(&opts.stopOnFailure, "stop-on-failure", false, "Stop scheduling any further resources after the first failure")
	cmd.Flags().BoolVar(&opts.skipRepoSync, "skip-repo-sync", false, "Do not sync the config repository before loading the plan")
	cmd.Flags().BoolVar(&opts.nonInteractive, "no-tui", false, "Plain line output instead of the interactive view")

	return cmd
}

func runApply(ctx context.Context, opts applyOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.stopOnFailure {
		cfg.StopOnFailure = true
	}
	if opts.stateFile != "" {
		cfg.StateFile = opts.stateFile
	}

	level := cfg.LogLevel
	if opts.verbose {
		level = "debug"
	}
	log, err := logger.New(logger.Options{Level: level, HumanReadable: true})
	if err != nil {
		return err
	}

	if !opts.skipRepoSync {
		if err := reposync.Sync(ctx, cfg.ConfigRepo, log); err != nil {
			return err
		}
	}

	plan, err := inventory.NewLoader(log).Load(cfg.Plan)
	if err != nil {
		return err
	}

	registry, resolver, err := buildRegistry(ctx, cfg, log)
	if err != nil {
		return err
	}

	eng := engine.New(engine.Options{
		Registry:      registry,
		Factory:       executor.NewFactory(opts.dryRun),
		Store:         state.NewStore(cfg.StateFile, log),
		Secrets:       resolver,
		Log:           log,
		DryRun:        opts.dryRun,
		StopOnFailure: cfg.StopOnFailure,
	})

	var report *model.RunReport
	if opts.nonInteractive {
		report, err = runPlain(ctx, eng, plan)
	} else {
		report, err = runWithTUI(ctx, eng, plan, cfg.Plan)
	}
	if err != nil {
		return err
	}

	if report.Failed() {
		return fmt.Errorf("run finished with failures")
	}
	return nil
}

// runPlain streams one line per result and a summary at the end.
func runPlain(ctx context.Context, eng *engine.Engine, plan *inventory.Plan) (*model.RunReport, error) {
	eng.SetProgress(func(res model.ActionResult) {
		fmt.Println(tui.RenderResultLine(res))
	})

	report, err := eng.Run(ctx, plan)
	if report != nil {
		fmt.Println(tui.RenderSummary(model.Summarize(report.Results)))
	}
	return report, err
}

// runWithTUI drives the engine from a goroutine and feeds results into the
// Bubbletea program.
func runWithTUI(ctx context.Context, eng *engine.Engine, plan *inventory.Plan, planPath string) (*model.RunReport, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	total := 0
	for name := range plan.Hosts {
		total += len(plan.ResourceIdentities(name))
	}

	program := tea.NewProgram(tui.NewModel(planPath, total))
	eng.SetProgress(func(res model.ActionResult) {
		program.Send(tui.ResultMsg{Result: res})
	})

	type outcome struct {
		report *model.RunReport
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		report, err := eng.Run(ctx, plan)
		var summary model.Summary
		if report != nil {
			summary = model.Summarize(report.Results)
		}
		program.Send(tui.DoneMsg{Summary: summary, Failed: report != nil && report.Failed()})
		done <- outcome{report: report, err: err}
	}()

	final, err := program.Run()
	if err != nil {
		return nil, err
	}
	if m, ok := final.(tui.Model); ok && m.Cancelled() {
		// Stop the engine at the next executor call and wait it out so the
		// state file still gets its final save.
		cancel()
		result := <-done
		if result.report != nil {
			return result.report, fmt.Errorf("interrupted")
		}
		return nil, fmt.Errorf("interrupted")
	}
	result := <-done
	return result.report, result.err
}
