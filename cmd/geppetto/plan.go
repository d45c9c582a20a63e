package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/daveseff/Geppetto/internal/config"
	"github.com/daveseff/Geppetto/internal/engine"
	"github.com/daveseff/Geppetto/internal/inventory"
	"github.com/daveseff/Geppetto/internal/logger"
)

func newPlanCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Show the resolved execution order without converging anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(root.configPath)
			if err != nil {
				return err
			}

			level := cfg.LogLevel
			if root.verbose {
				level = "debug"
			}
			log, err := logger.New(logger.Options{Level: level, HumanReadable: true})
			if err != nil {
				return err
			}

			plan, err := inventory.NewLoader(log).Load(cfg.Plan)
			if err != nil {
				return err
			}
			return printPlan(cmd, plan)
		},
	}
}

func printPlan(cmd *cobra.Command, plan *inventory.Plan) error {
	for _, task := range plan.Tasks {
		ordered, err := engine.TopoSort(task)
		if err != nil {
			return err
		}

		hosts := append([]string(nil), task.Hosts...)
		sort.Strings(hosts)

		fmt.Fprintf(cmd.OutOrStdout(), "task %s (hosts: %d)\n", task.Name, len(hosts))
		for _, host := range hosts {
			fmt.Fprintf(cmd.OutOrStdout(), "  host %s\n", host)
			for i, res := range ordered {
				fmt.Fprintf(cmd.OutOrStdout(), "    %2d. %s\n", i+1, res.ID())
			}
		}
	}
	return nil
}
