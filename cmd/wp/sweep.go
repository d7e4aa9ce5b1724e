package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newSweepCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one maintenance pass",
		Long:  "Purges expired conversion cache rows, abandons idle sessions and writes tool health back to the tool rows.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Waypoint config file")
	return cmd
}

func runSweep(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()
	rt, err := loadRuntime(configPath)
	if err != nil {
		return err
	}
	sweeper, err := rt.sweeper()
	if err != nil {
		return err
	}

	rep, err := sweeper.Sweep(context.Background())
	fmt.Fprintf(out, "Cache rows purged:   %d\n", rep.CachePurged)
	fmt.Fprintf(out, "Sessions abandoned:  %d\n", len(rep.SessionsAbandoned))
	for _, id := range rep.SessionsAbandoned {
		fmt.Fprintf(out, "  %s\n", id)
	}
	fmt.Fprintf(out, "Tool health updated: %d\n", rep.ToolsUpdated)
	return err
}
