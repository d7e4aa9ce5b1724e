// Command wp operates a Waypoint deployment: schema lifecycle, the HTTP API
// and chat bridges, workflow conversion, session replay and idle sweeps.
package main

import (
	"fmt"
	"os"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// Release builds stamp these with -ldflags "-X main.version=...".
var (
	version   = "dev"
	commit    = ""
	buildDate = ""
)

const defaultConfigPath = "waypoint.yaml"

// buildInfo reports the stamped release, falling back to the module version
// and VCS revision the Go toolchain embeds.
func buildInfo() (ver, rev, built string) {
	ver, rev, built = version, commit, buildDate
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ver, rev, built
	}
	if ver == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		ver = info.Main.Version
	}
	for _, s := range info.Settings {
		switch {
		case s.Key == "vcs.revision" && rev == "":
			rev = s.Value
			if len(rev) > 12 {
				rev = rev[:12]
			}
		case s.Key == "vcs.time" && built == "":
			built = s.Value
		}
	}
	return ver, rev, built
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "wp",
		Short:         "Waypoint, a conversational agent runtime",
		Long:          "Waypoint runs guideline- and journey-driven customer conversations over an append-only event log.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newDBCmd(),
		newServeCmd(),
		newConvertCmd(),
		newReplayCmd(),
		newSweepCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Show the build version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				ver, rev, built := buildInfo()
				if rev == "" {
					rev = "unknown"
				}
				if built == "" {
					built = "unknown"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wp %s\n  revision: %s\n  built:    %s\n", ver, rev, built)
			},
		},
	)
	return root
}

// execute runs cmd and maps its outcome to a process exit code. Errors are
// printed here because the root command silences cobra's own reporting.
func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "wp:", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
