package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"runas/internal/engine"
)

// newMonitorCmd is the re-executed session monitor. Its descriptors are
// laid out by the orchestrator; it takes no arguments.
func newMonitorCmd() *cobra.Command {
	return &cobra.Command{
		Use:                "_monitor",
		Short:              "Run as a session monitor (internal)",
		Hidden:             true,
		Args:               cobra.NoArgs,
		DisableFlagParsing: true,
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(engine.RunMonitor())
		},
	}
}
