package cmd

import (
	"github.com/spf13/cobra"

	"runas/internal/config"
)

// globals carries the persistent flags to the subcommands.
type globals struct {
	configPath string
}

func (g *globals) load() (*config.Config, error) {
	return config.LoadFrom(config.Path(g.configPath))
}

// NewRootCmd creates the root cobra command with all subcommands.
func NewRootCmd() *cobra.Command {
	g := &globals{}
	rootCmd := &cobra.Command{
		Use:   "runas",
		Short: "Run a command as another user",
		Long: `runas runs a command as another identity when the configured rules allow it.
Job control behaves as if the command ran directly, and sessions can be
recorded for exact playback with "runas replay".`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&g.configPath, "config", "", "Configuration file (default $"+config.PathEnv+" or "+config.DefaultPath+")")

	rootCmd.AddCommand(
		newRunCmd(g),
		newReplayCmd(g),
		newLsCmd(g),
		newVersionCmd(),
		newMonitorCmd(),
	)
	return rootCmd
}
