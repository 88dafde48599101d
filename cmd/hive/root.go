package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"hive/internal/version"
)

// rootFlags holds flags shared by every subcommand.
type rootFlags struct {
	configPath string
}

// newRootCmd creates the root hive command with all subcommands attached.
func newRootCmd() *cobra.Command {
	var flags rootFlags

	cmd := &cobra.Command{
		Use:           "hive",
		Short:         "Hive worker supervisor and spawn admission daemon",
		Long:          "hive supervises coding-agent worker processes:\nit spawns them, watches their event streams and heartbeats,\nrestarts them within bounds, and gates spawns on capacity limits.",
		Version:       fmt.Sprintf("hive %s", version.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")
	cmd.PersistentFlags().StringVar(&flags.configPath, "config", "hive.toml", "path to the hive config file")

	cmd.AddCommand(
		newDaemonCmd(&flags),
		newStatusCmd(&flags),
		newQueueCmd(&flags),
		newDismissCmd(&flags),
		newLogsCmd(&flags),
	)

	return cmd
}
