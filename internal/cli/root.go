package cli

import (
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "quill",
	Short:         "Layered memory for AI-assisted fiction writing",
	Long:          "Quill records how an author reacts to generated passages, recalls relevant episodes and distills durable style rules. Single Go binary backed by SQLite.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.quill/config.toml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(recallCmd)
	rootCmd.AddCommand(maintainCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(distillCmd)
	rootCmd.AddCommand(clearCmd)
}
