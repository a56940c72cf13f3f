package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/lorakit/lorakit/envconfig"
	"github.com/lorakit/lorakit/logutil"
)

func NewCLI() *cobra.Command {
	slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))
	slog.Debug("config", "env", envconfig.Values())

	rootCmd := &cobra.Command{
		Use:   "lorakit",
		Short: "Inspect LoRA adapters and plan weight patches",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
		},
	}

	cobra.EnableCommandSorting = false

	rootCmd.AddCommand(
		NewPlanCmd(),
		NewInfoCmd(),
	)

	return rootCmd
}
