package commands

import (
	"github.com/MEKXH/signoff/internal/config"
	"github.com/spf13/cobra"
)

var logLevelOverride string

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "signoff",
		Short:         "Signoff - human approval rendezvous for automated replies",
		Long:          `Signoff prompts human approvers over chat channels, records their decisions and hands them back to the waiting workflow.`,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return configureLogger(config.DefaultConfig(), logLevelOverride)
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return configureLogger(cfg, logLevelOverride)
		},
	}

	cmd.PersistentFlags().StringVar(&logLevelOverride, "log-level", "", "Override log level (debug|info|warn|error)")

	cmd.AddCommand(
		NewServeCmd(),
		NewRequestCmd(),
		NewStatusCmd(),
		NewActivityCmd(),
		NewVersionCmd(),
	)

	return cmd
}
