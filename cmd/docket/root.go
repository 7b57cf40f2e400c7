package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var configFlag string

	ctx := newCommandContext(&configFlag)

	rootCmd := &cobra.Command{
		Use:           "docket",
		Short:         "Durable work queue for hearing transcripts",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if shouldSkipConfig(cmd) {
				return nil
			}
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")

	rootCmd.AddCommand(newHealthCommand(ctx))
	rootCmd.AddCommand(newEnqueueDiscoveryCommand(ctx))
	rootCmd.AddCommand(newDrainDiscoveryCommand(ctx))
	rootCmd.AddCommand(newDrainStageTasksCommand(ctx))
	rootCmd.AddCommand(newDrainOutboxCommand(ctx))
	for _, cmd := range newRequeueCommands(ctx) {
		rootCmd.AddCommand(cmd)
	}
	rootCmd.AddCommand(newReprocessHearingCommand(ctx))
	rootCmd.AddCommand(newListDeadLetterCommand(ctx))
	rootCmd.AddCommand(newListRunsCommand(ctx))
	rootCmd.AddCommand(newListPublishedCommand(ctx))
	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newConfigCommand(ctx))

	return rootCmd
}
