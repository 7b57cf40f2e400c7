package main

import (
	"github.com/spf13/cobra"

	"docket/internal/daemonrun"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run scheduled discovery, drains and health checks with the HTTP API",
		Long: "Run the [schedule] cron jobs and serve the health/admin API on api.bind\n" +
			"until interrupted. Only one serve process may run per state directory.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.ensureLogger()
			if err != nil {
				return err
			}
			return daemonrun.Run(cmd.Context(), cfg, logger)
		},
	}
}
