package main

import (
	"github.com/spf13/cobra"

	"github.com/franksops/gplow/guard"
)

func newGuardCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "guard",
		Short: "Run the plotter and pause it while its destination is short of space",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if err := cfg.ValidateGuard(); err != nil {
				return err
			}
			logger, closer, err := ctx.logger(false)
			if err != nil {
				return err
			}
			defer closer.Close()

			runCtx, stop := signalContext(cmd.Context())
			defer stop()

			g := &guard.Guard{
				Cmd:     cfg.Guard.Cmd,
				Args:    cfg.Guard.Args,
				Dest:    cfg.Guard.Dest,
				MinFree: guard.MinFreeBytes(cfg.Guard.CompressLevel, cfg.Guard.MinFreeGiB),
				Poll:    cfg.GuardPoll(),
				Trigger: cfg.Guard.Trigger,
				Output:  cmd.OutOrStdout(),
				Logger:  logger,
			}
			return g.Run(runCtx)
		},
	}
}
