package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newFarmCommand(ctx *commandContext) *cobra.Command {
	farmCmd := &cobra.Command{
		Use:   "farm",
		Short: "Query the harvester API",
	}

	farmCmd.AddCommand(newFarmListCommand(ctx, "dirs", "List the harvester's plot directories", func(runCtx context.Context, c farmLister) ([]string, error) {
		return c.PlotDirectories(runCtx)
	}))
	farmCmd.AddCommand(newFarmListCommand(ctx, "routes", "List the harvester API routes", func(runCtx context.Context, c farmLister) ([]string, error) {
		return c.Routes(runCtx)
	}))

	return farmCmd
}

type farmLister interface {
	PlotDirectories(ctx context.Context) ([]string, error)
	Routes(ctx context.Context) ([]string, error)
}

func newFarmListCommand(ctx *commandContext, use, short string, list func(context.Context, farmLister) ([]string, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, closer, err := ctx.logger(false)
			if err != nil {
				return err
			}
			defer closer.Close()

			runCtx, stop := signalContext(cmd.Context())
			defer stop()

			client, err := connectFarm(runCtx, cfg, dialer(cfg, logger), logger)
			if err != nil {
				return err
			}
			items, err := list(runCtx, client)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, item := range items {
				fmt.Fprintln(out, item)
			}
			return nil
		},
	}
}
