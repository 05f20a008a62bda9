package main

import (
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/franksops/gplow/engine"
)

func newDestsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "dests",
		Short: "List the resolved destinations with their mount and free space",
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

			dial := dialer(cfg, logger)
			dests, err := engine.NewOrchestrator(cfg, engine.Deps{Dial: dial, Logger: logger}).Destinations(runCtx)
			if err != nil {
				return err
			}

			exec, err := dial(runCtx)
			if err != nil {
				return fmt.Errorf("connect to %s: %w", cfg.Dest.Host, err)
			}
			defer exec.Close()

			rows := make([][]string, 0, len(dests))
			for _, d := range dests {
				mount, free := "-", "-"
				profile, err := engine.ResolveProfile(runCtx, exec, cfg.Dest.Root, d.ID, engine.ReclaimPolicy{}, logger)
				if err != nil {
					mount = "error: " + err.Error()
				} else {
					mount = profile.MountPath
					if bytes, err := profile.FreeSpace(runCtx); err == nil {
						free = humanize.IBytes(uint64(bytes))
					}
				}
				rows = append(rows, []string{strconv.Itoa(d.Priority), d.ID, mount, free, d.Target})
			}

			fmt.Fprintln(cmd.OutOrStdout(), renderTable(
				[]string{"#", "Destination", "Mount", "Free", "Target"},
				rows,
				[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignLeft},
			))
			return nil
		},
	}
}
