package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/franksops/gplow/store"
)

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded transfers and destination states",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			st, err := store.NewBoltStore(cfg.StateDBPath())
			if err != nil {
				return err
			}
			defer st.Close()
			return printHistory(cmd.OutOrStdout(), st, limit)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of most recent transfers to show (0 for all)")
	return cmd
}

func printHistory(out io.Writer, st store.Store, limit int) error {
	dests, err := st.ListDestinations()
	if err != nil {
		return fmt.Errorf("list destinations: %w", err)
	}
	transfers, err := st.ListTransfers(limit)
	if err != nil {
		return fmt.Errorf("list transfers: %w", err)
	}

	if len(dests) == 0 && len(transfers) == 0 {
		fmt.Fprintln(out, "No transfers recorded")
		return nil
	}

	destRows := make([][]string, 0, len(dests))
	for _, d := range dests {
		destRows = append(destRows, []string{
			strconv.Itoa(d.Priority),
			d.ID,
			string(d.State),
			strconv.Itoa(d.Transfers),
			humanize.IBytes(uint64(d.Bytes)),
			d.Reason,
			humanize.Time(d.UpdatedAt),
		})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"#", "Destination", "State", "Plots", "Moved", "Reason", "Updated"},
		destRows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignRight, alignLeft, alignLeft},
	))

	transferRows := make([][]string, 0, len(transfers))
	for _, t := range transfers {
		transferRows = append(transferRows, []string{
			t.StartedAt.Local().Format(time.DateTime),
			t.Destination,
			t.Plot,
			humanize.IBytes(uint64(t.Size)),
			transferResult(t),
			formatElapsed(t),
		})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"Started", "Destination", "Plot", "Size", "Result", "Took"},
		transferRows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignRight},
	))
	return nil
}

func transferResult(t *store.TransferRecord) string {
	switch t.State {
	case store.StateFailed:
		if t.ExitCode != 0 {
			return fmt.Sprintf("%s (exit %d)", t.Outcome, t.ExitCode)
		}
		return t.Outcome
	case store.StateAborted:
		return "aborted: " + t.Error
	default:
		return string(t.State)
	}
}

func formatElapsed(t *store.TransferRecord) string {
	if t.FinishedAt.IsZero() {
		return "-"
	}
	return t.FinishedAt.Sub(t.StartedAt).Round(time.Second).String()
}
