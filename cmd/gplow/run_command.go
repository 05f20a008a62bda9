package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/franksops/gplow/engine"
	"github.com/franksops/gplow/store"
	"github.com/franksops/gplow/ui"
)

const dashboardRefresh = 500 * time.Millisecond

func newRunCommand(ctx *commandContext) *cobra.Command {
	var tuiEnabled bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Move plots until every destination is full or interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			lock := flock.New(cfg.LockPath())
			locked, err := lock.TryLock()
			if err != nil {
				return fmt.Errorf("acquire lock: %w", err)
			}
			if !locked {
				return fmt.Errorf("another gplow instance holds %s", cfg.LockPath())
			}
			defer lock.Unlock()

			logger, closer, err := ctx.logger(tuiEnabled)
			if err != nil {
				return err
			}
			defer closer.Close()

			st, err := store.NewBoltStore(cfg.StateDBPath())
			if err != nil {
				return err
			}
			defer st.Close()

			runCtx, stop := signalContext(cmd.Context())
			defer stop()

			dial := dialer(cfg, logger)
			deps := engine.Deps{
				Dial:    dial,
				Tracker: engine.NewTracker(st),
				Logger:  logger,
			}
			if !cfg.Farm.DuringPlow {
				client, err := connectFarm(runCtx, cfg, dial, logger)
				if err != nil {
					return fmt.Errorf("farm: %w", err)
				}
				deps.Farm = func(dir string) engine.FarmMembership { return client.Membership(dir) }
			}

			orch := engine.NewOrchestrator(cfg, deps)
			var summary engine.Summary
			if tuiEnabled {
				summary, err = runWithDashboard(runCtx, stop, orch)
			} else {
				summary, err = orch.Run(runCtx)
			}

			printSummary(cmd.OutOrStdout(), summary)
			if errors.Is(err, context.Canceled) {
				logger.Info("run interrupted", "unsent", len(summary.Unsent))
				return nil
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&tuiEnabled, "tui", false, "Show the live destination dashboard")
	return cmd
}

type runResult struct {
	summary engine.Summary
	err     error
}

// runWithDashboard runs the orchestrator behind the bubbletea dashboard.
// Quitting the dashboard cancels the run.
func runWithDashboard(ctx context.Context, cancel context.CancelFunc, orch *engine.Orchestrator) (engine.Summary, error) {
	board := orch.Board()
	program := tea.NewProgram(ui.NewTUIModel(board.Snapshot()), tea.WithAltScreen())

	results := make(chan runResult, 1)
	go func() {
		summary, err := orch.Run(ctx)
		program.Send(ui.TUIUpdateMsg{Snapshot: board.Snapshot()})
		program.Quit()
		results <- runResult{summary: summary, err: err}
	}()

	tickerDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(dashboardRefresh)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tickerDone:
				return
			case <-ticker.C:
				program.Send(ui.TUIUpdateMsg{Snapshot: board.Snapshot()})
			}
		}
	}()

	_, tuiErr := program.Run()
	close(tickerDone)
	cancel()

	r := <-results
	if tuiErr != nil && r.err == nil {
		return r.summary, fmt.Errorf("dashboard: %w", tuiErr)
	}
	return r.summary, r.err
}

func printSummary(out io.Writer, summary engine.Summary) {
	if len(summary.Destinations) == 0 {
		return
	}
	rows := make([][]string, 0, len(summary.Destinations))
	for _, d := range summary.Destinations {
		rows = append(rows, []string{
			strconv.Itoa(d.Priority),
			d.ID,
			string(d.Phase),
			strconv.Itoa(d.Transfers),
			humanize.IBytes(uint64(d.Bytes)),
			d.Reason,
		})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"#", "Destination", "State", "Plots", "Moved", "Reason"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignRight, alignLeft},
	))
	if len(summary.Unsent) > 0 {
		fmt.Fprintf(out, "%d plot(s) left unsent:\n", len(summary.Unsent))
		for _, p := range summary.Unsent {
			fmt.Fprintf(out, "  %s\n", p.Path)
		}
	}
}
