package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"

	"github.com/franksops/gplow/provider"
	"github.com/franksops/gplow/remote"
	"github.com/franksops/gplow/store"
)

// ErrDestinationFull is the retirement cause when a plot does not fit.
var ErrDestinationFull = errors.New("destination full")

// FarmMembership switches whether a destination directory is served by the
// farm. Both calls are idempotent.
type FarmMembership interface {
	Leave(ctx context.Context) error
	Rejoin(ctx context.Context) error
}

// WorkerConfig is the per-destination configuration of a Worker.
type WorkerConfig struct {
	// ID is the destination directory name.
	ID       string
	Priority int

	// Root is the remote directory holding every destination directory.
	Root string

	// Target is what the transfer tool is given as the destination.
	Target string

	Reclaim ReclaimPolicy

	FairnessDelay     time.Duration
	RetryBackoff      time.Duration
	UnknownBackoff    time.Duration
	PostTransferPause time.Duration
	ReclaimSettle     time.Duration

	// CleanupTimeout bounds the terminal sync, farm restore and session close.
	CleanupTimeout time.Duration
}

// WorkerDeps are the collaborators a Worker shares with the rest of the run.
type WorkerDeps struct {
	Queue      *PlotQueue
	Scheduler  *Scheduler
	Exec       remote.Executor
	Source     provider.Provider
	Transferer Transferer
	Classifier Classifier

	// Farm is nil when the directory stays in the farm while plowing.
	Farm FarmMembership

	Permits *Permits
	Tracker *Tracker
	Board   *Board
	Logger  *slog.Logger
}

// Worker moves plots to one destination. It takes plots from the shared
// queue, defers to other destinations when it is not its turn, and otherwise
// reclaims space, checks free space and runs the transfer tool.
type Worker struct {
	cfg    WorkerConfig
	deps   WorkerDeps
	logger *slog.Logger

	profile  *Profile
	leftFarm bool
	bulkDone bool
	retired  bool
	reason   string
}

// iteration tracks what one pass through the loop owns, so a failure at any
// point can hand the plot and the turn back.
type iteration struct {
	plot      Plot
	held      bool
	turnTaken bool
}

// NewWorker creates a worker for one destination.
func NewWorker(cfg WorkerConfig, deps WorkerDeps) *Worker {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = 2 * time.Minute
	}
	return &Worker{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.With("destination", cfg.ID),
	}
}

// ID returns the destination this worker serves.
func (w *Worker) ID() string { return w.cfg.ID }

// Retired reports whether the worker left the rotation, and why.
func (w *Worker) Retired() (bool, string) { return w.retired, w.reason }

// Run drives the worker until it retires or ctx is cancelled. It returns nil
// on retirement and the context error on cancellation. Terminal cleanup runs
// in both cases.
func (w *Worker) Run(ctx context.Context) error {
	w.track(w.deps.Tracker.MarkDestination(w.cfg.ID, w.cfg.Priority, store.DestinationActive, ""))
	defer w.terminate(ctx)

	profile, err := ResolveProfile(ctx, w.deps.Exec, w.cfg.Root, w.cfg.ID, w.cfg.Reclaim, w.logger)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.retire("mount resolution failed", err)
		return nil
	}
	w.profile = profile
	w.logger.Info("destination worker started", "mount", profile.MountPath, "priority", w.cfg.Priority)

	for !w.retired {
		w.deps.Board.SetPhase(w.cfg.ID, PhaseWaiting, "")
		plot, err := w.deps.Queue.Take(ctx)
		if err != nil {
			return err
		}
		w.step(ctx, plot)
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) step(ctx context.Context, plot Plot) {
	it := &iteration{plot: plot, held: true}
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("worker iteration panicked", "plot", plot.Path, "panic", r)
			w.requeue(it)
			if it.turnTaken && !w.retired {
				w.rejoin(it)
			}
		}
	}()
	w.iterate(ctx, it)
}

func (w *Worker) iterate(ctx context.Context, it *iteration) {
	id := w.cfg.ID
	if turn, ok := w.deps.Scheduler.CurrentTurn(); !ok || turn != id {
		w.requeue(it)
		sleepCtx(ctx, w.cfg.FairnessDelay)
		return
	}
	log := w.logger.With("plot", it.plot.Path)

	size, ok := w.plotSize(ctx, it, log)
	if !ok {
		return
	}

	if w.deps.Farm != nil && !w.leftFarm {
		if err := w.deps.Farm.Leave(ctx); err != nil {
			log.Error("failed to remove directory from farm", "error", err)
			w.requeue(it)
			w.endTurn(it)
			w.rejoin(it)
			sleepCtx(ctx, w.cfg.FairnessDelay)
			return
		}
		w.leftFarm = true
		log.Info("directory removed from farm")
	}

	if err := w.reclaim(ctx); err != nil {
		w.requeue(it)
		if ctx.Err() == nil {
			w.retire("reclaim failed", err)
		}
		return
	}

	w.endTurn(it)

	w.deps.Board.SetPhase(id, PhaseChecking, it.plot.Path)
	free, err := w.profile.FreeSpace(ctx)
	if err != nil {
		w.requeue(it)
		if ctx.Err() != nil {
			w.rejoin(it)
			return
		}
		w.retire("free space query failed", err)
		return
	}
	w.deps.Board.Update(id, func(st *DestinationStatus) { st.FreeBytes = free })
	if free <= size {
		log.Warn("destination full", "free", humanize.IBytes(uint64(free)), "size", humanize.IBytes(uint64(size)))
		w.requeue(it)
		w.retire("destination full", ErrDestinationFull)
		return
	}

	w.transfer(ctx, it, size, log)
}

// plotSize re-reads the plot's size. A plot that no longer exists is dropped.
func (w *Worker) plotSize(ctx context.Context, it *iteration, log *slog.Logger) (int64, bool) {
	if w.deps.Source == nil {
		return it.plot.Size, true
	}
	info, err := w.deps.Source.Stat(ctx, it.plot.Path)
	switch {
	case err == nil:
		return info.Size(), true
	case errors.Is(err, fs.ErrNotExist):
		log.Warn("plot no longer exists, dropping it")
		it.held = false
		return 0, false
	default:
		log.Warn("failed to stat plot", "error", err)
		w.requeue(it)
		sleepCtx(ctx, w.cfg.FairnessDelay)
		return 0, false
	}
}

func (w *Worker) reclaim(ctx context.Context) error {
	policy := w.cfg.Reclaim
	if !policy.Enabled {
		return nil
	}
	id := w.cfg.ID

	if policy.RemoveAllAtStart {
		if w.bulkDone {
			return nil
		}
		w.deps.Board.SetPhase(id, PhaseReclaiming, "")
		n, err := w.profile.ReclaimAll(ctx)
		w.deps.Board.Update(id, func(st *DestinationStatus) { st.Reclaimed += n })
		if err != nil {
			return err
		}
		w.bulkDone = true
		w.logger.Info("removed old plots", "count", n)
		if n > 0 {
			sleepCtx(ctx, w.cfg.ReclaimSettle)
		}
		return nil
	}

	w.deps.Board.SetPhase(id, PhaseReclaiming, "")
	removed, err := w.profile.ReclaimNext(ctx)
	if removed {
		w.deps.Board.Update(id, func(st *DestinationStatus) { st.Reclaimed++ })
	}
	return err
}

func (w *Worker) transfer(ctx context.Context, it *iteration, size int64, log *slog.Logger) {
	id := w.cfg.ID

	release, err := w.deps.Permits.Acquire(ctx, it.plot)
	if err != nil {
		w.requeue(it)
		w.rejoin(it)
		return
	}

	w.deps.Board.SetPhase(id, PhaseTransferring, it.plot.Path)
	xferID, err := w.deps.Tracker.StartTransfer(it.plot, id, w.cfg.Target)
	w.track(err)
	log.Info("transferring plot", "target", w.cfg.Target, "size", humanize.IBytes(uint64(size)))
	res := func() TransferResult {
		defer release()
		return w.deps.Transferer.Transfer(ctx, it.plot, w.cfg.Target)
	}()

	outcome := OutcomeUnknown
	if res.Err == nil {
		outcome = w.deps.Classifier.Classify(res.ExitCode)
	}

	// A transfer that completed before the interrupt has already moved the
	// plot off the source.
	if ctx.Err() != nil && outcome != OutcomeSuccess {
		log.Warn("transfer interrupted")
		w.track(w.deps.Tracker.AbortTransfer(xferID, "interrupted"))
		w.requeue(it)
		w.rejoin(it)
		return
	}

	w.track(w.deps.Tracker.FinishTransfer(xferID, outcome, res))

	switch outcome {
	case OutcomeSuccess:
		it.held = false
		log.Info("plot transferred", "size", humanize.IBytes(uint64(size)), "duration", res.Duration.Round(time.Millisecond))
		w.deps.Board.Update(id, func(st *DestinationStatus) {
			st.Transfers++
			st.Bytes += size
		})
		w.rejoin(it)
		sleepCtx(ctx, w.cfg.PostTransferPause)

	case OutcomeRetryable:
		log.Warn("transfer failed with a socket error, backing off",
			"exit_code", res.ExitCode, "stderr", res.Stderr, "backoff", w.cfg.RetryBackoff)
		w.requeue(it)
		w.deps.Board.SetPhase(id, PhaseBackoff, "")
		sleepCtx(ctx, w.cfg.RetryBackoff)
		w.rejoin(it)

	case OutcomeFatal:
		log.Error("transfer failed", "exit_code", res.ExitCode, "stderr", res.Stderr)
		w.requeue(it)
		w.retire("transfer failed", transferError(res))

	default:
		log.Error("transfer failed with an unexpected status",
			"exit_code", res.ExitCode, "stderr", res.Stderr, "error", res.Err, "backoff", w.cfg.UnknownBackoff)
		w.requeue(it)
		w.deps.Board.SetPhase(id, PhaseBackoff, "")
		sleepCtx(ctx, w.cfg.UnknownBackoff)
		w.retire("transfer failed", transferError(res))
	}
}

func transferError(res TransferResult) error {
	if res.Err != nil {
		return res.Err
	}
	if res.Stderr != "" {
		return fmt.Errorf("exit status %d: %s", res.ExitCode, res.Stderr)
	}
	return fmt.Errorf("exit status %d", res.ExitCode)
}

func (w *Worker) endTurn(it *iteration) {
	if !w.deps.Scheduler.EndTurn(w.cfg.ID) {
		w.logger.Warn("ended a turn with no rotation entry")
	}
	it.turnTaken = true
}

func (w *Worker) rejoin(it *iteration) {
	w.deps.Scheduler.Rejoin(w.cfg.ID)
	it.turnTaken = false
}

func (w *Worker) requeue(it *iteration) {
	if !it.held {
		return
	}
	w.deps.Queue.Put(it.plot)
	it.held = false
}

func (w *Worker) retire(reason string, cause error) {
	w.deps.Scheduler.Retire(w.cfg.ID)
	w.retired = true
	w.reason = reason
	detail := reason
	if cause != nil {
		detail = reason + ": " + cause.Error()
	}
	w.logger.Error("destination retired", "reason", reason, "error", cause)
	w.deps.Board.Update(w.cfg.ID, func(st *DestinationStatus) {
		st.Phase = PhaseRetired
		st.Plot = ""
		st.Reason = detail
	})
	w.track(w.deps.Tracker.MarkDestination(w.cfg.ID, w.cfg.Priority, store.DestinationRetired, detail))
}

// terminate syncs the destination, puts its directory back in the farm and
// closes the remote session. It runs even when ctx is already cancelled.
func (w *Worker) terminate(ctx context.Context) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.CleanupTimeout)
	defer cancel()

	var result *multierror.Error
	if w.profile != nil {
		if err := w.profile.Sync(cctx); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if w.leftFarm {
		if err := w.deps.Farm.Rejoin(cctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("restore farm directory: %w", err))
		} else {
			w.leftFarm = false
			w.logger.Info("directory restored to farm")
		}
	}
	if err := w.deps.Exec.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close session: %w", err))
	}

	if !w.retired {
		w.deps.Board.SetPhase(w.cfg.ID, PhaseStopped, "")
		w.track(w.deps.Tracker.MarkDestination(w.cfg.ID, w.cfg.Priority, store.DestinationStopped, "interrupted"))
	}

	if err := result.ErrorOrNil(); err != nil {
		w.logger.Error("destination cleanup failed", "error", err)
		return
	}
	w.logger.Info("destination worker exited")
}

func (w *Worker) track(err error) {
	if err != nil {
		w.logger.Warn("failed to update transfer ledger", "error", err)
	}
}

// sleepCtx waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
