package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"path"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/franksops/gplow/config"
	"github.com/franksops/gplow/provider"
	"github.com/franksops/gplow/remote"
	"github.com/franksops/gplow/store"
)

// ErrNoDestinations is returned when neither configuration nor the remote
// host yields any destination directory.
var ErrNoDestinations = errors.New("no destinations")

// Destination is one remote directory plots are moved to.
type Destination struct {
	ID       string
	Priority int
	Target   string
}

// Deps are the collaborators an Orchestrator is built from.
type Deps struct {
	// Dial opens one remote session per destination.
	Dial       remote.Dialer
	Source     provider.Provider
	Transferer Transferer

	// Farm returns the membership adapter for a destination directory. It is
	// ignored when farm.during_plow is set.
	Farm func(dir string) FarmMembership

	Tracker *Tracker
	Board   *Board
	Logger  *slog.Logger

	// Shuffle reorders destinations when dest.shuffle is set.
	Shuffle func(n int, swap func(i, j int))
}

// Summary describes a finished run.
type Summary struct {
	Destinations []DestinationStatus
	Unsent       []Plot
}

// Orchestrator wires the discovery feed, the shared queue, the rotation and
// one worker per destination, and runs them until every worker has retired.
type Orchestrator struct {
	cfg    *config.Config
	deps   Deps
	logger *slog.Logger

	queue   *PlotQueue
	sched   *Scheduler
	board   *Board
	permits *Permits
}

// NewOrchestrator creates an orchestrator for cfg.
func NewOrchestrator(cfg *config.Config, deps Deps) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Shuffle == nil {
		deps.Shuffle = rand.Shuffle
	}
	if deps.Transferer == nil {
		deps.Transferer = CommandTransferer{Cmd: cfg.Transfer.Cmd, Flags: cfg.Transfer.Flags}
	}
	if deps.Source == nil {
		deps.Source = provider.NewLocalProvider("")
	}

	queue := NewPlotQueue()
	sched := NewScheduler()
	board := deps.Board
	if board == nil {
		board = NewBoard(queue, sched)
	} else {
		board.queue, board.sched = queue, sched
	}

	return &Orchestrator{
		cfg:     cfg,
		deps:    deps,
		logger:  deps.Logger,
		queue:   queue,
		sched:   sched,
		board:   board,
		permits: NewPermits(cfg.Transfer.MaxConcurrent, cfg.Transfer.OnePerSource),
	}
}

// Board returns the live status board for this run.
func (o *Orchestrator) Board() *Board { return o.board }

// Queue returns the shared plot queue.
func (o *Orchestrator) Queue() *PlotQueue { return o.queue }

// Destinations resolves the destination set: the configured directories, or
// every mount under dest.root on the remote host. Priorities follow the
// resolved order, after an optional shuffle.
func (o *Orchestrator) Destinations(ctx context.Context) ([]Destination, error) {
	dirs := append([]string(nil), o.cfg.Dest.Dirs...)
	if len(dirs) == 0 {
		exec, err := o.deps.Dial(ctx)
		if err != nil {
			return nil, fmt.Errorf("connect to %s: %w", o.cfg.Dest.Host, err)
		}
		dirs, err = DiscoverDestinations(ctx, exec, o.cfg.Dest.Root)
		exec.Close()
		if err != nil {
			return nil, err
		}
	}
	if len(dirs) == 0 {
		return nil, fmt.Errorf("%s:%s: %w", o.cfg.Dest.Host, o.cfg.Dest.Root, ErrNoDestinations)
	}
	if o.cfg.Dest.Shuffle {
		o.deps.Shuffle(len(dirs), func(i, j int) { dirs[i], dirs[j] = dirs[j], dirs[i] })
	}

	dests := make([]Destination, len(dirs))
	for i, dir := range dirs {
		dests[i] = Destination{
			ID:       dir,
			Priority: i + 1,
			Target:   TransferTarget(o.cfg.Dest.Protocol, o.cfg.Dest.Host, o.cfg.Dest.Port, o.cfg.Dest.Root, dir),
		}
	}
	return dests, nil
}

// Run moves plots until every destination has retired or ctx is cancelled.
// Plots still queued at the end are reported in the summary.
func (o *Orchestrator) Run(ctx context.Context) (Summary, error) {
	dests, err := o.Destinations(ctx)
	if err != nil {
		return Summary{}, err
	}

	policy := ReclaimPolicy{
		Enabled:          o.cfg.Reclaim.Enabled,
		RemoveAllAtStart: o.cfg.Reclaim.RemoveAllAtStart,
		Pattern:          o.cfg.Reclaim.Pattern,
	}
	if policy.Enabled {
		if policy.Before, err = o.cfg.ReclaimCutoff(); err != nil {
			return Summary{}, err
		}
	}

	for _, d := range dests {
		o.sched.Add(d.ID, d.Priority)
		o.board.Register(d.ID, d.Priority)
		o.logger.Info("destination registered", "destination", d.ID, "priority", d.Priority, "target", d.Target)
	}

	g, gctx := errgroup.WithContext(ctx)
	feedCtx, stopFeed := context.WithCancel(gctx)
	defer stopFeed()

	g.Go(func() error {
		feed := NewFeed(o.cfg.Sources, o.queue, o.deps.Source, o.logger)
		feed.Settle = o.cfg.ArrivalSettle()
		return feed.Run(feedCtx)
	})

	g.Go(func() error {
		// The run is over once only the feed is left.
		defer stopFeed()
		crew := NewCrew(gctx, o.cfg.WorkerStagger())
		crew.OnExit = func(id string, running []string) {
			o.logger.Info("destination worker exited", "destination", id, "still_running", running)
		}
		for _, d := range dests {
			d := d
			if !crew.Start(d.ID, func(ctx context.Context) error {
				return o.runDestination(ctx, d, policy)
			}) {
				o.logger.Info("run cancelled while starting workers")
				return crew.Stop()
			}
		}
		o.logger.Debug("destination workers started", "count", crew.Remaining())
		return crew.Wait()
	})

	err = g.Wait()
	o.board.MarkDone()

	summary := Summary{
		Destinations: o.board.Snapshot().Destinations,
		Unsent:       o.queue.Snapshot(),
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return summary, err
	}
	o.logger.Info("all destinations finished", "unsent", len(summary.Unsent))
	return summary, ctx.Err()
}

func (o *Orchestrator) runDestination(ctx context.Context, d Destination, policy ReclaimPolicy) error {
	exec, err := o.deps.Dial(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		reason := "connect failed: " + err.Error()
		o.logger.Error("destination retired", "destination", d.ID, "reason", reason)
		o.sched.Retire(d.ID)
		o.board.Update(d.ID, func(st *DestinationStatus) {
			st.Phase = PhaseRetired
			st.Reason = reason
		})
		if err := o.deps.Tracker.MarkDestination(d.ID, d.Priority, store.DestinationRetired, reason); err != nil {
			o.logger.Warn("failed to update transfer ledger", "error", err)
		}
		return nil
	}

	var farm FarmMembership
	if !o.cfg.Farm.DuringPlow && o.deps.Farm != nil {
		farm = o.deps.Farm(path.Join(o.cfg.Dest.Root, d.ID))
	}

	worker := NewWorker(WorkerConfig{
		ID:                d.ID,
		Priority:          d.Priority,
		Root:              o.cfg.Dest.Root,
		Target:            d.Target,
		Reclaim:           policy,
		FairnessDelay:     o.cfg.FairnessDelay(),
		RetryBackoff:      o.cfg.RetryBackoff(),
		UnknownBackoff:    o.cfg.UnknownBackoff(),
		PostTransferPause: o.cfg.PostTransferPause(),
		ReclaimSettle:     o.cfg.ReclaimSettle(),
	}, WorkerDeps{
		Queue:      o.queue,
		Scheduler:  o.sched,
		Exec:       exec,
		Source:     o.deps.Source,
		Transferer: o.deps.Transferer,
		Classifier: NewClassifier(o.cfg.Transfer.RetryableExitCodes, o.cfg.Transfer.FatalExitCodes),
		Farm:       farm,
		Permits:    o.permits,
		Tracker:    o.deps.Tracker,
		Board:      o.board,
		Logger:     o.logger,
	})
	return worker.Run(ctx)
}

// DiscoverDestinations lists the directory names of every mount under root
// on the remote host, sorted.
func DiscoverDestinations(ctx context.Context, exec remote.Executor, root string) ([]string, error) {
	cmd := fmt.Sprintf("mount | grep -F %s | awk '{print $3}' | sort", remote.Quote(root))
	out, err := remote.Output(ctx, exec, cmd)
	if err != nil {
		return nil, fmt.Errorf("discover destinations under %s: %w", root, err)
	}
	prefix := strings.TrimSuffix(root, "/") + "/"
	var dirs []string
	for _, line := range strings.Split(out, "\n") {
		mount := strings.TrimSpace(line)
		if mount == "" || !strings.HasPrefix(mount, prefix) {
			continue
		}
		dirs = append(dirs, path.Base(mount))
	}
	return dirs, nil
}

// TransferTarget builds the transfer tool's destination argument:
// protocol://host:port/root/dir when a protocol is set, host:/root/dir
// otherwise.
func TransferTarget(protocol, host string, port int, root, dir string) string {
	p := path.Join(root, dir)
	if protocol == "" {
		return host + ":" + p
	}
	if port > 0 {
		return fmt.Sprintf("%s://%s:%d%s", protocol, host, port, p)
	}
	return fmt.Sprintf("%s://%s%s", protocol, host, p)
}
