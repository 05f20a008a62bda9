package engine

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"

	"github.com/franksops/gplow/provider"
)

// Feed discovers plots under the source directories and publishes each one
// into the shared queue exactly once: first every plot already present, then
// every plot that arrives afterwards, until the context is cancelled.
type Feed struct {
	Paths  []string
	Queue  *PlotQueue
	Source provider.Provider
	Logger *slog.Logger

	// Settle is how long an arrived plot must go without writes, and then
	// keep the same size, before it is published. Zero publishes on arrival.
	Settle time.Duration

	seen    map[string]struct{}
	pending map[string]*arrivingPlot
}

type arrivingPlot struct {
	lastEvent time.Time
	size      int64 // -1 until measured after a quiet period
}

// NewFeed creates a feed over the given source directories.
func NewFeed(paths []string, queue *PlotQueue, src provider.Provider, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		Paths:  paths,
		Queue:  queue,
		Source: src,
		Logger: logger.With("component", "feed"),
		seen:    make(map[string]struct{}),
		pending: make(map[string]*arrivingPlot),
	}
}

// Run enumerates existing plots and then watches for new ones. It returns nil
// once ctx is cancelled; queued plots are left in place.
func (f *Feed) Run(ctx context.Context) error {
	// Watch before enumerating so nothing that lands in between is missed;
	// duplicates are filtered by publish.
	watcher, watched, err := newSourceWatcher(f.Paths, f.Logger)
	if err != nil {
		return err
	}
	defer watcher.Close()

	f.enumerateExisting(ctx)

	if len(watched) == 0 {
		f.Logger.Warn("no source directories could be watched")
	}
	return f.watch(ctx, watcher)
}

func (f *Feed) enumerateExisting(ctx context.Context) {
	walker := NewWalker(f.Source)
	for _, path := range f.Paths {
		n, err := walker.Walk(ctx, path, f.publish)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			f.Logger.Info("skipping source", "path", path, "error", err)
			continue
		}
		f.Logger.Info("found existing plots", "path", path, "count", n)
	}
}

func (f *Feed) watch(ctx context.Context, watcher *fsnotify.Watcher) error {
	var tick <-chan time.Time
	if f.Settle > 0 {
		ticker := time.NewTicker(settleTick(f.Settle))
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if IsPlotFile(ev.Name) {
				f.observe(ctx, ev, time.Now())
			}
		case now := <-tick:
			f.settlePending(ctx, now)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				f.Logger.Warn("watch queue overflowed, rescanning sources")
				f.enumerateExisting(ctx)
				continue
			}
			f.Logger.Error("watch error", "error", err)
		}
	}
}

func (f *Feed) observe(ctx context.Context, ev fsnotify.Event, now time.Time) {
	path := ev.Name
	switch {
	case arrival(ev):
		if _, ok := f.seen[path]; ok {
			return
		}
		if f.Settle <= 0 {
			f.queueArrived(ctx, path)
			return
		}
		if _, ok := f.pending[path]; !ok {
			f.Logger.Debug("plot arriving", "plot", path)
		}
		f.pending[path] = &arrivingPlot{lastEvent: now, size: -1}
	case ev.Has(fsnotify.Write):
		if p, ok := f.pending[path]; ok {
			p.lastEvent = now
			p.size = -1
		}
	case departure(ev):
		if _, ok := f.pending[path]; ok {
			f.Logger.Debug("arriving plot went away", "plot", path)
			delete(f.pending, path)
		}
	}
}

// settlePending publishes every arriving plot that has been quiet for the
// settle window and whose size did not change across the last window.
func (f *Feed) settlePending(ctx context.Context, now time.Time) {
	for path, p := range f.pending {
		if now.Sub(p.lastEvent) < f.Settle {
			continue
		}
		info, err := f.Source.Stat(ctx, path)
		if err != nil {
			delete(f.pending, path)
			f.Logger.Warn("new plot vanished before it could be queued", "plot", path, "error", err)
			continue
		}
		if info.Size() != p.size {
			p.size = info.Size()
			p.lastEvent = now
			continue
		}
		delete(f.pending, path)
		f.publish(Plot{Path: path, Size: info.Size(), SourceDir: filepath.Dir(path)})
	}
}

func (f *Feed) queueArrived(ctx context.Context, path string) {
	info, err := f.Source.Stat(ctx, path)
	if err != nil {
		f.Logger.Warn("new plot vanished before it could be queued", "plot", path, "error", err)
		return
	}
	f.publish(Plot{Path: path, Size: info.Size(), SourceDir: filepath.Dir(path)})
}

func (f *Feed) publish(p Plot) {
	if _, ok := f.seen[p.Path]; ok {
		return
	}
	f.seen[p.Path] = struct{}{}
	f.Logger.Info("plot queued", "plot", p.Path, "size", humanize.IBytes(uint64(p.Size)))
	f.Queue.Put(p)
}
