package engine

import (
	"sort"
	"sync"
	"time"
)

// Phase is what a destination worker is doing right now.
type Phase string

const (
	PhaseStarting     Phase = "starting"
	PhaseWaiting      Phase = "waiting"
	PhaseReclaiming   Phase = "reclaiming"
	PhaseChecking     Phase = "checking"
	PhaseTransferring Phase = "transferring"
	PhaseBackoff      Phase = "backoff"
	PhaseRetired      Phase = "retired"
	PhaseStopped      Phase = "stopped"
)

// DestinationStatus is the board's view of one destination.
type DestinationStatus struct {
	ID        string
	Priority  int
	Phase     Phase
	Plot      string
	Transfers int
	Bytes     int64
	FreeBytes int64
	Reclaimed int
	Reason    string
	Since     time.Time
}

// Snapshot is a consistent copy of the board.
type Snapshot struct {
	Destinations []DestinationStatus
	Queued       int
	Turn         string
	Done         bool

	// Recent lists the destinations that last took a turn, oldest first.
	Recent []string
}

// Board collects live per-destination status for display. All methods are
// safe on a nil *Board.
type Board struct {
	mu    sync.Mutex
	dests map[string]*DestinationStatus
	done  bool

	queue *PlotQueue
	sched *Scheduler
}

// NewBoard creates a board that also reports queue depth and current turn.
func NewBoard(queue *PlotQueue, sched *Scheduler) *Board {
	return &Board{dests: make(map[string]*DestinationStatus), queue: queue, sched: sched}
}

// Register adds a destination in the starting phase.
func (b *Board) Register(id string, priority int) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dests[id] = &DestinationStatus{ID: id, Priority: priority, Phase: PhaseStarting, Since: time.Now()}
}

// Update applies fn to a destination's status.
func (b *Board) Update(id string, fn func(*DestinationStatus)) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.dests[id]
	if !ok {
		st = &DestinationStatus{ID: id}
		b.dests[id] = st
	}
	prev := st.Phase
	fn(st)
	if st.Phase != prev {
		st.Since = time.Now()
	}
}

// SetPhase moves a destination to phase, recording the plot it concerns.
func (b *Board) SetPhase(id string, phase Phase, plot string) {
	b.Update(id, func(st *DestinationStatus) {
		st.Phase = phase
		st.Plot = plot
	})
}

// MarkDone records that the run has finished.
func (b *Board) MarkDone() {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.done = true
	b.mu.Unlock()
}

// Snapshot returns a copy of the board ordered by priority.
func (b *Board) Snapshot() Snapshot {
	if b == nil {
		return Snapshot{}
	}
	var snap Snapshot
	if b.queue != nil {
		snap.Queued = b.queue.Len()
	}
	if b.sched != nil {
		snap.Turn, _ = b.sched.CurrentTurn()
		snap.Recent = b.sched.Recent()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	snap.Done = b.done
	for _, st := range b.dests {
		snap.Destinations = append(snap.Destinations, *st)
	}
	sort.Slice(snap.Destinations, func(i, j int) bool {
		a, c := snap.Destinations[i], snap.Destinations[j]
		if a.Priority != c.Priority {
			return a.Priority < c.Priority
		}
		return a.ID < c.ID
	})
	return snap
}
