package engine

import (
	"container/heap"
	"sort"
	"sync"
)

// Scheduler is the rotating priority structure shared by all destination
// workers. The destination at the head of the rotation owns the current turn.
//
// Every entry carries the rotation cycle it belongs to. A destination that
// rejoins after its turn is placed in the next cycle at its fixed priority, so
// it sits behind every destination still waiting in the current cycle. At most
// one entry per destination is ever queued.
type Scheduler struct {
	mu         sync.Mutex
	rotation   rotationHeap
	priorities map[string]int
	queued     map[string]*rotationEntry
	lastCycle  map[string]uint64
	cycle      uint64

	// recent holds the last recentTurns destinations to end a turn, oldest first.
	recent []string
}

const recentTurns = 32

// NewScheduler creates an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{
		priorities: make(map[string]int),
		queued:     make(map[string]*rotationEntry),
		lastCycle:  make(map[string]uint64),
	}
}

// Add registers a destination with its fixed priority (lower goes first) and
// places it in the current cycle. Adding an already known destination is a
// no-op.
func (s *Scheduler) Add(id string, priority int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.priorities[id]; ok {
		return
	}
	s.priorities[id] = priority
	s.push(id, priority, s.cycle)
}

// CurrentTurn returns the destination whose turn it is, or false when no
// destination is waiting.
func (s *Scheduler) CurrentTurn() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.rotation) == 0 {
		return "", false
	}
	return s.rotation[0].id, true
}

// EndTurn removes id's entry from the rotation once id has taken its turn.
// It reports false when id has no queued entry. A destination that rejoined
// while id held the turn keeps its own place.
func (s *Scheduler) EndTurn(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.queued[id]
	if !ok {
		return false
	}
	heap.Remove(&s.rotation, e.index)
	delete(s.queued, id)
	s.lastCycle[id] = e.cycle
	if e.cycle > s.cycle {
		s.cycle = e.cycle
	}
	if len(s.recent) == recentTurns {
		s.recent = append(s.recent[:0], s.recent[1:]...)
	}
	s.recent = append(s.recent, id)
	return true
}

// Recent returns the destinations that most recently took a turn, in the
// order they took it.
func (s *Scheduler) Recent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.recent...)
}

// Rejoin puts a destination back into the rotation at its fixed priority,
// behind every destination still waiting in the current cycle. It is a no-op
// for retired destinations and for destinations already queued.
func (s *Scheduler) Rejoin(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	priority, ok := s.priorities[id]
	if !ok {
		return false
	}
	if _, ok := s.queued[id]; ok {
		return false
	}
	cycle := s.cycle
	if last, ok := s.lastCycle[id]; ok && last+1 > cycle {
		cycle = last + 1
	}
	s.push(id, priority, cycle)
	return true
}

// Retire permanently removes a destination from the rotation, including any
// queued entry it still has.
func (s *Scheduler) Retire(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.priorities, id)
	delete(s.lastCycle, id)
	if e, ok := s.queued[id]; ok {
		heap.Remove(&s.rotation, e.index)
		delete(s.queued, id)
	}
}

// IsActive reports whether id is registered and not retired.
func (s *Scheduler) IsActive(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.priorities[id]
	return ok
}

// Active lists the non-retired destinations ordered by priority.
func (s *Scheduler) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.priorities))
	for id := range s.priorities {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		pi, pj := s.priorities[ids[i]], s.priorities[ids[j]]
		if pi != pj {
			return pi < pj
		}
		return ids[i] < ids[j]
	})
	return ids
}

func (s *Scheduler) push(id string, priority int, cycle uint64) {
	e := &rotationEntry{id: id, priority: priority, cycle: cycle}
	heap.Push(&s.rotation, e)
	s.queued[id] = e
}

type rotationEntry struct {
	id       string
	priority int
	cycle    uint64
	index    int
}

type rotationHeap []*rotationEntry

func (h rotationHeap) Len() int { return len(h) }

func (h rotationHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.cycle != b.cycle {
		return a.cycle < b.cycle
	}
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	return a.id < b.id
}

func (h rotationHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *rotationHeap) Push(x any) {
	e := x.(*rotationEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *rotationHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
