package engine

import (
	"context"
	"sync"
)

// PlotQueue is the unbounded FIFO shared by the discovery feed and every
// destination worker. Any goroutine may Put; any goroutine may Take.
type PlotQueue struct {
	mu     sync.Mutex
	items  []Plot
	notify chan struct{}
}

// NewPlotQueue creates an empty queue.
func NewPlotQueue() *PlotQueue {
	return &PlotQueue{notify: make(chan struct{})}
}

// Put appends p at the tail and wakes blocked takers. It never blocks.
func (q *PlotQueue) Put(p Plot) {
	q.mu.Lock()
	q.items = append(q.items, p)
	close(q.notify)
	q.notify = make(chan struct{})
	q.mu.Unlock()
}

// Take removes and returns the head of the queue, blocking until an item is
// available or ctx is done.
func (q *PlotQueue) Take(ctx context.Context) (Plot, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			p := q.items[0]
			q.items[0] = Plot{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return p, nil
		}
		wait := q.notify
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Plot{}, ctx.Err()
		case <-wait:
		}
	}
}

// Len returns the number of queued plots.
func (q *PlotQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns a copy of the queued plots in order.
func (q *PlotQueue) Snapshot() []Plot {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Plot, len(q.items))
	copy(out, q.items)
	return out
}
