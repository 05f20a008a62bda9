package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Task is one long-running member of a crew.
type Task func(ctx context.Context) error

// Crew runs a fixed set of named tasks, one goroutine each, and tracks which
// are still running. A member leaves only when its task returns.
type Crew struct {
	ctx     context.Context
	cancel  context.CancelFunc
	stagger time.Duration

	// OnExit, if set, is called after a task returns with the names of the
	// tasks still running.
	OnExit func(name string, running []string)

	mu      sync.Mutex
	running map[string]struct{}
	started int
	errs    *multierror.Error
	wg      sync.WaitGroup
}

// NewCrew creates a crew whose tasks run under ctx. Consecutive starts are
// spaced by stagger.
func NewCrew(ctx context.Context, stagger time.Duration) *Crew {
	ctx, cancel := context.WithCancel(ctx)
	return &Crew{
		ctx:     ctx,
		cancel:  cancel,
		stagger: stagger,
		running: make(map[string]struct{}),
	}
}

// Start launches task under name, waiting out the stagger first if other
// tasks were already started. It returns false if the crew was stopped.
func (c *Crew) Start(name string, task Task) bool {
	c.mu.Lock()
	first := c.started == 0
	c.mu.Unlock()
	if !first && !sleepCtx(c.ctx, c.stagger) {
		return false
	}

	c.mu.Lock()
	if c.ctx.Err() != nil {
		c.mu.Unlock()
		return false
	}
	c.started++
	c.running[name] = struct{}{}
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		err := task(c.ctx)

		c.mu.Lock()
		delete(c.running, name)
		if err != nil && !errors.Is(err, context.Canceled) {
			c.errs = multierror.Append(c.errs, err)
		}
		c.mu.Unlock()

		if c.OnExit != nil {
			c.OnExit(name, c.Running())
		}
	}()
	return true
}

// Running lists the names of tasks that have not returned, sorted.
func (c *Crew) Running() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.running))
	for name := range c.running {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Remaining returns how many tasks are still running.
func (c *Crew) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.running)
}

// Wait blocks until every started task has returned and reports their
// errors, ignoring cancellation.
func (c *Crew) Wait() error {
	c.wg.Wait()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errs.ErrorOrNil()
}

// Stop cancels every task and waits for them to exit.
func (c *Crew) Stop() error {
	c.cancel()
	return c.Wait()
}
