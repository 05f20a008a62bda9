package engine

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Permits bounds how many transfers run at once, system-wide and per source
// directory. A Permits value belongs to one orchestrator run.
type Permits struct {
	global    *semaphore.Weighted
	perSource bool

	mu      sync.Mutex
	sources map[string]*semaphore.Weighted
}

// NewPermits creates the permit set. maxConcurrent <= 0 means no global
// limit; onePerSource allows a single transfer per source directory.
func NewPermits(maxConcurrent int, onePerSource bool) *Permits {
	p := &Permits{perSource: onePerSource, sources: make(map[string]*semaphore.Weighted)}
	if maxConcurrent > 0 {
		p.global = semaphore.NewWeighted(int64(maxConcurrent))
	}
	return p
}

// Acquire blocks until plot may be transferred. The returned release must be
// called exactly once. A nil *Permits grants everything.
func (p *Permits) Acquire(ctx context.Context, plot Plot) (func(), error) {
	if p == nil {
		return func() {}, nil
	}

	// Source before global, in every caller, so holders never wait on each other in a cycle.
	var held []*semaphore.Weighted
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Release(1)
		}
	}
	for _, sem := range []*semaphore.Weighted{p.sourceSem(plot.SourceDir), p.global} {
		if sem == nil {
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			release()
			return nil, err
		}
		held = append(held, sem)
	}

	var once sync.Once
	return func() { once.Do(release) }, nil
}

func (p *Permits) sourceSem(dir string) *semaphore.Weighted {
	if !p.perSource {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	sem, ok := p.sources[dir]
	if !ok {
		sem = semaphore.NewWeighted(1)
		p.sources[dir] = sem
	}
	return sem
}
