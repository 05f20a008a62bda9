package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franksops/gplow/engine"
)

func TestPlotQueueFIFO(t *testing.T) {
	q := engine.NewPlotQueue()
	q.Put(engine.Plot{Path: "/p/a.plot"})
	q.Put(engine.Plot{Path: "/p/b.plot"})

	ctx := context.Background()
	first, err := q.Take(ctx)
	require.NoError(t, err)
	assert.Equal(t, "/p/a.plot", first.Path)

	// A deferred plot goes to the tail.
	q.Put(first)
	next, err := q.Take(ctx)
	require.NoError(t, err)
	assert.Equal(t, "/p/b.plot", next.Path)
	assert.Equal(t, 1, q.Len())
}

func TestPlotQueueTakeBlocksUntilPut(t *testing.T) {
	q := engine.NewPlotQueue()
	got := make(chan engine.Plot, 1)
	go func() {
		p, err := q.Take(context.Background())
		if err == nil {
			got <- p
		}
	}()

	select {
	case <-got:
		t.Fatal("Take returned before anything was queued")
	case <-time.After(20 * time.Millisecond):
	}

	q.Put(engine.Plot{Path: "/p/late.plot"})
	select {
	case p := <-got:
		assert.Equal(t, "/p/late.plot", p.Path)
	case <-time.After(time.Second):
		t.Fatal("Take did not wake up")
	}
}

func TestPlotQueueTakeHonoursCancel(t *testing.T) {
	q := engine.NewPlotQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := q.Take(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPlotQueueConcurrentProducersConsumers(t *testing.T) {
	q := engine.NewPlotQueue()
	const producers, perProducer = 4, 100

	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perProducer; j++ {
				q.Put(engine.Plot{Path: "x.plot"})
			}
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var mu sync.Mutex
	taken := 0
	var consumers sync.WaitGroup
	for i := 0; i < 3; i++ {
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			for {
				mu.Lock()
				if taken == producers*perProducer {
					mu.Unlock()
					return
				}
				mu.Unlock()
				takeCtx, takeCancel := context.WithTimeout(ctx, 50*time.Millisecond)
				_, err := q.Take(takeCtx)
				takeCancel()
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					continue
				}
				mu.Lock()
				taken++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	consumers.Wait()
	assert.Equal(t, producers*perProducer, taken)
	assert.Equal(t, 0, q.Len())
}
