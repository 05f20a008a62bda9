package engine_test

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franksops/gplow/engine"
)

func turn(t *testing.T, s *engine.Scheduler) string {
	t.Helper()
	id, ok := s.CurrentTurn()
	require.True(t, ok, "expected a destination to own the turn")
	return id
}

func TestSchedulerStartsInPriorityOrder(t *testing.T) {
	s := engine.NewScheduler()
	s.Add("d03", 3)
	s.Add("d01", 1)
	s.Add("d02", 2)

	assert.Equal(t, "d01", turn(t, s))
	assert.Equal(t, []string{"d01", "d02", "d03"}, s.Active())
}

func TestSchedulerRejoinGoesBehindWaitingDestinations(t *testing.T) {
	s := engine.NewScheduler()
	s.Add("d01", 1)
	s.Add("d02", 2)

	// d01 transfers P1 and rejoins before P2 arrives.
	assert.Equal(t, "d01", turn(t, s))
	require.True(t, s.EndTurn("d01"))
	assert.True(t, s.Rejoin("d01"))

	// P2 goes to d02, not d01 again.
	assert.Equal(t, "d02", turn(t, s))
	require.True(t, s.EndTurn("d02"))
	s.Rejoin("d02")

	assert.Equal(t, "d01", turn(t, s))
}

func TestSchedulerFairRotation(t *testing.T) {
	const n = 4
	s := engine.NewScheduler()
	for i := 1; i <= n; i++ {
		s.Add(fmt.Sprintf("d%02d", i), i)
	}

	var order []string
	for i := 0; i < n*5; i++ {
		id := turn(t, s)
		require.True(t, s.EndTurn(id))
		order = append(order, id)
		require.True(t, s.Rejoin(id))
	}

	// Every window of n consecutive turns contains each destination once.
	for start := 0; start+n <= len(order); start += n {
		seen := map[string]bool{}
		for _, id := range order[start : start+n] {
			assert.False(t, seen[id], "destination %s took two turns in one cycle: %v", id, order)
			seen[id] = true
		}
		assert.Len(t, seen, n)
	}
	assert.Equal(t, []string{"d01", "d02", "d03", "d04"}, order[:n])
}

// rotate ends and rejoins the current turn n times and returns the order.
func rotate(t *testing.T, s *engine.Scheduler, n int) []string {
	t.Helper()
	var order []string
	for i := 0; i < n; i++ {
		id := turn(t, s)
		require.True(t, s.EndTurn(id))
		require.True(t, s.Rejoin(id))
		order = append(order, id)
	}
	return order
}

func TestSchedulerRejoinDuringAnotherTurnKeepsHolderTurn(t *testing.T) {
	s := engine.NewScheduler()
	s.Add("d01", 1)
	s.Add("d02", 2)
	s.Add("d03", 3)

	// d02 takes a turn and backs off; d01 and d03 keep rotating.
	assert.Equal(t, []string{"d01"}, rotate(t, s, 1))
	require.Equal(t, "d02", turn(t, s))
	require.True(t, s.EndTurn("d02"))
	assert.Equal(t, []string{"d03", "d01", "d03", "d01"}, rotate(t, s, 4))

	// d03 sees its turn and starts reclaiming; meanwhile d02 returns.
	require.Equal(t, "d03", turn(t, s))
	require.True(t, s.Rejoin("d02"))

	// d03 ends its own turn, not d02's.
	require.True(t, s.EndTurn("d03"))
	require.True(t, s.Rejoin("d03"))

	// d02 goes next, finishing the cycle it rejoined into, and d03 does not
	// get two turns in a row.
	assert.Equal(t, []string{"d02", "d01", "d02", "d03"}, rotate(t, s, 4))
}

func TestSchedulerEndTurnWithoutEntry(t *testing.T) {
	s := engine.NewScheduler()
	s.Add("d01", 1)
	assert.False(t, s.EndTurn("d02"))
	require.True(t, s.EndTurn("d01"))
	assert.False(t, s.EndTurn("d01"))
}

func TestSchedulerRetireIsPermanent(t *testing.T) {
	s := engine.NewScheduler()
	s.Add("d01", 1)
	s.Add("d02", 2)

	// Retiring the current owner without ending its turn must unblock the rotation.
	s.Retire("d01")
	assert.Equal(t, "d02", turn(t, s))
	assert.False(t, s.IsActive("d01"))

	assert.False(t, s.Rejoin("d01"))
	assert.Equal(t, []string{"d02", "d02", "d02"}, rotate(t, s, 3))
	assert.Equal(t, []string{"d02"}, s.Active())
}

func TestSchedulerRejoinWhileQueuedIsNoop(t *testing.T) {
	s := engine.NewScheduler()
	s.Add("d01", 1)
	assert.False(t, s.Rejoin("d01"))

	assert.True(t, s.EndTurn("d01"))
	_, ok := s.CurrentTurn()
	assert.False(t, ok)
	assert.False(t, s.EndTurn("d01"))
}

func TestSchedulerConcurrentAccess(t *testing.T) {
	const workers, target = 8, 400
	s := engine.NewScheduler()
	for i := 1; i <= workers; i++ {
		s.Add(fmt.Sprintf("d%02d", i), i)
	}

	var total atomic.Int64
	counts := make([]int, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(idx int, self string) {
			defer wg.Done()
			for total.Load() < target {
				if id, ok := s.CurrentTurn(); ok && id == self {
					assert.True(t, s.EndTurn(self))
					counts[idx]++
					total.Add(1)
					s.Rejoin(self)
				} else {
					runtime.Gosched()
				}
			}
		}(i, fmt.Sprintf("d%02d", i+1))
	}
	wg.Wait()

	for i, c := range counts {
		assert.InDelta(t, target/workers, c, 2, "destination %d took %d turns", i+1, c)
	}
	assert.Len(t, s.Active(), workers)
}

func TestSchedulerRecentIsBounded(t *testing.T) {
	s := engine.NewScheduler()
	s.Add("d01", 1)
	s.Add("d02", 2)
	assert.Empty(t, s.Recent())

	rotate(t, s, 40)
	recent := s.Recent()
	require.Len(t, recent, 32)
	assert.Equal(t, "d01", recent[0])
	assert.Equal(t, "d02", recent[31])
}
