package engine_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franksops/gplow/engine"
	"github.com/franksops/gplow/provider"
)

func writeFile(t *testing.T, path string, size int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
}

func takeWithin(t *testing.T, q *engine.PlotQueue, d time.Duration) engine.Plot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	p, err := q.Take(ctx)
	require.NoError(t, err, "expected a plot to be queued")
	return p
}

func TestFeedEnumeratesThenWatches(t *testing.T) {
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "old.plot"), 10)
	writeFile(t, filepath.Join(src, "sub", "nested.plot"), 20)
	writeFile(t, filepath.Join(src, "partial.plot.tmp"), 5)

	missing := filepath.Join(t.TempDir(), "not-mounted")
	q := engine.NewPlotQueue()
	feed := engine.NewFeed([]string{missing, src}, q, provider.NewLocalProvider(""), nil)
	feed.Settle = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- feed.Run(ctx) }()

	existing := map[string]int64{}
	for i := 0; i < 2; i++ {
		p := takeWithin(t, q, 2*time.Second)
		existing[p.Path] = p.Size
	}
	assert.Equal(t, map[string]int64{
		filepath.Join(src, "old.plot"):           10,
		filepath.Join(src, "sub", "nested.plot"): 20,
	}, existing)

	// Plotters finish by renaming into place.
	tmp := filepath.Join(src, "fresh.plot.tmp")
	writeFile(t, tmp, 30)
	require.NoError(t, os.Rename(tmp, filepath.Join(src, "fresh.plot")))

	p := takeWithin(t, q, 2*time.Second)
	assert.Equal(t, filepath.Join(src, "fresh.plot"), p.Path)
	assert.Equal(t, int64(30), p.Size)
	assert.Equal(t, src, p.SourceDir)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("feed did not stop after cancel")
	}
	assert.Equal(t, 0, q.Len())
}

func TestFeedWaitsForWriterToFinish(t *testing.T) {
	src := t.TempDir()
	q := engine.NewPlotQueue()
	feed := engine.NewFeed([]string{src}, q, provider.NewLocalProvider(""), nil)
	feed.Settle = 100 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- feed.Run(ctx) }()
	// Let the watch start before the copy begins.
	time.Sleep(50 * time.Millisecond)

	path := filepath.Join(src, "copying.plot")
	f, err := os.Create(path)
	require.NoError(t, err)
	chunk := make([]byte, 4096)
	for i := 0; i < 20; i++ {
		_, err := f.Write(chunk)
		require.NoError(t, err)
		time.Sleep(25 * time.Millisecond)
		assert.Equal(t, 0, q.Len(), "plot queued while still being written")
	}
	require.NoError(t, f.Close())

	p := takeWithin(t, q, 2*time.Second)
	assert.Equal(t, path, p.Path)
	assert.Equal(t, int64(20*len(chunk)), p.Size)

	cancel()
	<-done
}

func TestFeedDropsArrivalThatMovesAway(t *testing.T) {
	src := t.TempDir()
	q := engine.NewPlotQueue()
	feed := engine.NewFeed([]string{src}, q, provider.NewLocalProvider(""), nil)
	feed.Settle = 100 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- feed.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)

	path := filepath.Join(src, "brief.plot")
	writeFile(t, path, 10)
	require.NoError(t, os.Rename(path, filepath.Join(t.TempDir(), "brief.plot")))

	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, 0, q.Len())

	cancel()
	<-done
}
