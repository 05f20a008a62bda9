package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/franksops/gplow/remote"
)

// fakeMount is the state of one destination filesystem on a fakeHost.
type fakeMount struct {
	free    int64
	old     []string // eligible reclaim candidates, oldest first
	deleted []string
	syncs   int
}

// fakeHost answers the shell commands a destination worker issues, for any
// number of mounts on one host.
type fakeHost struct {
	mu       sync.Mutex
	mounts   map[string]*fakeMount
	commands []string
	failOn   string
	closes   int
}

func newFakeHost() *fakeHost {
	return &fakeHost{mounts: make(map[string]*fakeMount)}
}

func (h *fakeHost) mount(path string, free int64, old ...string) *fakeMount {
	h.mu.Lock()
	defer h.mu.Unlock()
	m := &fakeMount{free: free, old: old}
	h.mounts[path] = m
	return m
}

func (h *fakeHost) dial(context.Context) (remote.Executor, error) { return h, nil }

func ok(out string) (remote.Result, error) {
	return remote.Result{Stdout: []byte(out)}, nil
}

func (h *fakeHost) Run(ctx context.Context, command string) (remote.Result, error) {
	if err := ctx.Err(); err != nil {
		return remote.Result{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.commands = append(h.commands, command)
	if h.failOn != "" && strings.Contains(command, h.failOn) {
		return remote.Result{ExitCode: 1, Stderr: []byte("boom")}, nil
	}

	fields := strings.Fields(command)
	switch fields[0] {
	case "mount":
		var paths []string
		for p := range h.mounts {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		for i, f := range fields {
			if f == "-w" {
				want := fields[i+1]
				for _, p := range paths {
					if strings.HasSuffix(p, "/"+want) {
						return ok(p + "\n")
					}
				}
				return ok("")
			}
		}
		return ok(strings.Join(paths, "\n") + "\n")
	case "find":
		m := h.mounts[fields[1]]
		if len(m.old) == 0 {
			return ok("")
		}
		return ok(m.old[0] + "\n")
	case "rm":
		file := strings.Trim(fields[2], "'")
		for p, m := range h.mounts {
			if strings.HasPrefix(file, p+"/") && len(m.old) > 0 && m.old[0] == file {
				m.old = m.old[1:]
				m.deleted = append(m.deleted, file)
			}
		}
		return ok("")
	case "df":
		return ok(strconv.FormatInt(h.mounts[fields[2]].free/1024, 10) + "\n")
	case "sync":
		h.mounts[fields[2]].syncs++
		return ok("")
	}
	return remote.Result{ExitCode: 127, Stderr: []byte("unknown command")}, nil
}

func (h *fakeHost) Close() error {
	h.mu.Lock()
	h.closes++
	h.mu.Unlock()
	return nil
}

func (h *fakeHost) snapshot(path string) fakeMount {
	h.mu.Lock()
	defer h.mu.Unlock()
	m := *h.mounts[path]
	m.deleted = append([]string(nil), m.deleted...)
	return m
}

func (h *fakeHost) history() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.commands...)
}

// fakeTransferer returns scripted exit codes per target and, on success,
// takes the plot's size off the matching mount.
type fakeTransferer struct {
	mu     sync.Mutex
	codes  map[string][]int
	calls  []transferCall
	host   *fakeHost
	mounts map[string]string // target -> mount path
	panics int

	// after runs once the tool has finished, before the result is returned.
	after func()
}

type transferCall struct {
	Plot   string
	Target string
}

func newFakeTransferer() *fakeTransferer {
	return &fakeTransferer{codes: make(map[string][]int), mounts: make(map[string]string)}
}

func (f *fakeTransferer) Transfer(ctx context.Context, plot Plot, target string) TransferResult {
	f.mu.Lock()
	if f.panics > 0 {
		f.panics--
		f.mu.Unlock()
		panic("transfer tool exploded")
	}
	f.calls = append(f.calls, transferCall{Plot: plot.Path, Target: target})
	code := 0
	if seq := f.codes[target]; len(seq) > 0 {
		code = seq[0]
		f.codes[target] = seq[1:]
	}
	mount := f.mounts[target]
	f.mu.Unlock()

	if code == 0 && f.host != nil && mount != "" {
		f.host.mu.Lock()
		f.host.mounts[mount].free -= plot.Size
		f.host.mu.Unlock()
	}
	if f.after != nil {
		f.after()
	}
	res := TransferResult{ExitCode: code, Duration: time.Millisecond}
	if code != 0 {
		res.Stderr = fmt.Sprintf("exit %d", code)
	}
	return res
}

func (f *fakeTransferer) transfers() []transferCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transferCall(nil), f.calls...)
}

// fakeFarm counts membership changes. The first failLeaves calls to Leave
// fail.
type fakeFarm struct {
	mu         sync.Mutex
	leaves     int
	rejoins    int
	failLeaves int
}

func (f *fakeFarm) Leave(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failLeaves > 0 {
		f.failLeaves--
		return errors.New("harvester unavailable")
	}
	f.leaves++
	return nil
}

func (f *fakeFarm) Rejoin(context.Context) error {
	f.mu.Lock()
	f.rejoins++
	f.mu.Unlock()
	return nil
}

func (f *fakeFarm) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leaves, f.rejoins
}

// harness wires workers against one fake host with fast timings.
type harness struct {
	queue *PlotQueue
	sched *Scheduler
	board *Board
	host  *fakeHost
	xfer  *fakeTransferer
}

const testRoot = "/mnt/farm"

func newHarness() *harness {
	queue := NewPlotQueue()
	sched := NewScheduler()
	host := newFakeHost()
	xfer := newFakeTransferer()
	xfer.host = host
	return &harness{queue: queue, sched: sched, board: NewBoard(queue, sched), host: host, xfer: xfer}
}

// destination registers a mount and a scheduler entry for id.
func (h *harness) destination(id string, priority int, free int64, old ...string) {
	mount := testRoot + "/" + id
	h.host.mount(mount, free, old...)
	h.xfer.mounts[testTarget(id)] = mount
	h.sched.Add(id, priority)
	h.board.Register(id, priority)
}

func testTarget(id string) string {
	return "farmer:" + testRoot + "/" + id
}

func (h *harness) worker(id string, priority int, mutate ...func(*WorkerConfig, *WorkerDeps)) *Worker {
	cfg := WorkerConfig{
		ID:                id,
		Priority:          priority,
		Root:              testRoot,
		Target:            testTarget(id),
		FairnessDelay:     time.Millisecond,
		RetryBackoff:      30 * time.Millisecond,
		UnknownBackoff:    5 * time.Millisecond,
		PostTransferPause: 0,
		ReclaimSettle:     time.Millisecond,
		CleanupTimeout:    time.Second,
	}
	deps := WorkerDeps{
		Queue:      h.queue,
		Scheduler:  h.sched,
		Exec:       h.host,
		Transferer: h.xfer,
		Classifier: NewClassifier([]int{10}, []int{11, 23}),
		Board:      h.board,
	}
	for _, m := range mutate {
		m(&cfg, &deps)
	}
	return NewWorker(cfg, deps)
}

// start runs w in the background; the returned func cancels it and returns
// Run's result.
func start(t *testing.T, w *Worker) (done <-chan error, stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan error, 1)
	go func() { ch <- w.Run(ctx) }()
	t.Cleanup(cancel)
	return ch, func() error {
		cancel()
		select {
		case err := <-ch:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("worker did not stop")
			return nil
		}
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, time.Millisecond, msg)
}

func waitExit(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit")
		return nil
	}
}

const gib = int64(1) << 30
