package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/franksops/gplow/engine"
)

func TestCrew_RunsEveryTask(t *testing.T) {
	crew := engine.NewCrew(context.Background(), 0)

	var mu sync.Mutex
	var ran []string
	for _, name := range []string{"d01", "d02", "d03"} {
		name := name
		crew.Start(name, func(ctx context.Context) error {
			mu.Lock()
			ran = append(ran, name)
			mu.Unlock()
			return nil
		})
	}

	if err := crew.Wait(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(ran) != 3 {
		t.Errorf("Expected 3 tasks to run, got %d", len(ran))
	}
	if n := crew.Remaining(); n != 0 {
		t.Errorf("Expected no remaining tasks, got %d", n)
	}
}

func TestCrew_TracksRunningTasks(t *testing.T) {
	crew := engine.NewCrew(context.Background(), 0)

	release := make(chan struct{})
	crew.Start("slow", func(ctx context.Context) error {
		<-release
		return nil
	})
	crew.Start("fast", func(ctx context.Context) error { return nil })

	deadline := time.Now().Add(time.Second)
	for crew.Remaining() != 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := crew.Running(); len(got) != 1 || got[0] != "slow" {
		t.Fatalf("Expected only slow to be running, got %v", got)
	}

	close(release)
	if err := crew.Wait(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
}

func TestCrew_StopCancelsTasks(t *testing.T) {
	crew := engine.NewCrew(context.Background(), 0)
	for _, name := range []string{"a", "b"} {
		crew.Start(name, func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})
	}

	// Cancellation is not reported as a failure.
	if err := crew.Stop(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if crew.Start("late", func(context.Context) error { return nil }) {
		t.Error("Expected Start to refuse after Stop")
	}
}

func TestCrew_CollectsErrors(t *testing.T) {
	crew := engine.NewCrew(context.Background(), 0)
	boom := errors.New("boom")
	crew.Start("bad", func(context.Context) error { return boom })
	crew.Start("good", func(context.Context) error { return nil })

	err := crew.Wait()
	if !errors.Is(err, boom) {
		t.Errorf("Expected boom, got %v", err)
	}
}

func TestCrew_StaggersStarts(t *testing.T) {
	crew := engine.NewCrew(context.Background(), 20*time.Millisecond)

	start := time.Now()
	for _, name := range []string{"a", "b", "c"} {
		crew.Start(name, func(context.Context) error { return nil })
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("Expected starts to be staggered, took %v", elapsed)
	}
	_ = crew.Wait()
}

func TestCrew_ReportsExitsWithRemainingTasks(t *testing.T) {
	crew := engine.NewCrew(context.Background(), 0)

	var mu sync.Mutex
	exits := map[string][]string{}
	crew.OnExit = func(name string, running []string) {
		mu.Lock()
		exits[name] = running
		mu.Unlock()
	}

	release := make(chan struct{})
	crew.Start("slow", func(ctx context.Context) error {
		<-release
		return nil
	})
	crew.Start("fast", func(ctx context.Context) error { return nil })

	fastExited := func() bool {
		mu.Lock()
		defer mu.Unlock()
		_, ok := exits["fast"]
		return ok
	}
	deadline := time.Now().Add(time.Second)
	for !fastExited() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	close(release)
	if err := crew.Wait(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if got := exits["fast"]; len(got) != 1 || got[0] != "slow" {
		t.Errorf("Expected slow still running when fast exited, got %v", got)
	}
	if got, ok := exits["slow"]; !ok || len(got) != 0 {
		t.Errorf("Expected nothing running when slow exited, got %v (reported %v)", got, ok)
	}
}
