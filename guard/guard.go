// Package guard runs a plotter and pauses it while its output directory is
// short of space for another plot.
package guard

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"

	"github.com/franksops/gplow/provider"
)

// plotSizesGiB is the size of a finished plot by compression level.
var plotSizesGiB = map[int]float64{
	0: 101.3,
	1: 87.54,
	2: 86.03,
	3: 84.46,
	4: 82.86,
	5: 81.26,
	6: 79.65,
	7: 78.05,
	9: 75.2,
}

const uncompressedGiB = 101.3

// MinFreeBytes is the space needed before another plot may start: the plot
// size for the compression level plus 1 GiB, unless overrideGiB is set.
func MinFreeBytes(compressLevel int, overrideGiB float64) uint64 {
	if overrideGiB > 0 {
		return uint64(overrideGiB * (1 << 30))
	}
	size, ok := plotSizesGiB[compressLevel]
	if !ok {
		size = uncompressedGiB
	}
	return uint64((size + 1) * (1 << 30))
}

// Guard runs the plotter command and watches its output.
type Guard struct {
	Cmd  string
	Args []string

	// Dest is the directory whose free space is checked.
	Dest    string
	MinFree uint64
	Poll    time.Duration

	// Trigger is the output fragment announcing the start of a new plot.
	Trigger string

	Space  provider.SpaceProvider
	Output io.Writer
	Logger *slog.Logger

	signal func(pid int, sig unix.Signal) error
}

// Run starts the plotter and returns when it exits or ctx is cancelled.
func (g *Guard) Run(ctx context.Context) error {
	if g.Logger == nil {
		g.Logger = slog.Default()
	}
	if g.Output == nil {
		g.Output = os.Stdout
	}
	if g.Space == nil {
		g.Space = provider.NewLocalProvider("")
	}
	if g.signal == nil {
		g.signal = unix.Kill
	}

	cmd := exec.CommandContext(ctx, g.Cmd, g.Args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("plotter output: %w", err)
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start plotter: %w", err)
	}
	pid := cmd.Process.Pid
	g.Logger.Info("plotter started", "pid", pid, "dest", g.Dest, "min_free", humanize.IBytes(g.MinFree))

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		fmt.Fprintln(g.Output, line)
		if g.Trigger != "" && strings.Contains(line, g.Trigger) {
			g.holdForSpace(ctx, pid)
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		g.Logger.Warn("reading plotter output failed", "error", err)
	}

	err = cmd.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		return fmt.Errorf("plotter exited: %w", err)
	}
	g.Logger.Info("plotter finished")
	return nil
}

// holdForSpace pauses the plotter while free space is below the minimum and
// resumes it once enough is available.
func (g *Guard) holdForSpace(ctx context.Context, pid int) {
	paused := false
	for {
		free, err := g.Space.FreeSpace(ctx, g.Dest)
		switch {
		case err != nil:
			g.Logger.Warn("free space check failed", "dest", g.Dest, "error", err)
			if !paused {
				return
			}
		case free < g.MinFree && !paused:
			g.Logger.Warn("pausing plotter, low disk space",
				"free", humanize.IBytes(free), "min", humanize.IBytes(g.MinFree))
			if err := g.signal(pid, unix.SIGSTOP); err != nil {
				g.Logger.Error("failed to pause plotter", "error", err)
				return
			}
			paused = true
		case free >= g.MinFree && paused:
			g.Logger.Info("resuming plotter, sufficient disk space",
				"free", humanize.IBytes(free), "min", humanize.IBytes(g.MinFree))
			g.resume(pid)
			return
		case !paused:
			return
		}

		t := time.NewTimer(g.Poll)
		select {
		case <-ctx.Done():
			t.Stop()
			if paused {
				g.resume(pid)
			}
			return
		case <-t.C:
		}
	}
}

func (g *Guard) resume(pid int) {
	if err := g.signal(pid, unix.SIGCONT); err != nil {
		g.Logger.Error("failed to resume plotter", "error", err)
	}
}
