package engine

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"
)

// TransferResult is what the transfer tool reported for one plot.
type TransferResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration

	// Err is set when the tool could not be started or was killed.
	Err error
}

// Transferer copies a plot to a destination target.
type Transferer interface {
	Transfer(ctx context.Context, plot Plot, target string) TransferResult
}

// CommandTransferer runs an external tool such as rsync. The command line is
// Cmd followed by Flags; "{src}" and "{dst}" placeholders are substituted,
// and when neither appears the source and target are appended.
type CommandTransferer struct {
	Cmd   string
	Flags string
}

// Args returns the argv for transferring src to dst.
func (t CommandTransferer) Args(src, dst string) []string {
	fields := append(strings.Fields(t.Cmd), strings.Fields(t.Flags)...)
	templated := false
	args := make([]string, 0, len(fields)+2)
	for _, f := range fields {
		if strings.Contains(f, "{src}") || strings.Contains(f, "{dst}") {
			templated = true
			f = strings.ReplaceAll(f, "{src}", src)
			f = strings.ReplaceAll(f, "{dst}", dst)
		}
		args = append(args, f)
	}
	if !templated {
		args = append(args, src, dst)
	}
	return args
}

// Transfer runs the tool and waits for it to exit.
func (t CommandTransferer) Transfer(ctx context.Context, plot Plot, target string) TransferResult {
	if strings.TrimSpace(t.Cmd) == "" {
		return TransferResult{ExitCode: -1, Err: errors.New("transfer command is empty")}
	}
	args := t.Args(plot.Path, target)

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := TransferResult{
		Stdout:   strings.TrimSpace(stdout.String()),
		Stderr:   strings.TrimSpace(stderr.String()),
		Duration: time.Since(start),
	}
	if err == nil {
		return res
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
		res.ExitCode = exitErr.ExitCode()
		return res
	}
	res.ExitCode = -1
	res.Err = err
	return res
}
