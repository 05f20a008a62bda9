package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrCommandFailed matches any *CommandError via errors.Is.
var ErrCommandFailed = errors.New("remote command failed")

// Result is the outcome of one remote command.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Output returns stdout with surrounding whitespace removed.
func (r Result) Output() string {
	return strings.TrimSpace(string(r.Stdout))
}

// Executor runs shell commands on a remote host over one durable session.
//
// Run only returns an error when the command could not be delivered or its
// exit status could not be observed. A command that ran and exited non-zero
// is reported through Result.ExitCode with a nil error.
type Executor interface {
	Run(ctx context.Context, command string) (Result, error)
	Close() error
}

// Dialer opens a new Executor. Each destination worker dials its own session.
type Dialer func(ctx context.Context) (Executor, error)

// CommandError describes a remote command that exited non-zero.
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%q exited with %d: %s", e.Command, e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("%q exited with %d", e.Command, e.ExitCode)
}

func (e *CommandError) Is(target error) bool {
	return target == ErrCommandFailed
}

// Output runs command and returns its trimmed stdout. A non-zero exit is
// returned as a *CommandError.
func Output(ctx context.Context, exec Executor, command string) (string, error) {
	res, err := exec.Run(ctx, command)
	if err != nil {
		return "", fmt.Errorf("run %q: %w", command, err)
	}
	if res.ExitCode != 0 {
		return "", &CommandError{
			Command:  command,
			ExitCode: res.ExitCode,
			Stderr:   strings.TrimSpace(string(res.Stderr)),
		}
	}
	return res.Output(), nil
}

// Quote wraps s in single quotes for a POSIX shell.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("/._-+=:,@%", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
