package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/franksops/gplow/remote"
)

// ErrNoMount is returned when a destination directory has no mount point on
// the remote host.
var ErrNoMount = errors.New("destination is not mounted")

// ReclaimPolicy controls deletion of old plots on a destination.
type ReclaimPolicy struct {
	// Enabled removes one eligible plot before every transfer.
	Enabled bool

	// RemoveAllAtStart removes every eligible plot before the first transfer.
	RemoveAllAtStart bool

	// Before is the cutoff: files last modified at or before it are eligible.
	Before time.Time

	// Pattern restricts candidates by file name, e.g. "*.plot".
	Pattern string
}

// Profile holds the remote facts and commands for one destination, resolved
// once when its worker starts.
type Profile struct {
	MountPath string

	exec   remote.Executor
	policy ReclaimPolicy
	logger *slog.Logger

	deleteCandidateCmd string
	freeSpaceCmd       string
	syncCmd            string
}

// ResolveProfile finds the physical mount for root/dir on the remote host and
// builds the reclaim, free-space and sync commands for it.
func ResolveProfile(ctx context.Context, exec remote.Executor, root, dir string, policy ReclaimPolicy, logger *slog.Logger) (*Profile, error) {
	if logger == nil {
		logger = slog.Default()
	}
	mountCmd := fmt.Sprintf("mount | grep -F %s | grep -w %s | awk '{print $3}'", remote.Quote(root), remote.Quote(dir))
	out, err := remote.Output(ctx, exec, mountCmd)
	if err != nil {
		return nil, fmt.Errorf("resolve mount for %s: %w", dir, err)
	}
	mountPath := firstLine(out)
	if mountPath == "" {
		return nil, fmt.Errorf("%s/%s: %w", root, dir, ErrNoMount)
	}
	logger.Debug("destination mount resolved", "mount", mountPath)
	return NewProfile(exec, mountPath, policy, logger), nil
}

// NewProfile builds a profile for an already known mount path.
func NewProfile(exec remote.Executor, mountPath string, policy ReclaimPolicy, logger *slog.Logger) *Profile {
	if logger == nil {
		logger = slog.Default()
	}
	pattern := policy.Pattern
	if pattern == "" {
		pattern = "*"
	}
	mount := remote.Quote(mountPath)
	return &Profile{
		MountPath: mountPath,
		exec:      exec,
		policy:    policy,
		logger:    logger,
		deleteCandidateCmd: fmt.Sprintf(
			"find %s -type f -name %s ! -newermt %s -printf '%%T@ %%p\\n' | sort -n | head -n1 | cut -d' ' -f2-",
			mount, remote.Quote(pattern), remote.Quote(policy.Before.Format("2006-01-02 15:04:05")),
		),
		freeSpaceCmd: fmt.Sprintf("df -Pk %s | awk 'NR==2{print $4}'", mount),
		syncCmd:      "sync -f " + mount,
	}
}

// FreeSpace returns the bytes available on the destination mount.
func (p *Profile) FreeSpace(ctx context.Context) (int64, error) {
	out, err := remote.Output(ctx, p.exec, p.freeSpaceCmd)
	if err != nil {
		return 0, fmt.Errorf("query free space: %w", err)
	}
	kib, err := strconv.ParseInt(firstLine(out), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse free space %q: %w", out, err)
	}
	return kib * 1024, nil
}

// Sync flushes the destination filesystem so free space reflects deletions.
func (p *Profile) Sync(ctx context.Context) error {
	p.logger.Debug("syncing destination", "mount", p.MountPath)
	if _, err := remote.Output(ctx, p.exec, p.syncCmd); err != nil {
		return fmt.Errorf("sync %s: %w", p.MountPath, err)
	}
	return nil
}

// ReclaimNext deletes the single oldest eligible plot, then syncs. It reports
// whether a file was removed.
func (p *Profile) ReclaimNext(ctx context.Context) (bool, error) {
	candidate, err := p.deleteCandidate(ctx)
	if err != nil || candidate == "" {
		return false, err
	}
	if err := p.remove(ctx, candidate); err != nil {
		return false, err
	}
	return true, p.Sync(ctx)
}

// ReclaimAll deletes every eligible plot and syncs once at the end. When
// nothing was eligible no sync is issued. It returns the number removed.
func (p *Profile) ReclaimAll(ctx context.Context) (int, error) {
	removed := 0
	for {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		candidate, err := p.deleteCandidate(ctx)
		if err != nil {
			return removed, err
		}
		if candidate == "" {
			break
		}
		if err := p.remove(ctx, candidate); err != nil {
			return removed, err
		}
		removed++
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, p.Sync(ctx)
}

func (p *Profile) deleteCandidate(ctx context.Context) (string, error) {
	out, err := remote.Output(ctx, p.exec, p.deleteCandidateCmd)
	if err != nil {
		return "", fmt.Errorf("find reclaim candidate: %w", err)
	}
	candidate := firstLine(out)
	if candidate != "" && !strings.HasPrefix(path.Clean(candidate), path.Clean(p.MountPath)+"/") {
		return "", fmt.Errorf("reclaim candidate %q is outside %s", candidate, p.MountPath)
	}
	return candidate, nil
}

func (p *Profile) remove(ctx context.Context, file string) error {
	p.logger.Info("removing old plot", "file", file)
	if _, err := remote.Output(ctx, p.exec, "rm -- "+remote.Quote(file)); err != nil {
		return fmt.Errorf("remove %s: %w", file, err)
	}
	return nil
}

// Commands exposes the resolved shell commands, mainly for diagnostics.
func (p *Profile) Commands() (deleteCandidate, freeSpace, sync string) {
	return p.deleteCandidateCmd, p.freeSpaceCmd, p.syncCmd
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
