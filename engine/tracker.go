package engine

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/franksops/gplow/store"
)

// Tracker records transfer attempts and destination lifecycle in a store.
// Every method is a no-op on a nil *Tracker.
type Tracker struct {
	store store.Store
	now   func() time.Time
}

// NewTracker creates a tracker over s.
func NewTracker(s store.Store) *Tracker {
	return &Tracker{store: s, now: time.Now}
}

// StartTransfer records a transfer attempt as in progress and returns its ID.
func (t *Tracker) StartTransfer(plot Plot, dest, target string) (string, error) {
	id := uuid.NewString()
	if t == nil {
		return id, nil
	}
	return id, t.store.SaveTransfer(&store.TransferRecord{
		ID:          id,
		Plot:        plot.Path,
		SourceDir:   plot.SourceDir,
		Destination: dest,
		Target:      target,
		Size:        plot.Size,
		State:       store.StateInProgress,
		StartedAt:   t.now(),
	})
}

// FinishTransfer records the classified result of an attempt. A success also
// credits the destination with the plot's bytes.
func (t *Tracker) FinishTransfer(id string, outcome Outcome, res TransferResult) error {
	if t == nil {
		return nil
	}
	rec, err := t.store.GetTransfer(id)
	if err != nil {
		return err
	}
	rec.Outcome = outcome.String()
	rec.ExitCode = res.ExitCode
	rec.FinishedAt = t.now()
	rec.State = store.StateFailed
	if res.Err != nil {
		rec.Error = res.Err.Error()
	} else if res.Stderr != "" {
		rec.Error = res.Stderr
	}
	if outcome == OutcomeSuccess {
		rec.State = store.StateCompleted
		rec.Error = ""
	}
	if err := t.store.SaveTransfer(rec); err != nil {
		return err
	}
	if outcome != OutcomeSuccess {
		return nil
	}

	dest, err := t.destination(rec.Destination)
	if err != nil {
		return err
	}
	dest.Transfers++
	dest.Bytes += rec.Size
	dest.UpdatedAt = t.now()
	return t.store.SaveDestination(dest)
}

// AbortTransfer records an attempt that was interrupted before the tool
// reported a result.
func (t *Tracker) AbortTransfer(id string, reason string) error {
	if t == nil {
		return nil
	}
	rec, err := t.store.GetTransfer(id)
	if err != nil {
		return err
	}
	rec.State = store.StateAborted
	rec.Error = reason
	rec.FinishedAt = t.now()
	return t.store.SaveTransfer(rec)
}

// MarkDestination records a destination's lifecycle state, keeping its
// transfer counters.
func (t *Tracker) MarkDestination(id string, priority int, state store.DestinationState, reason string) error {
	if t == nil {
		return nil
	}
	rec, err := t.destination(id)
	if err != nil {
		return err
	}
	rec.Priority = priority
	rec.State = state
	rec.Reason = reason
	rec.UpdatedAt = t.now()
	return t.store.SaveDestination(rec)
}

func (t *Tracker) destination(id string) (*store.DestinationRecord, error) {
	rec, err := t.store.GetDestination(id)
	if errors.Is(err, store.ErrNotFound) {
		return &store.DestinationRecord{ID: id}, nil
	}
	return rec, err
}
