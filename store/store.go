package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

var (
	// ErrNotFound is returned when a record is not in the store.
	ErrNotFound = errors.New("record not found")
)

var (
	transfersBucket    = []byte("transfers")
	destinationsBucket = []byte("destinations")
)

// TransferState represents the current state of a transfer attempt.
type TransferState string

const (
	StateInProgress TransferState = "InProgress"
	StateCompleted  TransferState = "Completed"
	StateFailed     TransferState = "Failed"
	StateAborted    TransferState = "Aborted"
)

// DestinationState is the lifecycle state of a destination.
type DestinationState string

const (
	DestinationActive  DestinationState = "Active"
	DestinationRetired DestinationState = "Retired"
	DestinationStopped DestinationState = "Stopped"
)

// TransferRecord is one attempt to move a plot to a destination.
type TransferRecord struct {
	ID          string        `json:"id"`
	Plot        string        `json:"plot"`
	SourceDir   string        `json:"source_dir"`
	Destination string        `json:"destination"`
	Target      string        `json:"target"`
	Size        int64         `json:"size"`
	State       TransferState `json:"state"`
	Outcome     string        `json:"outcome,omitempty"`
	ExitCode    int           `json:"exit_code"`
	Error       string        `json:"error,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at,omitempty"`
}

// DestinationRecord is the last known lifecycle state of a destination.
type DestinationRecord struct {
	ID        string           `json:"id"`
	Priority  int              `json:"priority"`
	State     DestinationState `json:"state"`
	Reason    string           `json:"reason,omitempty"`
	Transfers int              `json:"transfers"`
	Bytes     int64            `json:"bytes"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Store is the durable ledger of transfers and destination states.
type Store interface {
	SaveTransfer(rec *TransferRecord) error
	GetTransfer(id string) (*TransferRecord, error)
	ListTransfers(limit int) ([]*TransferRecord, error)
	SaveDestination(rec *DestinationRecord) error
	GetDestination(id string) (*DestinationRecord, error)
	ListDestinations() ([]*DestinationRecord, error)
	Close() error
}

// BoltStore is a Store implementation backed by bbolt.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore creates a new BoltStore at the given path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{transfersBucket, destinationsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

// SaveTransfer inserts or replaces a transfer record.
func (s *BoltStore) SaveTransfer(rec *TransferRecord) error {
	return s.put(transfersBucket, rec.ID, rec)
}

// GetTransfer retrieves a transfer record by ID.
func (s *BoltStore) GetTransfer(id string) (*TransferRecord, error) {
	var rec TransferRecord
	if err := s.get(transfersBucket, id, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListTransfers returns the most recent transfers first. A limit of zero or
// less returns every record.
func (s *BoltStore) ListTransfers(limit int) ([]*TransferRecord, error) {
	var out []*TransferRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(transfersBucket).ForEach(func(_, v []byte) error {
			var rec TransferRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal transfer: %w", err)
			}
			out = append(out, &rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SaveDestination inserts or replaces a destination record.
func (s *BoltStore) SaveDestination(rec *DestinationRecord) error {
	return s.put(destinationsBucket, rec.ID, rec)
}

// GetDestination retrieves a destination record by ID.
func (s *BoltStore) GetDestination(id string) (*DestinationRecord, error) {
	var rec DestinationRecord
	if err := s.get(destinationsBucket, id, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListDestinations returns every destination ordered by priority.
func (s *BoltStore) ListDestinations() ([]*DestinationRecord, error) {
	var out []*DestinationRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(destinationsBucket).ForEach(func(_, v []byte) error {
			var rec DestinationRecord
			if err := json.Unmarshal(bytes.Clone(v), &rec); err != nil {
				return fmt.Errorf("failed to unmarshal destination: %w", err)
			}
			out = append(out, &rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *BoltStore) put(bucket []byte, key string, v any) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}
		if err := tx.Bucket(bucket).Put([]byte(key), data); err != nil {
			return fmt.Errorf("failed to put record: %w", err)
		}
		return nil
	})
}

func (s *BoltStore) get(bucket []byte, key string, v any) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(data, v); err != nil {
			return fmt.Errorf("failed to unmarshal record: %w", err)
		}
		return nil
	})
}

// Close closes the underlying store.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
