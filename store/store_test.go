package store

import (
	"path/filepath"
	"testing"
	"time"
)

func TestBoltStore_SaveAndGetTransfer(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "test.db")

	store, err := NewBoltStore(dbPath)
	if err != nil {
		t.Fatalf("Failed to create BoltStore: %v", err)
	}
	defer store.Close()

	rec := &TransferRecord{
		ID:          "xfer-123",
		Plot:        "/plots/a.plot",
		Destination: "d01",
		Size:        1024,
		State:       StateInProgress,
		StartedAt:   time.Now(),
	}

	if err := store.SaveTransfer(rec); err != nil {
		t.Fatalf("Failed to save transfer: %v", err)
	}

	got, err := store.GetTransfer("xfer-123")
	if err != nil {
		t.Fatalf("Failed to get transfer: %v", err)
	}
	if got.Plot != rec.Plot || got.State != StateInProgress {
		t.Errorf("Unexpected transfer %+v", got)
	}

	// Update state
	rec.State = StateCompleted
	rec.Outcome = "success"
	rec.FinishedAt = time.Now()
	if err := store.SaveTransfer(rec); err != nil {
		t.Fatalf("Failed to update transfer: %v", err)
	}

	got, err = store.GetTransfer("xfer-123")
	if err != nil {
		t.Fatalf("Failed to get updated transfer: %v", err)
	}
	if got.State != StateCompleted {
		t.Errorf("Expected updated state %s, got %s", StateCompleted, got.State)
	}
	if got.Outcome != "success" {
		t.Errorf("Expected outcome success, got %q", got.Outcome)
	}

	if _, err := store.GetTransfer("non-existent"); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestBoltStore_ListTransfersNewestFirst(t *testing.T) {
	store, err := NewBoltStore(filepath.Join(t.TempDir(), "list.db"))
	if err != nil {
		t.Fatalf("Failed to create BoltStore: %v", err)
	}
	defer store.Close()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		rec := &TransferRecord{ID: id, StartedAt: base.Add(time.Duration(i) * time.Hour)}
		if err := store.SaveTransfer(rec); err != nil {
			t.Fatalf("Failed to save %s: %v", id, err)
		}
	}

	all, err := store.ListTransfers(0)
	if err != nil {
		t.Fatalf("ListTransfers failed: %v", err)
	}
	if len(all) != 3 || all[0].ID != "c" || all[2].ID != "a" {
		t.Errorf("Unexpected order: %v, %v, %v", all[0].ID, all[1].ID, all[2].ID)
	}

	limited, err := store.ListTransfers(2)
	if err != nil {
		t.Fatalf("ListTransfers failed: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("Expected 2 transfers, got %d", len(limited))
	}
}

func TestBoltStore_Destinations(t *testing.T) {
	store, err := NewBoltStore(filepath.Join(t.TempDir(), "dest.db"))
	if err != nil {
		t.Fatalf("Failed to create BoltStore: %v", err)
	}
	defer store.Close()

	for _, rec := range []*DestinationRecord{
		{ID: "d02", Priority: 2, State: DestinationActive},
		{ID: "d01", Priority: 1, State: DestinationRetired, Reason: "destination full"},
	} {
		if err := store.SaveDestination(rec); err != nil {
			t.Fatalf("Failed to save destination: %v", err)
		}
	}

	list, err := store.ListDestinations()
	if err != nil {
		t.Fatalf("ListDestinations failed: %v", err)
	}
	if len(list) != 2 || list[0].ID != "d01" || list[1].ID != "d02" {
		t.Fatalf("Unexpected destinations: %+v", list)
	}

	got, err := store.GetDestination("d01")
	if err != nil {
		t.Fatalf("GetDestination failed: %v", err)
	}
	if got.State != DestinationRetired || got.Reason != "destination full" {
		t.Errorf("Unexpected destination %+v", got)
	}
}

func TestBoltStore_Close(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := filepath.Join(tempDir, "test_close.db")

	store, err := NewBoltStore(dbPath)
	if err != nil {
		t.Fatalf("Failed to create BoltStore: %v", err)
	}

	err = store.Close()
	if err != nil {
		t.Errorf("Failed to close BoltStore: %v", err)
	}

	// Try to get a record on closed store
	_, err = store.GetTransfer("xfer-123")
	if err == nil {
		t.Error("Expected error when accessing closed store, got nil")
	}
}
