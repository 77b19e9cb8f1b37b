package storage

import (
	"errors"
	"testing"
)

func TestAppendAndListOutboxEntries(t *testing.T) {
	store := newTestStore(t)

	entries := []OutboxEntry{
		{QueueID: "q-1", Payload: []byte(`{"body":"first"}`), EnqueuedAt: 100},
		{QueueID: "q-2", Payload: []byte(`{"body":"second"}`), EnqueuedAt: 200},
		{QueueID: "q-3", Payload: []byte(`{"body":"third"}`), EnqueuedAt: 300},
	}
	// Insert out of order; listing must come back in enqueue order.
	for _, i := range []int{2, 0, 1} {
		if err := store.AppendOutboxEntry(entries[i]); err != nil {
			t.Fatalf("AppendOutboxEntry(%s) failed: %v", entries[i].QueueID, err)
		}
	}

	listed, err := store.ListOutboxEntries()
	if err != nil {
		t.Fatalf("ListOutboxEntries failed: %v", err)
	}
	if len(listed) != len(entries) {
		t.Fatalf("expected %d entries, got %d", len(entries), len(listed))
	}
	for i, want := range entries {
		if listed[i].QueueID != want.QueueID {
			t.Errorf("entry %d: expected queue ID %q, got %q", i, want.QueueID, listed[i].QueueID)
		}
		if string(listed[i].Payload) != string(want.Payload) {
			t.Errorf("entry %d: expected payload %q, got %q", i, want.Payload, listed[i].Payload)
		}
		if listed[i].EnqueuedAt != want.EnqueuedAt {
			t.Errorf("entry %d: expected enqueued_at %d, got %d", i, want.EnqueuedAt, listed[i].EnqueuedAt)
		}
	}
}

func TestAppendOutboxEntryValidation(t *testing.T) {
	store := newTestStore(t)

	if err := store.AppendOutboxEntry(OutboxEntry{Payload: []byte("x")}); err == nil {
		t.Error("expected error for missing queue ID")
	}
	if err := store.AppendOutboxEntry(OutboxEntry{QueueID: "q-1"}); err == nil {
		t.Error("expected error for missing payload")
	}
}

func TestAppendOutboxEntryDefaultsEnqueuedAt(t *testing.T) {
	store := newTestStore(t)

	if err := store.AppendOutboxEntry(OutboxEntry{QueueID: "q-1", Payload: []byte("x")}); err != nil {
		t.Fatalf("AppendOutboxEntry failed: %v", err)
	}

	listed, err := store.ListOutboxEntries()
	if err != nil {
		t.Fatalf("ListOutboxEntries failed: %v", err)
	}
	if len(listed) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(listed))
	}
	if listed[0].EnqueuedAt == 0 {
		t.Error("expected enqueued_at to be defaulted, got 0")
	}
}

func TestRemoveOutboxEntry(t *testing.T) {
	store := newTestStore(t)

	if err := store.AppendOutboxEntry(OutboxEntry{QueueID: "q-1", Payload: []byte("x"), EnqueuedAt: 1}); err != nil {
		t.Fatalf("AppendOutboxEntry failed: %v", err)
	}

	if err := store.RemoveOutboxEntry("q-1"); err != nil {
		t.Fatalf("RemoveOutboxEntry failed: %v", err)
	}

	listed, err := store.ListOutboxEntries()
	if err != nil {
		t.Fatalf("ListOutboxEntries failed: %v", err)
	}
	if len(listed) != 0 {
		t.Errorf("expected empty outbox, got %d entries", len(listed))
	}

	if err := store.RemoveOutboxEntry("q-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for removed entry, got %v", err)
	}
}

func TestPruneExpiredOutbox(t *testing.T) {
	store := newTestStore(t)

	for _, entry := range []OutboxEntry{
		{QueueID: "stale-1", Payload: []byte("a"), EnqueuedAt: 10},
		{QueueID: "stale-2", Payload: []byte("b"), EnqueuedAt: 20},
		{QueueID: "fresh", Payload: []byte("c"), EnqueuedAt: 500},
	} {
		if err := store.AppendOutboxEntry(entry); err != nil {
			t.Fatalf("AppendOutboxEntry(%s) failed: %v", entry.QueueID, err)
		}
	}

	expired, err := store.PruneExpiredOutbox(100)
	if err != nil {
		t.Fatalf("PruneExpiredOutbox failed: %v", err)
	}
	if len(expired) != 2 {
		t.Fatalf("expected 2 expired entries, got %d", len(expired))
	}
	if expired[0].QueueID != "stale-1" || expired[1].QueueID != "stale-2" {
		t.Errorf("unexpected expired entries: %q, %q", expired[0].QueueID, expired[1].QueueID)
	}

	remaining, err := store.ListOutboxEntries()
	if err != nil {
		t.Fatalf("ListOutboxEntries failed: %v", err)
	}
	if len(remaining) != 1 || remaining[0].QueueID != "fresh" {
		t.Errorf("expected only the fresh entry to remain, got %d entries", len(remaining))
	}
}

func TestOutboxSurvivesReopen(t *testing.T) {
	dbPath := t.TempDir() + "/reopen.db"

	store, err := OpenPath(dbPath)
	if err != nil {
		t.Fatalf("OpenPath failed: %v", err)
	}
	if err := store.AppendOutboxEntry(OutboxEntry{QueueID: "q-1", Payload: []byte("x"), EnqueuedAt: 1}); err != nil {
		t.Fatalf("AppendOutboxEntry failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := OpenPath(dbPath)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	listed, err := reopened.ListOutboxEntries()
	if err != nil {
		t.Fatalf("ListOutboxEntries failed: %v", err)
	}
	if len(listed) != 1 || listed[0].QueueID != "q-1" {
		t.Errorf("expected queued entry to survive reopen, got %d entries", len(listed))
	}
}
