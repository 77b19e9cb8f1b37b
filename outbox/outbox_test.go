package outbox

import (
	"errors"
	"path/filepath"
	"testing"

	"medichat/storage"
	"medichat/transport"
)

type failingStorage struct {
	appendErr error
}

func (f *failingStorage) Append(Entry) error    { return f.appendErr }
func (f *failingStorage) List() ([]Entry, error) { return nil, nil }
func (f *failingStorage) Remove(string) error   { return nil }

func textPayload(body string) transport.OutgoingMessage {
	return transport.OutgoingMessage{
		CorrelationID:  "local-" + body,
		ConversationID: "conv-1",
		Kind:           "text",
		Body:           body,
	}
}

func TestFlushEmitsInEnqueueOrder(t *testing.T) {
	ob, err := New(NewMemoryStorage())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ob.Enqueue(textPayload("first"))
	ob.Enqueue(textPayload("second"))
	ob.Enqueue(textPayload("third"))

	var emitted []string
	err = ob.Flush(func(msg transport.OutgoingMessage) error {
		emitted = append(emitted, msg.Body)
		return nil
	})
	if err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	want := []string{"first", "second", "third"}
	if len(emitted) != len(want) {
		t.Fatalf("expected %d emits, got %d", len(want), len(emitted))
	}
	for i, body := range want {
		if emitted[i] != body {
			t.Errorf("emit %d: expected %q, got %q", i, body, emitted[i])
		}
	}
	if ob.Len() != 0 {
		t.Errorf("expected empty queue after flush, got %d entries", ob.Len())
	}
}

func TestFlushStopsAtFirstFailure(t *testing.T) {
	ob, err := New(NewMemoryStorage())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ob.Enqueue(textPayload("first"))
	ob.Enqueue(textPayload("second"))
	ob.Enqueue(textPayload("third"))

	calls := 0
	flushErr := ob.Flush(func(msg transport.OutgoingMessage) error {
		calls++
		if msg.Body == "second" {
			return errors.New("connection dropped")
		}
		return nil
	})
	if !errors.Is(flushErr, ErrEmitFailed) {
		t.Fatalf("expected ErrEmitFailed, got %v", flushErr)
	}
	if calls != 2 {
		t.Errorf("expected flush to stop after the failing emit, got %d calls", calls)
	}

	// The delivered entry is gone; the failing one and its successor remain.
	pending := ob.Pending()
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending entries, got %d", len(pending))
	}
	if pending[0].Payload.Body != "second" || pending[1].Payload.Body != "third" {
		t.Errorf("unexpected pending bodies: %q, %q", pending[0].Payload.Body, pending[1].Payload.Body)
	}

	// Retrying the flush delivers the remainder exactly once.
	var emitted []string
	if err := ob.Flush(func(msg transport.OutgoingMessage) error {
		emitted = append(emitted, msg.Body)
		return nil
	}); err != nil {
		t.Fatalf("retry flush failed: %v", err)
	}
	if len(emitted) != 2 || emitted[0] != "second" || emitted[1] != "third" {
		t.Errorf("unexpected retry emits: %v", emitted)
	}
}

func TestQueueSurvivesRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "outbox.db")

	store, err := storage.OpenPath(dbPath)
	if err != nil {
		t.Fatalf("OpenPath failed: %v", err)
	}

	ob, err := New(NewSQLiteStorage(store))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	ob.Enqueue(textPayload("queued while offline"))
	if err := store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Simulated restart: a fresh store and a fresh queue over the same file.
	reopened, err := storage.OpenPath(dbPath)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	restored, err := New(NewSQLiteStorage(reopened))
	if err != nil {
		t.Fatalf("New after restart failed: %v", err)
	}
	if restored.Len() != 1 {
		t.Fatalf("expected 1 restored entry, got %d", restored.Len())
	}

	var emitted []string
	if err := restored.Flush(func(msg transport.OutgoingMessage) error {
		emitted = append(emitted, msg.Body)
		return nil
	}); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if len(emitted) != 1 || emitted[0] != "queued while offline" {
		t.Errorf("unexpected emits after restart: %v", emitted)
	}

	// A second restart must not replay anything.
	again, err := New(NewSQLiteStorage(reopened))
	if err != nil {
		t.Fatalf("New after flush failed: %v", err)
	}
	if again.Len() != 0 {
		t.Errorf("expected empty queue after delivery, got %d entries", again.Len())
	}
}

func TestEnqueueKeepsEntryWhenPersistenceFails(t *testing.T) {
	ob, err := New(&failingStorage{appendErr: errors.New("disk full")})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ob.Enqueue(textPayload("important"))

	select {
	case reportErr := <-ob.Errors():
		if reportErr == nil {
			t.Error("expected a persistence error report")
		}
	default:
		t.Error("expected a persistence error on the error channel")
	}

	// The entry is still deliverable this session.
	var emitted []string
	if err := ob.Flush(func(msg transport.OutgoingMessage) error {
		emitted = append(emitted, msg.Body)
		return nil
	}); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	if len(emitted) != 1 || emitted[0] != "important" {
		t.Errorf("unexpected emits: %v", emitted)
	}
}

func TestDrop(t *testing.T) {
	ob, err := New(NewMemoryStorage())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	entry := ob.Enqueue(textPayload("abandoned"))
	ob.Enqueue(textPayload("kept"))

	if !ob.Drop(entry.QueueID) {
		t.Fatal("expected Drop to find the entry")
	}
	if ob.Drop(entry.QueueID) {
		t.Error("expected second Drop to return false")
	}

	pending := ob.Pending()
	if len(pending) != 1 || pending[0].Payload.Body != "kept" {
		t.Errorf("unexpected pending entries after drop: %d", len(pending))
	}
}
