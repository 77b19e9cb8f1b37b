// Package outbox holds wire payloads that could not be delivered while the
// transport was down and replays them in enqueue order once a connection is
// available again.
package outbox

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"medichat/models"
	"medichat/transport"
)

// ErrEmitFailed wraps the first delivery error hit during a flush. Entries
// after the failing one stay queued.
var ErrEmitFailed = errors.New("outbox: emit failed")

// Entry is one queued outgoing payload.
type Entry struct {
	QueueID    string                    `json:"queue_id"`
	Payload    transport.OutgoingMessage `json:"payload"`
	EnqueuedAt int64                     `json:"enqueued_at"`
}

// Storage persists queued entries across process restarts.
type Storage interface {
	Append(entry Entry) error
	List() ([]Entry, error)
	Remove(queueID string) error
}

// EmitFunc delivers a single payload over the live transport.
type EmitFunc func(msg transport.OutgoingMessage) error

// Outbox is an ordered queue of undelivered payloads. The in-memory queue is
// authoritative for the session; the Storage layer is a best-effort mirror so
// entries survive restarts.
type Outbox struct {
	mu      sync.Mutex
	entries []Entry
	storage Storage
	errors  chan error
}

// New loads any persisted entries from storage and returns a ready queue.
func New(storage Storage) (*Outbox, error) {
	if storage == nil {
		return nil, errors.New("outbox storage is required")
	}

	entries, err := storage.List()
	if err != nil {
		return nil, fmt.Errorf("load persisted outbox entries: %w", err)
	}

	return &Outbox{
		entries: entries,
		storage: storage,
		errors:  make(chan error, 16),
	}, nil
}

// Enqueue appends a payload to the queue. A persistence failure is reported
// on the error channel but does not reject the entry: the in-memory queue
// keeps it for the rest of the session.
func (o *Outbox) Enqueue(msg transport.OutgoingMessage) Entry {
	entry := Entry{
		QueueID:    uuid.NewString(),
		Payload:    msg,
		EnqueuedAt: models.NowUnixMilli(),
	}

	o.mu.Lock()
	o.entries = append(o.entries, entry)
	o.mu.Unlock()

	if err := o.storage.Append(entry); err != nil {
		o.reportError(fmt.Errorf("persist outbox entry %s: %w", entry.QueueID, err))
	}

	return entry
}

// Flush emits queued payloads in enqueue order. Each entry is removed from
// the queue immediately after its individual emit succeeds, so a failure
// partway through never re-sends the entries already delivered. On failure
// the failing entry and everything after it stay queued for the next flush.
func (o *Outbox) Flush(emit EmitFunc) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	for len(o.entries) > 0 {
		entry := o.entries[0]
		if err := emit(entry.Payload); err != nil {
			return fmt.Errorf("%w: entry %s: %v", ErrEmitFailed, entry.QueueID, err)
		}

		o.entries = o.entries[1:]
		if err := o.storage.Remove(entry.QueueID); err != nil {
			o.reportError(fmt.Errorf("clear delivered outbox entry %s: %w", entry.QueueID, err))
		}
	}

	return nil
}

// Drop removes a single entry, used when a queued message is abandoned.
func (o *Outbox) Drop(queueID string) bool {
	o.mu.Lock()
	found := false
	for i, entry := range o.entries {
		if entry.QueueID == queueID {
			o.entries = append(o.entries[:i], o.entries[i+1:]...)
			found = true
			break
		}
	}
	o.mu.Unlock()

	if !found {
		return false
	}
	if err := o.storage.Remove(queueID); err != nil {
		o.reportError(fmt.Errorf("clear dropped outbox entry %s: %w", queueID, err))
	}
	return true
}

// Len returns the number of queued entries.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}

// Pending returns a snapshot of the queued entries in enqueue order.
func (o *Outbox) Pending() []Entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	snapshot := make([]Entry, len(o.entries))
	copy(snapshot, o.entries)
	return snapshot
}

// Errors exposes asynchronous persistence faults.
func (o *Outbox) Errors() <-chan error {
	return o.errors
}

func (o *Outbox) reportError(err error) {
	select {
	case o.errors <- err:
	default:
	}
}
