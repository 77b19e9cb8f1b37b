package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"medichat/storage"
)

// SQLiteStorage persists entries through the shared SQLite store. Payloads
// are serialized as JSON so schema migrations never need to track the wire
// format.
type SQLiteStorage struct {
	store *storage.Store
}

// NewSQLiteStorage wraps an open store.
func NewSQLiteStorage(store *storage.Store) *SQLiteStorage {
	return &SQLiteStorage{store: store}
}

func (s *SQLiteStorage) Append(entry Entry) error {
	payload, err := json.Marshal(entry.Payload)
	if err != nil {
		return fmt.Errorf("encode outbox payload: %w", err)
	}

	return s.store.AppendOutboxEntry(storage.OutboxEntry{
		QueueID:    entry.QueueID,
		Payload:    payload,
		EnqueuedAt: entry.EnqueuedAt,
	})
}

func (s *SQLiteStorage) List() ([]Entry, error) {
	rows, err := s.store.ListOutboxEntries()
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		entry := Entry{
			QueueID:    row.QueueID,
			EnqueuedAt: row.EnqueuedAt,
		}
		if err := json.Unmarshal(row.Payload, &entry.Payload); err != nil {
			return nil, fmt.Errorf("decode outbox payload %s: %w", row.QueueID, err)
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

// Remove is idempotent: an entry whose original Append failed has no row to
// delete, and that is not a fault.
func (s *SQLiteStorage) Remove(queueID string) error {
	err := s.store.RemoveOutboxEntry(queueID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

// MemoryStorage keeps entries in memory only. Useful for tests and for
// running without a writable data directory.
type MemoryStorage struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (m *MemoryStorage) Append(entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *MemoryStorage) List() ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := make([]Entry, len(m.entries))
	copy(snapshot, m.entries)
	return snapshot, nil
}

func (m *MemoryStorage) Remove(queueID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, entry := range m.entries {
		if entry.QueueID == queueID {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			return nil
		}
	}
	return nil
}
