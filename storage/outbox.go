package storage

import (
	"errors"
	"fmt"
)

// AppendOutboxEntry inserts one queued payload row.
func (s *Store) AppendOutboxEntry(entry OutboxEntry) error {
	if entry.QueueID == "" {
		return errors.New("queue_id is required")
	}
	if len(entry.Payload) == 0 {
		return errors.New("payload is required")
	}
	if entry.EnqueuedAt == 0 {
		entry.EnqueuedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO outbox_entries (queue_id, payload, enqueued_at)
		VALUES (?, ?, ?)`,
		entry.QueueID,
		string(entry.Payload),
		entry.EnqueuedAt,
	)
	if err != nil {
		return fmt.Errorf("insert outbox entry %q: %w", entry.QueueID, err)
	}

	return nil
}

// ListOutboxEntries returns all queued payloads in enqueue order.
func (s *Store) ListOutboxEntries() ([]OutboxEntry, error) {
	rows, err := s.db.Query(
		`SELECT queue_id, payload, enqueued_at
		FROM outbox_entries
		ORDER BY enqueued_at ASC, queue_id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list outbox entries: %w", err)
	}
	defer rows.Close()

	entries := make([]OutboxEntry, 0)
	for rows.Next() {
		var entry OutboxEntry
		var payload string
		if err := rows.Scan(&entry.QueueID, &payload, &entry.EnqueuedAt); err != nil {
			return nil, fmt.Errorf("scan outbox entry row: %w", err)
		}
		entry.Payload = []byte(payload)
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox entry rows: %w", err)
	}

	return entries, nil
}

// RemoveOutboxEntry deletes one queued payload by queue ID.
func (s *Store) RemoveOutboxEntry(queueID string) error {
	if queueID == "" {
		return errors.New("queue_id is required")
	}

	res, err := s.db.Exec(`DELETE FROM outbox_entries WHERE queue_id = ?`, queueID)
	if err != nil {
		return fmt.Errorf("remove outbox entry %q: %w", queueID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for outbox remove %q: %w", queueID, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// PruneExpiredOutbox deletes queued payloads enqueued before the cutoff
// timestamp and returns the removed entries.
func (s *Store) PruneExpiredOutbox(cutoffTimestamp int64) ([]OutboxEntry, error) {
	if cutoffTimestamp <= 0 {
		return nil, errors.New("cutoff timestamp must be > 0")
	}

	rows, err := s.db.Query(
		`SELECT queue_id, payload, enqueued_at
		FROM outbox_entries
		WHERE enqueued_at < ?
		ORDER BY enqueued_at ASC, queue_id ASC`,
		cutoffTimestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("select expired outbox entries: %w", err)
	}
	defer rows.Close()

	expired := make([]OutboxEntry, 0)
	for rows.Next() {
		var entry OutboxEntry
		var payload string
		if err := rows.Scan(&entry.QueueID, &payload, &entry.EnqueuedAt); err != nil {
			return nil, fmt.Errorf("scan expired outbox entry: %w", err)
		}
		entry.Payload = []byte(payload)
		expired = append(expired, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired outbox entries: %w", err)
	}

	if _, err := s.db.Exec(`DELETE FROM outbox_entries WHERE enqueued_at < ?`, cutoffTimestamp); err != nil {
		return nil, fmt.Errorf("prune expired outbox entries: %w", err)
	}

	return expired, nil
}
