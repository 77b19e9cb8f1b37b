package storage

import (
	"errors"
	"time"
)

// ErrNotFound indicates a requested row does not exist.
var ErrNotFound = errors.New("storage: record not found")

// OutboxEntry is the SQLite representation of one queued wire payload.
type OutboxEntry struct {
	QueueID    string
	Payload    []byte
	EnqueuedAt int64
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
