// Package chat merges locally created, server-acknowledged, and peer-pushed
// messages into one consistent per-conversation log and drives sends through
// the live transport or the durable outbox.
package chat

import (
	"errors"
	"sync"

	"medichat/models"
	"medichat/transport"
)

// ErrSourceUnavailable means a retry was requested for an attachment message
// whose original local file is no longer accessible. Terminal for that
// message.
var ErrSourceUnavailable = errors.New("chat: original attachment source unavailable")

// ErrMessageNotFound means no log entry matches the given provisional id.
var ErrMessageNotFound = errors.New("chat: message not found")

// ErrNotRetriable means retry was requested for a message that is not in the
// failed state.
var ErrNotRetriable = errors.New("chat: message is not in a retriable state")

// Conversation is the in-memory ordered message log for one conversation,
// reconstructed per view and reseeded from server history on (re)entry. All
// mutations take the single lock, so every log update is atomic.
type Conversation struct {
	ID string

	mu         sync.Mutex
	messages   []models.Message
	unread     int
	peerTyping bool
}

// NewConversation returns an empty log for the given conversation.
func NewConversation(conversationID string) *Conversation {
	return &Conversation{ID: conversationID}
}

// Seed replaces the log with server history. History entries are terminal.
func (c *Conversation) Seed(history []models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.messages = make([]models.Message, 0, len(history))
	for _, msg := range history {
		if msg.ServerID != "" && c.indexByServerIDLocked(msg.ServerID) >= 0 {
			continue
		}
		c.insertOrderedLocked(msg)
	}
}

// AppendOptimistic inserts a freshly composed message at the tail of the log
// with status pending.
func (c *Conversation) AppendOptimistic(msg models.Message) {
	msg.Status = models.StatusPending
	if msg.CreatedAt == 0 {
		msg.CreatedAt = models.NowUnixMilli()
	}

	c.mu.Lock()
	c.messages = append(c.messages, msg)
	c.mu.Unlock()
}

// ReconcileAck folds a server acknowledgment into the log. The match is by
// echoed correlation id when the backend supplies one, otherwise by the most
// recent pending entry with the same kind and body. The matched entry keeps
// its position unless the newly attached server timestamp would break the
// non-decreasing effective-timestamp order, in which case it moves forward
// (never backward) past the entries it now postdates. An unmatched ack
// (already reconciled, or an echo from another session) is inserted as a new
// terminal entry, guarded by server-id deduplication.
func (c *Conversation) ReconcileAck(ack transport.ServerMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ack.MessageID != "" && c.indexByServerIDLocked(ack.MessageID) >= 0 {
		return
	}

	idx := -1
	if ack.CorrelationID != "" {
		idx = c.indexPendingByLocalIDLocked(ack.CorrelationID)
	}
	if idx < 0 {
		idx = c.indexNewestPendingMatchLocked(ack.Kind, ack.Body)
	}

	if idx < 0 {
		c.insertOrderedLocked(ack.ToModel(models.StatusAcknowledged))
		return
	}

	entry := &c.messages[idx]
	entry.ServerID = ack.MessageID
	entry.ServerTimestamp = ack.Timestamp
	entry.Status = models.StatusAcknowledged
	if ack.Attachment != nil {
		if entry.Attachment == nil {
			entry.Attachment = &models.Attachment{}
		}
		entry.Attachment.Filename = ack.Attachment.Filename
		entry.Attachment.Size = ack.Attachment.Size
		entry.Attachment.MimeType = ack.Attachment.MimeType
		entry.Attachment.RemoteURL = ack.Attachment.RemoteURL
	}

	c.restoreOrderLocked(idx)
}

// restoreOrderLocked moves the entry at idx forward while its effective
// timestamp exceeds its successor's. Entries never move backward, so an
// already-displayed message cannot jump up the log.
func (c *Conversation) restoreOrderLocked(idx int) {
	for idx+1 < len(c.messages) &&
		c.messages[idx].EffectiveTimestamp() > c.messages[idx+1].EffectiveTimestamp() {
		c.messages[idx], c.messages[idx+1] = c.messages[idx+1], c.messages[idx]
		idx++
	}
}

// InsertPeer folds a peer-pushed message into the log at its chronological
// position. Duplicates by server id are discarded. Returns true if the log
// gained an entry.
func (c *Conversation) InsertPeer(msg models.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if msg.ServerID != "" && c.indexByServerIDLocked(msg.ServerID) >= 0 {
		return false
	}

	msg.Status = models.StatusDelivered
	c.insertOrderedLocked(msg)
	c.unread++
	// The arrived message supersedes any outstanding typing signal.
	c.peerTyping = false
	return true
}

// ReconcileFailure marks a pending entry failed. With an echoed correlation
// id the match is exact; without one the most recently appended pending entry
// is assumed to be the one that failed, an order-of-occurrence approximation
// that can pick the wrong entry when several sends are in flight.
// Returns the provisional id of the entry marked failed, or "".
func (c *Conversation) ReconcileFailure(failure transport.SendFailure) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := -1
	if failure.CorrelationID != "" {
		idx = c.indexPendingByLocalIDLocked(failure.CorrelationID)
	}
	if idx < 0 {
		for i := len(c.messages) - 1; i >= 0; i-- {
			if c.messages[i].Status == models.StatusPending {
				idx = i
				break
			}
		}
	}
	if idx < 0 {
		return ""
	}

	c.messages[idx].Status = models.StatusFailed
	return c.messages[idx].LocalID
}

// MarkFailed transitions a specific entry to failed, used by the attachment
// pipeline where the upload result addresses its message directly.
func (c *Conversation) MarkFailed(localID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.messages {
		if c.messages[i].LocalID == localID {
			c.messages[i].Status = models.StatusFailed
			return true
		}
	}
	return false
}

// PrepareRetry transitions a failed entry back to pending, keeping its
// provisional id and position, and returns a copy for re-sending. Attachment
// messages whose local file handle was lost fail with ErrSourceUnavailable.
func (c *Conversation) PrepareRetry(localID string) (models.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.messages {
		if c.messages[i].LocalID != localID {
			continue
		}
		if c.messages[i].Status != models.StatusFailed {
			return models.Message{}, ErrNotRetriable
		}
		if c.messages[i].Kind != models.KindText {
			att := c.messages[i].Attachment
			if att == nil || att.LocalPath == "" {
				return models.Message{}, ErrSourceUnavailable
			}
		}
		c.messages[i].Status = models.StatusPending
		return c.messages[i], nil
	}

	return models.Message{}, ErrMessageNotFound
}

// Messages returns a snapshot of the log in display order.
func (c *Conversation) Messages() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	snapshot := make([]models.Message, len(c.messages))
	copy(snapshot, c.messages)
	return snapshot
}

// Unread returns the count of peer messages received since the last MarkRead.
func (c *Conversation) Unread() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unread
}

// MarkRead clears the unread counter.
func (c *Conversation) MarkRead() {
	c.mu.Lock()
	c.unread = 0
	c.mu.Unlock()
}

// SetPeerTyping updates the peer typing flag.
func (c *Conversation) SetPeerTyping(typing bool) {
	c.mu.Lock()
	c.peerTyping = typing
	c.mu.Unlock()
}

// PeerTyping reports whether the peer is currently typing.
func (c *Conversation) PeerTyping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerTyping
}

func (c *Conversation) indexByServerIDLocked(serverID string) int {
	for i := range c.messages {
		if c.messages[i].ServerID == serverID {
			return i
		}
	}
	return -1
}

func (c *Conversation) indexPendingByLocalIDLocked(localID string) int {
	for i := len(c.messages) - 1; i >= 0; i-- {
		if c.messages[i].LocalID == localID && c.messages[i].Status == models.StatusPending {
			return i
		}
	}
	return -1
}

func (c *Conversation) indexNewestPendingMatchLocked(kind, body string) int {
	for i := len(c.messages) - 1; i >= 0; i-- {
		msg := &c.messages[i]
		if msg.Status == models.StatusPending && string(msg.Kind) == kind && msg.Body == body {
			return i
		}
	}
	return -1
}

// insertOrderedLocked places a message at its effective-timestamp position.
// Append is the common case; a late arrival walks back from the tail so the
// log stays monotonic without disturbing entries already in place.
func (c *Conversation) insertOrderedLocked(msg models.Message) {
	ts := msg.EffectiveTimestamp()

	pos := len(c.messages)
	for pos > 0 && c.messages[pos-1].EffectiveTimestamp() > ts {
		pos--
	}

	c.messages = append(c.messages, models.Message{})
	copy(c.messages[pos+1:], c.messages[pos:])
	c.messages[pos] = msg
}
