package models

import (
	"errors"
	"fmt"
	"time"
)

// Role identifies the participant type that authored a message.
type Role string

const (
	RolePatient   Role = "patient"
	RoleDoctor    Role = "doctor"
	RoleReception Role = "reception"
)

// Kind identifies the message payload type.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindFile  Kind = "file"
)

// Status is the delivery state of one message.
type Status string

const (
	// StatusPending means the message was composed locally and is not yet
	// confirmed by the server.
	StatusPending Status = "pending"
	// StatusAcknowledged means the server confirmed persistence of a message
	// this client sent.
	StatusAcknowledged Status = "acknowledged"
	// StatusDelivered marks a message that arrived from a peer.
	StatusDelivered Status = "delivered"
	// StatusFailed is terminal but retriable via explicit user action.
	StatusFailed Status = "failed"
)

var (
	// ErrInvalidRole indicates a sender role outside the closed set.
	ErrInvalidRole = errors.New("models: invalid sender role")
	// ErrInvalidKind indicates a message kind outside the closed set.
	ErrInvalidKind = errors.New("models: invalid message kind")
)

// Attachment describes the binary payload of an image or file message.
// LocalPath retains the original local file handle so a failed send can be
// retried without re-prompting the user; it is empty for peer messages and
// after process restart.
type Attachment struct {
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
	MimeType  string `json:"mime_type"`
	RemoteURL string `json:"remote_url,omitempty"`
	LocalPath string `json:"-"`
}

// Message is the atomic unit of a conversation.
//
// LocalID is the client-assigned provisional identifier, always present and
// used for optimistic-entry matching. ServerID is empty until the server
// acknowledges the message; once set, no two log entries may share it.
type Message struct {
	ServerID       string      `json:"server_id,omitempty"`
	LocalID        string      `json:"local_id"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	SenderRole     Role        `json:"sender_role"`
	Kind           Kind        `json:"kind"`
	Body           string      `json:"body"`
	Attachment     *Attachment `json:"attachment,omitempty"`
	Status         Status      `json:"status"`
	// CreatedAt is the client-assigned creation time (unix milliseconds).
	CreatedAt int64 `json:"created_at"`
	// ServerTimestamp is zero until the server assigns one.
	ServerTimestamp int64 `json:"server_timestamp,omitempty"`
}

// EffectiveTimestamp returns the server timestamp when known, otherwise the
// client creation time. Conversation logs order by this value.
func (m *Message) EffectiveTimestamp() int64 {
	if m.ServerTimestamp != 0 {
		return m.ServerTimestamp
	}
	return m.CreatedAt
}

// Terminal reports whether the message can no longer transition state.
// Failed messages are terminal-but-retriable and therefore not terminal here.
func (m *Message) Terminal() bool {
	return m.Status == StatusAcknowledged || m.Status == StatusDelivered
}

// ValidateRole rejects roles outside the closed participant set.
func ValidateRole(role Role) error {
	switch role {
	case RolePatient, RoleDoctor, RoleReception:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
}

// ValidateKind rejects kinds outside the closed set.
func ValidateKind(kind Kind) error {
	switch kind {
	case KindText, KindImage, KindFile:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}
}

// NowUnixMilli is the clock used for client-assigned timestamps.
func NowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
