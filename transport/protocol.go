package transport

import (
	"encoding/json"
	"errors"
	"fmt"

	"medichat/models"
)

// Named events carried on the realtime channel.
const (
	EventMessageSend      = "message:send"
	EventMessageNew       = "message:new"
	EventMessageAck       = "message:ack"
	EventMessageFailed    = "message:failed"
	EventTypingStart      = "typing:start"
	EventTypingStop       = "typing:stop"
	EventConversationRead = "conversation:read"
)

// ErrInvalidEvent indicates the event name is missing or unknown.
var ErrInvalidEvent = errors.New("transport: invalid event name")

// Envelope is the outer frame of every realtime channel message.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// AttachmentInfo is the wire form of already-uploaded attachment metadata.
type AttachmentInfo struct {
	Filename  string `json:"filename"`
	Size      int64  `json:"size"`
	MimeType  string `json:"mime_type"`
	RemoteURL string `json:"remote_url,omitempty"`
}

// OutgoingMessage is the payload emitted for a client-originated send.
// CorrelationID carries the client-generated provisional id; a backend that
// supports it echoes the value verbatim in ack and failure events.
type OutgoingMessage struct {
	CorrelationID  string          `json:"correlation_id"`
	ConversationID string          `json:"conversation_id"`
	Kind           string          `json:"kind"`
	Body           string          `json:"body"`
	Attachment     *AttachmentInfo `json:"attachment,omitempty"`
}

// ServerMessage is a server-confirmed message, delivered both as the ack of
// an own send and as a peer push. Timestamp is server-assigned.
type ServerMessage struct {
	MessageID      string          `json:"message_id"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	ConversationID string          `json:"conversation_id"`
	SenderID       string          `json:"sender_id"`
	SenderRole     string          `json:"sender_role"`
	Kind           string          `json:"kind"`
	Body           string          `json:"body"`
	Attachment     *AttachmentInfo `json:"attachment,omitempty"`
	Timestamp      int64           `json:"timestamp"`
}

// SendFailure reports a server-rejected send. CorrelationID is present only
// when the backend echoes client correlation ids.
type SendFailure struct {
	CorrelationID  string `json:"correlation_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Code           string `json:"code,omitempty"`
	Message        string `json:"message,omitempty"`
}

// ConversationSignal addresses typing and read-receipt events.
type ConversationSignal struct {
	ConversationID string `json:"conversation_id"`
}

// ToModel converts a server-confirmed wire message into the domain model.
func (sm ServerMessage) ToModel(status models.Status) models.Message {
	msg := models.Message{
		ServerID:        sm.MessageID,
		LocalID:         sm.CorrelationID,
		ConversationID:  sm.ConversationID,
		SenderID:        sm.SenderID,
		SenderRole:      models.Role(sm.SenderRole),
		Kind:            models.Kind(sm.Kind),
		Body:            sm.Body,
		Status:          status,
		CreatedAt:       sm.Timestamp,
		ServerTimestamp: sm.Timestamp,
	}
	if sm.Attachment != nil {
		msg.Attachment = &models.Attachment{
			Filename:  sm.Attachment.Filename,
			Size:      sm.Attachment.Size,
			MimeType:  sm.Attachment.MimeType,
			RemoteURL: sm.Attachment.RemoteURL,
		}
	}
	return msg
}

// EncodeEnvelope marshals an event and payload into one wire frame.
func EncodeEnvelope(event string, data any) ([]byte, error) {
	if event == "" {
		return nil, ErrInvalidEvent
	}

	var raw json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", event, err)
		}
		raw = encoded
	}

	payload, err := json.Marshal(Envelope{Event: event, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return payload, nil
}

// DecodeEnvelope extracts the event name and raw payload from a frame.
func DecodeEnvelope(payload []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if envelope.Event == "" {
		return Envelope{}, ErrInvalidEvent
	}
	return envelope, nil
}

// Dispatcher is the event-level contract riding on the live connection. It
// assumes a connected transport for sends; callers route around a missing
// connection via Manager.IsConnected.
type Dispatcher struct {
	manager *Manager
}

// NewDispatcher binds the protocol contract to a connection manager.
func NewDispatcher(manager *Manager) *Dispatcher {
	return &Dispatcher{manager: manager}
}

// EmitSend emits an outgoing message. Fire and forget: success means the
// frame was written, not that the server persisted it.
func (d *Dispatcher) EmitSend(payload OutgoingMessage) error {
	return d.manager.Emit(EventMessageSend, payload)
}

// EmitTypingStart signals typing activity. Best-effort: a signal lost to
// disconnect is simply lost, never retried or queued.
func (d *Dispatcher) EmitTypingStart(conversationID string) error {
	return d.emitBestEffort(EventTypingStart, conversationID)
}

// EmitTypingStop signals the end of typing activity. Best-effort.
func (d *Dispatcher) EmitTypingStop(conversationID string) error {
	return d.emitBestEffort(EventTypingStop, conversationID)
}

// EmitReadReceipt acknowledges that the conversation has been read.
// Best-effort, same semantics as typing.
func (d *Dispatcher) EmitReadReceipt(conversationID string) error {
	return d.emitBestEffort(EventConversationRead, conversationID)
}

func (d *Dispatcher) emitBestEffort(event, conversationID string) error {
	err := d.manager.Emit(event, ConversationSignal{ConversationID: conversationID})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// OnIncomingMessage registers a handler invoked once per message pushed by
// a peer (or another of the user's own sessions). Wire order is not
// guaranteed to match server timestamp order; each delivery carries the
// server timestamp so the log can re-order.
func (d *Dispatcher) OnIncomingMessage(handler func(ServerMessage)) {
	d.manager.Subscribe(EventMessageNew, func(data json.RawMessage) error {
		var msg ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("decode %s: %w", EventMessageNew, err)
		}
		handler(msg)
		return nil
	})
}

// OnSendAcknowledged registers a handler invoked when the server confirms
// persistence of a message this client emitted.
func (d *Dispatcher) OnSendAcknowledged(handler func(ServerMessage)) {
	d.manager.Subscribe(EventMessageAck, func(data json.RawMessage) error {
		var msg ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("decode %s: %w", EventMessageAck, err)
		}
		handler(msg)
		return nil
	})
}

// OnTypingStart registers a handler for a peer's typing-start signal.
func (d *Dispatcher) OnTypingStart(handler func(conversationID string)) {
	d.subscribeSignal(EventTypingStart, handler)
}

// OnTypingStop registers a handler for a peer's typing-stop signal.
func (d *Dispatcher) OnTypingStop(handler func(conversationID string)) {
	d.subscribeSignal(EventTypingStop, handler)
}

func (d *Dispatcher) subscribeSignal(event string, handler func(conversationID string)) {
	d.manager.Subscribe(event, func(data json.RawMessage) error {
		var signal ConversationSignal
		if err := json.Unmarshal(data, &signal); err != nil {
			return fmt.Errorf("decode %s: %w", event, err)
		}
		handler(signal.ConversationID)
		return nil
	})
}

// OnSendFailed registers a handler invoked when the server rejects or
// errors on an emitted message.
func (d *Dispatcher) OnSendFailed(handler func(SendFailure)) {
	d.manager.Subscribe(EventMessageFailed, func(data json.RawMessage) error {
		var failure SendFailure
		if err := json.Unmarshal(data, &failure); err != nil {
			return fmt.Errorf("decode %s: %w", EventMessageFailed, err)
		}
		handler(failure)
		return nil
	})
}
