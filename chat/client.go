package chat

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"medichat/models"
	"medichat/outbox"
	"medichat/rest"
	"medichat/transport"
)

// Dispatch is the event contract the client drives sends and signals
// through. *transport.Dispatcher satisfies it.
type Dispatch interface {
	EmitSend(payload transport.OutgoingMessage) error
	EmitTypingStart(conversationID string) error
	EmitTypingStop(conversationID string) error
	EmitReadReceipt(conversationID string) error
	OnIncomingMessage(handler func(transport.ServerMessage))
	OnSendAcknowledged(handler func(transport.ServerMessage))
	OnSendFailed(handler func(transport.SendFailure))
	OnTypingStart(handler func(conversationID string))
	OnTypingStop(handler func(conversationID string))
}

// Connection exposes the live-connection state the client routes sends by.
// *transport.Manager satisfies it.
type Connection interface {
	IsConnected() bool
	AddStateListener(listener func(transport.StateEvent))
}

// Uploader performs the out-of-band attachment transfer. *rest.Client
// satisfies it.
type Uploader interface {
	UploadAttachment(ctx context.Context, upload rest.UploadRequest) (transport.ServerMessage, error)
}

// HistoryFetcher seeds a conversation log on open. *rest.Client satisfies it.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, conversationID string) ([]transport.ServerMessage, error)
}

// SeenIDs is the persisted dedup set for peer pushes. *storage.Store
// satisfies it.
type SeenIDs interface {
	InsertSeenID(messageID string, receivedAt int64) error
	HasSeenID(messageID string) (bool, error)
}

// ClientOptions wires the client to its collaborators.
type ClientOptions struct {
	// UserID and Role identify the local participant on outgoing messages.
	UserID string
	Role   models.Role

	Dispatch   Dispatch
	Connection Connection
	Outbox     *outbox.Outbox
	// Uploader handles attachment sends. Optional; without it attachment
	// sends fail.
	Uploader Uploader
	// History seeds conversation logs on open. Optional; without it Open
	// starts from an empty log.
	History HistoryFetcher
	// SeenIDs suppresses peer pushes already processed in an earlier
	// session. Optional.
	SeenIDs SeenIDs
	// TypingIdle overrides the typing auto-stop window. Optional.
	TypingIdle time.Duration
}

// Client is the high-level conversation API. It owns one Conversation log
// per open conversation and reacts to dispatch events and connectivity
// transitions.
type Client struct {
	userID     string
	role       models.Role
	dispatch   Dispatch
	connection Connection
	outbox     *outbox.Outbox
	uploader   Uploader
	history    HistoryFetcher
	seenIDs    SeenIDs
	typing     *TypingNotifier

	mu            sync.Mutex
	conversations map[string]*Conversation
	activeID      string

	errors chan error
}

// NewClient validates options, registers the dispatch handlers, and hooks
// outbox replay to connectivity transitions.
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.UserID == "" {
		return nil, errors.New("user ID is required")
	}
	if err := models.ValidateRole(opts.Role); err != nil {
		return nil, err
	}
	if opts.Dispatch == nil {
		return nil, errors.New("dispatch is required")
	}
	if opts.Connection == nil {
		return nil, errors.New("connection is required")
	}
	if opts.Outbox == nil {
		return nil, errors.New("outbox is required")
	}

	c := &Client{
		userID:        opts.UserID,
		role:          opts.Role,
		dispatch:      opts.Dispatch,
		connection:    opts.Connection,
		outbox:        opts.Outbox,
		uploader:      opts.Uploader,
		history:       opts.History,
		seenIDs:       opts.SeenIDs,
		typing:        NewTypingNotifier(opts.Dispatch, opts.TypingIdle),
		conversations: make(map[string]*Conversation),
		errors:        make(chan error, 64),
	}

	c.dispatch.OnIncomingMessage(c.handleIncoming)
	c.dispatch.OnSendAcknowledged(c.handleAck)
	c.dispatch.OnSendFailed(c.handleFailure)
	c.dispatch.OnTypingStart(func(conversationID string) {
		c.conversation(conversationID).SetPeerTyping(true)
	})
	c.dispatch.OnTypingStop(func(conversationID string) {
		c.conversation(conversationID).SetPeerTyping(false)
	})
	c.connection.AddStateListener(func(event transport.StateEvent) {
		if event == transport.StateConnected || event == transport.StateReconnected {
			c.flushOutbox()
		}
	})

	return c, nil
}

// Open makes a conversation the active view: seeds its log from server
// history, clears its unread count, and emits a read receipt.
func (c *Client) Open(ctx context.Context, conversationID string) (*Conversation, error) {
	if conversationID == "" {
		return nil, errors.New("conversation ID is required")
	}

	conv := c.conversation(conversationID)

	if c.history != nil {
		wire, err := c.history.FetchHistory(ctx, conversationID)
		if err != nil {
			return nil, fmt.Errorf("seed conversation %s: %w", conversationID, err)
		}
		seeded := make([]models.Message, 0, len(wire))
		for _, sm := range wire {
			status := models.StatusDelivered
			if sm.SenderID == c.userID {
				status = models.StatusAcknowledged
			}
			seeded = append(seeded, sm.ToModel(status))
		}
		conv.Seed(seeded)
	}

	c.mu.Lock()
	c.activeID = conversationID
	c.mu.Unlock()

	conv.MarkRead()
	if err := c.dispatch.EmitReadReceipt(conversationID); err != nil {
		c.reportError(fmt.Errorf("emit read receipt for %s: %w", conversationID, err))
	}

	return conv, nil
}

// Close leaves the active conversation view and stops typing timers.
func (c *Client) Close() {
	c.mu.Lock()
	c.activeID = ""
	c.mu.Unlock()
	c.typing.Close()
}

// SendText appends an optimistic pending entry and delivers it live when
// connected, otherwise through the outbox. Never errors on a missing
// connection.
func (c *Client) SendText(conversationID, body string) (models.Message, error) {
	if conversationID == "" {
		return models.Message{}, errors.New("conversation ID is required")
	}
	if body == "" {
		return models.Message{}, errors.New("message body is required")
	}

	msg := models.Message{
		LocalID:        uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       c.userID,
		SenderRole:     c.role,
		Kind:           models.KindText,
		Body:           body,
		Status:         models.StatusPending,
		CreatedAt:      models.NowUnixMilli(),
	}

	c.conversation(conversationID).AppendOptimistic(msg)
	c.typing.Stop(conversationID)
	c.deliver(outgoingPayload(msg))

	return msg, nil
}

// SendAttachment appends an optimistic pending entry with the attachment
// metadata (local handle retained for retry) and performs the out-of-band
// upload. The upload result, not an ack event, drives the entry to
// acknowledged or failed. A failure is reflected as message status and also
// returned so the caller can surface it.
func (c *Client) SendAttachment(ctx context.Context, conversationID, localPath, caption string, kind models.Kind) (models.Message, error) {
	if conversationID == "" {
		return models.Message{}, errors.New("conversation ID is required")
	}
	if kind != models.KindImage && kind != models.KindFile {
		return models.Message{}, models.ErrInvalidKind
	}
	if c.uploader == nil {
		return models.Message{}, errors.New("no uploader configured")
	}

	info, err := os.Stat(localPath)
	if err != nil {
		return models.Message{}, fmt.Errorf("stat attachment file: %w", err)
	}

	msg := models.Message{
		LocalID:        uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       c.userID,
		SenderRole:     c.role,
		Kind:           kind,
		Body:           caption,
		Status:         models.StatusPending,
		CreatedAt:      models.NowUnixMilli(),
		Attachment: &models.Attachment{
			Filename:  filepath.Base(localPath),
			Size:      info.Size(),
			MimeType:  mimeTypeFor(localPath),
			LocalPath: localPath,
		},
	}

	conv := c.conversation(conversationID)
	conv.AppendOptimistic(msg)

	if err := c.performUpload(ctx, conv, msg); err != nil {
		return msg, err
	}
	return msg, nil
}

// Retry re-runs the send path for a failed message under its original
// provisional id. Text retries route live-or-outbox like a fresh send;
// attachment retries re-upload from the retained local handle and fail with
// ErrSourceUnavailable when the handle is gone.
func (c *Client) Retry(ctx context.Context, conversationID, localID string) error {
	conv := c.conversation(conversationID)

	msg, err := conv.PrepareRetry(localID)
	if err != nil {
		return err
	}

	if msg.Kind == models.KindText {
		c.deliver(outgoingPayload(msg))
		return nil
	}

	if _, statErr := os.Stat(msg.Attachment.LocalPath); statErr != nil {
		conv.MarkFailed(localID)
		return fmt.Errorf("%w: %s", ErrSourceUnavailable, msg.Attachment.LocalPath)
	}
	return c.performUpload(ctx, conv, msg)
}

// Typing reports keystroke activity in a conversation.
func (c *Client) Typing(conversationID string) {
	c.typing.Keystroke(conversationID)
}

// Conversation returns the log for a conversation, creating it if needed.
func (c *Client) Conversation(conversationID string) *Conversation {
	return c.conversation(conversationID)
}

// Errors exposes asynchronous faults: outbox replay failures, read receipt
// emission failures, seen-id persistence failures.
func (c *Client) Errors() <-chan error {
	return c.errors
}

func (c *Client) conversation(conversationID string) *Conversation {
	c.mu.Lock()
	defer c.mu.Unlock()

	conv, ok := c.conversations[conversationID]
	if !ok {
		conv = NewConversation(conversationID)
		c.conversations[conversationID] = conv
	}
	return conv
}

// deliver routes a payload live when connected, otherwise to the outbox. A
// write failure on a connection that just dropped also falls back to the
// outbox, so the payload is never lost between the two paths.
func (c *Client) deliver(payload transport.OutgoingMessage) {
	if c.connection.IsConnected() {
		if err := c.dispatch.EmitSend(payload); err == nil {
			return
		}
	}
	c.outbox.Enqueue(payload)
}

func (c *Client) performUpload(ctx context.Context, conv *Conversation, msg models.Message) error {
	created, err := c.uploader.UploadAttachment(ctx, rest.UploadRequest{
		ConversationID: msg.ConversationID,
		LocalPath:      msg.Attachment.LocalPath,
		Caption:        msg.Body,
		CorrelationID:  msg.LocalID,
		Kind:           string(msg.Kind),
	})
	if err != nil {
		conv.MarkFailed(msg.LocalID)
		return fmt.Errorf("upload attachment: %w", err)
	}

	if created.CorrelationID == "" {
		created.CorrelationID = msg.LocalID
	}
	conv.ReconcileAck(created)
	return nil
}

func (c *Client) flushOutbox() {
	err := c.outbox.Flush(func(payload transport.OutgoingMessage) error {
		return c.dispatch.EmitSend(payload)
	})
	if err != nil {
		c.reportError(fmt.Errorf("outbox replay: %w", err))
	}
}

func (c *Client) handleIncoming(sm transport.ServerMessage) {
	// The server also pushes the user's own messages sent from another
	// session; those fold in as acknowledgments, not peer messages.
	if sm.SenderID == c.userID {
		c.conversation(sm.ConversationID).ReconcileAck(sm)
		return
	}

	if c.seenIDs != nil && sm.MessageID != "" {
		seen, err := c.seenIDs.HasSeenID(sm.MessageID)
		if err != nil {
			c.reportError(fmt.Errorf("check seen id %s: %w", sm.MessageID, err))
		} else if seen {
			return
		}
		if err := c.seenIDs.InsertSeenID(sm.MessageID, models.NowUnixMilli()); err != nil {
			c.reportError(fmt.Errorf("record seen id %s: %w", sm.MessageID, err))
		}
	}

	conv := c.conversation(sm.ConversationID)
	if !conv.InsertPeer(sm.ToModel(models.StatusDelivered)) {
		return
	}

	c.mu.Lock()
	active := c.activeID == sm.ConversationID
	c.mu.Unlock()

	if active {
		conv.MarkRead()
		if err := c.dispatch.EmitReadReceipt(sm.ConversationID); err != nil {
			c.reportError(fmt.Errorf("emit read receipt for %s: %w", sm.ConversationID, err))
		}
	}
}

func (c *Client) handleAck(sm transport.ServerMessage) {
	c.conversation(sm.ConversationID).ReconcileAck(sm)
}

func (c *Client) handleFailure(failure transport.SendFailure) {
	if failure.ConversationID != "" {
		c.conversation(failure.ConversationID).ReconcileFailure(failure)
		return
	}

	// Old backends omit the conversation id; fall back to the active view.
	c.mu.Lock()
	activeID := c.activeID
	c.mu.Unlock()
	if activeID != "" {
		c.conversation(activeID).ReconcileFailure(failure)
	}
}

func (c *Client) reportError(err error) {
	select {
	case c.errors <- err:
	default:
	}
}

func outgoingPayload(msg models.Message) transport.OutgoingMessage {
	payload := transport.OutgoingMessage{
		CorrelationID:  msg.LocalID,
		ConversationID: msg.ConversationID,
		Kind:           string(msg.Kind),
		Body:           msg.Body,
	}
	if msg.Attachment != nil {
		payload.Attachment = &transport.AttachmentInfo{
			Filename:  msg.Attachment.Filename,
			Size:      msg.Attachment.Size,
			MimeType:  msg.Attachment.MimeType,
			RemoteURL: msg.Attachment.RemoteURL,
		}
	}
	return payload
}

func mimeTypeFor(path string) string {
	if contentType := mime.TypeByExtension(filepath.Ext(path)); contentType != "" {
		return contentType
	}
	return "application/octet-stream"
}
