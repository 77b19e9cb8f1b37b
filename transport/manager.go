package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"medichat/config"
)

const (
	// DefaultHandshakeTimeout bounds the websocket dial.
	DefaultHandshakeTimeout = 15 * time.Second
	// DefaultWriteTimeout bounds each frame write.
	DefaultWriteTimeout = 10 * time.Second
	// DefaultPongWait is the read deadline extended on every pong.
	DefaultPongWait = 60 * time.Second
	// MaxFrameSize is the maximum accepted inbound frame size.
	MaxFrameSize = 1 << 20
)

var defaultReconnectBackoff = []time.Duration{
	2 * time.Second,
	5 * time.Second,
	15 * time.Second,
	60 * time.Second,
}

var (
	// ErrAuthenticationRequired indicates no credential was available at
	// connect time. Fatal to that connect attempt, never retried
	// automatically.
	ErrAuthenticationRequired = errors.New("transport: authentication required")
	// ErrNotConnected indicates the live connection is absent. This is a
	// state for callers to check, not a fault.
	ErrNotConnected = errors.New("transport: no live connection")
	// ErrReconnectExhausted indicates the bounded reconnect attempts all
	// failed; the connection stays down until an explicit Connect.
	ErrReconnectExhausted = errors.New("transport: reconnect attempts exhausted")
)

// StateEvent is a connection lifecycle transition observable by other
// components (e.g. to trigger outbox replay).
type StateEvent string

const (
	StateConnected       StateEvent = "connected"
	StateDisconnected    StateEvent = "disconnected"
	StateReconnected     StateEvent = "reconnected"
	StateReconnectFailed StateEvent = "reconnect_failed"
)

// ManagerOptions configures the connection manager.
type ManagerOptions struct {
	// URL is the realtime channel endpoint (ws:// or wss://).
	URL string
	// Tokens supplies the bearer credential bound to the connection.
	Tokens config.TokenSource

	// ReconnectBackoff caps automatic reconnection: one attempt per slice
	// entry, waiting that entry's delay first.
	ReconnectBackoff []time.Duration

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PongWait         time.Duration

	// Dialer overrides the websocket dialer; used by tests.
	Dialer *websocket.Dialer
}

// liveConn wraps one established websocket connection.
type liveConn struct {
	ws        *websocket.Conn
	done      chan struct{}
	closeOnce sync.Once
}

func (lc *liveConn) finish() {
	lc.closeOnce.Do(func() {
		_ = lc.ws.Close()
		close(lc.done)
	})
}

// Manager owns the single authenticated live connection for the session.
// Transport-level faults are absorbed here and exposed only as connectivity
// state plus entries on the Errors channel, never thrown into callers.
type Manager struct {
	options ManagerOptions

	connMu     sync.RWMutex
	current    *liveConn
	credential string

	writeMu sync.Mutex

	handlerMu sync.RWMutex
	handlers  map[string]func(json.RawMessage) error

	listenerMu sync.RWMutex
	listeners  []func(StateEvent)

	reconnectMu     sync.Mutex
	reconnectCancel context.CancelFunc

	errors chan error
}

// NewManager creates a connection manager with validated configuration.
func NewManager(options ManagerOptions) (*Manager, error) {
	if options.URL == "" {
		return nil, errors.New("url is required")
	}
	if options.Tokens == nil {
		return nil, errors.New("token source is required")
	}
	if len(options.ReconnectBackoff) == 0 {
		options.ReconnectBackoff = append([]time.Duration(nil), defaultReconnectBackoff...)
	}
	if options.HandshakeTimeout <= 0 {
		options.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if options.WriteTimeout <= 0 {
		options.WriteTimeout = DefaultWriteTimeout
	}
	if options.PongWait <= 0 {
		options.PongWait = DefaultPongWait
	}

	return &Manager{
		options:  options,
		handlers: make(map[string]func(json.RawMessage) error),
		errors:   make(chan error, 64),
	}, nil
}

// Connect establishes the live connection. Idempotent: when a live
// connection already exists under the same credential it is kept; otherwise
// any existing connection is torn down and a new one established. Fails
// with ErrAuthenticationRequired when no credential is available.
func (m *Manager) Connect(ctx context.Context) error {
	token, err := m.options.Tokens.Token()
	if err != nil {
		if errors.Is(err, config.ErrNoCredential) {
			return ErrAuthenticationRequired
		}
		return fmt.Errorf("read credential: %w", err)
	}

	m.connMu.Lock()
	if m.current != nil && m.credential == token {
		m.connMu.Unlock()
		return nil
	}
	old := m.current
	m.current = nil
	m.connMu.Unlock()

	m.stopReconnect()
	if old != nil {
		old.finish()
	}

	lc, err := m.dial(ctx, token)
	if err != nil {
		return err
	}

	m.connMu.Lock()
	m.current = lc
	m.credential = token
	m.connMu.Unlock()

	m.notify(StateConnected)
	return nil
}

// IsConnected is a non-blocking connectivity query. While false, callers
// must treat all sends as having no live connection.
func (m *Manager) IsConnected() bool {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return m.current != nil
}

// Disconnect tears down the connection and stops any reconnect worker.
// Safe to call when already disconnected.
func (m *Manager) Disconnect() {
	m.stopReconnect()

	m.connMu.Lock()
	lc := m.current
	m.current = nil
	m.connMu.Unlock()

	if lc == nil {
		return
	}

	m.writeMu.Lock()
	_ = lc.ws.SetWriteDeadline(time.Now().Add(m.options.WriteTimeout))
	_ = lc.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	m.writeMu.Unlock()

	lc.finish()
	m.notify(StateDisconnected)
}

// Emit marshals and writes one named event. Requires a live connection;
// returns ErrNotConnected otherwise.
func (m *Manager) Emit(event string, data any) error {
	m.connMu.RLock()
	lc := m.current
	m.connMu.RUnlock()
	if lc == nil {
		return ErrNotConnected
	}

	payload, err := EncodeEnvelope(event, data)
	if err != nil {
		return err
	}

	m.writeMu.Lock()
	_ = lc.ws.SetWriteDeadline(time.Now().Add(m.options.WriteTimeout))
	writeErr := lc.ws.WriteMessage(websocket.TextMessage, payload)
	m.writeMu.Unlock()

	if writeErr != nil {
		lc.finish()
		m.onConnectionLost(lc, writeErr)
		return fmt.Errorf("write %s: %w", event, writeErr)
	}
	return nil
}

// Subscribe registers the handler for one inbound event name, replacing any
// previous handler. Handlers run on the single read loop, so invocations
// are strictly serialized.
func (m *Manager) Subscribe(event string, handler func(json.RawMessage) error) {
	m.handlerMu.Lock()
	m.handlers[event] = handler
	m.handlerMu.Unlock()
}

// AddStateListener registers an observer for connection lifecycle
// transitions.
func (m *Manager) AddStateListener(listener func(StateEvent)) {
	m.listenerMu.Lock()
	m.listeners = append(m.listeners, listener)
	m.listenerMu.Unlock()
}

// Errors returns asynchronous transport errors (reconnect failures,
// malformed frames).
func (m *Manager) Errors() <-chan error {
	return m.errors
}

func (m *Manager) dial(ctx context.Context, token string) (*liveConn, error) {
	dialer := m.options.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: m.options.HandshakeTimeout}
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	ws, resp, err := dialer.DialContext(ctx, m.options.URL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: server rejected credential", ErrAuthenticationRequired)
		}
		return nil, fmt.Errorf("dial %s: %w", m.options.URL, err)
	}

	ws.SetReadLimit(MaxFrameSize)
	_ = ws.SetReadDeadline(time.Now().Add(m.options.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(m.options.PongWait))
	})

	lc := &liveConn{ws: ws, done: make(chan struct{})}
	go m.readPump(lc)
	go m.pingLoop(lc)

	return lc, nil
}

func (m *Manager) readPump(lc *liveConn) {
	for {
		_, payload, err := lc.ws.ReadMessage()
		if err != nil {
			lc.finish()
			m.onConnectionLost(lc, err)
			return
		}

		envelope, err := DecodeEnvelope(payload)
		if err != nil {
			m.reportError(err)
			continue
		}

		m.handlerMu.RLock()
		handler := m.handlers[envelope.Event]
		m.handlerMu.RUnlock()
		if handler == nil {
			continue
		}
		if err := handler(envelope.Data); err != nil {
			m.reportError(err)
		}
	}
}

func (m *Manager) pingLoop(lc *liveConn) {
	ticker := time.NewTicker(m.options.PongWait * 9 / 10)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.writeMu.Lock()
			_ = lc.ws.SetWriteDeadline(time.Now().Add(m.options.WriteTimeout))
			err := lc.ws.WriteMessage(websocket.PingMessage, nil)
			m.writeMu.Unlock()
			if err != nil {
				lc.finish()
				m.onConnectionLost(lc, err)
				return
			}
		case <-lc.done:
			return
		}
	}
}

// onConnectionLost handles an involuntary drop of lc. A connection already
// replaced or torn down by Connect/Disconnect is ignored.
func (m *Manager) onConnectionLost(lc *liveConn, err error) {
	m.connMu.Lock()
	if m.current != lc {
		m.connMu.Unlock()
		return
	}
	m.current = nil
	m.connMu.Unlock()

	m.reportError(fmt.Errorf("connection lost: %w", err))
	m.notify(StateDisconnected)
	m.startReconnect()
}

func (m *Manager) startReconnect() {
	m.reconnectMu.Lock()
	if m.reconnectCancel != nil {
		m.reconnectMu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.reconnectCancel = cancel
	m.reconnectMu.Unlock()

	go func() {
		defer func() {
			m.reconnectMu.Lock()
			if m.reconnectCancel != nil {
				m.reconnectCancel()
				m.reconnectCancel = nil
			}
			m.reconnectMu.Unlock()
		}()

		for attempt := 0; attempt < len(m.options.ReconnectBackoff); attempt++ {
			timer := time.NewTimer(m.options.ReconnectBackoff[attempt])
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return
			}

			token, err := m.options.Tokens.Token()
			if err != nil {
				m.reportError(fmt.Errorf("reconnect attempt %d: %w", attempt+1, err))
				continue
			}

			lc, err := m.dial(ctx, token)
			if err != nil {
				m.reportError(fmt.Errorf("reconnect attempt %d: %w", attempt+1, err))
				continue
			}

			// An explicit Connect may have raced this dial: if the worker
			// was cancelled or a connection is already installed, this one
			// must not displace it.
			m.connMu.Lock()
			if ctx.Err() != nil || m.current != nil {
				m.connMu.Unlock()
				lc.finish()
				return
			}
			m.current = lc
			m.credential = token
			m.connMu.Unlock()

			m.notify(StateReconnected)
			return
		}

		m.reportError(ErrReconnectExhausted)
		m.notify(StateReconnectFailed)
	}()
}

func (m *Manager) stopReconnect() {
	m.reconnectMu.Lock()
	cancel := m.reconnectCancel
	m.reconnectCancel = nil
	m.reconnectMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (m *Manager) notify(event StateEvent) {
	m.listenerMu.RLock()
	listeners := make([]func(StateEvent), len(m.listeners))
	copy(listeners, m.listeners)
	m.listenerMu.RUnlock()

	for _, listener := range listeners {
		listener(event)
	}
}

func (m *Manager) reportError(err error) {
	if err == nil {
		return
	}
	select {
	case m.errors <- err:
	default:
	}
}
