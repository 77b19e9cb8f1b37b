package chat

import (
	"sync"
	"time"
)

// DefaultTypingIdle is how long after the last keystroke a typing-stop is
// emitted automatically.
const DefaultTypingIdle = 4 * time.Second

type typingEmitter interface {
	EmitTypingStart(conversationID string) error
	EmitTypingStop(conversationID string) error
}

// TypingNotifier emits typing signals with an auto-stop timer per
// conversation. Signals are best-effort UX hints: one lost to a disconnect is
// simply lost, never queued or retried. Each new Keystroke replaces any
// pending stop-timer.
type TypingNotifier struct {
	emitter typingEmitter
	idle    time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewTypingNotifier builds a notifier with the given idle window. A zero
// idle falls back to DefaultTypingIdle.
func NewTypingNotifier(emitter typingEmitter, idle time.Duration) *TypingNotifier {
	if idle <= 0 {
		idle = DefaultTypingIdle
	}
	return &TypingNotifier{
		emitter: emitter,
		idle:    idle,
		timers:  make(map[string]*time.Timer),
	}
}

// Keystroke signals typing activity and arms (or re-arms) the stop-timer.
func (n *TypingNotifier) Keystroke(conversationID string) {
	n.mu.Lock()
	if timer, ok := n.timers[conversationID]; ok {
		timer.Stop()
	}
	n.timers[conversationID] = time.AfterFunc(n.idle, func() {
		n.Stop(conversationID)
	})
	n.mu.Unlock()

	_ = n.emitter.EmitTypingStart(conversationID)
}

// Stop cancels any pending stop-timer and signals the end of typing.
func (n *TypingNotifier) Stop(conversationID string) {
	n.mu.Lock()
	if timer, ok := n.timers[conversationID]; ok {
		timer.Stop()
		delete(n.timers, conversationID)
	}
	n.mu.Unlock()

	_ = n.emitter.EmitTypingStop(conversationID)
}

// Close stops every pending timer without emitting further signals.
func (n *TypingNotifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for id, timer := range n.timers {
		timer.Stop()
		delete(n.timers, id)
	}
}
