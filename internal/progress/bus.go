package progress

import (
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Handler receives events delivered by a Bus.
type Handler func(evt Event)

type subscription struct {
	id      uint64
	pattern string
	handler Handler
}

// Bus delivers events synchronously, in publish order, to every handler whose
// pattern matches. Patterns are an exact type, "*" for everything, or a scope
// wildcard such as "job:*".
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	closed bool
	logger *zap.Logger
}

// NewBus returns an empty bus. A nil logger is replaced with a no-op one.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{logger: logger}
}

// On subscribes h to pattern and returns a function that removes the
// subscription. Subscribing to a closed bus is a no-op.
func (b *Bus) On(pattern string, h Handler) func() {
	if h == nil {
		return func() {}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return func() {}
	}
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, pattern: pattern, handler: h})

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers evt to the matching handlers on the calling goroutine. A
// panicking handler is logged and skipped.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	subs := make([]subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if Match(s.pattern, evt.Type) {
			subs = append(subs, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range subs {
		b.deliver(s, evt)
	}
}

func (b *Bus) deliver(s subscription, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				zap.String("event", string(evt.Type)),
				zap.String("pattern", s.pattern),
				zap.Any("panic", r),
			)
		}
	}()
	s.handler(evt)
}

// Len returns the number of live subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close releases every subscription. Later publishes are dropped.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	b.subs = nil
	b.mu.Unlock()
}

// Match reports whether pattern selects t.
func Match(pattern string, t Type) bool {
	switch {
	case pattern == "*":
		return true
	case strings.HasSuffix(pattern, ":*"):
		return strings.HasPrefix(string(t), strings.TrimSuffix(pattern, "*"))
	default:
		return pattern == string(t)
	}
}
