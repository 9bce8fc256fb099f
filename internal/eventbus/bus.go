// Package eventbus is the typed publish/subscribe hub decoupling the
// transport layer from the monitor and from status reporting.
package eventbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	logx "groupwatch/pkg/logx"
)

// Type identifies a class of bus events.
type Type string

const (
	TypeMessageReceived    Type = "message_received"
	TypeMessageProcessed   Type = "message_processed"
	TypeConnectionLost     Type = "connection_lost"
	TypeConnectionRestored Type = "connection_restored"
	TypeErrorOccurred      Type = "error_occurred"
	TypeMonitorStarted     Type = "monitor_started"
	TypeMonitorStopped     Type = "monitor_stopped"
	TypeReportEmitted      Type = "report_emitted"
)

// Event is immutable once published. Payload must not be mutated by handlers.
type Event struct {
	Type    Type
	Payload map[string]any
	Time    time.Time
	Source  string
	ID      string
}

// Handler receives one event. Handlers for the same event run concurrently;
// a panicking handler is logged and does not affect its siblings.
type Handler func(ctx context.Context, e Event)

const maxHistory = 1000

// Bus fans events out to per-type handlers and keeps a bounded history of the
// last published events for introspection. The history is not a delivery
// guarantee.
type Bus struct {
	log logx.Logger
	seq atomic.Uint64

	mu   sync.RWMutex
	subs map[Type][]*subscription

	histMu  sync.Mutex
	history []Event
}

type subscription struct {
	id uint64
	fn Handler
}

func New(log logx.Logger) *Bus {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Bus{
		log:  log,
		subs: map[Type][]*subscription{},
	}
}

// Subscribe registers a handler for one event type and returns its
// unsubscribe function. Unsubscribing twice is safe.
func (b *Bus) Subscribe(t Type, fn Handler) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	sub := &subscription{id: b.seq.Add(1), fn: fn}

	b.mu.Lock()
	b.subs[t] = append(b.subs[t], sub)
	b.mu.Unlock()

	b.log.Debug("subscribed", logx.String("type", string(t)))

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			list := b.subs[t]
			for i, s := range list {
				if s.id == sub.id {
					b.subs[t] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
		})
	}
}

// Publish builds the event, records it in history and delivers it to every
// current subscriber of the type concurrently. It returns only after all
// handlers have returned (or panicked; panics are logged and isolated).
func (b *Bus) Publish(ctx context.Context, t Type, payload map[string]any, source string) {
	if source == "" {
		source = "unknown"
	}
	now := time.Now()
	e := Event{
		Type:    t,
		Payload: payload,
		Time:    now,
		Source:  source,
		ID:      fmt.Sprintf("%s_%d", t, now.UnixNano()),
	}

	b.appendHistory(e)

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[t]))
	for _, s := range b.subs[t] {
		handlers = append(handlers, s.fn)
	}
	b.mu.RUnlock()

	if len(handlers) == 0 {
		return
	}

	var wg sync.WaitGroup
	wg.Add(len(handlers))
	for _, fn := range handlers {
		fn := fn
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					b.log.Error("event handler panicked",
						logx.String("type", string(t)),
						logx.String("source", source),
						logx.Any("panic", r))
				}
			}()
			fn(ctx, e)
		}()
	}
	wg.Wait()

	b.log.Debug("event published", logx.String("type", string(t)), logx.String("source", source))
}

func (b *Bus) appendHistory(e Event) {
	b.histMu.Lock()
	defer b.histMu.Unlock()
	b.history = append(b.history, e)
	if len(b.history) > maxHistory {
		// FIFO eviction; copy to keep the backing array from growing forever.
		b.history = append([]Event(nil), b.history[len(b.history)-maxHistory:]...)
	}
}

// History returns up to limit recent events, newest-last. An empty type
// returns events of all types.
func (b *Bus) History(t Type, limit int) []Event {
	if limit <= 0 {
		limit = 100
	}

	b.histMu.Lock()
	defer b.histMu.Unlock()

	var filtered []Event
	if t == "" {
		filtered = b.history
	} else {
		for _, e := range b.history {
			if e.Type == t {
				filtered = append(filtered, e)
			}
		}
	}
	if len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}
	out := make([]Event, len(filtered))
	copy(out, filtered)
	return out
}

// SubscriberCount reports how many handlers are registered for a type.
func (b *Bus) SubscriberCount(t Type) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[t])
}
