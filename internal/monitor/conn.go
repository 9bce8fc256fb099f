package monitor

import (
	"context"
	"sync"
	"sync/atomic"

	"groupwatch/internal/eventbus"
	"groupwatch/internal/transport"
	logx "groupwatch/pkg/logx"
)

// RawHandler receives each inbound message in registration order.
type RawHandler func(ctx context.Context, raw transport.RawMessage)

// ConnManager owns the single transport session: connection lifecycle, the
// entity cache, and ordered dispatch of inbound messages.
type ConnManager struct {
	session transport.Session
	bus     *eventbus.Bus
	log     logx.Logger

	mu        sync.Mutex
	connected bool
	self      transport.SelfInfo
	retries   int

	// cache maps entity id to the last resolved info. Username lookups are
	// never cached: a username can move to a different entity at any time,
	// so only the numeric id is a stable cache key.
	cache map[int64]transport.EntityInfo

	hmu      sync.Mutex
	handlers []*handlerEntry
	nextHID  uint64

	dispatchCancel context.CancelFunc
	dispatchDone   chan struct{}

	msgSeen uint64
}

type handlerEntry struct {
	id uint64
	fn RawHandler
}

func NewConnManager(session transport.Session, bus *eventbus.Bus, log logx.Logger) *ConnManager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &ConnManager{
		session: session,
		bus:     bus,
		log:     log,
		cache:   make(map[int64]transport.EntityInfo),
	}
}

// Connect establishes the session. Failed attempts increment the retry
// counter; a successful connect resets it.
func (m *ConnManager) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connected {
		return nil
	}

	if err := m.session.Connect(ctx); err != nil {
		m.retries++
		m.log.Warn("connect failed", logx.Int("attempt", m.retries), logx.Err(err))
		return &ConnectionError{Op: "connect", Err: err}
	}

	self, err := m.session.Me(ctx)
	if err != nil {
		m.retries++
		_ = m.session.Disconnect(ctx)
		return &ConnectionError{Op: "identify", Err: err}
	}

	m.connected = true
	m.self = self
	m.retries = 0
	m.log.Info("connected", logx.Int64("client_id", self.ID), logx.String("username", self.Username))

	m.bus.Publish(ctx, eventbus.TypeConnectionRestored, map[string]any{
		"client_id": self.ID,
		"username":  self.Username,
	}, "conn_manager")
	return nil
}

// Disconnect tears down the session and the dispatch loop. Safe to call when
// already disconnected.
func (m *ConnManager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return nil
	}
	m.connected = false
	cancel := m.dispatchCancel
	done := m.dispatchDone
	m.dispatchCancel = nil
	m.dispatchDone = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	err := m.session.Disconnect(ctx)
	if done != nil {
		<-done
	}

	m.bus.Publish(ctx, eventbus.TypeConnectionLost, map[string]any{"reason": "disconnect"}, "conn_manager")
	if err != nil {
		return &ConnectionError{Op: "disconnect", Err: err}
	}
	return nil
}

func (m *ConnManager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Self returns the authenticated account, valid only while connected.
func (m *ConnManager) Self() (transport.SelfInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.self, m.connected
}

// Entity resolves a reference. Id refs hit the cache first; username refs go
// to the transport every time, but the result is cached under its numeric id
// so later id lookups are free.
func (m *ConnManager) Entity(ctx context.Context, ref transport.EntityRef) (transport.EntityInfo, error) {
	if !ref.IsUsername() {
		m.mu.Lock()
		info, ok := m.cache[ref.ID]
		m.mu.Unlock()
		if ok {
			return info, nil
		}
	}

	info, err := m.session.Resolve(ctx, ref)
	if err != nil {
		return transport.EntityInfo{}, &ConnectionError{Op: "resolve " + ref.String(), Err: err}
	}

	m.mu.Lock()
	m.cache[info.ID] = info
	m.mu.Unlock()
	return info, nil
}

func (m *ConnManager) CachedEntities() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cache)
}

// AddMessageHandler registers fn at the end of the dispatch order and returns
// a removal func. Handlers run sequentially per message.
func (m *ConnManager) AddMessageHandler(fn RawHandler) (remove func()) {
	m.hmu.Lock()
	m.nextHID++
	entry := &handlerEntry{id: m.nextHID, fn: fn}
	m.handlers = append(m.handlers, entry)
	m.hmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.hmu.Lock()
			defer m.hmu.Unlock()
			for i, h := range m.handlers {
				if h.id == entry.id {
					m.handlers = append(m.handlers[:i], m.handlers[i+1:]...)
					return
				}
			}
		})
	}
}

func (m *ConnManager) HandlerCount() int {
	m.hmu.Lock()
	defer m.hmu.Unlock()
	return len(m.handlers)
}

// StartMonitoring scopes the session to the given entities and starts the
// dispatch loop. Each inbound message is published on the bus, then handed to
// every registered handler in order.
func (m *ConnManager) StartMonitoring(ctx context.Context, entityIDs []int64) error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return &ConnectionError{Op: "start monitoring", Err: errNotConnected}
	}
	if m.dispatchDone != nil {
		m.mu.Unlock()
		return nil
	}

	inbox := make(chan transport.RawMessage, 256)
	if err := m.session.Watch(ctx, entityIDs, inbox); err != nil {
		m.mu.Unlock()
		return &ConnectionError{Op: "watch", Err: err}
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	m.dispatchCancel = cancel
	m.dispatchDone = done
	m.mu.Unlock()

	go m.dispatchLoop(loopCtx, inbox, done)
	return nil
}

func (m *ConnManager) dispatchLoop(ctx context.Context, inbox <-chan transport.RawMessage, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-inbox:
			atomic.AddUint64(&m.msgSeen, 1)
			m.bus.Publish(ctx, eventbus.TypeMessageReceived, map[string]any{
				"message_id": raw.ID,
				"chat_id":    raw.ChatID,
				"sender_id":  raw.SenderID,
			}, "conn_manager")

			m.hmu.Lock()
			handlers := make([]*handlerEntry, len(m.handlers))
			copy(handlers, m.handlers)
			m.hmu.Unlock()

			for _, h := range handlers {
				m.runHandler(ctx, h, raw)
			}
		}
	}
}

// runHandler isolates panics so one bad handler cannot stall dispatch.
func (m *ConnManager) runHandler(ctx context.Context, h *handlerEntry, raw transport.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("message handler panicked", logx.Uint64("handler", h.id), logx.Any("panic", r))
		}
	}()
	h.fn(ctx, raw)
}

// ConnectionStatus is a point-in-time view for status endpoints.
type ConnectionStatus struct {
	Connected      bool   `json:"connected"`
	RetryCount     int    `json:"retry_count"`
	CachedEntities int    `json:"cached_entities"`
	Handlers       int    `json:"handlers"`
	MessagesSeen   uint64 `json:"messages_seen"`
}

func (m *ConnManager) Status() ConnectionStatus {
	m.mu.Lock()
	connected := m.connected
	retries := m.retries
	cached := len(m.cache)
	m.mu.Unlock()
	return ConnectionStatus{
		Connected:      connected,
		RetryCount:     retries,
		CachedEntities: cached,
		Handlers:       m.HandlerCount(),
		MessagesSeen:   atomic.LoadUint64(&m.msgSeen),
	}
}
