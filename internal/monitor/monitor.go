// Package monitor watches a set of Telegram entities and broadcasts every
// processed message to subscriber streams.
package monitor

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"groupwatch/internal/eventbus"
	"groupwatch/internal/transport"
	logx "groupwatch/pkg/logx"
)

// GroupMonitor ties the connection manager, the parser and the stream
// registry into one start/stoppable pipeline.
type GroupMonitor struct {
	conn     *ConnManager
	bus      *eventbus.Bus
	registry *registry
	log      logx.Logger

	groupIDs []int64
	userRefs []transport.EntityRef

	mu            sync.Mutex
	running       bool
	startedAt     time.Time
	lastActivity  time.Time
	entities      []MonitoredEntity
	removeHandler func()
	unsubs        []func()

	msgCount uint64
	errCount uint64
}

// NewGroupMonitor validates the target set up front: a monitor with nothing
// to watch is a configuration mistake, not a runtime condition.
func NewGroupMonitor(conn *ConnManager, bus *eventbus.Bus, groupIDs []int64, userRefs []transport.EntityRef, log logx.Logger) (*GroupMonitor, error) {
	if len(groupIDs) == 0 && len(userRefs) == 0 {
		return nil, &MonitorError{Op: "new", Err: errors.New("no groups or users to monitor")}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &GroupMonitor{
		conn:     conn,
		bus:      bus,
		registry: newRegistry(log.With(logx.String("comp", "registry"))),
		log:      log,
		groupIDs: append([]int64(nil), groupIDs...),
		userRefs: append([]transport.EntityRef(nil), userRefs...),
	}, nil
}

// Start connects if needed, resolves the targets and begins dispatch. Target
// resolution is partial: individual failures are logged and skipped, and only
// a fully empty result aborts. Any later failure rolls back every change this
// call made.
func (m *GroupMonitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}

	var undo []func()
	rollback := func() {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
	}

	if !m.conn.Connected() {
		err := withRetry(ctx, m.log, "connect", func(c context.Context) error {
			if cerr := m.conn.Connect(c); cerr != nil {
				return &RetryableError{Op: "connect", Err: cerr}
			}
			return nil
		})
		if err != nil {
			return &MonitorError{Op: "start", Err: err}
		}
		undo = append(undo, func() { _ = m.conn.Disconnect(ctx) })
	}

	entities, ids := m.resolveTargets(ctx)
	if len(entities) == 0 {
		rollback()
		return &MonitorError{Op: "start", Err: errors.New("no monitored entities could be resolved")}
	}

	unsubLost := m.bus.Subscribe(eventbus.TypeConnectionLost, func(c context.Context, e eventbus.Event) {
		m.registry.Note(c, newFrame(FrameStatus, map[string]any{"connection_status": "disconnected"}, "connection lost"))
	})
	unsubRestored := m.bus.Subscribe(eventbus.TypeConnectionRestored, func(c context.Context, e eventbus.Event) {
		m.registry.Note(c, newFrame(FrameStatus, map[string]any{"connection_status": "connected"}, "connection restored"))
	})
	unsubs := []func(){unsubLost, unsubRestored}
	undo = append(undo, unsubLost, unsubRestored)

	remove := m.conn.AddMessageHandler(func(c context.Context, raw transport.RawMessage) {
		m.Process(c, &raw)
	})
	undo = append(undo, remove)

	if err := m.conn.StartMonitoring(ctx, ids); err != nil {
		rollback()
		return &MonitorError{Op: "start", Err: err}
	}

	m.running = true
	m.startedAt = time.Now()
	m.entities = entities
	m.removeHandler = remove
	m.unsubs = unsubs
	m.log.Info("monitor started", logx.Int("entities", len(entities)))

	m.bus.Publish(ctx, eventbus.TypeMonitorStarted, map[string]any{
		"monitored_count": len(entities),
	}, "group_monitor")
	return nil
}

// resolveTargets resolves every configured group id and user ref, skipping
// failures, and returns the status entities sorted by kind plus the raw id
// list for the watch scope.
func (m *GroupMonitor) resolveTargets(ctx context.Context) ([]MonitoredEntity, []int64) {
	refs := make([]transport.EntityRef, 0, len(m.groupIDs)+len(m.userRefs))
	for _, id := range m.groupIDs {
		refs = append(refs, transport.RefID(id))
	}
	refs = append(refs, m.userRefs...)

	seen := make(map[int64]struct{}, len(refs))
	entities := make([]MonitoredEntity, 0, len(refs))
	ids := make([]int64, 0, len(refs))
	for _, ref := range refs {
		info, err := m.conn.Entity(ctx, ref)
		if err != nil {
			m.log.Warn("entity resolve failed, skipping", logx.String("ref", ref.String()), logx.Err(err))
			continue
		}
		if _, dup := seen[info.ID]; dup {
			continue
		}
		seen[info.ID] = struct{}{}
		entities = append(entities, MonitoredEntity{
			ID:   info.ID,
			Name: entityDisplayName(info),
			Type: entityKind(info),
		})
		ids = append(ids, info.ID)
	}

	sort.SliceStable(entities, func(i, j int) bool {
		return kindRank(entities[i].Type) < kindRank(entities[j].Type)
	})
	return entities, ids
}

func entityKind(info transport.EntityInfo) EntityKind {
	switch {
	case info.Megagroup:
		return KindSupergroup
	case info.Broadcast:
		return KindChannel
	case info.Title != "":
		return KindGroup
	default:
		return KindUser
	}
}

func entityDisplayName(info transport.EntityInfo) string {
	if info.Title != "" {
		return info.Title
	}
	name := strings.TrimSpace(strings.TrimSpace(info.FirstName) + " " + strings.TrimSpace(info.LastName))
	if name != "" {
		return name
	}
	if info.Username != "" {
		return "@" + info.Username
	}
	return "Unknown"
}

// Stop winds the monitor down. Every step is best effort: a failure in one
// does not prevent the others, and Stop itself never fails. Every subscriber
// stream receives a final status notice and is closed; a subscriber that
// wants to follow a later Start reconnects.
func (m *GroupMonitor) Stop(ctx context.Context) {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	uptime := time.Since(m.startedAt).Round(time.Second)
	remove := m.removeHandler
	unsubs := m.unsubs
	m.removeHandler = nil
	m.unsubs = nil
	m.mu.Unlock()

	if remove != nil {
		remove()
	}
	for _, u := range unsubs {
		u()
	}
	if err := m.conn.Disconnect(ctx); err != nil {
		m.log.Warn("disconnect during stop", logx.Err(err))
	}

	m.registry.CloseAll(ctx)
	m.bus.Publish(ctx, eventbus.TypeMonitorStopped, map[string]any{
		"message_count": atomic.LoadUint64(&m.msgCount),
		"uptime":        uptime.String(),
	}, "group_monitor")
	m.log.Info("monitor stopped", logx.String("uptime", uptime.String()))
}

// Process turns one raw message into a broadcast frame. It reports whether
// the message was counted and delivered. Extraction is defensive: missing
// names fall back to placeholders and a panic anywhere is contained.
func (m *GroupMonitor) Process(ctx context.Context, raw *transport.RawMessage) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			atomic.AddUint64(&m.errCount, 1)
			m.log.Error("processing panicked", logx.Any("panic", r))
			m.bus.Publish(ctx, eventbus.TypeErrorOccurred, map[string]any{
				"op":    "process",
				"error": "panic during processing",
			}, "group_monitor")
		}
	}()

	if raw == nil {
		m.log.Warn("nil message, skipping")
		return false
	}

	count := atomic.AddUint64(&m.msgCount, 1)
	msg := m.buildMessage(ctx, raw)

	m.registry.Broadcast(ctx, newFrame(FrameMessage, msg, ""))
	m.bus.Publish(ctx, eventbus.TypeMessageProcessed, map[string]any{
		"message_id":  msg.MessageID,
		"chat_id":     msg.ChatID,
		"parsed_type": string(msg.ParsedType),
		"count":       count,
	}, "group_monitor")

	m.mu.Lock()
	m.lastActivity = time.Now()
	m.mu.Unlock()
	return true
}

func (m *GroupMonitor) buildMessage(ctx context.Context, raw *transport.RawMessage) Message {
	chatName := strings.TrimSpace(raw.ChatTitle)
	if chatName == "" && raw.ChatUsername != "" {
		chatName = "@" + raw.ChatUsername
	}
	if chatName == "" && raw.ChatID != 0 {
		// Some updates omit the title; resolve it, retrying transient failures.
		err := withRetry(ctx, m.log, "resolve chat", func(c context.Context) error {
			info, rerr := m.conn.Entity(c, transport.RefID(raw.ChatID))
			if rerr != nil {
				return &RetryableError{Op: "resolve chat", Err: rerr}
			}
			chatName = entityDisplayName(info)
			return nil
		})
		if err != nil {
			atomic.AddUint64(&m.errCount, 1)
			m.bus.Publish(ctx, eventbus.TypeErrorOccurred, map[string]any{
				"op":      "resolve chat",
				"chat_id": raw.ChatID,
				"error":   err.Error(),
			}, "group_monitor")
		}
	}
	if chatName == "" {
		chatName = "Unknown Group"
	}

	senderName := strings.TrimSpace(strings.TrimSpace(raw.SenderFirstName) + " " + strings.TrimSpace(raw.SenderLastName))
	if senderName == "" && raw.SenderUsername != "" {
		senderName = "@" + raw.SenderUsername
	}
	if senderName == "" {
		senderName = "Unknown"
	}

	parsedType, parsedData := Classify(raw.Text)

	return Message{
		MessageID:  raw.ID,
		ChatID:     raw.ChatID,
		ChatName:   chatName,
		SenderID:   raw.SenderID,
		SenderName: senderName,
		Text:       raw.Text,
		Date:       raw.SentAt,
		HasMedia:   raw.Media != "",
		MediaType:  string(raw.Media),
		Timestamp:  time.Now().UTC(),
		ParsedType: parsedType,
		ParsedData: parsedData,
	}
}

// AddStream registers a subscriber and greets it with the current status.
func (m *GroupMonitor) AddStream(ctx context.Context, s Stream) {
	m.registry.Add(ctx, s, m.Status())
}

func (m *GroupMonitor) RemoveStream(id string) { m.registry.Remove(id) }

func (m *GroupMonitor) StreamCount() int { return m.registry.Count() }

// Shutdown is Stop plus closing any streams that attached while the monitor
// was not running. Used on process exit.
func (m *GroupMonitor) Shutdown(ctx context.Context) {
	m.Stop(ctx)
	m.registry.CloseAll(ctx)
}

func (m *GroupMonitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *GroupMonitor) MessageCount() uint64 { return atomic.LoadUint64(&m.msgCount) }

// Status assembles the point-in-time snapshot served to subscribers and the
// status endpoint.
func (m *GroupMonitor) Status() Status {
	m.mu.Lock()
	running := m.running
	startedAt := m.startedAt
	entities := make([]MonitoredEntity, len(m.entities))
	copy(entities, m.entities)
	m.mu.Unlock()

	// Uptime travels as elapsed seconds so clients can treat it numerically.
	uptime := 0.0
	if running {
		uptime = time.Since(startedAt).Seconds()
	}
	connStatus := "disconnected"
	if m.conn.Connected() {
		connStatus = "connected"
	}
	return Status{
		IsRunning:         running,
		MonitoredCount:    len(entities),
		MessageCount:      atomic.LoadUint64(&m.msgCount),
		Uptime:            uptime,
		ConnectionStatus:  connStatus,
		MonitoredEntities: entities,
	}
}
