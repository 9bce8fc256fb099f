package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"groupwatch/internal/monitor"
	"groupwatch/internal/storage"
	"groupwatch/internal/transport"
	logx "groupwatch/pkg/logx"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsReadLimit    = 4 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The gateway binds to loopback by default; origin checks are left to a
	// fronting proxy when exposed.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// controlFrame is what subscribers send: {"type": "ping"}, {"type":
// "get_status"}, {"type": "subscribe", "group_ids": [...]}.
type controlFrame struct {
	Type     string  `json:"type"`
	GroupIDs []int64 `json:"group_ids,omitempty"`
	UserIDs  []any   `json:"user_ids,omitempty"`
}

// wsStream adapts one WebSocket connection to monitor.Stream. Writes are
// serialized by a mutex; the monitor broadcasts from many goroutines.
type wsStream struct {
	id   string
	conn *websocket.Conn

	mu sync.Mutex
}

func (s *wsStream) ID() string { return s.id }

func (s *wsStream) Send(ctx context.Context, f monitor.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline := time.Now().Add(wsWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = s.conn.SetWriteDeadline(deadline)
	return s.conn.WriteJSON(f)
}

func (s *wsStream) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return s.conn.Close()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	targets, err := targetsFromQuery(r, s.cfg.DefaultGroupIDs, s.cfg.DefaultUserRefs)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("ws upgrade failed", logx.Err(err))
		return
	}
	conn.SetReadLimit(wsReadLimit)

	stream := &wsStream{id: uuid.NewString(), conn: conn}
	log := s.log.With(logx.String("stream", stream.id))

	if len(targets.GroupIDs) == 0 && len(targets.UserRefs) == 0 {
		// Nothing to monitor for this subscriber.
		closeWith(conn, websocket.ClosePolicyViolation, "no group_ids or user_ids")
		return
	}

	// A subscriber connecting implies the monitor should run.
	if err := s.svc.Start(r.Context(), targets); err != nil {
		log.Warn("monitor start for subscriber failed", logx.Err(err))
		_ = stream.Send(r.Context(), monitor.Frame{
			Type: monitor.FrameError, Message: err.Error(), Timestamp: time.Now().UTC(),
		})
		closeWith(conn, websocket.CloseInternalServerErr, "monitor start failed")
		return
	}

	gm, ok := s.svc.Existing()
	if !ok {
		closeWith(conn, websocket.CloseInternalServerErr, "monitor unavailable")
		return
	}

	gm.AddStream(r.Context(), stream)
	storage.Record(r.Context(), s.store, s.log, storage.AuditEntry{
		Actor:  r.RemoteAddr,
		Action: "ws.connect",
		Target: stream.id,
		OK:     true,
	})
	log.Info("subscriber connected", logx.String("remote", r.RemoteAddr))

	s.readLoop(r.Context(), gm, stream, log)

	gm.RemoveStream(stream.id)
	_ = conn.Close()
	storage.Record(context.WithoutCancel(r.Context()), s.store, s.log, storage.AuditEntry{
		Actor:  r.RemoteAddr,
		Action: "ws.disconnect",
		Target: stream.id,
		OK:     true,
	})
	log.Info("subscriber disconnected")
}

// readLoop consumes control frames until the peer goes away. Control frames
// are rate limited per connection; data flows the other way only.
func (s *Server) readLoop(ctx context.Context, gm *monitor.GroupMonitor, stream *wsStream, log logx.Logger) {
	limiter := rate.NewLimiter(rate.Limit(s.cfg.ControlRatePerSec), int(s.cfg.ControlRatePerSec)+1)
	for {
		_, data, err := stream.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!errors.Is(err, context.Canceled) {
				log.Debug("ws read ended", logx.Err(err))
			}
			return
		}
		if !limiter.Allow() {
			_ = stream.Send(ctx, monitor.Frame{
				Type: monitor.FrameError, Message: "control frames rate limited", Timestamp: time.Now().UTC(),
			})
			continue
		}

		var cf controlFrame
		if err := json.Unmarshal(data, &cf); err != nil {
			_ = stream.Send(ctx, monitor.Frame{
				Type: monitor.FrameError, Message: "invalid control frame", Timestamp: time.Now().UTC(),
			})
			continue
		}

		switch strings.ToLower(strings.TrimSpace(cf.Type)) {
		case "ping":
			_ = stream.Send(ctx, monitor.Frame{Type: monitor.FramePong, Timestamp: time.Now().UTC()})
		case "get_status":
			_ = stream.Send(ctx, monitor.Frame{
				Type: monitor.FrameStatus, Data: gm.Status(), Timestamp: time.Now().UTC(),
			})
		case "subscribe", "unsubscribe":
			// Target changes require a monitor restart; acknowledged but not applied.
			log.Info("scope change requested", logx.String("op", cf.Type))
			_ = stream.Send(ctx, monitor.Frame{
				Type: monitor.FrameStatus, Message: cf.Type + " noted; scope is fixed for the session", Timestamp: time.Now().UTC(),
			})
		default:
			_ = stream.Send(ctx, monitor.Frame{
				Type: monitor.FrameError, Message: "unknown control frame type", Timestamp: time.Now().UTC(),
			})
		}
	}
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = conn.Close()
}

// targetsFromQuery reads group_ids and user_ids as comma separated lists.
// Missing params fall back to the configured defaults.
func targetsFromQuery(r *http.Request, defGroups []int64, defUsers []transport.EntityRef) (monitor.Targets, error) {
	q := r.URL.Query()

	var t monitor.Targets
	if raw := strings.TrimSpace(q.Get("group_ids")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := strconv.ParseInt(part, 10, 64)
			if err != nil {
				return monitor.Targets{}, errors.New("invalid group id: " + part)
			}
			t.GroupIDs = append(t.GroupIDs, id)
		}
	}
	if raw := strings.TrimSpace(q.Get("user_ids")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			t.UserRefs = append(t.UserRefs, parseUserRef(part))
		}
	}

	if len(t.GroupIDs) == 0 && len(t.UserRefs) == 0 {
		t.GroupIDs = append(t.GroupIDs, defGroups...)
		t.UserRefs = append(t.UserRefs, defUsers...)
	}
	return t, nil
}

// parseUserRef accepts a numeric id or a username with optional @ prefix.
func parseUserRef(s string) transport.EntityRef {
	if id, err := strconv.ParseInt(strings.TrimPrefix(s, "@"), 10, 64); err == nil {
		return transport.RefID(id)
	}
	return transport.RefUsername(s)
}
