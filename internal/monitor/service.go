package monitor

import (
	"context"
	"sync"

	"groupwatch/internal/eventbus"
	"groupwatch/internal/transport"
	logx "groupwatch/pkg/logx"
)

// Service hands out the process-wide GroupMonitor. The first Instance call
// creates it; later calls return the same monitor and ignore their arguments.
type Service struct {
	conn     *ConnManager
	bus      *eventbus.Bus
	log      logx.Logger
	defaults Targets

	mu sync.Mutex
	gm *GroupMonitor
}

// Targets is the monitored scope: chat ids plus user refs (id or username).
type Targets struct {
	GroupIDs []int64
	UserRefs []transport.EntityRef
}

func (t Targets) empty() bool { return len(t.GroupIDs) == 0 && len(t.UserRefs) == 0 }

func NewService(conn *ConnManager, bus *eventbus.Bus, defaults Targets, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{conn: conn, bus: bus, log: log, defaults: defaults}
}

// Instance returns the shared monitor, creating it on first call. Empty
// targets fall back to the service defaults. Once created, the targets are
// fixed; differing arguments on later calls are ignored.
func (s *Service) Instance(t Targets) (*GroupMonitor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gm != nil {
		return s.gm, nil
	}

	if t.empty() {
		t = s.defaults
	}
	gm, err := NewGroupMonitor(s.conn, s.bus, t.GroupIDs, t.UserRefs, s.log)
	if err != nil {
		return nil, err
	}
	s.gm = gm
	s.log.Info("monitor created",
		logx.Int("groups", len(t.GroupIDs)), logx.Int("users", len(t.UserRefs)))
	return gm, nil
}

// Existing returns the monitor only if it has already been created.
func (s *Service) Existing() (*GroupMonitor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gm, s.gm != nil
}

// Start creates the monitor if needed and starts it. Starting an already
// running monitor is a no-op.
func (s *Service) Start(ctx context.Context, t Targets) error {
	gm, err := s.Instance(t)
	if err != nil {
		return err
	}
	return gm.Start(ctx)
}

// Stop stops the monitor if one exists. Never an error: stopping a stopped
// or never-created monitor is a no-op.
func (s *Service) Stop(ctx context.Context) {
	if gm, ok := s.Existing(); ok {
		gm.Stop(ctx)
	}
}

// Shutdown stops the monitor and closes all subscriber streams.
func (s *Service) Shutdown(ctx context.Context) {
	if gm, ok := s.Existing(); ok {
		gm.Shutdown(ctx)
	}
}

// Status reports the monitor snapshot, or a zero-value snapshot when no
// monitor exists yet.
func (s *Service) Status() Status {
	if gm, ok := s.Existing(); ok {
		return gm.Status()
	}
	st := Status{ConnectionStatus: "disconnected", MonitoredEntities: []MonitoredEntity{}}
	if s.conn.Connected() {
		st.ConnectionStatus = "connected"
	}
	return st
}

// Connection exposes the connection status for diagnostics endpoints.
func (s *Service) Connection() ConnectionStatus { return s.conn.Status() }
