package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"groupwatch/internal/transport"
)

// fakeSession is an in-memory transport.Session for tests. Resolve calls are
// counted per ref so cache behavior is observable.
type fakeSession struct {
	mu       sync.Mutex
	entities map[int64]transport.EntityInfo
	byName   map[string]transport.EntityInfo

	connectErr error
	resolveErr error

	connectCalls int
	resolveCalls map[string]int
	connected    bool

	watchIDs []int64
	watchOut chan<- transport.RawMessage
}

func newFakeSession(entities ...transport.EntityInfo) *fakeSession {
	s := &fakeSession{
		entities:     make(map[int64]transport.EntityInfo),
		byName:       make(map[string]transport.EntityInfo),
		resolveCalls: make(map[string]int),
	}
	for _, e := range entities {
		s.entities[e.ID] = e
		if e.Username != "" {
			s.byName[e.Username] = e
		}
	}
	return s
}

func (s *fakeSession) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectCalls++
	if s.connectErr != nil {
		return s.connectErr
	}
	s.connected = true
	return nil
}

func (s *fakeSession) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

func (s *fakeSession) Me(ctx context.Context) (transport.SelfInfo, error) {
	return transport.SelfInfo{ID: 42, FirstName: "Fake", Username: "fakebot"}, nil
}

func (s *fakeSession) Resolve(ctx context.Context, ref transport.EntityRef) (transport.EntityInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolveCalls[ref.String()]++
	if s.resolveErr != nil {
		return transport.EntityInfo{}, s.resolveErr
	}
	if ref.IsUsername() {
		if e, ok := s.byName[ref.Username]; ok {
			return e, nil
		}
	} else if e, ok := s.entities[ref.ID]; ok {
		return e, nil
	}
	return transport.EntityInfo{}, errors.New("entity not found")
}

func (s *fakeSession) Watch(ctx context.Context, entityIDs []int64, out chan<- transport.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchIDs = append([]int64(nil), entityIDs...)
	s.watchOut = out
	return nil
}

func (s *fakeSession) calls(ref transport.EntityRef) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolveCalls[ref.String()]
}

// fakeStream records every frame it receives. When fail is set, Send errors.
type fakeStream struct {
	id   string
	fail atomic.Bool

	mu     sync.Mutex
	frames []Frame
	closed bool
}

func newFakeStream(id string) *fakeStream { return &fakeStream{id: id} }

func (f *fakeStream) ID() string { return f.id }

func (f *fakeStream) Send(ctx context.Context, fr Frame) error {
	if f.fail.Load() {
		return errors.New("send failed")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, fr)
	return nil
}

func (f *fakeStream) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeStream) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeStream) received() []Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Frame, len(f.frames))
	copy(out, f.frames)
	return out
}

func (f *fakeStream) countType(typ string) int {
	n := 0
	for _, fr := range f.received() {
		if fr.Type == typ {
			n++
		}
	}
	return n
}
