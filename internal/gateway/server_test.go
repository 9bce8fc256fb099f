package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"groupwatch/internal/eventbus"
	"groupwatch/internal/monitor"
	"groupwatch/internal/transport"
	logx "groupwatch/pkg/logx"
)

// stubSession is an in-memory transport.Session for gateway tests.
type stubSession struct {
	entities map[int64]transport.EntityInfo
}

func newStubSession(entities ...transport.EntityInfo) *stubSession {
	s := &stubSession{entities: make(map[int64]transport.EntityInfo)}
	for _, e := range entities {
		s.entities[e.ID] = e
	}
	return s
}

func (s *stubSession) Connect(ctx context.Context) error    { return nil }
func (s *stubSession) Disconnect(ctx context.Context) error { return nil }

func (s *stubSession) Me(ctx context.Context) (transport.SelfInfo, error) {
	return transport.SelfInfo{ID: 1, Username: "stub"}, nil
}

func (s *stubSession) Resolve(ctx context.Context, ref transport.EntityRef) (transport.EntityInfo, error) {
	if e, ok := s.entities[ref.ID]; ok {
		return e, nil
	}
	return transport.EntityInfo{}, context.Canceled
}

func (s *stubSession) Watch(ctx context.Context, entityIDs []int64, out chan<- transport.RawMessage) error {
	return nil
}

func newTestServer(t *testing.T, defaults monitor.Targets) (*Server, *httptest.Server) {
	t.Helper()
	bus := eventbus.New(logx.Nop())
	sess := newStubSession(transport.EntityInfo{ID: 100, Title: "Main", Megagroup: true})
	cm := monitor.NewConnManager(sess, bus, logx.Nop())
	svc := monitor.NewService(cm, bus, defaults, logx.Nop())

	srv := New(Config{}, svc, nil, logx.Nop())
	ts := httptest.NewServer(srv.srv.Handler)
	t.Cleanup(ts.Close)
	return srv, ts
}

func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func TestStatusEndpoint(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t, monitor.Targets{GroupIDs: []int64{100}})

	resp, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code = %d, want 200", resp.StatusCode)
	}

	var st monitor.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.IsRunning {
		t.Fatal("monitor should not be running yet")
	}
}

func TestStartStopEndpoints(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t, monitor.Targets{GroupIDs: []int64{100}})

	resp, err := http.Post(ts.URL+"/start", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /start: %v", err)
	}
	var st monitor.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if !st.IsRunning {
		t.Fatal("monitor should be running after /start")
	}

	resp, err = http.Post(ts.URL+"/stop", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /stop: %v", err)
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if st.IsRunning {
		t.Fatal("monitor should be stopped after /stop")
	}
}

func TestWSRejectsEmptyTargets(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t, monitor.Targets{}) // no defaults either

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	_, _, err = conn.ReadMessage()
	ce, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("expected close error, got %v", err)
	}
	if ce.Code != websocket.ClosePolicyViolation {
		t.Fatalf("close code = %d, want %d", ce.Code, websocket.ClosePolicyViolation)
	}
}

func TestWSWelcomeAndControlFrames(t *testing.T) {
	t.Parallel()
	_, ts := newTestServer(t, monitor.Targets{})

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, "/ws?group_ids=100"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var welcome monitor.Frame
	if err := conn.ReadJSON(&welcome); err != nil {
		t.Fatalf("read welcome: %v", err)
	}
	if welcome.Type != monitor.FrameWelcome {
		t.Fatalf("first frame type = %s, want %s", welcome.Type, monitor.FrameWelcome)
	}

	if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	var pong monitor.Frame
	if err := conn.ReadJSON(&pong); err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if pong.Type != monitor.FramePong {
		t.Fatalf("frame type = %s, want %s", pong.Type, monitor.FramePong)
	}

	if err := conn.WriteJSON(map[string]string{"type": "get_status"}); err != nil {
		t.Fatalf("write get_status: %v", err)
	}
	var status monitor.Frame
	if err := conn.ReadJSON(&status); err != nil {
		t.Fatalf("read status: %v", err)
	}
	if status.Type != monitor.FrameStatus {
		t.Fatalf("frame type = %s, want %s", status.Type, monitor.FrameStatus)
	}

	// Scope changes are acknowledged with a status frame, not a new type.
	if err := conn.WriteJSON(map[string]string{"type": "subscribe"}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	var ack monitor.Frame
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read subscribe ack: %v", err)
	}
	if ack.Type != monitor.FrameStatus {
		t.Fatalf("frame type = %s, want %s", ack.Type, monitor.FrameStatus)
	}

	if err := conn.WriteJSON(map[string]string{"type": "bogus"}); err != nil {
		t.Fatalf("write bogus: %v", err)
	}
	var errFrame monitor.Frame
	if err := conn.ReadJSON(&errFrame); err != nil {
		t.Fatalf("read error frame: %v", err)
	}
	if errFrame.Type != monitor.FrameError {
		t.Fatalf("frame type = %s, want %s", errFrame.Type, monitor.FrameError)
	}
}

func TestTargetsFromQuery(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		query   string
		groups  int
		users   int
		wantErr bool
	}{
		{name: "groups only", query: "group_ids=1,2,3", groups: 3},
		{name: "users mixed", query: "user_ids=42,@alice", users: 2},
		{name: "both", query: "group_ids=1&user_ids=@bob", groups: 1, users: 1},
		{name: "bad group id", query: "group_ids=abc", wantErr: true},
		{name: "empty falls back", query: "", groups: 1},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws?"+tt.query, nil)
			got, err := targetsFromQuery(r, []int64{99}, nil)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("targetsFromQuery: %v", err)
			}
			if len(got.GroupIDs) != tt.groups || len(got.UserRefs) != tt.users {
				t.Fatalf("targets = %+v, want %d groups %d users", got, tt.groups, tt.users)
			}
		})
	}
}
