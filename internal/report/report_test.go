package report

import (
	"context"
	"testing"

	"groupwatch/internal/eventbus"
	"groupwatch/internal/monitor"
	"groupwatch/internal/transport"
	logx "groupwatch/pkg/logx"
)

type stubSession struct{}

func (stubSession) Connect(context.Context) error    { return nil }
func (stubSession) Disconnect(context.Context) error { return nil }
func (stubSession) Me(context.Context) (transport.SelfInfo, error) {
	return transport.SelfInfo{ID: 1, Username: "self"}, nil
}
func (stubSession) Resolve(context.Context, transport.EntityRef) (transport.EntityInfo, error) {
	return transport.EntityInfo{}, nil
}
func (stubSession) Watch(context.Context, []int64, chan<- transport.RawMessage) error {
	return nil
}

func newTestReporter(t *testing.T) (*Reporter, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.New(logx.Nop())
	conn := monitor.NewConnManager(stubSession{}, bus, logx.Nop())
	svc := monitor.NewService(conn, bus, monitor.Targets{}, logx.Nop())
	return New(svc, bus, logx.Nop()), bus
}

func TestApplyEnableDisable(t *testing.T) {
	t.Parallel()

	r, _ := newTestReporter(t)
	defer r.Stop()

	if err := r.Apply(Config{Enabled: true, Schedule: "* * * * *"}); err != nil {
		t.Fatalf("Apply enabled: %v", err)
	}
	if r.cron == nil {
		t.Fatal("cron not started")
	}
	// Same config again is a no-op.
	if err := r.Apply(Config{Enabled: true, Schedule: "* * * * *"}); err != nil {
		t.Fatalf("Apply repeat: %v", err)
	}
	if err := r.Apply(Config{Enabled: false}); err != nil {
		t.Fatalf("Apply disabled: %v", err)
	}
	if r.cron != nil {
		t.Fatal("cron still running after disable")
	}
}

func TestApplyRejectsBadInput(t *testing.T) {
	t.Parallel()

	r, _ := newTestReporter(t)
	defer r.Stop()

	if err := r.Apply(Config{Enabled: true, Schedule: "not a schedule"}); err == nil {
		t.Fatal("expected error for bad schedule")
	}
	if err := r.Apply(Config{Enabled: true, Schedule: "* * * * *", Timezone: "Nowhere/Nope"}); err == nil {
		t.Fatal("expected error for bad timezone")
	}
}

func TestEmitPublishesHeartbeat(t *testing.T) {
	t.Parallel()

	r, bus := newTestReporter(t)
	r.emit()

	hist := bus.History(eventbus.TypeReportEmitted, 0)
	if len(hist) != 1 {
		t.Fatalf("heartbeat events = %d, want 1", len(hist))
	}
	if hist[0].Payload["is_running"] != false {
		t.Fatalf("is_running = %v, want false", hist[0].Payload["is_running"])
	}
}
