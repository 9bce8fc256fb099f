package monitor

import (
	"context"
	"testing"

	"groupwatch/internal/eventbus"
	"groupwatch/internal/transport"
	logx "groupwatch/pkg/logx"
)

func TestServiceSingleton(t *testing.T) {
	t.Parallel()
	sess := newFakeSession(transport.EntityInfo{ID: 1, Title: "Main", Megagroup: true})
	bus := eventbus.New(logx.Nop())
	cm := NewConnManager(sess, bus, logx.Nop())
	svc := NewService(cm, bus, Targets{GroupIDs: []int64{1}}, logx.Nop())

	first, err := svc.Instance(Targets{GroupIDs: []int64{1}})
	if err != nil {
		t.Fatalf("Instance: %v", err)
	}
	// Later arguments are ignored once the monitor exists.
	second, err := svc.Instance(Targets{GroupIDs: []int64{999}, UserRefs: []transport.EntityRef{transport.RefUsername("x")}})
	if err != nil {
		t.Fatalf("Instance (second): %v", err)
	}
	if first != second {
		t.Fatal("Instance returned different monitors")
	}
	if len(second.groupIDs) != 1 || second.groupIDs[0] != 1 {
		t.Fatalf("targets changed on second call: %v", second.groupIDs)
	}
}

func TestServiceDefaultsFallback(t *testing.T) {
	t.Parallel()
	sess := newFakeSession(transport.EntityInfo{ID: 1, Title: "Main", Megagroup: true})
	bus := eventbus.New(logx.Nop())
	cm := NewConnManager(sess, bus, logx.Nop())
	svc := NewService(cm, bus, Targets{GroupIDs: []int64{1}}, logx.Nop())

	gm, err := svc.Instance(Targets{})
	if err != nil {
		t.Fatalf("Instance with empty targets: %v", err)
	}
	if len(gm.groupIDs) != 1 || gm.groupIDs[0] != 1 {
		t.Fatalf("defaults not applied: %v", gm.groupIDs)
	}
}

func TestServiceStartStopIdempotent(t *testing.T) {
	t.Parallel()
	sess := newFakeSession(transport.EntityInfo{ID: 1, Title: "Main", Megagroup: true})
	bus := eventbus.New(logx.Nop())
	cm := NewConnManager(sess, bus, logx.Nop())
	svc := NewService(cm, bus, Targets{GroupIDs: []int64{1}}, logx.Nop())
	ctx := context.Background()

	// Stop before any monitor exists is a no-op.
	svc.Stop(ctx)
	if _, ok := svc.Existing(); ok {
		t.Fatal("monitor should not exist yet")
	}

	if err := svc.Start(ctx, Targets{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := svc.Start(ctx, Targets{}); err != nil {
		t.Fatalf("Start (again): %v", err)
	}
	if !svc.Status().IsRunning {
		t.Fatal("service should report running")
	}

	svc.Stop(ctx)
	svc.Stop(ctx)
	if svc.Status().IsRunning {
		t.Fatal("service should report stopped")
	}
}
