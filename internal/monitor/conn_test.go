package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"groupwatch/internal/eventbus"
	"groupwatch/internal/transport"
	logx "groupwatch/pkg/logx"
)

func TestEntityCacheByID(t *testing.T) {
	t.Parallel()
	sess := newFakeSession(transport.EntityInfo{ID: 100, Title: "Dev Chat", Megagroup: true})
	cm := NewConnManager(sess, eventbus.New(logx.Nop()), logx.Nop())
	ctx := context.Background()
	if err := cm.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	ref := transport.RefID(100)
	if _, err := cm.Entity(ctx, ref); err != nil {
		t.Fatalf("Entity: %v", err)
	}
	if _, err := cm.Entity(ctx, ref); err != nil {
		t.Fatalf("Entity (cached): %v", err)
	}
	if got := sess.calls(ref); got != 1 {
		t.Fatalf("remote resolves for id ref = %d, want 1", got)
	}
	if cm.CachedEntities() != 1 {
		t.Fatalf("cached = %d, want 1", cm.CachedEntities())
	}
}

func TestEntityUsernameNeverCached(t *testing.T) {
	t.Parallel()
	sess := newFakeSession(transport.EntityInfo{ID: 7, Username: "alice", FirstName: "Alice"})
	cm := NewConnManager(sess, eventbus.New(logx.Nop()), logx.Nop())
	ctx := context.Background()
	if err := cm.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	ref := transport.RefUsername("@alice")
	for i := 0; i < 3; i++ {
		if _, err := cm.Entity(ctx, ref); err != nil {
			t.Fatalf("Entity: %v", err)
		}
	}
	if got := sess.calls(ref); got != 3 {
		t.Fatalf("remote resolves for username ref = %d, want 3", got)
	}

	// The username result is cached under its numeric id.
	if _, err := cm.Entity(ctx, transport.RefID(7)); err != nil {
		t.Fatalf("Entity by id: %v", err)
	}
	if got := sess.calls(transport.RefID(7)); got != 0 {
		t.Fatalf("remote resolves for id after username = %d, want 0", got)
	}
}

func TestConnectRetryCounter(t *testing.T) {
	t.Parallel()
	sess := newFakeSession()
	sess.connectErr = errors.New("network down")
	cm := NewConnManager(sess, eventbus.New(logx.Nop()), logx.Nop())
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		if err := cm.Connect(ctx); err == nil {
			t.Fatal("expected connect error")
		}
		if got := cm.Status().RetryCount; got != i {
			t.Fatalf("retry count = %d, want %d", got, i)
		}
	}

	sess.connectErr = nil
	if err := cm.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if got := cm.Status().RetryCount; got != 0 {
		t.Fatalf("retry count after success = %d, want 0", got)
	}
}

func TestHandlerOrderAndRemoval(t *testing.T) {
	t.Parallel()
	sess := newFakeSession(transport.EntityInfo{ID: 1, Title: "G"})
	cm := NewConnManager(sess, eventbus.New(logx.Nop()), logx.Nop())
	ctx := context.Background()
	if err := cm.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(name string) RawHandler {
		return func(ctx context.Context, raw transport.RawMessage) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}
	removeA := cm.AddMessageHandler(record("a"))
	cm.AddMessageHandler(record("b"))
	cm.AddMessageHandler(func(ctx context.Context, raw transport.RawMessage) {
		panic("bad handler")
	})
	cm.AddMessageHandler(record("c"))

	if err := cm.StartMonitoring(ctx, []int64{1}); err != nil {
		t.Fatalf("StartMonitoring: %v", err)
	}
	sess.watchOut <- transport.RawMessage{ID: 1, ChatID: 1, Text: "hi"}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	})
	mu.Lock()
	got := append([]string(nil), order...)
	order = nil
	mu.Unlock()
	if got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("handler order = %v, want [a b c]", got)
	}

	removeA()
	removeA() // removal is idempotent
	if cm.HandlerCount() != 3 {
		t.Fatalf("handler count = %d, want 3", cm.HandlerCount())
	}
	sess.watchOut <- transport.RawMessage{ID: 2, ChatID: 1, Text: "again"}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	if order[0] != "b" || order[1] != "c" {
		t.Fatalf("handler order after removal = %v, want [b c]", order)
	}
}

func TestConnectionEventsOnBus(t *testing.T) {
	t.Parallel()
	bus := eventbus.New(logx.Nop())
	var (
		mu     sync.Mutex
		events []eventbus.Type
	)
	for _, typ := range []eventbus.Type{eventbus.TypeConnectionRestored, eventbus.TypeConnectionLost} {
		typ := typ
		bus.Subscribe(typ, func(ctx context.Context, e eventbus.Event) {
			mu.Lock()
			events = append(events, typ)
			mu.Unlock()
		})
	}

	cm := NewConnManager(newFakeSession(), bus, logx.Nop())
	ctx := context.Background()
	if err := cm.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := cm.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 || events[0] != eventbus.TypeConnectionRestored || events[1] != eventbus.TypeConnectionLost {
		t.Fatalf("events = %v, want [restored lost]", events)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
