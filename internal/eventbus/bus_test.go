package eventbus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	logx "groupwatch/pkg/logx"
)

func TestPublishWaitsForHandlers(t *testing.T) {
	t.Parallel()
	bus := New(logx.Nop())
	var calls int64
	for i := 0; i < 5; i++ {
		bus.Subscribe(TypeMessageReceived, func(ctx context.Context, e Event) {
			atomic.AddInt64(&calls, 1)
		})
	}

	bus.Publish(context.Background(), TypeMessageReceived, map[string]any{"n": 1}, "test")
	// Publish returns only after every handler finished.
	if got := atomic.LoadInt64(&calls); got != 5 {
		t.Fatalf("handler calls = %d, want 5", got)
	}
}

func TestPanickingHandlerIsIsolated(t *testing.T) {
	t.Parallel()
	bus := New(logx.Nop())
	var ok int64
	bus.Subscribe(TypeErrorOccurred, func(ctx context.Context, e Event) {
		panic("boom")
	})
	bus.Subscribe(TypeErrorOccurred, func(ctx context.Context, e Event) {
		atomic.AddInt64(&ok, 1)
	})

	bus.Publish(context.Background(), TypeErrorOccurred, nil, "test")
	if got := atomic.LoadInt64(&ok); got != 1 {
		t.Fatalf("healthy handler calls = %d, want 1", got)
	}
}

func TestUnsubscribe(t *testing.T) {
	t.Parallel()
	bus := New(logx.Nop())
	var calls int64
	unsub := bus.Subscribe(TypeMonitorStarted, func(ctx context.Context, e Event) {
		atomic.AddInt64(&calls, 1)
	})

	bus.Publish(context.Background(), TypeMonitorStarted, nil, "test")
	unsub()
	unsub() // idempotent
	bus.Publish(context.Background(), TypeMonitorStarted, nil, "test")

	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("handler calls = %d, want 1", got)
	}
	if got := bus.SubscriberCount(TypeMonitorStarted); got != 0 {
		t.Fatalf("subscriber count = %d, want 0", got)
	}
}

func TestHistoryEvictsOldest(t *testing.T) {
	t.Parallel()
	bus := New(logx.Nop())
	ctx := context.Background()
	for i := 0; i < maxHistory+1; i++ {
		bus.Publish(ctx, TypeMessageReceived, map[string]any{"seq": i}, "test")
	}

	hist := bus.History(TypeMessageReceived, 0)
	if len(hist) != maxHistory {
		t.Fatalf("history length = %d, want %d", len(hist), maxHistory)
	}
	// Oldest event (seq 0) was evicted; newest is last.
	if got := hist[0].Payload["seq"]; got != 1 {
		t.Fatalf("oldest retained seq = %v, want 1", got)
	}
	if got := hist[len(hist)-1].Payload["seq"]; got != maxHistory {
		t.Fatalf("newest seq = %v, want %d", got, maxHistory)
	}
}

func TestHistoryFilterAndLimit(t *testing.T) {
	t.Parallel()
	bus := New(logx.Nop())
	ctx := context.Background()
	bus.Publish(ctx, TypeMessageReceived, nil, "test")
	bus.Publish(ctx, TypeMonitorStarted, nil, "test")
	bus.Publish(ctx, TypeMessageReceived, nil, "test")

	if got := len(bus.History(TypeMessageReceived, 0)); got != 2 {
		t.Fatalf("filtered history = %d, want 2", got)
	}
	if got := len(bus.History("", 0)); got != 3 {
		t.Fatalf("unfiltered history = %d, want 3", got)
	}
	if got := len(bus.History("", 2)); got != 2 {
		t.Fatalf("limited history = %d, want 2", got)
	}
}

func TestEventIDFormat(t *testing.T) {
	t.Parallel()
	bus := New(logx.Nop())
	bus.Publish(context.Background(), TypeMonitorStarted, nil, "test")
	hist := bus.History(TypeMonitorStarted, 1)
	if len(hist) != 1 {
		t.Fatalf("history length = %d, want 1", len(hist))
	}
	want := fmt.Sprintf("%s_", TypeMonitorStarted)
	if !strings.HasPrefix(hist[0].ID, want) {
		t.Fatalf("event id = %q, want prefix %q", hist[0].ID, want)
	}
}

func TestConcurrentPublish(t *testing.T) {
	t.Parallel()
	bus := New(logx.Nop())
	var calls int64
	bus.Subscribe(TypeMessageProcessed, func(ctx context.Context, e Event) {
		atomic.AddInt64(&calls, 1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(context.Background(), TypeMessageProcessed, nil, "test")
		}()
	}
	wg.Wait()

	if got := atomic.LoadInt64(&calls); got != 50 {
		t.Fatalf("handler calls = %d, want 50", got)
	}
}
