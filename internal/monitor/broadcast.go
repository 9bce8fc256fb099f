package monitor

import (
	"context"
	"sync"
	"time"

	logx "groupwatch/pkg/logx"
)

// sendTimeout bounds one Send to a slow subscriber so a stuck stream cannot
// hold up the whole broadcast.
const sendTimeout = 5 * time.Second

// registry tracks subscriber streams. Sends happen outside the lock against a
// snapshot; failed streams are pruned afterwards in one locked batch.
type registry struct {
	mu      sync.Mutex
	streams map[string]Stream
	log     logx.Logger
}

func newRegistry(log logx.Logger) *registry {
	return &registry{streams: make(map[string]Stream), log: log}
}

// Add registers the stream and sends it a welcome snapshot. The welcome send
// is best effort and happens outside the lock.
func (r *registry) Add(ctx context.Context, s Stream, snapshot Status) {
	r.mu.Lock()
	r.streams[s.ID()] = s
	n := len(r.streams)
	r.mu.Unlock()
	r.log.Info("stream added", logx.String("stream", s.ID()), logx.Int("streams", n))

	sctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	if err := s.Send(sctx, newFrame(FrameWelcome, snapshot, "monitor stream connected")); err != nil {
		r.log.Debug("welcome frame failed", logx.String("stream", s.ID()), logx.Err(err))
	}
}

func (r *registry) Remove(id string) {
	r.mu.Lock()
	_, ok := r.streams[id]
	delete(r.streams, id)
	n := len(r.streams)
	r.mu.Unlock()
	if ok {
		r.log.Info("stream removed", logx.String("stream", id), logx.Int("streams", n))
	}
}

func (r *registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}

func (r *registry) snapshot() []Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Stream, 0, len(r.streams))
	for _, s := range r.streams {
		out = append(out, s)
	}
	return out
}

// Broadcast fans the frame out to every stream concurrently, then removes the
// ones that failed in a single locked pass.
func (r *registry) Broadcast(ctx context.Context, f Frame) {
	streams := r.snapshot()
	if len(streams) == 0 {
		return
	}

	var (
		wg     sync.WaitGroup
		failMu sync.Mutex
		failed []string
	)
	for _, s := range streams {
		wg.Add(1)
		go func(s Stream) {
			defer wg.Done()
			sctx, cancel := context.WithTimeout(ctx, sendTimeout)
			defer cancel()
			if err := s.Send(sctx, f); err != nil {
				r.log.Debug("broadcast send failed", logx.String("stream", s.ID()), logx.Err(err))
				failMu.Lock()
				failed = append(failed, s.ID())
				failMu.Unlock()
			}
		}(s)
	}
	wg.Wait()

	if len(failed) == 0 {
		return
	}
	r.mu.Lock()
	for _, id := range failed {
		delete(r.streams, id)
	}
	n := len(r.streams)
	r.mu.Unlock()
	r.log.Info("pruned failed streams", logx.Int("pruned", len(failed)), logx.Int("streams", n))
}

// Note sends an informational frame without pruning failures; transient send
// errors on status chatter are not a reason to drop a subscriber.
func (r *registry) Note(ctx context.Context, f Frame) {
	for _, s := range r.snapshot() {
		sctx, cancel := context.WithTimeout(ctx, sendTimeout)
		if err := s.Send(sctx, f); err != nil {
			r.log.Debug("note frame failed", logx.String("stream", s.ID()), logx.Err(err))
		}
		cancel()
	}
}

// CloseAll sends every stream a final status notice, closes it, and empties
// the registry.
func (r *registry) CloseAll(ctx context.Context) {
	r.mu.Lock()
	streams := r.streams
	r.streams = make(map[string]Stream)
	r.mu.Unlock()

	f := newFrame(FrameStatus, map[string]any{"is_running": false}, "monitor stopped")
	for _, s := range streams {
		sctx, cancel := context.WithTimeout(ctx, sendTimeout)
		_ = s.Send(sctx, f)
		_ = s.Close(sctx)
		cancel()
	}
	if len(streams) > 0 {
		r.log.Info("closed all streams", logx.Int("count", len(streams)))
	}
}
