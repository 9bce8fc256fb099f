// Package gateway exposes the monitor to subscribers: a WebSocket stream
// endpoint plus a small HTTP control surface.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"groupwatch/internal/monitor"
	"groupwatch/internal/storage"
	"groupwatch/internal/transport"
	logx "groupwatch/pkg/logx"
)

type Config struct {
	Addr string

	// WriteTimeout is deliberately absent: streams are long-lived, so the
	// per-write deadline lives on the stream instead.
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration

	// ControlRatePerSec caps control frames (ping, get_status, ...) per
	// connection. Zero means the default.
	ControlRatePerSec float64

	// Defaults apply when a subscriber connects without explicit targets.
	DefaultGroupIDs []int64
	DefaultUserRefs []transport.EntityRef
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:8090"
	}
	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = 5 * time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	if c.ControlRatePerSec <= 0 {
		c.ControlRatePerSec = 5
	}
	return c
}

// Server owns the HTTP listener. WebSocket subscribers are registered as
// monitor streams for their whole lifetime.
type Server struct {
	cfg   Config
	svc   *monitor.Service
	store storage.Store
	log   logx.Logger

	srv *http.Server
	ln  net.Listener
}

func New(cfg Config, svc *monitor.Service, store storage.Store, log logx.Logger) *Server {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{cfg: cfg, svc: svc, store: store, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /start", s.handleStart)
	mux.HandleFunc("POST /stop", s.handleStop)
	mux.HandleFunc("GET /connections", s.handleConnections)

	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	return s
}

// Start binds the listener and serves until Stop. Serve runs on the calling
// goroutine; run it under a supervisor.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.log.Info("gateway listening", logx.String("addr", ln.Addr().String()))
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Addr returns the bound address, valid after Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.cfg.Addr
	}
	return s.ln.Addr().String()
}

func (s *Server) Stop(ctx context.Context) error {
	sctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	return s.srv.Shutdown(sctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Status())
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	out := struct {
		Connection monitor.ConnectionStatus `json:"connection"`
		Streams    int                      `json:"streams"`
	}{Connection: s.svc.Connection()}
	if gm, ok := s.svc.Existing(); ok {
		out.Streams = gm.StreamCount()
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	targets, err := targetsFromQuery(r, s.cfg.DefaultGroupIDs, s.cfg.DefaultUserRefs)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	startErr := s.svc.Start(r.Context(), targets)
	storage.Record(r.Context(), s.store, s.log, storage.AuditEntry{
		Actor:  r.RemoteAddr,
		Action: "monitor.start",
		OK:     startErr == nil,
		Error:  errString(startErr),
	})
	if startErr != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": startErr.Error()})
		return
	}
	writeJSON(w, http.StatusOK, s.svc.Status())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.svc.Stop(r.Context())
	storage.Record(r.Context(), s.store, s.log, storage.AuditEntry{
		Actor:  r.RemoteAddr,
		Action: "monitor.stop",
		OK:     true,
	})
	writeJSON(w, http.StatusOK, s.svc.Status())
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
