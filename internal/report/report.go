// Package report logs a periodic monitor summary on a cron schedule.
package report

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"groupwatch/internal/eventbus"
	"groupwatch/internal/monitor"
	logx "groupwatch/pkg/logx"
)

type Config struct {
	Enabled  bool
	Schedule string
	Timezone string
}

func (c Config) withDefaults() Config {
	if c.Schedule == "" {
		c.Schedule = "0 * * * *"
	}
	return c
}

// Reporter runs the summary job. Apply reconfigures it in place, so config
// reloads do not require a process restart.
type Reporter struct {
	svc *monitor.Service
	bus *eventbus.Bus
	log logx.Logger

	mu   sync.Mutex
	cron *cron.Cron
	cfg  Config
}

func New(svc *monitor.Service, bus *eventbus.Bus, log logx.Logger) *Reporter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reporter{svc: svc, bus: bus, log: log.With(logx.String("comp", "report"))}
}

// Apply starts, restarts or stops the cron job to match cfg.
func (r *Reporter) Apply(cfg Config) error {
	cfg = cfg.withDefaults()

	r.mu.Lock()
	defer r.mu.Unlock()
	if cfg == r.cfg && (r.cron != nil) == cfg.Enabled {
		return nil
	}

	r.stopLocked()
	r.cfg = cfg
	if !cfg.Enabled {
		return nil
	}

	loc := time.Local
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return err
		}
		loc = l
	}

	c := cron.New(cron.WithLocation(loc))
	if _, err := c.AddFunc(cfg.Schedule, r.emit); err != nil {
		return err
	}
	c.Start()
	r.cron = c
	r.log.Info("status report scheduled", logx.String("schedule", cfg.Schedule))
	return nil
}

func (r *Reporter) emit() {
	st := r.svc.Status()
	streams := 0
	if gm, ok := r.svc.Existing(); ok {
		streams = gm.StreamCount()
	}
	r.log.Info("monitor summary",
		logx.Bool("running", st.IsRunning),
		logx.Int("entities", st.MonitoredCount),
		logx.Uint64("messages", st.MessageCount),
		logx.Float64("uptime_s", st.Uptime),
		logx.String("connection", st.ConnectionStatus),
		logx.Int("streams", streams),
	)
	if r.bus != nil {
		r.bus.Publish(context.Background(), eventbus.TypeReportEmitted, map[string]any{
			"is_running":      st.IsRunning,
			"monitored_count": st.MonitoredCount,
			"message_count":   st.MessageCount,
			"streams":         streams,
		}, "report")
	}
}

func (r *Reporter) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
}

func (r *Reporter) stopLocked() {
	if r.cron == nil {
		return
	}
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.cron = nil
}
