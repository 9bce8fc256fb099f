// Package app wires the config, logging, transport, monitor and gateway into
// one startable unit.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"groupwatch/internal/config"
	"groupwatch/internal/eventbus"
	"groupwatch/internal/gateway"
	"groupwatch/internal/monitor"
	"groupwatch/internal/report"
	"groupwatch/internal/storage"
	"groupwatch/internal/transport/telegram"
	logx "groupwatch/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.Bus
	store storage.Store

	session *telegram.Session
	conn    *monitor.ConnManager
	svc     *monitor.Service
	gw      *gateway.Server
	rep     *report.Reporter

	autostart bool
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.ApplyEnv(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	pollTimeout, err := parseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	session, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	bus := eventbus.New(log.With(logx.String("comp", "eventbus")))
	conn := monitor.NewConnManager(session, bus, log.With(logx.String("comp", "conn")))

	defaults := monitor.Targets{
		GroupIDs: cfg.Monitor.GroupIDs,
		UserRefs: cfg.Monitor.UserRefs(),
	}
	svc := monitor.NewService(conn, bus, defaults, log.With(logx.String("comp", "monitor")))

	// Storage (optional)
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	shutdownTimeout, err := parseDurationOrDefault("gateway.shutdown_timeout", cfg.Gateway.ShutdownTimeout, 5*time.Second)
	if err != nil {
		return nil, err
	}
	gw := gateway.New(gateway.Config{
		Addr:              cfg.Gateway.Addr,
		ShutdownTimeout:   shutdownTimeout,
		ControlRatePerSec: cfg.Gateway.ControlRatePerSec,
		DefaultGroupIDs:   defaults.GroupIDs,
		DefaultUserRefs:   defaults.UserRefs,
	}, svc, store, log.With(logx.String("comp", "gateway")))

	rep := report.New(svc, bus, log)

	return &App{
		cfgPath:   cfgPath,
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		session:   session,
		conn:      conn,
		svc:       svc,
		gw:        gw,
		rep:       rep,
		autostart: cfg.Monitor.Autostart,
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *Config) error {
		if _, err := parseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
			return err
		}
		if _, err := parseDurationField("gateway.shutdown_timeout", cfg.Gateway.ShutdownTimeout); err != nil {
			return err
		}
		if tz := strings.TrimSpace(cfg.Report.Timezone); tz != "" {
			if _, err := time.LoadLocation(tz); err != nil {
				return fmt.Errorf("report.timezone: invalid %q: %w", tz, err)
			}
		}
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	a.sup.Go("gateway.serve", func(c context.Context) error {
		return a.gw.Start(c)
	})
	a.sup.Go0("gateway.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.gw.Stop(sctx)
	})

	if cfg := a.cfgm.Get(); cfg != nil {
		if err := a.rep.Apply(report.Config{
			Enabled:  cfg.Report.Enabled,
			Schedule: cfg.Report.Schedule,
			Timezone: cfg.Report.Timezone,
		}); err != nil {
			a.log.Warn("status report not scheduled", logx.Err(err))
		}
	}

	if a.autostart {
		if err := a.svc.Start(a.sup.Context(), monitor.Targets{}); err != nil {
			// Autostart failure is not fatal; a subscriber or /start can retry.
			a.log.Warn("monitor autostart failed", logx.Err(err))
		}
	}

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyReload(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyReload applies the hot-reloadable sections (logging, report) and warns
// about the ones that need a restart.
func (a *App) applyReload(oldCfg, newCfg *Config) {
	sections, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}

	for _, s := range sections {
		switch s {
		case "telegram", "monitor", "gateway", "storage":
			a.log.Warn("config section changed; restart required for changes to take effect",
				logx.String("section", s))
		}
	}

	a.logs.Apply(logx.Config{
		Level:   newCfg.Logging.Level,
		Console: newCfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: newCfg.Logging.File.Enabled,
			Path:    newCfg.Logging.File.Path,
		},
	})

	if err := a.rep.Apply(report.Config{
		Enabled:  newCfg.Report.Enabled,
		Schedule: newCfg.Report.Schedule,
		Timezone: newCfg.Report.Timezone,
	}); err != nil {
		a.log.Warn("invalid report config; keeping previous", logx.Err(err))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Run each shutdown step with an upper bound so one component can't stall
	// the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem > 0 && rem < max {
					max = rem
				}
			}
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("report", time.Second, func(c context.Context) error { a.rep.Stop(); return nil })
	step("monitor", 3*time.Second, func(c context.Context) error { a.svc.Shutdown(c); return nil })
	step("gateway", 5*time.Second, func(c context.Context) error { return a.gw.Stop(c) })
	step("session", 2*time.Second, func(c context.Context) error { return a.session.Disconnect(c) })
	step("storage", time.Second, func(c context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}
