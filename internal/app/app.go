package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"autodown/internal/autodown"
	"autodown/internal/config"
	"autodown/internal/eventbus"
	"autodown/internal/httpapi"
	"autodown/internal/notifier"
	"autodown/internal/product"
	"autodown/internal/runtime/supervisor"
	"autodown/internal/storage"
	"autodown/internal/trigger"
	logx "autodown/pkg/logx"
)

// Trigger job names.
const (
	jobTick      = "autodown.tick"
	jobRetention = "autodown.retention"
)

const day = 24 * time.Hour

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	catalog *product.Catalog
	audit   *autodown.AuditLog
	svc     *autodown.Service
	engine  *autodown.Engine

	trig  *trigger.Service
	notif *notifier.Service

	notifToken string
}

// New loads cfgPath and wires every component. Nothing runs until Start;
// RunOnce can be used without Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLogConfig(cfg))
	appLog := log.Component("app")

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	bus := eventbus.New()
	clock := autodown.SystemClock
	catalog := product.NewCatalog(store, clock)
	audit := autodown.NewAuditLog(store, clock, log.Component("audit"))
	svc := autodown.NewService(store, catalog, audit, clock, log.Component("schedules"))
	engine := autodown.NewEngine(svc, store, catalog, clock, log.Component("engine"), bus)

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	token := notifierToken(cfg)
	var sender notifier.Sender
	if token != "" {
		ts, err := notifier.NewTelegramSender(token)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("notifier: %w", err)
		}
		sender = ts
	}

	a := &App{
		cfgm:       cfgm,
		log:        appLog,
		logs:       logs,
		bus:        bus,
		store:      store,
		catalog:    catalog,
		audit:      audit,
		svc:        svc,
		engine:     engine,
		trig:       trigger.New(mapTriggerConfig(cfg), log.Component("trigger"), bus),
		notif:      notifier.New(ncfg, sender, log.Component("notifier"), bus),
		notifToken: token,
	}
	appLog.Info("storage opened", logx.String("driver", cfg.Storage.Driver))
	return a, nil
}

// RunOnce executes a single tick and returns its result.
func (a *App) RunOnce(ctx context.Context) (autodown.Result, error) {
	return a.engine.Run(ctx)
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
	cfg := a.cfgm.Get()
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.Component("config"))
	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		if _, err := mapStorageConfig(c); err != nil {
			return err
		}
		if _, err := mapHTTPConfig(c); err != nil {
			return err
		}
		if _, err := mapNotifierConfig(c); err != nil {
			return err
		}
		if n := c.Notifier; n != nil && n.Enabled {
			if _, err := notifier.NewTelegramSender(n.Token); err != nil {
				return fmt.Errorf("notifier.token: %w", err)
			}
		}
		return nil
	})

	if err := a.applyJobs(cfg); err != nil {
		return err
	}
	if cfg.Trigger.Enabled || cfg.Retention.Enabled {
		a.trig.Start(a.sup.Context())
	}
	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}

	if cfg.HTTP.Enabled {
		hc, err := mapHTTPConfig(cfg)
		if err != nil {
			return err
		}
		router := httpapi.NewRouter(&httpapi.Handler{
			Service:  a.svc,
			Engine:   a.engine,
			Catalog:  a.catalog,
			Trigger:  a.trig,
			Notifier: a.notif,
			Log:      a.log.Component("http"),
		}, httpapi.RouterOptions{Token: hc.Token, Pprof: hc.Pprof})
		srv := httpapi.NewServer(hc, router, a.log.Component("http"))
		a.sup.Go("http", srv.Run)
	}

	// Debug trail of every bus event.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

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
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.sup.Go0("systemd.watchdog", a.watchdogLoop)

	sdNotify(a.log, sdReady)
	a.log.Info("app started",
		logx.Bool("trigger", cfg.Trigger.Enabled),
		logx.String("spec", cfg.Trigger.Spec),
		logx.Bool("retention", cfg.Retention.Enabled),
		logx.Bool("http", cfg.HTTP.Enabled),
		logx.Bool("notifier", a.notif.Enabled()),
	)
	return nil
}

// applyJobs registers or removes trigger jobs to match cfg.
func (a *App) applyJobs(cfg *config.Config) error {
	if cfg.Trigger.Enabled {
		timeout, err := config.ParseDurationField("trigger.timeout", cfg.Trigger.Timeout)
		if err != nil {
			return err
		}
		if err := a.trig.Add(jobTick, cfg.Trigger.Spec, timeout, a.tick); err != nil {
			return fmt.Errorf("trigger.spec: %w", err)
		}
	} else {
		a.trig.Remove(jobTick)
	}

	if cfg.Retention.Enabled {
		if err := a.trig.Add(jobRetention, cfg.Retention.Spec, 0, a.retention); err != nil {
			return fmt.Errorf("retention.spec: %w", err)
		}
	} else {
		a.trig.Remove(jobRetention)
	}
	return nil
}

// tick treats a tick already running (e.g. a manual run from the admin API)
// as done.
func (a *App) tick(ctx context.Context) error {
	_, err := a.engine.Run(ctx)
	if errors.Is(err, autodown.ErrTickInProgress) {
		return nil
	}
	return err
}

// retention purges canceled schedules and old audit entries using the
// current config.
func (a *App) retention(ctx context.Context) error {
	rc := a.cfgm.Get().Retention
	var errs []error
	schedules, err := a.svc.Cleanup(ctx, time.Duration(rc.ScheduleDays)*day)
	if err != nil {
		errs = append(errs, err)
	}
	entries, err := a.audit.PurgeOlderThan(ctx, time.Duration(rc.AuditDays)*day)
	if err != nil {
		errs = append(errs, err)
	}
	a.log.Info("retention sweep done", logx.Int("schedules", schedules), logx.Int("audit_entries", entries))
	return errors.Join(errs...)
}

// applyConfig applies a validated config to running components.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	sdNotify(a.log, sdReloading)
	defer sdNotify(a.log, sdReady)

	if restart := config.RequiresRestart(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLogConfig(newCfg))

	a.trig.Apply(mapTriggerConfig(newCfg))
	if slices.Contains(sections, "trigger") || slices.Contains(sections, "retention") {
		if err := a.applyJobs(newCfg); err != nil {
			a.log.Warn("invalid trigger config; keeping previous jobs", logx.Err(err))
		}
	}
	wantTrigger := newCfg.Trigger.Enabled || newCfg.Retention.Enabled
	running := a.trig.Snapshot().Running
	switch {
	case wantTrigger && !running:
		a.log.Info("trigger enabled via config")
		a.trig.Start(ctx)
	case !wantTrigger && running:
		a.log.Info("trigger disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.trig.Stop(stopCtx)
		cancel()
	}

	a.applyNotifier(ctx, newCfg)

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) applyNotifier(ctx context.Context, cfg *config.Config) {
	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		return
	}
	if token := notifierToken(cfg); token != a.notifToken {
		if token == "" {
			a.notif.SetSender(nil)
		} else if ts, err := notifier.NewTelegramSender(token); err != nil {
			a.log.Warn("notifier token rejected; keeping previous sender", logx.Err(err))
		} else {
			a.notif.SetSender(ts)
		}
		a.notifToken = token
	}

	prev := a.notif.Enabled()
	a.notif.Apply(ncfg)
	switch {
	case prev && !ncfg.Enabled:
		a.log.Info("notifier disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	case !prev && ncfg.Enabled:
		a.log.Info("notifier enabled via config")
		a.notif.Start(ctx)
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, sdStopping)

	// Cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Trigger first so no new tick fires while the rest shuts down.
	a.step(ctx, "trigger", 5*time.Second, func(c context.Context) error { a.trig.Stop(c); return nil })
	a.step(ctx, "notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	// http, config watch/reload, event log
	a.step(ctx, "supervisor", 5*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	return a.close()
}

func (a *App) close() error {
	err := a.store.Close()
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return err
}

// step runs one shutdown step bounded by max, never extending the caller's deadline.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

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
		if err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Err(stepCtx.Err()),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}
