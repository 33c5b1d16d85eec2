// Package app assembles the engine: storage, queue, quota, breaker,
// rotor, planner, dispatch, feedback, scheduler and the alert sink, all
// wired to one config manager and one event bus.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"dispatchd/internal/alert"
	"dispatchd/internal/breaker"
	"dispatchd/internal/config"
	"dispatchd/internal/dispatch"
	"dispatchd/internal/domain"
	"dispatchd/internal/eventbus"
	"dispatchd/internal/feedback"
	"dispatchd/internal/planner"
	"dispatchd/internal/provider"
	"dispatchd/internal/queue"
	"dispatchd/internal/quota"
	"dispatchd/internal/rotor"
	rtsup "dispatchd/internal/runtime/supervisor"
	"dispatchd/internal/scheduler"
	"dispatchd/internal/storage"
	"dispatchd/pkg/logx"
)

type App struct {
	log logx.Logger
	cm  *config.Manager
	bus eventbus.Bus

	store     *storage.Store
	queue     *queue.Service
	quota     *quota.Controller
	rotor     *rotor.Rotor
	breaker   *breaker.Breaker
	provider  *provider.Dev
	planner   *planner.Planner
	dispatch  *dispatch.Service
	feedback  *feedback.Processor
	scheduler *scheduler.Service
	alert     *alert.Service

	sup *rtsup.Supervisor
}

func NewApp(cfgPath string) (*App, error) {
	cm := config.NewManager(cfgPath)
	cfg, err := cm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log := buildLogger(cfg.Logging)
	cm.SetLogger(log.With(logx.String("comp", "config")))
	cm.SetValidator(func(_ context.Context, c *config.Config) error {
		_, err := buildRuntime(c)
		return err
	})

	rt, err := buildRuntime(cfg)
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(storage.Config{Path: cfg.Storage.Path, BusyTimeout: rt.busyTimeout}, log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	bus := eventbus.New()
	a := &App{
		log:      log,
		cm:       cm,
		bus:      bus,
		store:    store,
		quota:    quota.New(rt.quota),
		rotor:    rotor.New(),
		provider: provider.NewDev(),
	}
	a.queue = queue.New(rt.queue, store, log, bus)
	a.breaker = breaker.New(rt.breaker, a.breakerHooks())
	a.planner = planner.New(rt.planner, store, a.queue, bus, log)
	a.dispatch = dispatch.New(rt.dispatch, store, a.queue, a.quota, a.rotor, a.breaker, a.provider, bus, log)
	a.feedback = feedback.New(store, a.queue, a.breaker, a.provider, bus, log)
	a.scheduler = scheduler.New(scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: cfg.Scheduler.Timezone}, log)

	if cfg.Alert != nil {
		a.alert, err = alert.New(alert.Config{
			Token:      cfg.Alert.Token,
			ChatID:     cfg.Alert.ChatID,
			RatePerSec: cfg.Alert.RatePerSec,
		}, bus, log)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	waveSpec := cfg.Scheduler.WaveSpec
	if waveSpec == "" {
		waveSpec = "@every 1m"
	}
	warmupSpec := cfg.Scheduler.WarmupSpec
	if warmupSpec == "" {
		warmupSpec = "@every 1h"
	}
	if err := a.scheduler.Add("planner.wave", waveSpec, a.planner.PlanAll); err != nil {
		_ = store.Close()
		return nil, err
	}
	if err := a.scheduler.Add("quota.warmup", warmupSpec, a.dispatch.AdvanceWarmups); err != nil {
		_ = store.Close()
		return nil, err
	}
	if err := a.scheduler.Add("queue.snapshot", "@every 5m", a.logSnapshot); err != nil {
		_ = store.Close()
		return nil, err
	}

	return a, nil
}

func (a *App) logSnapshot(ctx context.Context) error {
	snap, err := a.queue.Snapshot(ctx)
	if err != nil {
		return err
	}
	fields := []logx.Field{logx.Int("dlq_depth", snap.DLQDepth)}
	for st, n := range snap.ByStatus {
		fields = append(fields, logx.Int("jobs_"+string(st), n))
	}
	a.log.Info("queue snapshot", fields...)
	return nil
}

func buildLogger(lc config.LoggingConfig) logx.Logger {
	if lc.Console {
		return logx.NewConsole(os.Stderr, lc.Level)
	}
	return logx.NewJSON(os.Stderr, lc.Level)
}

// breakerHooks connects rule trips to their side effects: persisted
// health flags, pool membership, quota throttles and alert events.
// Hooks run outside the breaker lock, so touching store and quota is safe.
func (a *App) breakerHooks() breaker.Hooks {
	return breaker.Hooks{
		OnTenantPause: func(t domain.TenantID) {
			ctx, cancel := hookCtx()
			defer cancel()
			if err := a.store.SetTenantStatus(ctx, t, domain.TenantPaused); err != nil {
				a.log.Error("tenant pause persist failed", logx.String("tenant", t), logx.Err(err))
			}
			a.bus.Publish(eventbus.Event{Type: eventbus.TypeTenantPaused, Data: t})
			a.log.Warn("tenant paused by breaker", logx.String("tenant", t))
		},
		OnSenderBlock: func(s domain.SenderID) {
			ctx, cancel := hookCtx()
			defer cancel()
			if err := a.store.SetSenderHealth(ctx, s, domain.SenderBlocked); err != nil {
				a.log.Error("sender block persist failed", logx.String("sender", s), logx.Err(err))
			}
			if sd, err := a.store.GetSender(ctx, s); err == nil {
				a.rotor.Remove(sd.TenantID, s)
			}
			a.bus.Publish(eventbus.Event{Type: eventbus.TypeSenderBlocked, Data: s})
			a.log.Warn("sender blocked by breaker", logx.String("sender", s))
		},
		OnSenderDegrade: func(s domain.SenderID) {
			ctx, cancel := hookCtx()
			defer cancel()
			if err := a.store.SetSenderHealth(ctx, s, domain.SenderDegraded); err != nil {
				a.log.Error("sender degrade persist failed", logx.String("sender", s), logx.Err(err))
			}
			// A bad bounce signal also regresses the warm-up ladder.
			stage := a.quota.RegressWarmup(s)
			if err := a.store.SetSenderWarmup(ctx, s, stage); err != nil {
				a.log.Error("warmup persist failed", logx.String("sender", s), logx.Err(err))
			}
			a.log.Warn("sender degraded by breaker", logx.String("sender", s), logx.Int("warmup_stage", stage))
		},
		OnSenderThrottle: func(s domain.SenderID, factor float64) {
			a.quota.Throttle(s, factor)
			a.bus.Publish(eventbus.Event{Type: eventbus.TypeSenderThrottle, Data: s})
			a.log.Warn("sender throttled", logx.String("sender", s), logx.Float64("factor", factor))
		},
		OnThrottleClear: func(s domain.SenderID) {
			a.quota.ResetThrottle(s)
			a.log.Info("sender throttle cleared", logx.String("sender", s))
		},
	}
}

func hookCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log))
	a.sup.GoRestart("config.watch", a.cm.Watch)
	a.sup.Go("config.apply", a.applyLoop)

	a.alert.Start(ctx)
	a.feedback.Start(ctx)
	a.dispatch.Start(ctx)
	a.scheduler.Start(ctx)

	a.log.Info("dispatchd started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	a.scheduler.Stop(ctx)
	a.dispatch.Stop(ctx)
	a.feedback.Stop(ctx)
	a.alert.Stop(ctx)

	if a.sup != nil {
		a.sup.Cancel()
		_ = a.sup.Wait(ctx)
		a.sup = nil
	}

	err := a.store.Close()
	a.log.Info("dispatchd stopped")
	return err
}

// applyLoop pushes hot-reloadable settings into running components.
// Structural settings (storage path, worker count) need a restart.
func (a *App) applyLoop(ctx context.Context) error {
	ch := a.cm.Subscribe(1)
	defer a.cm.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cfg, ok := <-ch:
			if !ok {
				return nil
			}
			rt, err := buildRuntime(cfg)
			if err != nil {
				// The manager validates before publishing; a failure here
				// means validator and apply drifted apart.
				a.log.Error("config apply failed", logx.Err(err))
				continue
			}
			a.quota.Apply(rt.quota)
			a.breaker.Apply(rt.breaker)
			a.log.Info("runtime config applied")
		}
	}
}

// PauseTenant is the manual operator action. It stops new dispatch for the
// tenant; in-flight jobs drain normally.
func (a *App) PauseTenant(ctx context.Context, t domain.TenantID) error {
	a.breaker.PauseTenant(t)
	if err := a.store.SetTenantStatus(ctx, t, domain.TenantPaused); err != nil {
		return err
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeTenantPaused, Data: t})
	return nil
}

func (a *App) ResumeTenant(ctx context.Context, t domain.TenantID) error {
	a.breaker.ResumeTenant(t)
	if err := a.store.SetTenantStatus(ctx, t, domain.TenantActive); err != nil {
		return err
	}
	a.bus.Publish(eventbus.Event{Type: eventbus.TypeTenantResumed, Data: t})
	return nil
}

// Snapshot exposes queue diagnostics for operational tooling.
func (a *App) Snapshot(ctx context.Context) (queue.Snapshot, error) {
	return a.queue.Snapshot(ctx)
}
