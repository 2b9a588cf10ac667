// Package app wires cronbot's components together and owns their lifecycle.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"cronbot/internal/commands"
	"cronbot/internal/config"
	"cronbot/internal/conversation"
	"cronbot/internal/dispatch"
	"cronbot/internal/eventbus"
	"cronbot/internal/keepalive"
	"cronbot/internal/notifier"
	"cronbot/internal/observability"
	"cronbot/internal/quota"
	rtsup "cronbot/internal/runtime/supervisor"
	"cronbot/internal/storage"
	"cronbot/internal/task/scheduler"
	"cronbot/internal/tick"
	kit "cronbot/internal/transport"
	telegram "cronbot/internal/transport/telegram/adapter"
	"cronbot/internal/transport/telegram/router"
	logx "cronbot/pkg/logx"
)

const sweepText = "⌛ The job setup timed out and was discarded. Send /add to start again."

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	metrics *observability.Metrics
	store   storage.Store

	adapter  *telegram.Adapter
	sched    *scheduler.Service
	batcher  *dispatch.Batcher
	ticker   *tick.Scheduler
	quota    *quota.Guard
	conv     *conversation.Manager
	gate     *commands.Gatekeeper
	handlers *commands.Handlers
	cmdm     *router.CommandManager
	registry *router.SupervisorRegistry
	notif    *notifier.Service
	keep     *keepalive.Pinger
	obs      *observability.Server

	notifyTimeout atomic.Bool
	updates       chan kit.Update
}

// New loads the config and builds every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	// Telegram logging stays off until the sink has a sender and a target.
	logCfg := mapLogConfig(cfg)
	logSvc, log := logx.New(logCfg)
	if chatID, _ := logChatID(cfg); chatID != 0 {
		logSvc.SetTelegramTarget(chatID, cfg.Logging.Telegram.ThreadID)
	}

	adCfg, _ := mapAdapterConfig(cfg)
	ad, err := telegram.New(adCfg, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	logSvc.SetSender(func(ctx context.Context, chatID int64, threadID int, text string) error {
		_, err := ad.SendText(ctx, kit.ChatTarget{ChatID: chatID, ThreadID: threadID}, text, &kit.SendOptions{DisablePreview: true})
		return err
	})

	metrics := observability.NewMetrics()
	ad.SetDropObserver(metrics.UpdateDropped)
	bus := eventbus.New()

	sc, _ := mapStorageConfig(cfg)
	store, err := storage.Open(sc, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	sched := scheduler.New(scheduler.Config{Timezone: cfg.Scheduler.Timezone}, log, bus)

	dopt, _ := mapDispatchOptions(cfg)
	batcher := dispatch.New(ad, dopt, log, metrics)
	tcfg, _ := mapTickConfig(cfg)
	ticker := tick.New(store, batcher, tcfg, log, bus, metrics)

	guard := quota.New(store, jobLimit(cfg))
	timeout, _ := conversationTimeout(cfg)
	conv := conversation.New(timeout, conversation.Deps{
		Quota:     guard,
		Chats:     store,
		Audit:     store,
		Targets:   commands.TargetPolicy{Store: store, Members: ad},
		DefaultTZ: tcfg.DefaultTZ,
		Log:       log,
		Metrics:   metrics,
	})

	registry := router.NewSupervisorRegistry()
	handlers := commands.New(commands.Deps{
		Store:     store,
		Conv:      conv,
		Quota:     guard,
		Members:   ad,
		Scheduler: sched,
		Registry:  registry,
		DefaultTZ: tcfg.DefaultTZ,
		Metrics:   metrics,
	})
	gate := commands.NewGatekeeper(store, cfg.Telegram.AllowedUsers)
	cmdm := router.NewCommandManager(log, ad, cfg.Telegram.OwnerUserIDs, router.Options{
		Workers:   cfg.Telegram.Workers,
		QueueSize: cfg.Telegram.QueueSize,
		BotName:   ad.Username(),
		Gate:      gate,
		Registry:  registry,
		Metrics:   metrics,
	})
	cmdm.SetFallback(handlers.OnMessage)

	ncfg, _ := mapNotifierConfig(cfg)
	notif := notifier.New(ncfg, ad, log, bus, store)
	kcfg, _ := mapKeepAliveConfig(cfg)
	keep := keepalive.New(kcfg, notif, log, metrics)

	a := &App{
		cfgm:     cfgm,
		log:      log.With(logx.String("comp", "app")),
		logs:     logSvc,
		bus:      bus,
		metrics:  metrics,
		store:    store,
		adapter:  ad,
		sched:    sched,
		batcher:  batcher,
		ticker:   ticker,
		quota:    guard,
		conv:     conv,
		gate:     gate,
		handlers: handlers,
		cmdm:     cmdm,
		registry: registry,
		notif:    notif,
		keep:     keep,
		updates:  make(chan kit.Update, 256),
	}
	a.obs = observability.NewServer(mapMetricsConfig(cfg), metrics, a.health, log)
	a.notifyTimeout.Store(cfg.Conversation.NotifyTimeout)
	return a, nil
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
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.registry.Set("app", a.sup)

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	a.cmdm.SetRegistry(a.handlers.Commands(), a.handlers.Callbacks())

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.registry.Set("telegram.adapter", a.adapter.Supervisor())

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
		a.registry.Set("notifier", a.notif.Supervisor())
	}
	a.sup.Go0("notifier.watch", func(c context.Context) { a.notif.Watch(c, a.bus) })

	a.obs.Start(a.sup.Context())
	a.registry.Set("observability", a.obs.Supervisor())

	a.sched.Start(a.sup.Context())
	if err := a.registerMaintenance(); err != nil {
		return err
	}
	a.sup.Go("tick", func(c context.Context) error { return a.ticker.Run(c, a.sched) })

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})

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
				// Debug only; ticks publish on every firing.
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.sup.Go0("config.reload", a.reloadLoop)
	a.sup.GoRestart("config.watch", a.cfgm.Watch, rtsup.WithRestartBackoff(250*time.Millisecond, 5*time.Second))

	a.log.Info("app started")
	return nil
}

func (a *App) registerMaintenance() error {
	kcfg := a.keep.Config()
	kopt := scheduler.TaskOptions{
		Overlap:    scheduler.OverlapSkipIfRunning,
		Timeout:    30 * time.Second,
		FirstDelay: kcfg.FirstDelay,
	}
	var err error
	if kcfg.Schedule != "" {
		err = a.sched.AddSchedule("keepalive", kcfg.Schedule, kopt, a.keep.Ping)
	} else {
		err = a.sched.AddInterval("keepalive", kcfg.Interval, kopt, a.keep.Ping)
	}
	if err != nil {
		return err
	}
	return a.sched.AddInterval("conversation.sweep", defaultSweepInterval, scheduler.TaskOptions{
		Overlap: scheduler.OverlapSkipIfRunning,
		Timeout: 30 * time.Second,
	}, a.sweep)
}

// sweep expires idle conversations and tells their chats when configured to.
func (a *App) sweep(ctx context.Context) error {
	expired := a.conv.Sweep(time.Now())
	if len(expired) == 0 || !a.notifyTimeout.Load() {
		return nil
	}
	for _, e := range expired {
		_, err := a.adapter.SendText(ctx, kit.ChatTarget{ChatID: e.ChatID, ThreadID: e.ThreadID}, sweepText, nil)
		if err != nil {
			a.log.Debug("timeout notice failed", logx.Int64("chat_id", e.ChatID), logx.Err(err))
		}
	}
	return nil
}

func (a *App) health(ctx context.Context) (map[string]any, error) {
	snap := a.sched.Snapshot()
	out := map[string]any{
		"scheduler_running": snap.Running,
		"conversation_ttl":  a.conv.Timeout().String(),
		"events_dropped":    a.bus.Dropped(),
	}
	for _, s := range snap.Schedules {
		if s.Name != "tick" {
			continue
		}
		out["tick_runs"] = s.Runs
		out["tick_failures"] = s.Failures
		if !s.LastRun.IsZero() {
			out["tick_last_run"] = s.LastRun.UTC().Format(time.RFC3339)
		}
	}
	if _, err := a.store.ListWhitelist(ctx); err != nil {
		return out, fmt.Errorf("store: %w", err)
	}
	if err := a.Err(); err != nil {
		return out, err
	}
	return out, nil
}

func (a *App) reloadLoop(c context.Context) {
	sub, unsub := a.cfgm.Subscribe()
	defer unsub()
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			a.apply(c, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// apply pushes a validated config into the running components.
func (a *App) apply(c context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, restart := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	chatID, _ := logChatID(newCfg)
	a.logs.SetTelegramTarget(chatID, newCfg.Logging.Telegram.ThreadID)
	a.logs.Apply(mapLogConfig(newCfg))

	a.cmdm.SetOwners(newCfg.Telegram.OwnerUserIDs)
	a.gate.SetAllowed(newCfg.Telegram.AllowedUsers)

	a.quota.SetLimit(jobLimit(newCfg))
	tz := defaultTZ(newCfg)
	a.conv.SetDefaultTZ(tz)
	a.handlers.SetDefaultTZ(tz)
	if d, err := conversationTimeout(newCfg); err == nil {
		a.conv.SetTimeout(d)
	}
	a.notifyTimeout.Store(newCfg.Conversation.NotifyTimeout)

	if tcfg, err := mapTickConfig(newCfg); err == nil {
		a.ticker.SetConfig(tcfg)
	}
	a.sched.Apply(scheduler.Config{Timezone: newCfg.Scheduler.Timezone})
	if opt, err := mapDispatchOptions(newCfg); err == nil {
		a.batcher.SetOptions(opt)
	}

	if ncfg, err := mapNotifierConfig(newCfg); err == nil {
		prev := a.notif.Enabled()
		a.notif.Apply(ncfg)
		switch {
		case prev && !ncfg.Enabled:
			a.log.Info("notifier disabled via config")
			stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
			a.notif.Stop(stopCtx)
			cancel()
			a.registry.Delete("notifier")
		case !prev && ncfg.Enabled:
			a.log.Info("notifier enabled via config")
			a.notif.Start(c)
			a.registry.Set("notifier", a.notif.Supervisor())
		}
	}

	if kcfg, err := mapKeepAliveConfig(newCfg); err == nil {
		prev := a.keep.Config()
		a.keep.Apply(kcfg)
		if prev.Interval != kcfg.Interval || prev.Schedule != kcfg.Schedule {
			if err := a.registerMaintenance(); err != nil {
				a.log.Warn("keep-alive reschedule failed", logx.Err(err))
			}
		}
	}

	a.obs.Reconfigure(c, mapMetricsConfig(newCfg))
	a.registry.Set("observability", a.obs.Supervisor())

	if len(sections) > 0 {
		fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
		a.log.Info("config reloaded", fields...)
	} else {
		a.log.Info("config reloaded (no changes)")
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Each step is bounded so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped; deadline reached", logx.String("name", name))
			return
		}
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
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	// Triggers first so no new tick starts, then producers, then sinks.
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("supervisor", 5*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("observability", time.Second, func(c context.Context) error { a.obs.Stop(c); return nil })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}
