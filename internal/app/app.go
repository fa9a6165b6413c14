// Package app wires the config, storage, batch engine, mailer and Telegram
// transport into one process and owns their lifecycle.
package app

import (
	"context"
	"fmt"
	"time"

	"awaymail/internal/batch"
	"awaymail/internal/command"
	"awaymail/internal/config"
	"awaymail/internal/eventbus"
	"awaymail/internal/mailer"
	"awaymail/internal/metrics"
	"awaymail/internal/notifier"
	"awaymail/internal/presence"
	rtsup "awaymail/internal/runtime/supervisor"
	"awaymail/internal/settings"
	"awaymail/internal/storage"
	kit "awaymail/internal/transport"
	telegram "awaymail/internal/transport/telegram/adapter"
	"awaymail/internal/transport/telegram/router"
	logx "awaymail/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	adapter kit.Adapter

	settings *settings.Service
	presence *presence.Service
	mailer   *mailer.Service
	coord    *batch.Coordinator
	commands *command.Registry
	router   *router.Router
	notif    *notifier.Service
	metrics  *metrics.Collector
	mserver  *metrics.Server
	systemd  *notifySocket

	recoverOnStart bool

	updates chan kit.Update
}

// New loads the config at cfgPath and builds every service. Nothing runs
// until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))
	ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: pollTimeout}, bootLog)
	if err != nil {
		return nil, err
	}

	// Targets first so Apply does not warn about an enabled sink with no chats.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Telegram.Enabled = false
	logSvc, log := logx.New(bootCfg, ad)
	logSvc.SetTelegramTargets(ownerTargets(cfg.Telegram.OwnerUserIDs))
	logSvc.Apply(logCfg)
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	core, err := openCore(ctx, cfg, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	pres := presence.New(core.Settings, log.With(logx.String("comp", "presence")))
	if err := pres.Load(ctx); err != nil {
		core.Close()
		return nil, err
	}
	if err := pres.ApplyWindow(mapAwayWindow(cfg)); err != nil {
		core.Close()
		return nil, err
	}

	collector := metrics.NewCollector()
	coord := batch.NewCoordinator(core.Store, core.Mailer, core.Settings, pres, batch.Options{
		Log:             log.With(logx.String("comp", "batch")),
		Bus:             core.Bus,
		Metrics:         collector,
		DeliveryTimeout: core.Mailer.Timeout(),
		FlushOnClose:    cfg.Batch.FlushOnShutdownOrDefault(),
	})

	commands := command.NewRegistry(log.With(logx.String("comp", "commands")))
	if err := command.RegisterBuiltins(commands, command.Deps{
		Settings: core.Settings,
		Mailer:   core.Mailer,
		Batches:  coord,
		Away:     pres,
	}); err != nil {
		core.Close()
		return nil, fmt.Errorf("register commands: %w", err)
	}

	rt := router.New(log.With(logx.String("comp", "router")), ad, commands, coord, cfg.Telegram.OwnerUserIDs, mapRouterOptions(cfg))

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		core.Close()
		return nil, err
	}
	notif := notifier.New(ncfg, ad, log, core.Bus)
	notif.SetOwners(cfg.Telegram.OwnerUserIDs)

	return &App{
		cfgm:           cfgm,
		log:            log.With(logx.String("comp", "app")),
		logs:           logSvc,
		bus:            core.Bus,
		store:          core.Store,
		adapter:        ad,
		settings:       core.Settings,
		presence:       pres,
		mailer:         core.Mailer,
		coord:          coord,
		commands:       commands,
		router:         rt,
		notif:          notif,
		metrics:        collector,
		mserver:        metrics.NewServer(collector, log),
		systemd:        newNotifySocket(log.With(logx.String("comp", "systemd"))),
		recoverOnStart: cfg.Batch.RecoverOnStartOrDefault(),
		updates:        make(chan kit.Update, 256),
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	// Reloads are validated before they are committed and published.
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := config.Validate(cfg); err != nil {
			return err
		}
		if _, err := mapMailerConfig(cfg); err != nil {
			return err
		}
		_, err := mapNotifierConfig(cfg)
		return err
	})

	if a.recoverOnStart {
		n, err := a.coord.Recover(runCtx)
		if err != nil {
			a.log.Warn("batch recovery incomplete", logx.Int("recovered", n), logx.Err(err))
		}
	}

	if err := a.adapter.Start(runCtx, a.updates); err != nil {
		return err
	}
	if err := a.router.PublishMenu(runCtx); err != nil {
		a.log.Warn("command menu not published", logx.Err(err))
	}

	// Alerts and metrics outlive the run context so the shutdown flush can
	// still report failures. Stop ends them explicitly.
	keep := context.WithoutCancel(ctx)
	a.notif.Start(keep)
	a.mserver.Reconfigure(keep, mapMetricsConfig(a.cfgm.Get()))

	a.sup.Go("router.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})
	a.sup.Go0("metrics.watch", func(c context.Context) { a.metrics.Watch(c, a.bus) })

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

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.systemd.Ready()
	a.sup.Go0("systemd.watchdog", a.systemd.Watchdog)

	a.log.Info("app started", logx.String("away", a.presence.Describe()))
	return nil
}

// Stop shuts components down in dependency order: intake first, then the
// batch engine (which may still mail), then the transports.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.systemd.Stopping()

	step := func(name string, max time.Duration, fn func(context.Context) error) bool {
		return runStopStep(ctx, a.log, name, max, fn)
	}

	step("adapter", 3*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	// Cancel the run context so the dispatcher and reload loops unwind.
	a.sup.Cancel()
	// Queued inbound messages reach the coordinator before it closes.
	step("router", 4*time.Second, func(c context.Context) error {
		select {
		case <-a.router.Stopped():
			return nil
		case <-c.Done():
			return c.Err()
		}
	})
	// Flushing mails every pending batch; give it the mail budget per sender.
	a.stopEngine(ctx, a.mailer.Timeout()+5*time.Second)
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("metrics", time.Second, func(c context.Context) error { a.mserver.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	return a.logs.Close()
}
