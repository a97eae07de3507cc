// Package app wires config, storage, the delivery engine and its triggers
// into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"funnelbot/internal/broadcast"
	"funnelbot/internal/config"
	"funnelbot/internal/httpapi"
	"funnelbot/internal/media"
	"funnelbot/internal/observability"
	"funnelbot/internal/runtime/supervisor"
	"funnelbot/internal/scheduler"
	"funnelbot/internal/storage"
	"funnelbot/internal/transport/telegram"
	logx "funnelbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger

	store   *storage.SQLStore
	engine  *broadcast.Engine
	sched   *scheduler.Service
	tracing observability.ShutdownFunc

	sup *supervisor.Supervisor
}

// New loads the config and builds every component without starting any
// background work. The store is opened but not migrated.
func New(ctx context.Context, cfgPath string) (*App, error) {
	logs, root := logx.New(logx.Config{Level: "info", Console: true})
	cfgm := config.NewManager(cfgPath, root)
	cfg, err := cfgm.Load()
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("config: %w", err)
	}
	logs.Apply(cfg.LogConfig())
	log := root.With(logx.String("comp", "app"))

	a := &App{cfgm: cfgm, logs: logs, log: log}
	if err := a.build(ctx, cfg, root); err != nil {
		_ = a.Close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config, root logx.Logger) error {
	shutdown, err := observability.InitTracing(ctx, cfg.TracingConfig(), root)
	if err != nil {
		return err
	}
	a.tracing = shutdown

	sc, err := cfg.StorageConfig()
	if err != nil {
		return err
	}
	store, err := storage.Open(ctx, sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return err
	}
	a.store = store

	tc, err := cfg.TelegramConfig()
	if err != nil {
		return err
	}
	dc, err := cfg.DeliveryConfig()
	if err != nil {
		return err
	}
	a.engine = broadcast.New(dc, store,
		telegram.NewFactory(tc, root),
		media.New(cfg.Media.Root),
		root.With(logx.String("comp", "broadcast")),
	)

	schc, err := cfg.SchedulerConfig()
	if err != nil {
		return err
	}
	a.sched = scheduler.New(schc, a.tick, root.With(logx.String("comp", "scheduler")))
	return nil
}

func (a *App) Log() logx.Logger          { return a.log }
func (a *App) Engine() *broadcast.Engine { return a.engine }
func (a *App) Store() *storage.SQLStore  { return a.store }

// Migrate applies pending schema migrations.
func (a *App) Migrate() error { return a.store.Migrate() }

func (a *App) tick(ctx context.Context) error {
	sum, err := a.engine.Tick(ctx)
	for _, rep := range sum.Broadcasts {
		a.log.Info("broadcast dispatched",
			logx.Int64("message", rep.MessageID),
			logx.String("run", rep.RunID),
			logx.Int("delivered", rep.Delivered),
			logx.Int("failed", rep.Failed()),
			logx.Int("skipped", rep.Skipped),
		)
	}
	if n := len(sum.Triggered); n > 0 {
		a.log.Debug("triggered messages processed", logx.Int("count", n))
	}
	return err
}

// Run migrates, starts the scheduler, the HTTP API and the config watcher,
// then blocks until ctx ends or a component fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.Migrate(); err != nil {
		return err
	}

	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	sctx := a.sup.Context()
	cfg := a.cfgm.Get()

	if err := a.sched.Start(sctx); err != nil {
		return a.abort(err)
	}

	if cfg.HTTP.Enabled {
		h := httpapi.NewRouter(a.engine, a.store, a.log, httpapi.Options{Token: cfg.HTTP.Token, Pprof: cfg.HTTP.Pprof})
		srv, err := httpapi.Listen(cfg.HTTP.Addr, h, cfg.HTTP.Token, a.log)
		if err != nil {
			return a.abort(err)
		}
		a.sup.Go("http", srv.Serve)
	}

	sub := a.cfgm.Subscribe(4)
	a.sup.Go0("config.apply", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		prev := cfg
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.apply(prev, next)
				prev = next
			}
		}
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch)

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Debug("sd_notify ready failed", logx.Err(err))
	}
	a.log.Info("funnelbot started", logx.String("config", a.cfgm.Path()), logx.Time("next_tick", a.sched.Next()))

	<-sctx.Done()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.sched.Stop(stopCtx)
	err := a.sup.Stop(stopCtx)
	if errors.Is(err, context.DeadlineExceeded) {
		a.log.Warn("shutdown timed out")
	}
	a.log.Info("funnelbot stopped")
	return err
}

// abort stops what Run already started and returns err.
func (a *App) abort(err error) error {
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.sched.Stop(stopCtx)
	if serr := a.sup.Stop(stopCtx); serr != nil {
		a.log.Warn("supervisor stop failed", logx.Err(serr))
	}
	return err
}

// apply re-applies the reloadable sections. Storage and HTTP changes need a
// restart.
func (a *App) apply(prev, next *config.Config) {
	a.logs.Apply(next.LogConfig())

	if dc, err := next.DeliveryConfig(); err != nil {
		a.log.Warn("invalid delivery config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(dc)
	}

	if sc, err := next.SchedulerConfig(); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else if err := a.sched.Apply(sc); err != nil {
		a.log.Warn("scheduler apply failed", logx.Err(err))
	}

	if prev.Storage != next.Storage || prev.HTTP != next.HTTP || prev.Telegram != next.Telegram {
		a.log.Warn("storage, http or telegram config changed; restart required")
	}
	a.log.Info("config applied")
}

// Close releases the store, flushes traces and closes log files.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.tracing != nil {
		errs = append(errs, a.tracing(ctx))
	}
	if a.logs != nil {
		errs = append(errs, a.logs.Close())
	}
	return errors.Join(errs...)
}
