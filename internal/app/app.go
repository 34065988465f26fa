// Package app wires the covidwatch services together and runs them under
// one supervisor.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"covidwatch/internal/config"
	"covidwatch/internal/dashboard"
	"covidwatch/internal/dataset"
	"covidwatch/internal/eventbus"
	"covidwatch/internal/fetch"
	rtsup "covidwatch/internal/runtime/supervisor"
	"covidwatch/internal/storage"
	"covidwatch/internal/task/engine"
	"covidwatch/internal/task/scheduler"
	"covidwatch/internal/transport/httpapi"
	logx "covidwatch/pkg/logx"
	"covidwatch/pkg/systemd"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	httpSrc *fetch.HTTPSource // nil in offline mode
	engine  *engine.Service
	sched   *scheduler.Service
	dash    *dashboard.Service
	api     *httpapi.Server

	addr string
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logs, root := logx.New(mapLogConfig(cfg))
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	var store storage.Store
	if sc, enabled := mapStorageConfig(cfg); enabled {
		store, err = storage.Open(sc, root.With(logx.String("comp", "storage")))
		if err != nil {
			_ = logs.Close()
			return nil, err
		}
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	bus := eventbus.New()
	fetcher, httpSrc := newFetcher(cfg, root.With(logx.String("comp", "fetch")))
	dash := dashboard.New(fetcher, store, bus, root.With(logx.String("comp", "dashboard")), mapAreas(cfg))
	eng := engine.New(mapEngineConfig(cfg), root.With(logx.String("comp", "taskengine")), bus)
	sched := scheduler.New(mapSchedulerConfig(cfg), scheduler.TaskEngine(eng), dash, root.With(logx.String("comp", "scheduler")))
	api := httpapi.New(sched, dash, eng, root, mapHTTPOptions(cfg))

	return &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logs,
		bus:     bus,
		store:   store,
		httpSrc: httpSrc,
		engine:  eng,
		sched:   sched,
		dash:    dash,
		api:     api,
		addr:    cfg.HTTP.Addr,
	}, nil
}

// Dashboard exposes the cache for callers embedding the app.
func (a *App) Dashboard() *dashboard.Service { return a.dash }

func (a *App) Scheduler() *scheduler.Service { return a.sched }

// Done is closed when the app supervisor context is cancelled (fatal error or Stop).
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
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if cfg.Scheduler.Enabled && cfg.TaskEngine.Enabled != nil && !*cfg.TaskEngine.Enabled {
			return errors.New("task_engine.enabled cannot be false while scheduler.enabled is true")
		}
		return nil
	})

	if err := a.dash.Restore(ctx); err != nil {
		a.log.Warn("cache restore failed", logx.Err(err))
	}

	a.engine.Start(a.sup.Context())

	a.sup.Go("http.api", func(c context.Context) error {
		err := a.api.Serve(c, a.addr)
		if err != nil && c.Err() == nil {
			return fmt.Errorf("http api: %w", err)
		}
		return nil
	})

	// First render: refresh everything once, like the page load did.
	if err := a.refreshAll(); err != nil {
		a.log.Warn("initial refresh not queued", logx.Err(err))
	}

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
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case next, ok := <-sub:
				if !ok {
					return
				}
				a.apply(c, last, next)
				last = next
			}
		}
	})
	// A broken watcher only loses hot reload; retry it for a while, never fail the app.
	a.sup.GoRestart("config.watch", func(c context.Context) error { return a.cfgm.Watch(c) },
		rtsup.WithRestartBackoff(time.Second, time.Minute),
		rtsup.WithMaxRestarts(10),
	)
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		if err := systemd.Watchdog(c); err != nil {
			a.log.Warn("systemd watchdog stopped", logx.Err(err))
		}
	})

	if _, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	}
	a.log.Info("app started", logx.String("addr", a.addr), logx.String("config", a.cfgm.Path()))
	return nil
}

func (a *App) refreshAll() error {
	dash := a.dash
	log := a.log
	return a.engine.Enqueue(engine.Task{
		Name: "refresh:startup",
		Run: func(ctx context.Context) error {
			if err := dash.RefreshSet(ctx, dataset.NewSet(dataset.All...)); err != nil {
				log.Warn("startup refresh incomplete", logx.Err(err))
				return engine.NoRetry(err)
			}
			return nil
		},
	})
}

// apply pushes a reloaded config into the running services.
func (a *App) apply(ctx context.Context, prev, next *config.Config) {
	_, _ = systemd.Reloading()
	defer func() { _, _ = systemd.Ready() }()

	a.logs.Apply(mapLogConfig(next))
	a.engine.Apply(ctx, mapEngineConfig(next))
	a.sched.Apply(mapSchedulerConfig(next))
	a.dash.SetAreas(mapAreas(next))
	if a.httpSrc != nil {
		a.httpSrc.Apply(mapFetchConfig(next))
	}
	if prev != nil && strings.TrimSpace(prev.Covid.DataDir) != strings.TrimSpace(next.Covid.DataDir) {
		a.log.Warn("covid.data_dir changed; restart required")
	}
	if restart := config.RestartRequired(prev, next); len(restart) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.Strings("sections", restart))
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()

	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		c, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(c)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-c.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("scheduler", time.Second, func(context.Context) error { a.sched.Stop(); return nil })
	step("taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("supervisor", 6*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	c := a.sup.Counters()
	a.log.Info("stopped", logx.Int64("goroutines_active", c.Active), logx.Uint64("goroutines_started", c.Started))
	return a.logs.Close()
}
