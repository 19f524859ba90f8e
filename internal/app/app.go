// Package app wires configuration, storage, the distribution components and
// the background runtime into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"orbit/internal/analytics"
	"orbit/internal/anomaly"
	"orbit/internal/config"
	"orbit/internal/dispatch"
	"orbit/internal/eventbus"
	"orbit/internal/lock"
	"orbit/internal/metrics"
	"orbit/internal/observability/ops"
	"orbit/internal/orchestrator"
	"orbit/internal/publisher"
	"orbit/internal/queue"
	"orbit/internal/repurpose"
	rtsup "orbit/internal/runtime/supervisor"
	"orbit/internal/service"
	"orbit/internal/storage"
	"orbit/internal/task/engine"
	"orbit/internal/task/scheduler"
	"orbit/internal/telemetry"
	"orbit/internal/timing"
	logx "orbit/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	redis *goredis.Client

	metrics  *metrics.Metrics
	engine   *engine.Service
	sched    *scheduler.Service
	dispatch *dispatch.Dispatcher
	ops      *ops.Service
	svc      *service.Service

	traceCfg      telemetry.Config
	traceShutdown telemetry.Shutdown
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return build(ctx, cfgm, cfg)
}

// CheckConfig loads and validates the config at cfgPath without opening
// storage or starting anything.
func CheckConfig(cfgPath string) error {
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	return validateConfig(cfg)
}

func build(ctx context.Context, cfgm *config.Manager, cfg *config.Config) (a *App, err error) {
	lc, _ := mapLoggingConfig(cfg)
	logSvc, root := logx.New(lc)
	log := root.With(logx.String("comp", "app"))
	a = &App{cfgm: cfgm, log: log, logs: logSvc, bus: eventbus.New()}
	defer func() {
		if err != nil {
			a.closeResources()
		}
	}()
	log.Info("config loaded", logx.String("path", cfgm.Path()), logx.String("fingerprint", cfgm.Fingerprint()))

	sc, _ := mapStorageConfig(cfg)
	if a.store, err = storage.Open(sc, root); err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Info("storage ready", logx.String("driver", sc.Driver))

	var locker lock.Locker = lock.NewMemory(nil)
	if rc, prefix, ok, _ := mapRedisConfig(cfg); ok {
		if a.redis, err = lock.Dial(ctx, rc); err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		locker = lock.NewRedis(a.redis, prefix)
		log.Info("redis claim lock enabled")
	}

	a.metrics = metrics.New()

	pubs, err := buildPublishers(cfg, root)
	if err != nil {
		return nil, err
	}
	registry, err := publisher.NewRegistry(pubs...)
	if err != nil {
		return nil, err
	}
	log.Info("publishers registered", logx.Strings("platforms", registry.Names()))

	oCfg, gCfg, _ := mapOrchestratorConfig(cfg)
	gateway := publisher.NewGateway(gCfg, root, a.metrics.PublisherObserver())
	orch := orchestrator.New(oCfg, a.store, registry, gateway, a.bus, root)

	tCfg, _ := mapTimingConfig(cfg)
	predictor := timing.New(tCfg, a.store, root)
	qCfg, _ := mapQueueConfig(cfg)
	q := queue.New(qCfg, a.store, predictor, a.bus, root)
	anCfg, _ := mapAnomalyConfig(cfg)
	detector := anomaly.New(anCfg, a.store, a.bus, root)
	rpCfg, _ := mapRepurposeConfig(cfg)
	scorer := repurpose.New(rpCfg, a.store, q, a.bus, root)

	engCfg, _ := mapTaskEngineConfig(cfg)
	a.engine = engine.New(engCfg, root.With(logx.String("comp", "taskengine")), a.bus)
	schCfg, _ := mapSchedulerConfig(cfg)
	a.sched = scheduler.New(schCfg, a.engine, root.With(logx.String("comp", "scheduler")))

	dCfg, _ := mapDispatchConfig(cfg)
	a.dispatch = dispatch.New(dCfg, dispatch.Deps{
		Queue:        q,
		Orchestrator: orch,
		Locker:       locker,
		Executor:     a.engine,
		Detector:     detector,
		Republisher:  scorer,
	}, root)
	if err := a.dispatch.Register(a.sched); err != nil {
		return nil, err
	}

	a.svc = service.New(service.Deps{
		Queue:     q,
		Timing:    predictor,
		Publisher: a.dispatch,
		Verifier:  orch,
		Analytics: analytics.New(a.store, nil),
		Detector:  detector,
		Evaluator: scorer,
		Store:     a.store,
	}, root)

	opsCfg, _ := mapOpsConfig(cfg)
	a.ops = ops.New(opsCfg, ops.Sources{
		Metrics:     a.metrics.Handler(),
		Supervisors: a.supervisors,
		Details:     a.details,
	}, root)
	if err := a.metrics.WatchSupervisors(a.supervisors); err != nil {
		return nil, fmt.Errorf("register supervisor metrics: %w", err)
	}

	a.traceCfg, _ = mapTelemetryConfig(cfg)
	return a, nil
}

// Service is the synchronous API.
func (a *App) Service() *service.Service { return a.svc }

// Done is closed when the app context is cancelled by Stop or a fatal error.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the app supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	runCtx := a.sup.Context()

	shutdown, err := telemetry.Init(runCtx, a.traceCfg)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	a.traceShutdown = shutdown

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	a.sup.GoRestart("metrics.events", func(c context.Context) error {
		return a.metrics.Run(c, a.bus)
	}, rtsup.WithRestartBackoff(time.Second, time.Minute))
	a.sup.Go("eventbus.log", a.logEvents)

	if a.engine.Enabled() {
		a.engine.Start(runCtx)
	}
	if a.sched.Enabled() {
		a.sched.Start(runCtx)
	}
	if err := a.ops.Start(runCtx); err != nil {
		return err
	}

	reload := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(reload)
		return a.reloadLoop(c, reload)
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.Bool("scheduler", a.sched.Enabled()),
		logx.Bool("task_engine", a.engine.Enabled()),
		logx.String("ops_addr", a.ops.Addr()),
	)
	return nil
}

// logEvents mirrors bus traffic into the debug log.
func (a *App) logEvents(ctx context.Context) error {
	events, unsub := a.bus.Subscribe(128)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if a.log.Enabled(logx.LevelDebug) {
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
			}
		}
	}
}

func (a *App) supervisors() map[string]*rtsup.Supervisor {
	out := map[string]*rtsup.Supervisor{}
	if a.sup != nil {
		out["app"] = a.sup
	}
	if sup := a.engine.Supervisor(); sup != nil {
		out["task.engine"] = sup
	}
	if sup := a.ops.Supervisor(); sup != nil {
		out["ops"] = sup
	}
	return out
}

func (a *App) details() map[string]any {
	ss := a.sched.Snapshot()
	ss.Engine = engine.Snapshot{}
	return map[string]any{
		"task_engine": a.engine.Snapshot(),
		"scheduler":   ss,
		"eventbus":    eventbus.StatsOf(a.bus),
	}
}

// Stop shuts components down in dependency order, each step bounded so one
// slow component cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		if err := a.runStep(ctx, name, max, fn); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("telemetry", 2*time.Second, func(c context.Context) error {
		if a.traceShutdown == nil {
			return nil
		}
		return a.traceShutdown(c)
	})
	step("supervisor", 2*time.Second, func(c context.Context) error {
		if err := a.sup.Wait(c); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	step("storage", time.Second, func(context.Context) error {
		a.closeResources()
		return nil
	})

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

// runStep runs fn with a deadline of at most max, never extending ctx.
func (a *App) runStep(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) error {
	start := time.Now()
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step: %v", r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
		return err
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
		}()
		return stepCtx.Err()
	}
}

func (a *App) closeResources() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
		a.store = nil
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn("redis close failed", logx.Err(err))
		}
		a.redis = nil
	}
}
