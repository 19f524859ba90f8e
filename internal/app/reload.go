package app

import (
	"context"
	"strings"

	"orbit/internal/config"
	logx "orbit/pkg/logx"
)

// reloadLoop applies configs published by the config manager until ctx ends.
// Logging, the task engine, the scheduler and the ops server follow the new
// config live; other sections take effect on restart.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) error {
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return nil
		case cfg, ok := <-sub:
			if !ok {
				return nil
			}
			// Coalesce bursts.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						cfg = newer
					}
				default:
					drained = true
				}
			}
			if cfg == nil {
				continue
			}
			a.applyConfig(ctx, last, cfg)
			last = cfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, prev, cfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, cfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if pending := config.RestartRequired(sections); len(pending) > 0 {
		a.log.Warn("config sections changed; restart required for them to take effect", logx.Strings("sections", pending))
	}
	if prev != nil && jobSpecsChanged(prev.Scheduler, cfg.Scheduler) {
		a.log.Warn("job schedules changed; restart required for them to take effect")
	}

	if lc, err := mapLoggingConfig(cfg); err != nil {
		a.log.Warn("invalid logging config; keeping previous", logx.Err(err))
	} else if err := a.logs.Apply(lc); err != nil {
		a.log.Warn("logging reconfigured with errors", logx.Err(err))
	}

	if engCfg, err := mapTaskEngineConfig(cfg); err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.engine.Enabled()
		a.engine.Apply(ctx, engCfg)
		if wasEnabled != engCfg.Enabled {
			a.log.Info("task engine toggled via config", logx.Bool("enabled", engCfg.Enabled))
		}
	}

	if schCfg, err := mapSchedulerConfig(cfg); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		wasEnabled := a.sched.Enabled()
		a.sched.Apply(schCfg)
		switch {
		case wasEnabled && !schCfg.Enabled:
			a.sched.Stop(ctx)
			a.log.Info("scheduler disabled via config")
		case !wasEnabled && schCfg.Enabled:
			a.sched.Start(ctx)
			a.log.Info("scheduler enabled via config")
		}
	}

	if opsCfg, err := mapOpsConfig(cfg); err != nil {
		a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
	} else if err := a.ops.Reconfigure(ctx, opsCfg); err != nil {
		a.log.Warn("ops server reconfigure failed", logx.Err(err))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func jobSpecsChanged(a, b config.SchedulerConfig) bool {
	return a.Decay != b.Decay || a.Dispatch != b.Dispatch || a.Anomaly != b.Anomaly ||
		a.Evergreen != b.Evergreen || a.SweepTimeout != b.SweepTimeout
}
