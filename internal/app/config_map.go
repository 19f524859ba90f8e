package app

import (
	"fmt"
	"strings"
	"time"

	"orbit/internal/anomaly"
	"orbit/internal/config"
	"orbit/internal/dispatch"
	"orbit/internal/domain"
	"orbit/internal/lock"
	"orbit/internal/observability/ops"
	"orbit/internal/orchestrator"
	"orbit/internal/publisher"
	"orbit/internal/queue"
	"orbit/internal/repurpose"
	"orbit/internal/storage"
	"orbit/internal/task/engine"
	"orbit/internal/task/scheduler"
	"orbit/internal/telemetry"
	"orbit/internal/timing"
	logx "orbit/pkg/logx"
)

var (
	parseDurationField     = config.ParseDurationField
	parseDurationOrDefault = config.ParseDurationOrDefault
)

// durations parses several fields and stops at the first error.
type durations struct{ err error }

func (d *durations) parse(path, raw string) time.Duration {
	if d.err != nil {
		return 0
	}
	v, err := parseDurationField(path, raw)
	d.err = err
	return v
}

func mapLoggingConfig(cfg *config.Config) (logx.Config, error) {
	switch f := strings.ToLower(strings.TrimSpace(cfg.Logging.Format)); f {
	case "", "console", "json":
	default:
		return logx.Config{}, fmt.Errorf("logging.format: unknown %q", cfg.Logging.Format)
	}
	return logx.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "file":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: driver, Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := parseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, fmt.Errorf("storage.dsn is required when storage.driver=postgres")
		}
		if sc.MaxOpenConns < 0 {
			return storage.Config{}, fmt.Errorf("storage.max_open_conns must be >= 0")
		}
		return storage.Config{Driver: "postgres", DSN: sc.DSN, MaxOpenConns: sc.MaxOpenConns}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// mapRedisConfig reports false when no Redis is configured.
func mapRedisConfig(cfg *config.Config) (lock.RedisConfig, string, bool, error) {
	rc := cfg.Redis
	if rc == nil || strings.TrimSpace(rc.URL) == "" {
		return lock.RedisConfig{}, "", false, nil
	}
	var d durations
	out := lock.RedisConfig{
		URL:          strings.TrimSpace(rc.URL),
		DialTimeout:  d.parse("redis.dial_timeout", rc.DialTimeout),
		ReadTimeout:  d.parse("redis.read_timeout", rc.ReadTimeout),
		WriteTimeout: d.parse("redis.write_timeout", rc.WriteTimeout),
	}
	if d.err != nil {
		return lock.RedisConfig{}, "", false, d.err
	}
	return out, strings.TrimSpace(rc.Prefix), true, nil
}

func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	enabled := cfg.Scheduler.Enabled
	te := cfg.TaskEngine
	if te == nil {
		return engine.Config{Enabled: enabled}, nil
	}
	if te.Enabled != nil {
		enabled = *te.Enabled
	}
	if cfg.Scheduler.Enabled && !enabled {
		return engine.Config{}, fmt.Errorf("task_engine.enabled cannot be false while scheduler.enabled is true")
	}
	switch {
	case te.Workers < 0:
		return engine.Config{}, fmt.Errorf("task_engine.workers must be >= 0")
	case te.QueueSize < 0:
		return engine.Config{}, fmt.Errorf("task_engine.queue_size must be >= 0")
	case te.HistorySize < 0:
		return engine.Config{}, fmt.Errorf("task_engine.history_size must be >= 0")
	case te.RetryMax < 0:
		return engine.Config{}, fmt.Errorf("task_engine.retry_max must be >= 0")
	}

	var d durations
	out := engine.Config{
		Enabled:        enabled,
		Workers:        te.Workers,
		QueueSize:      te.QueueSize,
		DefaultTimeout: d.parse("task_engine.default_timeout", te.DefaultTimeout),
		MaxQueueDelay:  d.parse("task_engine.max_queue_delay", te.MaxQueueDelay),
		HistorySize:    te.HistorySize,
		RetryMax:       te.RetryMax,
		RetryBase:      d.parse("task_engine.retry_base", te.RetryBase),
		RetryMaxDelay:  d.parse("task_engine.retry_max_delay", te.RetryMaxDelay),
	}
	return out, d.err
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	return scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: tz}, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	sc := cfg.Scheduler
	for path, spec := range map[string]string{
		"scheduler.decay":     sc.Decay,
		"scheduler.dispatch":  sc.Dispatch,
		"scheduler.anomaly":   sc.Anomaly,
		"scheduler.evergreen": sc.Evergreen,
	} {
		if strings.TrimSpace(spec) == "" {
			continue
		}
		if _, err := scheduler.ParseSchedule(spec); err != nil {
			return dispatch.Config{}, fmt.Errorf("%s: %w", path, err)
		}
	}
	platforms := make([]string, 0, len(cfg.Anomaly.Platforms))
	for _, p := range cfg.Anomaly.Platforms {
		if p = domain.NormalizePlatform(p); p != "" {
			platforms = append(platforms, p)
		}
	}

	var d durations
	out := dispatch.Config{
		DecaySchedule:       strings.TrimSpace(sc.Decay),
		DispatchSchedule:    strings.TrimSpace(sc.Dispatch),
		AnomalySchedule:     strings.TrimSpace(sc.Anomaly),
		EvergreenSchedule:   strings.TrimSpace(sc.Evergreen),
		ReadyLimit:          cfg.Queue.ReadyLimit,
		ClaimTTL:            d.parse("orchestrator.claim_ttl", cfg.Orchestrator.ClaimTTL),
		PassTimeout:         d.parse("orchestrator.pass_timeout", cfg.Orchestrator.PassTimeout),
		SweepTimeout:        d.parse("scheduler.sweep_timeout", sc.SweepTimeout),
		BreakerDelay:        d.parse("orchestrator.open_delay", cfg.Orchestrator.OpenDelay),
		AnomalyLookbackDays: cfg.Anomaly.LookbackDays,
		Platforms:           platforms,
	}
	return out, d.err
}

func mapQueueConfig(cfg *config.Config) (queue.Config, error) {
	qc := cfg.Queue
	if qc.DefaultDecayRate < 0 || qc.MinPriority < 0 || qc.MinPriority > 1 {
		return queue.Config{}, fmt.Errorf("queue: decay rate and min priority must be within [0,1]")
	}
	lookahead, err := parseDurationField("queue.ready_lookahead", qc.ReadyLookahead)
	if err != nil {
		return queue.Config{}, err
	}
	return queue.Config{
		DefaultDecayRate: qc.DefaultDecayRate,
		ReadyLookahead:   lookahead,
		ReadyLimit:       qc.ReadyLimit,
		MinPriority:      qc.MinPriority,
		ListLimit:        qc.ListLimit,
	}, nil
}

func mapTimingConfig(cfg *config.Config) (timing.Config, error) {
	tc := cfg.Timing
	if tc.FirstHour < 0 || tc.LastHour > 23 || (tc.LastHour > 0 && tc.FirstHour > tc.LastHour) {
		return timing.Config{}, fmt.Errorf("timing: hours must satisfy 0 <= first_hour <= last_hour <= 23")
	}
	var d durations
	out := timing.Config{
		MinDataPoints: tc.MinDataPoints,
		Lookback:      d.parse("timing.lookback", tc.Lookback),
		Horizon:       d.parse("timing.horizon", tc.Horizon),
		FirstHour:     tc.FirstHour,
		LastHour:      tc.LastHour,
	}
	return out, d.err
}

func mapOrchestratorConfig(cfg *config.Config) (orchestrator.Config, publisher.GatewayConfig, error) {
	oc := cfg.Orchestrator
	var d durations
	oCfg := orchestrator.Config{
		MaxWait:            d.parse("orchestrator.max_wait", oc.MaxWait),
		InterPlatformDelay: d.parse("orchestrator.inter_platform_delay", oc.InterPlatformDelay),
	}
	gCfg := publisher.GatewayConfig{
		Timeout:          d.parse("orchestrator.publish_timeout", oc.PublishTimeout),
		RatePerSecond:    oc.RatePerSecond,
		Burst:            oc.Burst,
		FailureThreshold: oc.FailureThreshold,
		FailureWindow:    oc.FailureWindow,
		OpenDelay:        d.parse("orchestrator.open_delay", oc.OpenDelay),
	}
	if d.err != nil {
		return orchestrator.Config{}, publisher.GatewayConfig{}, d.err
	}
	if oc.RatePerSecond < 0 || oc.Burst < 0 {
		return orchestrator.Config{}, publisher.GatewayConfig{}, fmt.Errorf("orchestrator: rate_per_second and burst must be >= 0")
	}
	if oc.FailureWindow > 0 && oc.FailureThreshold > oc.FailureWindow {
		return orchestrator.Config{}, publisher.GatewayConfig{}, fmt.Errorf("orchestrator.failure_threshold must not exceed failure_window")
	}
	return oCfg, gCfg, nil
}

func mapAnomalyConfig(cfg *config.Config) (anomaly.Config, error) {
	ac := cfg.Anomaly
	if ac.PValue < 0 || ac.PValue >= 1 {
		return anomaly.Config{}, fmt.Errorf("anomaly.p_value must be within [0,1)")
	}
	if ac.MinSamples < 0 || ac.LookbackDays < 0 || ac.RecentDays < 0 {
		return anomaly.Config{}, fmt.Errorf("anomaly: counts must be >= 0")
	}
	return anomaly.Config{
		MinSamples:   ac.MinSamples,
		ZThreshold:   ac.ZThreshold,
		PValue:       ac.PValue,
		LookbackDays: ac.LookbackDays,
		RecentDays:   ac.RecentDays,
	}, nil
}

func mapRepurposeConfig(cfg *config.Config) (repurpose.Config, error) {
	rc := cfg.Repurpose
	if rc.Threshold < 0 || rc.Threshold > 1 {
		return repurpose.Config{}, fmt.Errorf("repurpose.threshold must be within [0,1]")
	}
	interval, err := parseDurationField("repurpose.interval", rc.Interval)
	if err != nil {
		return repurpose.Config{}, err
	}
	return repurpose.Config{
		Threshold:       rc.Threshold,
		Interval:        interval,
		DefaultPlatform: domain.NormalizePlatform(rc.DefaultPlatform),
	}, nil
}

// buildPublishers constructs every configured platform client.
func buildPublishers(cfg *config.Config, log logx.Logger) ([]publisher.Publisher, error) {
	var out []publisher.Publisher
	if tc := cfg.Publishers.Telegram; tc != nil && tc.Enabled {
		timeout, err := parseDurationField("publishers.telegram.timeout", tc.Timeout)
		if err != nil {
			return nil, err
		}
		switch tc.ParseMode {
		case "", "HTML", "MarkdownV2", "Markdown":
		default:
			return nil, fmt.Errorf("publishers.telegram.parse_mode: unknown %q", tc.ParseMode)
		}
		out = append(out, publisher.NewTelegram(publisher.TelegramConfig{
			APIURL:         strings.TrimSpace(tc.APIURL),
			Timeout:        timeout,
			ParseMode:      tc.ParseMode,
			DisablePreview: tc.DisablePreview,
		}, log))
	}
	for i, wc := range cfg.Publishers.Webhooks {
		path := fmt.Sprintf("publishers.webhooks[%d]", i)
		timeout, err := parseDurationField(path+".timeout", wc.Timeout)
		if err != nil {
			return nil, err
		}
		wh, err := publisher.NewWebhook(publisher.WebhookConfig{
			Platform:   wc.Platform,
			URL:        strings.TrimSpace(wc.URL),
			Timeout:    timeout,
			MaxRetries: wc.MaxRetries,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		out = append(out, wh)
	}
	return out, nil
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	oc := cfg.Ops
	var d durations
	out := ops.Config{
		Enabled:       oc.Enabled,
		Addr:          strings.TrimSpace(oc.Addr),
		PprofPrefix:   strings.TrimSpace(oc.Prefix),
		Token:         strings.TrimSpace(oc.Token),
		AllowInsecure: oc.AllowInsecure,
		ReadTimeout:   d.parse("ops.read_timeout", oc.ReadTimeout),
		WriteTimeout:  d.parse("ops.write_timeout", oc.WriteTimeout),
		IdleTimeout:   d.parse("ops.idle_timeout", oc.IdleTimeout),
	}
	return out, d.err
}

func mapTelemetryConfig(cfg *config.Config) (telemetry.Config, error) {
	tc := cfg.Telemetry
	if tc.Enabled && strings.TrimSpace(tc.Endpoint) == "" {
		return telemetry.Config{}, fmt.Errorf("telemetry.endpoint is required when telemetry.enabled is true")
	}
	if tc.SampleRatio < 0 || tc.SampleRatio > 1 {
		return telemetry.Config{}, fmt.Errorf("telemetry.sample_ratio must be within [0,1]")
	}
	return telemetry.Config{
		Enabled:     tc.Enabled,
		ServiceName: strings.TrimSpace(tc.ServiceName),
		Endpoint:    strings.TrimSpace(tc.Endpoint),
		Insecure:    tc.Insecure,
		SampleRatio: tc.SampleRatio,
	}, nil
}

// validateConfig runs every mapper so a bad reload is rejected before commit.
func validateConfig(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	checks := []func() error{
		func() error { _, err := mapLoggingConfig(cfg); return err },
		func() error { _, err := mapStorageConfig(cfg); return err },
		func() error { _, _, _, err := mapRedisConfig(cfg); return err },
		func() error { _, err := mapTaskEngineConfig(cfg); return err },
		func() error { _, err := mapSchedulerConfig(cfg); return err },
		func() error { _, err := mapDispatchConfig(cfg); return err },
		func() error { _, err := mapQueueConfig(cfg); return err },
		func() error { _, err := mapTimingConfig(cfg); return err },
		func() error { _, _, err := mapOrchestratorConfig(cfg); return err },
		func() error { _, err := mapAnomalyConfig(cfg); return err },
		func() error { _, err := mapRepurposeConfig(cfg); return err },
		func() error { _, err := buildPublishers(cfg, logx.Nop()); return err },
		func() error { _, err := mapOpsConfig(cfg); return err },
		func() error { _, err := mapTelemetryConfig(cfg); return err },
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}
