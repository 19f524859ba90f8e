// Package metrics exposes Prometheus collectors fed by the event bus, the
// publisher gateway and the runtime supervisors.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"orbit/internal/eventbus"
	"orbit/internal/publisher"
	rtsup "orbit/internal/runtime/supervisor"
	"orbit/internal/task/engine"
)

const namespace = "orbit"

type Metrics struct {
	reg *prometheus.Registry

	EntriesEnqueued  prometheus.Counter
	Passes           *prometheus.CounterVec
	PassDuration     prometheus.Histogram
	PlatformResults  *prometheus.CounterVec
	PublishDuration  *prometheus.HistogramVec
	BreakerState     *prometheus.GaugeVec
	DecayUpdates     prometheus.Counter
	Anomalies        *prometheus.CounterVec
	EvergreenRequeue prometheus.Counter
	Tasks            *prometheus.CounterVec
	TaskDuration     *prometheus.HistogramVec
}

// New registers every collector on a private registry along with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		EntriesEnqueued: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_enqueued_total",
			Help:      "Queue entries created",
		}),
		Passes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orchestration_passes_total",
			Help:      "Completed orchestration passes by resulting entry status",
		}, []string{"status"}),
		PassDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "orchestration_pass_duration_seconds",
			Help:      "Wall time of one orchestration pass, waits included",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~17m
		}),
		PlatformResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "platform_results_total",
			Help:      "Per-platform publish outcomes",
		}, []string{"platform", "status"}),
		PublishDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_duration_seconds",
			Help:      "Latency of publisher calls",
			Buckets:   prometheus.DefBuckets,
		}, []string{"platform", "result"}),
		BreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "publisher_circuit_state",
			Help:      "Circuit breaker state per platform (0 closed, 1 half-open, 2 open)",
		}, []string{"platform"}),
		DecayUpdates: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "priority_decay_updates_total",
			Help:      "Entries whose priority was lowered by decay",
		}),
		Anomalies: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomalies_detected_total",
			Help:      "Algorithm changes detected",
		}, []string{"platform", "metric"}),
		EvergreenRequeue: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evergreen_requeued_total",
			Help:      "Evergreen content put back on the queue",
		}),
		Tasks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Background task outcomes",
		}, []string{"task", "outcome"}),
		TaskDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Background task run time across attempts",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"task"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// PublisherObserver feeds publish latency and breaker transitions.
func (m *Metrics) PublisherObserver() publisher.Observer {
	return publisher.Observer{
		Published: func(platform string, d time.Duration, err error) {
			result := "ok"
			if err != nil {
				result = "error"
			}
			m.PublishDuration.WithLabelValues(platform, result).Observe(d.Seconds())
		},
		BreakerState: func(platform, _, to string) {
			m.BreakerState.WithLabelValues(platform).Set(breakerValue(to))
		},
	}
}

func breakerValue(state string) float64 {
	switch state {
	case "open":
		return 2
	case "half-open":
		return 1
	}
	return 0
}

// Observe updates collectors for one bus event. Unknown events are ignored.
func (m *Metrics) Observe(e eventbus.Event) {
	switch v := e.Data.(type) {
	case eventbus.EntryEnqueuedEvent:
		m.EntriesEnqueued.Inc()
	case eventbus.EntryOrchestratedEvent:
		m.Passes.WithLabelValues(v.Status).Inc()
		m.PassDuration.Observe(v.Duration.Seconds())
	case eventbus.PlatformPublishedEvent:
		m.PlatformResults.WithLabelValues(v.Platform, v.Status).Inc()
	case eventbus.PrioritiesDecayedEvent:
		m.DecayUpdates.Add(float64(v.Updated))
	case eventbus.AnomalyDetectedEvent:
		m.Anomalies.WithLabelValues(v.Platform, v.Metric).Inc()
	case eventbus.EvergreenRequeuedEvent:
		m.EvergreenRequeue.Inc()
	case engine.TaskEvent:
		m.observeTask(e.Type, v)
	}
}

func (m *Metrics) observeTask(typ string, v engine.TaskEvent) {
	var outcome string
	switch typ {
	case engine.EventFinished:
		outcome = "ok"
	case engine.EventFailed:
		outcome = "failed"
	case engine.EventDropped:
		outcome = "dropped"
	case engine.EventSkipped:
		outcome = "skipped"
	default:
		return
	}
	m.Tasks.WithLabelValues(v.Name, outcome).Inc()
	if typ == engine.EventFinished || typ == engine.EventFailed {
		m.TaskDuration.WithLabelValues(v.Name).Observe(v.Duration.Seconds())
	}
}

// Run consumes bus events until ctx ends.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	if bus == nil {
		return errors.New("metrics: nil bus")
	}
	ch, unsubscribe := bus.Subscribe(256)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(e)
		}
	}
}

// supervisorCollector reads routine stats from live supervisors at scrape
// time, so restarted components show up without re-registration.
type supervisorCollector struct {
	src func() map[string]*rtsup.Supervisor

	active   *prometheus.Desc
	restarts *prometheus.Desc
	panics   *prometheus.Desc
	failed   *prometheus.Desc
}

// WatchSupervisors exports per-routine gauges and counters for every
// supervisor src returns.
func (m *Metrics) WatchSupervisors(src func() map[string]*rtsup.Supervisor) error {
	labels := []string{"supervisor", "routine"}
	return m.reg.Register(&supervisorCollector{
		src: src,
		active: prometheus.NewDesc(prometheus.BuildFQName(namespace, "routine", "active"),
			"Running instances of a supervised routine", labels, nil),
		restarts: prometheus.NewDesc(prometheus.BuildFQName(namespace, "routine", "restarts_total"),
			"Restarts of a supervised routine", labels, nil),
		panics: prometheus.NewDesc(prometheus.BuildFQName(namespace, "routine", "panics_total"),
			"Recovered panics in a supervised routine", labels, nil),
		failed: prometheus.NewDesc(prometheus.BuildFQName(namespace, "supervisor", "failed"),
			"1 once the supervisor recorded an error", []string{"supervisor"}, nil),
	})
}

func (c *supervisorCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.active
	ch <- c.restarts
	ch <- c.panics
	ch <- c.failed
}

func (c *supervisorCollector) Collect(ch chan<- prometheus.Metric) {
	for name, sup := range c.src() {
		if sup == nil {
			continue
		}
		snap := sup.Snapshot()
		var failed float64
		if snap.FirstError != "" {
			failed = 1
		}
		ch <- prometheus.MustNewConstMetric(c.failed, prometheus.GaugeValue, failed, name)
		for _, r := range snap.Routines {
			ch <- prometheus.MustNewConstMetric(c.active, prometheus.GaugeValue, float64(r.Active), name, r.Name)
			ch <- prometheus.MustNewConstMetric(c.restarts, prometheus.CounterValue, float64(r.Restarts), name, r.Name)
			ch <- prometheus.MustNewConstMetric(c.panics, prometheus.CounterValue, float64(r.Panics), name, r.Name)
		}
	}
}
