package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"orbit/internal/domain"
	"orbit/internal/eventbus"
	rtsup "orbit/internal/runtime/supervisor"
	logx "orbit/pkg/logx"
)

// Task lifecycle event types.
const (
	EventStarted  = "task.started"
	EventFinished = "task.finished"
	EventFailed   = "task.failed"
	EventDropped  = "task.dropped"
	EventSkipped  = "task.skipped"
)

const warnEvery = 5 * time.Second

// Option configures a Service.
type Option func(*Service)

// WithClock sets the time source for queue delays and run durations.
func WithClock(c domain.Clock) Option { return func(s *Service) { s.clock = c } }

// Service runs background tasks on a bounded worker pool with per-task
// retries and per-key overlap gating.
type Service struct {
	log   logx.Logger
	bus   eventbus.Bus
	clock domain.Clock

	mu  sync.Mutex
	cfg Config
	p   *pool

	gatesMu sync.Mutex
	gates   map[string]*Gate

	histMu  sync.Mutex
	history []TaskEvent

	inFlight atomic.Int32
	stats    counters

	fullWarn  rate.Sometimes
	staleWarn rate.Sometimes
}

// pool is one started generation of workers. stopped is set once Stop
// begins and closed when the workers are gone and the queue is drained.
type pool struct {
	queue   chan queued
	stop    chan struct{}
	stopped chan struct{}
	sup     *rtsup.Supervisor
}

type queued struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
	opt        TaskOptions

	gateKey string
	gate    *Gate
}

// finish opens the gate and reports err to OnDone.
func (q queued) finish(err error) {
	q.gate.release()
	if q.task.OnDone != nil {
		q.task.OnDone(err)
	}
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:       cfg.withDefaults(),
		log:       log.With(logx.String("comp", "taskengine")),
		bus:       bus,
		gates:     make(map[string]*Gate),
		fullWarn:  rate.Sometimes{Interval: warnEvery},
		staleWarn: rate.Sometimes{Interval: warnEvery},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *Service) Enabled() bool { return s.config().Enabled }

// Supervisor returns the worker supervisor, or nil when the engine is not running.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.p == nil {
		return nil
	}
	return s.p.sup
}

// Apply swaps the config. Worker count or queue size changes restart the
// pool; tasks still queued are dropped with ErrStopping in that case.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.p != nil && s.p.stopped == nil
	s.mu.Unlock()

	switch {
	case !running:
		if cfg.Enabled && !prev.Enabled {
			s.Start(ctx)
		}
	case !cfg.Enabled:
		s.Stop(ctx)
	case prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize:
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start launches the worker pool. A pool that is still stopping is awaited
// first; a running pool is left alone.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	for s.p != nil {
		stopping := s.p.stopped
		s.mu.Unlock()
		if stopping == nil {
			return
		}
		select {
		case <-stopping:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	defer s.mu.Unlock()

	cfg := s.cfg
	if !cfg.Enabled {
		return
	}
	p := &pool{
		queue: make(chan queued, cfg.QueueSize),
		stop:  make(chan struct{}),
		sup:   rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false)),
	}
	s.p = p

	for i := range cfg.Workers {
		p.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.work(c, p, i)
			select {
			case <-p.stop:
				return context.Canceled
			default:
			}
			if err := c.Err(); err != nil {
				return err
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop signals the workers and waits until they exit or ctx ends. Tasks
// still queued are reported to their OnDone with ErrStopping.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	p := s.p
	if p == nil {
		s.mu.Unlock()
		return
	}
	first := p.stopped == nil
	if first {
		p.stopped = make(chan struct{})
		close(p.stop)
	}
	stopped := p.stopped
	s.mu.Unlock()

	if first {
		p.sup.Cancel()
		go func() {
			_ = p.sup.Wait(context.Background())
			s.drain(p.queue)
			s.mu.Lock()
			if s.p == p {
				s.p = nil
			}
			s.mu.Unlock()
			close(stopped)
		}()
	}

	select {
	case <-stopped:
		if first {
			s.log.Info("task engine stopped")
		}
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}
}

func (s *Service) drain(q chan queued) {
	for {
		select {
		case qt := <-q:
			qt.finish(ErrStopping)
		default:
			return
		}
	}
}

// Enqueue accepts t without blocking and fails with ErrQueueFull when the
// queue has no room.
func (s *Service) Enqueue(t Task) error {
	return s.enqueue(context.Background(), t, false)
}

// Submit blocks until t is accepted, ctx ends, or the engine stops.
func (s *Service) Submit(ctx context.Context, t Task) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.enqueue(ctx, t, true)
}

func (s *Service) enqueue(ctx context.Context, t Task, block bool) error {
	if t.Run == nil {
		return fmt.Errorf("task %q: Run is nil", t.Name)
	}
	if t.Name = strings.TrimSpace(t.Name); t.Name == "" {
		return errors.New("task name is required")
	}
	t.Key = strings.TrimSpace(t.Key)
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := s.clock.Now()

	s.mu.Lock()
	cfg, p := s.cfg, s.p
	switch {
	case !cfg.Enabled:
		s.mu.Unlock()
		return ErrDisabled
	case p == nil:
		s.mu.Unlock()
		return ErrStopped
	case p.stopped != nil:
		s.mu.Unlock()
		return ErrStopping
	}

	qt := queued{task: t, enqueuedAt: now, timeout: t.Timeout, opt: t.Opt.resolve(cfg)}
	if qt.timeout <= 0 {
		qt.timeout = cfg.DefaultTimeout
	}
	if qt.opt.Overlap == OverlapSkipIfRunning {
		qt.gateKey, qt.gate = s.gateFor(t)
		if !qt.gate.acquire() {
			s.mu.Unlock()
			s.stats.skipped.Add(1)
			eventbus.Publish(s.bus, EventSkipped, TaskEvent{ID: t.ID, Name: t.Name, Key: t.Key, Started: now, Error: "overlap_skip"})
			s.log.Debug("task skipped: already running", logx.String("task", t.Name), logx.String("key", t.Key))
			return ErrOverlapSkip
		}
	}

	if !block {
		// Sending under mu keeps Stop from draining before the send lands.
		select {
		case p.queue <- qt:
			s.mu.Unlock()
			return nil
		default:
		}
		s.mu.Unlock()
		qt.gate.release()
		s.onQueueFull(qt, p.queue)
		return ErrQueueFull
	}
	s.mu.Unlock()

	select {
	case p.queue <- qt:
		return nil
	case <-ctx.Done():
		qt.gate.release()
		return ctx.Err()
	case <-p.stop:
		qt.gate.release()
		return ErrStopping
	}
}

// Running reports whether a SkipIfRunning task holds key.
func (s *Service) Running(key string) bool {
	s.gatesMu.Lock()
	g := s.gates[strings.TrimSpace(key)]
	s.gatesMu.Unlock()
	return g.Held()
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, p := s.cfg, s.p
	var ql, qc int
	if p != nil {
		ql, qc = len(p.queue), cap(p.queue)
	}
	s.mu.Unlock()

	s.histMu.Lock()
	h := append([]TaskEvent(nil), s.history...)
	s.histMu.Unlock()

	return Snapshot{
		Counters:       s.stats.load(),
		Enabled:        cfg.Enabled,
		Workers:        cfg.Workers,
		QueueLen:       ql,
		QueueCap:       qc,
		InFlight:       int(s.inFlight.Load()),
		DefaultTimeout: cfg.DefaultTimeout,
		MaxQueueDelay:  cfg.MaxQueueDelay,
		Retry:          TaskOptions{}.resolve(cfg),
		History:        h,
	}
}

// gateFor returns t's explicit gate, or the shared gate for its key.
func (s *Service) gateFor(t Task) (string, *Gate) {
	key := t.Key
	if key == "" {
		key = t.Name
	}
	if t.Gate != nil {
		return "", t.Gate
	}
	s.gatesMu.Lock()
	defer s.gatesMu.Unlock()
	g := s.gates[key]
	if g == nil {
		g = &Gate{}
		s.gates[key] = g
	}
	return key, g
}

// forget drops the shared gate for key once it is free, so per-entry keys
// do not accumulate.
func (s *Service) forget(key string, g *Gate) {
	if key == "" || g == nil {
		return
	}
	s.gatesMu.Lock()
	if cur := s.gates[key]; cur == g && !g.Held() {
		delete(s.gates, key)
	}
	s.gatesMu.Unlock()
}

func (s *Service) record(ev TaskEvent, size int) {
	s.histMu.Lock()
	s.history = append(s.history, ev)
	if n := len(s.history) - size; n > 0 {
		s.history = append(s.history[:0], s.history[n:]...)
	}
	s.histMu.Unlock()
}

func (s *Service) onQueueFull(qt queued, q chan queued) {
	s.stats.droppedQueueFull.Add(1)
	eventbus.Publish(s.bus, EventDropped, TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Key: qt.task.Key, Started: qt.enqueuedAt, Error: "queue_full"})
	s.fullWarn.Do(func() {
		s.log.Warn("task dropped: queue full",
			logx.String("task", qt.task.Name),
			logx.String("key", qt.task.Key),
			logx.Int("queue_cap", cap(q)),
			logx.Uint64("dropped_queue_full", s.stats.droppedQueueFull.Load()),
		)
	})
}

func (s *Service) onStale(ev TaskEvent) {
	s.stats.droppedStale.Add(1)
	eventbus.Publish(s.bus, EventDropped, ev)
	s.staleWarn.Do(func() {
		s.log.Warn("task dropped: stale queue",
			logx.String("task", ev.Name),
			logx.String("key", ev.Key),
			logx.Duration("queue_delay", ev.QueueDelay),
			logx.Uint64("dropped_stale", s.stats.droppedStale.Load()),
		)
	})
}
