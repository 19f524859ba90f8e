package supervisor

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	logx "orbit/pkg/logx"
)

// healthyRun is how long a restarted routine must stay up before its backoff
// starts over from the minimum.
const healthyRun = 30 * time.Second

// Supervisor owns a set of named goroutines sharing one context. Panics are
// recovered and reported as errors; loops started with GoRestart come back
// after a jittered backoff.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger
	now    func() time.Time

	cancelOnErr bool

	wg   sync.WaitGroup
	done func() <-chan struct{}

	errMu    sync.Mutex
	firstErr error

	started  atomic.Uint64
	active   atomic.Int64
	restarts atomic.Uint64
	panics   atomic.Uint64

	mu       sync.Mutex
	routines map[string]*RoutineStats
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the shared context on the first recorded error.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

// WithClock sets the time source for routine stats.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) {
		if now != nil {
			s.now = now
		}
	}
}

// Counters are totals across every routine the supervisor has run.
type Counters struct {
	Started  uint64 `json:"started"`
	Active   int64  `json:"active"`
	Restarts uint64 `json:"restarts"`
	Panics   uint64 `json:"panics"`
}

// RoutineStats aggregates every run started under one name.
type RoutineStats struct {
	Name      string        `json:"name"`
	Active    int64         `json:"active"`
	Runs      uint64        `json:"runs"`
	Restarts  uint64        `json:"restarts"`
	Panics    uint64        `json:"panics"`
	StartedAt time.Time     `json:"started_at"`
	StoppedAt time.Time     `json:"stopped_at,omitzero"`
	Uptime    time.Duration `json:"uptime"`
	LastErr   string        `json:"last_err,omitempty"`
	LastPanic string        `json:"last_panic,omitempty"`
}

type Snapshot struct {
	Counters
	FirstError string         `json:"first_error,omitempty"`
	Routines   []RoutineStats `json:"routines"`
}

func NewSupervisor(parent context.Context, opts ...Option) *Supervisor {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:      ctx,
		cancel:   cancel,
		now:      time.Now,
		routines: make(map[string]*RoutineStats),
	}
	s.done = sync.OnceValue(func() <-chan struct{} {
		ch := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(ch)
		}()
		return ch
	})
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the shared context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first recorded failure.
func (s *Supervisor) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.firstErr
}

func (s *Supervisor) setErr(err error) {
	s.errMu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.errMu.Unlock()
}

func (s *Supervisor) fail(err error) {
	s.setErr(err)
	if s.cancelOnErr {
		s.cancel()
	}
}

func (s *Supervisor) Counters() Counters {
	if s == nil {
		return Counters{}
	}
	return Counters{
		Started:  s.started.Load(),
		Active:   s.active.Load(),
		Restarts: s.restarts.Load(),
		Panics:   s.panics.Load(),
	}
}

// Snapshot lists routine stats: running ones first, then by name.
func (s *Supervisor) Snapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	snap := Snapshot{Counters: s.Counters()}
	if err := s.Err(); err != nil {
		snap.FirstError = err.Error()
	}
	s.mu.Lock()
	for _, st := range s.routines {
		snap.Routines = append(snap.Routines, *st)
	}
	s.mu.Unlock()

	slices.SortFunc(snap.Routines, func(a, b RoutineStats) int {
		if c := cmp.Compare(b.Active, a.Active); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return snap
}

// run is one execution of a routine body.
type run struct {
	name  string
	start time.Time
}

func (s *Supervisor) begin(name string, restart bool) run {
	r := run{name: name, start: s.now()}
	s.mu.Lock()
	st := s.routines[name]
	if st == nil {
		st = &RoutineStats{Name: name}
		s.routines[name] = st
	}
	st.Runs++
	st.Active++
	st.StartedAt = r.start
	if restart {
		st.Restarts++
		s.restarts.Add(1)
	}
	s.mu.Unlock()
	return r
}

func (s *Supervisor) end(r run, err error, panicked any) {
	now := s.now()
	s.mu.Lock()
	st := s.routines[r.name]
	st.Active = max(st.Active-1, 0)
	st.StoppedAt = now
	st.Uptime += now.Sub(r.start)
	if err != nil {
		st.LastErr = err.Error()
	}
	if panicked != nil {
		st.Panics++
		st.LastPanic = fmt.Sprint(panicked)
	}
	s.mu.Unlock()
	if panicked != nil {
		s.panics.Add(1)
	}
}

// call runs fn, converting a panic into an error.
func (s *Supervisor) call(name string, fn func(context.Context) error) (panicked any, err error) {
	defer func() {
		if r := recover(); r != nil {
			panicked = r
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return nil, fn(s.ctx)
}

func (s *Supervisor) spawn(body func()) {
	s.started.Add(1)
	s.active.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)
		body()
	}()
}

// Go runs fn once. Any error other than context.Canceled, panics included,
// becomes the supervisor error.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.spawn(func() {
		r := s.begin(name, false)
		pan, err := s.call(name, fn)
		if err == nil || errors.Is(err, context.Canceled) {
			s.end(r, nil, nil)
			return
		}
		err = fmt.Errorf("%s: %w", name, err)
		s.end(r, err, pan)
		s.fail(err)
	})
}

type RestartOption func(*restartPolicy)

type restartPolicy struct {
	min, max     time.Duration
	limit        int
	publishFirst bool
}

// WithRestartBackoff bounds the delay between restarts. Zero keeps the
// default for that bound.
func WithRestartBackoff(min, max time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if min > 0 {
			p.min = min
		}
		if max > 0 {
			p.max = max
		}
	}
}

// WithMaxRestarts gives up after n restarts and fails the supervisor. n <= 0
// restarts forever.
func WithMaxRestarts(n int) RestartOption { return func(p *restartPolicy) { p.limit = n } }

// WithPublishFirstError records a failure as the supervisor error while the
// routine keeps restarting, so health checks report it.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.publishFirst = enabled }
}

// delay doubles prev up to max and adds up to 20% jitter. A run that stayed
// up for healthyRun starts over from min.
func (p restartPolicy) delay(prev, ranFor time.Duration) (next, wait time.Duration) {
	switch {
	case prev <= 0 || ranFor >= healthyRun:
		next = p.min
	default:
		next = min(prev*2, p.max)
	}
	return next, next + rand.N(next/5+1)
}

// GoRestart runs fn until it returns nil or context.Canceled, restarting it
// after errors and panics.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{min: 250 * time.Millisecond, max: 30 * time.Second}
	for _, o := range opts {
		o(&p)
	}
	p.max = max(p.max, p.min)

	s.spawn(func() {
		var backoff time.Duration
		for n := 0; s.ctx.Err() == nil; n++ {
			r := s.begin(name, n > 0)
			pan, err := s.call(name, fn)

			// Errors while shutting down count as a clean stop.
			if s.ctx.Err() != nil || err == nil || errors.Is(err, context.Canceled) {
				s.end(r, nil, pan)
				return
			}
			err = fmt.Errorf("%s: %w", name, err)
			s.end(r, err, pan)
			if p.publishFirst {
				s.setErr(err)
			}
			if p.limit > 0 && n >= p.limit {
				s.log.Error("goroutine gave up", logx.String("name", name), logx.Int("restarts", n), logx.Err(err))
				s.fail(err)
				return
			}

			var wait time.Duration
			backoff, wait = p.delay(backoff, s.now().Sub(r.start))
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))
			t := time.NewTimer(wait)
			select {
			case <-s.ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
		}
	})
}

// Stop cancels the shared context and waits like Wait.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every routine has returned or ctx ends, and then reports
// the first recorded failure.
func (s *Supervisor) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done():
		return s.Err()
	}
}
