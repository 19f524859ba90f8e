package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"orbit/internal/domain"
	"orbit/internal/task/engine"
	logx "orbit/pkg/logx"
)

const enqueueWarnEvery = 5 * time.Second

// specParser accepts 5-field and 6-field cron specs plus descriptors.
var specParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Option configures a Service.
type Option func(*Service)

// WithClock sets the time source used for startup spread and previews.
func WithClock(c domain.Clock) Option { return func(s *Service) { s.clock = c } }

// Service triggers registered schedules onto an Executor. It owns timing
// only; retries, timeouts and overlap gating happen in the executor.
type Service struct {
	log   logx.Logger
	exec  Executor
	clock domain.Clock

	mu        sync.Mutex
	cfg       Config
	loc       *time.Location
	cron      *cron.Cron
	schedules []*schedule
}

func New(cfg Config, exec Executor, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{cfg: cfg, exec: exec, log: log.With(logx.String("comp", "scheduler"))}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the config. A running scheduler picks up a timezone change by
// re-registering every schedule.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reload := s.cron != nil && strings.TrimSpace(s.cfg.Timezone) != strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg
	if !reload {
		return
	}
	<-s.cron.Stop().Done()
	s.startLocked()
	s.log.Info("scheduler restarted", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.schedules)))
}

// Start begins triggering. It does nothing when disabled or already running.
func (s *Service) Start(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil || !s.cfg.Enabled {
		return
	}
	s.startLocked()
	s.log.Info("scheduler started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.schedules)))
}

// Stop halts triggering and waits for in-progress triggers, not for the
// tasks they enqueued.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	for _, sc := range s.schedules {
		sc.entry = 0
	}
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out", logx.Err(ctx.Err()))
	}
}

// Add registers job under name, replacing a schedule of the same name. A
// trigger is skipped while the previous run is still queued or running.
//
// Accepted schedules: cron ("*/15 * * * *", "@hourly", "@every 15m"),
// Go durations ("15m") and HH:MM intervals ("01:30").
func (s *Service) Add(name, spec string, timeout time.Duration, job func(ctx context.Context) error) error {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return errors.New("schedule name required")
	case job == nil:
		return fmt.Errorf("schedule %s: job required", name)
	}
	canonical, err := canonicalSpec(spec)
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	sc := &schedule{
		name:    name,
		spec:    canonical,
		timeout: timeout,
		job:     job,
		gate:    &engine.Gate{},
		warn:    &rate.Sometimes{Interval: enqueueWarnEvery},
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	s.schedules = append(s.schedules, sc)
	if s.cron == nil {
		return nil
	}
	if err := s.registerLocked(sc); err != nil {
		return err
	}
	if s.log.Enabled(logx.LevelDebug) {
		s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", canonical), logx.Strings("next", s.upcomingLocked(sc, 3)))
	}
	return nil
}

// canonicalSpec turns an accepted schedule into a spec robfig/cron parses.
func canonicalSpec(raw string) (string, error) {
	ps, err := ParseSchedule(raw)
	if err != nil {
		return "", err
	}
	if ps.Kind == SpecInterval {
		return "@every " + ps.Every.String(), nil
	}
	if _, err := specParser.Parse(ps.Cron); err != nil {
		return "", err
	}
	return ps.Cron, nil
}

// Remove unregisters name and reports whether it existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(strings.TrimSpace(name))
}

func (s *Service) removeLocked(name string) bool {
	i := slices.IndexFunc(s.schedules, func(sc *schedule) bool { return sc.name == name })
	if i < 0 {
		return false
	}
	if s.cron != nil && s.schedules[i].entry != 0 {
		s.cron.Remove(s.schedules[i].entry)
	}
	s.schedules = slices.Delete(s.schedules, i, i+1)
	return true
}

// Snapshot lists schedules in registration order with the executor state.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Enabled: s.cfg.Enabled, Timezone: s.cfg.Timezone}
	if s.loc != nil {
		snap.Timezone = s.loc.String()
	}
	for _, sc := range s.schedules {
		it := ScheduleInfo{Name: sc.name, Spec: sc.spec, Timeout: sc.timeout, Spread: sc.spread, Running: sc.gate.Held()}
		if s.cron != nil && sc.entry != 0 {
			e := s.cron.Entry(sc.entry)
			it.Next, it.Prev = e.Next, e.Prev
		}
		snap.Schedules = append(snap.Schedules, it)
	}
	s.mu.Unlock()

	if s.exec != nil {
		snap.Engine = s.exec.Snapshot()
	}
	return snap
}

func (s *Service) startLocked() {
	s.loc = s.location()
	s.cron = cron.New(cron.WithParser(specParser), cron.WithLocation(s.loc))
	for _, sc := range s.schedules {
		if err := s.registerLocked(sc); err != nil {
			s.log.Error("schedule register failed", logx.String("name", sc.name), logx.Err(err))
		}
	}
	s.cron.Start()
}

// registerLocked adds sc to the running cron. Intervals get a startup spread
// so schedules registered together do not fire on the same tick.
func (s *Service) registerLocked(sc *schedule) error {
	job := cron.FuncJob(func() { s.trigger(sc) })
	if every, ok := strings.CutPrefix(sc.spec, "@every "); ok {
		if d, err := time.ParseDuration(every); err == nil && d > 0 {
			var sched cron.Schedule
			sched, sc.spread = intervalWithSpread(d, s.clock.Now().In(s.loc), sc.name)
			sc.entry = s.cron.Schedule(sched, job)
			return nil
		}
	}
	id, err := s.cron.AddJob(sc.spec, job)
	if err != nil {
		return err
	}
	sc.entry = id
	return nil
}

func (s *Service) trigger(sc *schedule) {
	if s.exec == nil {
		return
	}
	err := s.exec.Enqueue(sc.task())
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrOverlapSkip):
		s.log.Debug("schedule trigger skipped", logx.String("schedule", sc.name))
	default:
		sc.warn.Do(func() {
			s.log.Warn("schedule failed to enqueue task", logx.String("schedule", sc.name), logx.Err(err))
		})
	}
}

func (s *Service) location() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// upcomingLocked returns the next n trigger times of sc for debug logs.
func (s *Service) upcomingLocked(sc *schedule, n int) []string {
	sched, err := specParser.Parse(sc.spec)
	if err != nil {
		return nil
	}
	out := make([]string, 0, n)
	t := s.clock.Now().In(s.loc)
	for range n {
		if t = sched.Next(t); t.IsZero() {
			break
		}
		out = append(out, t.Format(time.DateTime))
	}
	return out
}
