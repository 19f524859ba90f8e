// Package dispatch owns the periodic jobs: priority decay, ready-entry
// dispatch onto the task engine, anomaly sweeps and evergreen requeues. It
// also runs immediate passes for PublishNow.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"orbit/internal/anomaly"
	"orbit/internal/domain"
	"orbit/internal/lock"
	"orbit/internal/orchestrator"
	"orbit/internal/publisher"
	"orbit/internal/task/engine"
	logx "orbit/pkg/logx"
)

// Job names as registered on the scheduler.
const (
	JobDecay     = "queue.decay"
	JobDispatch  = "queue.dispatch"
	JobAnomaly   = "anomaly.detect"
	JobEvergreen = "evergreen.republish"

	// TaskOrchestrate names the per-entry engine task.
	TaskOrchestrate = "entry.orchestrate"
)

type Config struct {
	DecaySchedule     string
	DispatchSchedule  string
	AnomalySchedule   string
	EvergreenSchedule string

	// ReadyLimit caps entries taken per user per dispatch run.
	ReadyLimit int
	// ClaimTTL must outlive one task including its retries.
	ClaimTTL time.Duration
	// PassTimeout bounds one orchestration attempt.
	PassTimeout time.Duration
	// SweepTimeout bounds decay, dispatch, anomaly and evergreen runs.
	SweepTimeout time.Duration
	// BreakerDelay replaces the retry backoff when every platform of a pass
	// was refused by an open breaker. It should match the breaker open delay.
	BreakerDelay time.Duration

	AnomalyLookbackDays int
	Platforms           []string
}

func (c Config) withDefaults() Config {
	if c.DecaySchedule == "" {
		c.DecaySchedule = "@hourly"
	}
	if c.DispatchSchedule == "" {
		c.DispatchSchedule = "*/15 * * * *"
	}
	if c.AnomalySchedule == "" {
		c.AnomalySchedule = "0 6 * * *"
	}
	if c.EvergreenSchedule == "" {
		c.EvergreenSchedule = "0 7 * * *"
	}
	if c.ReadyLimit <= 0 {
		c.ReadyLimit = 20
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = time.Hour
	}
	if c.PassTimeout <= 0 {
		c.PassTimeout = 20 * time.Minute
	}
	if c.SweepTimeout <= 0 {
		c.SweepTimeout = 10 * time.Minute
	}
	if c.BreakerDelay <= 0 {
		c.BreakerDelay = time.Minute
	}
	if c.AnomalyLookbackDays <= 0 {
		c.AnomalyLookbackDays = 30
	}
	if len(c.Platforms) == 0 {
		c.Platforms = append([]string(nil), domain.KnownPlatforms...)
	}
	return c
}

type Queue interface {
	UsersWithPending(ctx context.Context) ([]string, error)
	GetReady(ctx context.Context, userID string, limit int) ([]*domain.QueueEntry, error)
	DecayAll(ctx context.Context, userID string) (int, error)
}

type Orchestrator interface {
	Orchestrate(ctx context.Context, entryID string) (map[string]orchestrator.PlatformResult, error)
	PrepareRetry(ctx context.Context, entryID string) (bool, error)
}

type Detector interface {
	Detect(ctx context.Context, platform string, lookbackDays int) ([]anomaly.Change, error)
}

type Republisher interface {
	RepublishDue(ctx context.Context, userID string) (int, error)
}

// Executor runs orchestration tasks. *engine.Service satisfies it.
type Executor interface {
	Enqueue(t engine.Task) error
}

// Scheduler registers periodic jobs. *scheduler.Service satisfies it.
type Scheduler interface {
	Add(name, schedule string, timeout time.Duration, job func(ctx context.Context) error) error
}

// Deps groups the collaborators of a Dispatcher. Detector and Republisher
// are optional; their jobs are skipped when nil.
type Deps struct {
	Queue        Queue
	Orchestrator Orchestrator
	Locker       lock.Locker
	Executor     Executor
	Detector     Detector
	Republisher  Republisher
}

// ErrBusy means the entry is claimed by another pass.
var ErrBusy = errors.New("entry is being orchestrated")

type Dispatcher struct {
	cfg  Config
	deps Deps
	log  logx.Logger
}

func New(cfg Config, deps Deps, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		cfg:  cfg.withDefaults(),
		deps: deps,
		log:  log.With(logx.String("comp", "dispatch")),
	}
}

// Register adds every periodic job to s.
func (d *Dispatcher) Register(s Scheduler) error {
	jobs := []struct {
		name, spec string
		run        func(ctx context.Context) error
	}{
		{JobDecay, d.cfg.DecaySchedule, func(ctx context.Context) error { _, err := d.Decay(ctx); return err }},
		{JobDispatch, d.cfg.DispatchSchedule, func(ctx context.Context) error { _, err := d.Dispatch(ctx); return err }},
	}
	if d.deps.Detector != nil {
		jobs = append(jobs, struct {
			name, spec string
			run        func(ctx context.Context) error
		}{JobAnomaly, d.cfg.AnomalySchedule, func(ctx context.Context) error { _, err := d.DetectAnomalies(ctx); return err }})
	}
	if d.deps.Republisher != nil {
		jobs = append(jobs, struct {
			name, spec string
			run        func(ctx context.Context) error
		}{JobEvergreen, d.cfg.EvergreenSchedule, func(ctx context.Context) error { _, err := d.RepublishEvergreen(ctx); return err }})
	}
	for _, j := range jobs {
		if err := s.Add(j.name, j.spec, d.cfg.SweepTimeout, j.run); err != nil {
			return fmt.Errorf("register %s: %w", j.name, err)
		}
	}
	return nil
}

// Decay recomputes priorities for every user with pending entries and
// returns how many entries changed.
func (d *Dispatcher) Decay(ctx context.Context) (int, error) {
	users, err := d.deps.Queue.UsersWithPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("list users: %w", err)
	}
	total := 0
	var errs []error
	for _, u := range users {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := d.deps.Queue.DecayAll(ctx, u)
		if err != nil {
			errs = append(errs, fmt.Errorf("decay %s: %w", u, err))
			continue
		}
		total += n
	}
	d.log.Debug("decay sweep done", logx.Int("users", len(users)), logx.Int("updated", total))
	return total, errors.Join(errs...)
}

// Dispatch claims ready entries and hands each one to the executor. It
// returns how many entries were submitted.
func (d *Dispatcher) Dispatch(ctx context.Context) (int, error) {
	users, err := d.deps.Queue.UsersWithPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("list users: %w", err)
	}
	submitted := 0
	var errs []error
	for _, u := range users {
		ready, err := d.deps.Queue.GetReady(ctx, u, d.cfg.ReadyLimit)
		if err != nil {
			errs = append(errs, fmt.Errorf("ready entries for %s: %w", u, err))
			continue
		}
		for _, e := range ready {
			if err := ctx.Err(); err != nil {
				return submitted, err
			}
			ok, err := d.submit(ctx, e.ID)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if ok {
				submitted++
			}
		}
	}
	if submitted > 0 {
		d.log.Info("entries dispatched", logx.Int("count", submitted), logx.Int("users", len(users)))
	}
	return submitted, errors.Join(errs...)
}

// submit claims entryID and enqueues its pass. It reports false when the
// entry is already claimed or running.
func (d *Dispatcher) submit(ctx context.Context, entryID string) (bool, error) {
	lease, err := d.deps.Locker.TryLock(ctx, lock.EntryKey(entryID), d.cfg.ClaimTTL)
	if errors.Is(err, lock.ErrHeld) {
		d.log.Debug("entry already claimed", logx.String("entry_id", entryID))
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", entryID, err)
	}

	err = d.deps.Executor.Enqueue(engine.Task{
		Name:    TaskOrchestrate,
		Key:     entryID,
		Timeout: d.cfg.PassTimeout,
		Opt:     engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning},
		Run:     func(ctx context.Context) error { return d.runPass(ctx, entryID) },
		OnDone:  func(error) { d.release(lease) },
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, engine.ErrOverlapSkip):
		d.release(lease)
		return false, nil
	default:
		d.release(lease)
		return false, fmt.Errorf("submit %s: %w", entryID, err)
	}
}

// runPass is one engine attempt. Later attempts first reset failed slots.
// A pass where every platform failed is returned as a retryable error.
func (d *Dispatcher) runPass(ctx context.Context, entryID string) error {
	if engine.Attempt(ctx) > 1 {
		if _, err := d.deps.Orchestrator.PrepareRetry(ctx, entryID); err != nil {
			return classify(err)
		}
	}
	results, err := d.deps.Orchestrator.Orchestrate(ctx, entryID)
	if err != nil {
		return classify(err)
	}
	switch orchestrator.Outcome(results) {
	case domain.StatusPending:
		d.log.Debug("pass deferred to a later dispatch", logx.String("entry_id", entryID))
	case domain.StatusFailed:
		err := fmt.Errorf("entry %s: all %d platforms failed", entryID, len(results))
		if allCircuitOpen(results) {
			return engine.RetryAfter(err, d.cfg.BreakerDelay)
		}
		return err
	}
	return nil
}

func allCircuitOpen(results map[string]orchestrator.PlatformResult) bool {
	if len(results) == 0 {
		return false
	}
	for _, r := range results {
		if !strings.Contains(r.Error, publisher.ErrCircuitOpen.Error()) {
			return false
		}
	}
	return true
}

func classify(err error) error {
	if domain.IsNotFound(err) || domain.IsValidation(err) {
		return engine.NoRetry(err)
	}
	return err
}

func (d *Dispatcher) release(lease *lock.Lease) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := lease.Release(ctx); err != nil {
		d.log.Warn("claim release failed", logx.String("key", lease.Key), logx.Err(err))
	}
}

// PublishNow claims entryID and runs one pass synchronously.
func (d *Dispatcher) PublishNow(ctx context.Context, entryID string) (map[string]orchestrator.PlatformResult, error) {
	lease, err := d.deps.Locker.TryLock(ctx, lock.EntryKey(entryID), d.cfg.ClaimTTL)
	if errors.Is(err, lock.ErrHeld) {
		return nil, fmt.Errorf("%s: %w", entryID, ErrBusy)
	}
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", entryID, err)
	}
	defer d.release(lease)
	return d.deps.Orchestrator.Orchestrate(ctx, entryID)
}

// DetectAnomalies sweeps every configured platform and returns how many
// changes were recorded. Insufficient data is not an error.
func (d *Dispatcher) DetectAnomalies(ctx context.Context) (int, error) {
	if d.deps.Detector == nil {
		return 0, nil
	}
	found := 0
	var errs []error
	for _, p := range d.cfg.Platforms {
		if err := ctx.Err(); err != nil {
			return found, err
		}
		changes, err := d.deps.Detector.Detect(ctx, p, d.cfg.AnomalyLookbackDays)
		if err != nil {
			errs = append(errs, fmt.Errorf("detect %s: %w", p, err))
			continue
		}
		found += len(changes)
	}
	d.log.Info("anomaly sweep done", logx.Int("platforms", len(d.cfg.Platforms)), logx.Int("changes", found))
	return found, errors.Join(errs...)
}

// RepublishEvergreen requeues due evergreen content for all users.
func (d *Dispatcher) RepublishEvergreen(ctx context.Context) (int, error) {
	if d.deps.Republisher == nil {
		return 0, nil
	}
	n, err := d.deps.Republisher.RepublishDue(ctx, "")
	if err != nil {
		return n, fmt.Errorf("republish evergreen: %w", err)
	}
	if n > 0 {
		d.log.Info("evergreen sweep done", logx.Int("requeued", n))
	}
	return n, nil
}
