package engine

import (
	"context"
	"sync/atomic"
	"time"
)

// Config controls the background execution engine.
//
// Workers run tasks concurrently; a single task's retries stay on the
// worker that picked it up.
type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int

	// DefaultTimeout bounds one attempt when Task.Timeout is 0.
	DefaultTimeout time.Duration

	// MaxQueueDelay drops tasks that waited longer than this before a worker
	// picked them up. 0 disables stale dropping.
	MaxQueueDelay time.Duration

	HistorySize int

	// Retry defaults mirror a publish retry ladder of 30s, 60s, 120s.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64
}

const (
	defaultWorkers     = 4
	defaultQueueSize   = 256
	defaultHistorySize = 200
	defaultRetryMax    = 3
	defaultRetryBase   = 30 * time.Second
	defaultRetryCap    = 10 * time.Minute
	defaultJitter      = 0.2
)

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.HistorySize <= 0 {
		c.HistorySize = defaultHistorySize
	}
	if c.RetryMax == 0 {
		c.RetryMax = defaultRetryMax
	}
	if c.RetryBase <= 0 {
		c.RetryBase = defaultRetryBase
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = defaultRetryCap
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = defaultJitter
	}
	return c
}

type OverlapPolicy int

const (
	OverlapAllow OverlapPolicy = iota
	OverlapSkipIfRunning
)

// TaskOptions override the engine retry policy for one task. Zero fields
// inherit the engine config; RetryMax < 0 disables retries.
type TaskOptions struct {
	Overlap       OverlapPolicy
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%
}

func (o TaskOptions) resolve(cfg Config) TaskOptions {
	switch {
	case o.RetryMax < 0:
		o.RetryMax = 0
	case o.RetryMax == 0:
		o.RetryMax = max(cfg.RetryMax, 0)
	}
	if o.RetryBase <= 0 {
		o.RetryBase = cfg.RetryBase
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = cfg.RetryMaxDelay
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = cfg.RetryJitter
	}
	if o.Overlap != OverlapAllow && o.Overlap != OverlapSkipIfRunning {
		o.Overlap = OverlapSkipIfRunning
	}
	return o
}

// DefaultTaskOptions returns the options a task gets when it sets none.
func DefaultTaskOptions(cfg Config) TaskOptions {
	return TaskOptions{}.resolve(cfg.withDefaults())
}

// Gate admits one SkipIfRunning task at a time. A task holds its gate from
// the moment it is accepted into the queue until its last attempt returns.
type Gate struct {
	held atomic.Bool
}

func (g *Gate) acquire() bool {
	return g == nil || g.held.CompareAndSwap(false, true)
}

func (g *Gate) release() {
	if g != nil {
		g.held.Store(false)
	}
}

// Held reports whether a task currently holds g.
func (g *Gate) Held() bool {
	return g != nil && g.held.Load()
}

// Task is a unit of work executed by the engine.
//
// Key scopes SkipIfRunning; orchestration passes use the entry id so one
// entry never runs twice at once. An empty Key gates by Name. Gate, when
// set, replaces the engine's own gate for Key. OnDone is called exactly
// once after the task was accepted: with the final error once attempts are
// exhausted, or with the reason the task was dropped before running.
type Task struct {
	ID      string
	Name    string
	Key     string
	Timeout time.Duration
	Run     func(ctx context.Context) error
	Opt     TaskOptions
	Gate    *Gate
	OnDone  func(err error)
}

// TaskEvent describes a task lifecycle change. It is published on the event
// bus and kept in the engine history.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Key        string        `json:"key,omitempty"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

// Counters are cumulative since the engine was created.
type Counters struct {
	Completed        uint64 `json:"completed"`
	Failed           uint64 `json:"failed"`
	Dropped          uint64 `json:"dropped"`
	DroppedQueueFull uint64 `json:"dropped_queue_full"`
	DroppedStale     uint64 `json:"dropped_stale"`
	Skipped          uint64 `json:"skipped"`
}

type counters struct {
	completed, failed, droppedQueueFull, droppedStale, skipped atomic.Uint64
}

func (c *counters) load() Counters {
	full, stale := c.droppedQueueFull.Load(), c.droppedStale.Load()
	return Counters{
		Completed:        c.completed.Load(),
		Failed:           c.failed.Load(),
		Dropped:          full + stale,
		DroppedQueueFull: full,
		DroppedStale:     stale,
		Skipped:          c.skipped.Load(),
	}
}

// Snapshot is a point-in-time view for diagnostics.
type Snapshot struct {
	Counters

	Enabled  bool `json:"enabled"`
	Workers  int  `json:"workers"`
	QueueLen int  `json:"queue_len"`
	QueueCap int  `json:"queue_cap"`
	InFlight int  `json:"in_flight"`

	DefaultTimeout time.Duration `json:"default_timeout"`
	MaxQueueDelay  time.Duration `json:"max_queue_delay"`
	Retry          TaskOptions   `json:"retry"`

	History []TaskEvent `json:"history,omitempty"`
}

type attemptKey struct{}

// Attempt returns the 1-based attempt number of the running task, or 0 when
// ctx was not created by the engine.
func Attempt(ctx context.Context) int {
	if ctx == nil {
		return 0
	}
	n, _ := ctx.Value(attemptKey{}).(int)
	return n
}

func withAttempt(ctx context.Context, n int) context.Context {
	return context.WithValue(ctx, attemptKey{}, n)
}
