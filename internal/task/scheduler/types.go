package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"orbit/internal/task/engine"
)

type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Europe/Berlin"
}

// Executor accepts triggered tasks. *engine.Service satisfies it.
type Executor interface {
	Enqueue(t engine.Task) error
	Snapshot() engine.Snapshot
}

// schedule is one registered job. Triggers share gate, so a run still queued
// or executing makes the next trigger a skip.
type schedule struct {
	name    string
	spec    string
	timeout time.Duration
	job     func(ctx context.Context) error
	gate    *engine.Gate
	warn    *rate.Sometimes

	entry  cron.EntryID
	spread time.Duration
}

func (s *schedule) task() engine.Task {
	return engine.Task{
		Name:    s.name,
		Timeout: s.timeout,
		Run:     s.job,
		Opt:     engine.TaskOptions{Overlap: engine.OverlapSkipIfRunning},
		Gate:    s.gate,
	}
}

type ScheduleInfo struct {
	Name    string        `json:"name"`
	Spec    string        `json:"spec"`
	Timeout time.Duration `json:"timeout"`
	Spread  time.Duration `json:"spread,omitempty"`
	Next    time.Time     `json:"next,omitzero"`
	Prev    time.Time     `json:"prev,omitzero"`
	Running bool          `json:"running"`
}

type Snapshot struct {
	Enabled   bool            `json:"enabled"`
	Timezone  string          `json:"timezone"`
	Schedules []ScheduleInfo  `json:"schedules"`
	Engine    engine.Snapshot `json:"engine"`
}
