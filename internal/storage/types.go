package storage

import (
	"context"
	"errors"
	"time"

	"orbit/internal/domain"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values: "memory" (default), "file", "sqlite", "postgres".
type Config struct {
	Driver       string
	Path         string // file and sqlite
	DSN          string // postgres
	BusyTimeout  time.Duration
	MaxOpenConns int
}

// EntryOrder selects the sort order of ListEntries.
type EntryOrder int

const (
	// OrderCreatedDesc lists newest first.
	OrderCreatedDesc EntryOrder = iota
	// OrderReady lists by priority descending, then publish time ascending.
	OrderReady
)

// EntryFilter narrows ListEntries. Zero fields match everything.
type EntryFilter struct {
	UserID    string
	ContentID string
	Status    domain.EntryStatus
	DueBefore time.Time
	Order     EntryOrder
	Skip      int
	Limit     int
}

// RecordFilter narrows performance and distribution log queries.
type RecordFilter struct {
	UserID    string
	ContentID string
	QueueID   string
	Platform  string
	Since     time.Time
}

// EntryProgress is the part of an entry a publishing pass writes back.
// Priority and approval fields are owned by other writers and are absent.
type EntryProgress struct {
	Status             domain.EntryStatus
	Platforms          domain.PlatformSchedule
	OptimalPublishTime time.Time
	RetryCount         int
	LastError          string
	UpdatedAt          time.Time
}

type Entries interface {
	InsertEntry(ctx context.Context, e *domain.QueueEntry) error
	GetEntry(ctx context.Context, id string) (*domain.QueueEntry, error)
	UpdateEntry(ctx context.Context, e *domain.QueueEntry) error
	// SaveProgress writes p only while the entry status is from and reports whether it did.
	SaveProgress(ctx context.Context, id string, from domain.EntryStatus, p EntryProgress) (bool, error)
	// SetApproval records the approver of a pending entry and reports whether it was pending.
	SetApproval(ctx context.Context, id, by string, at time.Time) (bool, error)
	// SetPriority updates only the priority of a pending entry and reports whether a row changed.
	SetPriority(ctx context.Context, id string, score float64) (bool, error)
	// TransitionStatus moves an entry to status `to` only if its current status is one of from.
	TransitionStatus(ctx context.Context, id string, to domain.EntryStatus, at time.Time, from ...domain.EntryStatus) (bool, error)
	ListEntries(ctx context.Context, f EntryFilter) ([]*domain.QueueEntry, error)
	PendingUsers(ctx context.Context) ([]string, error)
}

type Audience interface {
	AppendAudiencePattern(ctx context.Context, p domain.AudiencePattern) error
	// AudiencePatterns returns rows with TimeSlot >= since, oldest first.
	AudiencePatterns(ctx context.Context, userID, platform string, since time.Time) ([]domain.AudiencePattern, error)
}

type Performance interface {
	AppendPerformance(ctx context.Context, r domain.PerformanceRecord) error
	// ListPerformance returns matching rows oldest first.
	ListPerformance(ctx context.Context, f RecordFilter) ([]domain.PerformanceRecord, error)
}

type Logs interface {
	AppendDistributionLog(ctx context.Context, l domain.DistributionLog) error
	ListDistributionLogs(ctx context.Context, f RecordFilter) ([]domain.DistributionLog, error)
}

type Changes interface {
	InsertAlgorithmChange(ctx context.Context, c domain.AlgorithmChange) error
	// ListAlgorithmChanges returns changes detected at or after since, newest first.
	ListAlgorithmChanges(ctx context.Context, platform string, since time.Time) ([]domain.AlgorithmChange, error)
	ConfirmAlgorithmChange(ctx context.Context, id, by string) error
}

type Evergreen interface {
	UpsertEvergreen(ctx context.Context, r domain.EvergreenRecord) error
	GetEvergreen(ctx context.Context, contentID string) (*domain.EvergreenRecord, error)
	// DueEvergreen returns active records with NextPublishDate <= now. Empty userID matches all users.
	DueEvergreen(ctx context.Context, userID string, now time.Time) ([]domain.EvergreenRecord, error)
}

type Credentials interface {
	UpsertPlatformConfig(ctx context.Context, c domain.PlatformConfig) error
	GetPlatformConfig(ctx context.Context, userID, platform string) (*domain.PlatformConfig, error)
}

// Store is the full persistence API.
type Store interface {
	Entries
	Audience
	Performance
	Logs
	Changes
	Evergreen
	Credentials
	Close() error
}
