// Package queue owns the lifecycle of queue entries: creation with
// priority and per-platform slots, priority decay, ready selection,
// cancellation and approval.
package queue

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"gonum.org/v1/gonum/floats/scalar"

	"orbit/internal/domain"
	"orbit/internal/eventbus"
	"orbit/internal/storage"
	"orbit/internal/timing"
	logx "orbit/pkg/logx"
)

const (
	PriorityTimeSensitive = 0.9
	PriorityEvergreen     = 0.4
	PriorityNormal        = 0.6

	DecayTimeSensitive = 0.10
	DecayEvergreen     = 0.001
)

type Config struct {
	DefaultDecayRate float64
	ReadyLookahead   time.Duration
	ReadyLimit       int
	DecayBatch       int
	NoiseThreshold   float64
	MinPriority      float64
	ListLimit        int
}

func (c Config) withDefaults() Config {
	if c.DefaultDecayRate <= 0 {
		c.DefaultDecayRate = 0.05
	}
	if c.ReadyLookahead <= 0 {
		c.ReadyLookahead = 15 * time.Minute
	}
	if c.ReadyLimit <= 0 {
		c.ReadyLimit = 10
	}
	if c.DecayBatch <= 0 {
		c.DecayBatch = 500
	}
	if c.NoiseThreshold <= 0 {
		c.NoiseThreshold = 0.001
	}
	if c.MinPriority <= 0 {
		c.MinPriority = 0.05
	}
	if c.ListLimit <= 0 {
		c.ListLimit = 50
	}
	return c
}

// Store is the persistence the queue needs.
type Store interface {
	storage.Entries
}

// Predictor chooses a slot for one platform.
type Predictor interface {
	Predict(ctx context.Context, userID, platform, contentType, tz string) (timing.Prediction, error)
}

// AddRequest describes a new queue entry.
type AddRequest struct {
	ContentID        string     `validate:"required"`
	UserID           string     `validate:"required"`
	Platforms        []string   `validate:"required,min=1,unique,dive,required"`
	ScheduledTime    *time.Time `validate:"-"`
	Priority         *float64   `validate:"omitempty,gte=0,lte=1"`
	RequiresApproval bool
	TimeSensitive    bool
	Evergreen        bool
	ContentType      string
	Content          domain.Content `validate:"-"`
}

type Queue struct {
	store     Store
	predictor Predictor
	bus       eventbus.Bus
	cfg       Config
	now       domain.Clock
	log       logx.Logger
}

// Option configures a Queue.
type Option func(*Queue)

func WithClock(c domain.Clock) Option { return func(q *Queue) { q.now = c } }

func New(cfg Config, store Store, predictor Predictor, bus eventbus.Bus, log logx.Logger, opts ...Option) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	q := &Queue{
		store:     store,
		predictor: predictor,
		bus:       bus,
		cfg:       cfg.withDefaults(),
		log:       log.With(logx.String("comp", "queue")),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// InitialPriority returns the default priority for the content class.
func InitialPriority(timeSensitive, evergreen bool) float64 {
	switch {
	case timeSensitive:
		return PriorityTimeSensitive
	case evergreen:
		return PriorityEvergreen
	}
	return PriorityNormal
}

// DecayRate returns the hourly decay for the content class.
func (q *Queue) DecayRate(timeSensitive, evergreen bool) float64 {
	switch {
	case timeSensitive:
		return DecayTimeSensitive
	case evergreen:
		return DecayEvergreen
	}
	return q.cfg.DefaultDecayRate
}

// Add validates req, assigns priority and platform slots, and persists a new entry.
func (q *Queue) Add(ctx context.Context, req AddRequest) (string, error) {
	if err := domain.Validate(req); err != nil {
		return "", err
	}
	platforms := make([]string, 0, len(req.Platforms))
	seen := make(map[string]struct{}, len(req.Platforms))
	for _, p := range req.Platforms {
		p = domain.NormalizePlatform(p)
		if _, dup := seen[p]; dup {
			return "", domain.Invalid("platforms", "duplicate platform "+p)
		}
		seen[p] = struct{}{}
		platforms = append(platforms, p)
	}

	priority := InitialPriority(req.TimeSensitive, req.Evergreen)
	if req.Priority != nil {
		priority = *req.Priority
	}
	contentType := strings.TrimSpace(req.ContentType)
	if contentType == "" {
		contentType = "general"
	}

	now := q.now.Now()
	schedule := make(domain.PlatformSchedule, len(platforms))
	for _, p := range platforms {
		slot := domain.PlatformSlot{Status: domain.SlotPending}
		switch {
		case req.ScheduledTime != nil:
			slot.ScheduledTime = req.ScheduledTime.UTC()
		case q.predictor != nil:
			pred, err := q.predictor.Predict(ctx, req.UserID, p, contentType, "")
			if err != nil {
				return "", fmt.Errorf("predict %s slot: %w", p, err)
			}
			slot.ScheduledTime = pred.Time.UTC()
			slot.IsDefaultTime = pred.IsDefault
		default:
			slot.ScheduledTime = now
			slot.IsDefaultTime = true
		}
		schedule[p] = slot
	}

	optimal := schedule.Earliest()
	if req.ScheduledTime != nil {
		optimal = req.ScheduledTime.UTC()
	}

	e := &domain.QueueEntry{
		ID:                 domain.NewID(),
		ContentID:          req.ContentID,
		UserID:             req.UserID,
		Status:             domain.StatusPending,
		PriorityScore:      priority,
		InitialPriority:    priority,
		DecayRate:          q.DecayRate(req.TimeSensitive, req.Evergreen),
		Platforms:          schedule,
		OptimalPublishTime: optimal,
		RequiresApproval:   req.RequiresApproval,
		ContentType:        contentType,
		Content:            req.Content,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := q.store.InsertEntry(ctx, e); err != nil {
		return "", fmt.Errorf("insert entry: %w", err)
	}

	q.log.Info("entry queued",
		logx.String("entry_id", e.ID),
		logx.String("content_id", e.ContentID),
		logx.String("user_id", e.UserID),
		logx.Strings("platforms", platforms),
		logx.Float64("priority", priority),
		logx.Time("publish_at", optimal),
	)
	eventbus.Publish(q.bus, eventbus.EntryEnqueued, eventbus.EntryEnqueuedEvent{
		EntryID: e.ID, UserID: e.UserID, Platforms: platforms, Priority: priority, PublishAt: optimal,
	})
	return e.ID, nil
}

func (q *Queue) Get(ctx context.Context, id string) (*domain.QueueEntry, error) {
	return q.store.GetEntry(ctx, id)
}

// ListForUser returns a user's entries newest first.
func (q *Queue) ListForUser(ctx context.Context, userID string, status domain.EntryStatus, skip, limit int) ([]*domain.QueueEntry, error) {
	if status != "" && !status.Valid() {
		return nil, domain.Invalid("status", "unknown status "+string(status))
	}
	if limit <= 0 || limit > q.cfg.ListLimit {
		limit = q.cfg.ListLimit
	}
	if skip < 0 {
		skip = 0
	}
	return q.store.ListEntries(ctx, storage.EntryFilter{UserID: userID, Status: status, Skip: skip, Limit: limit})
}

// GetReady returns pending entries due within the lookahead window, highest
// priority first and earliest publish time on ties.
func (q *Queue) GetReady(ctx context.Context, userID string, limit int) ([]*domain.QueueEntry, error) {
	if limit <= 0 {
		limit = q.cfg.ReadyLimit
	}
	return q.store.ListEntries(ctx, storage.EntryFilter{
		UserID:    userID,
		Status:    domain.StatusPending,
		DueBefore: q.now.Now().Add(q.cfg.ReadyLookahead),
		Order:     storage.OrderReady,
		Limit:     limit,
	})
}

// Decayed returns the priority of e at instant now. It depends only on the
// entry's initial priority and age, so repeated sweeps are idempotent.
func (q *Queue) Decayed(e *domain.QueueEntry, now time.Time) float64 {
	initial := e.InitialPriority
	if initial <= 0 {
		initial = e.PriorityScore
	}
	hours := now.Sub(e.CreatedAt).Hours()
	if hours < 0 {
		hours = 0
	}
	v := scalar.RoundEven(initial-e.DecayRate*hours, 4)
	return math.Max(q.cfg.MinPriority, v)
}

// DecayAll recomputes the priority of a user's pending entries and returns
// how many changed by more than the noise threshold.
func (q *Queue) DecayAll(ctx context.Context, userID string) (int, error) {
	entries, err := q.store.ListEntries(ctx, storage.EntryFilter{
		UserID: userID,
		Status: domain.StatusPending,
		Limit:  q.cfg.DecayBatch,
	})
	if err != nil {
		return 0, err
	}
	now := q.now.Now()
	updated := 0
	for _, e := range entries {
		next := q.Decayed(e, now)
		if next > e.PriorityScore || math.Abs(next-e.PriorityScore) <= q.cfg.NoiseThreshold {
			continue
		}
		ok, err := q.store.SetPriority(ctx, e.ID, next)
		if err != nil {
			return updated, fmt.Errorf("decay %s: %w", e.ID, err)
		}
		if ok {
			updated++
		}
	}
	if updated > 0 {
		q.log.Debug("priorities decayed", logx.String("user_id", userID), logx.Int("updated", updated))
		eventbus.Publish(q.bus, eventbus.PrioritiesDecayed, eventbus.PrioritiesDecayedEvent{UserID: userID, Updated: updated})
	}
	return updated, nil
}

// Cancel cancels an entry owned by userID. It returns false without changes
// when the entry is missing, owned by someone else, published or already cancelled.
func (q *Queue) Cancel(ctx context.Context, entryID, userID string) (bool, error) {
	e, err := q.store.GetEntry(ctx, entryID)
	if domain.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if e.UserID != userID {
		return false, nil
	}
	ok, err := q.store.TransitionStatus(ctx, entryID, domain.StatusCancelled, q.now.Now(),
		domain.StatusPending, domain.StatusPartial, domain.StatusFailed)
	if domain.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if ok {
		q.log.Info("entry cancelled", logx.String("entry_id", entryID), logx.String("user_id", userID))
	}
	return ok, nil
}

// Approve records approval for an entry that requires it.
func (q *Queue) Approve(ctx context.Context, entryID, approver string) (*domain.QueueEntry, error) {
	if strings.TrimSpace(approver) == "" {
		return nil, domain.Invalid("approved_by", "required")
	}
	e, err := q.store.GetEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if e.Status != domain.StatusPending {
		return nil, domain.Invalid("status", fmt.Sprintf("entry is %s", e.Status))
	}
	if e.ApprovedAt != nil {
		return e, nil
	}
	now := q.now.Now()
	ok, err := q.store.SetApproval(ctx, entryID, approver, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.Invalid("status", "entry is no longer pending")
	}
	e.ApprovedBy = approver
	e.ApprovedAt = &now
	e.UpdatedAt = now
	q.log.Info("entry approved", logx.String("entry_id", entryID), logx.String("approved_by", approver))
	return e, nil
}

// UsersWithPending lists users that own at least one pending entry.
func (q *Queue) UsersWithPending(ctx context.Context) ([]string, error) {
	return q.store.PendingUsers(ctx)
}
