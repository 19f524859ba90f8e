// Package repurpose scores published content for re-use and re-enqueues
// evergreen content when its republish date comes around.
package repurpose

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats/scalar"

	"orbit/internal/domain"
	"orbit/internal/eventbus"
	"orbit/internal/queue"
	"orbit/internal/storage"
	logx "orbit/pkg/logx"
)

type Config struct {
	Threshold       float64       // default 0.65
	Interval        time.Duration // default 90 days
	DefaultPlatform string        // default "linkedin"
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = 0.65
	}
	if c.Interval <= 0 {
		c.Interval = 90 * 24 * time.Hour
	}
	if c.DefaultPlatform == "" {
		c.DefaultPlatform = domain.PlatformLinkedIn
	}
	return c
}

type Store interface {
	storage.Performance
	storage.Evergreen
	ListEntries(ctx context.Context, f storage.EntryFilter) ([]*domain.QueueEntry, error)
}

// Enqueuer creates queue entries.
type Enqueuer interface {
	Add(ctx context.Context, req queue.AddRequest) (string, error)
}

// Stats aggregates every performance row of one content item.
type Stats struct {
	TotalReach    int64    `json:"total_reach"`
	AvgEngagement float64  `json:"avg_engagement_score"`
	TotalClicks   int64    `json:"total_clicks"`
	TotalShares   int64    `json:"total_shares"`
	Platforms     []string `json:"platforms"`
	PublishCount  int      `json:"publish_count"`
}

func (s Stats) history() map[string]any {
	if s.PublishCount == 0 {
		return map[string]any{}
	}
	return map[string]any{
		"total_reach":          s.TotalReach,
		"avg_engagement_score": s.AvgEngagement,
		"total_clicks":         s.TotalClicks,
		"total_shares":         s.TotalShares,
		"platforms":            append([]string(nil), s.Platforms...),
		"publish_count":        s.PublishCount,
	}
}

type Evaluation struct {
	ContentID       string    `json:"content_id"`
	Score           float64   `json:"evergreen_score"`
	Qualifies       bool      `json:"qualifies"`
	NextPublishDate time.Time `json:"next_publish_date"`
	Stats           Stats     `json:"stats"`
}

// Score weighs engagement, reach, clicks and platform breadth into [0,1].
func Score(s Stats) float64 {
	if s.PublishCount == 0 {
		return 0
	}
	v := 0.40*s.AvgEngagement +
		0.25*math.Min(1, float64(s.TotalReach)/10000) +
		0.20*math.Min(1, float64(s.TotalClicks)/1000) +
		0.15*math.Min(1, float64(len(s.Platforms))/5)
	return math.Min(1, math.Max(0, v))
}

type Scorer struct {
	cfg   Config
	store Store
	queue Enqueuer
	bus   eventbus.Bus
	now   domain.Clock
	log   logx.Logger
}

type Option func(*Scorer)

func WithClock(c domain.Clock) Option { return func(s *Scorer) { s.now = c } }

func New(cfg Config, store Store, q Enqueuer, bus eventbus.Bus, log logx.Logger, opts ...Option) *Scorer {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Scorer{
		cfg:   cfg.withDefaults(),
		store: store,
		queue: q,
		bus:   bus,
		log:   log.With(logx.String("comp", "repurpose")),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Evaluate scores contentID and upserts its evergreen record.
func (s *Scorer) Evaluate(ctx context.Context, contentID, userID string) (Evaluation, error) {
	if contentID == "" {
		return Evaluation{}, domain.Invalid("content_id", "required")
	}
	if userID == "" {
		return Evaluation{}, domain.Invalid("user_id", "required")
	}
	rows, err := s.store.ListPerformance(ctx, storage.RecordFilter{ContentID: contentID})
	if err != nil {
		return Evaluation{}, fmt.Errorf("load performance: %w", err)
	}
	st := aggregate(rows)
	score := Score(st)
	qualifies := score >= s.cfg.Threshold
	now := s.now.Now()

	rec := domain.EvergreenRecord{
		ContentID:         contentID,
		UserID:            userID,
		RepublishInterval: s.cfg.Interval,
		Platforms:         st.Platforms,
	}
	existing, err := s.store.GetEvergreen(ctx, contentID)
	switch {
	case err == nil:
		rec = *existing
	case !domain.IsNotFound(err):
		return Evaluation{}, fmt.Errorf("load evergreen record: %w", err)
	}
	if rec.RepublishInterval <= 0 {
		rec.RepublishInterval = s.cfg.Interval
	}
	if len(st.Platforms) > 0 {
		rec.Platforms = st.Platforms
	}
	rec.EvergreenScore = score
	rec.Active = qualifies
	rec.NextPublishDate = now.Add(rec.RepublishInterval)
	rec.PerformanceHistory = st.history()
	if err := s.store.UpsertEvergreen(ctx, rec); err != nil {
		return Evaluation{}, fmt.Errorf("save evergreen record: %w", err)
	}

	s.log.Debug("content evaluated",
		logx.String("content_id", contentID),
		logx.Float64("score", score),
		logx.Bool("qualifies", qualifies),
	)
	return Evaluation{
		ContentID:       contentID,
		Score:           scalar.RoundEven(score, 3),
		Qualifies:       qualifies,
		NextPublishDate: rec.NextPublishDate,
		Stats:           st,
	}, nil
}

// DueForRepublish returns active records whose next publish date has passed.
// An empty userID covers every user.
func (s *Scorer) DueForRepublish(ctx context.Context, userID string) ([]domain.EvergreenRecord, error) {
	return s.store.DueEvergreen(ctx, userID, s.now.Now())
}

// ScheduleRepublish enqueues rec as evergreen content and advances its
// republish window. It returns the new entry id.
func (s *Scorer) ScheduleRepublish(ctx context.Context, rec domain.EvergreenRecord) (string, error) {
	platforms := s.platformsFor(rec)
	req := queue.AddRequest{
		ContentID: rec.ContentID,
		UserID:    rec.UserID,
		Platforms: platforms,
		Evergreen: true,
	}
	// Reuse the payload of the most recent entry for this content.
	prev, err := s.store.ListEntries(ctx, storage.EntryFilter{UserID: rec.UserID, ContentID: rec.ContentID, Limit: 1})
	if err != nil {
		return "", fmt.Errorf("load previous entry: %w", err)
	}
	if len(prev) > 0 {
		req.Content = prev[0].Content
		req.ContentType = prev[0].ContentType
	}

	id, err := s.queue.Add(ctx, req)
	if err != nil {
		return "", fmt.Errorf("requeue %s: %w", rec.ContentID, err)
	}

	now := s.now.Now()
	interval := rec.RepublishInterval
	if interval <= 0 {
		interval = s.cfg.Interval
	}
	rec.LastPublished = &now
	rec.NextPublishDate = now.Add(interval)
	if err := s.store.UpsertEvergreen(ctx, rec); err != nil {
		return id, fmt.Errorf("advance evergreen record: %w", err)
	}

	s.log.Info("evergreen content requeued", logx.String("content_id", rec.ContentID), logx.String("entry_id", id))
	eventbus.Publish(s.bus, eventbus.EvergreenRequeued, eventbus.EvergreenRequeuedEvent{
		ContentID: rec.ContentID, UserID: rec.UserID, EntryID: id,
	})
	return id, nil
}

// RepublishDue requeues every due record. Failures are logged and skipped.
func (s *Scorer) RepublishDue(ctx context.Context, userID string) (int, error) {
	due, err := s.DueForRepublish(ctx, userID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range due {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if _, err := s.ScheduleRepublish(ctx, rec); err != nil {
			s.log.Warn("requeue failed", logx.String("content_id", rec.ContentID), logx.Err(err))
			continue
		}
		n++
	}
	return n, nil
}

func (s *Scorer) platformsFor(rec domain.EvergreenRecord) []string {
	if len(rec.Platforms) > 0 {
		return append([]string(nil), rec.Platforms...)
	}
	switch v := rec.PerformanceHistory["platforms"].(type) {
	case []string:
		if len(v) > 0 {
			return append([]string(nil), v...)
		}
	case []any:
		out := make([]string, 0, len(v))
		for _, p := range v {
			if ps, ok := p.(string); ok && ps != "" {
				out = append(out, ps)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return []string{s.cfg.DefaultPlatform}
}

func aggregate(rows []domain.PerformanceRecord) Stats {
	var st Stats
	if len(rows) == 0 {
		return st
	}
	seen := map[string]struct{}{}
	var eng float64
	for _, r := range rows {
		st.TotalReach += r.Reach
		st.TotalClicks += r.Clicks
		st.TotalShares += r.Shares
		eng += r.EngagementScore
		if _, ok := seen[r.Platform]; !ok {
			seen[r.Platform] = struct{}{}
			st.Platforms = append(st.Platforms, r.Platform)
		}
	}
	sort.Strings(st.Platforms)
	st.AvgEngagement = eng / float64(len(rows))
	st.PublishCount = len(rows)
	return st
}
