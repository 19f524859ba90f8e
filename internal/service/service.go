// Package service is the synchronous API over the distribution engine. Each
// method validates its input and delegates to one component.
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"orbit/internal/analytics"
	"orbit/internal/anomaly"
	"orbit/internal/domain"
	"orbit/internal/orchestrator"
	"orbit/internal/queue"
	"orbit/internal/repurpose"
	"orbit/internal/storage"
	"orbit/internal/timing"
	logx "orbit/pkg/logx"
)

type Queue interface {
	Add(ctx context.Context, req queue.AddRequest) (string, error)
	Get(ctx context.Context, id string) (*domain.QueueEntry, error)
	ListForUser(ctx context.Context, userID string, status domain.EntryStatus, skip, limit int) ([]*domain.QueueEntry, error)
	Cancel(ctx context.Context, entryID, userID string) (bool, error)
	Approve(ctx context.Context, entryID, approver string) (*domain.QueueEntry, error)
}

type Timing interface {
	Predict(ctx context.Context, userID, platform, contentType, tz string) (timing.Prediction, error)
	TopSlots(ctx context.Context, userID, platform string, n int, tz string) ([]timing.Slot, error)
}

// Publisher runs an immediate pass for one entry.
type Publisher interface {
	PublishNow(ctx context.Context, entryID string) (map[string]orchestrator.PlatformResult, error)
}

// Verifier checks a published post on its platform.
type Verifier interface {
	Verify(ctx context.Context, entryID, platform string) (bool, error)
}

type Analytics interface {
	PerformanceSummary(ctx context.Context, userID, platform string, days int) (analytics.Summary, error)
	Heatmap(ctx context.Context, userID, platform string) ([]analytics.HeatmapPoint, error)
}

type Detector interface {
	DetectForUser(ctx context.Context, platform, userID string, lookbackDays int) ([]anomaly.Change, error)
	RecentChanges(ctx context.Context, platform string, days int) ([]domain.AlgorithmChange, error)
	ConfirmChange(ctx context.Context, id, by string) error
}

type Evaluator interface {
	Evaluate(ctx context.Context, contentID, userID string) (repurpose.Evaluation, error)
}

type Store interface {
	storage.Audience
	storage.Performance
	storage.Credentials
}

// Deps are the components behind the API. Every field is required.
type Deps struct {
	Queue     Queue
	Timing    Timing
	Publisher Publisher
	Verifier  Verifier
	Analytics Analytics
	Detector  Detector
	Evaluator Evaluator
	Store     Store
}

type Service struct {
	d   Deps
	now domain.Clock
	log logx.Logger
}

type Option func(*Service)

func WithClock(c domain.Clock) Option { return func(s *Service) { s.now = c } }

func New(d Deps, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{d: d, log: log.With(logx.String("comp", "service"))}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Enqueue adds content to the distribution queue and returns the entry id.
func (s *Service) Enqueue(ctx context.Context, req queue.AddRequest) (string, error) {
	return s.d.Queue.Add(ctx, req)
}

func (s *Service) Get(ctx context.Context, entryID string) (*domain.QueueEntry, error) {
	if strings.TrimSpace(entryID) == "" {
		return nil, domain.Invalid("entry_id", "required")
	}
	return s.d.Queue.Get(ctx, entryID)
}

type ListRequest struct {
	UserID string             `validate:"required"`
	Status domain.EntryStatus `validate:"omitempty,oneof=pending published partial failed cancelled"`
	Skip   int                `validate:"gte=0"`
	Limit  int                `validate:"gte=0,lte=500"`
}

func (s *Service) List(ctx context.Context, req ListRequest) ([]*domain.QueueEntry, error) {
	if err := domain.Validate(req); err != nil {
		return nil, err
	}
	return s.d.Queue.ListForUser(ctx, req.UserID, req.Status, req.Skip, req.Limit)
}

// Cancel reports whether the entry moved to cancelled.
func (s *Service) Cancel(ctx context.Context, entryID, userID string) (bool, error) {
	if entryID == "" || userID == "" {
		return false, domain.Invalid("entry_id", "entry and user are required")
	}
	return s.d.Queue.Cancel(ctx, entryID, userID)
}

func (s *Service) Approve(ctx context.Context, entryID, approver string) (*domain.QueueEntry, error) {
	if entryID == "" {
		return nil, domain.Invalid("entry_id", "required")
	}
	return s.d.Queue.Approve(ctx, entryID, approver)
}

type TimingRequest struct {
	UserID      string `validate:"required"`
	Platform    string `validate:"required"`
	ContentType string
	Timezone    string
}

func (s *Service) OptimalTime(ctx context.Context, req TimingRequest) (timing.Prediction, error) {
	if err := domain.Validate(req); err != nil {
		return timing.Prediction{}, err
	}
	return s.d.Timing.Predict(ctx, req.UserID, domain.NormalizePlatform(req.Platform), req.ContentType, req.Timezone)
}

// TopSlots returns the n best slots in the next week; n defaults to 5.
func (s *Service) TopSlots(ctx context.Context, req TimingRequest, n int) ([]timing.Slot, error) {
	if err := domain.Validate(req); err != nil {
		return nil, err
	}
	if n <= 0 {
		n = 5
	}
	return s.d.Timing.TopSlots(ctx, req.UserID, domain.NormalizePlatform(req.Platform), n, req.Timezone)
}

// PublishNow orchestrates entryID immediately.
func (s *Service) PublishNow(ctx context.Context, entryID string) (map[string]orchestrator.PlatformResult, error) {
	e, err := s.Get(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if e.Status == domain.StatusCancelled || e.Status == domain.StatusPublished {
		return nil, domain.Invalid("status", fmt.Sprintf("entry is %s", e.Status))
	}
	res, err := s.d.Publisher.PublishNow(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	s.log.Info("entry published on demand", logx.String("entry_id", e.ID), logx.Int("platforms", len(res)))
	return res, nil
}

// VerifyPost reports whether the post published for platform on entryID is
// still live.
func (s *Service) VerifyPost(ctx context.Context, entryID, platform string) (bool, error) {
	if strings.TrimSpace(entryID) == "" || strings.TrimSpace(platform) == "" {
		return false, domain.Invalid("entry_id", "entry and platform are required")
	}
	return s.d.Verifier.Verify(ctx, entryID, domain.NormalizePlatform(platform))
}

func (s *Service) PerformanceSummary(ctx context.Context, userID, platform string, days int) (analytics.Summary, error) {
	if userID == "" {
		return analytics.Summary{}, domain.Invalid("user_id", "required")
	}
	return s.d.Analytics.PerformanceSummary(ctx, userID, domain.NormalizePlatform(platform), days)
}

// Heatmap defaults to twitter when platform is empty.
func (s *Service) Heatmap(ctx context.Context, userID, platform string) ([]analytics.HeatmapPoint, error) {
	if userID == "" {
		return nil, domain.Invalid("user_id", "required")
	}
	return s.d.Analytics.Heatmap(ctx, userID, domain.NormalizePlatform(platform))
}

// AlgorithmChanges lists changes recorded for platform in the last days.
func (s *Service) AlgorithmChanges(ctx context.Context, platform string, days int) ([]domain.AlgorithmChange, error) {
	if platform == "" {
		return nil, domain.Invalid("platform", "required")
	}
	return s.d.Detector.RecentChanges(ctx, platform, days)
}

// DetectChanges runs detection now over one user's data.
func (s *Service) DetectChanges(ctx context.Context, userID, platform string, lookbackDays int) ([]anomaly.Change, error) {
	if userID == "" {
		return nil, domain.Invalid("user_id", "required")
	}
	return s.d.Detector.DetectForUser(ctx, platform, userID, lookbackDays)
}

func (s *Service) ConfirmChange(ctx context.Context, id, by string) error {
	return s.d.Detector.ConfirmChange(ctx, id, by)
}

func (s *Service) EvaluateContent(ctx context.Context, contentID, userID string) (repurpose.Evaluation, error) {
	return s.d.Evaluator.Evaluate(ctx, contentID, userID)
}

type ConnectRequest struct {
	UserID      string `validate:"required"`
	Platform    string `validate:"required"`
	AccessToken string `validate:"required"`
	Account     string
}

// ConnectPlatform stores or replaces a user's credential and marks it active.
func (s *Service) ConnectPlatform(ctx context.Context, req ConnectRequest) (domain.PlatformConfig, error) {
	if err := domain.Validate(req); err != nil {
		return domain.PlatformConfig{}, err
	}
	platform := domain.NormalizePlatform(req.Platform)
	if !known(platform) {
		return domain.PlatformConfig{}, domain.Invalid("platform", "unknown platform "+platform)
	}
	cfg := domain.PlatformConfig{
		UserID:      req.UserID,
		Platform:    platform,
		AccessToken: req.AccessToken,
		Account:     req.Account,
		IsActive:    true,
		ConnectedAt: s.now.Now(),
	}
	if err := s.d.Store.UpsertPlatformConfig(ctx, cfg); err != nil {
		return domain.PlatformConfig{}, fmt.Errorf("save platform config: %w", err)
	}
	s.log.Info("platform connected", logx.String("user_id", req.UserID), logx.String("platform", platform))
	return cfg, nil
}

// DisconnectPlatform deactivates a credential. The row is kept so a later
// connect can replace it.
func (s *Service) DisconnectPlatform(ctx context.Context, userID, platform string) error {
	platform = domain.NormalizePlatform(platform)
	if userID == "" || platform == "" {
		return domain.Invalid("platform", "user and platform are required")
	}
	cfg, err := s.d.Store.GetPlatformConfig(ctx, userID, platform)
	if err != nil {
		return err
	}
	if !cfg.IsActive {
		return nil
	}
	cfg.IsActive = false
	if err := s.d.Store.UpsertPlatformConfig(ctx, *cfg); err != nil {
		return fmt.Errorf("save platform config: %w", err)
	}
	s.log.Info("platform disconnected", logx.String("user_id", userID), logx.String("platform", platform))
	return nil
}

type PerformanceRequest struct {
	UserID          string `validate:"required"`
	ContentID       string `validate:"required"`
	QueueID         string
	Platform        string  `validate:"required"`
	EngagementScore float64 `validate:"gte=0,lte=1"`
	Reach           int64   `validate:"gte=0"`
	Clicks          int64   `validate:"gte=0"`
	Shares          int64   `validate:"gte=0"`
	RecordedAt      time.Time
}

// RecordPerformance appends one metrics sample and returns its id.
func (s *Service) RecordPerformance(ctx context.Context, req PerformanceRequest) (string, error) {
	if err := domain.Validate(req); err != nil {
		return "", err
	}
	at := req.RecordedAt
	if at.IsZero() {
		at = s.now.Now()
	}
	r := domain.PerformanceRecord{
		ID:              domain.NewID(),
		UserID:          req.UserID,
		ContentID:       req.ContentID,
		QueueID:         req.QueueID,
		Platform:        domain.NormalizePlatform(req.Platform),
		EngagementScore: req.EngagementScore,
		Reach:           req.Reach,
		Clicks:          req.Clicks,
		Shares:          req.Shares,
		RecordedAt:      at.UTC(),
	}
	if err := s.d.Store.AppendPerformance(ctx, r); err != nil {
		return "", fmt.Errorf("append performance: %w", err)
	}
	return r.ID, nil
}

type AudienceRequest struct {
	UserID          string    `validate:"required"`
	Platform        string    `validate:"required"`
	TimeSlot        time.Time `validate:"required"`
	EngagementRate  float64   `validate:"gte=0,lte=1"`
	Reach           int64     `validate:"gte=0"`
	Interactions    int64     `validate:"gte=0"`
	AudienceSegment string
}

func (s *Service) RecordAudiencePattern(ctx context.Context, req AudienceRequest) error {
	if err := domain.Validate(req); err != nil {
		return err
	}
	p := domain.AudiencePattern{
		UserID:          req.UserID,
		Platform:        domain.NormalizePlatform(req.Platform),
		TimeSlot:        req.TimeSlot.UTC(),
		EngagementRate:  req.EngagementRate,
		Reach:           req.Reach,
		Interactions:    req.Interactions,
		AudienceSegment: req.AudienceSegment,
	}
	if err := s.d.Store.AppendAudiencePattern(ctx, p); err != nil {
		return fmt.Errorf("append audience pattern: %w", err)
	}
	return nil
}

func known(platform string) bool {
	for _, p := range domain.KnownPlatforms {
		if p == platform {
			return true
		}
	}
	return false
}
