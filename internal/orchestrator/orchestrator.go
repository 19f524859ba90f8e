// Package orchestrator drives one queue entry through sequential
// per-platform publication and aggregates the outcome.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"orbit/internal/domain"
	"orbit/internal/eventbus"
	"orbit/internal/publisher"
	"orbit/internal/storage"
	logx "orbit/pkg/logx"
)

const errNoCredentials = "platform not connected - missing credentials"

type Config struct {
	MaxWait            time.Duration // cap on the in-pass slot wait; default 30s
	InterPlatformDelay time.Duration // pause between platforms; default 45s
}

func (c Config) withDefaults() Config {
	if c.MaxWait <= 0 {
		c.MaxWait = 30 * time.Second
	}
	if c.InterPlatformDelay < 0 {
		c.InterPlatformDelay = 0
	} else if c.InterPlatformDelay == 0 {
		c.InterPlatformDelay = 45 * time.Second
	}
	return c
}

// Store is the persistence the orchestrator needs.
type Store interface {
	storage.Entries
	storage.Logs
	storage.Credentials
}

// Gateway guards outbound publish and verify calls.
type Gateway interface {
	Publish(ctx context.Context, pub publisher.Publisher, cred publisher.Credential, p publisher.Payload) (publisher.Post, error)
	Verify(ctx context.Context, pub publisher.Publisher, cred publisher.Credential, postID string) (bool, error)
}

// Sleeper blocks for d or until ctx ends.
type Sleeper func(ctx context.Context, d time.Duration) error

// PlatformResult is the outcome of one platform attempt.
type PlatformResult struct {
	Status      domain.SlotStatus `json:"status"`
	PostID      string            `json:"post_id,omitempty"`
	PostURL     string            `json:"post_url,omitempty"`
	PublishedAt *time.Time        `json:"published_at,omitempty"`
	Error       string            `json:"error,omitempty"`
	AttemptedAt *time.Time        `json:"attempted_at,omitempty"`

	// DeferredUntil is set on a pending result left for a later pass.
	DeferredUntil *time.Time `json:"deferred_until,omitempty"`
}

// Fields returns r as the audit record payload.
func (r PlatformResult) Fields() map[string]any {
	m := map[string]any{"status": string(r.Status)}
	if r.PostID != "" {
		m["post_id"] = r.PostID
	}
	if r.PostURL != "" {
		m["post_url"] = r.PostURL
	}
	if r.PublishedAt != nil {
		m["published_at"] = r.PublishedAt.UTC().Format(time.RFC3339Nano)
	}
	if r.Error != "" {
		m["error"] = r.Error
	}
	if r.AttemptedAt != nil {
		m["attempted_at"] = r.AttemptedAt.UTC().Format(time.RFC3339Nano)
	}
	return m
}

// Outcome aggregates a pass. It returns "" when nothing was attempted and
// pending when the pass was deferred.
func Outcome(results map[string]PlatformResult) domain.EntryStatus {
	if len(results) == 0 {
		return ""
	}
	ok := 0
	for _, r := range results {
		switch r.Status {
		case domain.SlotPending:
			return domain.StatusPending
		case domain.SlotSuccess:
			ok++
		}
	}
	return domain.Aggregate(ok, len(results))
}

type Orchestrator struct {
	cfg      Config
	store    Store
	registry *publisher.Registry
	gateway  Gateway
	bus      eventbus.Bus
	now      domain.Clock
	sleep    Sleeper
	tracer   trace.Tracer
	log      logx.Logger
}

type Option func(*Orchestrator)

func WithClock(c domain.Clock) Option { return func(o *Orchestrator) { o.now = c } }

func WithSleeper(s Sleeper) Option { return func(o *Orchestrator) { o.sleep = s } }

func New(cfg Config, store Store, registry *publisher.Registry, gw Gateway, bus eventbus.Bus, log logx.Logger, opts ...Option) *Orchestrator {
	if log.IsZero() {
		log = logx.Nop()
	}
	o := &Orchestrator{
		cfg:      cfg.withDefaults(),
		store:    store,
		registry: registry,
		gateway:  gw,
		bus:      bus,
		sleep:    sleepCtx,
		tracer:   otel.Tracer("orbit/orchestrator"),
		log:      log.With(logx.String("comp", "orchestrator")),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

var errStopped = errors.New("entry left pending state")

// Orchestrate runs one pass over the entry's pending platforms. Per-platform
// failures are reported in the result map; only structural problems and
// context cancellation come back as errors.
//
// A slot still in the future after the capped wait ends the pass early: the
// entry stays pending with OptimalPublishTime moved to that slot, and the
// deferred platform is reported with status pending.
func (o *Orchestrator) Orchestrate(ctx context.Context, entryID string) (map[string]PlatformResult, error) {
	results := map[string]PlatformResult{}

	e, err := o.store.GetEntry(ctx, entryID)
	if err != nil {
		return results, err
	}
	if e.RequiresApproval && !e.Approved() {
		o.log.Info("entry awaits approval", logx.String("entry_id", entryID))
		return results, nil
	}
	if e.Status != domain.StatusPending {
		o.log.Debug("entry not pending", logx.String("entry_id", entryID), logx.String("status", string(e.Status)))
		return results, nil
	}
	pending := e.Platforms.Pending()
	if len(pending) == 0 {
		return results, nil
	}

	ctx, span := o.tracer.Start(ctx, "orchestrator.pass", trace.WithAttributes(
		attribute.String("entry.id", e.ID),
		attribute.String("entry.user_id", e.UserID),
		attribute.Int("entry.platforms", len(pending)),
		attribute.Int("entry.retry_count", e.RetryCount),
	))
	defer span.End()

	start := o.now.Now()
	log := o.log.With(logx.String("entry_id", e.ID), logx.Span(ctx))
	log.Info("pass started", logx.Strings("platforms", pending))

	for _, name := range pending {
		if len(results) > 0 && o.cfg.InterPlatformDelay > 0 {
			if e, err = o.waitFor(ctx, entryID, o.cfg.InterPlatformDelay); err != nil {
				return o.interrupted(span, entryID, results, err)
			}
		}

		at := e.Platforms[name].ScheduledTime
		if wait := at.Sub(o.now.Now()); wait > 0 {
			if e, err = o.waitFor(ctx, entryID, min(wait, o.cfg.MaxWait)); err != nil {
				return o.interrupted(span, entryID, results, err)
			}
			if at.After(o.now.Now()) {
				return o.deferPass(ctx, span, log, e, results, name)
			}
		}

		res := o.attempt(ctx, e, name)
		results[name] = res

		if e, err = o.saveSlot(ctx, entryID, name, res); err != nil {
			return o.interrupted(span, entryID, results, err)
		}
	}

	status, err := o.finish(ctx, entryID)
	if err != nil {
		return o.interrupted(span, entryID, results, err)
	}
	span.SetAttributes(attribute.String("entry.status", string(status)))
	if status == domain.StatusFailed {
		span.SetStatus(codes.Error, "all platforms failed")
	}
	dur := o.now.Now().Sub(start)
	eventbus.Publish(o.bus, eventbus.EntryOrchestrated, eventbus.EntryOrchestratedEvent{
		EntryID:   entryID,
		UserID:    e.UserID,
		Status:    string(status),
		Attempted: len(results),
		Succeeded: countSuccess(results),
		Duration:  dur,
	})
	log.Info("pass finished",
		logx.String("status", string(status)),
		logx.Int("attempted", len(results)),
		logx.Int("succeeded", countSuccess(results)),
		logx.Duration("dur", dur),
	)
	return results, nil
}

// deferPass leaves name and every later slot pending for the dispatcher.
func (o *Orchestrator) deferPass(ctx context.Context, span trace.Span, log logx.Logger, e *domain.QueueEntry, results map[string]PlatformResult, name string) (map[string]PlatformResult, error) {
	e.UpdatedAt = o.now.Now()
	ok, err := o.store.SaveProgress(ctx, e.ID, domain.StatusPending, progress(e))
	if err == nil && !ok {
		err = errStopped
	}
	if err != nil {
		return o.interrupted(span, e.ID, results, err)
	}
	at := e.Platforms[name].ScheduledTime
	results[name] = PlatformResult{Status: domain.SlotPending, DeferredUntil: &at}
	span.SetAttributes(attribute.String("entry.deferred_until", at.Format(time.RFC3339)))
	log.Info("pass deferred", logx.String("platform", name), logx.Time("until", at), logx.Int("attempted", len(results)-1))
	return results, nil
}

// PrepareRetry resets a failed entry for another pass: failed slots go back
// to pending and RetryCount increases. It reports false when the entry is
// not in the failed state.
func (o *Orchestrator) PrepareRetry(ctx context.Context, entryID string) (bool, error) {
	e, err := o.store.GetEntry(ctx, entryID)
	if err != nil {
		return false, err
	}
	if e.Status != domain.StatusFailed {
		return false, nil
	}
	reset := e.Platforms.ResetFailed()
	e.Status = domain.StatusPending
	e.RetryCount++
	e.UpdatedAt = o.now.Now()
	ok, err := o.store.SaveProgress(ctx, entryID, domain.StatusFailed, progress(e))
	if err != nil {
		return false, fmt.Errorf("reset entry %s: %w", entryID, err)
	}
	if !ok {
		return false, nil
	}
	o.log.Info("entry reset for retry", logx.String("entry_id", entryID), logx.Int("retry", e.RetryCount), logx.Int("slots", reset))
	return true, nil
}

// Verify asks the platform whether the post recorded for platform on the
// entry is still live.
func (o *Orchestrator) Verify(ctx context.Context, entryID, platform string) (bool, error) {
	e, err := o.store.GetEntry(ctx, entryID)
	if err != nil {
		return false, err
	}
	name := domain.NormalizePlatform(platform)
	slot, ok := e.Platforms[name]
	if !ok || slot.Status != domain.SlotSuccess || slot.PostID == "" {
		return false, domain.Invalid("platform", fmt.Sprintf("%s has no published post on this entry", name))
	}
	pub, ok := o.registry.Get(name)
	if !ok {
		return false, domain.Invalid("platform", fmt.Sprintf("no publisher for '%s'", name))
	}
	cfg, err := o.store.GetPlatformConfig(ctx, e.UserID, name)
	if err != nil && !domain.IsNotFound(err) {
		return false, err
	}
	if cfg == nil || !cfg.IsActive {
		return false, domain.Invalid("platform", errNoCredentials)
	}
	live, err := o.gateway.Verify(ctx, pub, publisher.Credential{AccessToken: cfg.AccessToken, Account: cfg.Account}, slot.PostID)
	if err != nil {
		return false, fmt.Errorf("verify %s post %s: %w", name, slot.PostID, err)
	}
	o.log.Debug("post verified", logx.String("entry_id", entryID), logx.String("platform", name), logx.String("post_id", slot.PostID), logx.Bool("live", live))
	return live, nil
}

// progress is the pass-owned part of e. OptimalPublishTime follows the next
// pending slot so GetReady sees the entry again when it is due.
func progress(e *domain.QueueEntry) storage.EntryProgress {
	next := e.Platforms.NextPending()
	if next.IsZero() {
		next = e.OptimalPublishTime
	}
	return storage.EntryProgress{
		Status:             e.Status,
		Platforms:          e.Platforms,
		OptimalPublishTime: next,
		RetryCount:         e.RetryCount,
		LastError:          e.LastError,
		UpdatedAt:          e.UpdatedAt,
	}
}

// attempt resolves publisher and credentials, then publishes one platform.
func (o *Orchestrator) attempt(ctx context.Context, e *domain.QueueEntry, name string) PlatformResult {
	at := o.now.Now()
	fail := func(msg string) PlatformResult {
		return PlatformResult{Status: domain.SlotFailed, Error: msg, AttemptedAt: &at}
	}

	pub, ok := o.registry.Get(name)
	if !ok {
		return fail(fmt.Sprintf("no publisher for '%s'", name))
	}
	cfg, err := o.store.GetPlatformConfig(ctx, e.UserID, name)
	if err != nil && !domain.IsNotFound(err) {
		return fail(fmt.Sprintf("load credentials: %v", err))
	}
	if cfg == nil || !cfg.IsActive {
		return fail(errNoCredentials)
	}

	ctx, span := o.tracer.Start(ctx, "publisher.publish", trace.WithAttributes(
		attribute.String("entry.id", e.ID),
		attribute.String("platform", name),
	))
	defer span.End()

	cred := publisher.Credential{AccessToken: cfg.AccessToken, Account: cfg.Account}
	post, err := o.gateway.Publish(ctx, pub, cred, publisher.Format(name, e.Content))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fail(err.Error())
	}
	done := o.now.Now()
	span.SetAttributes(attribute.String("post.id", post.ID))
	return PlatformResult{Status: domain.SlotSuccess, PostID: post.ID, PostURL: post.URL, PublishedAt: &done}
}

// saveSlot persists one platform result on a fresh copy of the entry and
// appends the audit record. The slot is left alone when the entry was
// cancelled while publishing.
func (o *Orchestrator) saveSlot(ctx context.Context, entryID, name string, res PlatformResult) (*domain.QueueEntry, error) {
	e, err := o.store.GetEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	now := o.now.Now()
	saved := false
	if e.Status == domain.StatusPending {
		slot := e.Platforms[name]
		slot.Status = res.Status
		slot.PostID = res.PostID
		slot.PostURL = res.PostURL
		slot.Error = res.Error
		slot.PublishedAt = res.PublishedAt
		slot.AttemptedAt = res.AttemptedAt
		if err := e.Platforms.Set(name, slot); err != nil {
			return nil, err
		}
		e.UpdatedAt = now
		if saved, err = o.store.SaveProgress(ctx, entryID, domain.StatusPending, progress(e)); err != nil {
			return nil, fmt.Errorf("save %s slot: %w", name, err)
		}
	}

	if err := o.store.AppendDistributionLog(ctx, domain.DistributionLog{
		ID:        domain.NewID(),
		QueueID:   e.ID,
		ContentID: e.ContentID,
		UserID:    e.UserID,
		Platform:  name,
		Action:    string(res.Status),
		Result:    res.Fields(),
		Timestamp: now,
	}); err != nil {
		o.log.Warn("append distribution log failed", logx.String("entry_id", entryID), logx.String("platform", name), logx.Err(err))
	}

	var since time.Duration
	if res.AttemptedAt != nil {
		since = now.Sub(*res.AttemptedAt)
	}
	eventbus.Publish(o.bus, eventbus.PlatformPublished, eventbus.PlatformPublishedEvent{
		EntryID: entryID, Platform: name, Status: string(res.Status), Duration: since,
	})
	if res.Status == domain.SlotFailed {
		o.log.Warn("platform failed", logx.String("entry_id", entryID), logx.String("platform", name), logx.String("err", res.Error), logx.Span(ctx))
	} else {
		o.log.Info("platform published", logx.String("entry_id", entryID), logx.String("platform", name), logx.String("post_id", res.PostID), logx.Span(ctx))
	}

	if !saved {
		return e, errStopped
	}
	return e, nil
}

// finish writes the status aggregated over every settled slot, so a pass
// resumed after a deferral still counts the platforms settled before it.
func (o *Orchestrator) finish(ctx context.Context, entryID string) (domain.EntryStatus, error) {
	e, err := o.store.GetEntry(ctx, entryID)
	if err != nil {
		return "", err
	}
	if e.Status != domain.StatusPending {
		return e.Status, errStopped
	}
	ok := e.Platforms.Count(domain.SlotSuccess)
	e.Status = domain.Aggregate(ok, ok+e.Platforms.Count(domain.SlotFailed))
	e.LastError = lastError(e.Platforms)
	e.UpdatedAt = o.now.Now()
	saved, err := o.store.SaveProgress(ctx, entryID, domain.StatusPending, progress(e))
	if err != nil {
		return "", fmt.Errorf("save entry status: %w", err)
	}
	if !saved {
		return "", errStopped
	}
	return e.Status, nil
}

// waitFor sleeps d and rechecks the entry on both sides of the sleep.
func (o *Orchestrator) waitFor(ctx context.Context, entryID string, d time.Duration) (*domain.QueueEntry, error) {
	if _, err := o.stillPending(ctx, entryID); err != nil {
		return nil, err
	}
	if err := o.sleep(ctx, d); err != nil {
		return nil, err
	}
	return o.stillPending(ctx, entryID)
}

func (o *Orchestrator) stillPending(ctx context.Context, entryID string) (*domain.QueueEntry, error) {
	e, err := o.store.GetEntry(ctx, entryID)
	if err != nil {
		return nil, err
	}
	if e.Status != domain.StatusPending {
		return e, errStopped
	}
	return e, nil
}

// interrupted ends a pass early. Leaving the pending state is not an error.
func (o *Orchestrator) interrupted(span trace.Span, entryID string, results map[string]PlatformResult, err error) (map[string]PlatformResult, error) {
	if errors.Is(err, errStopped) {
		o.log.Info("pass aborted, entry no longer pending", logx.String("entry_id", entryID), logx.Int("attempted", len(results)))
		span.SetAttributes(attribute.Bool("entry.aborted", true))
		return results, nil
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	o.log.Warn("pass interrupted", logx.String("entry_id", entryID), logx.Err(err))
	return results, err
}

func lastError(s domain.PlatformSchedule) string {
	var msg string
	for _, name := range s.Names() {
		if slot := s[name]; slot.Status == domain.SlotFailed {
			msg = fmt.Sprintf("%s: %s", name, slot.Error)
		}
	}
	return msg
}

func countSuccess(results map[string]PlatformResult) int {
	n := 0
	for _, r := range results {
		if r.Status == domain.SlotSuccess {
			n++
		}
	}
	return n
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
