package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"golang.org/x/time/rate"

	"orbit/internal/domain"
	logx "orbit/pkg/logx"
)

// GatewayConfig bounds outbound publish calls per platform.
type GatewayConfig struct {
	Timeout       time.Duration // per call; default 30s
	RatePerSecond float64       // default 1
	Burst         int           // default 1

	// Breaker opens after FailureThreshold failures within FailureWindow
	// executions and half-opens after OpenDelay.
	FailureThreshold uint          // default 5
	FailureWindow    uint          // default 10
	OpenDelay        time.Duration // default 60s
	SuccessThreshold uint          // default 1
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 1
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.FailureWindow < c.FailureThreshold {
		c.FailureWindow = c.FailureThreshold * 2
	}
	if c.OpenDelay <= 0 {
		c.OpenDelay = 60 * time.Second
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = 1
	}
	return c
}

// ErrCircuitOpen marks a call refused because the platform's breaker is open.
var ErrCircuitOpen = errors.New("circuit open")

// Observer receives gateway outcomes. Any field may be nil.
type Observer struct {
	Published    func(platform string, d time.Duration, err error)
	BreakerState func(platform, from, to string)
}

// Gateway applies a rate limiter, a circuit breaker and a timeout to every
// publish call, keyed by platform.
type Gateway struct {
	cfg GatewayConfig
	log logx.Logger
	obs Observer

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	breakers map[string]circuitbreaker.CircuitBreaker[Post]
}

func NewGateway(cfg GatewayConfig, log logx.Logger, obs Observer) *Gateway {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Gateway{
		cfg:      cfg.withDefaults(),
		log:      log.With(logx.String("comp", "publisher.gateway")),
		obs:      obs,
		limiters: map[string]*rate.Limiter{},
		breakers: map[string]circuitbreaker.CircuitBreaker[Post]{},
	}
}

// Publish sends p through pub. Every failure, including an open breaker or a
// limiter wait cut short by ctx, comes back as a *domain.PublishError.
func (g *Gateway) Publish(ctx context.Context, pub Publisher, cred Credential, p Payload) (Post, error) {
	name := domain.NormalizePlatform(pub.Name())
	lim, cb := g.guards(name)

	if err := lim.Wait(ctx); err != nil {
		return Post{}, publishErr(name, fmt.Errorf("rate limit wait: %w", err))
	}

	start := time.Now()
	post, err := failsafe.With(cb).WithContext(ctx).Get(func() (Post, error) {
		cctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
		return pub.Publish(cctx, cred, p)
	})
	dur := time.Since(start)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		err = fmt.Errorf("%w: %w", ErrCircuitOpen, err)
	}
	if g.obs.Published != nil {
		g.obs.Published(name, dur, err)
	}
	if err != nil {
		g.log.Warn("publish failed", logx.String("platform", name), logx.Duration("dur", dur), logx.Err(err))
		return Post{}, publishErr(name, err)
	}
	g.log.Debug("published", logx.String("platform", name), logx.String("post_id", post.ID), logx.Duration("dur", dur))
	return post, nil
}

// Verify checks a post through pub under the same timeout.
func (g *Gateway) Verify(ctx context.Context, pub Publisher, cred Credential, postID string) (bool, error) {
	cctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()
	return pub.VerifyPost(cctx, cred, postID)
}

// BreakerState reports "closed", "open" or "half-open" for platform.
func (g *Gateway) BreakerState(platform string) string {
	g.mu.Lock()
	cb, ok := g.breakers[domain.NormalizePlatform(platform)]
	g.mu.Unlock()
	if !ok {
		return stateName(circuitbreaker.ClosedState)
	}
	return stateName(cb.State())
}

func (g *Gateway) guards(platform string) (*rate.Limiter, circuitbreaker.CircuitBreaker[Post]) {
	g.mu.Lock()
	defer g.mu.Unlock()
	lim, ok := g.limiters[platform]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(g.cfg.RatePerSecond), g.cfg.Burst)
		g.limiters[platform] = lim
	}
	cb, ok := g.breakers[platform]
	if !ok {
		cb = circuitbreaker.NewBuilder[Post]().
			WithFailureThresholdRatio(g.cfg.FailureThreshold, g.cfg.FailureWindow).
			WithDelay(g.cfg.OpenDelay).
			WithSuccessThreshold(g.cfg.SuccessThreshold).
			OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
				from, to := stateName(e.OldState), stateName(e.NewState)
				g.log.Warn("circuit breaker state change", logx.String("platform", platform), logx.String("from", from), logx.String("to", to))
				if g.obs.BreakerState != nil {
					g.obs.BreakerState(platform, from, to)
				}
			}).
			Build()
		g.breakers[platform] = cb
	}
	return lim, cb
}

func stateName(s circuitbreaker.State) string {
	switch s {
	case circuitbreaker.OpenState:
		return "open"
	case circuitbreaker.HalfOpenState:
		return "half-open"
	default:
		return "closed"
	}
}
