package timing

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/floats/scalar"

	"orbit/internal/domain"
	logx "orbit/pkg/logx"
)

const defaultConfidence = 0.3

// Config controls when the learned forecast is trusted.
type Config struct {
	MinDataPoints int
	Lookback      time.Duration
	Horizon       time.Duration
	FirstHour     int
	LastHour      int
}

func (c Config) withDefaults() Config {
	if c.MinDataPoints <= 0 {
		c.MinDataPoints = 50
	}
	if c.Lookback <= 0 {
		c.Lookback = 90 * 24 * time.Hour
	}
	if c.Horizon <= 0 {
		c.Horizon = 7 * 24 * time.Hour
	}
	if c.FirstHour <= 0 && c.LastHour <= 0 {
		c.FirstHour, c.LastHour = 6, 22
	}
	return c
}

// PatternSource reads historical audience engagement.
type PatternSource interface {
	AudiencePatterns(ctx context.Context, userID, platform string, since time.Time) ([]domain.AudiencePattern, error)
}

// Prediction is the chosen posting instant for one platform.
type Prediction struct {
	Time       time.Time
	Confidence float64
	IsDefault  bool
	Reasoning  string
}

// Slot is one ranked posting slot.
type Slot struct {
	Rank  int
	Time  time.Time
	Score float64
}

// Predictor picks posting slots from audience history or platform defaults.
type Predictor struct {
	src        PatternSource
	cfg        Config
	forecaster Forecaster
	now        domain.Clock
	log        logx.Logger
}

// Option configures a Predictor.
type Option func(*Predictor)

// WithForecaster replaces the seasonal forecaster.
func WithForecaster(f Forecaster) Option {
	return func(p *Predictor) { p.forecaster = f }
}

// WithClock sets the time source.
func WithClock(c domain.Clock) Option {
	return func(p *Predictor) { p.now = c }
}

func New(cfg Config, src PatternSource, log logx.Logger, opts ...Option) *Predictor {
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Predictor{
		src:        src,
		cfg:        cfg.withDefaults(),
		forecaster: SeasonalForecaster{},
		log:        log.With(logx.String("comp", "timing")),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" || strings.EqualFold(tz, "utc") {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, domain.Invalid("timezone", fmt.Sprintf("unknown timezone %q", tz))
	}
	return loc, nil
}

// Predict returns the best posting instant for (user, platform) in timezone tz.
// Forecast failures fall back to the platform default and are never returned.
func (p *Predictor) Predict(ctx context.Context, userID, platform, contentType, tz string) (Prediction, error) {
	platform = domain.NormalizePlatform(platform)
	loc, err := loadLocation(tz)
	if err != nil {
		return Prediction{}, err
	}
	now := p.now.Now()

	history, err := p.history(ctx, userID, platform, now)
	if err != nil {
		return Prediction{}, err
	}
	if len(history) >= p.cfg.MinDataPoints {
		pred, err := p.forecastBest(history, platform, now)
		if err == nil {
			pred.Time = pred.Time.In(loc)
			return pred, nil
		}
		if domain.IsFallback(err) {
			p.log.Warn("forecast unavailable, using default",
				logx.String("platform", platform),
				logx.String("content_type", contentType),
				logx.Err(err),
			)
		} else {
			p.log.Warn("forecast failed, using default", logx.String("platform", platform), logx.Err(err))
		}
	}

	return Prediction{
		Time:       nextDefault(platform, now).In(loc),
		Confidence: defaultConfidence,
		IsDefault:  true,
		Reasoning:  defaultReasoning(platform),
	}, nil
}

// TopSlots returns exactly n ranked slots over the forecast horizon.
// Missing slots are filled with default-time days at a neutral score.
func (p *Predictor) TopSlots(ctx context.Context, userID, platform string, n int, tz string) ([]Slot, error) {
	platform = domain.NormalizePlatform(platform)
	if n <= 0 {
		return []Slot{}, nil
	}
	loc, err := loadLocation(tz)
	if err != nil {
		return nil, err
	}
	now := p.now.Now()

	history, err := p.history(ctx, userID, platform, now)
	if err != nil {
		return nil, err
	}

	out := make([]Slot, 0, n)
	if len(history) >= p.cfg.MinDataPoints {
		times, scores, err := p.scoreCandidates(history, platform, now)
		if err != nil {
			p.log.Warn("forecast failed, padding top slots with defaults", logx.String("platform", platform), logx.Err(err))
		} else {
			idx := make([]int, len(times))
			for i := range idx {
				idx[i] = i
			}
			sort.SliceStable(idx, func(a, b int) bool { return scores[idx[a]] > scores[idx[b]] })
			for _, i := range idx {
				if len(out) == n {
					break
				}
				out = append(out, Slot{Rank: len(out) + 1, Time: times[i].In(loc), Score: scores[i]})
			}
		}
	}

	base := nextDefault(platform, now)
	for i := 0; len(out) < n; i++ {
		out = append(out, Slot{Rank: len(out) + 1, Time: base.AddDate(0, 0, i).In(loc), Score: 0.5})
	}
	return out, nil
}

func (p *Predictor) history(ctx context.Context, userID, platform string, now time.Time) ([]Sample, error) {
	if p.src == nil {
		return nil, nil
	}
	rows, err := p.src.AudiencePatterns(ctx, userID, platform, now.Add(-p.cfg.Lookback))
	if err != nil {
		return nil, fmt.Errorf("load audience patterns: %w", err)
	}
	out := make([]Sample, 0, len(rows))
	for _, r := range rows {
		out = append(out, Sample{At: r.TimeSlot, Value: r.EngagementRate})
	}
	return out, nil
}

// candidates lists hourly instants after now within the horizon that fall in
// the allowed hours and respect the platform's weekday rule.
func (p *Predictor) candidates(platform string, now time.Time) []time.Time {
	avoidWeekends := DefaultFor(platform).AvoidWeekends
	end := now.Add(p.cfg.Horizon)
	var out []time.Time
	for t := now.Truncate(time.Hour).Add(time.Hour); !t.After(end); t = t.Add(time.Hour) {
		h := t.Hour()
		if h < p.cfg.FirstHour || h > p.cfg.LastHour {
			continue
		}
		if avoidWeekends && isWeekend(t) {
			continue
		}
		out = append(out, t)
	}
	return out
}

func (p *Predictor) scoreCandidates(history []Sample, platform string, now time.Time) ([]time.Time, []float64, error) {
	times := p.candidates(platform, now)
	if len(times) == 0 {
		return nil, nil, &domain.InsufficientDataError{Have: 0, Need: 1}
	}
	scores, err := p.forecaster.Forecast(history, times)
	if err != nil {
		return nil, nil, err
	}
	if len(scores) != len(times) {
		return nil, nil, &domain.ModelFailure{Err: fmt.Errorf("forecast returned %d values for %d slots", len(scores), len(times))}
	}
	return times, scores, nil
}

func (p *Predictor) forecastBest(history []Sample, platform string, now time.Time) (Prediction, error) {
	times, scores, err := p.scoreCandidates(history, platform, now)
	if err != nil {
		return Prediction{}, err
	}
	best := floats.MaxIdx(scores)
	yhat := scores[best]

	maxY := 0.0
	for _, s := range history {
		if s.Value > maxY {
			maxY = s.Value
		}
	}
	conf := yhat / (maxY + 1e-6)
	conf = scalar.RoundEven(clip01(conf), 3)

	return Prediction{
		Time:       times[best],
		Confidence: conf,
		IsDefault:  false,
		Reasoning:  fmt.Sprintf("Seasonal forecast - top engagement slot in next 7 days (yhat=%.3f)", yhat),
	}, nil
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
