// Package anomaly flags statistically significant shifts in per-platform
// performance metrics and keeps them as algorithm change records.
package anomaly

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"gonum.org/v1/gonum/floats/scalar"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"orbit/internal/domain"
	"orbit/internal/eventbus"
	"orbit/internal/storage"
	logx "orbit/pkg/logx"
)

// Metric names evaluated by Detect.
const (
	MetricEngagement = "engagement_score"
	MetricReach      = "reach"
	MetricClicks     = "clicks"
)

var metrics = []string{MetricEngagement, MetricReach, MetricClicks}

type Config struct {
	MinSamples   int     // default 100
	ZThreshold   float64 // default 2.5
	PValue       float64 // default 0.05
	LookbackDays int     // default 30
	RecentDays   int     // default 7
}

func (c Config) withDefaults() Config {
	if c.MinSamples <= 0 {
		c.MinSamples = 100
	}
	if c.ZThreshold <= 0 {
		c.ZThreshold = 2.5
	}
	if c.PValue <= 0 {
		c.PValue = 0.05
	}
	if c.LookbackDays <= 0 {
		c.LookbackDays = 30
	}
	if c.RecentDays <= 0 {
		c.RecentDays = 7
	}
	return c
}

type Store interface {
	storage.Performance
	storage.Changes
}

// Change is one detected shift.
type Change struct {
	ID         string    `json:"id"`
	Platform   string    `json:"platform"`
	Metric     string    `json:"metric"`
	ChangePct  float64   `json:"change_percentage"`
	ZScore     float64   `json:"z_score"`
	PValue     float64   `json:"p_value"`
	Confidence float64   `json:"confidence"`
	Direction  string    `json:"direction"`
	DetectedAt time.Time `json:"detected_at"`
}

type Detector struct {
	cfg   Config
	store Store
	bus   eventbus.Bus
	now   domain.Clock
	log   logx.Logger
}

type Option func(*Detector)

func WithClock(c domain.Clock) Option { return func(d *Detector) { d.now = c } }

func New(cfg Config, store Store, bus eventbus.Bus, log logx.Logger, opts ...Option) *Detector {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Detector{
		cfg:   cfg.withDefaults(),
		store: store,
		bus:   bus,
		log:   log.With(logx.String("comp", "anomaly")),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Detect evaluates every user's rows for platform.
func (d *Detector) Detect(ctx context.Context, platform string, lookbackDays int) ([]Change, error) {
	return d.DetectForUser(ctx, platform, "", lookbackDays)
}

// DetectForUser evaluates the last lookbackDays of platform rows, limited to
// userID when it is not empty. Each change found is persisted.
func (d *Detector) DetectForUser(ctx context.Context, platform, userID string, lookbackDays int) ([]Change, error) {
	platform = domain.NormalizePlatform(platform)
	if platform == "" {
		return nil, domain.Invalid("platform", "required")
	}
	if lookbackDays <= 0 {
		lookbackDays = d.cfg.LookbackDays
	}
	now := d.now.Now()
	rows, err := d.store.ListPerformance(ctx, storage.RecordFilter{
		UserID:   userID,
		Platform: platform,
		Since:    now.AddDate(0, 0, -lookbackDays),
	})
	if err != nil {
		return nil, fmt.Errorf("load performance: %w", err)
	}
	if len(rows) < d.cfg.MinSamples {
		d.log.Debug("not enough data", logx.String("platform", platform), logx.Int("rows", len(rows)))
		return []Change{}, nil
	}

	out := []Change{}
	for _, m := range metrics {
		c, ok := d.evaluate(values(rows, m))
		if !ok {
			continue
		}
		c.Platform = platform
		c.Metric = m
		c.DetectedAt = now
		c.ID = domain.NewID()
		if err := d.record(ctx, c); err != nil {
			return out, err
		}
		out = append(out, c)
	}
	return out, nil
}

// evaluate splits values into historical and recent thirds and tests the shift.
func (d *Detector) evaluate(vals []float64) (Change, bool) {
	if len(vals) < d.cfg.MinSamples {
		return Change{}, false
	}
	window := len(vals) / 3
	if window == 0 {
		return Change{}, false
	}
	hist, recent := vals[:len(vals)-window], vals[len(vals)-window:]

	hm, hv := stat.MeanVariance(hist, nil)
	rm, rv := stat.MeanVariance(recent, nil)
	n1, n2 := float64(len(hist)), float64(len(recent))

	popStd := math.Sqrt(hv * (n1 - 1) / n1)
	if popStd == 0 || math.IsNaN(popStd) {
		popStd = 1e-9
	}
	z := math.Abs(rm-hm) / popStd
	if z <= d.cfg.ZThreshold {
		return Change{}, false
	}

	p := pooledTTest(hm, hv, n1, rm, rv, n2)
	if math.IsNaN(p) || p >= d.cfg.PValue {
		return Change{}, false
	}

	pct := scalar.RoundEven((rm-hm)/(hm+1e-9)*100, 2)
	dir := "decrease"
	if pct > 0 {
		dir = "increase"
	}
	return Change{
		ChangePct:  pct,
		ZScore:     scalar.RoundEven(z, 3),
		PValue:     scalar.RoundEven(p, 5),
		Confidence: scalar.RoundEven(1-p, 4),
		Direction:  dir,
	}, true
}

// pooledTTest returns the two-sided p-value of Student's equal-variance
// two-sample t-test from sample means and unbiased variances.
func pooledTTest(m1, v1, n1, m2, v2, n2 float64) float64 {
	df := n1 + n2 - 2
	if df <= 0 {
		return math.NaN()
	}
	sp2 := ((n1-1)*v1 + (n2-1)*v2) / df
	se := math.Sqrt(sp2 * (1/n1 + 1/n2))
	if se == 0 {
		if m1 == m2 {
			return math.NaN()
		}
		return 0
	}
	t := math.Abs(m1-m2) / se
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	return 2 * dist.Survival(t)
}

func (d *Detector) record(ctx context.Context, c Change) error {
	impact := scalar.RoundEven(math.Abs(c.ChangePct)/100*c.Confidence, 4)
	rec := domain.AlgorithmChange{
		ID:          c.ID,
		Platform:    c.Platform,
		DetectedAt:  c.DetectedAt,
		ChangeType:  c.Metric + "_anomaly",
		ImpactScore: impact,
		Description: describe(c),
	}
	if err := d.store.InsertAlgorithmChange(ctx, rec); err != nil {
		return fmt.Errorf("record %s change: %w", c.Metric, err)
	}
	d.log.Info("algorithm change recorded",
		logx.String("platform", c.Platform),
		logx.String("metric", c.Metric),
		logx.String("direction", c.Direction),
		logx.Float64("change_pct", c.ChangePct),
	)
	eventbus.Publish(d.bus, eventbus.AnomalyDetected, eventbus.AnomalyDetectedEvent{
		Platform: c.Platform, Metric: c.Metric, Impact: impact,
	})
	return nil
}

func describe(c Change) string {
	return fmt.Sprintf("%s %s by %.1f%% (z=%s, p=%s)", c.Metric, c.Direction, c.ChangePct,
		strconv.FormatFloat(c.ZScore, 'f', -1, 64), strconv.FormatFloat(c.PValue, 'f', -1, 64))
}

// RecentChanges lists changes for platform detected in the last days, newest first.
func (d *Detector) RecentChanges(ctx context.Context, platform string, days int) ([]domain.AlgorithmChange, error) {
	if days <= 0 {
		days = d.cfg.RecentDays
	}
	return d.store.ListAlgorithmChanges(ctx, domain.NormalizePlatform(platform), d.now.Now().AddDate(0, 0, -days))
}

// ConfirmChange marks a change as reviewed by a human.
func (d *Detector) ConfirmChange(ctx context.Context, id, by string) error {
	if id == "" {
		return domain.Invalid("id", "required")
	}
	if by == "" {
		return domain.Invalid("confirmed_by", "required")
	}
	if err := d.store.ConfirmAlgorithmChange(ctx, id, by); err != nil {
		return err
	}
	d.log.Info("algorithm change confirmed", logx.String("id", id), logx.String("by", by))
	return nil
}

func values(rows []domain.PerformanceRecord, metric string) []float64 {
	out := make([]float64, len(rows))
	for i, r := range rows {
		switch metric {
		case MetricReach:
			out[i] = float64(r.Reach)
		case MetricClicks:
			out[i] = float64(r.Clicks)
		default:
			out[i] = r.EngagementScore
		}
	}
	return out
}
