// Package analytics summarizes performance and audience data per user.
package analytics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/floats/scalar"
	"gonum.org/v1/gonum/stat"

	"orbit/internal/domain"
	"orbit/internal/storage"
)

type Store interface {
	storage.Performance
	storage.Logs
	storage.Audience
}

type Summary struct {
	TotalPublished int     `json:"total_published"`
	TotalFailed    int     `json:"total_failed"`
	AvgEngagement  float64 `json:"avg_engagement_score"`
	TopPlatform    string  `json:"top_platform,omitempty"`
}

// HeatmapPoint is the mean audience response for one weekday and hour.
// DayOfWeek counts from Monday = 0.
type HeatmapPoint struct {
	DayOfWeek      int     `json:"day_of_week"`
	Hour           int     `json:"hour"`
	EngagementRate float64 `json:"engagement_rate"`
	Reach          int64   `json:"reach"`
}

const (
	defaultSummaryDays = 30
	maxSummaryDays     = 365
	heatmapWindow      = 90 * 24 * time.Hour
)

type Service struct {
	store Store
	now   domain.Clock
}

func New(store Store, now domain.Clock) *Service {
	return &Service{store: store, now: now}
}

// PerformanceSummary aggregates the last days of a user's data, optionally
// for one platform. Without performance rows every field is zero.
func (s *Service) PerformanceSummary(ctx context.Context, userID, platform string, days int) (Summary, error) {
	if days <= 0 {
		days = defaultSummaryDays
	}
	if days > maxSummaryDays {
		return Summary{}, domain.Invalid("days", fmt.Sprintf("must be at most %d", maxSummaryDays))
	}
	since := s.now.Now().AddDate(0, 0, -days)
	f := storage.RecordFilter{UserID: userID, Platform: domain.NormalizePlatform(platform), Since: since}

	rows, err := s.store.ListPerformance(ctx, f)
	if err != nil {
		return Summary{}, fmt.Errorf("load performance: %w", err)
	}
	if len(rows) == 0 {
		return Summary{}, nil
	}
	logs, err := s.store.ListDistributionLogs(ctx, f)
	if err != nil {
		return Summary{}, fmt.Errorf("load distribution logs: %w", err)
	}

	var out Summary
	for _, l := range logs {
		switch domain.SlotStatus(l.Action) {
		case domain.SlotSuccess:
			out.TotalPublished++
		case domain.SlotFailed:
			out.TotalFailed++
		}
	}

	eng := make([]float64, len(rows))
	counts := map[string]int{}
	var order []string
	for i, r := range rows {
		eng[i] = r.EngagementScore
		if _, ok := counts[r.Platform]; !ok {
			order = append(order, r.Platform)
		}
		counts[r.Platform]++
	}
	out.AvgEngagement = scalar.RoundEven(stat.Mean(eng, nil), 4)
	best := 0
	for _, p := range order {
		if counts[p] > best {
			best, out.TopPlatform = counts[p], p
		}
	}
	return out, nil
}

// Heatmap groups the last 90 days of audience patterns by weekday and hour,
// ordered by weekday then hour.
func (s *Service) Heatmap(ctx context.Context, userID, platform string) ([]HeatmapPoint, error) {
	if platform == "" {
		platform = domain.PlatformTwitter
	}
	rows, err := s.store.AudiencePatterns(ctx, userID, domain.NormalizePlatform(platform), s.now.Now().Add(-heatmapWindow))
	if err != nil {
		return nil, fmt.Errorf("load audience patterns: %w", err)
	}
	return BuildHeatmap(rows), nil
}

// BuildHeatmap aggregates rows into heatmap points.
func BuildHeatmap(rows []domain.AudiencePattern) []HeatmapPoint {
	type bucket struct {
		eng   []float64
		reach []float64
	}
	buckets := map[[2]int]*bucket{}
	for _, r := range rows {
		t := r.TimeSlot.UTC()
		k := [2]int{mondayFirst(t.Weekday()), t.Hour()}
		b := buckets[k]
		if b == nil {
			b = &bucket{}
			buckets[k] = b
		}
		b.eng = append(b.eng, r.EngagementRate)
		b.reach = append(b.reach, float64(r.Reach))
	}

	out := make([]HeatmapPoint, 0, len(buckets))
	for k, b := range buckets {
		out = append(out, HeatmapPoint{
			DayOfWeek:      k[0],
			Hour:           k[1],
			EngagementRate: scalar.RoundEven(stat.Mean(b.eng, nil), 5),
			Reach:          int64(stat.Mean(b.reach, nil)),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DayOfWeek != out[j].DayOfWeek {
			return out[i].DayOfWeek < out[j].DayOfWeek
		}
		return out[i].Hour < out[j].Hour
	})
	return out
}

// BestSlot returns the heatmap point with the highest engagement rate.
func BestSlot(points []HeatmapPoint) (HeatmapPoint, bool) {
	if len(points) == 0 {
		return HeatmapPoint{}, false
	}
	rates := make([]float64, len(points))
	for i, p := range points {
		rates[i] = p.EngagementRate
	}
	return points[floats.MaxIdx(rates)], true
}

func mondayFirst(d time.Weekday) int { return (int(d) + 6) % 7 }
