package analytics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orbit/internal/domain"
	"orbit/internal/storage"
)

var now = time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC) // Wednesday

func newService(t *testing.T) (*Service, *storage.MemoryStore) {
	t.Helper()
	st := storage.NewMemory()
	return New(st, func() time.Time { return now }), st
}

func TestSummaryEmptyWithoutPerformance(t *testing.T) {
	s, st := newService(t)
	require.NoError(t, st.AppendDistributionLog(context.Background(), domain.DistributionLog{
		ID: "l1", UserID: "u1", Platform: "twitter", Action: "success", Timestamp: now,
	}))
	sum, err := s.PerformanceSummary(context.Background(), "u1", "", 0)
	require.NoError(t, err)
	assert.Equal(t, Summary{}, sum)
}

func TestSummary(t *testing.T) {
	s, st := newService(t)
	ctx := context.Background()
	add := func(platform string, eng float64, at time.Time) {
		require.NoError(t, st.AppendPerformance(ctx, domain.PerformanceRecord{
			ID: domain.NewID(), UserID: "u1", ContentID: "c", Platform: platform, EngagementScore: eng, RecordedAt: at,
		}))
	}
	add("reddit", 0.1, now.Add(-time.Hour))
	add("twitter", 0.2, now.Add(-2*time.Hour))
	add("twitter", 0.3, now.Add(-3*time.Hour))
	add("reddit", 0.9, now.AddDate(0, 0, -40))

	logs := []domain.DistributionLog{
		{ID: "1", UserID: "u1", Platform: "twitter", Action: "success", Timestamp: now.Add(-time.Hour)},
		{ID: "2", UserID: "u1", Platform: "reddit", Action: "failed", Timestamp: now.Add(-time.Hour)},
		{ID: "3", UserID: "u1", Platform: "reddit", Action: "success", Timestamp: now.AddDate(0, 0, -31)},
		{ID: "4", UserID: "u2", Platform: "twitter", Action: "success", Timestamp: now.Add(-time.Hour)},
	}
	for _, l := range logs {
		require.NoError(t, st.AppendDistributionLog(ctx, l))
	}

	sum, err := s.PerformanceSummary(ctx, "u1", "", 30)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.TotalPublished)
	assert.Equal(t, 1, sum.TotalFailed)
	assert.Equal(t, 0.2, sum.AvgEngagement)
	assert.Equal(t, "twitter", sum.TopPlatform)

	sum, err = s.PerformanceSummary(ctx, "u1", "Reddit", 30)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.TotalPublished)
	assert.Equal(t, 1, sum.TotalFailed)
	assert.Equal(t, "reddit", sum.TopPlatform)

	_, err = s.PerformanceSummary(ctx, "u1", "", 400)
	assert.True(t, domain.IsValidation(err))
}

func TestHeatmap(t *testing.T) {
	s, st := newService(t)
	ctx := context.Background()
	monday9 := time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC)
	sunday20 := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)
	pats := []domain.AudiencePattern{
		{UserID: "u1", Platform: "twitter", TimeSlot: monday9, EngagementRate: 0.04, Reach: 100},
		{UserID: "u1", Platform: "twitter", TimeSlot: monday9.AddDate(0, 0, -7), EngagementRate: 0.05, Reach: 101},
		{UserID: "u1", Platform: "twitter", TimeSlot: sunday20, EngagementRate: 0.123456, Reach: 50},
		{UserID: "u1", Platform: "twitter", TimeSlot: now.AddDate(0, 0, -100), EngagementRate: 1, Reach: 1},
		{UserID: "u1", Platform: "reddit", TimeSlot: monday9, EngagementRate: 1, Reach: 1},
	}
	for _, p := range pats {
		require.NoError(t, st.AppendAudiencePattern(ctx, p))
	}

	points, err := s.Heatmap(ctx, "u1", "twitter")
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, HeatmapPoint{DayOfWeek: 0, Hour: 9, EngagementRate: 0.045, Reach: 100}, points[0])
	assert.Equal(t, HeatmapPoint{DayOfWeek: 6, Hour: 20, EngagementRate: 0.12346, Reach: 50}, points[1])

	best, ok := BestSlot(points)
	require.True(t, ok)
	assert.Equal(t, 6, best.DayOfWeek)
	_, ok = BestSlot(nil)
	assert.False(t, ok)
}
