package storage

import (
	"context"
	"database/sql"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orbit/internal/domain"
	logx "orbit/pkg/logx"
)

func newMockStore(t *testing.T) (*sqlStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return newSQLStore(db, dialectPostgres, logx.Nop()), mock
}

func TestRebindPostgres(t *testing.T) {
	s := &sqlStore{dialect: dialectPostgres}
	assert.Equal(t, "a = $1 AND b = $2", s.rebind("a = ? AND b = ?"))
	s.dialect = dialectSQLite
	assert.Equal(t, "a = ?", s.rebind("a = ?"))
}

func TestPostgresUpdateMissingEntry(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE queue_entries SET")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := st.UpdateEntry(context.Background(), newEntry("u1", 0.6, t0, t0))
	assert.True(t, domain.IsNotFound(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresPlatformConfigNotFound(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM platform_configs WHERE user_id = $1 AND platform = $2")).
		WithArgs("u1", "telegram").
		WillReturnError(sql.ErrNoRows)

	_, err := st.GetPlatformConfig(context.Background(), "u1", "telegram")
	assert.True(t, domain.IsNotFound(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReadyQuery(t *testing.T) {
	st, mock := newMockStore(t)
	e := newEntry("u1", 0.9, t0, t0)
	rows := sqlmock.NewRows([]string{"id", "content_id", "user_id", "status", "priority_score", "initial_priority", "decay_rate", "platforms",
		"optimal_publish_time", "requires_approval", "approved_by", "approved_at", "content_type", "content",
		"retry_count", "last_error", "created_at", "updated_at"}).
		AddRow(e.ID, e.ContentID, "u1", "pending", 0.9, 0.9, 0.1,
			`{"twitter":{"status":"pending","scheduled_time":"2026-03-02T09:00:00Z","is_default_time":true}}`,
			t0.UnixMilli(), false, nil, nil, "post", `{"text":"hi"}`, 0, nil, t0.UnixMilli(), t0.UnixMilli())

	mock.ExpectQuery(regexp.QuoteMeta("WHERE user_id = $1 AND status = $2 AND optimal_publish_time <= $3 ORDER BY priority_score DESC, optimal_publish_time ASC LIMIT $4 OFFSET $5")).
		WithArgs("u1", "pending", t0.UnixMilli(), 10, 0).
		WillReturnRows(rows)

	out, err := st.ListEntries(context.Background(), EntryFilter{
		UserID: "u1", Status: domain.StatusPending, DueBefore: t0, Order: OrderReady, Limit: 10,
	})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, domain.SlotPending, out[0].Platforms["twitter"].Status)
	assert.Equal(t, t0, out[0].Platforms["twitter"].ScheduledTime)
	assert.Equal(t, "hi", out[0].Content.Text)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAppendLog(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO distribution_logs")).
		WithArgs(sqlmock.AnyArg(), "q1", "c1", "u1", "twitter", "failed", `{"error":"boom"}`, t0.UnixMilli()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := st.AppendDistributionLog(context.Background(), domain.DistributionLog{
		QueueID: "q1", ContentID: "c1", UserID: "u1", Platform: "twitter", Action: "failed",
		Result: map[string]any{"error": "boom"}, Timestamp: t0,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSaveProgressGuardsStatus(t *testing.T) {
	st, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("retry_count = $4, last_error = $5, updated_at = $6") + `\s+` + regexp.QuoteMeta("WHERE id = $7 AND status = $8")).
		WithArgs("published", `{}`, t0.UnixMilli(), 0, nil, t0.UnixMilli(), "q1", "pending").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM queue_entries WHERE id = $1")).
		WithArgs("q1").
		WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))

	saved, err := st.SaveProgress(context.Background(), "q1", domain.StatusPending, EntryProgress{
		Status: domain.StatusPublished, Platforms: domain.PlatformSchedule{}, OptimalPublishTime: t0, UpdatedAt: t0,
	})
	require.NoError(t, err)
	assert.False(t, saved, "a cancelled row is left as is")
	require.NoError(t, mock.ExpectationsWereMet())
}
