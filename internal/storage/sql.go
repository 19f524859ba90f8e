package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"orbit/internal/domain"
	logx "orbit/pkg/logx"
)

//go:embed migrations.sql
var migrationsSQL string

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// sqlStore implements Store over database/sql. Queries are written with '?'
// placeholders and rebound per dialect. Instants are stored as unix
// milliseconds so both engines compare them the same way.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	log     logx.Logger
}

func newSQLStore(db *sql.DB, d dialect, log logx.Logger) *sqlStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &sqlStore{db: db, dialect: d, log: log}
}

func (s *sqlStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, migrationsSQL)
	return err
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) rebind(q string) string {
	if s.dialect != dialectPostgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func (s *sqlStore) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.rebind(q), args...)
}

func (s *sqlStore) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.rebind(q), args...)
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func fromMs(v int64) time.Time { return time.UnixMilli(v).UTC() }

func nullMs(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func ptrMs(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMs(v.Int64)
	return &t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func mustJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

type scanner interface{ Scan(dest ...any) error }

const entryCols = `id, content_id, user_id, status, priority_score, initial_priority, decay_rate, platforms,
optimal_publish_time, requires_approval, approved_by, approved_at, content_type, content,
retry_count, last_error, created_at, updated_at`

func entryArgs(e *domain.QueueEntry) ([]any, error) {
	platforms, err := mustJSON(e.Platforms)
	if err != nil {
		return nil, err
	}
	content, err := mustJSON(e.Content)
	if err != nil {
		return nil, err
	}
	return []any{
		e.ID, e.ContentID, e.UserID, string(e.Status), e.PriorityScore, e.InitialPriority, e.DecayRate, platforms,
		ms(e.OptimalPublishTime), e.RequiresApproval, nullStr(e.ApprovedBy), nullMs(e.ApprovedAt), e.ContentType, content,
		e.RetryCount, nullStr(e.LastError), ms(e.CreatedAt), ms(e.UpdatedAt),
	}, nil
}

func scanEntry(sc scanner) (*domain.QueueEntry, error) {
	var (
		e                             domain.QueueEntry
		status, platforms, content    string
		approvedBy, lastError         sql.NullString
		approvedAt                    sql.NullInt64
		optimal, createdAt, updatedAt int64
	)
	err := sc.Scan(&e.ID, &e.ContentID, &e.UserID, &status, &e.PriorityScore, &e.InitialPriority, &e.DecayRate, &platforms,
		&optimal, &e.RequiresApproval, &approvedBy, &approvedAt, &e.ContentType, &content,
		&e.RetryCount, &lastError, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	e.Status = domain.EntryStatus(status)
	if err := json.Unmarshal([]byte(platforms), &e.Platforms); err != nil {
		return nil, err
	}
	if content != "" {
		if err := json.Unmarshal([]byte(content), &e.Content); err != nil {
			return nil, err
		}
	}
	e.OptimalPublishTime = fromMs(optimal)
	e.ApprovedBy = approvedBy.String
	e.ApprovedAt = ptrMs(approvedAt)
	e.LastError = lastError.String
	e.CreatedAt = fromMs(createdAt)
	e.UpdatedAt = fromMs(updatedAt)
	return &e, nil
}

func (s *sqlStore) InsertEntry(ctx context.Context, e *domain.QueueEntry) error {
	args, err := entryArgs(e)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `INSERT INTO queue_entries (`+entryCols+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, args...)
	return err
}

func (s *sqlStore) GetEntry(ctx context.Context, id string) (*domain.QueueEntry, error) {
	rows, err := s.query(ctx, `SELECT `+entryCols+` FROM queue_entries WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, entryNotFound(id)
	}
	return scanEntry(rows)
}

func (s *sqlStore) UpdateEntry(ctx context.Context, e *domain.QueueEntry) error {
	args, err := entryArgs(e)
	if err != nil {
		return err
	}
	// Drop id from the front and append it for the WHERE clause.
	args = append(args[1:], e.ID)
	res, err := s.exec(ctx, `UPDATE queue_entries SET
		content_id = ?, user_id = ?, status = ?, priority_score = ?, initial_priority = ?, decay_rate = ?, platforms = ?,
		optimal_publish_time = ?, requires_approval = ?, approved_by = ?, approved_at = ?, content_type = ?, content = ?,
		retry_count = ?, last_error = ?, created_at = ?, updated_at = ?
		WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return entryNotFound(e.ID)
	}
	return nil
}

func (s *sqlStore) SetPriority(ctx context.Context, id string, score float64) (bool, error) {
	res, err := s.exec(ctx, `UPDATE queue_entries SET priority_score = ? WHERE id = ? AND status = ?`,
		score, id, string(domain.StatusPending))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqlStore) TransitionStatus(ctx context.Context, id string, to domain.EntryStatus, at time.Time, from ...domain.EntryStatus) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	args := []any{string(to), ms(at), id}
	marks := make([]string, len(from))
	for i, f := range from {
		marks[i] = "?"
		args = append(args, string(f))
	}
	res, err := s.exec(ctx, `UPDATE queue_entries SET status = ?, updated_at = ? WHERE id = ? AND status IN (`+strings.Join(marks, ",")+`)`, args...)
	if err != nil {
		return false, err
	}
	return s.changed(ctx, res, id)
}

func (s *sqlStore) SaveProgress(ctx context.Context, id string, from domain.EntryStatus, p EntryProgress) (bool, error) {
	platforms, err := mustJSON(p.Platforms)
	if err != nil {
		return false, err
	}
	res, err := s.exec(ctx, `UPDATE queue_entries SET status = ?, platforms = ?, optimal_publish_time = ?, retry_count = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(p.Status), platforms, ms(p.OptimalPublishTime), p.RetryCount, nullStr(p.LastError), ms(p.UpdatedAt), id, string(from))
	if err != nil {
		return false, err
	}
	return s.changed(ctx, res, id)
}

func (s *sqlStore) SetApproval(ctx context.Context, id, by string, at time.Time) (bool, error) {
	res, err := s.exec(ctx, `UPDATE queue_entries SET approved_by = ?, approved_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		nullStr(by), ms(at), ms(at), id, string(domain.StatusPending))
	if err != nil {
		return false, err
	}
	return s.changed(ctx, res, id)
}

// changed reports whether a guarded update hit its row. No rows affected
// means a status mismatch, or NotFound when the row is gone.
func (s *sqlStore) changed(ctx context.Context, res sql.Result, id string) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	var one int
	err = s.db.QueryRowContext(ctx, s.rebind(`SELECT 1 FROM queue_entries WHERE id = ?`), id).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, entryNotFound(id)
	case err != nil:
		return false, err
	}
	return false, nil
}

func (s *sqlStore) ListEntries(ctx context.Context, f EntryFilter) ([]*domain.QueueEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.ContentID != "" {
		where = append(where, "content_id = ?")
		args = append(args, f.ContentID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if !f.DueBefore.IsZero() {
		where = append(where, "optimal_publish_time <= ?")
		args = append(args, ms(f.DueBefore))
	}
	q := `SELECT ` + entryCols + ` FROM queue_entries`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	switch f.Order {
	case OrderReady:
		q += " ORDER BY priority_score DESC, optimal_publish_time ASC"
	default:
		q += " ORDER BY created_at DESC, id ASC"
	}
	if f.Limit > 0 || f.Skip > 0 {
		limit := f.Limit
		if limit <= 0 {
			limit = 1<<31 - 1
		}
		q += " LIMIT ? OFFSET ?"
		args = append(args, limit, f.Skip)
	}

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.QueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqlStore) PendingUsers(ctx context.Context) ([]string, error) {
	rows, err := s.query(ctx, `SELECT DISTINCT user_id FROM queue_entries WHERE status = ? ORDER BY user_id`, string(domain.StatusPending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *sqlStore) AppendAudiencePattern(ctx context.Context, p domain.AudiencePattern) error {
	_, err := s.exec(ctx, `INSERT INTO audience_patterns
		(id, user_id, platform, time_slot, engagement_rate, reach, interactions, audience_segment)
		VALUES (?,?,?,?,?,?,?,?)`,
		domain.NewID(), p.UserID, p.Platform, ms(p.TimeSlot), p.EngagementRate, p.Reach, p.Interactions, nullStr(p.AudienceSegment))
	return err
}

func (s *sqlStore) AudiencePatterns(ctx context.Context, userID, platform string, since time.Time) ([]domain.AudiencePattern, error) {
	rows, err := s.query(ctx, `SELECT user_id, platform, time_slot, engagement_rate, reach, interactions, audience_segment
		FROM audience_patterns WHERE user_id = ? AND platform = ? AND time_slot >= ? ORDER BY time_slot ASC`,
		userID, platform, ms(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.AudiencePattern
	for rows.Next() {
		var (
			p   domain.AudiencePattern
			ts  int64
			seg sql.NullString
		)
		if err := rows.Scan(&p.UserID, &p.Platform, &ts, &p.EngagementRate, &p.Reach, &p.Interactions, &seg); err != nil {
			return nil, err
		}
		p.TimeSlot = fromMs(ts)
		p.AudienceSegment = seg.String
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqlStore) AppendPerformance(ctx context.Context, r domain.PerformanceRecord) error {
	if r.ID == "" {
		r.ID = domain.NewID()
	}
	_, err := s.exec(ctx, `INSERT INTO performance_records
		(id, user_id, content_id, queue_id, platform, engagement_score, reach, clicks, shares, recorded_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.UserID, r.ContentID, nullStr(r.QueueID), r.Platform, r.EngagementScore, r.Reach, r.Clicks, r.Shares, ms(r.RecordedAt))
	return err
}

func recordWhere(f RecordFilter, tsCol string) (string, []any) {
	where := []string{tsCol + " >= ?"}
	args := []any{ms(f.Since)}
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.ContentID != "" {
		where = append(where, "content_id = ?")
		args = append(args, f.ContentID)
	}
	if f.QueueID != "" {
		where = append(where, "queue_id = ?")
		args = append(args, f.QueueID)
	}
	if f.Platform != "" {
		where = append(where, "platform = ?")
		args = append(args, f.Platform)
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

func (s *sqlStore) ListPerformance(ctx context.Context, f RecordFilter) ([]domain.PerformanceRecord, error) {
	where, args := recordWhere(f, "recorded_at")
	rows, err := s.query(ctx, `SELECT id, user_id, content_id, queue_id, platform, engagement_score, reach, clicks, shares, recorded_at
		FROM performance_records`+where+` ORDER BY recorded_at ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.PerformanceRecord
	for rows.Next() {
		var (
			r       domain.PerformanceRecord
			queueID sql.NullString
			ts      int64
		)
		if err := rows.Scan(&r.ID, &r.UserID, &r.ContentID, &queueID, &r.Platform, &r.EngagementScore, &r.Reach, &r.Clicks, &r.Shares, &ts); err != nil {
			return nil, err
		}
		r.QueueID = queueID.String
		r.RecordedAt = fromMs(ts)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) AppendDistributionLog(ctx context.Context, l domain.DistributionLog) error {
	if l.ID == "" {
		l.ID = domain.NewID()
	}
	result, err := mustJSON(l.Result)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `INSERT INTO distribution_logs (id, queue_id, content_id, user_id, platform, action, result, ts)
		VALUES (?,?,?,?,?,?,?,?)`,
		l.ID, l.QueueID, l.ContentID, nullStr(l.UserID), nullStr(l.Platform), l.Action, result, ms(l.Timestamp))
	return err
}

func (s *sqlStore) ListDistributionLogs(ctx context.Context, f RecordFilter) ([]domain.DistributionLog, error) {
	where, args := recordWhere(f, "ts")
	rows, err := s.query(ctx, `SELECT id, queue_id, content_id, user_id, platform, action, result, ts
		FROM distribution_logs`+where+` ORDER BY ts ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.DistributionLog
	for rows.Next() {
		var (
			l                        domain.DistributionLog
			userID, platform, result sql.NullString
			ts                       int64
		)
		if err := rows.Scan(&l.ID, &l.QueueID, &l.ContentID, &userID, &platform, &l.Action, &result, &ts); err != nil {
			return nil, err
		}
		l.UserID = userID.String
		l.Platform = platform.String
		l.Timestamp = fromMs(ts)
		if result.Valid && result.String != "" && result.String != "null" {
			if err := json.Unmarshal([]byte(result.String), &l.Result); err != nil {
				return nil, err
			}
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *sqlStore) InsertAlgorithmChange(ctx context.Context, c domain.AlgorithmChange) error {
	if c.ID == "" {
		c.ID = domain.NewID()
	}
	_, err := s.exec(ctx, `INSERT INTO algorithm_changes
		(id, platform, detected_at, change_type, impact_score, description, confirmed, confirmed_by)
		VALUES (?,?,?,?,?,?,?,?)`,
		c.ID, c.Platform, ms(c.DetectedAt), c.ChangeType, c.ImpactScore, nullStr(c.Description), c.Confirmed, nullStr(c.ConfirmedBy))
	return err
}

func (s *sqlStore) ListAlgorithmChanges(ctx context.Context, platform string, since time.Time) ([]domain.AlgorithmChange, error) {
	q := `SELECT id, platform, detected_at, change_type, impact_score, description, confirmed, confirmed_by
		FROM algorithm_changes WHERE detected_at >= ?`
	args := []any{ms(since)}
	if platform != "" {
		q += " AND platform = ?"
		args = append(args, platform)
	}
	q += " ORDER BY detected_at DESC"
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.AlgorithmChange
	for rows.Next() {
		var (
			c        domain.AlgorithmChange
			ts       int64
			desc, by sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.Platform, &ts, &c.ChangeType, &c.ImpactScore, &desc, &c.Confirmed, &by); err != nil {
			return nil, err
		}
		c.DetectedAt = fromMs(ts)
		c.Description = desc.String
		c.ConfirmedBy = by.String
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *sqlStore) ConfirmAlgorithmChange(ctx context.Context, id, by string) error {
	res, err := s.exec(ctx, `UPDATE algorithm_changes SET confirmed = ?, confirmed_by = ? WHERE id = ?`, true, nullStr(by), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.NotFound("algorithm change", id)
	}
	return nil
}

func (s *sqlStore) UpsertEvergreen(ctx context.Context, r domain.EvergreenRecord) error {
	platforms, err := mustJSON(r.Platforms)
	if err != nil {
		return err
	}
	history, err := mustJSON(r.PerformanceHistory)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx, `INSERT INTO evergreen_content
		(content_id, user_id, evergreen_score, last_published, republish_interval, next_publish_date, active, platforms, performance_history)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT (content_id) DO UPDATE SET
			user_id = excluded.user_id,
			evergreen_score = excluded.evergreen_score,
			last_published = excluded.last_published,
			republish_interval = excluded.republish_interval,
			next_publish_date = excluded.next_publish_date,
			active = excluded.active,
			platforms = excluded.platforms,
			performance_history = excluded.performance_history`,
		r.ContentID, r.UserID, r.EvergreenScore, nullMs(r.LastPublished), r.RepublishInterval.Milliseconds(),
		ms(r.NextPublishDate), r.Active, platforms, history)
	return err
}

const evergreenCols = `content_id, user_id, evergreen_score, last_published, republish_interval, next_publish_date, active, platforms, performance_history`

func scanEvergreen(sc scanner) (domain.EvergreenRecord, error) {
	var (
		r                  domain.EvergreenRecord
		last               sql.NullInt64
		interval, next     int64
		platforms, history string
	)
	if err := sc.Scan(&r.ContentID, &r.UserID, &r.EvergreenScore, &last, &interval, &next, &r.Active, &platforms, &history); err != nil {
		return r, err
	}
	r.LastPublished = ptrMs(last)
	r.RepublishInterval = time.Duration(interval) * time.Millisecond
	r.NextPublishDate = fromMs(next)
	if err := json.Unmarshal([]byte(platforms), &r.Platforms); err != nil {
		return r, err
	}
	if err := json.Unmarshal([]byte(history), &r.PerformanceHistory); err != nil {
		return r, err
	}
	return r, nil
}

func (s *sqlStore) GetEvergreen(ctx context.Context, contentID string) (*domain.EvergreenRecord, error) {
	rows, err := s.query(ctx, `SELECT `+evergreenCols+` FROM evergreen_content WHERE content_id = ?`, contentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, domain.NotFound("evergreen record", contentID)
	}
	r, err := scanEvergreen(rows)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *sqlStore) DueEvergreen(ctx context.Context, userID string, now time.Time) ([]domain.EvergreenRecord, error) {
	q := `SELECT ` + evergreenCols + ` FROM evergreen_content WHERE active = ? AND next_publish_date <= ?`
	args := []any{true, ms(now)}
	if userID != "" {
		q += " AND user_id = ?"
		args = append(args, userID)
	}
	q += " ORDER BY next_publish_date ASC, content_id ASC"
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.EvergreenRecord
	for rows.Next() {
		r, err := scanEvergreen(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) UpsertPlatformConfig(ctx context.Context, c domain.PlatformConfig) error {
	_, err := s.exec(ctx, `INSERT INTO platform_configs (user_id, platform, access_token, account, is_active, connected_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT (user_id, platform) DO UPDATE SET
			access_token = excluded.access_token,
			account = excluded.account,
			is_active = excluded.is_active,
			connected_at = excluded.connected_at`,
		c.UserID, c.Platform, c.AccessToken, nullStr(c.Account), c.IsActive, ms(c.ConnectedAt))
	return err
}

func (s *sqlStore) GetPlatformConfig(ctx context.Context, userID, platform string) (*domain.PlatformConfig, error) {
	var (
		c       domain.PlatformConfig
		account sql.NullString
		ts      int64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT user_id, platform, access_token, account, is_active, connected_at
		FROM platform_configs WHERE user_id = ? AND platform = ?`), userID, platform).
		Scan(&c.UserID, &c.Platform, &c.AccessToken, &account, &c.IsActive, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("platform config", userID+"/"+platform)
	}
	if err != nil {
		return nil, err
	}
	c.Account = account.String
	c.ConnectedAt = fromMs(ts)
	return &c, nil
}
