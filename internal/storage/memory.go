package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"orbit/internal/domain"
)

// memState is the full in-memory dataset. Its exported shape is also the
// file driver's snapshot format.
type memState struct {
	Entries   map[string]*domain.QueueEntry     `json:"entries"`
	Patterns  []domain.AudiencePattern          `json:"audience_patterns"`
	Perf      []domain.PerformanceRecord        `json:"performance"`
	Logs      []domain.DistributionLog          `json:"-"`
	Changes   []domain.AlgorithmChange          `json:"algorithm_changes"`
	Evergreen map[string]domain.EvergreenRecord `json:"evergreen"`
	Configs   map[string]domain.PlatformConfig  `json:"platform_configs"`
}

func newMemState() *memState {
	return &memState{
		Entries:   map[string]*domain.QueueEntry{},
		Evergreen: map[string]domain.EvergreenRecord{},
		Configs:   map[string]domain.PlatformConfig{},
	}
}

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	st     *memState
	closed bool

	// onWrite runs under mu after every successful mutation.
	onWrite func(kind string, v any) error
}

// NewMemory returns an empty memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{st: newMemState()}
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) wrote(kind string, v any) error {
	if m.onWrite == nil {
		return nil
	}
	return m.onWrite(kind, v)
}

func (m *MemoryStore) InsertEntry(_ context.Context, e *domain.QueueEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.st.Entries[e.ID]; ok {
		return domain.Invalid("id", "duplicate queue entry "+e.ID)
	}
	m.st.Entries[e.ID] = e.Clone()
	return m.wrote("entry", e)
}

func (m *MemoryStore) GetEntry(_ context.Context, id string) (*domain.QueueEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.st.Entries[id]
	if !ok {
		return nil, entryNotFound(id)
	}
	return e.Clone(), nil
}

func (m *MemoryStore) UpdateEntry(_ context.Context, e *domain.QueueEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if _, ok := m.st.Entries[e.ID]; !ok {
		return entryNotFound(e.ID)
	}
	m.st.Entries[e.ID] = e.Clone()
	return m.wrote("entry", e)
}

func (m *MemoryStore) SaveProgress(_ context.Context, id string, from domain.EntryStatus, p EntryProgress) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	e, ok := m.st.Entries[id]
	if !ok {
		return false, entryNotFound(id)
	}
	if e.Status != from {
		return false, nil
	}
	e.Status = p.Status
	e.Platforms = p.Platforms.Clone()
	e.OptimalPublishTime = p.OptimalPublishTime
	e.RetryCount = p.RetryCount
	e.LastError = p.LastError
	e.UpdatedAt = p.UpdatedAt
	return true, m.wrote("entry", e)
}

func (m *MemoryStore) SetApproval(_ context.Context, id, by string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	e, ok := m.st.Entries[id]
	if !ok {
		return false, entryNotFound(id)
	}
	if e.Status != domain.StatusPending {
		return false, nil
	}
	e.ApprovedBy = by
	e.ApprovedAt = &at
	e.UpdatedAt = at
	return true, m.wrote("entry", e)
}

func (m *MemoryStore) SetPriority(_ context.Context, id string, score float64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	e, ok := m.st.Entries[id]
	if !ok || e.Status != domain.StatusPending {
		return false, nil
	}
	e.PriorityScore = score
	return true, m.wrote("entry", e)
}

func (m *MemoryStore) TransitionStatus(_ context.Context, id string, to domain.EntryStatus, at time.Time, from ...domain.EntryStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	e, ok := m.st.Entries[id]
	if !ok {
		return false, entryNotFound(id)
	}
	for _, f := range from {
		if e.Status == f {
			e.Status = to
			e.UpdatedAt = at
			return true, m.wrote("entry", e)
		}
	}
	return false, nil
}

func (m *MemoryStore) ListEntries(_ context.Context, f EntryFilter) ([]*domain.QueueEntry, error) {
	m.mu.RLock()
	out := make([]*domain.QueueEntry, 0, 16)
	for _, e := range m.st.Entries {
		if f.UserID != "" && e.UserID != f.UserID {
			continue
		}
		if f.ContentID != "" && e.ContentID != f.ContentID {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if !f.DueBefore.IsZero() && e.OptimalPublishTime.After(f.DueBefore) {
			continue
		}
		out = append(out, e.Clone())
	}
	m.mu.RUnlock()

	switch f.Order {
	case OrderReady:
		sort.SliceStable(out, func(i, j int) bool {
			if out[i].PriorityScore != out[j].PriorityScore {
				return out[i].PriorityScore > out[j].PriorityScore
			}
			return out[i].OptimalPublishTime.Before(out[j].OptimalPublishTime)
		})
	default:
		sort.SliceStable(out, func(i, j int) bool {
			if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
				return out[i].CreatedAt.After(out[j].CreatedAt)
			}
			return out[i].ID < out[j].ID
		})
	}
	return page(out, f.Skip, f.Limit), nil
}

func page[T any](in []T, skip, limit int) []T {
	if skip > 0 {
		if skip >= len(in) {
			return in[:0]
		}
		in = in[skip:]
	}
	if limit > 0 && len(in) > limit {
		in = in[:limit]
	}
	return in
}

func (m *MemoryStore) PendingUsers(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := map[string]struct{}{}
	for _, e := range m.st.Entries {
		if e.Status == domain.StatusPending {
			seen[e.UserID] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for u := range seen {
		out = append(out, u)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStore) AppendAudiencePattern(_ context.Context, p domain.AudiencePattern) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.st.Patterns = append(m.st.Patterns, p)
	return m.wrote("audience_pattern", p)
}

func (m *MemoryStore) AudiencePatterns(_ context.Context, userID, platform string, since time.Time) ([]domain.AudiencePattern, error) {
	m.mu.RLock()
	out := make([]domain.AudiencePattern, 0, 64)
	for _, p := range m.st.Patterns {
		if p.UserID == userID && p.Platform == platform && !p.TimeSlot.Before(since) {
			out = append(out, p)
		}
	}
	m.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].TimeSlot.Before(out[j].TimeSlot) })
	return out, nil
}

func (m *MemoryStore) AppendPerformance(_ context.Context, r domain.PerformanceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if r.ID == "" {
		r.ID = domain.NewID()
	}
	m.st.Perf = append(m.st.Perf, r)
	return m.wrote("performance", r)
}

func (m *MemoryStore) ListPerformance(_ context.Context, f RecordFilter) ([]domain.PerformanceRecord, error) {
	m.mu.RLock()
	out := make([]domain.PerformanceRecord, 0, 64)
	for _, r := range m.st.Perf {
		if f.UserID != "" && r.UserID != f.UserID ||
			f.ContentID != "" && r.ContentID != f.ContentID ||
			f.QueueID != "" && r.QueueID != f.QueueID ||
			f.Platform != "" && r.Platform != f.Platform ||
			r.RecordedAt.Before(f.Since) {
			continue
		}
		out = append(out, r)
	}
	m.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].RecordedAt.Before(out[j].RecordedAt) })
	return out, nil
}

func (m *MemoryStore) AppendDistributionLog(_ context.Context, l domain.DistributionLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if l.ID == "" {
		l.ID = domain.NewID()
	}
	m.st.Logs = append(m.st.Logs, l)
	return m.wrote("distribution_log", l)
}

func (m *MemoryStore) ListDistributionLogs(_ context.Context, f RecordFilter) ([]domain.DistributionLog, error) {
	m.mu.RLock()
	out := make([]domain.DistributionLog, 0, 64)
	for _, l := range m.st.Logs {
		if f.UserID != "" && l.UserID != f.UserID ||
			f.ContentID != "" && l.ContentID != f.ContentID ||
			f.QueueID != "" && l.QueueID != f.QueueID ||
			f.Platform != "" && l.Platform != f.Platform ||
			l.Timestamp.Before(f.Since) {
			continue
		}
		out = append(out, l)
	}
	m.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *MemoryStore) InsertAlgorithmChange(_ context.Context, c domain.AlgorithmChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if c.ID == "" {
		c.ID = domain.NewID()
	}
	m.st.Changes = append(m.st.Changes, c)
	return m.wrote("algorithm_change", c)
}

func (m *MemoryStore) ListAlgorithmChanges(_ context.Context, platform string, since time.Time) ([]domain.AlgorithmChange, error) {
	m.mu.RLock()
	out := make([]domain.AlgorithmChange, 0, 8)
	for _, c := range m.st.Changes {
		if (platform == "" || c.Platform == platform) && !c.DetectedAt.Before(since) {
			out = append(out, c)
		}
	}
	m.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].DetectedAt.After(out[j].DetectedAt) })
	return out, nil
}

func (m *MemoryStore) ConfirmAlgorithmChange(_ context.Context, id, by string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.st.Changes {
		if m.st.Changes[i].ID == id {
			m.st.Changes[i].Confirmed = true
			m.st.Changes[i].ConfirmedBy = by
			return m.wrote("algorithm_change", m.st.Changes[i])
		}
	}
	return domain.NotFound("algorithm change", id)
}

func (m *MemoryStore) UpsertEvergreen(_ context.Context, r domain.EvergreenRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	r.Platforms = append([]string(nil), r.Platforms...)
	m.st.Evergreen[r.ContentID] = r
	return m.wrote("evergreen", r)
}

func (m *MemoryStore) GetEvergreen(_ context.Context, contentID string) (*domain.EvergreenRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.st.Evergreen[contentID]
	if !ok {
		return nil, domain.NotFound("evergreen record", contentID)
	}
	return &r, nil
}

func (m *MemoryStore) DueEvergreen(_ context.Context, userID string, now time.Time) ([]domain.EvergreenRecord, error) {
	m.mu.RLock()
	out := make([]domain.EvergreenRecord, 0, 8)
	for _, r := range m.st.Evergreen {
		if r.Active && (userID == "" || r.UserID == userID) && !r.NextPublishDate.After(now) {
			out = append(out, r)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextPublishDate.Equal(out[j].NextPublishDate) {
			return out[i].NextPublishDate.Before(out[j].NextPublishDate)
		}
		return out[i].ContentID < out[j].ContentID
	})
	return out, nil
}

func configKey(userID, platform string) string { return userID + "\x00" + platform }

func (m *MemoryStore) UpsertPlatformConfig(_ context.Context, c domain.PlatformConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.st.Configs[configKey(c.UserID, c.Platform)] = c
	return m.wrote("platform_config", c)
}

func (m *MemoryStore) GetPlatformConfig(_ context.Context, userID, platform string) (*domain.PlatformConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.st.Configs[configKey(userID, platform)]
	if !ok {
		return nil, domain.NotFound("platform config", userID+"/"+platform)
	}
	return &c, nil
}
