package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orbit/internal/domain"
	"orbit/internal/eventbus"
	"orbit/internal/storage"
	"orbit/internal/timing"
	logx "orbit/pkg/logx"
)

var monday = time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newQueue(t *testing.T) (*Queue, *storage.MemoryStore, *clock, eventbus.Bus) {
	t.Helper()
	c := &clock{t: monday}
	st := storage.NewMemory()
	bus := eventbus.New()
	pred := timing.New(timing.Config{}, st, logx.Nop(), timing.WithClock(c.now))
	return New(Config{}, st, pred, bus, logx.Nop(), WithClock(c.now)), st, c, bus
}

func TestAddTimeSensitiveUsesDefaultSlot(t *testing.T) {
	q, _, _, bus := newQueue(t)
	events, unsub := bus.Subscribe(4, eventbus.EntryEnqueued)
	defer unsub()

	id, err := q.Add(context.Background(), AddRequest{
		ContentID: "c1", UserID: "u1", Platforms: []string{"twitter"}, TimeSensitive: true,
	})
	require.NoError(t, err)

	e, err := q.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 0.9, e.PriorityScore)
	assert.Equal(t, 0.10, e.DecayRate)
	assert.Equal(t, domain.StatusPending, e.Status)
	slot := e.Platforms["twitter"]
	assert.True(t, slot.IsDefaultTime)
	assert.Equal(t, domain.SlotPending, slot.Status)
	assert.Equal(t, time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC), slot.ScheduledTime)
	assert.Equal(t, slot.ScheduledTime, e.OptimalPublishTime)
	assert.Len(t, events, 1)
}

func TestAddPriorityAndDecayClasses(t *testing.T) {
	q, _, _, _ := newQueue(t)
	ctx := context.Background()

	id, err := q.Add(ctx, AddRequest{ContentID: "c", UserID: "u1", Platforms: []string{"reddit"}, Evergreen: true})
	require.NoError(t, err)
	e, _ := q.Get(ctx, id)
	assert.Equal(t, 0.4, e.PriorityScore)
	assert.Equal(t, 0.001, e.DecayRate)

	id, err = q.Add(ctx, AddRequest{ContentID: "c", UserID: "u1", Platforms: []string{"reddit"}})
	require.NoError(t, err)
	e, _ = q.Get(ctx, id)
	assert.Equal(t, 0.6, e.PriorityScore)
	assert.Equal(t, 0.05, e.DecayRate)

	p := 0.75
	at := monday.Add(2 * time.Hour)
	id, err = q.Add(ctx, AddRequest{ContentID: "c", UserID: "u1", Platforms: []string{"twitter", "linkedin"}, Priority: &p, ScheduledTime: &at})
	require.NoError(t, err)
	e, _ = q.Get(ctx, id)
	assert.Equal(t, 0.75, e.PriorityScore)
	assert.Equal(t, at, e.OptimalPublishTime)
	assert.False(t, e.Platforms["linkedin"].IsDefaultTime)
	assert.Equal(t, at, e.Platforms["linkedin"].ScheduledTime)
}

func TestAddEarliestSlotAcrossPlatforms(t *testing.T) {
	q, _, _, _ := newQueue(t)
	id, err := q.Add(context.Background(), AddRequest{ContentID: "c", UserID: "u1", Platforms: []string{"pinterest", "facebook"}})
	require.NoError(t, err)
	e, _ := q.Get(context.Background(), id)
	// facebook 13:00 today beats pinterest 21:00 today.
	assert.Equal(t, time.Date(2026, 3, 2, 13, 0, 0, 0, time.UTC), e.OptimalPublishTime)
}

func TestAddRejectsBadInput(t *testing.T) {
	q, st, _, _ := newQueue(t)
	ctx := context.Background()

	_, err := q.Add(ctx, AddRequest{ContentID: "c", UserID: "u1"})
	assert.True(t, domain.IsValidation(err))

	_, err = q.Add(ctx, AddRequest{ContentID: "c", UserID: "u1", Platforms: []string{"Twitter", "twitter"}})
	assert.True(t, domain.IsValidation(err))

	bad := 2.0
	_, err = q.Add(ctx, AddRequest{ContentID: "c", UserID: "u1", Platforms: []string{"twitter"}, Priority: &bad})
	assert.True(t, domain.IsValidation(err))

	all, err := st.ListEntries(ctx, storage.EntryFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestGetReadyOrdering(t *testing.T) {
	q, _, c, _ := newQueue(t)
	ctx := context.Background()
	add := func(prio float64, at time.Time) string {
		id, err := q.Add(ctx, AddRequest{ContentID: "c", UserID: "u1", Platforms: []string{"twitter"}, Priority: &prio, ScheduledTime: &at})
		require.NoError(t, err)
		return id
	}
	low := add(0.5, c.t.Add(-time.Hour))
	highLate := add(0.8, c.t.Add(10*time.Minute))
	highEarly := add(0.8, c.t.Add(-10*time.Minute))
	_ = add(0.99, c.t.Add(16*time.Minute))

	ready, err := q.GetReady(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, ready, 3)
	assert.Equal(t, []string{highEarly, highLate, low}, []string{ready[0].ID, ready[1].ID, ready[2].ID})

	ready, err = q.GetReady(ctx, "u1", 1)
	require.NoError(t, err)
	assert.Len(t, ready, 1)
}

func TestDecayMonotoneAndFloored(t *testing.T) {
	q, _, c, _ := newQueue(t)
	ctx := context.Background()
	id, err := q.Add(ctx, AddRequest{ContentID: "c", UserID: "u1", Platforms: []string{"twitter"}, TimeSensitive: true})
	require.NoError(t, err)

	n, err := q.DecayAll(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, n, "no elapsed time, nothing to decay")

	prev := 0.9
	for _, step := range []time.Duration{30 * time.Minute, time.Hour, 3 * time.Hour, 24 * time.Hour} {
		c.advance(step)
		_, err := q.DecayAll(ctx, "u1")
		require.NoError(t, err)
		e, _ := q.Get(ctx, id)
		assert.LessOrEqual(t, e.PriorityScore, prev)
		assert.GreaterOrEqual(t, e.PriorityScore, 0.05)
		prev = e.PriorityScore
	}
	assert.Equal(t, 0.05, prev)

	// Re-running at the same instant changes nothing.
	n, err = q.DecayAll(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestDecayFromCreation(t *testing.T) {
	q, _, c, _ := newQueue(t)
	ctx := context.Background()
	id, err := q.Add(ctx, AddRequest{ContentID: "c", UserID: "u1", Platforms: []string{"twitter"}})
	require.NoError(t, err)

	c.advance(2 * time.Hour)
	_, err = q.DecayAll(ctx, "u1")
	require.NoError(t, err)
	c.advance(2 * time.Hour)
	_, err = q.DecayAll(ctx, "u1")
	require.NoError(t, err)

	e, _ := q.Get(ctx, id)
	// 0.6 - 0.05*4h, regardless of the intermediate sweep.
	assert.InDelta(t, 0.4, e.PriorityScore, 1e-9)
}

func TestCancel(t *testing.T) {
	q, st, _, _ := newQueue(t)
	ctx := context.Background()
	id, err := q.Add(ctx, AddRequest{ContentID: "c", UserID: "u1", Platforms: []string{"twitter"}})
	require.NoError(t, err)

	ok, err := q.Cancel(ctx, id, "someone-else")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = q.Cancel(ctx, "missing", "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = q.Cancel(ctx, id, "u1")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = q.Cancel(ctx, id, "u1")
	require.NoError(t, err)
	assert.False(t, ok)

	pub, err := q.Add(ctx, AddRequest{ContentID: "c", UserID: "u1", Platforms: []string{"twitter"}})
	require.NoError(t, err)
	e, _ := st.GetEntry(ctx, pub)
	e.Status = domain.StatusPublished
	require.NoError(t, st.UpdateEntry(ctx, e))

	ok, err = q.Cancel(ctx, pub, "u1")
	require.NoError(t, err)
	assert.False(t, ok)
	e, _ = st.GetEntry(ctx, pub)
	assert.Equal(t, domain.StatusPublished, e.Status)
}

func TestApproveAndListing(t *testing.T) {
	q, _, c, _ := newQueue(t)
	ctx := context.Background()
	id, err := q.Add(ctx, AddRequest{ContentID: "c", UserID: "u1", Platforms: []string{"twitter"}, RequiresApproval: true})
	require.NoError(t, err)
	c.advance(time.Minute)
	_, err = q.Add(ctx, AddRequest{ContentID: "c2", UserID: "u1", Platforms: []string{"twitter"}})
	require.NoError(t, err)

	_, err = q.Approve(ctx, id, "")
	assert.True(t, domain.IsValidation(err))
	e, err := q.Approve(ctx, id, "editor")
	require.NoError(t, err)
	assert.True(t, e.Approved())
	assert.Equal(t, "editor", e.ApprovedBy)

	_, err = q.Approve(ctx, "missing", "editor")
	assert.True(t, domain.IsNotFound(err))

	list, err := q.ListForUser(ctx, "u1", "", 0, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "c2", list[0].ContentID)

	_, err = q.ListForUser(ctx, "u1", "bogus", 0, 0)
	assert.True(t, domain.IsValidation(err))

	users, err := q.UsersWithPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, users)
}
