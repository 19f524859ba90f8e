package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orbit/internal/anomaly"
	"orbit/internal/domain"
	"orbit/internal/lock"
	"orbit/internal/orchestrator"
	"orbit/internal/task/engine"
	logx "orbit/pkg/logx"
)

type fakeQueue struct {
	ready   map[string][]*domain.QueueEntry
	decayed map[string]int
	err     error
}

func (q *fakeQueue) UsersWithPending(context.Context) ([]string, error) {
	if q.err != nil {
		return nil, q.err
	}
	users := make([]string, 0, len(q.ready))
	for u := range q.ready {
		users = append(users, u)
	}
	return users, nil
}

func (q *fakeQueue) GetReady(_ context.Context, userID string, limit int) ([]*domain.QueueEntry, error) {
	r := q.ready[userID]
	if len(r) > limit {
		r = r[:limit]
	}
	return r, nil
}

func (q *fakeQueue) DecayAll(_ context.Context, userID string) (int, error) {
	return q.decayed[userID], nil
}

type fakeOrch struct {
	mu       sync.Mutex
	outcomes []domain.SlotStatus
	errMsg   string
	err      error
	calls    int
	retries  int
	block    chan struct{}
}

func (o *fakeOrch) Orchestrate(ctx context.Context, entryID string) (map[string]orchestrator.PlatformResult, error) {
	if o.block != nil {
		select {
		case <-o.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	if o.err != nil {
		return nil, o.err
	}
	st := domain.SlotSuccess
	if len(o.outcomes) > 0 {
		st = o.outcomes[0]
		o.outcomes = o.outcomes[1:]
	}
	res := orchestrator.PlatformResult{Status: st}
	if st == domain.SlotFailed {
		res.Error = o.errMsg
	}
	return map[string]orchestrator.PlatformResult{"telegram": res}, nil
}

func (o *fakeOrch) PrepareRetry(context.Context, string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retries++
	return true, nil
}

func (o *fakeOrch) counts() (int, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls, o.retries
}

func newEngine(t *testing.T) *engine.Service {
	t.Helper()
	eng := engine.New(engine.Config{Enabled: true, Workers: 2, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond}, logx.Nop(), nil)
	eng.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		eng.Stop(ctx)
	})
	return eng
}

func entries(ids ...string) []*domain.QueueEntry {
	out := make([]*domain.QueueEntry, 0, len(ids))
	for _, id := range ids {
		out = append(out, &domain.QueueEntry{ID: id, UserID: "u1", Status: domain.StatusPending})
	}
	return out
}

func claimFree(t *testing.T, l lock.Locker, id string) bool {
	t.Helper()
	lease, err := l.TryLock(context.Background(), lock.EntryKey(id), time.Minute)
	if err != nil {
		return false
	}
	require.NoError(t, lease.Release(context.Background()))
	return true
}

func TestDispatchSubmitsAndReleasesClaims(t *testing.T) {
	locker := lock.NewMemory(nil)
	orch := &fakeOrch{}
	d := New(Config{}, Deps{
		Queue:        &fakeQueue{ready: map[string][]*domain.QueueEntry{"u1": entries("e1", "e2")}},
		Orchestrator: orch,
		Locker:       locker,
		Executor:     newEngine(t),
	}, logx.Nop())

	n, err := d.Dispatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.Eventually(t, func() bool {
		calls, _ := orch.counts()
		return calls == 2 && claimFree(t, locker, "e1") && claimFree(t, locker, "e2")
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDispatchSkipsClaimedEntries(t *testing.T) {
	locker := lock.NewMemory(nil)
	held, err := locker.TryLock(context.Background(), lock.EntryKey("e1"), time.Minute)
	require.NoError(t, err)
	defer held.Release(context.Background())

	orch := &fakeOrch{}
	d := New(Config{}, Deps{
		Queue:        &fakeQueue{ready: map[string][]*domain.QueueEntry{"u1": entries("e1")}},
		Orchestrator: orch,
		Locker:       locker,
		Executor:     newEngine(t),
	}, logx.Nop())

	n, err := d.Dispatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	calls, _ := orch.counts()
	assert.Equal(t, 0, calls)
}

func TestDispatchDoesNotDoubleSubmitRunningEntry(t *testing.T) {
	locker := lock.NewMemory(nil)
	orch := &fakeOrch{block: make(chan struct{})}
	d := New(Config{}, Deps{
		Queue:        &fakeQueue{ready: map[string][]*domain.QueueEntry{"u1": entries("e1")}},
		Orchestrator: orch,
		Locker:       locker,
		Executor:     newEngine(t),
	}, logx.Nop())

	n, err := d.Dispatch(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = d.Dispatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = d.PublishNow(context.Background(), "e1")
	assert.ErrorIs(t, err, ErrBusy)

	close(orch.block)
	require.Eventually(t, func() bool { return claimFree(t, locker, "e1") }, 2*time.Second, 5*time.Millisecond)
	calls, _ := orch.counts()
	assert.Equal(t, 1, calls)
}

func TestFailedPassIsRetriedAfterReset(t *testing.T) {
	locker := lock.NewMemory(nil)
	orch := &fakeOrch{outcomes: []domain.SlotStatus{domain.SlotFailed, domain.SlotFailed, domain.SlotSuccess}}
	d := New(Config{}, Deps{
		Queue:        &fakeQueue{ready: map[string][]*domain.QueueEntry{"u1": entries("e1")}},
		Orchestrator: orch,
		Locker:       locker,
		Executor:     newEngine(t),
	}, logx.Nop())

	_, err := d.Dispatch(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		calls, _ := orch.counts()
		return calls == 3 && claimFree(t, locker, "e1")
	}, 2*time.Second, 5*time.Millisecond)
	_, retries := orch.counts()
	assert.Equal(t, 2, retries)
}

func TestRetriesExhaustedAfterThree(t *testing.T) {
	locker := lock.NewMemory(nil)
	orch := &fakeOrch{outcomes: []domain.SlotStatus{domain.SlotFailed, domain.SlotFailed, domain.SlotFailed, domain.SlotFailed, domain.SlotFailed}}
	d := New(Config{}, Deps{
		Queue:        &fakeQueue{ready: map[string][]*domain.QueueEntry{"u1": entries("e1")}},
		Orchestrator: orch,
		Locker:       locker,
		Executor:     newEngine(t),
	}, logx.Nop())

	_, err := d.Dispatch(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return claimFree(t, locker, "e1") }, 2*time.Second, 5*time.Millisecond)
	calls, retries := orch.counts()
	assert.Equal(t, 4, calls)
	assert.Equal(t, 3, retries)
}

func TestOpenBreakerRetriesAfterBreakerDelay(t *testing.T) {
	eng := engine.New(engine.Config{Enabled: true, Workers: 1, RetryBase: time.Hour, RetryMaxDelay: 2 * time.Hour}, logx.Nop(), nil)
	eng.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		eng.Stop(ctx)
	})

	locker := lock.NewMemory(nil)
	orch := &fakeOrch{
		outcomes: []domain.SlotStatus{domain.SlotFailed, domain.SlotSuccess},
		errMsg:   "publish to telegram: circuit open: circuit breaker open",
	}
	d := New(Config{BreakerDelay: time.Millisecond}, Deps{
		Queue:        &fakeQueue{ready: map[string][]*domain.QueueEntry{"u1": entries("e1")}},
		Orchestrator: orch,
		Locker:       locker,
		Executor:     eng,
	}, logx.Nop())

	_, err := d.Dispatch(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		calls, _ := orch.counts()
		return calls == 2 && claimFree(t, locker, "e1")
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRunPassClassifiesErrors(t *testing.T) {
	d := New(Config{}, Deps{Orchestrator: &fakeOrch{err: domain.NotFound("entry", "x")}}, logx.Nop())
	err := d.runPass(context.Background(), "x")
	assert.True(t, engine.IsNoRetry(err))
	assert.True(t, domain.IsNotFound(err))

	d = New(Config{}, Deps{Orchestrator: &fakeOrch{err: errors.New("db down")}}, logx.Nop())
	err = d.runPass(context.Background(), "x")
	require.Error(t, err)
	assert.False(t, engine.IsNoRetry(err))

	d = New(Config{}, Deps{Orchestrator: &fakeOrch{outcomes: []domain.SlotStatus{domain.SlotFailed}}}, logx.Nop())
	assert.Error(t, d.runPass(context.Background(), "x"))

	// A deferred pass waits for the next dispatch, not for a retry.
	d = New(Config{}, Deps{Orchestrator: &fakeOrch{outcomes: []domain.SlotStatus{domain.SlotPending}}}, logx.Nop())
	assert.NoError(t, d.runPass(context.Background(), "x"))
}

func TestPublishNowRunsSynchronously(t *testing.T) {
	locker := lock.NewMemory(nil)
	orch := &fakeOrch{}
	d := New(Config{}, Deps{Orchestrator: orch, Locker: locker}, logx.Nop())

	res, err := d.PublishNow(context.Background(), "e9")
	require.NoError(t, err)
	assert.Equal(t, domain.SlotSuccess, res["telegram"].Status)
	assert.True(t, claimFree(t, locker, "e9"))

	orch.err = domain.NotFound("entry", "missing")
	_, err = d.PublishNow(context.Background(), "missing")
	assert.True(t, domain.IsNotFound(err))
}

func TestDecaySumsAcrossUsers(t *testing.T) {
	d := New(Config{}, Deps{Queue: &fakeQueue{
		ready:   map[string][]*domain.QueueEntry{"u1": nil, "u2": nil},
		decayed: map[string]int{"u1": 3, "u2": 4},
	}}, logx.Nop())
	n, err := d.Decay(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	d = New(Config{}, Deps{Queue: &fakeQueue{err: errors.New("boom")}}, logx.Nop())
	_, err = d.Decay(context.Background())
	assert.Error(t, err)
}

type fakeDetector struct {
	mu        sync.Mutex
	platforms []string
	days      int
}

func (f *fakeDetector) Detect(_ context.Context, platform string, days int) ([]anomaly.Change, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.platforms = append(f.platforms, platform)
	f.days = days
	if platform == "twitter" {
		return []anomaly.Change{{Platform: platform, Metric: "engagement_rate"}}, nil
	}
	return nil, nil
}

type fakeRepublisher struct{ user *string }

func (f fakeRepublisher) RepublishDue(_ context.Context, userID string) (int, error) {
	*f.user = userID
	return 2, nil
}

func TestSweeps(t *testing.T) {
	det := &fakeDetector{}
	var user = "unset"
	d := New(Config{Platforms: []string{"twitter", "linkedin"}}, Deps{Detector: det, Republisher: fakeRepublisher{user: &user}}, logx.Nop())

	n, err := d.DetectAnomalies(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"twitter", "linkedin"}, det.platforms)
	assert.Equal(t, 30, det.days)

	n, err = d.RepublishEvergreen(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "", user)
}

type recordingScheduler struct{ specs map[string]string }

func (r *recordingScheduler) Add(name, schedule string, _ time.Duration, _ func(context.Context) error) error {
	r.specs[name] = schedule
	return nil
}

func TestRegister(t *testing.T) {
	s := &recordingScheduler{specs: map[string]string{}}
	d := New(Config{DispatchSchedule: "*/5 * * * *"}, Deps{Detector: &fakeDetector{}, Republisher: fakeRepublisher{user: new(string)}}, logx.Nop())
	require.NoError(t, d.Register(s))
	assert.Equal(t, map[string]string{
		JobDecay:     "@hourly",
		JobDispatch:  "*/5 * * * *",
		JobAnomaly:   "0 6 * * *",
		JobEvergreen: "0 7 * * *",
	}, s.specs)

	s = &recordingScheduler{specs: map[string]string{}}
	require.NoError(t, New(Config{}, Deps{}, logx.Nop()).Register(s))
	assert.Len(t, s.specs, 2)
}
