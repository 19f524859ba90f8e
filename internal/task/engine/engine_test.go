package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orbit/internal/eventbus"
	logx "orbit/pkg/logx"
)

func startEngine(t *testing.T, cfg Config, bus eventbus.Bus) *Service {
	t.Helper()
	cfg.Enabled = true
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitDone(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("task did not finish")
		return nil
	}
}

func TestEnqueueDisabledAndStopped(t *testing.T) {
	s := New(Config{}, logx.Nop(), nil)
	err := s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrDisabled)

	s = New(Config{Enabled: true}, logx.Nop(), nil)
	err = s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestEnqueueValidation(t *testing.T) {
	s := startEngine(t, Config{Workers: 1}, nil)
	assert.Error(t, s.Enqueue(Task{Name: "x"}))
	assert.Error(t, s.Enqueue(Task{Name: "  ", Run: func(context.Context) error { return nil }}))
}

func TestRetriesUntilSuccess(t *testing.T) {
	s := startEngine(t, Config{Workers: 1, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}, nil)

	var seen []int
	var mu sync.Mutex
	done := make(chan error, 1)
	err := s.Enqueue(Task{
		Name: "flaky",
		Run: func(ctx context.Context) error {
			mu.Lock()
			seen = append(seen, Attempt(ctx))
			n := len(seen)
			mu.Unlock()
			if n < 3 {
				return errors.New("boom")
			}
			return nil
		},
		OnDone: func(err error) { done <- err },
	})
	require.NoError(t, err)
	require.NoError(t, waitDone(t, done))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, seen)

	h := s.Snapshot().History
	require.Len(t, h, 1)
	assert.Equal(t, 3, h[0].Attempts)
	assert.Empty(t, h[0].Error)
}

func TestRetriesExhausted(t *testing.T) {
	s := startEngine(t, Config{Workers: 1, RetryMax: 2, RetryBase: time.Millisecond}, nil)

	var calls atomic.Int32
	done := make(chan error, 1)
	require.NoError(t, s.Enqueue(Task{
		Name:   "always-fails",
		Run:    func(context.Context) error { calls.Add(1); return errors.New("down") },
		OnDone: func(err error) { done <- err },
	}))
	err := waitDone(t, done)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "down")
	assert.Equal(t, int32(3), calls.Load())
}

func TestNoRetryStopsImmediately(t *testing.T) {
	s := startEngine(t, Config{Workers: 1, RetryBase: time.Millisecond}, nil)

	sentinel := errors.New("not found")
	var calls atomic.Int32
	done := make(chan error, 1)
	require.NoError(t, s.Enqueue(Task{
		Name:   "permanent",
		Run:    func(context.Context) error { calls.Add(1); return NoRetry(sentinel) },
		OnDone: func(err error) { done <- err },
	}))
	err := waitDone(t, done)
	assert.ErrorIs(t, err, sentinel)
	assert.False(t, IsNoRetry(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestNegativeRetryMaxDisablesRetries(t *testing.T) {
	s := startEngine(t, Config{Workers: 1, RetryBase: time.Millisecond}, nil)

	var calls atomic.Int32
	done := make(chan error, 1)
	require.NoError(t, s.Enqueue(Task{
		Name:   "once",
		Opt:    TaskOptions{RetryMax: -1},
		Run:    func(context.Context) error { calls.Add(1); return errors.New("x") },
		OnDone: func(err error) { done <- err },
	}))
	require.Error(t, waitDone(t, done))
	assert.Equal(t, int32(1), calls.Load())
}

func TestSkipIfRunningByKey(t *testing.T) {
	bus := eventbus.New()
	skipped, unsub := bus.Subscribe(4, EventSkipped)
	defer unsub()
	s := startEngine(t, Config{Workers: 2}, bus)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	require.NoError(t, s.Enqueue(Task{
		Name: "orchestrate",
		Key:  "entry-1",
		Opt:  TaskOptions{Overlap: OverlapSkipIfRunning},
		Run: func(context.Context) error {
			close(started)
			<-release
			return nil
		},
		OnDone: func(err error) { done <- err },
	}))
	<-started
	assert.True(t, s.Running("entry-1"))

	err := s.Enqueue(Task{
		Name: "orchestrate",
		Key:  "entry-1",
		Opt:  TaskOptions{Overlap: OverlapSkipIfRunning},
		Run:  func(context.Context) error { return nil },
	})
	assert.ErrorIs(t, err, ErrOverlapSkip)

	// A different key is not gated.
	other := make(chan error, 1)
	require.NoError(t, s.Enqueue(Task{
		Name:   "orchestrate",
		Key:    "entry-2",
		Opt:    TaskOptions{Overlap: OverlapSkipIfRunning},
		Run:    func(context.Context) error { return nil },
		OnDone: func(err error) { other <- err },
	}))
	require.NoError(t, waitDone(t, other))

	select {
	case ev := <-skipped:
		assert.Equal(t, "entry-1", ev.Data.(TaskEvent).Key)
	case <-time.After(time.Second):
		t.Fatal("missing skip event")
	}

	close(release)
	require.NoError(t, waitDone(t, done))
	assert.Eventually(t, func() bool { return !s.Running("entry-1") }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(1), s.Snapshot().Skipped)
}

func TestPanicBecomesError(t *testing.T) {
	s := startEngine(t, Config{Workers: 1}, nil)
	done := make(chan error, 1)
	require.NoError(t, s.Enqueue(Task{
		Name:   "panics",
		Opt:    TaskOptions{RetryMax: -1},
		Run:    func(context.Context) error { panic("bad") },
		OnDone: func(err error) { done <- err },
	}))
	err := waitDone(t, done)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic: bad")

	// The worker survives.
	again := make(chan error, 1)
	require.NoError(t, s.Enqueue(Task{Name: "ok", Run: func(context.Context) error { return nil }, OnDone: func(err error) { again <- err }}))
	assert.NoError(t, waitDone(t, again))
}

func TestAttemptTimeout(t *testing.T) {
	s := startEngine(t, Config{Workers: 1}, nil)
	done := make(chan error, 1)
	require.NoError(t, s.Enqueue(Task{
		Name:    "slow",
		Timeout: 20 * time.Millisecond,
		Opt:     TaskOptions{RetryMax: -1},
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		OnDone: func(err error) { done <- err },
	}))
	assert.ErrorIs(t, waitDone(t, done), context.DeadlineExceeded)
}

func TestQueueFull(t *testing.T) {
	s := startEngine(t, Config{Workers: 1, QueueSize: 1}, nil)

	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, s.Enqueue(Task{Name: "a", Run: func(context.Context) error { close(started); <-block; return nil }}))
	<-started
	require.NoError(t, s.Enqueue(Task{Name: "b", Run: func(context.Context) error { return nil }}))
	err := s.Enqueue(Task{Name: "c", Run: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, uint64(1), s.Snapshot().DroppedQueueFull)
	close(block)
}

func TestStopDrainsQueuedTasks(t *testing.T) {
	s := New(Config{Enabled: true, Workers: 1, QueueSize: 4}, logx.Nop(), nil)
	s.Start(context.Background())

	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, s.Enqueue(Task{Name: "a", Run: func(ctx context.Context) error {
		close(started)
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil
	}}))
	<-started
	queued := make(chan error, 1)
	require.NoError(t, s.Enqueue(Task{Name: "b", Run: func(context.Context) error { return nil }, OnDone: func(err error) { queued <- err }}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	close(block)

	assert.ErrorIs(t, waitDone(t, queued), ErrStopping)
	assert.ErrorIs(t, s.Enqueue(Task{Name: "c", Run: func(context.Context) error { return nil }}), ErrStopped)
}

func TestBackoff(t *testing.T) {
	opt := TaskOptions{RetryBase: 30 * time.Second, RetryMaxDelay: 10 * time.Minute}
	assert.Equal(t, 30*time.Second, backoff(opt, 1, nil))
	assert.Equal(t, 60*time.Second, backoff(opt, 2, nil))
	assert.Equal(t, 120*time.Second, backoff(opt, 3, nil))

	opt.RetryMaxDelay = 45 * time.Second
	assert.Equal(t, 45*time.Second, backoff(opt, 3, nil))

	opt.RetryJitter = 0.2
	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 50; i++ {
		d := backoff(TaskOptions{RetryBase: time.Second, RetryMaxDelay: time.Minute, RetryJitter: 0.2}, 1, rng)
		assert.GreaterOrEqual(t, d, 800*time.Millisecond)
		assert.LessOrEqual(t, d, 1200*time.Millisecond)
	}
}

func TestBackoffHonoursRetryAfter(t *testing.T) {
	opt := TaskOptions{RetryBase: time.Second, RetryMaxDelay: time.Minute}
	err := RetryAfter(errors.New("429"), 7*time.Second)
	assert.Equal(t, 7*time.Second, retryDelay(opt, 1, err, nil))

	err = RetryAfter(errors.New("429"), time.Hour)
	assert.Equal(t, time.Minute, retryDelay(opt, 1, err, nil))
	assert.Nil(t, RetryAfter(nil, time.Second))
}

func TestDefaultTaskOptions(t *testing.T) {
	opt := DefaultTaskOptions(Config{})
	assert.Equal(t, 3, opt.RetryMax)
	assert.Equal(t, 30*time.Second, opt.RetryBase)
	assert.Equal(t, OverlapAllow, opt.Overlap)
}

func TestCountersAndHistory(t *testing.T) {
	s := startEngine(t, Config{Workers: 1, HistorySize: 2}, nil)
	for i, fail := range []bool{false, true, false} {
		done := make(chan error, 1)
		require.NoError(t, s.Enqueue(Task{
			Name: fmt.Sprintf("t%d", i),
			Opt:  TaskOptions{RetryMax: -1},
			Run: func(context.Context) error {
				if fail {
					return errors.New("x")
				}
				return nil
			},
			OnDone: func(err error) { done <- err },
		}))
		waitDone(t, done)
	}
	snap := s.Snapshot()
	assert.Equal(t, uint64(2), snap.Completed)
	assert.Equal(t, uint64(1), snap.Failed)
	require.Len(t, snap.History, 2)
	assert.Equal(t, "t1", snap.History[0].Name)
	assert.Equal(t, "x", snap.History[0].Error)
	assert.NotEmpty(t, snap.History[1].ID)
}

func TestStaleTaskDropped(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	s := New(Config{Enabled: true, Workers: 1, MaxQueueDelay: time.Minute}, logx.Nop(), nil, WithClock(clock))
	s.Start(context.Background())
	defer s.Stop(context.Background())

	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, s.Enqueue(Task{Name: "a", Run: func(context.Context) error { close(started); <-block; return nil }}))
	<-started

	var ran atomic.Bool
	done := make(chan error, 1)
	require.NoError(t, s.Enqueue(Task{
		Name:   "b",
		Run:    func(context.Context) error { ran.Store(true); return nil },
		OnDone: func(err error) { done <- err },
	}))
	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()
	close(block)

	assert.ErrorIs(t, waitDone(t, done), ErrStale)
	assert.False(t, ran.Load())
	assert.Equal(t, uint64(1), s.Snapshot().DroppedStale)
}

func TestGateReleasedAfterRetries(t *testing.T) {
	s := startEngine(t, Config{Workers: 1, RetryMax: 1}, nil)
	done := make(chan error, 1)
	require.NoError(t, s.Enqueue(Task{
		Name: "orchestrate",
		Key:  "entry-9",
		Opt:  TaskOptions{Overlap: OverlapSkipIfRunning},
		Run: func(ctx context.Context) error {
			if Attempt(ctx) == 1 {
				return RetryAfter(errors.New("breaker open"), time.Millisecond)
			}
			return nil
		},
		OnDone: func(err error) { done <- err },
	}))
	require.NoError(t, waitDone(t, done))
	assert.Eventually(t, func() bool { return !s.Running("entry-9") }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, s.Snapshot().History[0].Attempts)
}
