package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitCtx(t *testing.T, d time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}

func TestGoRecordsFirstError(t *testing.T) {
	s := NewSupervisor(context.Background())
	s.Go("ok", func(context.Context) error { return nil })
	s.Go("bad", func(context.Context) error { return errors.New("boom") })

	err := s.Wait(waitCtx(t, time.Second))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad: boom")

	c := s.Counters()
	assert.Equal(t, uint64(2), c.Started)
	assert.Equal(t, int64(0), c.Active)
}

func TestGoRecoversPanicAndCancels(t *testing.T) {
	s := NewSupervisor(context.Background(), WithCancelOnError(true))
	s.Go("panics", func(context.Context) error { panic("oops") })
	s.Go("waits", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	err := s.Wait(waitCtx(t, time.Second))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic: oops")

	snap := s.Snapshot()
	assert.Equal(t, uint64(1), snap.Panics)
	require.Len(t, snap.Routines, 2)
	// Both stopped, so the order falls back to the name.
	assert.Equal(t, "panics", snap.Routines[0].Name)
	assert.Equal(t, uint64(1), snap.Routines[0].Panics)
	assert.Equal(t, "oops", snap.Routines[0].LastPanic)
	assert.Empty(t, snap.Routines[1].LastErr)
}

func TestSnapshotListsRunningFirst(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var ticks atomic.Int64
	clock := func() time.Time { return base.Add(time.Duration(ticks.Add(1)) * time.Second) }

	s := NewSupervisor(context.Background(), WithClock(clock))
	s.Go("a.done", func(context.Context) error { return nil })
	require.Eventually(t, func() bool { return s.Counters().Active == 0 }, time.Second, 5*time.Millisecond)
	s.Go("z.loop", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	require.Eventually(t, func() bool { return s.Counters().Active == 1 }, time.Second, 5*time.Millisecond)

	snap := s.Snapshot()
	require.Len(t, snap.Routines, 2)
	assert.Equal(t, "z.loop", snap.Routines[0].Name)
	assert.Equal(t, int64(1), snap.Routines[0].Active)
	assert.Equal(t, time.Second, snap.Routines[1].Uptime)
	assert.False(t, snap.Routines[1].StoppedAt.IsZero())

	require.NoError(t, s.Stop(waitCtx(t, time.Second)))
}

func TestGoRestartUntilClean(t *testing.T) {
	s := NewSupervisor(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", func(context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond), WithPublishFirstError(true))

	err := s.Wait(waitCtx(t, 2*time.Second))
	require.Error(t, err)
	assert.Equal(t, int32(3), runs.Load())

	snap := s.Snapshot()
	require.Len(t, snap.Routines, 1)
	assert.Equal(t, uint64(3), snap.Routines[0].Runs)
	assert.Equal(t, uint64(2), snap.Routines[0].Restarts)
	assert.Equal(t, uint64(2), snap.Restarts)
	assert.Contains(t, snap.FirstError, "transient")
}

func TestGoRestartGivesUp(t *testing.T) {
	s := NewSupervisor(context.Background())
	var runs atomic.Int32
	s.GoRestart("broken", func(context.Context) error {
		runs.Add(1)
		return errors.New("down")
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2))

	require.Error(t, s.Wait(waitCtx(t, 2*time.Second)))
	assert.Equal(t, int32(3), runs.Load())
}

func TestRestartDelay(t *testing.T) {
	p := restartPolicy{min: 100 * time.Millisecond, max: time.Second}

	next, wait := p.delay(0, time.Millisecond)
	assert.Equal(t, 100*time.Millisecond, next)
	assert.GreaterOrEqual(t, wait, next)
	assert.LessOrEqual(t, wait, 120*time.Millisecond)

	next, _ = p.delay(800*time.Millisecond, time.Millisecond)
	assert.Equal(t, time.Second, next)

	next, _ = p.delay(time.Second, healthyRun)
	assert.Equal(t, 100*time.Millisecond, next)
}

func TestStopCancelsContext(t *testing.T) {
	s := NewSupervisor(context.Background())
	s.GoRestart("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.NoError(t, s.Stop(waitCtx(t, time.Second)))
}
