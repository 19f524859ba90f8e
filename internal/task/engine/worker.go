package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"time"

	"orbit/internal/eventbus"
	logx "orbit/pkg/logx"
)

func (s *Service) work(ctx context.Context, p *pool, idx int) {
	// Per-worker source keeps jitter off the shared generator.
	rng := rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), uint64(idx)))

	for {
		// A closed stop channel wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case qt := <-p.queue:
			s.inFlight.Add(1)
			s.run(ctx, p, qt, rng)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) run(ctx context.Context, p *pool, qt queued, rng *rand.Rand) {
	cfg := s.config()
	start := s.clock.Now()
	ev := TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Key: qt.task.Key, Started: start}
	if !qt.enqueuedAt.IsZero() {
		ev.QueueDelay = max(start.Sub(qt.enqueuedAt), 0)
	}
	defer s.forget(qt.gateKey, qt.gate)

	if cfg.MaxQueueDelay > 0 && ev.QueueDelay > cfg.MaxQueueDelay {
		ev.Error = "stale_queue_delay"
		s.onStale(ev)
		s.record(ev, cfg.HistorySize)
		qt.finish(ErrStale)
		return
	}

	log := s.log.With(logx.String("task", ev.Name), logx.String("key", ev.Key))
	log.Debug("task started", logx.Duration("queue_delay", ev.QueueDelay))
	eventbus.Publish(s.bus, EventStarted, ev)

	attempts, err := s.attempts(ctx, p, qt, rng, log)
	ev.Attempts = attempts
	ev.Duration = s.clock.Now().Sub(start)

	switch {
	case err != nil:
		ev.Error = err.Error()
		s.stats.failed.Add(1)
		log.Warn("task failed", logx.Err(err), logx.Duration("dur", ev.Duration), logx.Int("attempts", attempts))
		eventbus.Publish(s.bus, EventFailed, ev)
	case ev.Duration >= 750*time.Millisecond:
		s.stats.completed.Add(1)
		log.Info("task completed", logx.Duration("dur", ev.Duration), logx.Int("attempts", attempts))
		eventbus.Publish(s.bus, EventFinished, ev)
	default:
		s.stats.completed.Add(1)
		log.Debug("task completed", logx.Duration("dur", ev.Duration), logx.Int("attempts", attempts))
		eventbus.Publish(s.bus, EventFinished, ev)
	}
	s.record(ev, cfg.HistorySize)
	qt.finish(err)
}

// attempts runs qt until it succeeds, fails permanently or exhausts its
// retries. A wait between attempts is cut short by ctx or Stop.
func (s *Service) attempts(ctx context.Context, p *pool, qt queued, rng *rand.Rand, log logx.Logger) (int, error) {
	limit := 1 + qt.opt.RetryMax
	for n := 1; ; n++ {
		err := s.attempt(ctx, qt, n)
		if err == nil {
			return n, nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return n, perm.err
		}
		if n >= limit {
			return n, err
		}

		delay := retryDelay(qt.opt, n, err, rng)
		log.Debug("task retry scheduled", logx.Int("attempt", n+1), logx.Duration("delay", delay), logx.Err(err))
		if delay <= 0 {
			continue
		}
		if werr := sleep(ctx, p.stop, delay); werr != nil {
			return n, fmt.Errorf("%w: %w", err, werr)
		}
	}
}

// attempt converts a panic into an error so one bad task cannot take a
// worker down.
func (s *Service) attempt(ctx context.Context, qt queued, n int) (err error) {
	runCtx := withAttempt(ctx, n)
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, qt.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task panicked", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return qt.task.Run(runCtx)
}

func sleep(ctx context.Context, stop <-chan struct{}, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-stop:
		return ErrStopping
	case <-t.C:
		return nil
	}
}

// retryDelay honours a RetryAfter hint on err and otherwise backs off.
func retryDelay(opt TaskOptions, retry int, err error, rng *rand.Rand) time.Duration {
	if d, ok := retryHint(err); ok {
		return jitter(capDelay(d, opt.RetryMaxDelay), opt, rng)
	}
	return backoff(opt, retry, rng)
}

// backoff doubles RetryBase per retry: base, 2*base, 4*base, ...
func backoff(opt TaskOptions, retry int, rng *rand.Rand) time.Duration {
	d := opt.RetryBase
	if d <= 0 {
		d = defaultRetryBase
	}
	for i := 1; i < retry && (opt.RetryMaxDelay <= 0 || d < opt.RetryMaxDelay); i++ {
		d *= 2
	}
	return jitter(capDelay(d, opt.RetryMaxDelay), opt, rng)
}

func jitter(d time.Duration, opt TaskOptions, rng *rand.Rand) time.Duration {
	if opt.RetryJitter <= 0 || d <= 0 || rng == nil {
		return d
	}
	f := 1 + (rng.Float64()*2-1)*opt.RetryJitter
	return capDelay(max(time.Duration(float64(d)*f), 0), opt.RetryMaxDelay)
}

func capDelay(d, limit time.Duration) time.Duration {
	if limit > 0 && d > limit {
		return limit
	}
	return d
}
