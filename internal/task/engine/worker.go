package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync/atomic"
	"time"

	"covidwatch/internal/eventbus"
	logx "covidwatch/pkg/logx"
)

var errStale = errors.New("stale_queue_delay")

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case t := <-queue:
			atomic.AddInt32(&s.inFlight, 1)
			s.execOne(ctx, stopCh, t, rng)
			atomic.AddInt32(&s.inFlight, -1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, qt queuedTask, rng *rand.Rand) {
	start := time.Now()
	queueDelay := start.Sub(qt.enqueuedAt)
	if qt.enqueuedAt.IsZero() || queueDelay < 0 {
		queueDelay = 0
	}

	s.mu.Lock()
	maxDelay := s.cfg.MaxQueueDelay
	s.mu.Unlock()

	if maxDelay > 0 && queueDelay > maxDelay {
		s.onStaleDropped(start, qt.task, queueDelay)
		s.record(HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Error: errStale.Error()})
		qt.finish(errStale)
		return
	}
	if qt.begin != nil && !qt.begin() {
		// Cancelled while queued.
		qt.finish(nil)
		return
	}

	s.log.Debug("task.started", logx.String("task", qt.task.Name), logx.Duration("queue_delay", queueDelay))
	s.publish(eventbus.TaskStarted, start, TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay})

	retries := qt.opt.RetryMax
	if retries < 0 {
		retries = 0
	}

	var err error
	attempts := 0
attemptLoop:
	for attempt := 1; attempt <= 1+retries; attempt++ {
		attempts = attempt
		err = s.runOnce(ctx, qt)
		if err == nil {
			break
		}
		var nr noRetryError
		if errors.As(err, &nr) {
			err = nr.err
			break
		}
		if attempt > retries {
			break
		}

		delay := backoffDelay(qt.opt, attempt, rng)
		s.log.Debug("task retry scheduled", logx.String("task", qt.task.Name), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			err = ctx.Err()
			break attemptLoop
		case <-stopCh:
			tmr.Stop()
			err = ErrStopping
			break attemptLoop
		case <-tmr.C:
		}
	}

	dur := time.Since(start)
	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, Duration: dur, QueueDelay: queueDelay}
	ev := TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}
	if err != nil {
		item.Error = err.Error()
		ev.Error = item.Error
		s.log.Warn("task.failed", logx.String("task", qt.task.Name), logx.Err(err), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		s.publish(eventbus.TaskFailed, time.Now(), ev)
	} else {
		s.log.Debug("task.completed", logx.String("task", qt.task.Name), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		s.publish(eventbus.TaskFinished, time.Now(), ev)
	}
	s.record(item)
	qt.finish(err)
}

// runOnce runs a single attempt. Panics become errors so one bad task cannot
// kill a worker.
func (s *Service) runOnce(ctx context.Context, qt queuedTask) (err error) {
	runCtx := ctx
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = NoRetry(fmt.Errorf("panic: %v", r))
			s.log.Error("task.panic", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return qt.task.Run(runCtx)
}

func backoffDelay(opt TaskOptions, retry int, rng *rand.Rand) time.Duration {
	base := opt.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := opt.RetryMaxDelay
	if maxD <= 0 {
		maxD = 15 * time.Second
	}

	d := base
	for i := 1; i < retry && d < maxD; i++ {
		d *= 2
	}
	if opt.RetryJitter > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * opt.RetryJitter
		d = time.Duration(float64(d) * (1 + r))
	}
	if d < 0 {
		d = 0
	}
	if d > maxD {
		d = maxD
	}
	return d
}
