package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"covidwatch/internal/eventbus"
	rtsup "covidwatch/internal/runtime/supervisor"
	logx "covidwatch/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q        chan queuedTask
	inFlight int32

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	stateMu sync.Mutex
	states  map[string]*RunState

	tmu    sync.Mutex
	timers map[string]*Timer

	hmu     sync.Mutex
	history []HistoryItem

	idSeq uint64

	dropped          uint64
	droppedQueueFull uint64
	droppedStale     uint64

	lastQueueFullWarnAt int64
	lastStaleWarnAt     int64
}

type queuedTask struct {
	task Task

	enqueuedAt time.Time
	timeout    time.Duration
	opt        TaskOptions

	state *RunState
	track bool

	// begin is consulted right before the first attempt; false skips the task.
	begin func() bool
	// after receives the final result, including drops.
	after func(error)
}

func (qt queuedTask) finish(err error) {
	if qt.track && qt.state != nil {
		qt.state.release()
	}
	if qt.after != nil {
		qt.after(err)
	}
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	return &Service{
		cfg:    cfg,
		log:    log,
		bus:    bus,
		states: make(map[string]*RunState),
		timers: make(map[string]*Timer),
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Supervisor returns the worker supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	return sup
}

// Apply swaps the config. Worker or queue size changes restart the workers;
// pending timers survive the restart.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	switch {
	case running && !cfg.Enabled:
		s.stopWorkers(ctx)
	case running && (prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize):
		s.stopWorkers(ctx)
		s.Start(ctx)
	case !running && cfg.Enabled && !prev.Enabled:
		s.Start(ctx)
	}
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cfg := s.cfg
	if !cfg.Enabled {
		s.mu.Unlock()
		return
	}

	// Start is idempotent; a concurrent stop is waited out first.
	if s.stopCh != nil {
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	s.q = make(chan queuedTask, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	stopCh := s.stopCh
	queue := s.q
	workers := cfg.Workers
	atomic.StoreInt32(&s.inFlight, 0)

	s.sup = rtsup.New(context.WithoutCancel(ctx),
		rtsup.WithLogger(s.log.With(logx.String("comp", "taskengine"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.worker(c, stopCh, queue)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}

	s.log.Info("task engine started", logx.Int("workers", workers), logx.Int("queue", cap(queue)))
}

// Stop cancels every pending timer and stops the workers. Tasks still in
// the queue are reported as stopped.
func (s *Service) Stop(ctx context.Context) {
	for _, t := range s.liveTimers() {
		t.Cancel()
	}
	s.stopWorkers(ctx)
}

func (s *Service) stopWorkers(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	queue := s.q
	s.mu.Unlock()

	if sup != nil {
		sup.Cancel()
	}

	go func() {
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.q = nil
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
		// Enqueue no longer sees this queue, so draining cannot race producers.
	drain:
		for {
			select {
			case qt := <-queue:
				qt.finish(ErrStopped)
			default:
				break drain
			}
		}
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("task engine stopped")
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}
}

// Enqueue queues a task without blocking. A full queue drops the task.
func (s *Service) Enqueue(t Task) error {
	return s.enqueue(t, nil, nil)
}

func (s *Service) enqueue(t Task, begin func() bool, after func(error)) error {
	if t.Run == nil {
		return fmt.Errorf("task Run is nil")
	}
	name := strings.TrimSpace(t.Name)
	if name == "" {
		return fmt.Errorf("task Name is required")
	}
	t.Name = name

	now := time.Now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = s.newID("tsk", now)
	}

	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	stopCh := s.stopCh
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if err := admit(cfg, q != nil && stopCh != nil, stopping); err != nil {
		return err
	}

	timeout := t.Timeout
	if timeout <= 0 && cfg.DefaultTimeout > 0 {
		timeout = cfg.DefaultTimeout
	}
	opt := t.Opt.withDefaults(cfg)

	st := t.State
	if st == nil {
		st = s.stateFor(t.Name)
	}
	track := false
	if opt.Overlap == OverlapSkipIfRunning {
		track = true
		if !st.tryAcquire() {
			s.publish(eventbus.TaskSkipped, now, TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "overlap_skip"})
			s.log.Debug("task skipped due to overlap", logx.String("task", t.Name), logx.String("id", t.ID))
			return ErrOverlapSkip
		}
	}

	qt := queuedTask{task: t, enqueuedAt: now, timeout: timeout, opt: opt, state: st, track: track, begin: begin, after: after}
	select {
	case q <- qt:
		return nil
	default:
		if track {
			st.release()
		}
		s.onQueueFullDropped(now, t, q)
		return ErrQueueFull
	}
}

func admit(cfg Config, running, stopping bool) error {
	switch {
	case !cfg.Enabled:
		return ErrDisabled
	case !running:
		return ErrStopped
	case stopping:
		return ErrStopping
	}
	return nil
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	s.mu.Unlock()

	ql, qc := 0, 0
	if q != nil {
		ql, qc = len(q), cap(q)
	}

	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	return Snapshot{
		Enabled:          cfg.Enabled,
		Workers:          cfg.Workers,
		QueueLen:         ql,
		QueueCap:         qc,
		InFlight:         int(atomic.LoadInt32(&s.inFlight)),
		Dropped:          atomic.LoadUint64(&s.dropped),
		DroppedQueueFull: atomic.LoadUint64(&s.droppedQueueFull),
		DroppedStale:     atomic.LoadUint64(&s.droppedStale),
		DefaultTimeout:   cfg.DefaultTimeout,
		MaxQueueDelay:    cfg.MaxQueueDelay,
		RetryMax:         cfg.RetryMax,
		Timers:           s.Pending(),
		History:          h,
	}
}

func (s *Service) stateFor(name string) *RunState {
	key := strings.TrimSpace(name)
	if key == "" {
		key = "default"
	}
	s.stateMu.Lock()
	st := s.states[key]
	if st == nil {
		st = &RunState{}
		s.states[key] = st
	}
	s.stateMu.Unlock()
	return st
}

func (s *Service) newID(prefix string, now time.Time) string {
	seq := atomic.AddUint64(&s.idSeq, 1)
	return fmt.Sprintf("%s-%x-%x", prefix, now.UnixNano(), seq)
}

func (s *Service) publish(typ string, at time.Time, ev TaskEvent) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: ev})
	}
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()
	if size <= 0 {
		size = 200
	}
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

func (s *Service) shouldWarn(last *int64, now time.Time) bool {
	prev := atomic.LoadInt64(last)
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return atomic.CompareAndSwapInt64(last, prev, n)
}

func (s *Service) onQueueFullDropped(now time.Time, t Task, q chan queuedTask) {
	atomic.AddUint64(&s.dropped, 1)
	atomic.AddUint64(&s.droppedQueueFull, 1)
	s.publish(eventbus.TaskDropped, now, TaskEvent{ID: t.ID, Name: t.Name, Started: now, Error: "queue_full"})

	if s.shouldWarn(&s.lastQueueFullWarnAt, now) {
		s.log.Warn(
			"task dropped: queue full",
			logx.String("task", t.Name),
			logx.String("id", t.ID),
			logx.Int("queue_len", len(q)),
			logx.Int("queue_cap", cap(q)),
			logx.Uint64("dropped_queue_full", atomic.LoadUint64(&s.droppedQueueFull)),
		)
	}
}

func (s *Service) onStaleDropped(now time.Time, t Task, queueDelay time.Duration) {
	atomic.AddUint64(&s.dropped, 1)
	atomic.AddUint64(&s.droppedStale, 1)
	s.publish(eventbus.TaskDropped, now, TaskEvent{ID: t.ID, Name: t.Name, Started: now, QueueDelay: queueDelay, Error: "stale_queue_delay"})

	if s.shouldWarn(&s.lastStaleWarnAt, now) {
		s.log.Warn(
			"task dropped: stale queue",
			logx.String("task", t.Name),
			logx.String("id", t.ID),
			logx.Duration("queue_delay", queueDelay),
			logx.Uint64("dropped_stale", atomic.LoadUint64(&s.droppedStale)),
		)
	}
}
