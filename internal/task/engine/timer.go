package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"covidwatch/internal/eventbus"
	logx "covidwatch/pkg/logx"
)

type TimerState int

const (
	TimerPending TimerState = iota
	TimerRunning
	TimerDone
	TimerCancelled
)

func (s TimerState) String() string {
	switch s {
	case TimerPending:
		return "pending"
	case TimerRunning:
		return "running"
	case TimerDone:
		return "done"
	case TimerCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("TimerState(%d)", int(s))
	}
}

// Live reports whether the callback may still run or is running.
func (s TimerState) Live() bool { return s == TimerPending || s == TimerRunning }

// TimerInfo describes a live timer.
type TimerInfo struct {
	ID     string    `json:"id"`
	Name   string    `json:"name"`
	FireAt time.Time `json:"fire_at"`
	State  string    `json:"state"`
}

// Timer is the handle of a delayed task submitted with After.
//
// Done is closed exactly once: when the callback returns, when the task is
// dropped, or when Cancel succeeds.
type Timer struct {
	id     string
	name   string
	fireAt time.Time

	mu    sync.Mutex
	state TimerState
	err   error
	t     *time.Timer

	done    chan struct{}
	onClose func()
}

func (t *Timer) ID() string            { return t.id }
func (t *Timer) Name() string          { return t.name }
func (t *Timer) FireAt() time.Time     { return t.fireAt }
func (t *Timer) Done() <-chan struct{} { return t.done }

func (t *Timer) State() TimerState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err is the callback's final error once State is TimerDone.
func (t *Timer) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Timer) closeDone() {
	close(t.done)
	if t.onClose != nil {
		t.onClose()
	}
}

// Cancel prevents a callback that has not started yet from running.
// It reports false when the callback is already running or finished.
func (t *Timer) Cancel() bool {
	t.mu.Lock()
	if t.state != TimerPending {
		t.mu.Unlock()
		return false
	}
	t.state = TimerCancelled
	tm := t.t
	t.mu.Unlock()
	if tm != nil {
		tm.Stop()
	}
	t.closeDone()
	return true
}

// begin moves pending to running. Retries of a running timer pass.
func (t *Timer) begin() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case TimerPending:
		t.state = TimerRunning
		return true
	case TimerRunning:
		return true
	default:
		return false
	}
}

func (t *Timer) finish(err error) {
	t.mu.Lock()
	if !t.state.Live() {
		t.mu.Unlock()
		return
	}
	t.state = TimerDone
	t.err = err
	t.mu.Unlock()
	t.closeDone()
}

// After arranges for run to execute once on a worker after delay. The
// returned handle can be cancelled until the callback starts.
func (s *Service) After(name string, delay time.Duration, run func(ctx context.Context) error) (*Timer, error) {
	if run == nil {
		return nil, fmt.Errorf("task Run is nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("task Name is required")
	}

	s.mu.Lock()
	cfg := s.cfg
	running := s.q != nil && s.stopCh != nil
	stopping := s.stopDone != nil
	s.mu.Unlock()
	if err := admit(cfg, running, stopping); err != nil {
		return nil, err
	}
	if delay < 0 {
		delay = 0
	}

	now := time.Now()
	tm := &Timer{
		id:     s.newID("tmr", now),
		name:   name,
		fireAt: now.Add(delay),
		done:   make(chan struct{}),
	}
	tm.onClose = func() {
		s.tmu.Lock()
		delete(s.timers, tm.id)
		s.tmu.Unlock()
	}

	s.tmu.Lock()
	s.timers[tm.id] = tm
	s.tmu.Unlock()

	// Holding tm.mu keeps a zero-delay fire from observing a nil timer.
	tm.mu.Lock()
	tm.t = time.AfterFunc(delay, func() { s.fire(tm, run) })
	tm.mu.Unlock()

	s.publish(eventbus.TaskScheduled, now, TaskEvent{ID: tm.id, Name: name, Started: tm.fireAt})
	s.log.Debug("timer armed", logx.String("task", name), logx.String("id", tm.id), logx.Duration("delay", delay))
	return tm, nil
}

func (s *Service) fire(tm *Timer, run func(ctx context.Context) error) {
	if tm.State() != TimerPending {
		return
	}
	err := s.enqueue(Task{ID: tm.id, Name: tm.name, Run: run}, tm.begin, tm.finish)
	if err != nil {
		s.log.Warn("timer fire rejected", logx.String("task", tm.name), logx.String("id", tm.id), logx.Err(err))
		tm.finish(err)
	}
}

// Pending lists live timers ordered by fire time.
func (s *Service) Pending() []TimerInfo {
	live := s.liveTimers()
	out := make([]TimerInfo, 0, len(live))
	for _, t := range live {
		if st := t.State(); st.Live() {
			out = append(out, TimerInfo{ID: t.id, Name: t.name, FireAt: t.fireAt, State: st.String()})
		}
	}
	return out
}

func (s *Service) liveTimers() []*Timer {
	s.tmu.Lock()
	out := make([]*Timer, 0, len(s.timers))
	for _, t := range s.timers {
		out = append(out, t)
	}
	s.tmu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].fireAt.Equal(out[j].fireAt) {
			return out[i].fireAt.Before(out[j].fireAt)
		}
		return out[i].id < out[j].id
	})
	return out
}
