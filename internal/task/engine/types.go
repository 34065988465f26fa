package engine

import (
	"context"
	"sync"
	"time"
)

// Config controls the task execution engine.
//
// The app layer maps config.task_engine into this struct.
type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int

	// DefaultTimeout is used when Task.Timeout is 0.
	DefaultTimeout time.Duration

	// MaxQueueDelay drops tasks that waited in the queue longer than this.
	// 0 disables stale-queue dropping.
	MaxQueueDelay time.Duration

	HistorySize int
	RetryMax    int
}

type OverlapPolicy int

const (
	OverlapAllow OverlapPolicy = iota
	OverlapSkipIfRunning
)

type TaskOptions struct {
	Overlap       OverlapPolicy
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%
}

func (o TaskOptions) withDefaults(cfg Config) TaskOptions {
	if o.RetryMax <= 0 {
		o.RetryMax = cfg.RetryMax
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 500 * time.Millisecond
	}
	if o.RetryMaxDelay <= 0 {
		o.RetryMaxDelay = 15 * time.Second
	}
	if o.RetryJitter <= 0 {
		o.RetryJitter = 0.2
	}
	if o.Overlap != OverlapAllow && o.Overlap != OverlapSkipIfRunning {
		o.Overlap = OverlapSkipIfRunning
	}
	return o
}

// RunState tracks whether a task is already in flight.
// SkipIfRunning treats "queued" the same as "running".
type RunState struct {
	mu       sync.Mutex
	inflight int
}

func (s *RunState) tryAcquire() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *RunState) release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

type HistoryItem struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// TaskEvent is the payload of task.* events on the bus.
type TaskEvent struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Attempts   int           `json:"attempts"`
	Error      string        `json:"error,omitempty"`
}

// Task is a unit of work executed by the engine.
// With OverlapSkipIfRunning, State (or a per-name state) gates overlap.
type Task struct {
	ID      string
	Name    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
	Opt     TaskOptions
	State   *RunState
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Enabled  bool `json:"enabled"`
	Workers  int  `json:"workers"`
	QueueLen int  `json:"queue_len"`
	QueueCap int  `json:"queue_cap"`
	InFlight int  `json:"in_flight"`

	Dropped          uint64 `json:"dropped"`
	DroppedQueueFull uint64 `json:"dropped_queue_full"`
	DroppedStale     uint64 `json:"dropped_stale"`

	DefaultTimeout time.Duration `json:"default_timeout"`
	MaxQueueDelay  time.Duration `json:"max_queue_delay"`
	RetryMax       int           `json:"retry_max"`

	Timers  []TimerInfo   `json:"timers"`
	History []HistoryItem `json:"history"`
}
