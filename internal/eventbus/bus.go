// Package eventbus is an in-memory fan-out of lifecycle events (task runs,
// dataset refreshes) to interested components.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published in this repo.
const (
	TaskScheduled = "task.scheduled"
	TaskCancelled = "task.cancelled"
	TaskStarted   = "task.started"
	TaskFinished  = "task.finished"
	TaskFailed    = "task.failed"
	TaskSkipped   = "task.skipped"
	TaskDropped   = "task.dropped"

	DatasetRefreshed = "dataset.refreshed"
	DatasetFailed    = "dataset.failed"
)

// Event is a small, ideally JSON-serializable signal.
//
// Publish never blocks; subscribers use buffered channels and slow ones drop
// events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			// Holding the write lock excludes in-flight Publish sends.
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}
