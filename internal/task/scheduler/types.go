package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"covidwatch/internal/dataset"
	"covidwatch/internal/task/engine"
)

var (
	ErrInvalidTimeFormat = errors.New("invalid time format, expected HH:MM")
	ErrEngineUnavailable = errors.New("execution engine unavailable")
	ErrNoDatasets        = errors.New("no dataset selected")
	ErrStopped           = errors.New("scheduler stopped")
)

// Config controls the scheduler.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Europe/London"; empty means Local
}

// Handle is a submitted callback. Done is closed once the callback has
// finished or the handle was cancelled before it started.
type Handle interface {
	Cancel() bool
	Done() <-chan struct{}
}

// Engine runs a callback once after a delay.
type Engine interface {
	After(name string, delay time.Duration, run func(ctx context.Context) error) (Handle, error)
}

// Refresher performs the work of one firing.
type Refresher interface {
	RefreshSet(ctx context.Context, kinds dataset.Set) error
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(ctx context.Context, kinds dataset.Set) error

func (f RefresherFunc) RefreshSet(ctx context.Context, kinds dataset.Set) error { return f(ctx, kinds) }

// TaskEngine adapts the task engine to Engine.
func TaskEngine(e *engine.Service) Engine { return taskEngine{e: e} }

type taskEngine struct{ e *engine.Service }

func (t taskEngine) After(name string, delay time.Duration, run func(ctx context.Context) error) (Handle, error) {
	if t.e == nil {
		return nil, engine.ErrStopped
	}
	tm, err := t.e.After(name, delay, run)
	if err != nil {
		return nil, err
	}
	return tm, nil
}

// UpdateJob is a scheduled refresh as seen by callers.
type UpdateJob struct {
	ID        string      `json:"id"`
	Label     string      `json:"label"`
	Hour      int         `json:"hour"`
	Minute    int         `json:"minute"`
	Recurring bool        `json:"repeat"`
	Kinds     dataset.Set `json:"datasets"`
	FireAt    time.Time   `json:"fire_at"`
	Created   time.Time   `json:"created"`
}

// TimeOfDay renders the job's wall-clock time as HH:MM.
func (j UpdateJob) TimeOfDay() string { return fmt.Sprintf("%02d:%02d", j.Hour, j.Minute) }

// DisplayEntry is one row of a caller-owned list of scheduled updates.
// Title carries the job label.
type DisplayEntry struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Describe builds the display row for j.
func Describe(j UpdateJob) DisplayEntry {
	content := "Update at " + j.TimeOfDay() + ": " + j.Kinds.String()
	if j.Recurring {
		content += " (every day)"
	}
	return DisplayEntry{Title: j.Label, Content: content}
}
