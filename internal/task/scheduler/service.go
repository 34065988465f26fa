package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"covidwatch/internal/dataset"
	"covidwatch/internal/task/engine"
	logx "covidwatch/pkg/logx"
)

type job struct {
	UpdateJob
	gen    uint64
	handle Handle
}

type Service struct {
	mu      sync.Mutex
	cfg     Config
	loc     *time.Location
	jobs    map[string]*job
	gen     uint64
	stopped bool

	engine    Engine
	refresher Refresher
	log       logx.Logger
	now       func() time.Time
}

type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func New(cfg Config, eng Engine, refresher Refresher, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		jobs:      map[string]*job{},
		engine:    eng,
		refresher: refresher,
		log:       log,
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.cfg = cfg
	s.loc = s.location(cfg.Timezone)
	return s
}

func (s *Service) location(tz string) *time.Location {
	loc, err := loadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the config. On a timezone change every pending job is re-armed
// for its wall-clock time in the new zone.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	s.cfg = cfg
	if strings.TrimSpace(cfg.Timezone) == oldTZ {
		return
	}
	s.loc = s.location(cfg.Timezone)
	for label, j := range s.jobs {
		if !j.handle.Cancel() {
			// Already running; its completion re-arms with the new zone.
			continue
		}
		if err := s.armLocked(j, time.Time{}); err != nil {
			delete(s.jobs, label)
			s.log.Warn("update dropped on timezone change", logx.String("label", label), logx.Err(err))
		}
	}
	s.log.Info("scheduler timezone changed", logx.String("tz", s.loc.String()), logx.Int("jobs", len(s.jobs)))
}

// Next returns the time Schedule would fire for timeOfDay.
func (s *Service) Next(timeOfDay string) (time.Time, error) {
	h, m, err := parseHHMM(timeOfDay)
	if err != nil {
		return time.Time{}, err
	}
	s.mu.Lock()
	loc := s.loc
	s.mu.Unlock()
	return nextFire(h, m, s.now(), loc)
}

// Schedule registers an update for label at timeOfDay (HH:MM, 24h) that
// refreshes kinds once, or every day when recurring. An existing job with the
// same label is replaced. The refresh never runs synchronously.
func (s *Service) Schedule(timeOfDay, label string, kinds dataset.Set, recurring bool) (UpdateJob, error) {
	h, m, err := parseHHMM(timeOfDay)
	if err != nil {
		return UpdateJob{}, err
	}
	label = strings.TrimSpace(label)
	if label == "" {
		label = fmt.Sprintf("%02d:%02d", h, m)
	}
	if kinds.Empty() {
		return UpdateJob{}, ErrNoDatasets
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return UpdateJob{}, fmt.Errorf("%w: %w", ErrEngineUnavailable, ErrStopped)
	}
	if !s.cfg.Enabled {
		return UpdateJob{}, fmt.Errorf("%w: %w", ErrEngineUnavailable, engine.ErrDisabled)
	}

	j := &job{UpdateJob: UpdateJob{
		ID:        uuid.NewString(),
		Label:     label,
		Hour:      h,
		Minute:    m,
		Recurring: recurring,
		Kinds:     kinds.Clone(),
		Created:   s.now(),
	}}
	prev := s.jobs[label]
	if err := s.armLocked(j, time.Time{}); err != nil {
		return UpdateJob{}, err
	}
	if prev != nil {
		prev.handle.Cancel()
		s.log.Debug("update replaced", logx.String("label", label), logx.String("prev_id", prev.ID))
	}

	s.log.Info("update scheduled",
		logx.String("label", label),
		logx.String("id", j.ID),
		logx.String("at", j.TimeOfDay()),
		logx.Time("fire_at", j.FireAt),
		logx.Bool("repeat", recurring),
		logx.String("datasets", j.Kinds.String()),
	)
	return j.UpdateJob, nil
}

// armLocked computes the next fire time strictly after both now and notBefore,
// submits the callback and registers j under its label with a fresh
// generation. Call with s.mu held.
func (s *Service) armLocked(j *job, notBefore time.Time) error {
	if s.engine == nil {
		return fmt.Errorf("%w: no engine", ErrEngineUnavailable)
	}
	now := s.now()
	from := now
	if notBefore.After(from) {
		from = notBefore
	}
	fireAt, err := nextFire(j.Hour, j.Minute, from, s.loc)
	if err != nil {
		return err
	}
	delay := fireAt.Sub(now)
	if delay < 0 {
		delay = 0
	}

	s.gen++
	gen := s.gen
	h, err := s.engine.After("update:"+j.Label, delay, s.callback(j.Label, j.ID, j.Kinds.Clone()))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEngineUnavailable, err)
	}
	j.FireAt = fireAt
	j.gen = gen
	j.handle = h
	s.jobs[j.Label] = j

	go s.watch(j.Label, gen, h)
	return nil
}

func (s *Service) callback(label, id string, kinds dataset.Set) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		start := s.now()
		var err error
		if s.refresher == nil {
			err = fmt.Errorf("no refresher configured")
		} else {
			err = s.refresher.RefreshSet(ctx, kinds)
		}
		if err != nil {
			s.log.Warn("scheduled update failed", logx.String("label", label), logx.String("id", id), logx.Err(err))
			return engine.NoRetry(err)
		}
		s.log.Info("scheduled update done", logx.String("label", label), logx.String("id", id), logx.Duration("took", s.now().Sub(start)))
		return nil
	}
}

// watch waits for a handle to settle, then retires the job or re-arms it.
// Cancelled or replaced jobs no longer carry gen and are left alone.
func (s *Service) watch(label string, gen uint64, h Handle) {
	<-h.Done()

	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[label]
	if !ok || j.gen != gen {
		return
	}
	if !j.Recurring || s.stopped {
		delete(s.jobs, label)
		return
	}
	// A wall clock stepped back behind the last fire time must not fire it twice.
	if err := s.armLocked(j, j.FireAt); err != nil {
		delete(s.jobs, label)
		s.log.Warn("recurring update could not be re-armed", logx.String("label", label), logx.Err(err))
		return
	}
	s.log.Debug("recurring update re-armed", logx.String("label", label), logx.Time("fire_at", j.FireAt))
}

// Cancel removes the job registered under label and cancels its pending
// callback. It reports false when no job is registered or a one-shot job has
// already fired. A callback that is already running completes, but is not
// re-armed.
func (s *Service) Cancel(label string) bool {
	label = strings.TrimSpace(label)
	s.mu.Lock()
	j, ok := s.jobs[label]
	if ok {
		delete(s.jobs, label)
	}
	s.mu.Unlock()
	if !ok || j.retired() {
		return false
	}
	stopped := j.handle.Cancel()
	s.log.Info("update cancelled", logx.String("label", label), logx.String("id", j.ID), logx.Bool("before_fire", stopped))
	return true
}

// retired reports a one-shot job whose callback has settled but which watch
// has not yet removed from the registry.
func (j *job) retired() bool {
	if j.Recurring {
		return false
	}
	select {
	case <-j.handle.Done():
		return true
	default:
		return false
	}
}

func (s *Service) liveLocked(label string) bool {
	j, ok := s.jobs[label]
	return ok && !j.retired()
}

// Reconcile returns the entries of display whose job is still pending or
// running. The registry is not modified.
func (s *Service) Reconcile(display []DisplayEntry) []DisplayEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DisplayEntry, 0, len(display))
	for _, e := range display {
		if s.liveLocked(strings.TrimSpace(e.Title)) {
			out = append(out, e)
		}
	}
	return out
}

// Jobs returns the registered jobs ordered by fire time.
func (s *Service) Jobs() []UpdateJob {
	s.mu.Lock()
	out := make([]UpdateJob, 0, len(s.jobs))
	for label := range s.jobs {
		if s.liveLocked(label) {
			uj := s.jobs[label].UpdateJob
			uj.Kinds = uj.Kinds.Clone()
			out = append(out, uj)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FireAt.Equal(out[j].FireAt) {
			return out[i].FireAt.Before(out[j].FireAt)
		}
		return out[i].Label < out[j].Label
	})
	return out
}

// Stop cancels every job and rejects further scheduling.
func (s *Service) Stop() {
	s.mu.Lock()
	s.stopped = true
	jobs := s.jobs
	s.jobs = map[string]*job{}
	s.mu.Unlock()

	for _, j := range jobs {
		j.handle.Cancel()
	}
	s.log.Info("scheduler stopped", logx.Int("cancelled", len(jobs)))
}
