package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"covidwatch/internal/dataset"
	"covidwatch/internal/eventbus"
	"covidwatch/internal/task/engine"
	logx "covidwatch/pkg/logx"
)

type fakeHandle struct {
	name  string
	delay time.Duration
	run   func(ctx context.Context) error

	mu        sync.Mutex
	started   bool
	cancelled bool
	done      chan struct{}
}

func (h *fakeHandle) Done() <-chan struct{} { return h.done }

func (h *fakeHandle) Cancel() bool {
	h.mu.Lock()
	if h.started || h.cancelled {
		h.mu.Unlock()
		return false
	}
	h.cancelled = true
	h.mu.Unlock()
	close(h.done)
	return true
}

func (h *fakeHandle) isCancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

// fire runs the callback the way the engine would once the delay elapsed.
func (h *fakeHandle) fire() error {
	h.mu.Lock()
	if h.cancelled || h.started {
		h.mu.Unlock()
		return nil
	}
	h.started = true
	h.mu.Unlock()
	err := h.run(context.Background())
	close(h.done)
	return err
}

type fakeEngine struct {
	mu      sync.Mutex
	handles []*fakeHandle
	err     error
}

func (e *fakeEngine) After(name string, delay time.Duration, run func(ctx context.Context) error) (Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	h := &fakeHandle{name: name, delay: delay, run: run, done: make(chan struct{})}
	e.handles = append(e.handles, h)
	return h, nil
}

func (e *fakeEngine) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handles)
}

func (e *fakeEngine) handle(i int) *fakeHandle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handles[i]
}

type countingRefresher struct {
	calls atomic.Int32
	last  atomic.Value // dataset.Set
	err   error
	block chan struct{}
}

func (r *countingRefresher) RefreshSet(ctx context.Context, kinds dataset.Set) error {
	r.calls.Add(1)
	r.last.Store(kinds)
	if r.block != nil {
		<-r.block
	}
	return r.err
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

// 2021-11-01 10:00:30 UTC
var fixedNow = time.Date(2021, 11, 1, 10, 0, 30, 0, time.UTC)

func newTestService(eng Engine, r Refresher) *Service {
	return New(Config{Enabled: true, Timezone: "UTC"}, eng, r, logx.Nop(), WithClock(func() time.Time { return fixedNow }))
}

func entry(label string) DisplayEntry { return DisplayEntry{Title: label, Content: "x"} }

func TestNext_MinuteGranularity(t *testing.T) {
	t.Parallel()

	s := newTestService(&fakeEngine{}, nil)
	cases := []struct {
		at   string
		want time.Time
	}{
		{at: "10:00", want: time.Date(2021, 11, 2, 10, 0, 0, 0, time.UTC)},
		{at: "10:01", want: time.Date(2021, 11, 1, 10, 1, 0, 0, time.UTC)},
		{at: "09:59", want: time.Date(2021, 11, 2, 9, 59, 0, 0, time.UTC)},
		{at: "23:59", want: time.Date(2021, 11, 1, 23, 59, 0, 0, time.UTC)},
		{at: "00:00", want: time.Date(2021, 11, 2, 0, 0, 0, 0, time.UTC)},
		{at: "7:05", want: time.Date(2021, 11, 2, 7, 5, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		got, err := s.Next(tc.at)
		if err != nil {
			t.Fatalf("Next(%q): %v", tc.at, err)
		}
		if !got.Equal(tc.want) {
			t.Fatalf("Next(%q)=%s want %s", tc.at, got, tc.want)
		}
	}
}

func TestSchedule_InvalidTimeFormat(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{}
	s := newTestService(eng, &countingRefresher{})
	for _, in := range []string{"", "25:00", "10:60", "1000", "ab:cd", "10:5", "10:00:00", "-1:00", "123:00", "+1:00", "-0:30", "1:+5"} {
		if _, err := s.Schedule(in, "x", dataset.NewSet(dataset.News), false); !errors.Is(err, ErrInvalidTimeFormat) {
			t.Fatalf("Schedule(%q) err=%v", in, err)
		}
	}
	if eng.count() != 0 {
		t.Fatalf("engine received %d submissions", eng.count())
	}
}

func TestSchedule_NoDatasets(t *testing.T) {
	t.Parallel()

	s := newTestService(&fakeEngine{}, &countingRefresher{})
	if _, err := s.Schedule("10:01", "x", dataset.Set{}, false); !errors.Is(err, ErrNoDatasets) {
		t.Fatalf("err=%v", err)
	}
}

func TestSchedule_OneShotFiresOnceThenRetires(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{}
	r := &countingRefresher{}
	s := newTestService(eng, r)

	job, err := s.Schedule("10:01", "morning", dataset.NewSet(dataset.Local, dataset.National), false)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if job.ID == "" || job.Label != "morning" || job.TimeOfDay() != "10:01" {
		t.Fatalf("job=%+v", job)
	}
	h := eng.handle(0)
	if h.delay != 30*time.Second {
		t.Fatalf("delay=%s want 30s", h.delay)
	}
	if r.calls.Load() != 0 {
		t.Fatalf("refresh ran synchronously")
	}

	display := []DisplayEntry{entry("morning"), entry("stale")}
	if got := s.Reconcile(display); len(got) != 1 || got[0].Title != "morning" {
		t.Fatalf("Reconcile before fire=%+v", got)
	}

	if err := h.fire(); err != nil {
		t.Fatalf("fire: %v", err)
	}
	if r.calls.Load() != 1 {
		t.Fatalf("calls=%d", r.calls.Load())
	}
	kinds := r.last.Load().(dataset.Set)
	if kinds.String() != "local,national" {
		t.Fatalf("kinds=%s", kinds)
	}

	eventually(t, func() bool { return len(s.Reconcile(display)) == 0 })
	eventually(t, func() bool { return len(s.Jobs()) == 0 })
	if eng.count() != 1 {
		t.Fatalf("one-shot was re-armed")
	}
	if s.Cancel("morning") {
		t.Fatalf("Cancel of a retired job should report false")
	}
}

func TestCancel_AfterOneShotFired(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{}
	s := newTestService(eng, &countingRefresher{})
	if _, err := s.Schedule("10:01", "x", dataset.NewSet(dataset.News), false); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := eng.handle(0).fire(); err != nil {
		t.Fatalf("fire: %v", err)
	}
	// No waiting for the registry to be pruned.
	if s.Cancel("x") {
		t.Fatalf("Cancel after fire should report false")
	}
	if got := s.Reconcile([]DisplayEntry{entry("x")}); len(got) != 0 {
		t.Fatalf("Reconcile after fire=%+v", got)
	}
	if s.Cancel("x") {
		t.Fatalf("second Cancel should report false")
	}
}

func TestSchedule_RecurringClockSteppedBack(t *testing.T) {
	t.Parallel()

	var clock atomic.Value
	clock.Store(fixedNow)
	eng := &fakeEngine{}
	s := New(Config{Enabled: true, Timezone: "UTC"}, eng, &countingRefresher{err: errors.New("down")}, logx.Nop(),
		WithClock(func() time.Time { return clock.Load().(time.Time) }))

	if _, err := s.Schedule("10:01", "daily", dataset.NewSet(dataset.News), true); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	// Fired at 10:01, then the wall clock was corrected back to 10:00:40.
	clock.Store(time.Date(2021, 11, 1, 10, 0, 40, 0, time.UTC))
	_ = eng.handle(0).fire()
	eventually(t, func() bool { return eng.count() == 2 })

	want := time.Date(2021, 11, 2, 10, 1, 0, 0, time.UTC)
	jobs := s.Jobs()
	if len(jobs) != 1 || !jobs[0].FireAt.Equal(want) {
		t.Fatalf("jobs=%+v want fire_at %s", jobs, want)
	}
	if d := eng.handle(1).delay; d != want.Sub(time.Date(2021, 11, 1, 10, 0, 40, 0, time.UTC)) {
		t.Fatalf("delay=%s", d)
	}
}

func TestReconcile_KeepsRunningJob(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{}
	r := &countingRefresher{block: make(chan struct{})}
	s := newTestService(eng, r)

	if _, err := s.Schedule("10:01", "slow", dataset.NewSet(dataset.News), false); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	fired := make(chan error, 1)
	go func() { fired <- eng.handle(0).fire() }()

	eventually(t, func() bool { return r.calls.Load() == 1 })
	if got := s.Reconcile([]DisplayEntry{entry("slow")}); len(got) != 1 {
		t.Fatalf("running job dropped from display")
	}

	close(r.block)
	<-fired
	eventually(t, func() bool { return len(s.Reconcile([]DisplayEntry{entry("slow")})) == 0 })
}

func TestCancel_BeforeFire(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{}
	r := &countingRefresher{}
	s := newTestService(eng, r)

	if _, err := s.Schedule("12:00", "lunch", dataset.NewSet(dataset.News), false); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if !s.Cancel("lunch") {
		t.Fatalf("Cancel should report true")
	}
	h := eng.handle(0)
	if !h.isCancelled() {
		t.Fatalf("handle not cancelled")
	}
	_ = h.fire()
	if r.calls.Load() != 0 {
		t.Fatalf("cancelled job ran")
	}
	if got := s.Reconcile([]DisplayEntry{entry("lunch")}); len(got) != 0 {
		t.Fatalf("Reconcile=%+v", got)
	}
	if s.Cancel("lunch") {
		t.Fatalf("second Cancel should report false")
	}
	if s.Cancel("never-scheduled") {
		t.Fatalf("Cancel of unknown label should report false")
	}
}

func TestSchedule_SameLabelReplaces(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{}
	s := newTestService(eng, &countingRefresher{})

	if _, err := s.Schedule("11:00", "daily", dataset.NewSet(dataset.News), false); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if _, err := s.Schedule("12:30", "daily", dataset.NewSet(dataset.Local), true); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if !eng.handle(0).isCancelled() {
		t.Fatalf("previous handle not cancelled")
	}
	jobs := s.Jobs()
	if len(jobs) != 1 || jobs[0].TimeOfDay() != "12:30" || !jobs[0].Recurring {
		t.Fatalf("jobs=%+v", jobs)
	}
}

func TestSchedule_RecurringReArms(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{}
	r := &countingRefresher{}
	s := newTestService(eng, r)

	if _, err := s.Schedule("10:01", "every", dataset.NewSet(dataset.News), true); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := eng.handle(0).fire(); err != nil {
		t.Fatalf("fire: %v", err)
	}
	eventually(t, func() bool { return eng.count() == 2 })

	// The clock still reads 10:00:30, so the next run is the following day.
	if d := eng.handle(1).delay; d != 24*time.Hour+30*time.Second {
		t.Fatalf("re-armed delay=%s", d)
	}
	if got := s.Reconcile([]DisplayEntry{entry("every")}); len(got) != 1 {
		t.Fatalf("recurring job dropped from display")
	}

	if err := eng.handle(1).fire(); err != nil {
		t.Fatalf("fire: %v", err)
	}
	eventually(t, func() bool { return eng.count() == 3 })
	if r.calls.Load() != 2 {
		t.Fatalf("calls=%d", r.calls.Load())
	}

	if !s.Cancel("every") {
		t.Fatalf("Cancel should report true")
	}
	if !eng.handle(2).isCancelled() {
		t.Fatalf("re-armed handle not cancelled")
	}
	time.Sleep(20 * time.Millisecond)
	if eng.count() != 3 {
		t.Fatalf("cancelled job re-armed")
	}
}

func TestCancel_DuringRecurringRunStopsChain(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{}
	r := &countingRefresher{block: make(chan struct{})}
	s := newTestService(eng, r)

	if _, err := s.Schedule("10:01", "chain", dataset.NewSet(dataset.News), true); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	fired := make(chan error, 1)
	go func() { fired <- eng.handle(0).fire() }()
	eventually(t, func() bool { return r.calls.Load() == 1 })

	if !s.Cancel("chain") {
		t.Fatalf("Cancel should report true")
	}
	close(r.block)
	<-fired

	time.Sleep(20 * time.Millisecond)
	if eng.count() != 1 {
		t.Fatalf("re-armed after cancel, handles=%d", eng.count())
	}
	if len(s.Jobs()) != 0 {
		t.Fatalf("jobs=%+v", s.Jobs())
	}
}

func TestSchedule_EngineUnavailable(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{err: engine.ErrQueueFull}
	s := newTestService(eng, &countingRefresher{})
	if _, err := s.Schedule("10:01", "x", dataset.NewSet(dataset.News), false); !errors.Is(err, ErrEngineUnavailable) || !errors.Is(err, engine.ErrQueueFull) {
		t.Fatalf("err=%v", err)
	}
	if len(s.Jobs()) != 0 {
		t.Fatalf("failed submission registered")
	}

	disabled := New(Config{Enabled: false}, &fakeEngine{}, nil, logx.Nop())
	if _, err := disabled.Schedule("10:01", "x", dataset.NewSet(dataset.News), false); !errors.Is(err, ErrEngineUnavailable) {
		t.Fatalf("disabled err=%v", err)
	}

	s2 := newTestService(&fakeEngine{}, nil)
	s2.Stop()
	if _, err := s2.Schedule("10:01", "x", dataset.NewSet(dataset.News), false); !errors.Is(err, ErrEngineUnavailable) {
		t.Fatalf("stopped err=%v", err)
	}
}

func TestCallback_RefreshErrorIsPermanent(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{}
	boom := errors.New("fetch failed")
	s := newTestService(eng, &countingRefresher{err: boom})

	if _, err := s.Schedule("10:01", "x", dataset.NewSet(dataset.News), false); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	err := eng.handle(0).fire()
	if !errors.Is(err, boom) || !engine.IsNoRetry(err) {
		t.Fatalf("err=%v", err)
	}
	eventually(t, func() bool { return len(s.Jobs()) == 0 })
}

func TestApply_TimezoneChangeReArms(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{}
	s := New(Config{Enabled: true}, eng, &countingRefresher{}, logx.Nop(), WithClock(func() time.Time { return fixedNow }))
	if _, err := s.Schedule("10:01", "tz", dataset.NewSet(dataset.News), false); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	s.Apply(Config{Enabled: true, Timezone: "UTC"})

	if eng.count() != 2 || !eng.handle(0).isCancelled() {
		t.Fatalf("handles=%d", eng.count())
	}
	jobs := s.Jobs()
	if len(jobs) != 1 || !jobs[0].FireAt.Equal(time.Date(2021, 11, 1, 10, 1, 0, 0, time.UTC)) {
		t.Fatalf("jobs=%+v", jobs)
	}
}

func TestStop_CancelsEverything(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{}
	s := newTestService(eng, &countingRefresher{})
	for _, l := range []string{"a", "b"} {
		if _, err := s.Schedule("11:00", l, dataset.NewSet(dataset.News), true); err != nil {
			t.Fatalf("Schedule: %v", err)
		}
	}
	s.Stop()
	if !eng.handle(0).isCancelled() || !eng.handle(1).isCancelled() {
		t.Fatalf("handles not cancelled")
	}
	if len(s.Jobs()) != 0 {
		t.Fatalf("jobs left after Stop")
	}
}

func TestSchedule_WithTaskEngine(t *testing.T) {
	t.Parallel()

	eng := engine.New(engine.Config{Enabled: true, Workers: 1}, logx.Nop(), eventbus.New())
	eng.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		eng.Stop(ctx)
	})

	// Pin the clock 200ms before a minute boundary so the job fires almost at once.
	target := time.Now().UTC().Truncate(time.Minute).Add(time.Minute)
	now := target.Add(-200 * time.Millisecond)
	r := &countingRefresher{}
	s := New(Config{Enabled: true, Timezone: "UTC"}, TaskEngine(eng), r, logx.Nop(), WithClock(func() time.Time { return now }))

	job, err := s.Schedule(target.Format("15:04"), "soon", dataset.NewSet(dataset.News), false)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if !job.FireAt.Equal(target) {
		t.Fatalf("fire_at=%s want %s", job.FireAt, target)
	}
	if p := eng.Pending(); len(p) != 1 || p[0].Name != "update:soon" {
		t.Fatalf("Pending=%+v", p)
	}

	eventually(t, func() bool { return r.calls.Load() == 1 })
	eventually(t, func() bool { return len(s.Reconcile([]DisplayEntry{entry("soon")})) == 0 })
	if p := eng.Pending(); len(p) != 0 {
		t.Fatalf("Pending after run=%+v", p)
	}
}

func TestDescribe(t *testing.T) {
	t.Parallel()

	got := Describe(UpdateJob{Label: "x", Hour: 7, Minute: 5, Recurring: true, Kinds: dataset.NewSet(dataset.News, dataset.Local)})
	if got.Title != "x" || got.Content != "Update at 07:05: local,news (every day)" {
		t.Fatalf("got %+v", got)
	}
}
