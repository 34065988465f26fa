package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"covidwatch/internal/covid"
	"covidwatch/internal/dashboard"
	"covidwatch/internal/dataset"
	"covidwatch/internal/storage"
	"covidwatch/internal/task/engine"
	"covidwatch/internal/task/scheduler"
	logx "covidwatch/pkg/logx"
)

func init() { gin.SetMode(gin.TestMode) }

type fakeHandle struct {
	once sync.Once
	done chan struct{}
}

func (h *fakeHandle) Cancel() bool {
	cancelled := false
	h.once.Do(func() { close(h.done); cancelled = true })
	return cancelled
}
func (h *fakeHandle) Done() <-chan struct{} { return h.done }

type fakeTimers struct {
	mu      sync.Mutex
	handles []*fakeHandle
	err     error
}

func (f *fakeTimers) After(name string, delay time.Duration, run func(ctx context.Context) error) (scheduler.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	h := &fakeHandle{done: make(chan struct{})}
	f.handles = append(f.handles, h)
	return h, nil
}

func (f *fakeTimers) last() *fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handles[len(f.handles)-1]
}

type fakeDash struct {
	mu       sync.Mutex
	removed  map[string]bool
	refresh  []dataset.Set
	audits   []storage.AuditEntry
	snapshot dashboard.Snapshot
}

func (d *fakeDash) Snapshot() dashboard.Snapshot { return d.snapshot }

func (d *fakeDash) RefreshSet(ctx context.Context, kinds dataset.Set) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refresh = append(d.refresh, kinds)
	return nil
}

func (d *fakeDash) RemoveArticle(ctx context.Context, title string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.removed == nil {
		d.removed = map[string]bool{}
	}
	if d.removed[title] {
		return false
	}
	d.removed[title] = true
	return true
}

func (d *fakeDash) Audit(ctx context.Context, e storage.AuditEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.audits = append(d.audits, e)
}

type fakeRunner struct {
	mu    sync.Mutex
	tasks []engine.Task
	err   error
}

func (r *fakeRunner) Enqueue(t engine.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.tasks = append(r.tasks, t)
	return nil
}

func (r *fakeRunner) Snapshot() engine.Snapshot { return engine.Snapshot{Enabled: true, Workers: 2} }

type fixture struct {
	srv    *Server
	timers *fakeTimers
	dash   *fakeDash
	runner *fakeRunner
}

func newFixture(t *testing.T, enabled bool, opt Options) fixture {
	t.Helper()
	timers := &fakeTimers{}
	dash := &fakeDash{}
	runner := &fakeRunner{}
	now := func() time.Time { return time.Date(2021, 11, 1, 10, 0, 30, 0, time.UTC) }
	sched := scheduler.New(scheduler.Config{Enabled: enabled, Timezone: "UTC"}, timers, dash, logx.Nop(), scheduler.WithClock(now))
	t.Cleanup(sched.Stop)
	return fixture{
		srv:    New(sched, dash, runner, logx.Nop(), opt),
		timers: timers,
		dash:   dash,
		runner: runner,
	}
}

func (f fixture) do(method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (f fixture) updates(t *testing.T) updatesResponse {
	t.Helper()
	rec := f.do(http.MethodGet, "/api/updates", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/updates = %d", rec.Code)
	}
	var out updatesResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func TestUpdates_ScheduleListCancel(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true, Options{})

	rec := f.do(http.MethodPost, "/api/updates", `{"time":"07:05","label":"morning","repeat":true,"covid":true,"news":true}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST = %d body=%s", rec.Code, rec.Body.String())
	}
	var job scheduler.UpdateJob
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if job.Label != "morning" || !job.Recurring || job.Hour != 7 || job.Minute != 5 {
		t.Fatalf("job = %+v", job)
	}

	got := f.updates(t)
	if len(got.Updates) != 1 || got.Updates[0].Title != "morning" {
		t.Fatalf("updates = %+v", got.Updates)
	}
	if want := "Update at 07:05: local,national,news (every day)"; got.Updates[0].Content != want {
		t.Fatalf("content = %q, want %q", got.Updates[0].Content, want)
	}
	if len(got.Jobs) != 1 {
		t.Fatalf("jobs = %+v", got.Jobs)
	}

	// Re-scheduling the same label replaces the display row.
	rec = f.do(http.MethodPost, "/api/updates", `{"time":"08:00","label":"morning","datasets":"news"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST replace = %d", rec.Code)
	}
	got = f.updates(t)
	if len(got.Updates) != 1 || got.Updates[0].Content != "Update at 08:00: news" {
		t.Fatalf("updates after replace = %+v", got.Updates)
	}

	rec = f.do(http.MethodDelete, "/api/updates/morning", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("DELETE = %d", rec.Code)
	}
	if got := f.updates(t); len(got.Updates) != 0 || len(got.Jobs) != 0 {
		t.Fatalf("after cancel = %+v", got)
	}
	rec = f.do(http.MethodDelete, "/api/updates/morning", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second DELETE = %d", rec.Code)
	}

	f.dash.mu.Lock()
	defer f.dash.mu.Unlock()
	if len(f.dash.audits) != 4 {
		t.Fatalf("audits = %d, want 4", len(f.dash.audits))
	}
	if last := f.dash.audits[3]; last.Action != "cancel" || last.OK {
		t.Fatalf("last audit = %+v", last)
	}
}

func TestUpdates_FiredOneShotLeavesDisplay(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true, Options{})

	if rec := f.do(http.MethodPost, "/api/updates", `{"time":"23:00","label":"late","news":true}`); rec.Code != http.StatusCreated {
		t.Fatalf("POST = %d", rec.Code)
	}
	// Closing Done is what a finished handle looks like.
	f.timers.last().Cancel()

	if got := f.updates(t); len(got.Updates) != 0 {
		t.Fatalf("finished update still displayed: %+v", got.Updates)
	}
	if rec := f.do(http.MethodDelete, "/api/updates/late", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("DELETE after fire = %d, want 404", rec.Code)
	}
}

func TestUpdates_CancelTrimsLabel(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true, Options{})

	if rec := f.do(http.MethodPost, "/api/updates", `{"time":"23:00","label":"evening","news":true}`); rec.Code != http.StatusCreated {
		t.Fatalf("POST = %d", rec.Code)
	}
	if rec := f.do(http.MethodDelete, "/api/updates/%20evening%20", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("DELETE = %d", rec.Code)
	}
	f.srv.mu.Lock()
	rows := len(f.srv.display)
	f.srv.mu.Unlock()
	if rows != 0 {
		t.Fatalf("display rows = %d after cancel", rows)
	}
}

func TestUpdates_ScheduleErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		enabled bool
		body    string
		want    int
	}{
		{"bad time", true, `{"time":"7pm","covid":true}`, http.StatusBadRequest},
		{"hour out of range", true, `{"time":"24:00","covid":true}`, http.StatusBadRequest},
		{"no dataset", true, `{"time":"07:00"}`, http.StatusBadRequest},
		{"unknown dataset", true, `{"time":"07:00","datasets":"weather"}`, http.StatusBadRequest},
		{"bad json", true, `{"time":`, http.StatusBadRequest},
		{"engine disabled", false, `{"time":"07:00","covid":true}`, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, tc.enabled, Options{})
			rec := f.do(http.MethodPost, "/api/updates", tc.body)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d (body=%s)", rec.Code, tc.want, rec.Body.String())
			}
			if got := f.updates(t); len(got.Updates) != 0 {
				t.Fatalf("failed schedule added a display row: %+v", got.Updates)
			}
		})
	}
}

func TestUpdates_EngineRejects(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true, Options{})
	f.timers.err = engine.ErrQueueFull

	rec := f.do(http.MethodPost, "/api/updates", `{"time":"07:00","covid":true}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestArticles_Remove(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true, Options{})

	if rec := f.do(http.MethodDelete, "/api/articles", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing title = %d", rec.Code)
	}
	if rec := f.do(http.MethodDelete, "/api/articles?title=Old+story", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("remove = %d", rec.Code)
	}
	if rec := f.do(http.MethodDelete, "/api/articles?title=Old+story", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("remove twice = %d", rec.Code)
	}
	if !f.dash.removed["Old story"] {
		t.Fatalf("title not passed through: %v", f.dash.removed)
	}
}

func TestRefresh_QueuesAllDatasets(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true, Options{})

	rec := f.do(http.MethodPost, "/api/refresh", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(f.runner.tasks) != 1 {
		t.Fatalf("tasks = %d", len(f.runner.tasks))
	}
	task := f.runner.tasks[0]
	if task.Opt.Overlap != engine.OverlapSkipIfRunning || task.State == nil {
		t.Fatalf("refresh task must skip overlaps: %+v", task.Opt)
	}
	if err := task.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(f.dash.refresh) != 1 || f.dash.refresh[0].String() != "local,national,news" {
		t.Fatalf("refresh = %v", f.dash.refresh)
	}

	f.runner.err = engine.ErrOverlapSkip
	if rec := f.do(http.MethodPost, "/api/refresh", ""); rec.Code != http.StatusConflict {
		t.Fatalf("overlap = %d", rec.Code)
	}
	f.runner.err = engine.ErrStopped
	if rec := f.do(http.MethodPost, "/api/refresh", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("stopped = %d", rec.Code)
	}
}

func TestSummary_ReturnsSnapshot(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true, Options{})
	f.dash.snapshot = dashboard.Snapshot{
		Local: &dashboard.Figures{Area: "Exeter", Summary: covid.Summary{Last7DaysCases: 70}},
	}

	rec := f.do(http.MethodGet, "/api/summary", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var snap dashboard.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Local == nil || snap.Local.Area != "Exeter" || snap.Local.Summary.Last7DaysCases != 70 {
		t.Fatalf("snapshot = %+v", snap.Local)
	}
}

func TestPprof_RequiresToken(t *testing.T) {
	t.Parallel()

	f := newFixture(t, true, Options{Pprof: true, PprofToken: "s3cret"})
	if rec := f.do(http.MethodGet, "/debug/pprof/cmdline", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token = %d", rec.Code)
	}
	if rec := f.do(http.MethodGet, "/debug/pprof/cmdline?token=wrong", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token = %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/debug/pprof/cmdline", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("bearer = %d", rec.Code)
	}

	off := newFixture(t, true, Options{})
	if rec := off.do(http.MethodGet, "/debug/pprof/cmdline", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("pprof disabled = %d", rec.Code)
	}
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	t.Parallel()
	f := newFixture(t, true, Options{})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- f.srv.serveListener(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not stop")
	}
}

type publicAddrListener struct{ net.Listener }

func (publicAddrListener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(0, 0, 0, 0), Port: 8080}
}

func TestServe_RefusesPublicPprofWithoutToken(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := newFixture(t, true, Options{Pprof: true})
	if err := f.srv.serveListener(context.Background(), publicAddrListener{ln}); !errors.Is(err, ErrInsecurePprof) {
		t.Fatalf("serve err = %v, want ErrInsecurePprof", err)
	}
	if _, err := ln.Accept(); err == nil {
		t.Fatalf("listener left open")
	}

	// With a token the same bind is allowed.
	ln2, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ok := newFixture(t, true, Options{Pprof: true, PprofToken: "s3cret"})
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- ok.srv.serveListener(ctx, publicAddrListener{ln2}) }()
	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("serve with token: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not stop")
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	cases := map[string]bool{
		"127.0.0.1:8080": true,
		"localhost:80":   true,
		"[::1]:80":       true,
		":8080":          false,
		"0.0.0.0:8080":   false,
		"bad":            false,
	}
	for addr, want := range cases {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}
