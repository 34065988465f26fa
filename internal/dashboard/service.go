// Package dashboard owns the cached values rendered to users: the latest
// local and national summaries and the filtered article list.
//
// Readers get an immutable Snapshot swapped atomically by refreshes, so the
// render path never waits on a fetch.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"covidwatch/internal/covid"
	"covidwatch/internal/dataset"
	"covidwatch/internal/eventbus"
	"covidwatch/internal/fetch"
	"covidwatch/internal/news"
	"covidwatch/internal/storage"
	logx "covidwatch/pkg/logx"
)

// Figures is one reduced statistics dataset.
type Figures struct {
	Area      string        `json:"area"`
	Summary   covid.Summary `json:"summary"`
	UpdatedAt time.Time     `json:"updated_at"`
}

type Snapshot struct {
	Local            *Figures                `json:"local,omitempty"`
	National         *Figures                `json:"national,omitempty"`
	Articles         []news.Article          `json:"articles"`
	ArticlesUpdated  time.Time               `json:"articles_updated_at,omitempty"`
	Errors           map[dataset.Kind]string `json:"errors,omitempty"`
	ExcludedArticles int                     `json:"excluded_articles"`
}

func (s Snapshot) figures(kind dataset.Kind) *Figures {
	switch kind {
	case dataset.Local:
		return s.Local
	case dataset.National:
		return s.National
	}
	return nil
}

// clone copies the containers so the published snapshot is never mutated.
func (s Snapshot) clone() Snapshot {
	cp := s
	cp.Articles = append([]news.Article(nil), s.Articles...)
	cp.Errors = make(map[dataset.Kind]string, len(s.Errors))
	for k, v := range s.Errors {
		cp.Errors[k] = v
	}
	return cp
}

// RefreshEvent is the payload of dataset.* events.
type RefreshEvent struct {
	Kind  dataset.Kind  `json:"kind"`
	Took  time.Duration `json:"took"`
	Error string        `json:"error,omitempty"`
}

// Areas names the statistics areas shown next to the figures.
type Areas struct {
	Local    string
	National string
}

type Service struct {
	fetcher fetch.Fetcher
	store   storage.Store
	bus     eventbus.Bus
	log     logx.Logger
	now     func() time.Time

	excl *news.Exclusions

	// mu serializes writers; readers only load state.
	mu    sync.Mutex
	areas Areas
	state atomic.Pointer[Snapshot]
}

func New(f fetch.Fetcher, st storage.Store, bus eventbus.Bus, log logx.Logger, areas Areas) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		fetcher: f,
		store:   st,
		bus:     bus,
		log:     log,
		now:     time.Now,
		excl:    news.NewExclusions(),
		areas:   areas,
	}
	s.state.Store(&Snapshot{})
	return s
}

// SetAreas updates the area labels used by later refreshes.
func (s *Service) SetAreas(a Areas) {
	s.mu.Lock()
	s.areas = a
	s.mu.Unlock()
}

func (s *Service) Snapshot() Snapshot {
	return s.state.Load().clone()
}

// CurrentSummary returns the cached summary for a statistics dataset.
func (s *Service) CurrentSummary(kind dataset.Kind) (covid.Summary, bool) {
	f := s.state.Load().figures(kind)
	if f == nil {
		return covid.Summary{}, false
	}
	return f.Summary, true
}

func (s *Service) update(fn func(*Snapshot)) {
	next := s.state.Load().clone()
	fn(&next)
	next.ExcludedArticles = len(s.excl.List())
	s.state.Store(&next)
}

// RefreshSet refreshes every kind in kinds independently; one failure does
// not stop the others. The returned error joins every failure.
func (s *Service) RefreshSet(ctx context.Context, kinds dataset.Set) error {
	var errs []error
	for _, k := range kinds.Kinds() {
		if err := s.Refresh(ctx, k); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Refresh fetches and reduces one dataset and swaps it into the cache. On
// failure the previous value stays in place.
func (s *Service) Refresh(ctx context.Context, kind dataset.Kind) error {
	if s.fetcher == nil {
		return fmt.Errorf("%w: no fetcher configured", fetch.ErrFetchFailed)
	}
	start := s.now()
	var err error
	if kind.IsCovid() {
		err = s.refreshSeries(ctx, kind)
	} else if kind == dataset.News {
		err = s.refreshArticles(ctx)
	} else {
		err = fmt.Errorf("unknown dataset %q", kind)
	}
	took := s.now().Sub(start)

	if err != nil {
		s.mu.Lock()
		s.update(func(st *Snapshot) { st.Errors[kind] = err.Error() })
		s.mu.Unlock()
		s.log.Warn("refresh failed; keeping previous value", logx.String("dataset", string(kind)), logx.Err(err))
		s.publish(eventbus.DatasetFailed, RefreshEvent{Kind: kind, Took: took, Error: err.Error()})
		return fmt.Errorf("refresh %s: %w", kind, err)
	}
	s.log.Info("dataset refreshed", logx.String("dataset", string(kind)), logx.Duration("took", took))
	s.publish(eventbus.DatasetRefreshed, RefreshEvent{Kind: kind, Took: took})
	return nil
}

func (s *Service) refreshSeries(ctx context.Context, kind dataset.Kind) error {
	series, err := s.fetcher.FetchSeries(ctx, kind)
	if err != nil {
		return err
	}
	sum, err := covid.Summarize(series)
	if err != nil {
		return err
	}

	s.mu.Lock()
	area := s.areas.Local
	if kind == dataset.National {
		area = s.areas.National
	}
	fig := &Figures{Area: area, Summary: sum, UpdatedAt: s.now()}
	s.update(func(st *Snapshot) {
		if kind == dataset.National {
			st.National = fig
		} else {
			st.Local = fig
		}
		delete(st.Errors, kind)
	})
	s.mu.Unlock()

	s.persist(ctx, "summary", func(c context.Context) error {
		return s.store.PutSummary(c, storage.SummaryRecord{Kind: kind, Area: fig.Area, Summary: fig.Summary, UpdatedAt: fig.UpdatedAt})
	})
	return nil
}

func (s *Service) refreshArticles(ctx context.Context) error {
	arts, err := s.fetcher.FetchArticles(ctx, s.excl.List())
	if err != nil {
		return err
	}
	arts = news.Filter(arts, s.excl)

	s.mu.Lock()
	s.update(func(st *Snapshot) {
		st.Articles = arts
		st.ArticlesUpdated = s.now()
		delete(st.Errors, dataset.News)
	})
	s.mu.Unlock()

	s.persist(ctx, "articles", func(c context.Context) error { return s.store.PutArticles(c, arts) })
	return nil
}

// RemoveArticle hides title now and excludes it from every later refresh.
// It reports whether the title was newly excluded.
func (s *Service) RemoveArticle(ctx context.Context, title string) bool {
	title = strings.TrimSpace(title)
	if !s.excl.Add(title) {
		return false
	}

	s.mu.Lock()
	var kept []news.Article
	s.update(func(st *Snapshot) {
		st.Articles = news.Filter(st.Articles, s.excl)
		kept = st.Articles
	})
	s.mu.Unlock()

	s.log.Info("article removed", logx.String("title", title))
	s.persist(ctx, "exclusion", func(c context.Context) error {
		if err := s.store.AddExclusion(c, title); err != nil {
			return err
		}
		return s.store.PutArticles(c, kept)
	})
	return true
}

// Restore loads the last persisted cache. Missing storage is not an error.
func (s *Service) Restore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	excluded, err := s.store.Exclusions(ctx)
	if err != nil {
		return fmt.Errorf("restore exclusions: %w", err)
	}
	for _, t := range excluded {
		s.excl.Add(t)
	}
	sums, err := s.store.Summaries(ctx)
	if err != nil {
		return fmt.Errorf("restore summaries: %w", err)
	}
	arts, err := s.store.Articles(ctx)
	if err != nil {
		return fmt.Errorf("restore articles: %w", err)
	}

	s.mu.Lock()
	s.update(func(st *Snapshot) {
		for kind, rec := range sums {
			fig := &Figures{Area: rec.Area, Summary: rec.Summary, UpdatedAt: rec.UpdatedAt}
			switch kind {
			case dataset.Local:
				st.Local = fig
			case dataset.National:
				st.National = fig
			}
		}
		st.Articles = news.Filter(arts, s.excl)
	})
	s.mu.Unlock()

	s.log.Info("cache restored", logx.Int("summaries", len(sums)), logx.Int("articles", len(arts)), logx.Int("excluded", len(excluded)))
	return nil
}

// Audit records an operator action when storage is configured.
func (s *Service) Audit(ctx context.Context, e storage.AuditEntry) {
	s.persist(ctx, "audit", func(c context.Context) error { return s.store.AppendAudit(c, e) })
}

// persist runs a best-effort store write; failures are logged only.
func (s *Service) persist(ctx context.Context, what string, fn func(context.Context) error) {
	if s.store == nil {
		return
	}
	if err := fn(context.WithoutCancel(ctx)); err != nil {
		s.log.Warn("cache write failed", logx.String("what", what), logx.Err(err))
	}
}

func (s *Service) publish(typ string, ev RefreshEvent) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: ev})
	}
}
