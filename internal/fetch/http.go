package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"covidwatch/internal/covid"
	"covidwatch/internal/dataset"
	"covidwatch/internal/news"
	logx "covidwatch/pkg/logx"
)

const (
	defaultTimeout  = 30 * time.Second
	defaultPageSize = 20
	maxBodyBytes    = 32 << 20
)

// HTTPSource fetches statistics and articles from remote JSON endpoints.
// Apply may be called concurrently with fetches (config hot reload).
type HTTPSource struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	client *http.Client
	log    logx.Logger
}

func NewHTTPSource(cfg Config, client *http.Client, log logx.Logger) *HTTPSource {
	if log.IsZero() {
		log = logx.Nop()
	}
	if client == nil {
		client = &http.Client{}
	}
	s := &HTTPSource{client: client, log: log}
	s.Apply(cfg)
	return s
}

func (s *HTTPSource) Apply(cfg Config) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	}
	s.mu.Lock()
	s.cfg = cfg
	s.limiter = lim
	s.mu.Unlock()
}

func (s *HTTPSource) snapshot() (Config, *rate.Limiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.limiter
}

type covidResponse struct {
	Data []covidRecord `json:"data"`
}

type covidRecord struct {
	Date          string       `json:"date"`
	NewCases      *json.Number `json:"newCasesBySpecimenDate"`
	HospitalCases *json.Number `json:"hospitalCases"`
	CumDeaths     *json.Number `json:"cumDailyNsoDeathsByDeathDate"`
}

func numCell(n *json.Number) string {
	if n == nil {
		return ""
	}
	return n.String()
}

// covidStructure is the projection requested from the statistics endpoint.
var covidStructure = map[string]string{
	covid.ColDate:          covid.ColDate,
	covid.ColNewCases:      covid.ColNewCases,
	covid.ColHospitalCases: covid.ColHospitalCases,
	covid.ColCumDeaths:     covid.ColCumDeaths,
}

func (s *HTTPSource) FetchSeries(ctx context.Context, kind dataset.Kind) (covid.Series, error) {
	cfg, lim := s.snapshot()
	area, ok := cfg.area(kind)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a statistics dataset", ErrFetchFailed, kind)
	}
	if strings.TrimSpace(cfg.CovidEndpoint) == "" {
		return nil, fmt.Errorf("%w: covid endpoint not configured", ErrFetchFailed)
	}

	structure, err := json.Marshal(covidStructure)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("filters", "areaType="+area.Type+";areaName="+area.Name)
	q.Set("structure", string(structure))

	var resp covidResponse
	if err := s.getJSON(ctx, cfg, lim, cfg.CovidEndpoint, q, &resp); err != nil {
		return nil, err
	}

	series := make(covid.Series, 0, len(resp.Data))
	for _, r := range resp.Data {
		series = append(series, covid.Row{
			Date:          r.Date,
			NewCases:      numCell(r.NewCases),
			HospitalCases: numCell(r.HospitalCases),
			CumDeaths:     numCell(r.CumDeaths),
		})
	}
	// ISO dates sort lexically; keep the most recent first regardless of upstream order.
	sort.SliceStable(series, func(i, j int) bool { return series[i].Date > series[j].Date })

	s.log.Debug("series fetched", logx.String("dataset", string(kind)), logx.String("area", area.Name), logx.Int("rows", len(series)))
	return series, nil
}

type newsResponse struct {
	Status   string `json:"status"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	Articles []struct {
		Title       string    `json:"title"`
		Description string    `json:"description"`
		URL         string    `json:"url"`
		PublishedAt time.Time `json:"publishedAt"`
		Source      struct {
			Name string `json:"name"`
		} `json:"source"`
	} `json:"articles"`
}

func (s *HTTPSource) FetchArticles(ctx context.Context, excluded []string) ([]news.Article, error) {
	cfg, lim := s.snapshot()
	if strings.TrimSpace(cfg.NewsEndpoint) == "" {
		return nil, fmt.Errorf("%w: news endpoint not configured", ErrFetchFailed)
	}

	q := url.Values{}
	q.Set("qInTitle", news.Query(cfg.SearchTerms, excluded))
	q.Set("pageSize", strconv.Itoa(cfg.PageSize))
	if cfg.APIKey != "" {
		q.Set("apiKey", cfg.APIKey)
	}

	var resp newsResponse
	if err := s.getJSON(ctx, cfg, lim, cfg.NewsEndpoint, q, &resp); err != nil {
		return nil, err
	}
	if resp.Status != "" && resp.Status != "ok" {
		return nil, fmt.Errorf("%w: news api: %s: %s", ErrFetchFailed, resp.Code, resp.Message)
	}

	out := make([]news.Article, 0, len(resp.Articles))
	for _, a := range resp.Articles {
		out = append(out, news.Article{
			Title:       a.Title,
			Description: a.Description,
			URL:         a.URL,
			Source:      a.Source.Name,
			PublishedAt: a.PublishedAt,
		})
	}
	s.log.Debug("articles fetched", logx.Int("count", len(out)))
	return out, nil
}

func (s *HTTPSource) getJSON(ctx context.Context, cfg Config, lim *rate.Limiter, endpoint string, q url.Values, out any) error {
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return fmt.Errorf("%w: rate limit wait: %v", ErrFetchFailed, err)
		}
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("%w: invalid endpoint %q: %v", ErrFetchFailed, endpoint, err)
	}
	merged := u.Query()
	for k, vs := range q {
		for _, v := range vs {
			merged.Add(k, v)
		}
	}
	u.RawQuery = merged.Encode()

	rctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(rctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrFetchFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s returned %d: %s", ErrFetchFailed, u.Host, resp.StatusCode, truncate(string(body), 200))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrFetchFailed, err)
	}
	return nil
}

func truncate(s string, maxN int) string {
	s = strings.TrimSpace(s)
	if maxN <= 0 || len(s) <= maxN {
		return s
	}
	return s[:maxN-3] + "..."
}
