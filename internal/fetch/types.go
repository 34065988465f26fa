package fetch

import (
	"context"
	"errors"
	"time"

	"covidwatch/internal/covid"
	"covidwatch/internal/dataset"
	"covidwatch/internal/news"
)

var ErrFetchFailed = errors.New("fetch failed")

// Fetcher retrieves raw datasets. Failures are reported as errors wrapping
// ErrFetchFailed, never as partial results.
type Fetcher interface {
	FetchSeries(ctx context.Context, kind dataset.Kind) (covid.Series, error)
	FetchArticles(ctx context.Context, excluded []string) ([]news.Article, error)
}

// Area selects the statistics for one location.
type Area struct {
	Name string
	Type string // "ltla", "nation", ...
}

// Config controls the HTTP source.
type Config struct {
	CovidEndpoint string
	NewsEndpoint  string
	APIKey        string
	SearchTerms   string
	PageSize      int

	Local    Area
	National Area

	// RatePerSec bounds outbound requests across both endpoints.
	RatePerSec float64
	Timeout    time.Duration
}

func (c Config) area(kind dataset.Kind) (Area, bool) {
	switch kind {
	case dataset.Local:
		return c.Local, true
	case dataset.National:
		return c.National, true
	default:
		return Area{}, false
	}
}
