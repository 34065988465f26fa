package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"covidwatch/internal/covid"
	"covidwatch/internal/dataset"
	"covidwatch/internal/news"
)

// FileSource reads datasets from a directory. It serves offline runs and
// tests.
//
// Files:
//   - <area name, lowercased>_covid_data.csv per statistics dataset
//   - news.json (array of articles)
type FileSource struct {
	Dir      string
	Local    Area
	National Area
}

func (s *FileSource) SeriesPath(kind dataset.Kind) (string, error) {
	cfg := Config{Local: s.Local, National: s.National}
	area, ok := cfg.area(kind)
	if !ok || strings.TrimSpace(area.Name) == "" {
		return "", fmt.Errorf("%w: no area configured for %s", ErrFetchFailed, kind)
	}
	name := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(area.Name), " ", "_"))
	return filepath.Join(s.Dir, name+"_covid_data.csv"), nil
}

func (s *FileSource) FetchSeries(ctx context.Context, kind dataset.Kind) (covid.Series, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	path, err := s.SeriesPath(kind)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer f.Close()
	series, err := ParseCSV(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrFetchFailed, filepath.Base(path), err)
	}
	return series, nil
}

func (s *FileSource) FetchArticles(ctx context.Context, excluded []string) ([]news.Article, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	b, err := os.ReadFile(filepath.Join(s.Dir, "news.json"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	var out []news.Article
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("%w: news.json: %v", ErrFetchFailed, err)
	}
	return news.Filter(out, news.NewExclusions(excluded...)), nil
}
