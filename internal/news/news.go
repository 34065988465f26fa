// Package news holds article values and the title exclusion list applied to
// every news refresh.
package news

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultSearchTerms is used when the config leaves news.search_terms empty.
const DefaultSearchTerms = "Covid COVID-19 coronavirus"

type Article struct {
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	URL         string    `json:"url,omitempty"`
	Source      string    `json:"source,omitempty"`
	PublishedAt time.Time `json:"published_at,omitempty"`
}

// Exclusions is the set of titles the user removed. Removed titles are
// filtered out of every later refresh. Safe for concurrent use.
type Exclusions struct {
	mu     sync.RWMutex
	titles map[string]struct{}
}

func NewExclusions(titles ...string) *Exclusions {
	e := &Exclusions{titles: map[string]struct{}{}}
	for _, t := range titles {
		e.Add(t)
	}
	return e
}

// Add records title; it reports false for blank or already excluded titles.
func (e *Exclusions) Add(title string) bool {
	title = strings.TrimSpace(title)
	if title == "" {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.titles == nil {
		e.titles = map[string]struct{}{}
	}
	if _, ok := e.titles[title]; ok {
		return false
	}
	e.titles[title] = struct{}{}
	return true
}

func (e *Exclusions) Has(title string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.titles[strings.TrimSpace(title)]
	return ok
}

// List returns the excluded titles sorted.
func (e *Exclusions) List() []string {
	e.mu.RLock()
	out := make([]string, 0, len(e.titles))
	for t := range e.titles {
		out = append(out, t)
	}
	e.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Filter drops excluded articles, keeping order. The input is not modified.
func Filter(articles []Article, excl *Exclusions) []Article {
	out := make([]Article, 0, len(articles))
	for _, a := range articles {
		if excl != nil && excl.Has(a.Title) {
			continue
		}
		out = append(out, a)
	}
	return out
}

// Query builds a title search: every term is OR'ed, every excluded title is
// appended with NOT.
func Query(terms string, excluded []string) string {
	words := strings.Fields(terms)
	if len(words) == 0 {
		words = strings.Fields(DefaultSearchTerms)
	}
	var b strings.Builder
	b.WriteString(strings.Join(words, " OR "))
	for _, t := range excluded {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		b.WriteString(" NOT ")
		b.WriteString(t)
	}
	return b.String()
}
