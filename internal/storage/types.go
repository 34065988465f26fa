// Package storage persists the dashboard cache (latest summaries, articles,
// removed titles) and an audit trail of operator actions, so a restart can
// render the last known values before the first refresh completes.
//
// Scheduled updates are never persisted.
package storage

import (
	"context"
	"errors"
	"time"

	"covidwatch/internal/covid"
	"covidwatch/internal/dataset"
	"covidwatch/internal/news"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON snapshot + JSON Lines audit log
//   - "sqlite": SQLite database file
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// SummaryRecord is the cached reduction of one statistics dataset.
type SummaryRecord struct {
	Kind      dataset.Kind  `json:"kind"`
	Area      string        `json:"area"`
	Summary   covid.Summary `json:"summary"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// AuditEntry records an operator action (schedule, cancel, article removal).
type AuditEntry struct {
	At       time.Time `json:"at"`
	Actor    string    `json:"actor,omitempty"`
	Action   string    `json:"action"`
	Target   string    `json:"target,omitempty"`
	OK       bool      `json:"ok"`
	Error    string    `json:"error,omitempty"`
	MetaJSON string    `json:"meta,omitempty"`
}

type Store interface {
	PutSummary(ctx context.Context, rec SummaryRecord) error
	Summaries(ctx context.Context) (map[dataset.Kind]SummaryRecord, error)

	// PutArticles replaces the cached article list.
	PutArticles(ctx context.Context, articles []news.Article) error
	Articles(ctx context.Context) ([]news.Article, error)

	AddExclusion(ctx context.Context, title string) error
	Exclusions(ctx context.Context) ([]string, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}
