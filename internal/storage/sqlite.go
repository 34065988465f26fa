package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"covidwatch/internal/covid"
	"covidwatch/internal/dataset"
	"covidwatch/internal/news"
	logx "covidwatch/pkg/logx"
)

//go:embed migrations.sql
var migrationsSQL string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(migrationsSQL, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) PutSummary(ctx context.Context, rec SummaryRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if !rec.Kind.IsCovid() {
		return errors.New("summary kind must be local or national")
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO summaries(kind, area, last7days_cases, hospital_cases, total_deaths, updated_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(kind) DO UPDATE SET
		   area=excluded.area,
		   last7days_cases=excluded.last7days_cases,
		   hospital_cases=excluded.hospital_cases,
		   total_deaths=excluded.total_deaths,
		   updated_at=excluded.updated_at`,
		string(rec.Kind), rec.Area, rec.Summary.Last7DaysCases, rec.Summary.HospitalCases, rec.Summary.TotalDeaths,
		rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) Summaries(ctx context.Context) (map[dataset.Kind]SummaryRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT kind, area, last7days_cases, hospital_cases, total_deaths, updated_at FROM summaries`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[dataset.Kind]SummaryRecord{}
	for rows.Next() {
		var (
			kind, area, updated string
			sum                 covid.Summary
		)
		if err := rows.Scan(&kind, &area, &sum.Last7DaysCases, &sum.HospitalCases, &sum.TotalDeaths, &updated); err != nil {
			return nil, err
		}
		at, _ := time.Parse(time.RFC3339Nano, updated)
		out[dataset.Kind(kind)] = SummaryRecord{Kind: dataset.Kind(kind), Area: area, Summary: sum, UpdatedAt: at}
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutArticles(ctx context.Context, articles []news.Article) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM articles`); err != nil {
		return err
	}
	for i, a := range articles {
		var published any
		if !a.PublishedAt.IsZero() {
			published = a.PublishedAt.UTC().Format(time.RFC3339Nano)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO articles(pos, title, description, url, source, published_at) VALUES(?,?,?,?,?,?)`,
			i, a.Title, nullStr(a.Description), nullStr(a.URL), nullStr(a.Source), published,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) Articles(ctx context.Context) ([]news.Article, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT title, description, url, source, published_at FROM articles ORDER BY pos`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []news.Article
	for rows.Next() {
		var (
			a                            news.Article
			desc, url, source, published sql.NullString
		)
		if err := rows.Scan(&a.Title, &desc, &url, &source, &published); err != nil {
			return nil, err
		}
		a.Description, a.URL, a.Source = desc.String, url.String, source.String
		if published.Valid {
			a.PublishedAt, _ = time.Parse(time.RFC3339Nano, published.String)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AddExclusion(ctx context.Context, title string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO exclusions(title, at) VALUES(?,?) ON CONFLICT(title) DO NOTHING`,
		title, time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) Exclusions(ctx context.Context) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT title FROM exclusions ORDER BY title`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor, action, target, ok, err, meta) VALUES(?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), nullStr(e.Actor), e.Action, nullStr(e.Target), e.OK, nullStr(e.Error), nullStr(e.MetaJSON),
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
