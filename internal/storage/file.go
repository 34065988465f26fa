package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"covidwatch/internal/dataset"
	"covidwatch/internal/news"
	logx "covidwatch/pkg/logx"
)

// fileStore keeps everything in memory and rewrites a snapshot on change.
//
// Files:
//   - <prefix>.cache.json  (snapshot, replaced atomically)
//   - <prefix>.audit.jsonl (append-only JSON Lines)
type fileStore struct {
	log logx.Logger

	mu        sync.Mutex
	snapPath  string
	auditFile *os.File
	snap      fileSnapshot
}

type fileSnapshot struct {
	Summaries  map[dataset.Kind]SummaryRecord `json:"summaries"`
	Articles   []news.Article                 `json:"articles"`
	Exclusions map[string]time.Time           `json:"exclusions"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	s := &fileStore{log: log, snapPath: prefix + ".cache.json", auditFile: af}
	if err := s.load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		// A corrupt cache is not fatal; it is rebuilt by the next refresh.
		log.Warn("cache snapshot unreadable; starting empty", logx.String("path", s.snapPath), logx.Err(err))
	}
	if s.snap.Summaries == nil {
		s.snap.Summaries = map[dataset.Kind]SummaryRecord{}
	}
	if s.snap.Exclusions == nil {
		s.snap.Exclusions = map[string]time.Time{}
	}
	return s, nil
}

func (s *fileStore) load() error {
	b, err := os.ReadFile(s.snapPath)
	if err != nil {
		return err
	}
	var snap fileSnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return err
	}
	s.snap = snap
	return nil
}

func (s *fileStore) flushLocked() error {
	b, err := json.MarshalIndent(s.snap, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.snapPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.snapPath)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return nil
	}
	err := s.auditFile.Close()
	s.auditFile = nil
	return err
}

func (s *fileStore) PutSummary(ctx context.Context, rec SummaryRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !rec.Kind.IsCovid() {
		return errors.New("summary kind must be local or national")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Summaries[rec.Kind] = rec
	return s.flushLocked()
}

func (s *fileStore) Summaries(ctx context.Context) (map[dataset.Kind]SummaryRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[dataset.Kind]SummaryRecord, len(s.snap.Summaries))
	for k, v := range s.snap.Summaries {
		out[k] = v
	}
	return out, nil
}

func (s *fileStore) PutArticles(ctx context.Context, articles []news.Article) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap.Articles = append([]news.Article(nil), articles...)
	return s.flushLocked()
}

func (s *fileStore) Articles(ctx context.Context) ([]news.Article, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]news.Article(nil), s.snap.Articles...), nil
}

func (s *fileStore) AddExclusion(ctx context.Context, title string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snap.Exclusions[title]; ok {
		return nil
	}
	s.snap.Exclusions[title] = time.Now().UTC()
	return s.flushLocked()
}

func (s *fileStore) Exclusions(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	out := make([]string, 0, len(s.snap.Exclusions))
	for t := range s.snap.Exclusions {
		out = append(out, t)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out, nil
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}
