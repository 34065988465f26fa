package config

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// Config is the on-disk configuration. Durations are Go duration strings.
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	TaskEngine TaskEngineConfig `json:"task_engine"`
	Covid      CovidConfig      `json:"covid"`
	News       NewsConfig       `json:"news"`
	Storage    *StorageConfig   `json:"storage,omitempty"`
	HTTP       HTTPConfig       `json:"http"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Console bool   `json:"console"`
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path"`
	} `json:"file"`
}

type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone"` // IANA name; empty means the host zone
}

// TaskEngineConfig controls the execution engine.
//
// Enabled is a pointer so "omitted" (follow scheduler.enabled) differs from
// an explicit false.
//
// Defaults: workers 2, queue_size 64, history_size 200, retry_max 0.
type TaskEngineConfig struct {
	Enabled        *bool  `json:"enabled,omitempty"`
	Workers        int    `json:"workers,omitempty"`
	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	MaxQueueDelay  string `json:"max_queue_delay,omitempty"`
	HistorySize    int    `json:"history_size,omitempty"`
	RetryMax       int    `json:"retry_max,omitempty"`
}

// CovidConfig selects the statistics areas and source.
//
// Example:
//
//	"covid": { "location": "Exeter", "location_type": "ltla", "nation": "England" }
type CovidConfig struct {
	Location     string  `json:"location"`
	LocationType string  `json:"location_type"`
	Nation       string  `json:"nation"`
	Endpoint     string  `json:"endpoint,omitempty"`
	DataDir      string  `json:"data_dir,omitempty"` // read CSV files instead of Endpoint
	RatePerSec   float64 `json:"rate_per_sec,omitempty"`
	Timeout      string  `json:"timeout,omitempty"`
}

type NewsConfig struct {
	APIKey      string `json:"api_key"` // never logged
	Endpoint    string `json:"endpoint,omitempty"`
	SearchTerms string `json:"search_terms,omitempty"`
	PageSize    int    `json:"page_size,omitempty"`
}

type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

// HTTPConfig controls the JSON API.
//
// Pprof mounts net/http/pprof under /debug/pprof when enabled. Set
// PprofToken when Addr is not loopback.
type HTTPConfig struct {
	Addr         string `json:"addr"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	Pprof        bool   `json:"pprof,omitempty"`
	PprofToken   string `json:"pprof_token,omitempty"`
}

const (
	DefaultCovidEndpoint = "https://api.coronavirus.data.gov.uk/v1/data"
	DefaultNewsEndpoint  = "https://newsapi.org/v2/everything"
	DefaultHTTPAddr      = "127.0.0.1:8080"
)

// WithDefaults fills omitted values. The receiver is not modified.
func (c Config) WithDefaults() Config {
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	if strings.TrimSpace(c.Covid.Endpoint) == "" {
		c.Covid.Endpoint = DefaultCovidEndpoint
	}
	if strings.TrimSpace(c.Covid.LocationType) == "" {
		c.Covid.LocationType = "ltla"
	}
	if strings.TrimSpace(c.News.Endpoint) == "" {
		c.News.Endpoint = DefaultNewsEndpoint
	}
	if c.News.PageSize <= 0 {
		c.News.PageSize = 20
	}
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		c.HTTP.Addr = DefaultHTTPAddr
	}
	return c
}

// EngineEnabled resolves task_engine.enabled against scheduler.enabled.
func (c Config) EngineEnabled() bool {
	if c.TaskEngine.Enabled != nil {
		return *c.TaskEngine.Enabled
	}
	return c.Scheduler.Enabled
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Covid.Location) == "" {
		return fmt.Errorf("covid.location is required")
	}
	if strings.TrimSpace(c.Covid.Nation) == "" {
		return fmt.Errorf("covid.nation is required")
	}
	if c.Covid.RatePerSec < 0 {
		return fmt.Errorf("covid.rate_per_sec must be >= 0")
	}
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
	}
	if c.TaskEngine.Workers < 0 || c.TaskEngine.QueueSize < 0 || c.TaskEngine.HistorySize < 0 || c.TaskEngine.RetryMax < 0 {
		return fmt.Errorf("task_engine: sizes must be >= 0")
	}
	durations := map[string]string{
		"task_engine.default_timeout": c.TaskEngine.DefaultTimeout,
		"task_engine.max_queue_delay": c.TaskEngine.MaxQueueDelay,
		"covid.timeout":               c.Covid.Timeout,
		"http.read_timeout":           c.HTTP.ReadTimeout,
		"http.write_timeout":          c.HTTP.WriteTimeout,
	}
	if c.Storage != nil {
		durations["storage.busy_timeout"] = c.Storage.BusyTimeout
		switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
		}
	}
	for path, raw := range durations {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}
	if c.HTTP.Pprof && strings.TrimSpace(c.HTTP.PprofToken) == "" && !loopbackAddr(c.HTTP.Addr) {
		return fmt.Errorf("http.pprof_token is required when http.addr %q is not loopback", c.HTTP.Addr)
	}
	return nil
}

// loopbackAddr treats an empty addr as the loopback default.
func loopbackAddr(addr string) bool {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return true
	}
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// MustDuration parses a field already checked by Validate.
func MustDuration(raw string) time.Duration {
	d, _ := ParseDurationField("", raw)
	return d
}
