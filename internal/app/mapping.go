package app

import (
	"strings"
	"time"

	"covidwatch/internal/config"
	"covidwatch/internal/dashboard"
	"covidwatch/internal/fetch"
	"covidwatch/internal/storage"
	"covidwatch/internal/task/engine"
	"covidwatch/internal/task/scheduler"
	"covidwatch/internal/transport/httpapi"
	logx "covidwatch/pkg/logx"
)

// The mappers assume cfg passed config.Validate, so duration errors are
// impossible here.

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapEngineConfig(cfg *config.Config) engine.Config {
	te := cfg.TaskEngine
	return engine.Config{
		Enabled:        cfg.EngineEnabled(),
		Workers:        te.Workers,
		QueueSize:      te.QueueSize,
		DefaultTimeout: config.MustDuration(te.DefaultTimeout),
		MaxQueueDelay:  config.MustDuration(te.MaxQueueDelay),
		HistorySize:    te.HistorySize,
		RetryMax:       te.RetryMax,
	}
}

func mapSchedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: cfg.Scheduler.Timezone}
}

func mapFetchConfig(cfg *config.Config) fetch.Config {
	return fetch.Config{
		CovidEndpoint: cfg.Covid.Endpoint,
		NewsEndpoint:  cfg.News.Endpoint,
		APIKey:        cfg.News.APIKey,
		SearchTerms:   cfg.News.SearchTerms,
		PageSize:      cfg.News.PageSize,
		Local:         fetch.Area{Name: cfg.Covid.Location, Type: cfg.Covid.LocationType},
		National:      fetch.Area{Name: cfg.Covid.Nation, Type: "nation"},
		RatePerSec:    cfg.Covid.RatePerSec,
		Timeout:       config.MustDuration(cfg.Covid.Timeout),
	}
}

func mapAreas(cfg *config.Config) dashboard.Areas {
	return dashboard.Areas{Local: cfg.Covid.Location, National: cfg.Covid.Nation}
}

// mapStorageConfig reports enabled=false when the section is omitted or the
// driver is "none".
func mapStorageConfig(cfg *config.Config) (storage.Config, bool) {
	if cfg.Storage == nil {
		return storage.Config{}, false
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false
	}
	busy := config.MustDuration(cfg.Storage.BusyTimeout)
	if busy <= 0 {
		busy = time.Second
	}
	return storage.Config{Driver: driver, Path: strings.TrimSpace(cfg.Storage.Path), BusyTimeout: busy}, true
}

func mapHTTPOptions(cfg *config.Config) httpapi.Options {
	return httpapi.Options{
		ReadTimeout:  config.MustDuration(cfg.HTTP.ReadTimeout),
		WriteTimeout: config.MustDuration(cfg.HTTP.WriteTimeout),
		Pprof:        cfg.HTTP.Pprof,
		PprofToken:   cfg.HTTP.PprofToken,
	}
}

// newFetcher picks the offline directory source when covid.data_dir is set.
func newFetcher(cfg *config.Config, log logx.Logger) (fetch.Fetcher, *fetch.HTTPSource) {
	fc := mapFetchConfig(cfg)
	if dir := strings.TrimSpace(cfg.Covid.DataDir); dir != "" {
		return &fetch.FileSource{Dir: dir, Local: fc.Local, National: fc.National}, nil
	}
	src := fetch.NewHTTPSource(fc, nil, log)
	return src, src
}
