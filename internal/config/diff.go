package config

import (
	"sort"
	"strings"

	logx "covidwatch/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// fields for logging. Secrets (news.api_key, http.pprof_token) are reported
// only as *_set booleans.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	oTE, nTE := oldCfg.TaskEngine, newCfg.TaskEngine
	if oldCfg.EngineEnabled() != newCfg.EngineEnabled() ||
		oTE.Workers != nTE.Workers || oTE.QueueSize != nTE.QueueSize ||
		oTE.DefaultTimeout != nTE.DefaultTimeout || oTE.MaxQueueDelay != nTE.MaxQueueDelay ||
		oTE.HistorySize != nTE.HistorySize || oTE.RetryMax != nTE.RetryMax {
		changed = append(changed, "task_engine")
		attrs = append(attrs,
			logx.Bool("task_engine.enabled", newCfg.EngineEnabled()),
			logx.Int("task_engine.workers", nTE.Workers),
			logx.Int("task_engine.queue_size", nTE.QueueSize),
		)
	}

	if oldCfg.Covid != newCfg.Covid {
		changed = append(changed, "covid")
		attrs = append(attrs,
			logx.String("covid.location", newCfg.Covid.Location),
			logx.String("covid.nation", newCfg.Covid.Nation),
			logx.Bool("covid.offline", strings.TrimSpace(newCfg.Covid.DataDir) != ""),
		)
	}

	if oldCfg.News != newCfg.News {
		changed = append(changed, "news")
		attrs = append(attrs,
			logx.String("news.search_terms", newCfg.News.SearchTerms),
			logx.Int("news.page_size", newCfg.News.PageSize),
			logx.Bool("news.api_key_set", strings.TrimSpace(newCfg.News.APIKey) != ""),
		)
	}

	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nS.Driver),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
			logx.Bool("http.pprof_token_set", strings.TrimSpace(newCfg.HTTP.PprofToken) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired lists changed sections that only take effect on restart.
func RestartRequired(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	if oldCfg.HTTP != newCfg.HTTP {
		out = append(out, "http")
	}
	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if oS != nS {
		out = append(out, "storage")
	}
	return out
}
