package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.host", typ: kString, env: "RECALL_SERVER_HOST",
		apply:   func(cfg *Config, v any) { cfg.Server.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.Host },
	},
	{
		key: "server.port", typ: kInt, env: "RECALL_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_key", typ: kString, env: "RECALL_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIKey },
	},
	{
		key: "store.data_dir", typ: kString, env: "RECALL_STORE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Store.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Store.DataDir },
	},
	{
		key: "store.min_conns", typ: kInt, env: "RECALL_STORE_MIN_CONNS",
		apply:   func(cfg *Config, v any) { cfg.Store.MinConns = v.(int) },
		extract: func(cfg Config) any { return cfg.Store.MinConns },
	},
	{
		key: "store.max_conns", typ: kInt, env: "RECALL_STORE_MAX_CONNS",
		apply:   func(cfg *Config, v any) { cfg.Store.MaxConns = v.(int) },
		extract: func(cfg Config) any { return cfg.Store.MaxConns },
	},
	{
		key: "store.acquire_timeout_ms", typ: kInt, env: "RECALL_STORE_ACQUIRE_TIMEOUT_MS",
		apply:   func(cfg *Config, v any) { cfg.Store.AcquireTimeoutMs = v.(int) },
		extract: func(cfg Config) any { return cfg.Store.AcquireTimeoutMs },
	},
	{
		key: "store.connect_attempts", typ: kInt, env: "RECALL_STORE_CONNECT_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Store.ConnectAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Store.ConnectAttempts },
	},
	{
		key: "store.connect_backoff_ms", typ: kInt, env: "RECALL_STORE_CONNECT_BACKOFF_MS",
		apply:   func(cfg *Config, v any) { cfg.Store.ConnectBackoffMs = v.(int) },
		extract: func(cfg Config) any { return cfg.Store.ConnectBackoffMs },
	},
	{
		key: "store.slow_query_ms", typ: kInt, env: "RECALL_STORE_SLOW_QUERY_MS",
		apply:   func(cfg *Config, v any) { cfg.Store.SlowQueryMs = v.(int) },
		extract: func(cfg Config) any { return cfg.Store.SlowQueryMs },
	},
	{
		key: "store.slow_vector_query_ms", typ: kInt, env: "RECALL_STORE_SLOW_VECTOR_QUERY_MS",
		apply:   func(cfg *Config, v any) { cfg.Store.SlowVectorQueryMs = v.(int) },
		extract: func(cfg Config) any { return cfg.Store.SlowVectorQueryMs },
	},
	{
		key: "store.disable_vector", typ: kBool, env: "RECALL_STORE_DISABLE_VECTOR",
		apply:   func(cfg *Config, v any) { cfg.Store.DisableVector = v.(bool) },
		extract: func(cfg Config) any { return cfg.Store.DisableVector },
	},
	{
		key: "store.maintenance_interval_min", typ: kInt, env: "RECALL_STORE_MAINTENANCE_INTERVAL_MIN",
		apply:   func(cfg *Config, v any) { cfg.Store.MaintenanceIntervalMin = v.(int) },
		extract: func(cfg Config) any { return cfg.Store.MaintenanceIntervalMin },
	},
	{
		key: "embed.base_url", typ: kString, env: "RECALL_EMBED_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Embed.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Embed.BaseURL },
	},
	{
		key: "embed.api_key", typ: kString, env: "RECALL_EMBED_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Embed.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Embed.APIKey },
	},
	{
		key: "embed.model", typ: kString, env: "RECALL_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Embed.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Embed.Model },
	},
	{
		key: "embed.dimensions", typ: kInt, env: "RECALL_EMBED_DIMENSIONS",
		apply:   func(cfg *Config, v any) { cfg.Embed.Dimensions = v.(int) },
		extract: func(cfg Config) any { return cfg.Embed.Dimensions },
	},
	{
		key: "embed.timeout_ms", typ: kInt, env: "RECALL_EMBED_TIMEOUT_MS",
		apply:   func(cfg *Config, v any) { cfg.Embed.TimeoutMs = v.(int) },
		extract: func(cfg Config) any { return cfg.Embed.TimeoutMs },
	},
	{
		key: "embed.max_attempts", typ: kInt, env: "RECALL_EMBED_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Embed.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Embed.MaxAttempts },
	},
	{
		key: "embed.backoff_ms", typ: kInt, env: "RECALL_EMBED_BACKOFF_MS",
		apply:   func(cfg *Config, v any) { cfg.Embed.BackoffMs = v.(int) },
		extract: func(cfg Config) any { return cfg.Embed.BackoffMs },
	},
	{
		key: "ingest.batch_size", typ: kInt, env: "RECALL_INGEST_BATCH_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Ingest.BatchSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.BatchSize },
	},
	{
		key: "ingest.max_jobs", typ: kInt, env: "RECALL_INGEST_MAX_JOBS",
		apply:   func(cfg *Config, v any) { cfg.Ingest.MaxJobs = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.MaxJobs },
	},
	{
		key: "ingest.poll_interval_ms", typ: kInt, env: "RECALL_INGEST_POLL_INTERVAL_MS",
		apply:   func(cfg *Config, v any) { cfg.Ingest.PollIntervalMs = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.PollIntervalMs },
	},
	{
		key: "search.semantic_weight", typ: kFloat, env: "RECALL_SEARCH_SEMANTIC_WEIGHT",
		apply:   func(cfg *Config, v any) { cfg.Search.SemanticWeight = v.(float64) },
		extract: func(cfg Config) any { return cfg.Search.SemanticWeight },
	},
	{
		key: "search.keyword_weight", typ: kFloat, env: "RECALL_SEARCH_KEYWORD_WEIGHT",
		apply:   func(cfg *Config, v any) { cfg.Search.KeywordWeight = v.(float64) },
		extract: func(cfg Config) any { return cfg.Search.KeywordWeight },
	},
	{
		key: "search.default_threshold", typ: kFloat, env: "RECALL_SEARCH_DEFAULT_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Search.DefaultThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Search.DefaultThreshold },
	},
	{
		key: "search.default_max_results", typ: kInt, env: "RECALL_SEARCH_DEFAULT_MAX_RESULTS",
		apply:   func(cfg *Config, v any) { cfg.Search.DefaultMaxResults = v.(int) },
		extract: func(cfg Config) any { return cfg.Search.DefaultMaxResults },
	},
	{
		key: "log.level", typ: kString, env: "RECALL_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
