package config

type Config struct {
	Server ServerConfig
	Store  StoreConfig
	Embed  EmbedConfig
	Ingest IngestConfig
	Search SearchConfig
	Log    LogConfig
}

type ServerConfig struct {
	Host   string
	Port   int
	APIKey string
}

type StoreConfig struct {
	DataDir                string
	MinConns               int
	MaxConns               int
	AcquireTimeoutMs       int
	ConnectAttempts        int
	ConnectBackoffMs       int
	SlowQueryMs            int
	SlowVectorQueryMs      int
	DisableVector          bool
	MaintenanceIntervalMin int
}

type EmbedConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Dimensions  int
	TimeoutMs   int
	MaxAttempts int
	BackoffMs   int
}

type IngestConfig struct {
	BatchSize      int
	MaxJobs        int
	PollIntervalMs int
}

type SearchConfig struct {
	SemanticWeight    float64
	KeywordWeight     float64
	DefaultThreshold  float64
	DefaultMaxResults int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 4400,
		},
		Store: StoreConfig{
			DataDir:                defaultDataDir(),
			MinConns:               5,
			MaxConns:               25,
			AcquireTimeoutMs:       2000,
			ConnectAttempts:        5,
			ConnectBackoffMs:       2000,
			SlowQueryMs:            1000,
			SlowVectorQueryMs:      2000,
			MaintenanceIntervalMin: 60,
		},
		Embed: EmbedConfig{
			BaseURL:     "http://localhost:11434",
			Model:       "nomic-embed-text",
			Dimensions:  768,
			TimeoutMs:   30000,
			MaxAttempts: 3,
			BackoffMs:   500,
		},
		Ingest: IngestConfig{
			BatchSize:      50,
			MaxJobs:        2,
			PollIntervalMs: 500,
		},
		Search: SearchConfig{
			SemanticWeight:    0.6,
			KeywordWeight:     0.4,
			DefaultThreshold:  0.7,
			DefaultMaxResults: 20,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file backend at
// $XDG_CONFIG_HOME/recall/config.json, then applies RECALL_* environment
// overrides. Secrets (API keys) are never read from the file backend and
// must come from the environment.
func Load() (Config, error) {
	return loadWith(newFileBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	return cfg, nil
}
