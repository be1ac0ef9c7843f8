package config

import (
	"strings"
	"testing"
)

// mapBackend is an in-memory ConfigBackend for tests.
type mapBackend struct {
	data map[string]any
}

func newMapBackend() *mapBackend {
	return &mapBackend{data: make(map[string]any)}
}

func (b *mapBackend) GetString(key string) (string, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return "", false, nil
	}
	if s, isStr := v.(string); isStr {
		return s, true, nil
	}
	return "", false, nil
}

func (b *mapBackend) GetInt(key string) (int, bool, error) {
	v, ok := b.data[key]
	if !ok {
		return 0, false, nil
	}
	if i, isInt := v.(int); isInt {
		return i, true, nil
	}
	return 0, false, nil
}

func (b *mapBackend) SetString(key, val string) error { b.data[key] = val; return nil }
func (b *mapBackend) SetInt(key string, val int) error {
	b.data[key] = val
	return nil
}
func (b *mapBackend) Delete(key string) error { delete(b.data, key); return nil }

func TestDefaults(t *testing.T) {
	cfg, err := loadWith(newMapBackend())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4400 {
		t.Errorf("Server.Port = %d, want 4400", cfg.Server.Port)
	}
	if cfg.Store.MinConns != 5 || cfg.Store.MaxConns != 25 {
		t.Errorf("Store pool = %d/%d, want 5/25", cfg.Store.MinConns, cfg.Store.MaxConns)
	}
	if cfg.Store.ConnectAttempts != 5 {
		t.Errorf("Store.ConnectAttempts = %d, want 5", cfg.Store.ConnectAttempts)
	}
	if cfg.Store.SlowQueryMs != 1000 || cfg.Store.SlowVectorQueryMs != 2000 {
		t.Errorf("slow thresholds = %d/%d, want 1000/2000", cfg.Store.SlowQueryMs, cfg.Store.SlowVectorQueryMs)
	}
	if cfg.Embed.Model != "nomic-embed-text" {
		t.Errorf("Embed.Model = %q, want %q", cfg.Embed.Model, "nomic-embed-text")
	}
	if cfg.Ingest.BatchSize != 50 {
		t.Errorf("Ingest.BatchSize = %d, want 50", cfg.Ingest.BatchSize)
	}
	if cfg.Search.SemanticWeight != 0.6 || cfg.Search.KeywordWeight != 0.4 {
		t.Errorf("fusion weights = %v/%v, want 0.6/0.4", cfg.Search.SemanticWeight, cfg.Search.KeywordWeight)
	}
	if cfg.Search.DefaultThreshold != 0.7 {
		t.Errorf("Search.DefaultThreshold = %v, want 0.7", cfg.Search.DefaultThreshold)
	}
}

func TestBackendOverridesDefaults(t *testing.T) {
	b := newMapBackend()
	b.data["server.port"] = 5500
	b.data["store.max_conns"] = 10
	b.data["search.semantic_weight"] = "0.8"
	b.data["store.disable_vector"] = "true"

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 5500 {
		t.Errorf("Server.Port = %d, want 5500", cfg.Server.Port)
	}
	if cfg.Store.MaxConns != 10 {
		t.Errorf("Store.MaxConns = %d, want 10", cfg.Store.MaxConns)
	}
	if cfg.Search.SemanticWeight != 0.8 {
		t.Errorf("Search.SemanticWeight = %v, want 0.8", cfg.Search.SemanticWeight)
	}
	if !cfg.Store.DisableVector {
		t.Error("Store.DisableVector = false, want true")
	}
}

func TestEnvOverridesBackend(t *testing.T) {
	b := newMapBackend()
	b.data["embed.model"] = "from-file"

	t.Setenv("RECALL_EMBED_MODEL", "from-env")
	t.Setenv("RECALL_EMBED_DIMENSIONS", "1536")
	t.Setenv("RECALL_API_KEY", "secret-123")

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Embed.Model != "from-env" {
		t.Errorf("Embed.Model = %q, want %q", cfg.Embed.Model, "from-env")
	}
	if cfg.Embed.Dimensions != 1536 {
		t.Errorf("Embed.Dimensions = %d, want 1536", cfg.Embed.Dimensions)
	}
	if cfg.Server.APIKey != "secret-123" {
		t.Errorf("Server.APIKey = %q, want %q", cfg.Server.APIKey, "secret-123")
	}
}

func TestSecretsNotReadFromBackend(t *testing.T) {
	b := newMapBackend()
	b.data["server.api_key"] = "leaked"

	t.Setenv("RECALL_API_KEY", "")

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.APIKey != "" {
		t.Errorf("Server.APIKey = %q, want empty (secrets come from env only)", cfg.Server.APIKey)
	}
}

func TestSetKey(t *testing.T) {
	b := newMapBackend()

	if err := setKeyOn(b, "server.port", "8080"); err != nil {
		t.Fatalf("setting int key: %v", err)
	}
	if got := b.data["server.port"]; got != 8080 {
		t.Errorf("server.port = %v, want 8080", got)
	}

	if err := setKeyOn(b, "server.port", "not-a-number"); err == nil {
		t.Error("expected error for invalid integer value")
	}

	if err := setKeyOn(b, "store.disable_vector", "yes-please"); err == nil {
		t.Error("expected error for invalid bool value")
	}

	if err := setKeyOn(b, "no.such.key", "x"); err == nil {
		t.Error("expected error for unknown key")
	}

	if err := setKeyOn(b, "server.api_key", "x"); err == nil || !strings.Contains(err.Error(), "secret") {
		t.Errorf("expected secret refusal, got %v", err)
	}
}

func TestValidKeysExcludesSecrets(t *testing.T) {
	for _, k := range ValidKeys() {
		if k == "server.api_key" || k == "embed.api_key" {
			t.Errorf("secret key %q listed as settable", k)
		}
	}
}
