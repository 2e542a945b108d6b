package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Chat.MaxTokensPerTurn != 6000 {
		t.Errorf("MaxTokensPerTurn = %d, want 6000", cfg.Chat.MaxTokensPerTurn)
	}
	if cfg.Chat.MaxToolRounds != 3 {
		t.Errorf("MaxToolRounds = %d, want 3", cfg.Chat.MaxToolRounds)
	}
	if cfg.Cache.ResponseTTLS != 300 {
		t.Errorf("ResponseTTLS = %d, want 300", cfg.Cache.ResponseTTLS)
	}
	if cfg.Cache.ResponseCapacity != 1000 {
		t.Errorf("ResponseCapacity = %d, want 1000", cfg.Cache.ResponseCapacity)
	}
	if cfg.Selector.Threshold != 0.3 {
		t.Errorf("Threshold = %v, want 0.3", cfg.Selector.Threshold)
	}
	if cfg.Search.Mode != "balanced" {
		t.Errorf("Search.Mode = %q, want balanced", cfg.Search.Mode)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if got := cfg.Trust.Default; got != 0.5 {
		t.Errorf("Trust.Default = %v, want 0.5", got)
	}
	if s, ok := cfg.Upstreams["yfinance"]; !ok || s.FailureThreshold != 5 {
		t.Errorf("Upstreams[yfinance] = %+v, want threshold 5", s)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("MAX_TOOL_ROUNDS", "5")
	t.Setenv("WEB_SEARCH_MODE", "fast")
	t.Setenv("RESPONSE_CACHE_TTL_S", "120")
	t.Setenv("ML_CONFIDENCE_THRESHOLD", "0.7")
	t.Setenv("GATEWAY_PORT", "9090")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Chat.MaxToolRounds != 5 {
		t.Errorf("MaxToolRounds = %d, want 5", cfg.Chat.MaxToolRounds)
	}
	if cfg.Search.Mode != "fast" {
		t.Errorf("Search.Mode = %q, want fast", cfg.Search.Mode)
	}
	if cfg.Cache.ResponseTTLS != 120 {
		t.Errorf("ResponseTTLS = %d, want 120", cfg.Cache.ResponseTTLS)
	}
	if cfg.Selector.Threshold != 0.7 {
		t.Errorf("Threshold = %v, want 0.7", cfg.Selector.Threshold)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
}

func TestLoadRejectsInvalidSearchMode(t *testing.T) {
	t.Setenv("WEB_SEARCH_MODE", "turbo")
	if _, err := Load(); err == nil {
		t.Fatal("Load accepted invalid search mode")
	}
}

func TestLoadRejectsInvalidThreshold(t *testing.T) {
	t.Setenv("ML_CONFIDENCE_THRESHOLD", "1.5")
	if _, err := Load(); err == nil {
		t.Fatal("Load accepted threshold outside [0,1]")
	}
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	yaml := `
chat:
  max_tool_rounds: 4
models:
  aliases:
    default: test-model-large
    cheap: test-model-small
trust:
  default: 0.25
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_PATH", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Chat.MaxToolRounds != 4 {
		t.Errorf("MaxToolRounds = %d, want 4", cfg.Chat.MaxToolRounds)
	}
	if dep, ok := cfg.Models.ResolveAlias("default"); !ok || dep != "test-model-large" {
		t.Errorf("ResolveAlias(default) = %q %v", dep, ok)
	}
	if cfg.Trust.Default != 0.25 {
		t.Errorf("Trust.Default = %v, want 0.25", cfg.Trust.Default)
	}
	// Defaults not named in the file still apply.
	if cfg.Cache.SimpleQueryTTLS != 60 {
		t.Errorf("SimpleQueryTTLS = %d, want 60", cfg.Cache.SimpleQueryTTLS)
	}
}

func TestEnvOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	if err := os.WriteFile(path, []byte("chat:\n  max_tool_rounds: 4\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("MAX_TOOL_ROUNDS", "7")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Chat.MaxToolRounds != 7 {
		t.Errorf("MaxToolRounds = %d, want 7 (env wins over file)", cfg.Chat.MaxToolRounds)
	}
}

func TestLoadExpandsProviderSecrets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.yaml")
	yaml := `
models:
  providers:
    - name: openai
      base_url: https://api.openai.com/v1
      api_key: ${TEST_PROVIDER_KEY}
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("TEST_PROVIDER_KEY", "sk-test-123")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Models.Providers) != 1 {
		t.Fatalf("Providers = %d entries, want 1", len(cfg.Models.Providers))
	}
	if got := cfg.Models.Providers[0].APIKey; got != "sk-test-123" {
		t.Errorf("APIKey = %q, want expanded secret", got)
	}
}

func TestResolveAlias(t *testing.T) {
	m := ModelsConfig{
		DefaultAlias: "default",
		Aliases: map[string]string{
			"default": "gpt-4o",
			"cheap":   "gpt-4o-mini",
		},
	}

	if dep, ok := m.ResolveAlias(""); !ok || dep != "gpt-4o" {
		t.Errorf("ResolveAlias(\"\") = %q %v, want gpt-4o", dep, ok)
	}
	if dep, ok := m.ResolveAlias("CHEAP"); !ok || dep != "gpt-4o-mini" {
		t.Errorf("ResolveAlias(CHEAP) = %q %v, want gpt-4o-mini", dep, ok)
	}
	if _, ok := m.ResolveAlias("nonexistent"); ok {
		t.Error("ResolveAlias(nonexistent) reported ok")
	}
}
