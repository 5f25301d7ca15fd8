package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/zeketx/limitguard/internal/rules"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Server.Addr != ":8080" {
		t.Errorf("default addr = %q, want %q", cfg.Server.Addr, ":8080")
	}
	if cfg.Store.Backend != "memory" {
		t.Errorf("default store backend = %q, want memory", cfg.Store.Backend)
	}
	if cfg.Rules.Fallback.MaxRequests != 60 {
		t.Errorf("default fallback max_requests = %d, want 60", cfg.Rules.Fallback.MaxRequests)
	}
	if cfg.Monitor.BruteForceThreshold != 3 {
		t.Errorf("default brute force threshold = %d, want 3", cfg.Monitor.BruteForceThreshold)
	}
}

func TestValidate_Valid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should be valid, got %v", err)
	}
}

func TestValidate_BadBackend(t *testing.T) {
	cfg := Default()
	cfg.Store.Backend = "bogus"
	if err := cfg.Validate(); err == nil {
		t.Error("unknown store backend should be invalid")
	}
}

func TestValidate_RedisRequiresHostAndPort(t *testing.T) {
	cfg := Default()
	cfg.Store.Backend = "redis"
	cfg.Store.Redis.Host = ""
	if err := cfg.Validate(); err == nil {
		t.Error("missing redis host should be invalid")
	}

	cfg = Default()
	cfg.Store.Backend = "redis"
	cfg.Store.Redis.Port = 0
	if err := cfg.Validate(); err == nil {
		t.Error("non-positive redis port should be invalid")
	}
}

func TestValidate_ClusterRequiresNodes(t *testing.T) {
	cfg := Default()
	cfg.Store.Backend = "redis"
	cfg.Store.Redis.Cluster = true
	if err := cfg.Validate(); err == nil {
		t.Error("cluster mode without nodes should be invalid")
	}
}

func TestValidate_BadRuleWindow(t *testing.T) {
	cfg := Default()
	cfg.Rules.Endpoints = []RuleConfig{{Endpoint: "api.search", Window: 0, MaxRequests: 10}}
	if err := cfg.Validate(); err == nil {
		t.Error("zero window should be invalid")
	}
}

func TestValidate_BadRuleTier(t *testing.T) {
	cfg := Default()
	cfg.Rules.Endpoints = []RuleConfig{{Endpoint: "api.search", Tier: "vip", Window: time.Minute, MaxRequests: 10}}
	if err := cfg.Validate(); err == nil {
		t.Error("unknown tier should be invalid")
	}
}

func TestValidate_RuleNeedsEndpoint(t *testing.T) {
	cfg := Default()
	cfg.Rules.Endpoints = []RuleConfig{{Window: time.Minute, MaxRequests: 10}}
	if err := cfg.Validate(); err == nil {
		t.Error("rule without endpoint should be invalid")
	}
}

func TestValidate_ZeroMaxRequestsIsValid(t *testing.T) {
	cfg := Default()
	cfg.Rules.Endpoints = []RuleConfig{{Endpoint: "admin.debug", Window: time.Minute, MaxRequests: 0}}
	if err := cfg.Validate(); err != nil {
		t.Errorf("zero max_requests closes the endpoint and should be valid, got %v", err)
	}
}

func TestLoadFile_Full(t *testing.T) {
	content := `
server:
  addr: ":9090"
store:
  backend: redis
  redis:
    host: 127.0.0.1
    port: 6380
    password: secret
    db: 2
    pool_size: 25
    op_timeout: 150ms
rules:
  fallback:
    window: 2m
    max_requests: 30
  endpoints:
    - endpoint: auth.login
      window: 15m
      max_requests: 5
      count_successful: false
      fail_closed: true
monitor:
  retention: 30m
  brute_force_threshold: 5
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte(content), 0o644)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("addr = %q, want %q", cfg.Server.Addr, ":9090")
	}
	if cfg.Store.Backend != "redis" {
		t.Errorf("store backend = %q, want redis", cfg.Store.Backend)
	}
	if cfg.Store.Redis.Host != "127.0.0.1" || cfg.Store.Redis.Port != 6380 {
		t.Errorf("redis endpoint = %s:%d, want 127.0.0.1:6380", cfg.Store.Redis.Host, cfg.Store.Redis.Port)
	}
	if cfg.Store.Redis.OpTimeout != 150*time.Millisecond {
		t.Errorf("redis op_timeout = %s, want 150ms", cfg.Store.Redis.OpTimeout)
	}
	if cfg.Rules.Fallback.Window != 2*time.Minute || cfg.Rules.Fallback.MaxRequests != 30 {
		t.Errorf("fallback = %+v, want 30 req / 2m", cfg.Rules.Fallback)
	}
	if len(cfg.Rules.Endpoints) != 1 {
		t.Fatalf("got %d endpoint rules, want 1", len(cfg.Rules.Endpoints))
	}
	login := cfg.Rules.Endpoints[0]
	if login.Endpoint != "auth.login" || login.MaxRequests != 5 || !login.FailClosed {
		t.Errorf("login rule = %+v", login)
	}
	if login.CountSuccessful {
		t.Error("count_successful: false should carry through")
	}
	if !login.CountFailed {
		t.Error("count_failed defaults to true when omitted")
	}
	if cfg.Monitor.Retention != 30*time.Minute {
		t.Errorf("retention = %v, want 30m", cfg.Monitor.Retention)
	}
	if cfg.Monitor.BruteForceThreshold != 5 {
		t.Errorf("brute force threshold = %d, want 5", cfg.Monitor.BruteForceThreshold)
	}
	// Untouched sections keep their defaults.
	if cfg.Monitor.Cooldown != 15*time.Minute {
		t.Errorf("cooldown should stay default, got %v", cfg.Monitor.Cooldown)
	}
}

func TestLoadFile_Partial(t *testing.T) {
	content := "server:\n  addr: \":7070\"\n"
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte(content), 0o644)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Server.Addr != ":7070" {
		t.Errorf("addr = %q, want %q", cfg.Server.Addr, ":7070")
	}
	if cfg.Store.Backend != "memory" {
		t.Errorf("store backend should stay default, got %q", cfg.Store.Backend)
	}
	if cfg.Rules.Fallback.MaxRequests != 60 {
		t.Errorf("fallback should stay default, got %+v", cfg.Rules.Fallback)
	}
}

func TestLoadFile_NotFound(t *testing.T) {
	_, err := LoadFile("/nonexistent/config.yaml")
	if err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadFile_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte(":\n  - ["), 0o644)

	_, err := LoadFile(path)
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestLoadFile_BadDuration(t *testing.T) {
	content := "rules:\n  endpoints:\n    - endpoint: api.search\n      window: not-a-duration\n"
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte(content), 0o644)

	_, err := LoadFile(path)
	if err == nil {
		t.Error("expected error for bad duration")
	}
}

func TestRegistry_BuildsFromConfig(t *testing.T) {
	cfg := Default()
	cfg.Rules.Endpoints = []RuleConfig{
		{Endpoint: "api.search", Window: time.Minute, MaxRequests: 120, CountSuccessful: true, CountFailed: true},
		{Endpoint: "api.search", Tier: "service", Window: time.Minute, MaxRequests: 1200, CountSuccessful: true, CountFailed: true},
	}

	reg, err := cfg.Registry()
	if err != nil {
		t.Fatal(err)
	}

	if got := reg.Resolve("api.search", rules.TierAnonymous); got.MaxRequests != 120 {
		t.Errorf("anonymous resolves to %d, want endpoint default 120", got.MaxRequests)
	}
	if got := reg.Resolve("api.search", rules.TierService); got.MaxRequests != 1200 {
		t.Errorf("service resolves to %d, want 1200", got.MaxRequests)
	}
	if got := reg.Resolve("api.other", rules.TierAnonymous); got.MaxRequests != 60 {
		t.Errorf("unregistered endpoint resolves to %d, want fallback 60", got.MaxRequests)
	}
}

func TestWriteExample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "example.yaml")
	err := WriteExample(path)
	if err != nil {
		t.Fatal(err)
	}

	// Should be loadable and valid.
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("example config should be valid, got %v", err)
	}
	if _, err := cfg.Registry(); err != nil {
		t.Errorf("example rules should register cleanly, got %v", err)
	}
}
