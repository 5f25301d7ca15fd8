// Package config loads the YAML configuration and converts it into the
// typed settings the rest of the process consumes.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zeketx/limitguard/internal/rules"
	"github.com/zeketx/limitguard/internal/store"
	"github.com/zeketx/limitguard/internal/violations"
)

// Config is the top-level configuration for a limitguard process.
type Config struct {
	Server  ServerConfig
	Store   StoreConfig
	Rules   RulesConfig
	Monitor MonitorConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr string
}

// StoreConfig selects and tunes the counter store backend.
type StoreConfig struct {
	// Backend is "memory" or "redis". Memory is single-process only.
	Backend string
	Redis   RedisConfig
}

// RedisConfig mirrors store.RedisConfig with config-file types.
type RedisConfig struct {
	Cluster      bool
	ClusterNodes []string
	Host         string
	Port         int
	Password     string
	DB           int
	PoolSize     int
	OpTimeout    time.Duration
}

// RuleConfig is one rate limit rule as written in the config file.
type RuleConfig struct {
	Endpoint        string
	Tier            string
	Window          time.Duration
	MaxRequests     uint32
	CountSuccessful bool
	CountFailed     bool
	FailClosed      bool
}

// RulesConfig holds the rule set. Fallback applies when no endpoint rule
// matches; Endpoints lists per-endpoint, per-tier rules.
type RulesConfig struct {
	Fallback  RuleConfig
	Endpoints []RuleConfig
}

// MonitorConfig tunes violation pattern detection.
type MonitorConfig struct {
	Retention            time.Duration
	Cooldown             time.Duration
	BlockTTL             time.Duration
	BruteForceThreshold  int
	APIAbuseThreshold    int
	AuthEndpointPrefixes []string
}

// Default returns a Config with sensible defaults: in-memory store, the
// permissive fallback rule and stock detection thresholds.
func Default() Config {
	mon := violations.DefaultConfig()
	return Config{
		Server: ServerConfig{
			Addr: ":8080",
		},
		Store: StoreConfig{
			Backend: "memory",
			Redis: RedisConfig{
				Host:      "localhost",
				Port:      6379,
				OpTimeout: 75 * time.Millisecond,
			},
		},
		Rules: RulesConfig{
			Fallback: RuleConfig{
				Window:          rules.FallbackRule.Window,
				MaxRequests:     rules.FallbackRule.MaxRequests,
				CountSuccessful: true,
				CountFailed:     true,
			},
		},
		Monitor: MonitorConfig{
			Retention:            mon.Retention,
			Cooldown:             mon.Cooldown,
			BlockTTL:             mon.BlockTTL,
			BruteForceThreshold:  mon.BruteForceThreshold,
			APIAbuseThreshold:    mon.APIAbuseThreshold,
			AuthEndpointPrefixes: mon.AuthEndpointPrefixes,
		},
	}
}

// Validate checks that the config is valid. A bad rule set is fatal here
// rather than being skipped at runtime.
func (c Config) Validate() error {
	switch c.Store.Backend {
	case "memory":
	case "redis":
		if c.Store.Redis.Cluster {
			if len(c.Store.Redis.ClusterNodes) == 0 {
				return fmt.Errorf("redis cluster mode needs at least one node in cluster_nodes")
			}
		} else {
			if c.Store.Redis.Host == "" {
				return fmt.Errorf("redis host is required")
			}
			if c.Store.Redis.Port <= 0 {
				return fmt.Errorf("redis port must be positive, got %d", c.Store.Redis.Port)
			}
		}
	default:
		return fmt.Errorf("unknown store backend %q, must be one of: memory, redis", c.Store.Backend)
	}
	if err := c.Rules.Fallback.rule().Validate(); err != nil {
		return fmt.Errorf("fallback rule: %w", err)
	}
	for i, rc := range c.Rules.Endpoints {
		if rc.Endpoint == "" {
			return fmt.Errorf("rules[%d]: endpoint is required", i)
		}
		if rc.Tier != "" && rc.Tier != string(rules.TierDefault) && rules.Tier(rc.Tier).Rank() < 0 {
			return fmt.Errorf("rules[%d] (%s): unknown tier %q", i, rc.Endpoint, rc.Tier)
		}
		if err := rc.rule().Validate(); err != nil {
			return fmt.Errorf("rules[%d] (%s): %w", i, rc.Endpoint, err)
		}
	}
	if c.Monitor.BruteForceThreshold < 1 {
		return fmt.Errorf("monitor.brute_force_threshold must be at least 1, got %d", c.Monitor.BruteForceThreshold)
	}
	if c.Monitor.APIAbuseThreshold < 1 {
		return fmt.Errorf("monitor.api_abuse_threshold must be at least 1, got %d", c.Monitor.APIAbuseThreshold)
	}
	return nil
}

func (rc RuleConfig) rule() rules.Rule {
	return rules.Rule{
		Window:          rc.Window,
		MaxRequests:     rc.MaxRequests,
		CountSuccessful: rc.CountSuccessful,
		CountFailed:     rc.CountFailed,
		FailClosed:      rc.FailClosed,
	}
}

// Registry builds the rule registry from the config. Call Validate first.
func (c Config) Registry() (*rules.Registry, error) {
	reg := rules.NewRegistry()
	if err := reg.SetFallback(c.Rules.Fallback.rule()); err != nil {
		return nil, err
	}
	for _, rc := range c.Rules.Endpoints {
		tier := rules.Tier(rc.Tier)
		if rc.Tier == "" {
			tier = rules.TierDefault
		}
		if err := reg.Register(rules.Key{Endpoint: rc.Endpoint, Tier: tier}, rc.rule()); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// MonitorSettings converts the monitor section into the detector's config,
// keeping in-process defaults for the queue and ring sizes.
func (c Config) MonitorSettings() violations.Config {
	mon := violations.DefaultConfig()
	mon.Retention = c.Monitor.Retention
	mon.Cooldown = c.Monitor.Cooldown
	mon.BlockTTL = c.Monitor.BlockTTL
	mon.BruteForceThreshold = c.Monitor.BruteForceThreshold
	mon.APIAbuseThreshold = c.Monitor.APIAbuseThreshold
	if len(c.Monitor.AuthEndpointPrefixes) > 0 {
		mon.AuthEndpointPrefixes = c.Monitor.AuthEndpointPrefixes
	}
	return mon
}

// RedisSettings converts the redis section into the store's config.
func (c Config) RedisSettings() store.RedisConfig {
	return store.RedisConfig{
		Cluster:      c.Store.Redis.Cluster,
		ClusterNodes: c.Store.Redis.ClusterNodes,
		Host:         c.Store.Redis.Host,
		Port:         c.Store.Redis.Port,
		Password:     c.Store.Redis.Password,
		DB:           c.Store.Redis.DB,
		PoolSize:     c.Store.Redis.PoolSize,
		OpTimeout:    c.Store.Redis.OpTimeout,
	}
}

// LoadFile reads a YAML config file and merges it with defaults.
// Fields not specified in the file retain their default values.
func LoadFile(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	// Use a raw intermediate struct to handle duration parsing.
	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}

	if raw.Server.Addr != "" {
		cfg.Server.Addr = raw.Server.Addr
	}
	if raw.Store.Backend != "" {
		cfg.Store.Backend = raw.Store.Backend
	}
	if raw.Store.Redis.Host != "" {
		cfg.Store.Redis.Host = raw.Store.Redis.Host
	}
	if raw.Store.Redis.Port > 0 {
		cfg.Store.Redis.Port = raw.Store.Redis.Port
	}
	cfg.Store.Redis.Cluster = raw.Store.Redis.Cluster
	if len(raw.Store.Redis.ClusterNodes) > 0 {
		cfg.Store.Redis.ClusterNodes = raw.Store.Redis.ClusterNodes
	}
	if raw.Store.Redis.Password != "" {
		cfg.Store.Redis.Password = raw.Store.Redis.Password
	}
	if raw.Store.Redis.DB > 0 {
		cfg.Store.Redis.DB = raw.Store.Redis.DB
	}
	if raw.Store.Redis.PoolSize > 0 {
		cfg.Store.Redis.PoolSize = raw.Store.Redis.PoolSize
	}
	if raw.Store.Redis.OpTimeout != "" {
		d, err := time.ParseDuration(raw.Store.Redis.OpTimeout)
		if err != nil {
			return cfg, fmt.Errorf("parsing store.redis.op_timeout: %w", err)
		}
		cfg.Store.Redis.OpTimeout = d
	}

	if raw.Rules.Fallback != nil {
		rc, err := raw.Rules.Fallback.merge(cfg.Rules.Fallback, "rules.fallback")
		if err != nil {
			return cfg, err
		}
		cfg.Rules.Fallback = rc
	}
	for i, rr := range raw.Rules.Endpoints {
		rc, err := rr.merge(RuleConfig{}, fmt.Sprintf("rules.endpoints[%d]", i))
		if err != nil {
			return cfg, err
		}
		cfg.Rules.Endpoints = append(cfg.Rules.Endpoints, rc)
	}

	if raw.Monitor.Retention != "" {
		d, err := time.ParseDuration(raw.Monitor.Retention)
		if err != nil {
			return cfg, fmt.Errorf("parsing monitor.retention: %w", err)
		}
		cfg.Monitor.Retention = d
	}
	if raw.Monitor.Cooldown != "" {
		d, err := time.ParseDuration(raw.Monitor.Cooldown)
		if err != nil {
			return cfg, fmt.Errorf("parsing monitor.cooldown: %w", err)
		}
		cfg.Monitor.Cooldown = d
	}
	if raw.Monitor.BlockTTL != "" {
		d, err := time.ParseDuration(raw.Monitor.BlockTTL)
		if err != nil {
			return cfg, fmt.Errorf("parsing monitor.block_ttl: %w", err)
		}
		cfg.Monitor.BlockTTL = d
	}
	if raw.Monitor.BruteForceThreshold > 0 {
		cfg.Monitor.BruteForceThreshold = raw.Monitor.BruteForceThreshold
	}
	if raw.Monitor.APIAbuseThreshold > 0 {
		cfg.Monitor.APIAbuseThreshold = raw.Monitor.APIAbuseThreshold
	}
	if len(raw.Monitor.AuthEndpointPrefixes) > 0 {
		cfg.Monitor.AuthEndpointPrefixes = raw.Monitor.AuthEndpointPrefixes
	}

	return cfg, nil
}

// rawConfig is the YAML representation with string durations.
type rawConfig struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
	Store struct {
		Backend string `yaml:"backend"`
		Redis   struct {
			Cluster      bool     `yaml:"cluster"`
			ClusterNodes []string `yaml:"cluster_nodes"`
			Host         string   `yaml:"host"`
			Port         int      `yaml:"port"`
			Password     string   `yaml:"password"`
			DB           int      `yaml:"db"`
			PoolSize     int      `yaml:"pool_size"`
			OpTimeout    string   `yaml:"op_timeout"`
		} `yaml:"redis"`
	} `yaml:"store"`
	Rules struct {
		Fallback  *rawRule  `yaml:"fallback"`
		Endpoints []rawRule `yaml:"endpoints"`
	} `yaml:"rules"`
	Monitor struct {
		Retention            string   `yaml:"retention"`
		Cooldown             string   `yaml:"cooldown"`
		BlockTTL             string   `yaml:"block_ttl"`
		BruteForceThreshold  int      `yaml:"brute_force_threshold"`
		APIAbuseThreshold    int      `yaml:"api_abuse_threshold"`
		AuthEndpointPrefixes []string `yaml:"auth_endpoint_prefixes"`
	} `yaml:"monitor"`
}

type rawRule struct {
	Endpoint        string  `yaml:"endpoint"`
	Tier            string  `yaml:"tier"`
	Window          string  `yaml:"window"`
	MaxRequests     *uint32 `yaml:"max_requests"`
	CountSuccessful *bool   `yaml:"count_successful"`
	CountFailed     *bool   `yaml:"count_failed"`
	FailClosed      bool    `yaml:"fail_closed"`
}

// merge overlays the raw rule onto base. Counting flags default to true
// when left out so a minimal rule counts everything.
func (rr rawRule) merge(base RuleConfig, where string) (RuleConfig, error) {
	rc := base
	if rr.Endpoint != "" {
		rc.Endpoint = rr.Endpoint
	}
	if rr.Tier != "" {
		rc.Tier = rr.Tier
	}
	if rr.Window != "" {
		d, err := time.ParseDuration(rr.Window)
		if err != nil {
			return rc, fmt.Errorf("parsing %s.window: %w", where, err)
		}
		rc.Window = d
	}
	if rr.MaxRequests != nil {
		rc.MaxRequests = *rr.MaxRequests
	}
	rc.CountSuccessful = rr.CountSuccessful == nil || *rr.CountSuccessful
	rc.CountFailed = rr.CountFailed == nil || *rr.CountFailed
	rc.FailClosed = rr.FailClosed
	return rc, nil
}

// WriteExample writes an example config file to the given path.
func WriteExample(path string) error {
	example := `server:
  addr: ":8080"

store:
  backend: redis
  redis:
    host: localhost
    port: 6379
    op_timeout: 75ms

rules:
  fallback:
    window: 1m
    max_requests: 60
  endpoints:
    - endpoint: api.search
      window: 1m
      max_requests: 120
    - endpoint: api.search
      tier: service
      window: 1m
      max_requests: 1200
    - endpoint: auth.login
      window: 15m
      max_requests: 5
      count_successful: false
      fail_closed: true

monitor:
  retention: 1h
  cooldown: 15m
  block_ttl: 24h
  brute_force_threshold: 3
  api_abuse_threshold: 10
  auth_endpoint_prefixes: ["auth.", "login"]
`
	return os.WriteFile(path, []byte(example), 0o644)
}
