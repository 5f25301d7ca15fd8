// Package limitguard is the embeddable public API. It re-exports the
// core types and assembles the full enforcement stack behind one Guard.
package limitguard

import (
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/zeketx/limitguard/internal/blocklist"
	internalclock "github.com/zeketx/limitguard/internal/clock"
	internalenforcer "github.com/zeketx/limitguard/internal/enforcer"
	"github.com/zeketx/limitguard/internal/engine"
	"github.com/zeketx/limitguard/internal/metrics"
	internalrules "github.com/zeketx/limitguard/internal/rules"
	internalstore "github.com/zeketx/limitguard/internal/store"
	"github.com/zeketx/limitguard/internal/violations"
)

// Clock abstracts time so enforcement works with both real and virtual time.
type Clock = internalclock.Clock

// VirtualClock is a controllable clock for deterministic tests.
type VirtualClock = internalclock.VirtualClock

// NewRealClock creates a real wall-clock implementation.
func NewRealClock() *internalclock.RealClock {
	return internalclock.NewRealClock()
}

// NewVirtualClock creates a virtual clock starting at the given time.
func NewVirtualClock(start time.Time) *VirtualClock {
	return internalclock.NewVirtualClock(start)
}

// Tier classifies a caller for rule selection.
type Tier = internalrules.Tier

const (
	TierAnonymous     = internalrules.TierAnonymous
	TierAuthenticated = internalrules.TierAuthenticated
	TierElevated      = internalrules.TierElevated
	TierService       = internalrules.TierService
	TierDefault       = internalrules.TierDefault
)

// Rule is an immutable rate limit policy.
type Rule = internalrules.Rule

// RuleKey identifies a rule by (endpoint, tier).
type RuleKey = internalrules.Key

// Registry resolves the effective rule for a caller.
type Registry = internalrules.Registry

// NewRegistry creates an empty registry with the permissive fallback rule.
func NewRegistry() *Registry {
	return internalrules.NewRegistry()
}

// Decision is the result of one evaluation.
type Decision = engine.Decision

// Outcome tells the engine how the request ended.
type Outcome = engine.Outcome

const (
	OutcomePending = engine.OutcomePending
	OutcomeSuccess = engine.OutcomeSuccess
	OutcomeFailure = engine.OutcomeFailure
)

// RequestContext carries everything needed for one decision.
type RequestContext = internalenforcer.RequestContext

// UsageStats is the read-only debugging view of an identifier.
type UsageStats = internalenforcer.UsageStats

// SecurityAlert is emitted once per detected abuse pattern.
type SecurityAlert = violations.SecurityAlert

// AlertType names a detected abuse pattern.
type AlertType = violations.AlertType

// Severity grades an alert.
type Severity = violations.Severity

const (
	AlertBruteForce = violations.AlertBruteForce
	AlertAPIAbuse   = violations.AlertAPIAbuse

	SeverityLow    = violations.SeverityLow
	SeverityMedium = violations.SeverityMedium
	SeverityHigh   = violations.SeverityHigh
)

// MonitorConfig tunes abuse pattern detection.
type MonitorConfig = violations.Config

// DefaultMonitorConfig returns the stock detection thresholds.
func DefaultMonitorConfig() MonitorConfig {
	return violations.DefaultConfig()
}

// Store is the shared counter store interface.
type Store = internalstore.Store

// RedisConfig configures the redis-backed store.
type RedisConfig = internalstore.RedisConfig

// NewMemoryStore creates a single-process in-memory store.
func NewMemoryStore(c Clock) Store {
	return internalstore.NewMemory(c)
}

// NewRedisStore connects to redis and verifies the connection.
func NewRedisStore(cfg *RedisConfig) (Store, error) {
	return internalstore.NewRedis(cfg)
}

// Options configures a Guard. Store and Registry are required; the rest
// default to a real clock, stock thresholds, no logging and private metrics.
type Options struct {
	Store    Store
	Registry *Registry
	Monitor  MonitorConfig
	Clock    Clock
	Logger   hclog.Logger
	Metrics  prometheus.Registerer
}

// Guard is the assembled enforcement stack.
type Guard struct {
	*internalenforcer.Enforcer

	monitor *violations.Monitor
	store   Store
}

// New assembles a Guard from the options.
func New(opts Options) *Guard {
	clk := opts.Clock
	if clk == nil {
		clk = internalclock.NewRealClock()
	}
	mcfg := monitorDefaults(opts.Monitor)
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	rec := metrics.New(opts.Metrics)

	blocks := blocklist.New(opts.Store, clk, logger.Named("blocklist"))
	mon := violations.NewMonitor(mcfg, opts.Store, blocks, clk, logger.Named("monitor"), rec)
	eng := engine.New(opts.Registry, opts.Store, mon, clk, logger.Named("engine"), rec)

	return &Guard{
		Enforcer: internalenforcer.New(opts.Registry, eng, blocks, mon, clk, logger, rec),
		monitor:  mon,
		store:    opts.Store,
	}
}

// monitorDefaults fills unset MonitorConfig fields without disturbing the
// ones the caller chose. Thresholds can be set negative to turn a
// detector off; zero means "use the stock value". RingCapacity and
// QueueSize default inside the monitor itself.
func monitorDefaults(mcfg MonitorConfig) MonitorConfig {
	def := violations.DefaultConfig()
	if mcfg.Retention <= 0 {
		mcfg.Retention = def.Retention
	}
	if mcfg.Cooldown <= 0 {
		mcfg.Cooldown = def.Cooldown
	}
	if mcfg.BlockTTL <= 0 {
		mcfg.BlockTTL = def.BlockTTL
	}
	if mcfg.SweepInterval <= 0 {
		mcfg.SweepInterval = def.SweepInterval
	}
	if mcfg.BruteForceThreshold == 0 {
		mcfg.BruteForceThreshold = def.BruteForceThreshold
	}
	if mcfg.BruteForceSeverity == "" {
		mcfg.BruteForceSeverity = def.BruteForceSeverity
	}
	if mcfg.APIAbuseThreshold == 0 {
		mcfg.APIAbuseThreshold = def.APIAbuseThreshold
	}
	if mcfg.APIAbuseSeverity == "" {
		mcfg.APIAbuseSeverity = def.APIAbuseSeverity
	}
	if len(mcfg.AuthEndpointPrefixes) == 0 {
		mcfg.AuthEndpointPrefixes = def.AuthEndpointPrefixes
	}
	return mcfg
}

// Close stops the violation monitor after draining its queue. The store is
// the caller's to close; it may be shared.
func (g *Guard) Close() {
	g.monitor.Close()
}
