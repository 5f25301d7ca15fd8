// Package enforcer is the single entry point callers use: block list
// check first, then rule evaluation, so a quarantined identifier never
// consumes quota accounting and counters stay meaningful after unblock.
package enforcer

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/zeketx/limitguard/internal/blocklist"
	"github.com/zeketx/limitguard/internal/clock"
	"github.com/zeketx/limitguard/internal/engine"
	"github.com/zeketx/limitguard/internal/metrics"
	"github.com/zeketx/limitguard/internal/rules"
	"github.com/zeketx/limitguard/internal/violations"
)

// RequestContext carries everything the facade needs for one decision.
// Deriving the identifier (API key vs forwarded IP vs session subject) and
// the tier is the caller's responsibility, including any precedence when
// several credentials are present at once.
type RequestContext struct {
	Identifier string
	Endpoint   string
	Tier       rules.Tier
	Outcome    engine.Outcome
	Metadata   map[string]string
}

// EndpointUsage reports one endpoint's window for an identifier.
type EndpointUsage struct {
	Endpoint  string        `json:"endpoint"`
	Used      uint32        `json:"used"`
	Limit     uint32        `json:"limit"`
	Remaining uint32        `json:"remaining"`
	ResetIn   time.Duration `json:"reset_in"`
}

// UsageStats is the read-only debugging view of an identifier.
type UsageStats struct {
	Identifier       string          `json:"identifier"`
	Blocked          bool            `json:"blocked"`
	BlockReason      string          `json:"block_reason,omitempty"`
	State            string          `json:"state"`
	RecentViolations int             `json:"recent_violations"`
	Endpoints        []EndpointUsage `json:"endpoints"`
}

// Enforcer composes block list, registry, engine and monitor behind one
// Evaluate call.
type Enforcer struct {
	registry *rules.Registry
	engine   *engine.Engine
	blocks   *blocklist.List
	monitor  *violations.Monitor
	clock    clock.Clock
	logger   hclog.Logger
	rec      *metrics.Metrics
}

// New wires an enforcer from its parts.
func New(reg *rules.Registry, eng *engine.Engine, blocks *blocklist.List, mon *violations.Monitor, clk clock.Clock, logger hclog.Logger, rec *metrics.Metrics) *Enforcer {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if rec == nil {
		rec = metrics.New(nil)
	}
	return &Enforcer{
		registry: reg,
		engine:   eng,
		blocks:   blocks,
		monitor:  mon,
		clock:    clk,
		logger:   logger,
		rec:      rec,
	}
}

// Evaluate returns the decision for one request. Blocked identifiers are
// denied before any rule or counter is touched.
func (f *Enforcer) Evaluate(ctx context.Context, rc RequestContext) engine.Decision {
	blocked, ttl, err := f.blocks.IsBlocked(ctx, rc.Identifier)
	if err != nil {
		// Can't read the block list; fall through to the engine, whose
		// per-rule fail policy governs the same outage.
		f.logger.Warn("block list unavailable", "identifier", rc.Identifier, "error", err)
	}
	if blocked {
		f.rec.Checks.WithLabelValues("blocked").Inc()
		return engine.Decision{
			Allowed:    false,
			ResetAt:    f.clock.Now().Add(ttl),
			RetryAfter: ttl,
		}
	}

	return f.engine.Evaluate(ctx, engine.Request{
		Identifier: rc.Identifier,
		Endpoint:   rc.Endpoint,
		Tier:       rc.Tier,
		Outcome:    rc.Outcome,
		Metadata:   rc.Metadata,
	})
}

// Subscribe registers an alert handler; delivery to real sinks (email,
// paging, dashboards) happens outside this core.
func (f *Enforcer) Subscribe(handler func(violations.SecurityAlert)) func() {
	return f.monitor.Subscribe(handler)
}

// Unblock lifts a quarantine.
func (f *Enforcer) Unblock(ctx context.Context, identifier string) error {
	return f.monitor.Unblock(ctx, identifier)
}

// Reset clears one counter window, for manual intervention.
func (f *Enforcer) Reset(ctx context.Context, identifier, endpoint string) error {
	return f.engine.Reset(ctx, identifier, endpoint)
}

// GetUsage assembles the identifier's current windows across all
// registered endpoints, resolved at the default tier. Read-only.
func (f *Enforcer) GetUsage(ctx context.Context, identifier string) (UsageStats, error) {
	stats := UsageStats{
		Identifier:       identifier,
		State:            f.monitor.State(ctx, identifier).String(),
		RecentViolations: len(f.monitor.Recent(identifier)),
	}

	entry, blocked, err := f.blocks.Get(ctx, identifier)
	if err != nil {
		return stats, err
	}
	if blocked {
		stats.Blocked = true
		stats.BlockReason = entry.Reason
	}

	for _, ep := range f.registry.Endpoints() {
		used, rule, resetIn, err := f.engine.Window(ctx, identifier, ep, rules.TierDefault)
		if err != nil {
			return stats, err
		}
		usage := EndpointUsage{
			Endpoint: ep,
			Used:     used,
			Limit:    rule.MaxRequests,
			ResetIn:  resetIn,
		}
		if used < rule.MaxRequests {
			usage.Remaining = rule.MaxRequests - used
		}
		stats.Endpoints = append(stats.Endpoints, usage)
	}
	return stats, nil
}
