// Package engine implements the fixed-window rate limit decision algorithm.
//
// Fixed windows were chosen over true sliding windows or token buckets for
// store atomicity: one scripted increment per decision, no multi-key state.
// The tradeoff is a burst of up to 2x at window boundaries, acceptable for
// abuse deterrence but not for precise fairness.
package engine

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/zeketx/limitguard/internal/clock"
	"github.com/zeketx/limitguard/internal/metrics"
	"github.com/zeketx/limitguard/internal/rules"
	"github.com/zeketx/limitguard/internal/store"
	"github.com/zeketx/limitguard/internal/violations"
)

// Outcome tells the engine how the request ended, for rules that only
// count some outcomes. Pending means the outcome is not yet known and is
// always counted.
type Outcome string

const (
	OutcomePending Outcome = "pending"
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Decision is the result of one evaluation. Pure value, never persisted.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Limit      uint32        `json:"limit"`
	Remaining  uint32        `json:"remaining"`
	ResetAt    time.Time     `json:"reset_at"`
	RetryAfter time.Duration `json:"retry_after,omitempty"` // zero unless denied
}

// Request captures one evaluation: who is asking, for what, and how the
// attempt ended. Metadata is attached to any resulting violation.
type Request struct {
	Identifier string
	Endpoint   string
	Tier       rules.Tier
	Outcome    Outcome
	Metadata   map[string]string
}

// ViolationSink receives denial events. Delivery must not block the
// caller; the monitor satisfies this with its bounded queue.
type ViolationSink interface {
	RecordViolation(violations.Violation)
}

// Engine evaluates rate limit decisions against the counter store. It
// holds no mutable state of its own; every counter lives in the store so
// concurrent processes agree on counts.
type Engine struct {
	registry *rules.Registry
	store    store.Store
	sink     ViolationSink
	clock    clock.Clock
	logger   hclog.Logger
	rec      *metrics.Metrics
}

// New constructs an engine. sink may be nil when no monitor is attached.
func New(reg *rules.Registry, st store.Store, sink ViolationSink, clk clock.Clock, logger hclog.Logger, rec *metrics.Metrics) *Engine {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if rec == nil {
		rec = metrics.New(nil)
	}
	return &Engine{
		registry: reg,
		store:    st,
		sink:     sink,
		clock:    clk,
		logger:   logger,
		rec:      rec,
	}
}

// Evaluate resolves the effective rule and performs the atomic consume.
// Outcomes a rule does not count are evaluated as a peek: the decision
// reflects the current window without consuming quota.
func (e *Engine) Evaluate(ctx context.Context, req Request) Decision {
	start := e.clock.Now()
	defer func() {
		e.rec.CheckDuration.Observe(e.clock.Since(start).Seconds())
	}()

	rule := e.registry.Resolve(req.Endpoint, req.Tier)

	// A zero quota closes the endpoint for the tier: always deny, no
	// store round-trip.
	if rule.MaxRequests == 0 {
		now := e.clock.Now()
		e.rec.Checks.WithLabelValues("denied").Inc()
		e.emitViolation(req, now)
		return Decision{
			Allowed:    false,
			Limit:      0,
			Remaining:  0,
			ResetAt:    now.Add(rule.Window),
			RetryAfter: rule.Window,
		}
	}

	if !e.counts(rule, req.Outcome) {
		return e.peek(ctx, req, rule)
	}
	return e.consume(ctx, req, rule)
}

// Reset clears the identifier's counter for one endpoint.
func (e *Engine) Reset(ctx context.Context, identifier, endpoint string) error {
	if err := e.store.Delete(ctx, counterKey(endpoint, identifier)); err != nil {
		return fmt.Errorf("resetting %s/%s: %w", endpoint, identifier, err)
	}
	return nil
}

// Window reports the identifier's current consumption on an endpoint
// without consuming: count used, the effective rule, and time to reset.
func (e *Engine) Window(ctx context.Context, identifier, endpoint string, tier rules.Tier) (used uint32, rule rules.Rule, resetIn time.Duration, err error) {
	rule = e.registry.Resolve(endpoint, tier)
	value, ttl, ok, err := e.store.Get(ctx, counterKey(endpoint, identifier))
	if err != nil {
		return 0, rule, 0, err
	}
	if !ok {
		return 0, rule, 0, nil
	}
	return parseCount(value), rule, ttl, nil
}

func (e *Engine) consume(ctx context.Context, req Request, rule rules.Rule) Decision {
	count, ttl, err := e.store.IncrementWithExpiry(ctx, counterKey(req.Endpoint, req.Identifier), rule.Window)
	if err != nil {
		return e.resolveStoreFailure(req.Endpoint, rule, err)
	}

	now := e.clock.Now()
	d := Decision{
		Allowed: count <= int64(rule.MaxRequests),
		Limit:   rule.MaxRequests,
		ResetAt: now.Add(ttl),
	}
	if count < int64(rule.MaxRequests) {
		d.Remaining = rule.MaxRequests - uint32(count)
	}
	if d.Allowed {
		e.rec.Checks.WithLabelValues("allowed").Inc()
		return d
	}

	d.RetryAfter = ttl
	e.rec.Checks.WithLabelValues("denied").Inc()
	e.emitViolation(req, now)
	return d
}

// peek computes a decision from the stored count without consuming,
// mirroring the consume rule: a window already exhausted by counted
// outcomes denies non-counted ones too.
func (e *Engine) peek(ctx context.Context, req Request, rule rules.Rule) Decision {
	value, ttl, ok, err := e.store.Get(ctx, counterKey(req.Endpoint, req.Identifier))
	if err != nil {
		return e.resolveStoreFailure(req.Endpoint, rule, err)
	}

	now := e.clock.Now()
	var count uint32
	resetAt := now
	if ok {
		count = parseCount(value)
		resetAt = now.Add(ttl)
	}

	d := Decision{
		Allowed: count < rule.MaxRequests,
		Limit:   rule.MaxRequests,
		ResetAt: resetAt,
	}
	if count < rule.MaxRequests {
		d.Remaining = rule.MaxRequests - count
	}
	if d.Allowed {
		e.rec.Checks.WithLabelValues("allowed").Inc()
		return d
	}

	d.RetryAfter = ttl
	e.rec.Checks.WithLabelValues("denied").Inc()
	e.emitViolation(req, now)
	return d
}

// resolveStoreFailure applies the per-rule fail-open/fail-closed policy.
// Fail-open on login endpoints defeats brute force protection, fail-closed
// on browsing endpoints turns outages into lockouts, so the choice is made
// rule by rule rather than globally.
func (e *Engine) resolveStoreFailure(endpoint string, rule rules.Rule, err error) Decision {
	e.rec.StoreErrors.Inc()
	now := e.clock.Now()

	if rule.FailClosed {
		e.rec.FailClosed.Inc()
		e.logger.Warn("store unavailable, failing closed", "endpoint", endpoint, "error", err)
		return Decision{
			Allowed:    false,
			Limit:      rule.MaxRequests,
			Remaining:  0,
			ResetAt:    now.Add(rule.Window),
			RetryAfter: rule.Window,
		}
	}

	e.rec.FailOpen.Inc()
	e.logger.Warn("store unavailable, failing open", "endpoint", endpoint, "error", err)
	return Decision{
		Allowed:   true,
		Limit:     rule.MaxRequests,
		Remaining: rule.MaxRequests,
		ResetAt:   now.Add(rule.Window),
	}
}

func (e *Engine) counts(rule rules.Rule, outcome Outcome) bool {
	switch outcome {
	case OutcomeSuccess:
		return rule.CountSuccessful
	case OutcomeFailure:
		return rule.CountFailed
	}
	return true
}

// emitViolation hands the denial to the monitor, fire-and-forget.
func (e *Engine) emitViolation(req Request, at time.Time) {
	if e.sink == nil {
		return
	}
	e.sink.RecordViolation(violations.Violation{
		Identifier: req.Identifier,
		Endpoint:   req.Endpoint,
		At:         at,
		Metadata:   req.Metadata,
	})
}

// counterKey scopes a counter to (endpoint, identifier). The endpoint is
// hashed so arbitrary endpoint names stay a fixed-size key segment.
func counterKey(endpoint, identifier string) string {
	h := fnv.New32a()
	h.Write([]byte(endpoint))
	return "rl:" + strconv.FormatUint(uint64(h.Sum32()), 16) + ":" + identifier
}

func parseCount(value string) uint32 {
	n, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		return 0
	}
	return uint32(n)
}
