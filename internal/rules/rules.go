// Package rules holds per-endpoint, per-tier rate limit rules and resolves
// the effective rule for a caller.
package rules

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidRule reports a malformed rule. It is fatal at startup: the
// engine must not start with a bad rule set rather than silently default.
var ErrInvalidRule = errors.New("invalid rule")

// Tier classifies a caller for rule selection. Tiers form a total order
// (anonymous < authenticated < elevated < service); TierDefault is the
// per-endpoint fallback slot, not a real caller tier.
type Tier string

const (
	TierAnonymous     Tier = "anonymous"
	TierAuthenticated Tier = "authenticated"
	TierElevated      Tier = "elevated"
	TierService       Tier = "service"
	TierDefault       Tier = "default"
)

// Rank returns the tier's position in the total order, or -1 for tiers
// outside it (including TierDefault and unknown strings).
func (t Tier) Rank() int {
	switch t {
	case TierAnonymous:
		return 0
	case TierAuthenticated:
		return 1
	case TierElevated:
		return 2
	case TierService:
		return 3
	}
	return -1
}

// Rule is an immutable rate limit policy. Rules are registered at startup
// and replaced wholesale on reload, never mutated.
type Rule struct {
	// Window is the fixed counting window.
	Window time.Duration
	// MaxRequests is the quota per window. Zero closes the endpoint for
	// the tier entirely: always deny, no counting.
	MaxRequests uint32
	// CountSuccessful and CountFailed select which outcomes consume quota.
	// An evaluation whose outcome is not counted peeks at the window
	// without consuming.
	CountSuccessful bool
	CountFailed     bool
	// FailClosed denies requests when the counter store is unreachable.
	// The default is fail-open; security-critical endpoints such as login
	// opt into fail-closed per rule.
	FailClosed bool
}

// Validate reports whether the rule is well formed.
func (r Rule) Validate() error {
	if r.Window < time.Millisecond {
		return fmt.Errorf("%w: window must be at least 1ms, got %s", ErrInvalidRule, r.Window)
	}
	return nil
}

// Key identifies a rule by (endpoint, tier).
type Key struct {
	Endpoint string
	Tier     Tier
}

func (k Key) validate() error {
	if k.Endpoint == "" {
		return fmt.Errorf("%w: endpoint is required", ErrInvalidRule)
	}
	if k.Tier == "" {
		return fmt.Errorf("%w: tier is required", ErrInvalidRule)
	}
	return nil
}

// FallbackRule is the process-wide default applied when no rule matches.
// Unregistered endpoints are deliberately permissive so a route deployed
// without matching config is throttled, not locked out.
var FallbackRule = Rule{
	Window:          time.Minute,
	MaxRequests:     60,
	CountSuccessful: true,
	CountFailed:     true,
}
