// Package blocklist maintains a time-bounded denylist of identifiers.
// Entries live in the shared counter store, so a block taken by one process
// instance is visible to every other instance immediately.
package blocklist

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/zeketx/limitguard/internal/clock"
	"github.com/zeketx/limitguard/internal/store"
)

const keyPrefix = "blocked:"

// Entry describes one quarantined identifier.
type Entry struct {
	Identifier string    `json:"identifier"`
	Reason     string    `json:"reason"`
	BlockedAt  time.Time `json:"blocked_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// List is the denylist. The monitor writes to it, the enforcement facade
// reads from it before any rule evaluation.
type List struct {
	store  store.Store
	clock  clock.Clock
	logger hclog.Logger
}

// New creates a block list over the given store.
func New(st store.Store, clk clock.Clock, logger hclog.Logger) *List {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &List{store: st, clock: clk, logger: logger}
}

// Block quarantines an identifier for ttl. An identifier that is already
// blocked keeps its original entry and expiry.
func (l *List) Block(ctx context.Context, identifier, reason string, ttl time.Duration) error {
	if identifier == "" {
		return fmt.Errorf("identifier is required")
	}
	if ttl <= 0 {
		return fmt.Errorf("block ttl must be positive, got %s", ttl)
	}

	now := l.clock.Now()
	entry := Entry{
		Identifier: identifier,
		Reason:     reason,
		BlockedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encoding block entry: %w", err)
	}

	set, err := l.store.SetIfAbsent(ctx, keyPrefix+identifier, string(payload), ttl)
	if err != nil {
		return fmt.Errorf("blocking %q: %w", identifier, err)
	}
	if set {
		l.logger.Warn("identifier blocked", "identifier", identifier, "reason", reason, "ttl", ttl)
	}
	return nil
}

// IsBlocked reports whether identifier is currently blocked and, if so,
// how long the block has left.
func (l *List) IsBlocked(ctx context.Context, identifier string) (bool, time.Duration, error) {
	_, ttl, ok, err := l.store.Get(ctx, keyPrefix+identifier)
	if err != nil {
		return false, 0, fmt.Errorf("block lookup for %q: %w", identifier, err)
	}
	return ok, ttl, nil
}

// Get returns the block entry for identifier, if any.
func (l *List) Get(ctx context.Context, identifier string) (*Entry, bool, error) {
	value, _, ok, err := l.store.Get(ctx, keyPrefix+identifier)
	if err != nil {
		return nil, false, fmt.Errorf("block lookup for %q: %w", identifier, err)
	}
	if !ok {
		return nil, false, nil
	}
	var entry Entry
	if err := json.Unmarshal([]byte(value), &entry); err != nil {
		return nil, false, fmt.Errorf("decoding block entry for %q: %w", identifier, err)
	}
	return &entry, true, nil
}

// Unblock lifts a block. Unblocking an identifier that is not blocked is
// not an error.
func (l *List) Unblock(ctx context.Context, identifier string) error {
	if err := l.store.Delete(ctx, keyPrefix+identifier); err != nil {
		return fmt.Errorf("unblocking %q: %w", identifier, err)
	}
	l.logger.Info("identifier unblocked", "identifier", identifier)
	return nil
}
