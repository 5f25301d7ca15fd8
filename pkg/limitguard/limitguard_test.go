package limitguard

import (
	"context"
	"sync"
	"testing"
	"time"
)

var epoch = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func newGuard(t *testing.T) (*Guard, *VirtualClock) {
	t.Helper()

	vc := NewVirtualClock(epoch)
	reg := NewRegistry()
	if err := reg.Register(RuleKey{Endpoint: "api.search", Tier: TierDefault}, Rule{
		Window:          time.Minute,
		MaxRequests:     3,
		CountSuccessful: true,
		CountFailed:     true,
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Register(RuleKey{Endpoint: "auth.login", Tier: TierDefault}, Rule{
		Window:      time.Minute,
		MaxRequests: 2,
		CountFailed: true,
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	g := New(Options{
		Store:    NewMemoryStore(vc),
		Registry: reg,
		Clock:    vc,
	})
	t.Cleanup(g.Close)
	return g, vc
}

func TestGuard_Evaluate(t *testing.T) {
	g, _ := newGuard(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d := g.Evaluate(ctx, RequestContext{
			Identifier: "user-1",
			Endpoint:   "api.search",
			Tier:       TierAnonymous,
			Outcome:    OutcomePending,
		})
		if !d.Allowed {
			t.Fatalf("request %d denied, want allowed", i+1)
		}
	}

	d := g.Evaluate(ctx, RequestContext{
		Identifier: "user-1",
		Endpoint:   "api.search",
		Tier:       TierAnonymous,
		Outcome:    OutcomePending,
	})
	if d.Allowed {
		t.Error("4th request allowed, want denied")
	}
	if d.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, want positive", d.RetryAfter)
	}
}

func TestGuard_WindowResets(t *testing.T) {
	g, vc := newGuard(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		g.Evaluate(ctx, RequestContext{Identifier: "user-1", Endpoint: "api.search", Tier: TierAnonymous, Outcome: OutcomePending})
	}
	vc.Advance(time.Minute + time.Second)

	d := g.Evaluate(ctx, RequestContext{Identifier: "user-1", Endpoint: "api.search", Tier: TierAnonymous, Outcome: OutcomePending})
	if !d.Allowed {
		t.Error("request after window reset denied, want allowed")
	}
}

func TestGuard_BruteForceAlertAndUnblock(t *testing.T) {
	g, vc := newGuard(t)
	ctx := context.Background()

	var (
		mu     sync.Mutex
		alerts []SecurityAlert
	)
	g.Subscribe(func(a SecurityAlert) {
		mu.Lock()
		alerts = append(alerts, a)
		mu.Unlock()
	})

	// 2 failures fill the window; 3 more denials trip the detector.
	for i := 0; i < 5; i++ {
		g.Evaluate(ctx, RequestContext{
			Identifier: "attacker",
			Endpoint:   "auth.login",
			Tier:       TierAnonymous,
			Outcome:    OutcomeFailure,
		})
		vc.Advance(time.Second)
	}

	// The monitor processes violations asynchronously; wait for the
	// quarantine to land before asserting.
	deadline := time.Now().Add(2 * time.Second)
	for {
		stats, err := g.GetUsage(ctx, "attacker")
		if err != nil {
			t.Fatalf("GetUsage: %v", err)
		}
		if stats.State == "blocked" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("identifier never blocked")
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	if len(alerts) == 0 {
		mu.Unlock()
		t.Fatal("no alert fired")
	}
	alert := alerts[0]
	mu.Unlock()
	if alert.Type != AlertBruteForce || alert.Severity != SeverityHigh {
		t.Errorf("alert = %s/%s, want brute_force/high", alert.Type, alert.Severity)
	}

	if d := g.Evaluate(ctx, RequestContext{Identifier: "attacker", Endpoint: "api.search", Tier: TierAnonymous, Outcome: OutcomePending}); d.Allowed {
		t.Error("blocked identifier allowed")
	}
	if err := g.Unblock(ctx, "attacker"); err != nil {
		t.Fatalf("Unblock: %v", err)
	}
	if d := g.Evaluate(ctx, RequestContext{Identifier: "attacker", Endpoint: "api.search", Tier: TierAnonymous, Outcome: OutcomePending}); !d.Allowed {
		t.Error("unblocked identifier still denied")
	}
}

func TestGuard_GetUsage(t *testing.T) {
	g, _ := newGuard(t)
	ctx := context.Background()

	g.Evaluate(ctx, RequestContext{Identifier: "user-1", Endpoint: "api.search", Tier: TierAnonymous, Outcome: OutcomePending})

	stats, err := g.GetUsage(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetUsage: %v", err)
	}
	if stats.Blocked {
		t.Error("Blocked = true, want false")
	}
	found := false
	for _, ep := range stats.Endpoints {
		if ep.Endpoint == "api.search" && ep.Used == 1 {
			found = true
		}
	}
	if !found {
		t.Errorf("usage = %+v, want api.search used 1", stats.Endpoints)
	}
}

// A caller tuning one detection knob must not lose the stock values for
// the fields left zero.
func TestGuard_PartialMonitorConfigKeepsDefaults(t *testing.T) {
	vc := NewVirtualClock(epoch)
	reg := NewRegistry()
	if err := reg.Register(RuleKey{Endpoint: "auth.login", Tier: TierDefault}, Rule{
		Window:      time.Minute,
		MaxRequests: 1,
		CountFailed: true,
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	g := New(Options{
		Store:    NewMemoryStore(vc),
		Registry: reg,
		Clock:    vc,
		Monitor:  MonitorConfig{BruteForceThreshold: 2},
	})
	t.Cleanup(g.Close)
	ctx := context.Background()

	// 1 failure fills the window; 2 more denials reach the lowered
	// threshold. The stock threshold of 3 would not trip here.
	for i := 0; i < 3; i++ {
		g.Evaluate(ctx, RequestContext{
			Identifier: "attacker",
			Endpoint:   "auth.login",
			Tier:       TierAnonymous,
			Outcome:    OutcomeFailure,
		})
		vc.Advance(time.Second)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		stats, err := g.GetUsage(ctx, "attacker")
		if err != nil {
			t.Fatalf("GetUsage: %v", err)
		}
		if stats.State == "blocked" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("lowered threshold never tripped; custom Monitor fields were discarded")
		}
		time.Sleep(time.Millisecond)
	}
}
