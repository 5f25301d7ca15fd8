package rules

import (
	"errors"
	"testing"
	"time"
)

func TestRegistry_ResolveExactMatch(t *testing.T) {
	reg := NewRegistry()
	want := Rule{Window: time.Minute, MaxRequests: 5, CountFailed: true}
	if err := reg.Register(Key{Endpoint: "auth.login", Tier: TierAnonymous}, want); err != nil {
		t.Fatalf("Register() error: %v", err)
	}

	got := reg.Resolve("auth.login", TierAnonymous)
	if got != want {
		t.Errorf("Resolve() = %+v, want %+v", got, want)
	}
}

func TestRegistry_ResolveFallsBackToDefaultTier(t *testing.T) {
	reg := NewRegistry()
	def := Rule{Window: time.Minute, MaxRequests: 100, CountSuccessful: true, CountFailed: true}
	reg.Register(Key{Endpoint: "trips.list", Tier: TierDefault}, def)

	for _, tier := range []Tier{TierAnonymous, TierAuthenticated, TierElevated, TierService, Tier("bot")} {
		got := reg.Resolve("trips.list", tier)
		if got != def {
			t.Errorf("Resolve(trips.list, %s) = %+v, want default-tier rule", tier, got)
		}
	}
}

func TestRegistry_ResolveGlobalFallback(t *testing.T) {
	reg := NewRegistry()
	got := reg.Resolve("never.registered", TierAuthenticated)
	if got != FallbackRule {
		t.Errorf("Resolve() = %+v, want global fallback", got)
	}
	if got.Window != time.Minute || got.MaxRequests != 60 {
		t.Errorf("fallback = %+v, want 60 req / 1m", got)
	}
}

func TestRegistry_ResolveIsStable(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Key{Endpoint: "e", Tier: TierDefault}, Rule{Window: time.Second, MaxRequests: 1})

	first := reg.Resolve("e", Tier("unregistered"))
	for i := 0; i < 100; i++ {
		if got := reg.Resolve("e", Tier("unregistered")); got != first {
			t.Fatalf("Resolve() changed between calls: %+v vs %+v", got, first)
		}
	}
	if first != reg.Resolve("e", TierDefault) {
		t.Error("unregistered tier must resolve identically to the default tier")
	}
}

func TestRegistry_RegisterRejectsInvalid(t *testing.T) {
	reg := NewRegistry()

	err := reg.Register(Key{Endpoint: "e", Tier: TierAnonymous}, Rule{Window: 0, MaxRequests: 10})
	if !errors.Is(err, ErrInvalidRule) {
		t.Errorf("zero window: err = %v, want ErrInvalidRule", err)
	}
	err = reg.Register(Key{Endpoint: "", Tier: TierAnonymous}, Rule{Window: time.Second, MaxRequests: 10})
	if !errors.Is(err, ErrInvalidRule) {
		t.Errorf("empty endpoint: err = %v, want ErrInvalidRule", err)
	}
}

func TestRegistry_ZeroMaxRequestsIsValid(t *testing.T) {
	reg := NewRegistry()
	// A zero quota means the endpoint is closed for the tier, not invalid.
	err := reg.Register(Key{Endpoint: "admin.export", Tier: TierAnonymous}, Rule{Window: time.Minute})
	if err != nil {
		t.Errorf("Register() error: %v", err)
	}
}

func TestRegistry_ReplaceIsAllOrNothing(t *testing.T) {
	reg := NewRegistry()
	orig := Rule{Window: time.Minute, MaxRequests: 5}
	reg.Register(Key{Endpoint: "e", Tier: TierDefault}, orig)

	bad := map[Key]Rule{
		{Endpoint: "a", Tier: TierDefault}: {Window: time.Minute, MaxRequests: 1},
		{Endpoint: "b", Tier: TierDefault}: {Window: 0, MaxRequests: 1},
	}
	if err := reg.Replace(bad); !errors.Is(err, ErrInvalidRule) {
		t.Fatalf("Replace() err = %v, want ErrInvalidRule", err)
	}
	if got := reg.Resolve("e", TierDefault); got != orig {
		t.Error("failed Replace must leave the old rule set intact")
	}

	good := map[Key]Rule{
		{Endpoint: "a", Tier: TierDefault}: {Window: time.Minute, MaxRequests: 1},
	}
	if err := reg.Replace(good); err != nil {
		t.Fatalf("Replace() error: %v", err)
	}
	if reg.Len() != 1 {
		t.Errorf("Len() = %d, want 1 after replace", reg.Len())
	}
	if got := reg.Resolve("e", TierDefault); got != FallbackRule {
		t.Error("old rule should be gone after replace")
	}
}

func TestRegistry_Endpoints(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Key{Endpoint: "b", Tier: TierDefault}, Rule{Window: time.Second, MaxRequests: 1})
	reg.Register(Key{Endpoint: "a", Tier: TierDefault}, Rule{Window: time.Second, MaxRequests: 1})
	reg.Register(Key{Endpoint: "a", Tier: TierAnonymous}, Rule{Window: time.Second, MaxRequests: 1})

	got := reg.Endpoints()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Endpoints() = %v, want [a b]", got)
	}
}

func TestTier_Rank(t *testing.T) {
	order := []Tier{TierAnonymous, TierAuthenticated, TierElevated, TierService}
	for i := 1; i < len(order); i++ {
		if order[i-1].Rank() >= order[i].Rank() {
			t.Errorf("Rank(%s) should be below Rank(%s)", order[i-1], order[i])
		}
	}
	if TierDefault.Rank() != -1 {
		t.Errorf("TierDefault.Rank() = %d, want -1", TierDefault.Rank())
	}
	if Tier("weird").Rank() != -1 {
		t.Errorf("unknown tier rank = %d, want -1", Tier("weird").Rank())
	}
}
