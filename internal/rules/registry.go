package rules

import (
	"sort"
	"sync"
)

// Registry resolves the effective rule for an (endpoint, tier) pair.
// Reads vastly outnumber writes: registration happens at startup and
// hot-reload swaps the whole map, so a read-write lock is enough.
type Registry struct {
	mu       sync.RWMutex
	rules    map[Key]Rule
	fallback Rule
}

// NewRegistry creates an empty registry with the process-wide fallback rule.
func NewRegistry() *Registry {
	return &Registry{
		rules:    make(map[Key]Rule),
		fallback: FallbackRule,
	}
}

// Register adds or replaces a single rule.
func (reg *Registry) Register(key Key, rule Rule) error {
	if err := key.validate(); err != nil {
		return err
	}
	if err := rule.Validate(); err != nil {
		return err
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.rules[key] = rule
	return nil
}

// Replace swaps the entire rule set atomically. Every rule is validated
// before anything is touched, so a bad reload leaves the old set intact.
func (reg *Registry) Replace(set map[Key]Rule) error {
	fresh := make(map[Key]Rule, len(set))
	for key, rule := range set {
		if err := key.validate(); err != nil {
			return err
		}
		if err := rule.Validate(); err != nil {
			return err
		}
		fresh[key] = rule
	}
	reg.mu.Lock()
	reg.rules = fresh
	reg.mu.Unlock()
	return nil
}

// SetFallback replaces the process-wide default rule.
func (reg *Registry) SetFallback(rule Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}
	reg.mu.Lock()
	reg.fallback = rule
	reg.mu.Unlock()
	return nil
}

// Resolve returns the effective rule for (endpoint, tier): an exact match,
// else the endpoint's default-tier rule, else the process-wide fallback.
// Resolution is deterministic and side-effect-free.
func (reg *Registry) Resolve(endpoint string, tier Tier) Rule {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	if rule, ok := reg.rules[Key{Endpoint: endpoint, Tier: tier}]; ok {
		return rule
	}
	if rule, ok := reg.rules[Key{Endpoint: endpoint, Tier: TierDefault}]; ok {
		return rule
	}
	return reg.fallback
}

// Endpoints returns the distinct registered endpoint names, sorted.
func (reg *Registry) Endpoints() []string {
	reg.mu.RLock()
	seen := make(map[string]struct{}, len(reg.rules))
	for key := range reg.rules {
		seen[key.Endpoint] = struct{}{}
	}
	reg.mu.RUnlock()

	out := make([]string, 0, len(seen))
	for ep := range seen {
		out = append(out, ep)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of registered rules.
func (reg *Registry) Len() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.rules)
}
