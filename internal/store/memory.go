package store

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/zeketx/limitguard/internal/clock"
)

// Memory is an in-process Store backed by a map. It uses a Clock for
// expiration so tests can drive window expiry with virtual time.
// Thread-safe for concurrent use.
//
// Memory is single-process by nature; production deployments use the redis
// backend so counters and blocks stay consistent across instances.
type Memory struct {
	mu    sync.Mutex
	items map[string]memItem
	clock clock.Clock
}

type memItem struct {
	value     string
	expiresAt time.Time // zero value means no expiration
}

// NewMemory creates an in-memory store using the given clock.
func NewMemory(c clock.Clock) *Memory {
	return &Memory{
		items: make(map[string]memItem),
		clock: c,
	}
}

func (s *Memory) IncrementWithExpiry(_ context.Context, key string, ttl time.Duration) (int64, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	item, live := s.live(key, now)

	var count int64
	if live {
		n, err := strconv.ParseInt(item.value, 10, 64)
		if err == nil {
			count = n
		}
	} else {
		// First touch in this window: the TTL is attached exactly once.
		item = memItem{}
		if ttl > 0 {
			item.expiresAt = now.Add(ttl)
		}
	}

	count++
	item.value = strconv.FormatInt(count, 10)
	s.items[key] = item

	return count, s.remaining(item, now), nil
}

func (s *Memory) Get(_ context.Context, key string) (string, time.Duration, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	item, live := s.live(key, now)
	if !live {
		return "", 0, false, nil
	}
	return item.value, s.remaining(item, now), true, nil
}

func (s *Memory) SetIfAbsent(_ context.Context, key string, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if _, live := s.live(key, now); live {
		return false, nil
	}

	item := memItem{value: value}
	if ttl > 0 {
		item.expiresAt = now.Add(ttl)
	}
	s.items[key] = item
	return true, nil
}

func (s *Memory) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
	return nil
}

// live returns the item for key and whether it exists and has not expired.
// Expired entries are removed lazily. Must be called with s.mu held.
func (s *Memory) live(key string, now time.Time) (memItem, bool) {
	item, ok := s.items[key]
	if !ok {
		return memItem{}, false
	}
	if !item.expiresAt.IsZero() && !now.Before(item.expiresAt) {
		delete(s.items, key)
		return memItem{}, false
	}
	return item, true
}

func (s *Memory) remaining(item memItem, now time.Time) time.Duration {
	if item.expiresAt.IsZero() {
		return 0
	}
	return item.expiresAt.Sub(now)
}
