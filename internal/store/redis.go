package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPoolSize    = 20
	defaultRedisMaxRetries  = 3
	defaultRedisDialTimeout = 5 * time.Second

	// Every store call carries a short deadline so enforcement never adds
	// unbounded latency to the request path.
	defaultOpTimeout = 75 * time.Millisecond

	redisKeyPrefix = "lg:"
)

// incrExpireScript increments a counter and attaches the TTL only on
// creation, in one round-trip. Without the script two concurrent
// first-touches could each attach a fresh full TTL.
var incrExpireScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
return {count, ttl}
`)

// RedisConfig holds connection settings for the redis backend.
type RedisConfig struct {
	Cluster      bool
	ClusterNodes []string
	Host         string
	Port         int
	Password     string
	DB           int
	PoolSize     int
	MaxRetries   int
	DialTimeout  time.Duration
	OpTimeout    time.Duration
}

// Redis is a redis-backed Store. Blocking, counting and cooldown state all
// share one backend so every process instance sees the same decisions.
type Redis struct {
	client    redis.UniversalClient
	opTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

// NewRedis constructs a redis store and verifies connectivity.
func NewRedis(cfg *RedisConfig) (*Redis, error) {
	conf, err := normalizeRedisConfig(cfg)
	if err != nil {
		return nil, err
	}

	s := &Redis{
		client:    newRedisClient(conf),
		opTimeout: conf.OpTimeout,
	}

	if err := s.pingWithRetry(context.Background(), conf.MaxRetries); err != nil {
		_ = s.client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return s, nil
}

func (s *Redis) IncrementWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, time.Duration, error) {
	var count, ttlMS int64
	err := s.withRetry(ctx, func(opCtx context.Context) error {
		res, err := incrExpireScript.Run(opCtx, s.client, []string{redisKeyPrefix + key}, ttl.Milliseconds()).Result()
		if err != nil {
			return err
		}
		values, ok := res.([]interface{})
		if !ok || len(values) != 2 {
			return fmt.Errorf("unexpected script result: %T", res)
		}
		if count, err = asInt64(values[0]); err != nil {
			return fmt.Errorf("parsing count: %w", err)
		}
		if ttlMS, err = asInt64(values[1]); err != nil {
			return fmt.Errorf("parsing ttl: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("%w: incr %q: %v", ErrUnavailable, key, err)
	}
	if ttlMS < 0 {
		ttlMS = 0
	}
	return count, time.Duration(ttlMS) * time.Millisecond, nil
}

func (s *Redis) Get(ctx context.Context, key string) (string, time.Duration, bool, error) {
	var value string
	var ttlMS time.Duration
	var found bool
	err := s.withRetry(ctx, func(opCtx context.Context) error {
		pipe := s.client.Pipeline()
		getCmd := pipe.Get(opCtx, redisKeyPrefix+key)
		ttlCmd := pipe.PTTL(opCtx, redisKeyPrefix+key)
		if _, err := pipe.Exec(opCtx); err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if errors.Is(getCmd.Err(), redis.Nil) {
			found = false
			return nil
		}
		if err := getCmd.Err(); err != nil {
			return err
		}
		found = true
		value = getCmd.Val()
		ttlMS = ttlCmd.Val()
		return nil
	})
	if err != nil {
		return "", 0, false, fmt.Errorf("%w: get %q: %v", ErrUnavailable, key, err)
	}
	if !found {
		return "", 0, false, nil
	}
	if ttlMS < 0 {
		ttlMS = 0
	}
	return value, ttlMS, true, nil
}

func (s *Redis) SetIfAbsent(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	var set bool
	err := s.withRetry(ctx, func(opCtx context.Context) error {
		ok, err := s.client.SetNX(opCtx, redisKeyPrefix+key, value, ttl).Result()
		if err != nil {
			return err
		}
		set = ok
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("%w: setnx %q: %v", ErrUnavailable, key, err)
	}
	return set, nil
}

func (s *Redis) Delete(ctx context.Context, key string) error {
	err := s.withRetry(ctx, func(opCtx context.Context) error {
		return s.client.Del(opCtx, redisKeyPrefix+key).Err()
	})
	if err != nil {
		return fmt.Errorf("%w: del %q: %v", ErrUnavailable, key, err)
	}
	return nil
}

// Close releases redis resources. It is idempotent.
func (s *Redis) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.client.Close()
	})
	return s.closeErr
}

// withRetry runs op under the per-call timeout with at most one retry.
// The retry cap bounds tail latency; anything beyond that is the caller's
// fail-open/fail-closed policy to resolve.
func (s *Redis) withRetry(ctx context.Context, op func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		opCtx, cancel := context.WithTimeout(ctx, s.opTimeout)
		lastErr = op(opCtx)
		cancel()
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}

func (s *Redis) pingWithRetry(ctx context.Context, maxRetries int) error {
	attempts := maxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	backoff := 100 * time.Millisecond
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := s.client.Ping(ctx).Err(); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return lastErr
}

func normalizeRedisConfig(cfg *RedisConfig) (*RedisConfig, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config is required")
	}

	conf := *cfg
	if conf.PoolSize <= 0 {
		conf.PoolSize = defaultRedisPoolSize
	}
	if conf.MaxRetries <= 0 {
		conf.MaxRetries = defaultRedisMaxRetries
	}
	if conf.DialTimeout <= 0 {
		conf.DialTimeout = defaultRedisDialTimeout
	}
	if conf.OpTimeout <= 0 {
		conf.OpTimeout = defaultOpTimeout
	}

	if conf.Cluster {
		if len(conf.ClusterNodes) == 0 {
			return nil, fmt.Errorf("cluster_nodes is required when cluster=true")
		}
	} else {
		if conf.Host == "" {
			return nil, fmt.Errorf("host is required when cluster=false")
		}
		if conf.Port <= 0 {
			return nil, fmt.Errorf("port must be positive when cluster=false, got %d", conf.Port)
		}
	}
	return &conf, nil
}

func newRedisClient(cfg *RedisConfig) redis.UniversalClient {
	if cfg.Cluster {
		return redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:       cfg.ClusterNodes,
			Password:    cfg.Password,
			PoolSize:    cfg.PoolSize,
			MaxRetries:  cfg.MaxRetries,
			DialTimeout: cfg.DialTimeout,
		})
	}
	return redis.NewClient(&redis.Options{
		Addr:        cfg.Host + ":" + strconv.Itoa(cfg.Port),
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		MaxRetries:  cfg.MaxRetries,
		DialTimeout: cfg.DialTimeout,
	})
}

func asInt64(v interface{}) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case float64:
		return int64(x), nil
	case string:
		n, err := strconv.ParseInt(x, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse int64 from %q: %w", x, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("unsupported numeric type %T", v)
	}
}
