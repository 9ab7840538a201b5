package counter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"rosterline.org/internal/secure"
)

// incrScript increments KEYS[1] and sets its expiry only when the increment
// created the key, so concurrent callers never extend a running window.
var incrScript = redis.NewScript(`
local c = redis.call('INCR', KEYS[1])
if c == 1 and tonumber(ARGV[1]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return c
`)

// RedisConfig describes how to reach the shared Redis instance.
type RedisConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	// RetryInterval is the initial backoff between connection attempts.
	RetryInterval time.Duration
	// OpTimeout bounds every individual store call.
	OpTimeout time.Duration
}

// DefaultRedisConfig returns the settings used when none are configured.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:          "localhost:6379",
		PoolSize:      10,
		MaxRetries:    3,
		RetryInterval: time.Second,
		OpTimeout:     2 * time.Second,
	}
}

// Redis implements Store on a go-redis client.
type Redis struct {
	client  redis.UniversalClient
	timeout time.Duration
}

var _ Store = (*Redis)(nil)

// NewRedis wraps an existing client. timeout <= 0 disables the per-call bound.
func NewRedis(client redis.UniversalClient, timeout time.Duration) *Redis {
	return &Redis{client: client, timeout: timeout}
}

// DialRedis connects and pings with exponential backoff until the configured
// retries are spent.
func DialRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
	})

	bo := backoff.NewExponentialBackOff()
	if cfg.RetryInterval > 0 {
		bo.InitialInterval = cfg.RetryInterval
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(retries)), ctx)
	err := backoff.Retry(func() error {
		return client.Ping(ctx).Err()
	}, policy)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s after %d retries: %w", cfg.Addr, retries, err)
	}
	return NewRedis(client, cfg.OpTimeout), nil
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.timeout)
}

func (r *Redis) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	n, err := incrScript.Run(ctx, r.client, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, secure.Unavailable("counter incr", err)
	}
	return n, nil
}

func (r *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	ok, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, secure.Unavailable("counter setnx", err)
	}
	return ok, nil
}

func (r *Redis) Replace(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	_, err := r.client.SetArgs(ctx, key, value, redis.SetArgs{Mode: "XX", TTL: ttl}).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, secure.Unavailable("counter replace", err)
	}
	return true, nil
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	if ttl < 0 {
		ttl = 0
	}
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return secure.Unavailable("counter set", err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", secure.Unavailable("counter get", err)
	}
	return v, nil
}

func (r *Redis) TTL(ctx context.Context, key string) (time.Duration, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	d, err := r.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, secure.Unavailable("counter ttl", err)
	}
	// go-redis reports -2 for a missing key and -1 for no expiry, unscaled.
	switch d {
	case -2:
		return 0, ErrNotFound
	case -1:
		return -1, nil
	}
	return d, nil
}

func (r *Redis) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := r.bound(ctx)
	defer cancel()
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return secure.Unavailable("counter del", err)
	}
	return nil
}

func (r *Redis) SAdd(ctx context.Context, key string, ttl time.Duration, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	ctx, cancel := r.bound(ctx)
	defer cancel()
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SAdd(ctx, key, args...)
		if ttl > 0 {
			p.PExpire(ctx, key, ttl)
		} else {
			p.Persist(ctx, key)
		}
		return nil
	})
	if err != nil {
		return secure.Unavailable("counter sadd", err)
	}
	return nil
}

func (r *Redis) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	ctx, cancel := r.bound(ctx)
	defer cancel()
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := r.client.SRem(ctx, key, args...).Err(); err != nil {
		return secure.Unavailable("counter srem", err)
	}
	return nil
}

func (r *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	out, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, secure.Unavailable("counter smembers", err)
	}
	return out, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	if err := r.client.Ping(ctx).Err(); err != nil {
		return secure.Unavailable("counter ping", err)
	}
	return nil
}
