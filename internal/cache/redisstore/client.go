// Package redisstore wraps the Redis operations used by the tile cache: plain
// byte values with TTL, generation counters and prefix sweeps.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	maintnotifications "github.com/redis/go-redis/v9/maintnotifications"

	"github.com/mohammed-shakir/geotile-cache/internal/core/observability"
)

// ErrMiss is returned by Get for an absent or expired key.
var ErrMiss = errors.New("redis: key not found")

const scanBatch = 500

type Option func(*redis.Options)

func WithPoolSize(n int) Option {
	return func(o *redis.Options) {
		if n > 0 {
			o.PoolSize = n
		}
	}
}

func WithPassword(pw string) Option { return func(o *redis.Options) { o.Password = pw } }

func WithDB(db int) Option { return func(o *redis.Options) { o.DB = db } }

func WithDialTimeout(d time.Duration) Option { return func(o *redis.Options) { o.DialTimeout = d } }

func WithReadTimeout(d time.Duration) Option { return func(o *redis.Options) { o.ReadTimeout = d } }

func WithWriteTimeout(d time.Duration) Option { return func(o *redis.Options) { o.WriteTimeout = d } }

type Client struct {
	rdb *redis.Client
}

// New dials addr and fails unless the server answers PING.
func New(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	if addr == "" {
		return nil, errors.New("redisstore: address is required")
	}
	ro := &redis.Options{
		Addr:         addr,
		PoolSize:     32,
		MinIdleConns: 2,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  300 * time.Millisecond,
		WriteTimeout: 300 * time.Millisecond,
		// tiles are small values; maintenance push notifications only add
		// handshake round trips
		MaintNotificationsConfig: &maintnotifications.Config{Mode: maintnotifications.ModeDisabled},
	}
	for _, opt := range opts {
		opt(ro)
	}

	c := &Client{rdb: redis.NewClient(ro)}
	if err := c.Ping(ctx); err != nil {
		_ = c.rdb.Close()
		return nil, err
	}
	return c, nil
}

// timed records op latency and the final error; call it deferred.
func timed(op string, start time.Time, err *error) {
	observability.ObserveCacheOp(op, *err, time.Since(start).Seconds())
}

func (c *Client) Ping(ctx context.Context) (err error) {
	defer timed("ping", time.Now(), &err)
	if err = c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Get returns ErrMiss when key is absent. A miss is not an operation error.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	var opErr error
	defer timed("get", time.Now(), &opErr)

	b, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		observability.AddCacheMisses(1)
		return nil, ErrMiss
	case err != nil:
		opErr = fmt.Errorf("redis GET %q: %w", key, err)
		return nil, opErr
	}
	observability.AddCacheHits(1)
	return b, nil
}

// Set stores val; ttl <= 0 means no expiry.
func (c *Client) Set(ctx context.Context, key string, val []byte, ttl time.Duration) (err error) {
	defer timed("set", time.Now(), &err)
	if err = c.rdb.Set(ctx, key, val, max(ttl, 0)).Err(); err != nil {
		return fmt.Errorf("redis SET %q: %w", key, err)
	}
	return nil
}

func (c *Client) Del(ctx context.Context, keys ...string) (err error) {
	if len(keys) == 0 {
		return nil
	}
	defer timed("del", time.Now(), &err)
	if err = c.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis DEL %d keys: %w", len(keys), err)
	}
	return nil
}

// Incr atomically increments a generation counter and returns the new value.
func (c *Client) Incr(ctx context.Context, key string) (n int64, err error) {
	defer timed("incr", time.Now(), &err)
	if n, err = c.rdb.Incr(ctx, key).Result(); err != nil {
		return 0, fmt.Errorf("redis INCR %q: %w", key, err)
	}
	return n, nil
}

// SetMax raises the counter at key to n if it is currently lower and returns
// the resulting value.
func (c *Client) SetMax(ctx context.Context, key string, n int64) (cur int64, err error) {
	defer timed("setmax", time.Now(), &err)
	if cur, err = setMaxScript.Run(ctx, c.rdb, []string{key}, n).Int64(); err != nil {
		return 0, fmt.Errorf("redis SETMAX %q: %w", key, err)
	}
	return cur, nil
}

var setMaxScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local n = tonumber(ARGV[1])
if n > cur then
  redis.call('SET', KEYS[1], n)
  return n
end
return cur
`)

// GetInt reads a counter; absent keys read as 0.
func (c *Client) GetInt(ctx context.Context, key string) (n int64, err error) {
	defer timed("get", time.Now(), &err)
	s, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis GET %q: %w", key, err)
	}
	if n, err = strconv.ParseInt(s, 10, 64); err != nil {
		return 0, fmt.Errorf("redis counter %q: %w", key, err)
	}
	return n, nil
}

// DelPrefix unlinks every key starting with prefix. It walks the keyspace
// with SCAN instead of KEYS and returns the number of keys removed.
func (c *Client) DelPrefix(ctx context.Context, prefix string) (removed int, err error) {
	defer timed("scan_del", time.Now(), &err)
	iter := c.rdb.Scan(ctx, 0, prefix+"*", scanBatch).Iterator()
	pending := make([]string, 0, scanBatch)
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		n, err := c.rdb.Unlink(ctx, pending...).Result()
		if err != nil {
			return fmt.Errorf("redis UNLINK %d keys: %w", len(pending), err)
		}
		removed += int(n)
		pending = pending[:0]
		return nil
	}
	for iter.Next(ctx) {
		pending = append(pending, iter.Val())
		if len(pending) == scanBatch {
			if err = flush(); err != nil {
				return removed, err
			}
		}
	}
	if err = iter.Err(); err != nil {
		return removed, fmt.Errorf("redis SCAN %q: %w", prefix, err)
	}
	err = flush()
	return removed, err
}

func (c *Client) Close() error {
	if err := c.rdb.Close(); err != nil {
		return fmt.Errorf("redis close: %w", err)
	}
	return nil
}
