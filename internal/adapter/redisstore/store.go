// Package redisstore is the thin persistence adapter over Redis. It exposes
// only the primitives the queue and usecases need: strings with TTL, lists,
// sorted sets, plain sets, an atomic SETNX+EXPIRE, a monotonic counter, and
// a latency-reporting ping. All methods are safe for concurrent callers.
package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

// Store wraps a shared Redis client.
type Store struct {
	client *redis.Client
}

// New parses the Redis URL, connects, and verifies the connection with a few
// retried pings so a racing Redis container does not fail startup.
func New(ctx context.Context, redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("op=redisstore.New: %w", err)
	}
	opts.ContextTimeoutEnabled = true
	client := redis.NewClient(opts)

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	if err := backoff.Retry(func() error { return client.Ping(ctx).Err() }, bo); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("op=redisstore.New ping: %w", err)
	}
	return &Store{client: client}, nil
}

// NewFromClient wraps an existing client; used by tests with miniredis.
func NewFromClient(client *redis.Client) *Store { return &Store{client: client} }

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.client.Close() }

// ErrNil is returned by read operations when the key is absent.
var ErrNil = redis.Nil

// Get returns the string value at key, or ErrNil.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	return s.client.Get(ctx, key).Result()
}

// Set writes the value with an optional TTL (0 = no expiry).
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

// SetNX atomically writes the value with TTL only if the key is absent and
// reports whether the write happened. Redis attaches the expiry in the same
// command, which is the compound guarantee admission relies on.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, key, value, ttl).Result()
}

// Incr increments and returns the counter at key.
func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	return s.client.Incr(ctx, key).Result()
}

// Expire attaches a TTL to an existing key.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Expire(ctx, key, ttl).Err()
}

// RPush appends values to the list at key.
func (s *Store) RPush(ctx context.Context, key string, values ...string) error {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return s.client.RPush(ctx, key, args...).Err()
}

// LPop pops the head of the list, or returns ErrNil when empty.
func (s *Store) LPop(ctx context.Context, key string) (string, error) {
	return s.client.LPop(ctx, key).Result()
}

// LRem removes count occurrences of value from the list and reports how many
// were actually removed.
func (s *Store) LRem(ctx context.Context, key string, count int64, value string) (int64, error) {
	return s.client.LRem(ctx, key, count, value).Result()
}

// LRange returns list elements in [start, stop], inclusive, negative indices
// counting from the tail.
func (s *Store) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.client.LRange(ctx, key, start, stop).Result()
}

// LLen returns the list length.
func (s *Store) LLen(ctx context.Context, key string) (int64, error) {
	return s.client.LLen(ctx, key).Result()
}

// ZAdd inserts or updates a member with the given score.
func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

// ZPopMin atomically removes and returns the lowest-scored member, or ErrNil.
func (s *Store) ZPopMin(ctx context.Context, key string) (string, error) {
	zs, err := s.client.ZPopMin(ctx, key, 1).Result()
	if err != nil {
		return "", err
	}
	if len(zs) == 0 {
		return "", redis.Nil
	}
	return zs[0].Member.(string), nil
}

// ZRangeByScore returns members with score in [min, max] ascending.
func (s *Store) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	return s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: fmt.Sprintf("%f", min),
		Max: fmt.Sprintf("%f", max),
	}).Result()
}

// ZCard returns the cardinality of the sorted set.
func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	return s.client.ZCard(ctx, key).Result()
}

// ZRem removes a member from the sorted set.
func (s *Store) ZRem(ctx context.Context, key, member string) error {
	return s.client.ZRem(ctx, key, member).Err()
}

// SAdd adds members to the set at key.
func (s *Store) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return s.client.SAdd(ctx, key, args...).Err()
}

// SMembers returns all members of the set, empty when the key is absent.
func (s *Store) SMembers(ctx context.Context, key string) ([]string, error) {
	return s.client.SMembers(ctx, key).Result()
}

// Ping measures one round trip to Redis and returns its duration.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}
