// Package idempotency deduplicates message fingerprints before
// processing (spec.md §4.4, C4), grounded on
// _examples/original_source/src/worker/idempotency.py. Two
// implementations share the Filter interface: RedisFilter (a Redis SET
// with a key-level TTL, correct across multiple consumer processes) and
// LocalFilter (an in-process expirable LRU with true per-element TTL).
// spec.md §9 leaves the TTL-granularity tradeoff open; shipping both
// lets the operator pick per deployment rather than forcing one answer.
package idempotency

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

// Filter reports and records whether a fingerprint has been seen.
type Filter interface {
	// IsDuplicate reports whether fingerprint was already marked processed.
	IsDuplicate(ctx context.Context, fingerprint string) (bool, error)
	// MarkProcessed records fingerprint as processed. Returns true if this
	// call newly marked it (i.e. it was not already present).
	MarkProcessed(ctx context.Context, fingerprint string) (bool, error)
	// Count returns the number of tracked fingerprints.
	Count(ctx context.Context) (int64, error)
	// Clear removes all tracked fingerprints.
	Clear(ctx context.Context) error
}

// RedisFilter backs Filter with a single Redis SET plus a key-level TTL
// that is reset each time a new fingerprint is added, matching
// idempotency.py's mark_processed.
type RedisFilter struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedisFilter constructs a RedisFilter. ttl <= 0 tracks fingerprints
// indefinitely, matching ttl_hours=None in the source.
func NewRedisFilter(client *redis.Client, keyPrefix string, ttl time.Duration) *RedisFilter {
	if keyPrefix == "" {
		keyPrefix = "processed_messages"
	}
	return &RedisFilter{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

func (f *RedisFilter) key() string { return f.keyPrefix + ":set" }

func (f *RedisFilter) IsDuplicate(ctx context.Context, fingerprint string) (bool, error) {
	return f.client.SIsMember(ctx, f.key(), fingerprint).Result()
}

func (f *RedisFilter) MarkProcessed(ctx context.Context, fingerprint string) (bool, error) {
	n, err := f.client.SAdd(ctx, f.key(), fingerprint).Result()
	if err != nil {
		return false, err
	}
	if n > 0 && f.ttl > 0 {
		if err := f.client.Expire(ctx, f.key(), f.ttl).Err(); err != nil {
			return n > 0, err
		}
	}
	return n > 0, nil
}

func (f *RedisFilter) Count(ctx context.Context) (int64, error) {
	return f.client.SCard(ctx, f.key()).Result()
}

func (f *RedisFilter) Clear(ctx context.Context) error {
	return f.client.Del(ctx, f.key()).Err()
}

// LocalFilter backs Filter with an in-process expirable LRU, giving
// each fingerprint its own TTL countdown from insertion rather than a
// single key-level TTL shared by the whole set. Only correct when a
// single worker process owns the consumer group's consumer.
type LocalFilter struct {
	cache *expirable.LRU[string, struct{}]
}

// NewLocalFilter constructs a LocalFilter holding up to size
// fingerprints, each expiring ttl after insertion.
func NewLocalFilter(size int, ttl time.Duration) *LocalFilter {
	if size <= 0 {
		size = 100_000
	}
	return &LocalFilter{cache: expirable.NewLRU[string, struct{}](size, nil, ttl)}
}

func (f *LocalFilter) IsDuplicate(_ context.Context, fingerprint string) (bool, error) {
	_, ok := f.cache.Get(fingerprint)
	return ok, nil
}

func (f *LocalFilter) MarkProcessed(_ context.Context, fingerprint string) (bool, error) {
	if _, ok := f.cache.Get(fingerprint); ok {
		return false, nil
	}
	f.cache.Add(fingerprint, struct{}{})
	return true, nil
}

func (f *LocalFilter) Count(context.Context) (int64, error) {
	return int64(f.cache.Len()), nil
}

func (f *LocalFilter) Clear(context.Context) error {
	f.cache.Purge()
	return nil
}
