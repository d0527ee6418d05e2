// Package streamstore is the stream-store adapter from spec.md §4.1
// (C1), backed by Redis Streams via github.com/redis/go-redis/v9.
// Grounded on
// _examples/original_source/src/common/redis_client.py: each mutating
// call is wrapped in the same three-attempt exponential-backoff retry
// the Python client gets from tenacity, and BUSYGROUP on XGROUP CREATE
// is treated as success rather than an error exactly as the source does.
package streamstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kepler9870u0987/mail-ingestion/internal/apperrors"
	"github.com/kepler9870u0987/mail-ingestion/internal/model"
)

// Store is the interface the producer and consumer depend on; an
// in-memory fake implements it for tests.
type Store interface {
	Append(ctx context.Context, stream string, fields map[string]string, maxLen int64) (string, error)
	AppendBatch(ctx context.Context, stream string, batch []map[string]string, maxLen int64) ([]string, error)
	CreateGroup(ctx context.Context, stream, group string) error
	GroupRead(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]model.StreamEntry, error)
	Ack(ctx context.Context, stream, group string, ids ...string) (int64, error)
	PendingRange(ctx context.Context, stream, group string, minIdle time.Duration, count int64) ([]model.PendingEntry, error)
	Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids []string) ([]model.StreamEntry, error)
	Length(ctx context.Context, stream string) (int64, error)
	Range(ctx context.Context, stream, start, end string, count int64) ([]model.StreamEntry, error)
	Delete(ctx context.Context, stream string, ids ...string) (int64, error)
	Ping(ctx context.Context) error
}

// RedisStore is the production Store implementation.
type RedisStore struct {
	client *redis.Client
	retry  retryPolicy
}

// retryPolicy mirrors tenacity's stop_after_attempt(3) +
// wait_exponential(multiplier=1, min=2, max=10) used throughout
// redis_client.py.
type retryPolicy struct {
	attempts int
	minWait  time.Duration
	maxWait  time.Duration
}

var defaultRetry = retryPolicy{attempts: 3, minWait: 2 * time.Second, maxWait: 10 * time.Second}

// New constructs a RedisStore from a *redis.Client the caller owns and
// is responsible for closing; RedisStore never closes it, and the
// shutdown callbacks registered in cmd/fx.go do not close it either.
func New(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, retry: defaultRetry}
}

func (r *retryPolicy) wait(attempt int) time.Duration {
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d < r.minWait {
		d = r.minWait
	}
	if d > r.maxWait {
		d = r.maxWait
	}
	return d
}

// withRetry runs op up to r.retry.attempts times, sleeping between
// attempts per retryPolicy.wait, and wraps the final failure as a
// apperrors.TransientStreamStore error.
func (s *RedisStore) withRetry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < s.retry.attempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if attempt == s.retry.attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.retry.wait(attempt)):
		}
	}
	return apperrors.TransientStreamStore("redis", fmt.Errorf("%s failed after %d attempts: %w", op, s.retry.attempts, lastErr))
}

// Append performs XADD with optional approximate MAXLEN trimming.
func (s *RedisStore) Append(ctx context.Context, stream string, fields map[string]string, maxLen int64) (string, error) {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}

	var id string
	err := s.withRetry(ctx, "XADD", func() error {
		args := &redis.XAddArgs{Stream: stream, Values: values}
		if maxLen > 0 {
			args.MaxLen = maxLen
			args.Approx = true
		}
		cmdID, err := s.client.XAdd(ctx, args).Result()
		if err != nil {
			return err
		}
		id = cmdID
		return nil
	})
	return id, err
}

// AppendBatch sends a slice of field-maps as a single Redis pipeline,
// the Go analog of batch.py's BatchProducer.flush: one network
// round-trip for the whole batch rather than one per entry.
func (s *RedisStore) AppendBatch(ctx context.Context, stream string, batch []map[string]string, maxLen int64) ([]string, error) {
	if len(batch) == 0 {
		return nil, nil
	}

	var ids []string
	err := s.withRetry(ctx, "XADD (pipeline)", func() error {
		pipe := s.client.Pipeline()
		cmds := make([]*redis.StringCmd, 0, len(batch))
		for _, fields := range batch {
			values := make(map[string]interface{}, len(fields))
			for k, v := range fields {
				values[k] = v
			}
			args := &redis.XAddArgs{Stream: stream, Values: values}
			if maxLen > 0 {
				args.MaxLen = maxLen
				args.Approx = true
			}
			cmds = append(cmds, pipe.XAdd(ctx, args))
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		ids = make([]string, 0, len(cmds))
		for _, cmd := range cmds {
			id, err := cmd.Result()
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return nil
	})
	return ids, err
}

// CreateGroup creates a consumer group starting at the beginning of the
// stream, treating BUSYGROUP as success (spec.md §4.1).
func (s *RedisStore) CreateGroup(ctx context.Context, stream, group string) error {
	return s.withRetry(ctx, "XGROUP CREATE", func() error {
		err := s.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
		if err != nil && strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return err
	})
}

// GroupRead blocks up to block for new entries (">" ) via XREADGROUP.
func (s *RedisStore) GroupRead(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]model.StreamEntry, error) {
	var entries []model.StreamEntry
	err := s.withRetry(ctx, "XREADGROUP", func() error {
		res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    count,
			Block:    block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				entries = nil
				return nil
			}
			return err
		}
		entries = toStreamEntries(res)
		return nil
	})
	return entries, err
}

func toStreamEntries(res []redis.XStream) []model.StreamEntry {
	var out []model.StreamEntry
	for _, stream := range res {
		for _, msg := range stream.Messages {
			fields := make(map[string]string, len(msg.Values))
			for k, v := range msg.Values {
				if sv, ok := v.(string); ok {
					fields[k] = sv
				} else {
					fields[k] = fmt.Sprintf("%v", v)
				}
			}
			out = append(out, model.StreamEntry{ID: msg.ID, Fields: fields})
		}
	}
	return out
}

// Ack acknowledges entries via XACK.
func (s *RedisStore) Ack(ctx context.Context, stream, group string, ids ...string) (int64, error) {
	var n int64
	err := s.withRetry(ctx, "XACK", func() error {
		res, err := s.client.XAck(ctx, stream, group, ids...).Result()
		if err != nil {
			return err
		}
		n = res
		return nil
	})
	return n, err
}

// PendingRange lists pending entries via XPENDING ... RANGE - + COUNT.
func (s *RedisStore) PendingRange(ctx context.Context, stream, group string, minIdle time.Duration, count int64) ([]model.PendingEntry, error) {
	var out []model.PendingEntry
	err := s.withRetry(ctx, "XPENDING RANGE", func() error {
		res, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: stream,
			Group:  group,
			Idle:   minIdle,
			Start:  "-",
			End:    "+",
			Count:  count,
		}).Result()
		if err != nil {
			return err
		}
		out = make([]model.PendingEntry, 0, len(res))
		for _, p := range res {
			out = append(out, model.PendingEntry{
				EntryID:       p.ID,
				Consumer:      p.Consumer,
				IdleDuration:  p.Idle,
				DeliveryCount: p.RetryCount,
			})
		}
		return nil
	})
	return out, err
}

// Claim reassigns ownership of idle pending entries via XCLAIM.
func (s *RedisStore) Claim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids []string) ([]model.StreamEntry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var out []model.StreamEntry
	err := s.withRetry(ctx, "XCLAIM", func() error {
		res, err := s.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   stream,
			Group:    group,
			Consumer: consumer,
			MinIdle:  minIdle,
			Messages: ids,
		}).Result()
		if err != nil {
			return err
		}
		out = make([]model.StreamEntry, 0, len(res))
		for _, msg := range res {
			fields := make(map[string]string, len(msg.Values))
			for k, v := range msg.Values {
				if sv, ok := v.(string); ok {
					fields[k] = sv
				} else {
					fields[k] = fmt.Sprintf("%v", v)
				}
			}
			out = append(out, model.StreamEntry{ID: msg.ID, Fields: fields})
		}
		return nil
	})
	return out, err
}

// Length returns XLEN, or 0 on error (matching the source's xlen, which
// swallows errors rather than raising since it's advisory for metrics).
func (s *RedisStore) Length(ctx context.Context, stream string) (int64, error) {
	n, err := s.client.XLen(ctx, stream).Result()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// Range lists entries in [start,end] via XRANGE, used by the DLQ to
// peek and replay entries (dlq.py's peek_dlq/reprocess_from_dlq, which
// call xrange directly on the underlying client rather than through a
// higher-level wrapper).
func (s *RedisStore) Range(ctx context.Context, stream, start, end string, count int64) ([]model.StreamEntry, error) {
	var out []model.StreamEntry
	err := s.withRetry(ctx, "XRANGE", func() error {
		var (
			res []redis.XMessage
			err error
		)
		if count > 0 {
			res, err = s.client.XRangeN(ctx, stream, start, end, count).Result()
		} else {
			res, err = s.client.XRange(ctx, stream, start, end).Result()
		}
		if err != nil {
			return err
		}
		out = make([]model.StreamEntry, 0, len(res))
		for _, msg := range res {
			fields := make(map[string]string, len(msg.Values))
			for k, v := range msg.Values {
				if sv, ok := v.(string); ok {
					fields[k] = sv
				} else {
					fields[k] = fmt.Sprintf("%v", v)
				}
			}
			out = append(out, model.StreamEntry{ID: msg.ID, Fields: fields})
		}
		return nil
	})
	return out, err
}

// Delete removes entries via XDEL, used to retire a DLQ entry after
// manual resolution or replay (dlq.py's remove_from_dlq).
func (s *RedisStore) Delete(ctx context.Context, stream string, ids ...string) (int64, error) {
	var n int64
	err := s.withRetry(ctx, "XDEL", func() error {
		res, err := s.client.XDel(ctx, stream, ids...).Result()
		if err != nil {
			return err
		}
		n = res
		return nil
	})
	return n, err
}

// Ping health-checks the connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.withRetry(ctx, "PING", func() error {
		return s.client.Ping(ctx).Err()
	})
}
