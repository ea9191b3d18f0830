// Package redis stores rate-limit records in Redis so several intake
// instances share one counter per identity.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/atvirokodosprendimai/tripintake/internal/core/domain"
	"github.com/atvirokodosprendimai/tripintake/internal/core/ports"
)

const defaultKeyPrefix = "tripintake:ratelimit:"

// RateLimitStore keeps each record as a JSON string under prefix+identity.
// Records carry no TTL; the day rollover is handled by the caller.
type RateLimitStore struct {
	rdb    redis.UniversalClient
	prefix string
}

var _ ports.RateLimitStore = (*RateLimitStore)(nil)

type Option func(*RateLimitStore)

func WithKeyPrefix(prefix string) Option {
	return func(s *RateLimitStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

func NewRateLimitStore(rdb redis.UniversalClient, opts ...Option) *RateLimitStore {
	s := &RateLimitStore{rdb: rdb, prefix: defaultKeyPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RateLimitStore) key(identity string) string {
	return s.prefix + identity
}

func (s *RateLimitStore) Get(ctx context.Context, identity string) (domain.RateLimitRecord, bool, error) {
	return read(ctx, s.rdb, s.key(identity))
}

func (s *RateLimitStore) Set(ctx context.Context, identity string, rec domain.RateLimitRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal rate limit: %w", err)
	}
	if err := s.rdb.Set(ctx, s.key(identity), payload, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// CompareAndSwap uses WATCH/MULTI/EXEC: the write is discarded if the key
// changes between the read and EXEC.
func (s *RateLimitStore) CompareAndSwap(ctx context.Context, identity string, prev *domain.RateLimitRecord, next domain.RateLimitRecord) (bool, error) {
	key := s.key(identity)
	payload, err := json.Marshal(next)
	if err != nil {
		return false, fmt.Errorf("marshal rate limit: %w", err)
	}

	swapped := false
	err = s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		current, found, err := read(ctx, tx, key)
		if err != nil {
			return err
		}
		if found != (prev != nil) || (found && current != *prev) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		if err != nil {
			return err
		}
		swapped = true
		return nil
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis swap: %w", err)
	}
	return swapped, nil
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func read(ctx context.Context, c getter, key string) (domain.RateLimitRecord, bool, error) {
	raw, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.RateLimitRecord{}, false, nil
	}
	if err != nil {
		return domain.RateLimitRecord{}, false, fmt.Errorf("redis get: %w", err)
	}
	var rec domain.RateLimitRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return domain.RateLimitRecord{}, false, fmt.Errorf("decode rate limit %s: %w", key, err)
	}
	return rec, true, nil
}
