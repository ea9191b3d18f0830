// Package resilience guards outbound store calls with a circuit breaker.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/atvirokodosprendimai/tripintake/internal/core/domain"
	"github.com/atvirokodosprendimai/tripintake/internal/core/ports"
)

type BreakerConfig struct {
	Name                string
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:                "ratelimit-store",
		MaxRequests:         1,
		Interval:            time.Minute,
		Timeout:             15 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// BreakerRateLimitStore rejects calls with ErrStoreUnavailable while the
// breaker is open. A lost compare-and-swap is not a failure.
type BreakerRateLimitStore struct {
	next    ports.RateLimitStore
	breaker *gobreaker.CircuitBreaker
}

var _ ports.RateLimitStore = (*BreakerRateLimitStore)(nil)

func NewBreakerRateLimitStore(next ports.RateLimitStore, cfg BreakerConfig, logger *zap.Logger) *BreakerRateLimitStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = DefaultBreakerConfig().ConsecutiveFailures
	}
	threshold := cfg.ConsecutiveFailures
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		// Caller cancellation says nothing about store health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	}
	return &BreakerRateLimitStore{next: next, breaker: gobreaker.NewCircuitBreaker(settings)}
}

func (s *BreakerRateLimitStore) State() gobreaker.State {
	return s.breaker.State()
}

type getResult struct {
	rec   domain.RateLimitRecord
	found bool
}

func (s *BreakerRateLimitStore) Get(ctx context.Context, identity string) (domain.RateLimitRecord, bool, error) {
	out, err := s.breaker.Execute(func() (interface{}, error) {
		rec, found, err := s.next.Get(ctx, identity)
		return getResult{rec: rec, found: found}, err
	})
	if err != nil {
		return domain.RateLimitRecord{}, false, s.wrap(err)
	}
	res := out.(getResult)
	return res.rec, res.found, nil
}

func (s *BreakerRateLimitStore) Set(ctx context.Context, identity string, rec domain.RateLimitRecord) error {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.next.Set(ctx, identity, rec)
	})
	return s.wrap(err)
}

func (s *BreakerRateLimitStore) CompareAndSwap(ctx context.Context, identity string, prev *domain.RateLimitRecord, next domain.RateLimitRecord) (bool, error) {
	out, err := s.breaker.Execute(func() (interface{}, error) {
		return s.next.CompareAndSwap(ctx, identity, prev, next)
	})
	if err != nil {
		return false, s.wrap(err)
	}
	return out.(bool), nil
}

func (s *BreakerRateLimitStore) wrap(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %s: %v", domain.ErrStoreUnavailable, s.breaker.Name(), err)
	}
	return err
}
