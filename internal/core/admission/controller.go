// Package admission bounds how many submissions each identity may make per
// calendar day.
package admission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/atvirokodosprendimai/tripintake/internal/core/dates"
	"github.com/atvirokodosprendimai/tripintake/internal/core/domain"
	"github.com/atvirokodosprendimai/tripintake/internal/core/ports"
)

// Mode selects how the counter is written back.
type Mode string

const (
	// ModeLastWriteWins reads and writes the record independently. Two racing
	// submissions may both observe the same count and both be admitted.
	ModeLastWriteWins Mode = "last-write-wins"
	// ModeCompareAndSwap retries the read-increment-write until the store
	// confirms nothing changed underneath, so the ceiling is never exceeded.
	ModeCompareAndSwap Mode = "compare-and-swap"
)

const (
	DefaultCeiling      = 10
	DefaultStoreTimeout = 2 * time.Second
	DefaultMaxAttempts  = 8
)

var ErrContention = errors.New("rate limit record contended")

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeLastWriteWins:
		return ModeLastWriteWins, nil
	case ModeCompareAndSwap, "cas":
		return ModeCompareAndSwap, nil
	default:
		return "", fmt.Errorf("unknown rate limit mode %q", s)
	}
}

type Option func(*Controller)

func WithCeiling(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.ceiling = n
		}
	}
}

// WithLocation sets the timezone whose midnight resets the counter.
func WithLocation(loc *time.Location) Option {
	return func(c *Controller) {
		if loc != nil {
			c.loc = loc
		}
	}
}

func WithMode(m Mode) Option {
	return func(c *Controller) { c.mode = m }
}

func WithStoreTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithMaxAttempts(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// Controller decides whether an identity may submit now and, if so, records
// the submission.
type Controller struct {
	store       ports.RateLimitStore
	ceiling     int
	loc         *time.Location
	mode        Mode
	timeout     time.Duration
	maxAttempts int
	logger      *zap.Logger
}

func NewController(store ports.RateLimitStore, opts ...Option) *Controller {
	c := &Controller{
		store:       store,
		ceiling:     DefaultCeiling,
		loc:         time.UTC,
		mode:        ModeLastWriteWins,
		timeout:     DefaultStoreTimeout,
		maxAttempts: DefaultMaxAttempts,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) Ceiling() int { return c.ceiling }

func (c *Controller) Mode() Mode { return c.mode }

// Location is the zone whose calendar day bounds the quota.
func (c *Controller) Location() *time.Location { return c.loc }

// CheckAndReserve admits one submission for identity at now. It returns
// *domain.RateLimitExceeded once the daily ceiling is reached and wraps
// domain.ErrStoreUnavailable for any store failure; in both cases nothing is
// admitted.
func (c *Controller) CheckAndReserve(ctx context.Context, identity string, now time.Time) (domain.Admission, error) {
	if strings.TrimSpace(identity) == "" {
		return domain.Admission{}, fmt.Errorf("%w: empty identity", domain.ErrInvalidKey)
	}
	today := dates.Day(now, c.loc)

	var (
		rec domain.RateLimitRecord
		err error
	)
	if c.mode == ModeCompareAndSwap {
		rec, err = c.reserveCAS(ctx, identity, today)
	} else {
		rec, err = c.reserve(ctx, identity, today)
	}
	if err != nil {
		var limited *domain.RateLimitExceeded
		if errors.As(err, &limited) {
			c.logger.Info("submission rate limited",
				zap.String("identity", identity),
				zap.String("resets_on", limited.ResetsOn))
		} else {
			c.logger.Warn("rate limit store failure", zap.String("identity", identity), zap.Error(err))
		}
		return domain.Admission{}, err
	}

	c.logger.Debug("submission admitted",
		zap.String("identity", identity),
		zap.String("day", today),
		zap.Int("count", rec.SubmissionCount))
	return domain.Admission{Identity: identity, Day: today, Count: rec.SubmissionCount, Record: rec}, nil
}

func (c *Controller) reserve(ctx context.Context, identity, today string) (domain.RateLimitRecord, error) {
	current, found, err := c.get(ctx, identity)
	if err != nil {
		return domain.RateLimitRecord{}, err
	}
	next, err := c.advance(identity, current, found, today)
	if err != nil {
		return domain.RateLimitRecord{}, err
	}

	setCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.store.Set(setCtx, identity, next); err != nil {
		return domain.RateLimitRecord{}, unavailable("write", err)
	}
	return next, nil
}

func (c *Controller) reserveCAS(ctx context.Context, identity, today string) (domain.RateLimitRecord, error) {
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		current, found, err := c.get(ctx, identity)
		if err != nil {
			return domain.RateLimitRecord{}, err
		}
		next, err := c.advance(identity, current, found, today)
		if err != nil {
			return domain.RateLimitRecord{}, err
		}

		var prev *domain.RateLimitRecord
		if found {
			prev = &current
		}
		casCtx, cancel := context.WithTimeout(ctx, c.timeout)
		swapped, err := c.store.CompareAndSwap(casCtx, identity, prev, next)
		cancel()
		if err != nil {
			return domain.RateLimitRecord{}, unavailable("swap", err)
		}
		if swapped {
			return next, nil
		}
		c.logger.Debug("rate limit swap lost, retrying", zap.String("identity", identity), zap.Int("attempt", attempt))
	}
	return domain.RateLimitRecord{}, unavailable("swap", ErrContention)
}

// advance applies the day-reset and ceiling rules to the stored record.
func (c *Controller) advance(identity string, current domain.RateLimitRecord, found bool, today string) (domain.RateLimitRecord, error) {
	if !found || current.LastSubmissionDate != today {
		return domain.RateLimitRecord{LastSubmissionDate: today, SubmissionCount: 1}, nil
	}
	if current.SubmissionCount >= c.ceiling {
		return domain.RateLimitRecord{}, &domain.RateLimitExceeded{Identity: identity, ResetsOn: dates.NextDay(today)}
	}
	return domain.RateLimitRecord{LastSubmissionDate: today, SubmissionCount: current.SubmissionCount + 1}, nil
}

func (c *Controller) get(ctx context.Context, identity string) (domain.RateLimitRecord, bool, error) {
	getCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	rec, found, err := c.store.Get(getCtx, identity)
	if err != nil {
		return domain.RateLimitRecord{}, false, unavailable("read", err)
	}
	return rec, found, nil
}

func unavailable(op string, err error) error {
	if errors.Is(err, domain.ErrStoreUnavailable) {
		return fmt.Errorf("%s rate limit: %w", op, err)
	}
	return fmt.Errorf("%w: %s rate limit: %w", domain.ErrStoreUnavailable, op, err)
}
