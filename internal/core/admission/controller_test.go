package admission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/atvirokodosprendimai/tripintake/internal/core/domain"
)

type memoryStore struct {
	mu      sync.Mutex
	records map[string]domain.RateLimitRecord

	getErr error
	setErr error
	// swapHook runs before each CompareAndSwap; tests use it to inject a
	// concurrent writer.
	swapHook func()
}

func newMemoryStore() *memoryStore {
	return &memoryStore{records: map[string]domain.RateLimitRecord{}}
}

func (s *memoryStore) Get(_ context.Context, identity string) (domain.RateLimitRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return domain.RateLimitRecord{}, false, s.getErr
	}
	rec, ok := s.records[identity]
	return rec, ok, nil
}

func (s *memoryStore) Set(_ context.Context, identity string, rec domain.RateLimitRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setErr != nil {
		return s.setErr
	}
	s.records[identity] = rec
	return nil
}

func (s *memoryStore) CompareAndSwap(_ context.Context, identity string, prev *domain.RateLimitRecord, next domain.RateLimitRecord) (bool, error) {
	if s.swapHook != nil {
		hook := s.swapHook
		s.swapHook = nil
		hook()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setErr != nil {
		return false, s.setErr
	}
	current, ok := s.records[identity]
	if prev == nil && ok {
		return false, nil
	}
	if prev != nil && (!ok || current != *prev) {
		return false, nil
	}
	s.records[identity] = next
	return true, nil
}

var noon = time.Date(2024, time.June, 15, 12, 0, 0, 0, time.UTC)

func TestCheckAndReserveCreatesRecordForNewIdentity(t *testing.T) {
	for _, mode := range []Mode{ModeLastWriteWins, ModeCompareAndSwap} {
		t.Run(string(mode), func(t *testing.T) {
			store := newMemoryStore()
			c := NewController(store, WithMode(mode))

			adm, err := c.CheckAndReserve(context.Background(), "user-1", noon)
			require.NoError(t, err)
			assert.Equal(t, 1, adm.Count)
			assert.Equal(t, "2024-06-15", adm.Day)
			assert.Equal(t, domain.RateLimitRecord{LastSubmissionDate: "2024-06-15", SubmissionCount: 1}, store.records["user-1"])
		})
	}
}

func TestCheckAndReserveRejectsAfterCeiling(t *testing.T) {
	for _, mode := range []Mode{ModeLastWriteWins, ModeCompareAndSwap} {
		t.Run(string(mode), func(t *testing.T) {
			store := newMemoryStore()
			c := NewController(store, WithMode(mode))
			ctx := context.Background()

			for i := 1; i <= DefaultCeiling; i++ {
				adm, err := c.CheckAndReserve(ctx, "user-1", noon.Add(time.Duration(i)*time.Minute))
				require.NoError(t, err, "submission %d", i)
				assert.Equal(t, i, adm.Count)
			}

			_, err := c.CheckAndReserve(ctx, "user-1", noon.Add(time.Hour))
			var limited *domain.RateLimitExceeded
			require.True(t, errors.As(err, &limited), "got %v", err)
			assert.Equal(t, "user-1", limited.Identity)
			assert.Equal(t, "2024-06-16", limited.ResetsOn)
			assert.Equal(t, domain.ReasonRateLimited, domain.ReasonCode(err))
			assert.Equal(t, DefaultCeiling, store.records["user-1"].SubmissionCount, "rejected attempt must not be counted")
		})
	}
}

func TestCheckAndReserveResetsOnNextDay(t *testing.T) {
	store := newMemoryStore()
	store.records["user-1"] = domain.RateLimitRecord{LastSubmissionDate: "2024-06-15", SubmissionCount: DefaultCeiling}
	c := NewController(store)

	adm, err := c.CheckAndReserve(context.Background(), "user-1", noon.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, adm.Count)
	assert.Equal(t, "2024-06-16", store.records["user-1"].LastSubmissionDate)
}

func TestCheckAndReserveUsesReferenceLocation(t *testing.T) {
	store := newMemoryStore()
	store.records["user-1"] = domain.RateLimitRecord{LastSubmissionDate: "2024-06-15", SubmissionCount: DefaultCeiling}
	tokyo := time.FixedZone("UTC+9", 9*3600)
	c := NewController(store, WithLocation(tokyo))

	// 16:00 UTC on the 15th is already the 16th in UTC+9.
	adm, err := c.CheckAndReserve(context.Background(), "user-1", time.Date(2024, time.June, 15, 16, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, "2024-06-16", adm.Day)
}

func TestCheckAndReserveCustomCeiling(t *testing.T) {
	c := NewController(newMemoryStore(), WithCeiling(2))
	ctx := context.Background()

	_, err := c.CheckAndReserve(ctx, "u", noon)
	require.NoError(t, err)
	_, err = c.CheckAndReserve(ctx, "u", noon)
	require.NoError(t, err)
	_, err = c.CheckAndReserve(ctx, "u", noon)
	var limited *domain.RateLimitExceeded
	assert.ErrorAs(t, err, &limited)
}

func TestCheckAndReserveFailsClosedOnStoreErrors(t *testing.T) {
	tests := []struct {
		name   string
		mode   Mode
		getErr error
		setErr error
	}{
		{name: "read failure", mode: ModeLastWriteWins, getErr: errors.New("connection refused")},
		{name: "write failure", mode: ModeLastWriteWins, setErr: errors.New("disk full")},
		{name: "swap failure", mode: ModeCompareAndSwap, setErr: errors.New("disk full")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemoryStore()
			store.getErr = tt.getErr
			store.setErr = tt.setErr
			core, logs := observer.New(zapcore.WarnLevel)
			c := NewController(store, WithMode(tt.mode), WithLogger(zap.New(core)))

			_, err := c.CheckAndReserve(context.Background(), "user-1", noon)
			require.ErrorIs(t, err, domain.ErrStoreUnavailable)
			assert.Equal(t, domain.ReasonStoreUnavailable, domain.ReasonCode(err))
			assert.Equal(t, 1, logs.FilterMessage("rate limit store failure").Len())
		})
	}
}

func TestCheckAndReserveRejectsEmptyIdentity(t *testing.T) {
	_, err := NewController(newMemoryStore()).CheckAndReserve(context.Background(), "  ", noon)
	assert.ErrorIs(t, err, domain.ErrInvalidKey)
}

func TestCompareAndSwapRetriesAfterLostRace(t *testing.T) {
	store := newMemoryStore()
	store.records["user-1"] = domain.RateLimitRecord{LastSubmissionDate: "2024-06-15", SubmissionCount: 3}
	store.swapHook = func() {
		store.mu.Lock()
		store.records["user-1"] = domain.RateLimitRecord{LastSubmissionDate: "2024-06-15", SubmissionCount: 4}
		store.mu.Unlock()
	}
	c := NewController(store, WithMode(ModeCompareAndSwap))

	adm, err := c.CheckAndReserve(context.Background(), "user-1", noon)
	require.NoError(t, err)
	assert.Equal(t, 5, adm.Count)
}

func TestCompareAndSwapGivesUpUnderPersistentContention(t *testing.T) {
	c := NewController(alwaysLosingStore{}, WithMode(ModeCompareAndSwap), WithMaxAttempts(3))

	_, err := c.CheckAndReserve(context.Background(), "user-1", noon)
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.ErrorIs(t, err, ErrContention)
}

func TestCompareAndSwapNeverExceedsCeilingUnderConcurrency(t *testing.T) {
	store := newMemoryStore()
	const workers = 50
	c := NewController(store, WithMode(ModeCompareAndSwap), WithMaxAttempts(workers))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
		limited  int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.CheckAndReserve(context.Background(), "user-1", noon)
			mu.Lock()
			defer mu.Unlock()
			var rl *domain.RateLimitExceeded
			switch {
			case err == nil:
				admitted++
			case errors.As(err, &rl):
				limited++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, DefaultCeiling, admitted)
	assert.Equal(t, workers-DefaultCeiling, limited)
	assert.Equal(t, DefaultCeiling, store.records["user-1"].SubmissionCount)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeLastWriteWins, m)

	m, err = ParseMode("Compare-And-Swap")
	require.NoError(t, err)
	assert.Equal(t, ModeCompareAndSwap, m)

	_, err = ParseMode("optimistic")
	assert.Error(t, err)
}

type alwaysLosingStore struct{}

func (alwaysLosingStore) Get(context.Context, string) (domain.RateLimitRecord, bool, error) {
	return domain.RateLimitRecord{}, false, nil
}

func (alwaysLosingStore) Set(context.Context, string, domain.RateLimitRecord) error { return nil }

func (alwaysLosingStore) CompareAndSwap(context.Context, string, *domain.RateLimitRecord, domain.RateLimitRecord) (bool, error) {
	return false, nil
}
