package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/atvirokodosprendimai/tripintake/internal/core/admission"
	"github.com/atvirokodosprendimai/tripintake/internal/core/domain"
	"github.com/atvirokodosprendimai/tripintake/internal/core/ports"
	"github.com/atvirokodosprendimai/tripintake/internal/core/schema"
)

type memDocStore struct {
	mu     sync.Mutex
	docs   map[string]domain.Document
	setErr error
}

func newMemDocStore() *memDocStore {
	return &memDocStore{docs: map[string]domain.Document{}}
}

func (s *memDocStore) Get(_ context.Context, key string) (domain.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[key]
	if !ok {
		return domain.Document{}, domain.ErrNotFound
	}
	return doc, nil
}

func (s *memDocStore) Set(_ context.Context, doc domain.Document) (domain.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setErr != nil {
		return domain.Document{}, s.setErr
	}
	doc.UpdatedAt = time.Now().UTC()
	if existing, ok := s.docs[doc.Key]; ok {
		doc.CreatedAt = existing.CreatedAt
	} else {
		doc.CreatedAt = doc.UpdatedAt
	}
	s.docs[doc.Key] = doc
	return doc, nil
}

func (s *memDocStore) Update(_ context.Context, key string, mutate ports.MutateFunc) (domain.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[key]
	if !ok {
		return domain.Document{}, domain.ErrNotFound
	}
	body, err := mutate(doc.Body)
	if err != nil {
		return domain.Document{}, err
	}
	doc.Body = body
	doc.UpdatedAt = time.Now().UTC()
	s.docs[key] = doc
	return doc, nil
}

type memRateStore struct {
	mu      sync.Mutex
	records map[string]domain.RateLimitRecord
	err     error
}

func newMemRateStore() *memRateStore {
	return &memRateStore{records: map[string]domain.RateLimitRecord{}}
}

func (s *memRateStore) Get(_ context.Context, identity string) (domain.RateLimitRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return domain.RateLimitRecord{}, false, s.err
	}
	rec, ok := s.records[identity]
	return rec, ok, nil
}

func (s *memRateStore) Set(_ context.Context, identity string, rec domain.RateLimitRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records[identity] = rec
	return nil
}

func (s *memRateStore) CompareAndSwap(_ context.Context, identity string, prev *domain.RateLimitRecord, next domain.RateLimitRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.records[identity]
	if (prev == nil) == ok || (prev != nil && current != *prev) {
		return false, nil
	}
	s.records[identity] = next
	return true, nil
}

type stubNotifier struct {
	mu     sync.Mutex
	events []domain.EventEnvelope
	err    error
}

func (n *stubNotifier) Notify(_ context.Context, event domain.EventEnvelope) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return n.err
}

type intakeFixture struct {
	svc      *IntakeService
	docs     *memDocStore
	rates    *memRateStore
	notifier *stubNotifier
	logs     *observer.ObservedLogs
}

func newIntakeFixture(t *testing.T, now time.Time) *intakeFixture {
	t.Helper()
	catalog, err := schema.LoadCatalog()
	require.NoError(t, err)
	tree, err := catalog.Tree(schema.TreeTrip)
	require.NoError(t, err)

	core, logs := observer.New(zapcore.InfoLevel)
	f := &intakeFixture{docs: newMemDocStore(), rates: newMemRateStore(), notifier: &stubNotifier{}, logs: logs}
	controller := admission.NewController(f.rates)
	f.svc = NewIntakeService(tree, controller, f.docs, f.notifier, zap.New(core))
	f.svc.now = func() time.Time { return now }
	seq := 0
	f.svc.newID = func() string {
		seq++
		return fmt.Sprintf("trip-%d", seq)
	}
	return f
}

const parisSubmission = `{"destinations":["Paris"],"startDate":"2024-06-15","endDate":"2024-06-22","travelStyle":"Comfortable","groupSize":2}`

var submitTime = time.Date(2024, time.June, 1, 10, 0, 0, 0, time.UTC)

func TestIntakeSubmitParisEndToEnd(t *testing.T) {
	f := newIntakeFixture(t, submitTime)

	trip, err := f.svc.Submit(context.Background(), "traveler-a", mustValue(t, parisSubmission))
	require.NoError(t, err)

	assert.Equal(t, "trip-1", trip.ID)
	assert.Equal(t, []string{"Paris"}, trip.Destinations)
	assert.Equal(t, time.Date(2024, time.June, 15, 12, 0, 0, 0, time.UTC), trip.StartDate)
	assert.Equal(t, time.Date(2024, time.June, 22, 12, 0, 0, 0, time.UTC), trip.EndDate)
	assert.Equal(t, 2, trip.GroupSize)
	assert.Equal(t, domain.TripStatusPending, trip.Status)

	doc, ok := f.docs.docs["trips/trip-1"]
	require.True(t, ok, "trip document must be persisted")
	var stored domain.TripRecord
	require.NoError(t, json.Unmarshal(doc.Body, &stored))
	assert.Equal(t, "traveler-a", stored.Identity)
	assert.True(t, stored.StartDate.Equal(trip.StartDate))

	assert.Equal(t, domain.RateLimitRecord{LastSubmissionDate: "2024-06-01", SubmissionCount: 1}, f.rates.records["traveler-a"])

	require.Len(t, f.notifier.events, 1)
	assert.Equal(t, domain.EventTripAdmitted, f.notifier.events[0].EventType)
	assert.Equal(t, "trip-1", f.notifier.events[0].TripID)
	assert.Equal(t, 1, f.logs.FilterMessage("trip admitted").Len())
}

func TestIntakeSubmitRejectsWithReasonCodes(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		wantReason string
		wantPath   string
	}{
		{name: "no destinations", raw: `{"destinations":[],"startDate":"2024-06-15","endDate":"2024-06-22","travelStyle":"Budget"}`, wantReason: domain.ReasonValidationFailed, wantPath: "destinations"},
		{name: "six destinations", raw: `{"destinations":["a","b","c","d","e","f"],"startDate":"2024-06-15","endDate":"2024-06-22","travelStyle":"Budget"}`, wantReason: domain.ReasonValidationFailed, wantPath: "destinations"},
		{name: "end equals start", raw: `{"destinations":["Paris"],"startDate":"2024-06-15","endDate":"2024-06-15","travelStyle":"Budget"}`, wantReason: domain.ReasonInvalidDates, wantPath: "endDate"},
		{name: "impossible date", raw: `{"destinations":["Paris"],"startDate":"2024-02-30","endDate":"2024-03-02","travelStyle":"Budget"}`, wantReason: domain.ReasonInvalidDates, wantPath: "startDate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newIntakeFixture(t, submitTime)

			_, err := f.svc.Submit(context.Background(), "traveler-a", mustValue(t, tt.raw))
			require.Error(t, err)
			assert.Equal(t, tt.wantReason, domain.ReasonCode(err))
			fieldErrs := domain.FieldErrors(err)
			require.NotEmpty(t, fieldErrs)
			assert.Equal(t, tt.wantPath, fieldErrs[0].Path)

			assert.Empty(t, f.docs.docs, "rejected submission must not be persisted")
			assert.Empty(t, f.rates.records, "rejected submission must not consume quota")
			assert.Empty(t, f.notifier.events)
		})
	}
}

func TestIntakeSubmitEleventhSameDayIsRateLimited(t *testing.T) {
	f := newIntakeFixture(t, submitTime)
	ctx := context.Background()

	for i := 0; i < admission.DefaultCeiling; i++ {
		_, err := f.svc.Submit(ctx, "traveler-a", mustValue(t, parisSubmission))
		require.NoError(t, err, "submission %d", i+1)
	}
	_, err := f.svc.Submit(ctx, "traveler-a", mustValue(t, parisSubmission))
	var limited *domain.RateLimitExceeded
	require.ErrorAs(t, err, &limited)
	assert.Equal(t, "2024-06-02", limited.ResetsOn)
	assert.Len(t, f.docs.docs, admission.DefaultCeiling)

	_, err = f.svc.Submit(ctx, "traveler-b", mustValue(t, parisSubmission))
	assert.NoError(t, err, "quota is per identity")

	f.svc.now = func() time.Time { return submitTime.Add(24 * time.Hour) }
	_, err = f.svc.Submit(ctx, "traveler-a", mustValue(t, parisSubmission))
	assert.NoError(t, err, "quota resets on the next day")
}

func TestIntakeSubmitFailsClosedWhenRateStoreDown(t *testing.T) {
	f := newIntakeFixture(t, submitTime)
	f.rates.err = errors.New("connection reset")

	_, err := f.svc.Submit(context.Background(), "traveler-a", mustValue(t, parisSubmission))
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.Equal(t, domain.ReasonStoreUnavailable, domain.ReasonCode(err))
	assert.Empty(t, f.docs.docs)
}

func TestIntakeSubmitPersistFailureIsStoreUnavailable(t *testing.T) {
	f := newIntakeFixture(t, submitTime)
	f.docs.setErr = errors.New("disk I/O error")

	_, err := f.svc.Submit(context.Background(), "traveler-a", mustValue(t, parisSubmission))
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.Empty(t, f.notifier.events)
}

func TestIntakeSubmitSuppressesNotificationFailure(t *testing.T) {
	f := newIntakeFixture(t, submitTime)
	f.notifier.err = errors.New("outbox full")

	trip, err := f.svc.Submit(context.Background(), "traveler-a", mustValue(t, parisSubmission))
	require.NoError(t, err)
	assert.Equal(t, "trip-1", trip.ID)
	assert.Equal(t, 1, f.logs.FilterMessage("trip notification failed").Len())
}

func TestIntakeSubmitKeepsExtensionFields(t *testing.T) {
	f := newIntakeFixture(t, submitTime)
	raw := `{"destinations":["Oslo"],"startDate":"2024-01-01","endDate":"2024-01-03","travelStyle":"Relaxed","groupSize":40,"referralCode":"ABC"}`

	trip, err := f.svc.Submit(context.Background(), "traveler-a", mustValue(t, raw))
	require.NoError(t, err)
	assert.Equal(t, MaxGroupSize, trip.GroupSize)
	_, ok := trip.Extra["referralCode"]
	assert.True(t, ok)
}
