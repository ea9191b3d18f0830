package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/atvirokodosprendimai/tripintake/internal/core/crossfield"
	"github.com/atvirokodosprendimai/tripintake/internal/core/dates"
	"github.com/atvirokodosprendimai/tripintake/internal/core/domain"
	"github.com/atvirokodosprendimai/tripintake/internal/core/ports"
	"github.com/atvirokodosprendimai/tripintake/internal/core/schema"
)

const tripKeyPrefix = "trips/"

func TripKey(id string) string { return tripKeyPrefix + id }

// Admitter decides whether identity may submit at now.
type Admitter interface {
	CheckAndReserve(ctx context.Context, identity string, now time.Time) (domain.Admission, error)
}

// IntakeService runs a trip submission through validation, admission and
// persistence.
type IntakeService struct {
	tree     *schema.Tree
	admitter Admitter
	docs     ports.DocumentStore
	notifier ports.Notifier
	logger   *zap.Logger

	now   func() time.Time
	newID func() string
}

func NewIntakeService(tree *schema.Tree, admitter Admitter, docs ports.DocumentStore, notifier ports.Notifier, logger *zap.Logger) *IntakeService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IntakeService{
		tree:     tree,
		admitter: admitter,
		docs:     docs,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Submit validates envelope on behalf of identity and, once admitted, stores
// the assembled trip. Rejections come back as the domain error taxonomy;
// notification failures are logged and never fail the submission.
func (s *IntakeService) Submit(ctx context.Context, identity string, envelope domain.Value) (domain.TripRecord, error) {
	result := schema.Validate(s.tree, envelope)
	if !result.Valid() {
		return domain.TripRecord{}, &domain.StructuralValidationError{Errors: result.Errors}
	}
	sanitized := result.Value

	if err := crossfield.Check(sanitized); err != nil {
		return domain.TripRecord{}, err
	}
	start, end, err := tripDates(sanitized)
	if err != nil {
		return domain.TripRecord{}, err
	}

	now := s.now()
	if _, err := s.admitter.CheckAndReserve(ctx, identity, now); err != nil {
		return domain.TripRecord{}, err
	}

	trip := AssembleTrip(s.newID(), identity, sanitized, start, end, now)
	body, err := json.Marshal(trip)
	if err != nil {
		return domain.TripRecord{}, fmt.Errorf("marshal trip: %w", err)
	}
	if _, err := s.docs.Set(ctx, domain.Document{Key: TripKey(trip.ID), Body: body}); err != nil {
		return domain.TripRecord{}, storeUnavailable("persist trip", err)
	}

	s.logger.Info("trip admitted",
		zap.String("trip_id", trip.ID),
		zap.String("identity", identity),
		zap.Int("destinations", len(trip.Destinations)))
	notifyTrip(ctx, s.notifier, s.logger, domain.EventTripAdmitted, trip, now)
	return trip, nil
}

func notifyTrip(ctx context.Context, notifier ports.Notifier, logger *zap.Logger, eventType string, trip domain.TripRecord, now time.Time) {
	if notifier == nil {
		return
	}
	event, err := newTripEvent(eventType, trip, now)
	if err == nil {
		err = notifier.Notify(ctx, event)
	}
	if err != nil {
		logger.Warn("trip notification failed",
			zap.String("event_type", eventType),
			zap.String("trip_id", trip.ID),
			zap.Error(err))
	}
}

func tripDates(v domain.Value) (time.Time, time.Time, error) {
	start, startErr := canonicalDate(v, crossfield.FieldStartDate)
	end, endErr := canonicalDate(v, crossfield.FieldEndDate)
	var errs []domain.FieldError
	for _, fe := range []*domain.FieldError{startErr, endErr} {
		if fe != nil {
			errs = append(errs, *fe)
		}
	}
	if len(errs) > 0 {
		return time.Time{}, time.Time{}, &domain.DateParseError{Errors: errs}
	}
	return start, end, nil
}

func canonicalDate(v domain.Value, field string) (time.Time, *domain.FieldError) {
	raw, _ := v.Get(field)
	s, ok := raw.Str()
	if !ok {
		fe := domain.Missing(domain.FieldPath(field), "is required")
		return time.Time{}, &fe
	}
	t, err := dates.Normalize(s)
	if err != nil {
		fe := domain.Offending(domain.FieldPath(field), raw, "%s", err.Error())
		return time.Time{}, &fe
	}
	return t, nil
}

func storeUnavailable(op string, err error) error {
	if errors.Is(err, domain.ErrStoreUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", domain.ErrStoreUnavailable, op, err)
}
