package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/atvirokodosprendimai/tripintake/internal/core/crossfield"
	"github.com/atvirokodosprendimai/tripintake/internal/core/domain"
	"github.com/atvirokodosprendimai/tripintake/internal/core/ports"
	"github.com/atvirokodosprendimai/tripintake/internal/core/schema"
)

// TripService serves stored trips and attaches staff recommendations to them.
type TripService struct {
	recommendation *schema.Tree
	docs           ports.DocumentStore
	notifier       ports.Notifier
	logger         *zap.Logger

	now func() time.Time
}

func NewTripService(recommendation *schema.Tree, docs ports.DocumentStore, notifier ports.Notifier, logger *zap.Logger) *TripService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TripService{
		recommendation: recommendation,
		docs:           docs,
		notifier:       notifier,
		logger:         logger,
		now:            time.Now,
	}
}

// Get returns the trip if caller owns it or is staff.
func (s *TripService) Get(ctx context.Context, caller domain.Credential, id string) (domain.TripRecord, error) {
	key, err := tripKey(id)
	if err != nil {
		return domain.TripRecord{}, err
	}
	doc, err := s.docs.Get(ctx, key)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.TripRecord{}, err
		}
		return domain.TripRecord{}, storeUnavailable("load trip", err)
	}
	trip, err := decodeTrip(doc.Body)
	if err != nil {
		return domain.TripRecord{}, err
	}
	if trip.Identity != caller.Identity && !caller.IsStaff() {
		return domain.TripRecord{}, domain.ErrForbidden
	}
	return trip, nil
}

// Complete validates a staff-authored recommendation and attaches it to the
// trip, moving it from pending to completed. A completed trip cannot be
// completed again.
func (s *TripService) Complete(ctx context.Context, caller domain.Credential, id string, envelope domain.Value) (domain.TripRecord, error) {
	if !caller.IsStaff() {
		return domain.TripRecord{}, domain.ErrForbidden
	}
	key, err := tripKey(id)
	if err != nil {
		return domain.TripRecord{}, err
	}

	result := schema.Validate(s.recommendation, envelope)
	if !result.Valid() {
		return domain.TripRecord{}, &domain.StructuralValidationError{Errors: result.Errors}
	}
	if err := crossfield.Check(result.Value); err != nil {
		return domain.TripRecord{}, err
	}
	rec, err := AssembleRecommendation(caller.Identity, result.Value)
	if err != nil {
		return domain.TripRecord{}, err
	}

	now := s.now().UTC()
	var updated domain.TripRecord
	_, err = s.docs.Update(ctx, key, func(current json.RawMessage) (json.RawMessage, error) {
		trip, err := decodeTrip(current)
		if err != nil {
			return nil, err
		}
		if trip.Status != domain.TripStatusPending {
			return nil, fmt.Errorf("%w: trip %s is %s", domain.ErrInvalidTransition, trip.ID, trip.Status)
		}
		trip.Status = domain.TripStatusCompleted
		trip.Recommendation = &rec
		trip.CompletedAt = &now
		updated = trip
		return json.Marshal(trip)
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrInvalidTransition) {
			return domain.TripRecord{}, err
		}
		return domain.TripRecord{}, storeUnavailable("complete trip", err)
	}

	s.logger.Info("trip completed",
		zap.String("trip_id", updated.ID),
		zap.String("staff", caller.Identity),
		zap.String("total_cost", rec.TotalCost))
	notifyTrip(ctx, s.notifier, s.logger, domain.EventTripCompleted, updated, now)
	return updated, nil
}

func tripKey(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" || strings.Contains(id, "/") {
		return "", domain.ErrInvalidKey
	}
	key := TripKey(id)
	if err := domain.ValidateKey(key); err != nil {
		return "", err
	}
	return key, nil
}

func decodeTrip(body json.RawMessage) (domain.TripRecord, error) {
	var trip domain.TripRecord
	if err := json.Unmarshal(body, &trip); err != nil {
		return domain.TripRecord{}, fmt.Errorf("decode trip: %w", err)
	}
	return trip, nil
}
