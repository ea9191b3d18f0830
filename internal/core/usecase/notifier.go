package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/atvirokodosprendimai/tripintake/internal/core/domain"
	"github.com/atvirokodosprendimai/tripintake/internal/core/ports"
)

const topicPrefix = "trips."

// OutboxNotifier queues events in the outbox; the OutboxDispatcher delivers
// them later.
type OutboxNotifier struct {
	repo ports.OutboxRepository
}

func NewOutboxNotifier(repo ports.OutboxRepository) *OutboxNotifier {
	return &OutboxNotifier{repo: repo}
}

func (n *OutboxNotifier) Notify(ctx context.Context, event domain.EventEnvelope) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event envelope: %w", err)
	}
	err = n.repo.Enqueue(ctx, domain.OutboxEvent{
		EventID:       event.EventID,
		Identity:      event.Identity,
		Topic:         topicPrefix + event.EventType,
		PayloadJSON:   payload,
		Status:        domain.OutboxStatusPending,
		NextAttemptAt: event.OccurredAt,
		CreatedAt:     event.OccurredAt,
	})
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", event.EventType, err)
	}
	return nil
}

func newTripEvent(eventType string, trip domain.TripRecord, now time.Time) (domain.EventEnvelope, error) {
	payload, err := json.Marshal(trip)
	if err != nil {
		return domain.EventEnvelope{}, fmt.Errorf("marshal trip: %w", err)
	}
	return domain.EventEnvelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		SchemaVersion: domain.CurrentEventSchemaVersion,
		Identity:      trip.Identity,
		TripID:        trip.ID,
		OccurredAt:    now.UTC(),
		Payload:       payload,
	}, nil
}
