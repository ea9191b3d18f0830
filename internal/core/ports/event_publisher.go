package ports

import (
	"context"

	"github.com/atvirokodosprendimai/tripintake/internal/core/domain"
)

type EventPublisher interface {
	Publish(ctx context.Context, topic string, event domain.EventEnvelope) error
}

// Notifier hands an event off for asynchronous delivery.
type Notifier interface {
	Notify(ctx context.Context, event domain.EventEnvelope) error
}

type OutboxRepository interface {
	Enqueue(ctx context.Context, event domain.OutboxEvent) error
	FetchPending(ctx context.Context, limit int) ([]domain.OutboxEvent, error)
	MarkDispatched(ctx context.Context, id int64) error
	MarkFailed(ctx context.Context, id int64, attempts int, nextAttemptAt string, errMsg string) error
	MarkDead(ctx context.Context, id int64, attempts int, errMsg string) error
}
