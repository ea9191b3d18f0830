package events

import (
	"context"

	"go.uber.org/zap"

	"github.com/atvirokodosprendimai/tripintake/internal/core/domain"
)

// LogPublisher writes events to the log. Used when no webhook is configured.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPublisher{logger: logger.Named("events")}
}

func (p *LogPublisher) Publish(_ context.Context, topic string, event domain.EventEnvelope) error {
	p.logger.Info("event published",
		zap.String("topic", topic),
		zap.String("event_id", event.EventID),
		zap.String("event_type", event.EventType),
		zap.String("identity", event.Identity),
		zap.String("trip_id", event.TripID),
		zap.Int("schema_version", event.SchemaVersion))
	return nil
}
