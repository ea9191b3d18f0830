package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/atvirokodosprendimai/tripintake/internal/core/domain"
	"github.com/atvirokodosprendimai/tripintake/internal/core/ports"
)

// OutboxDispatcher polls the outbox and hands pending trip events to the
// publisher, retrying failures with quadratic backoff until maxRetry.
// Envelopes that can never be delivered (a topic that does not match the
// event type, or a schema version newer than this build understands) are
// dead-lettered on first sight.
type OutboxDispatcher struct {
	repo      ports.OutboxRepository
	publisher ports.EventPublisher
	interval  time.Duration
	batchSize int
	maxRetry  int
	logger    *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	dispatchSuccessTotal atomic.Int64
	dispatchFailureTotal atomic.Int64
	dispatchDeadTotal    atomic.Int64

	byTypeMu sync.Mutex
	byType   map[string]int64
}

type OutboxDispatcherMetrics struct {
	DispatchSuccessTotal int64
	DispatchFailureTotal int64
	DispatchDeadTotal    int64
	// Delivered events per trip event type.
	DispatchedByType map[string]int64
}

func NewOutboxDispatcher(repo ports.OutboxRepository, publisher ports.EventPublisher, interval time.Duration, batchSize int, logger *zap.Logger) *OutboxDispatcher {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OutboxDispatcher{
		repo:      repo,
		publisher: publisher,
		interval:  interval,
		batchSize: batchSize,
		maxRetry:  5,
		logger:    logger.Named("outbox"),
		byType:    make(map[string]int64),
	}
}

func (d *OutboxDispatcher) Start(parent context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	d.cancel = cancel
	d.wg.Add(1)
	go d.loop(ctx)
}

func (d *OutboxDispatcher) Close() error {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	d.wg.Wait()
	return nil
}

func (d *OutboxDispatcher) loop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		if err := d.dispatchBatch(ctx); err != nil {
			d.logger.Error("dispatch batch failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *OutboxDispatcher) dispatchBatch(ctx context.Context) error {
	events, err := d.repo.FetchPending(ctx, d.batchSize)
	if err != nil {
		return err
	}

	for _, event := range events {
		var envelope domain.EventEnvelope
		if err := json.Unmarshal(event.PayloadJSON, &envelope); err != nil {
			if markErr := d.markFailure(ctx, event, fmt.Sprintf("decode payload: %v", err)); markErr != nil {
				return markErr
			}
			d.dispatchFailureTotal.Add(1)
			continue
		}

		fields := eventFields(event, envelope)
		if reason := undeliverable(event, envelope); reason != "" {
			d.logger.Warn("undeliverable trip event", append(fields, zap.String("reason", reason))...)
			if err := d.markDead(ctx, event, event.Attempts+1, reason); err != nil {
				return err
			}
			continue
		}

		if err := d.publisher.Publish(ctx, event.Topic, envelope); err != nil {
			d.logger.Warn("publish failed", append(fields,
				zap.Int("attempt", event.Attempts+1),
				zap.Error(err))...)
			if markErr := d.markFailure(ctx, event, err.Error()); markErr != nil {
				return markErr
			}
			d.dispatchFailureTotal.Add(1)
			continue
		}

		if err := d.repo.MarkDispatched(ctx, event.ID); err != nil {
			return err
		}
		d.dispatchSuccessTotal.Add(1)
		d.byTypeMu.Lock()
		d.byType[envelope.EventType]++
		d.byTypeMu.Unlock()
		d.logger.Debug("trip event dispatched", fields...)
	}

	return nil
}

func (d *OutboxDispatcher) markFailure(ctx context.Context, event domain.OutboxEvent, errMsg string) error {
	attempts := event.Attempts + 1
	if attempts >= d.maxRetry {
		return d.markDead(ctx, event, attempts, errMsg)
	}
	next := time.Now().UTC().Add(backoffDuration(attempts)).Format(time.RFC3339Nano)
	return d.repo.MarkFailed(ctx, event.ID, attempts, next, errMsg)
}

func (d *OutboxDispatcher) markDead(ctx context.Context, event domain.OutboxEvent, attempts int, errMsg string) error {
	if err := d.repo.MarkDead(ctx, event.ID, attempts, errMsg); err != nil {
		return err
	}
	d.logger.Error("event dead-lettered",
		zap.String("event_id", event.EventID),
		zap.String("topic", event.Topic),
		zap.String("identity", event.Identity),
		zap.Int("attempts", attempts),
		zap.String("last_error", errMsg))
	d.dispatchDeadTotal.Add(1)
	return nil
}

// undeliverable returns why an envelope can never be published, or "".
func undeliverable(event domain.OutboxEvent, envelope domain.EventEnvelope) string {
	switch {
	case envelope.SchemaVersion > domain.CurrentEventSchemaVersion:
		return fmt.Sprintf("unsupported schema version %d", envelope.SchemaVersion)
	case event.Topic != topicPrefix+envelope.EventType:
		return fmt.Sprintf("topic %q does not match event type %q", event.Topic, envelope.EventType)
	}
	return ""
}

func eventFields(event domain.OutboxEvent, envelope domain.EventEnvelope) []zap.Field {
	return []zap.Field{
		zap.String("event_id", event.EventID),
		zap.String("topic", event.Topic),
		zap.String("event_type", envelope.EventType),
		zap.String("trip_id", envelope.TripID),
		zap.String("identity", envelope.Identity),
	}
}

func (d *OutboxDispatcher) Metrics() OutboxDispatcherMetrics {
	d.byTypeMu.Lock()
	byType := make(map[string]int64, len(d.byType))
	for k, v := range d.byType {
		byType[k] = v
	}
	d.byTypeMu.Unlock()
	return OutboxDispatcherMetrics{
		DispatchSuccessTotal: d.dispatchSuccessTotal.Load(),
		DispatchFailureTotal: d.dispatchFailureTotal.Load(),
		DispatchDeadTotal:    d.dispatchDeadTotal.Load(),
		DispatchedByType:     byType,
	}
}

func backoffDuration(attempt int) time.Duration {
	if attempt <= 1 {
		return 1 * time.Second
	}
	d := time.Duration(attempt*attempt) * time.Second
	if d > 5*time.Minute {
		return 5 * time.Minute
	}
	return d
}
