package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"ConsolLedger/internal/observability"
	"ConsolLedger/internal/persistence"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// EventSubjectPrefix prefixes outbound subjects; the event type follows.
const EventSubjectPrefix = "consol.ledger.events."

// OutboundPublisher publishes applied commands to NATS once they are durable
// in the event log.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan chan PublishableEvent
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// PublishableEvent is the outbound form of one event log row.
type PublishableEvent struct {
	Sequence       int64           `json:"sequence"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Partition      string          `json:"partition"`
	Actor          string          `json:"actor"`
	Payload        json.RawMessage `json:"payload"`
	Result         json.RawMessage `json:"result,omitempty"`
	StateHash      string          `json:"state_hash"`
	Timestamp      time.Time       `json:"timestamp"`
}

// NewOutboundPublisher creates a publisher with a buffer of capacity events.
func NewOutboundPublisher(js jetstream.JetStream, capacity int, metrics *observability.Metrics) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: make(chan PublishableEvent, capacity),
		metrics:   metrics,
		logger:    observability.NewLogger("publisher"),
	}
}

// FromRow converts a persisted event row.
func FromRow(row persistence.EventRow) PublishableEvent {
	return PublishableEvent{
		Sequence:       row.Sequence,
		EventType:      row.EventType,
		IdempotencyKey: row.IdempotencyKey,
		Partition:      row.Partition,
		Actor:          row.Actor.String(),
		Payload:        row.Payload,
		Result:         row.Result,
		StateHash:      hex.EncodeToString(row.StateHash),
		Timestamp:      row.Timestamp,
	}
}

// Enqueue hands flushed rows to the publisher. It never blocks the
// persistence worker: rows that do not fit are dropped and counted, and
// consumers can read them from the event log.
func (op *OutboundPublisher) Enqueue(rows []persistence.EventRow) {
	for _, row := range rows {
		select {
		case op.inputChan <- FromRow(row):
		default:
			if op.metrics != nil {
				op.metrics.PublishDrops.Inc()
			}
		}
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt := <-op.inputChan:
			if err := op.publish(ctx, evt); err != nil {
				// Non-fatal: downstream consumers can query the event log directly
				op.logger.Warn().Err(err).Int64("sequence", evt.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = op.js.Publish(ctx, EventSubjectPrefix+evt.EventType, data, jetstream.WithMsgID(fmt.Sprintf("%d", evt.Sequence)))
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, name string) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{EventSubjectPrefix + ">"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	return nil
}
