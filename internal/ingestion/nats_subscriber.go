package ingestion

import (
	"context"
	"fmt"
	"time"

	"ConsolLedger/internal/observability"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSSubscriber consumes commands and feed updates from JetStream and hands
// them to the dispatcher as Submissions. NATS is the high-throughput surface;
// gRPC submission is for operators and tests.
type NATSSubscriber struct {
	js        jetstream.JetStream
	subChan   chan<- Submission
	consumers []jetstream.ConsumeContext
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// RawEvent is an inbound message before parsing.
type RawEvent struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
}

// SubjectConfig binds a subject filter to a durable consumer.
type SubjectConfig struct {
	Subject      string
	ConsumerName string
	StreamName   string
}

// DefaultSubjects returns the command and feed consumers on stream.
func DefaultSubjects(stream, durable string) []SubjectConfig {
	return []SubjectConfig{
		{Subject: CommandSubjectRoot + ".>", ConsumerName: durable + "-commands", StreamName: stream},
		{Subject: FeedSubjectRoot + ".>", ConsumerName: durable + "-feeds", StreamName: stream},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, subChan chan<- Submission, metrics *observability.Metrics) *NATSSubscriber {
	return &NATSSubscriber{
		js:      js,
		subChan: subChan,
		metrics: metrics,
		logger:  observability.NewLogger("nats"),
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			ns.handle(ctx, msg)
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().
			Str("subject", cfg.Subject).
			Str("consumer", cfg.ConsumerName).
			Msg("subscribed")
	}

	return nil
}

func (ns *NATSSubscriber) handle(ctx context.Context, msg jetstream.Msg) {
	raw := RawEvent{Subject: msg.Subject(), Data: msg.Data(), Timestamp: time.Now()}
	evt, err := ParseRawEvent(raw)
	if err != nil {
		// redelivery cannot fix a malformed payload
		ns.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("dropping unparseable message")
		ns.count("invalid")
		_ = msg.Term()
		return
	}

	sub := Submission{
		Event:    evt,
		Source:   "nats",
		Received: raw.Timestamp,
		Ack:      func() { _ = msg.Ack() },
		Nak:      func() { _ = msg.Nak() },
	}
	select {
	case ns.subChan <- sub:
		ns.count("received")
	case <-ctx.Done():
		_ = msg.Nak()
	}
}

func (ns *NATSSubscriber) count(outcome string) {
	if ns.metrics != nil {
		ns.metrics.NATSMessages.WithLabelValues(outcome).Inc()
	}
}

// EnsureStreams creates the inbound command stream if it does not exist.
// It uses FileStorage, retention=Limits and max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, name string) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{CommandSubjectRoot + ".>", FeedSubjectRoot + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", name, err)
	}
	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	logger := observability.NewLogger("nats")
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
