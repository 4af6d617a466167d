package ingestion_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"ConsolLedger/internal/core"
	"ConsolLedger/internal/event"
	"ConsolLedger/internal/guard"
	"ConsolLedger/internal/ingestion"
	"ConsolLedger/internal/state"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedProcessor struct {
	errs []error
	seen []event.Event
}

func (p *scriptedProcessor) ProcessEvent(_ context.Context, evt event.Event) (*event.EventEnvelope, error) {
	p.seen = append(p.seen, evt)
	err := p.errs[0]
	p.errs = p.errs[1:]
	if err != nil {
		return nil, fmt.Errorf("dispatch failed: %w", err)
	}
	return &event.EventEnvelope{Sequence: int64(len(p.seen)), EventType: evt.EventType()}, nil
}

func TestDispatcher_AcksAndNaks(t *testing.T) {
	proc := &scriptedProcessor{errs: []error{
		nil,
		state.ErrNotActive,         // terminal rejection
		guard.ErrBatchInFlight,     // busy, retry
		core.ErrSequence,           // gap, retry
		errors.New("disk on fire"), // internal
	}}
	in := make(chan ingestion.Submission)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ingestion.NewDispatcher(proc, in, nil).Run(ctx)

	var acks, naks []int
	for i := range proc.errs {
		reply := make(chan ingestion.Outcome, 1)
		in <- ingestion.Submission{
			Event:    &event.ImposePenalty{Meta: sampleMeta(), PositionID: uuid.New()},
			Source:   "nats",
			Received: time.Now(),
			Ack:      func() { acks = append(acks, i) },
			Nak:      func() { naks = append(naks, i) },
			Reply:    reply,
		}
		out := <-reply
		if i == 0 {
			require.NoError(t, out.Err)
			assert.Equal(t, int64(1), out.Envelope.Sequence)
		} else {
			assert.Error(t, out.Err)
			assert.Nil(t, out.Envelope)
		}
	}

	assert.Equal(t, []int{0, 1, 4}, acks)
	assert.Equal(t, []int{2, 3}, naks)
	assert.Len(t, proc.seen, 5)
}

func TestGRPCIngestService_SubmitWaitsForOutcome(t *testing.T) {
	proc := &scriptedProcessor{errs: []error{nil}}
	in := make(chan ingestion.Submission)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ingestion.NewDispatcher(proc, in, nil).Run(ctx)

	svc := ingestion.NewGRPCIngestService(in)
	env, err := svc.SubmitEvent(ctx, &event.DequeuePosition{Meta: sampleMeta(), PositionID: uuid.New()})
	require.NoError(t, err)
	assert.Equal(t, event.EventTypeDequeuePosition, env.EventType)

	// Parsing fails before anything reaches the engine.
	_, err = svc.Submit(ctx, "dequeue_position", []byte(`{}`))
	assert.ErrorIs(t, err, event.ErrInvalidCommand)
	assert.Len(t, proc.seen, 1)
}

func TestGRPCIngestService_ContextCancelled(t *testing.T) {
	svc := ingestion.NewGRPCIngestService(make(chan ingestion.Submission))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.SubmitEvent(ctx, &event.DequeuePosition{Meta: sampleMeta(), PositionID: uuid.New()})
	assert.ErrorIs(t, err, context.Canceled)
}
