package ingestion

import (
	"context"
	"time"

	"ConsolLedger/internal/event"
)

// GRPCIngestService submits commands on behalf of the gRPC and HTTP
// surfaces and waits for the engine's outcome. It is for operators and
// manual injection; bulk traffic goes through NATS.
type GRPCIngestService struct {
	subChan chan<- Submission
}

func NewGRPCIngestService(subChan chan<- Submission) *GRPCIngestService {
	return &GRPCIngestService{subChan: subChan}
}

// Submit parses a command of the named type and applies it.
func (s *GRPCIngestService) Submit(ctx context.Context, eventType string, data []byte) (*event.EventEnvelope, error) {
	evt, err := ParseCommand(eventType, data)
	if err != nil {
		return nil, err
	}
	return s.SubmitEvent(ctx, evt)
}

// SubmitEvent applies an already typed command.
func (s *GRPCIngestService) SubmitEvent(ctx context.Context, evt event.Event) (*event.EventEnvelope, error) {
	reply := make(chan Outcome, 1)
	sub := Submission{Event: evt, Source: "grpc", Received: time.Now(), Reply: reply}

	select {
	case s.subChan <- sub:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case out := <-reply:
		return out.Envelope, out.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
