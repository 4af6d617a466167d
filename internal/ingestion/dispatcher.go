package ingestion

import (
	"context"
	"time"

	"ConsolLedger/internal/core"
	"ConsolLedger/internal/event"
	"ConsolLedger/internal/observability"

	"github.com/rs/zerolog"
)

// Submission is one command on its way into the engine, with the callbacks
// of the transport it arrived on. Every field but Event is optional.
type Submission struct {
	Event    event.Event
	Source   string
	Received time.Time

	Ack func()
	Nak func()

	Reply chan<- Outcome
}

// Outcome is the engine's answer to a Submission. Envelope is nil with a nil
// Err for a duplicate or stale feed update.
type Outcome struct {
	Envelope *event.EventEnvelope
	Err      error
}

// Processor applies commands. *core.Engine implements it.
type Processor interface {
	ProcessEvent(ctx context.Context, evt event.Event) (*event.EventEnvelope, error)
}

// Dispatcher is the single consumer of the submission channel. Every
// transport funnels through it, so commands reach the engine one at a time
// in arrival order.
type Dispatcher struct {
	proc      Processor
	inputChan <-chan Submission
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewDispatcher(proc Processor, inputChan <-chan Submission, metrics *observability.Metrics) *Dispatcher {
	return &Dispatcher{
		proc:      proc,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    observability.NewLogger("dispatcher"),
	}
}

// Run applies submissions until ctx is cancelled or the channel closes.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case sub, ok := <-d.inputChan:
			if !ok {
				return nil
			}
			d.apply(ctx, sub)
		}
	}
}

func (d *Dispatcher) apply(ctx context.Context, sub Submission) {
	env, err := d.proc.ProcessEvent(ctx, sub.Event)

	if err != nil {
		reason := core.Classify(err)
		d.logger.Debug().Err(err).
			Str("source", sub.Source).
			Str("event_type", sub.Event.EventType().String()).
			Str("reason", reason).
			Msg("submission rejected")
		if retryable(reason) {
			call(sub.Nak)
		} else {
			call(sub.Ack)
		}
	} else {
		call(sub.Ack)
		if d.metrics != nil && !sub.Received.IsZero() {
			d.metrics.IngestToApply.WithLabelValues(sub.Source).Observe(time.Since(sub.Received).Seconds())
		}
	}

	if sub.Reply != nil {
		// Reply channels are buffered by the submitter.
		sub.Reply <- Outcome{Envelope: env, Err: err}
	}
}

// retryable reports whether a redelivery may succeed: a busy batch guard
// clears, and a sequence gap fills once the missing command arrives.
func retryable(reason string) bool {
	return reason == core.ReasonBusy || reason == core.ReasonSequence
}

func call(fn func()) {
	if fn != nil {
		fn()
	}
}
