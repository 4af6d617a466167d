package core

import (
	"context"
	"errors"
	"fmt"

	"ConsolLedger/internal/event"
)

// ErrReplayDiverged reports a replayed command whose outcome differs from the log.
var ErrReplayDiverged = errors.New("replay diverged from event log")

// LoggedEvent is one entry of the event log as recovery reads it back.
type LoggedEvent struct {
	Sequence  int64
	Event     event.Event
	StateHash [32]byte
}

// Replay re-applies logged commands in order after a snapshot restore.
// Outputs are not emitted and each command must land on its logged sequence
// and state hash.
func (e *Engine) Replay(ctx context.Context, logged []LoggedEvent) error {
	e.mu.Lock()
	e.replaying = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.replaying = false
		e.mu.Unlock()
	}()

	for _, l := range logged {
		if err := ctx.Err(); err != nil {
			return err
		}
		env, err := e.ProcessEvent(ctx, l.Event)
		if err != nil {
			return fmt.Errorf("replay seq=%d: %w", l.Sequence, err)
		}
		if env == nil {
			// already covered by the snapshot
			continue
		}
		if env.Sequence != l.Sequence || env.StateHash != l.StateHash {
			return fmt.Errorf("%w: seq=%d applied at %d (hash %x, logged %x)",
				ErrReplayDiverged, l.Sequence, env.Sequence, env.StateHash, l.StateHash)
		}
		if e.metrics != nil {
			e.metrics.ReplayEventsTotal.Inc()
		}
	}
	return nil
}
