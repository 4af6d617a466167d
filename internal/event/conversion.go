package event

import (
	"fmt"

	"github.com/google/uuid"
)

// EnqueuePosition places an owned position into its class's trigger queue.
// HintPrev is the expected predecessor; uuid.Nil means the tail.
type EnqueuePosition struct {
	Meta
	PositionID uuid.UUID `json:"position_id"`
	Fee        int64     `json:"fee"`
	HintPrev   uuid.UUID `json:"hint_prev"`
}

func (e *EnqueuePosition) EventType() EventType { return EventTypeEnqueuePosition }

func (e *EnqueuePosition) Validate() error {
	if e.Fee < 0 {
		return fmt.Errorf("%w: fee must not be negative", ErrInvalidCommand)
	}
	return firstErr(e.validateMeta(), requireID("position_id", e.PositionID))
}

type DequeuePosition struct {
	Meta
	PositionID uuid.UUID `json:"position_id"`
}

func (e *DequeuePosition) EventType() EventType { return EventTypeDequeuePosition }

func (e *DequeuePosition) Validate() error {
	return firstErr(e.validateMeta(), requireID("position_id", e.PositionID))
}
