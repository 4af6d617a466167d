package event

import (
	"fmt"

	"github.com/google/uuid"
)

// FundAccount credits a wallet from outside the system. Treasury role only.
type FundAccount struct {
	Meta
	Account uuid.UUID `json:"account"`
	Asset   string    `json:"asset"`
	Amount  int64     `json:"amount"`
}

func (e *FundAccount) EventType() EventType { return EventTypeFundAccount }

func (e *FundAccount) Validate() error {
	return firstErr(
		e.validateMeta(),
		requireID("account", e.Account),
		requireNonEmpty("asset", e.Asset),
		requirePositive("amount", e.Amount),
	)
}

// SetCollateralParams replaces the origination bounds of a class. Admin only.
type SetCollateralParams struct {
	Meta
	Class      string `json:"class"`
	PremiumBps int64  `json:"premium_bps"`
	MinPeriods int64  `json:"min_periods"`
	MaxPeriods int64  `json:"max_periods"`
	MinBorrow  int64  `json:"min_borrow"`
	MaxBorrow  int64  `json:"max_borrow"`
}

func (e *SetCollateralParams) EventType() EventType { return EventTypeSetCollateralParams }

func (e *SetCollateralParams) Validate() error {
	return firstErr(e.validateMeta(), requireNonEmpty("class", e.Class))
}

// SetQueueLimits changes the minimum amount and execution fee of a queue.
type SetQueueLimits struct {
	Meta
	Queue        string `json:"queue"`
	MinAmount    int64  `json:"min_amount"`
	ExecutionFee int64  `json:"execution_fee"`
}

func (e *SetQueueLimits) EventType() EventType { return EventTypeSetQueueLimits }

func (e *SetQueueLimits) Validate() error {
	if e.MinAmount < 0 || e.ExecutionFee < 0 {
		return fmt.Errorf("%w: limits must not be negative", ErrInvalidCommand)
	}
	return firstErr(e.validateMeta(), requireNonEmpty("queue", e.Queue))
}

type GrantRole struct {
	Meta
	Role    string    `json:"role"`
	Account uuid.UUID `json:"account"`
}

func (e *GrantRole) EventType() EventType { return EventTypeGrantRole }

func (e *GrantRole) Validate() error {
	return firstErr(e.validateMeta(), requireNonEmpty("role", e.Role), requireID("account", e.Account))
}

type RevokeRole struct {
	Meta
	Role    string    `json:"role"`
	Account uuid.UUID `json:"account"`
}

func (e *RevokeRole) EventType() EventType { return EventTypeRevokeRole }

func (e *RevokeRole) Validate() error {
	return firstErr(e.validateMeta(), requireNonEmpty("role", e.Role), requireID("account", e.Account))
}
