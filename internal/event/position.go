package event

import (
	"fmt"

	"github.com/google/uuid"
)

// CreatePosition originates a position owned by the actor. The interest rate
// is read from the rate feed and the backing pool is fixed by configuration.
type CreatePosition struct {
	Meta
	PositionID       uuid.UUID `json:"position_id"`
	CollateralClass  string    `json:"collateral_class"`
	CollateralAmount int64     `json:"collateral_amount"`
	PurchasePrice    int64     `json:"purchase_price"`
	Borrowed         int64     `json:"borrowed"`
	TotalPeriods     int64     `json:"total_periods"`
	PaymentPlan      bool      `json:"payment_plan"`
}

func (e *CreatePosition) EventType() EventType { return EventTypeCreatePosition }

func (e *CreatePosition) Validate() error {
	return firstErr(
		e.validateMeta(),
		requireID("position_id", e.PositionID),
		requireNonEmpty("collateral_class", e.CollateralClass),
		requirePositive("collateral_amount", e.CollateralAmount),
		requirePositive("purchase_price", e.PurchasePrice),
		requirePositive("borrowed", e.Borrowed),
		requirePositive("total_periods", e.TotalPeriods),
	)
}

// PeriodPay pays toward the current term. Anyone may pay for any position.
type PeriodPay struct {
	Meta
	PositionID uuid.UUID `json:"position_id"`
	Amount     int64     `json:"amount"`
}

func (e *PeriodPay) EventType() EventType { return EventTypePeriodPay }

func (e *PeriodPay) Validate() error {
	return firstErr(e.validateMeta(), requireID("position_id", e.PositionID), requirePositive("amount", e.Amount))
}

type ImposePenalty struct {
	Meta
	PositionID uuid.UUID `json:"position_id"`
}

func (e *ImposePenalty) EventType() EventType { return EventTypeImposePenalty }

func (e *ImposePenalty) Validate() error {
	return firstErr(e.validateMeta(), requireID("position_id", e.PositionID))
}

type PenaltyPay struct {
	Meta
	PositionID uuid.UUID `json:"position_id"`
	Amount     int64     `json:"amount"`
}

func (e *PenaltyPay) EventType() EventType { return EventTypePenaltyPay }

func (e *PenaltyPay) Validate() error {
	return firstErr(e.validateMeta(), requireID("position_id", e.PositionID), requirePositive("amount", e.Amount))
}

// Refinance restarts the term over the remaining principal at the current rate.
type Refinance struct {
	Meta
	PositionID   uuid.UUID `json:"position_id"`
	TotalPeriods int64     `json:"total_periods"`
}

func (e *Refinance) EventType() EventType { return EventTypeRefinance }

func (e *Refinance) Validate() error {
	return firstErr(e.validateMeta(), requireID("position_id", e.PositionID), requirePositive("total_periods", e.TotalPeriods))
}

// ExpandBalanceSheet adds a tranche. HintPrev positions the node in the
// trigger queue when the position is queued; uuid.Nil means the tail.
type ExpandBalanceSheet struct {
	Meta
	PositionID      uuid.UUID `json:"position_id"`
	ExtraBorrowed   int64     `json:"extra_borrowed"`
	ExtraCollateral int64     `json:"extra_collateral"`
	Price           int64     `json:"price"`
	HintPrev        uuid.UUID `json:"hint_prev"`
}

func (e *ExpandBalanceSheet) EventType() EventType { return EventTypeExpandBalanceSheet }

func (e *ExpandBalanceSheet) Validate() error {
	if e.ExtraCollateral < 0 {
		return fmt.Errorf("%w: extra_collateral must not be negative", ErrInvalidCommand)
	}
	return firstErr(
		e.validateMeta(),
		requireID("position_id", e.PositionID),
		requirePositive("extra_borrowed", e.ExtraBorrowed),
		requirePositive("price", e.Price),
	)
}

// ForecloseMortgage may be sent by anyone once the position is past the
// missed-payment threshold.
type ForecloseMortgage struct {
	Meta
	PositionID uuid.UUID `json:"position_id"`
}

func (e *ForecloseMortgage) EventType() EventType { return EventTypeForecloseMortgage }

func (e *ForecloseMortgage) Validate() error {
	return firstErr(e.validateMeta(), requireID("position_id", e.PositionID))
}

type RedeemMortgage struct {
	Meta
	PositionID uuid.UUID `json:"position_id"`
	AllowAsync bool      `json:"allow_async"`
}

func (e *RedeemMortgage) EventType() EventType { return EventTypeRedeemMortgage }

func (e *RedeemMortgage) Validate() error {
	return firstErr(e.validateMeta(), requireID("position_id", e.PositionID))
}

type ClaimRelease struct {
	Meta
	CollateralClass string `json:"collateral_class"`
}

func (e *ClaimRelease) EventType() EventType { return EventTypeClaimRelease }

func (e *ClaimRelease) Validate() error {
	return firstErr(e.validateMeta(), requireNonEmpty("collateral_class", e.CollateralClass))
}

// TransferPosition hands the position identifier to another account.
type TransferPosition struct {
	Meta
	PositionID uuid.UUID `json:"position_id"`
	To         uuid.UUID `json:"to"`
}

func (e *TransferPosition) EventType() EventType { return EventTypeTransferPosition }

func (e *TransferPosition) Validate() error {
	return firstErr(e.validateMeta(), requireID("position_id", e.PositionID), requireID("to", e.To))
}
