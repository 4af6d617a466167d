package core

import (
	"errors"

	"ConsolLedger/internal/access"
	"ConsolLedger/internal/conversion"
	"ConsolLedger/internal/event"
	"ConsolLedger/internal/feed"
	"ConsolLedger/internal/guard"
	"ConsolLedger/internal/ledger"
	fpmath "ConsolLedger/internal/math"
	"ConsolLedger/internal/registry"
	"ConsolLedger/internal/state"
	"ConsolLedger/internal/withdrawal"
)

// Rejection reasons, used as the reason label of rejected commands.
const (
	ReasonInvalid      = "invalid_argument"
	ReasonDuplicate    = "duplicate"
	ReasonStale        = "stale"
	ReasonSequence     = "sequence"
	ReasonPrecondition = "precondition"
	ReasonUnauthorized = "unauthorized"
	ReasonNotFound     = "not_found"
	ReasonBusy         = "busy"
	ReasonInternal     = "internal"
)

var classes = []struct {
	reason string
	errs   []error
}{
	{ReasonUnauthorized, []error{
		access.ErrUnauthorized, state.ErrNotOwner, withdrawal.ErrNotOwner, registry.ErrNotHolder,
	}},
	{ReasonNotFound, []error{
		state.ErrPositionNotFound, withdrawal.ErrRequestNotFound, registry.ErrNotMinted,
		conversion.ErrNotQueued, ErrUnknownQueue, state.ErrUnknownAsset, feed.ErrNoPrice, feed.ErrNoRate,
	}},
	{ReasonBusy, []error{guard.ErrBatchInFlight, guard.ErrLockHeld}},
	{ReasonSequence, []error{ErrSequence}},
	{ReasonInvalid, []error{
		event.ErrInvalidCommand, state.ErrInvalidAmount, withdrawal.ErrInvalidAmount,
		state.ErrOutOfBounds, withdrawal.ErrBelowMinimum, withdrawal.ErrFeeTooLow,
		conversion.ErrStaleHint, conversion.ErrClassMismatch,
	}},
	{ReasonPrecondition, []error{
		state.ErrNotActive, state.ErrAmountExceedsBalance, state.ErrPenaltyOutstanding,
		state.ErrPaymentsMissed, state.ErrNothingOwed, state.ErrBelowTrigger,
		state.ErrExceedsCollateral, state.ErrNotForeclosable, state.ErrPrincipalOutstanding,
		state.ErrInvalidTransition, withdrawal.ErrRequestEmpty, withdrawal.ErrAlreadyProcessed,
		withdrawal.ErrInsufficientCapacity, withdrawal.ErrUnownedAssets,
		conversion.ErrAlreadyQueued, conversion.ErrStillEligible,
		ledger.ErrInsufficientBalance, registry.ErrAlreadyMinted,
	}},
	{ReasonInternal, []error{fpmath.ErrOverflow, fpmath.ErrNegative, fpmath.ErrDivByZero}},
}

// Classify maps a command error to its rejection reason.
func Classify(err error) string {
	for _, c := range classes {
		for _, target := range c.errs {
			if errors.Is(err, target) {
				return c.reason
			}
		}
	}
	return ReasonInternal
}
