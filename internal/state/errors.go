package state

import "errors"

var (
	ErrPositionNotFound     = errors.New("position not found")
	ErrNotActive            = errors.New("position is not active")
	ErrNotOwner             = errors.New("caller does not own position")
	ErrInvalidAmount        = errors.New("amount must be positive")
	ErrAmountExceedsBalance = errors.New("amount exceeds outstanding balance")
	ErrPenaltyOutstanding   = errors.New("penalty outstanding")
	ErrPaymentsMissed       = errors.New("position has missed payments")
	ErrNothingOwed          = errors.New("nothing owed")
	ErrBelowTrigger         = errors.New("price below trigger price")
	ErrExceedsCollateral    = errors.New("amount exceeds available collateral")
	ErrNotForeclosable      = errors.New("missed payments within threshold")
	ErrPrincipalOutstanding = errors.New("principal outstanding")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrOutOfBounds          = errors.New("origination parameters out of bounds")
	ErrUnknownAsset         = errors.New("unknown asset")
	ErrReceivableMismatch   = errors.New("receivable does not match positions")
)
