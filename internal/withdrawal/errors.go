package withdrawal

import "errors"

var (
	ErrInvalidAmount        = errors.New("amount must be positive")
	ErrBelowMinimum         = errors.New("withdrawal below minimum amount")
	ErrFeeTooLow            = errors.New("execution fee below configured fee")
	ErrNotOwner             = errors.New("caller does not own request")
	ErrRequestNotFound      = errors.New("request not found")
	ErrRequestEmpty         = errors.New("request already cancelled")
	ErrAlreadyProcessed     = errors.New("request already processed")
	ErrInsufficientCapacity = errors.New("iterations exceed pending requests")
	ErrUnownedAssets        = errors.New("vault holds assets but has no shares")
)
