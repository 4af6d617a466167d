package event

import "fmt"

// VaultDeposit buys shares of a pool ("stable" or the forfeiture pool).
type VaultDeposit struct {
	Meta
	Pool   string `json:"pool"`
	Amount int64  `json:"amount"`
}

func (e *VaultDeposit) EventType() EventType { return EventTypeVaultDeposit }

func (e *VaultDeposit) Validate() error {
	return firstErr(e.validateMeta(), requireNonEmpty("pool", e.Pool), requirePositive("amount", e.Amount))
}

// RequestWithdrawal queues shares for redemption. Queue is a pool name for
// the asset queues or "conv-<class>" for a conversion queue.
type RequestWithdrawal struct {
	Meta
	Queue  string `json:"queue"`
	Shares int64  `json:"shares"`
	Fee    int64  `json:"fee"`
}

func (e *RequestWithdrawal) EventType() EventType { return EventTypeRequestWithdrawal }

func (e *RequestWithdrawal) Validate() error {
	if e.Fee < 0 {
		return fmt.Errorf("%w: fee must not be negative", ErrInvalidCommand)
	}
	return firstErr(e.validateMeta(), requireNonEmpty("queue", e.Queue), requirePositive("shares", e.Shares))
}

type CancelWithdrawal struct {
	Meta
	Queue string `json:"queue"`
	Index int    `json:"index"`
}

func (e *CancelWithdrawal) EventType() EventType { return EventTypeCancelWithdrawal }

func (e *CancelWithdrawal) Validate() error {
	if e.Index < 0 {
		return fmt.Errorf("%w: index must not be negative", ErrInvalidCommand)
	}
	return firstErr(e.validateMeta(), requireNonEmpty("queue", e.Queue))
}

// ProcessWithdrawals runs one guarded batch. The actor receives the fees.
type ProcessWithdrawals struct {
	Meta
	Queue      string `json:"queue"`
	Iterations int    `json:"iterations"`
}

func (e *ProcessWithdrawals) EventType() EventType { return EventTypeProcessWithdrawals }

func (e *ProcessWithdrawals) Validate() error {
	return firstErr(e.validateMeta(), requireNonEmpty("queue", e.Queue), requirePositive("iterations", int64(e.Iterations)))
}
