package withdrawal

import (
	"time"

	"ConsolLedger/internal/ledger"

	"github.com/google/uuid"
)

// Request is one queued withdrawal. Amount is the debt-asset value of Shares
// locked when the request was made.
type Request struct {
	Account      uuid.UUID `json:"account"`
	Shares       int64     `json:"shares"`
	Amount       int64     `json:"amount"`
	Timestamp    time.Time `json:"timestamp"`
	ExecutionFee int64     `json:"execution_fee"`
}

// IsEmpty reports a cancelled or released slot.
func (r Request) IsEmpty() bool {
	return r.Shares == 0 && r.Amount == 0
}

// Tx is the transactional surface queues stage their legs and state changes on.
// *ledger.Tx and the position ledger's Tx both satisfy it.
type Tx interface {
	Transfer(from, to ledger.AccountKey, amount int64, jt ledger.JournalType)
	Mint(source ledger.AccountSubType, to ledger.AccountKey, amount int64, jt ledger.JournalType)
	Burn(from ledger.AccountKey, sink ledger.AccountSubType, amount int64, jt ledger.JournalType)
	OnCommit(fn func())
}

// Balances is the read side of the balance book.
type Balances interface {
	Balance(key ledger.AccountKey) int64
}
