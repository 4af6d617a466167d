package query

import (
	"time"

	"github.com/google/uuid"
)

// PositionResponse is a position with derived values projected at query time.
type PositionResponse struct {
	ID                  uuid.UUID `json:"id"`
	Owner               uuid.UUID `json:"owner"`
	CollateralClass     string    `json:"collateral_class"`
	Status              string    `json:"status"`
	Collateral          Amount    `json:"collateral"`
	CollateralConverted Amount    `json:"collateral_converted"`
	PurchasePrice       Amount    `json:"purchase_price"`
	TriggerPrice        Amount    `json:"trigger_price"`
	InterestRateBps     int64     `json:"interest_rate_bps"`
	TermBalance         Amount    `json:"term_balance"`
	PrincipalRemaining  Amount    `json:"principal_remaining"`
	MonthlyPayment      Amount    `json:"monthly_payment"`
	PeriodsPaid         int64     `json:"periods_paid"`
	TotalPeriods        int64     `json:"total_periods"`
	PaymentsMissed      int64     `json:"payments_missed"`
	PenaltyOwed         Amount    `json:"penalty_owed"` // realized and projected, less paid
	AsOfSequence        int64     `json:"as_of_sequence"`
}

// TriggerEntry is one queued position, head first.
type TriggerEntry struct {
	PositionID   uuid.UUID `json:"position_id"`
	TriggerPrice Amount    `json:"trigger_price"`
	ExecutionFee Amount    `json:"execution_fee"`
}

type TriggerQueueResponse struct {
	Class        string         `json:"class"`
	Entries      []TriggerEntry `json:"entries"`
	AsOfSequence int64          `json:"as_of_sequence"`
}

// RequestEntry is one pending withdrawal request.
type RequestEntry struct {
	Index        int       `json:"index"`
	Account      uuid.UUID `json:"account"`
	Shares       int64     `json:"shares"`
	Amount       Amount    `json:"amount"`
	ExecutionFee Amount    `json:"execution_fee"`
	RequestedAt  time.Time `json:"requested_at"`
}

type RequestsResponse struct {
	Queue        string         `json:"queue"`
	Head         int            `json:"head"`
	Next         int            `json:"next"`
	Requests     []RequestEntry `json:"requests"`
	AsOfSequence int64          `json:"as_of_sequence"`
}

type BlockedResponse struct {
	Queue   string `json:"queue"`
	Blocked bool   `json:"blocked"`
}

// BalanceResponse is a user's spendable balance of one asset.
type BalanceResponse struct {
	Account      uuid.UUID `json:"account"`
	Balance      Amount    `json:"balance"`
	AsOfSequence int64     `json:"as_of_sequence"`
}

// PositionSummary is a projected position row.
type PositionSummary struct {
	ID                 uuid.UUID `json:"id"`
	CollateralClass    string    `json:"collateral_class"`
	Status             string    `json:"status"`
	Collateral         Amount    `json:"collateral"`
	PrincipalRemaining Amount    `json:"principal_remaining"`
	TriggerPrice       Amount    `json:"trigger_price"`
	PeriodsPaid        int64     `json:"periods_paid"`
	LastSequence       int64     `json:"last_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     uuid.UUID `json:"journal_id"`
	BatchID       uuid.UUID `json:"batch_id"`
	EventRef      string    `json:"event_ref"`
	Sequence      int64     `json:"sequence"`
	DebitAccount  string    `json:"debit_account"`
	CreditAccount string    `json:"credit_account"`
	Amount        Amount    `json:"amount"`
	JournalType   string    `json:"journal_type"`
	TimestampUs   int64     `json:"timestamp_us"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
}

// UnbalancedAsset represents an asset with non-zero global balance sum.
type UnbalancedAsset struct {
	Asset     string `json:"asset"`
	Imbalance int64  `json:"imbalance"`
}
