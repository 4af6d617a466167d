package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeFunding JournalType = iota
	JournalTypeCollateralEscrow
	JournalTypeLoanDisbursement
	JournalTypeLoanIssued
	JournalTypePeriodPayment
	JournalTypePrincipalRepaid
	JournalTypePenaltyPayment
	JournalTypeRefinanceFee
	JournalTypeConversionRelease
	JournalTypePrincipalForgiven
	JournalTypeForfeiture
	JournalTypeCollateralRelease
	JournalTypeReleaseClaim
	JournalTypeVaultDeposit
	JournalTypeShareEscrow
	JournalTypeShareReturn
	JournalTypeShareBurn
	JournalTypeRedemptionPayout
	JournalTypeExecutionFee
	JournalTypeExecutionFeePayout
	JournalTypeLiquidation
)

var journalTypeNames = map[JournalType]string{
	JournalTypeFunding:            "funding",
	JournalTypeCollateralEscrow:   "collateral_escrow",
	JournalTypeLoanDisbursement:   "loan_disbursement",
	JournalTypeLoanIssued:         "loan_issued",
	JournalTypePeriodPayment:      "period_payment",
	JournalTypePrincipalRepaid:    "principal_repaid",
	JournalTypePenaltyPayment:     "penalty_payment",
	JournalTypeRefinanceFee:       "refinance_fee",
	JournalTypeConversionRelease:  "conversion_release",
	JournalTypePrincipalForgiven:  "principal_forgiven",
	JournalTypeForfeiture:         "forfeiture",
	JournalTypeCollateralRelease:  "collateral_release",
	JournalTypeReleaseClaim:       "release_claim",
	JournalTypeVaultDeposit:       "vault_deposit",
	JournalTypeShareEscrow:        "share_escrow",
	JournalTypeShareReturn:        "share_return",
	JournalTypeShareBurn:          "share_burn",
	JournalTypeRedemptionPayout:   "redemption_payout",
	JournalTypeExecutionFee:       "execution_fee",
	JournalTypeExecutionFeePayout: "execution_fee_payout",
	JournalTypeLiquidation:        "liquidation",
}

func (t JournalType) String() string {
	if name, ok := journalTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Unique identifier
	BatchID       uuid.UUID   // Groups balanced entries
	EventRef      string      // Idempotency key of source command
	Sequence      int64       // Global event sequence
	DebitAccount  AccountKey  // Account receiving debit (balance increases)
	CreditAccount AccountKey  // Account receiving credit (balance decreases)
	AssetID       AssetID     // Asset being transferred
	Amount        int64       // Base units (ALWAYS positive)
	JournalType   JournalType // Entry type
	Timestamp     int64       // Command timestamp (epoch microseconds)
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID   uuid.UUID
	EventRef  string
	Sequence  int64
	Timestamp int64
	Journals  []Journal
}

// Validate ensures the batch is well-formed.
// Each journal moves one positive amount from its credit account to its debit
// account, so every entry is balanced on its own and the batch sums to zero.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %d", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.AssetID != j.AssetID || j.CreditAccount.AssetID != j.AssetID {
			return fmt.Errorf("journal %s mixes assets", j.JournalID)
		}
	}

	return nil
}

// IsEmpty reports whether the batch carries no balance movements.
func (b *Batch) IsEmpty() bool {
	return b == nil || len(b.Journals) == 0
}
