package state

import (
	"ConsolLedger/internal/ledger"

	"github.com/google/uuid"
)

// Balances is the fungible-balance interface the ledger consumes.
// ApplyBatch must be all-or-nothing.
type Balances interface {
	Balance(key ledger.AccountKey) int64
	ApplyBatch(batch *ledger.Batch) error
}

// Registry issues the non-fungible identifier that represents ownership of a position.
type Registry interface {
	Mint(id uuid.UUID, owner uuid.UUID) error
	Burn(id uuid.UUID) error
	OwnerOf(id uuid.UUID) (uuid.UUID, bool)
}

// RateSource supplies externally governed rates in basis points.
type RateSource interface {
	InterestRateBps(class string) (int64, error)
	PenaltyRateBps() int64
	RefinanceFeeBps() int64
}

// OriginationBounds validates new and refinanced terms.
type OriginationBounds interface {
	ValidateOrigination(class string, borrowed int64, totalPeriods int64) error
	ValidatePeriods(class string, totalPeriods int64) error
	PremiumBps(class string) (int64, error)
}
