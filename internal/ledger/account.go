package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopePosition
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeWallet AccountSubType = iota
	SubTypePendingRelease

	// Position sub-types
	SubTypeEscrow

	// System sub-types
	SubTypePoolCash
	SubTypePoolReceivable
	SubTypeQueueEscrow
	SubTypeFeeVault
	SubTypeTreasury

	// External sub-types
	SubTypeExternalMint
	SubTypeExternalLoanBook
	SubTypeExternalShareMint
	SubTypeExternalSettlement
)

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // UUID for users and positions, name bytes for system accounts
	SubType  AccountSubType
	AssetID  AssetID
}

// NewUserAccountKey creates a key for user accounts
func NewUserAccountKey(userID uuid.UUID, subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: userID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewPositionAccountKey creates the escrow key holding a position's collateral
func NewPositionAccountKey(positionID uuid.UUID, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:    AccountScopePosition,
		EntityID: positionID,
		SubType:  SubTypeEscrow,
		AssetID:  assetID,
	}
}

// NewSystemAccountKey creates a key for system accounts. Names longer than
// 16 bytes are truncated, so pool and queue names must stay short.
func NewSystemAccountKey(name string, subType AccountSubType, assetID AssetID) AccountKey {
	var entityID [16]byte
	copy(entityID[:], []byte(name))
	return AccountKey{
		Scope:    AccountScopeSystem,
		EntityID: entityID,
		SubType:  subType,
		AssetID:  assetID,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, assetID AssetID) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		AssetID: assetID,
	}
}

// IsExternal reports whether the account sits outside the system boundary.
// External accounts may carry negative balances; every other account may not.
func (k AccountKey) IsExternal() bool {
	return k.Scope == AccountScopeExternal
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	assetName, _ := GetAssetName(k.AssetID)

	switch k.Scope {
	case AccountScopeUser:
		uid := uuid.UUID(k.EntityID)
		return fmt.Sprintf("user:%s:%s:%s", uid.String(), k.subTypeName(), assetName)
	case AccountScopePosition:
		pid := uuid.UUID(k.EntityID)
		return fmt.Sprintf("position:%s:%s:%s", pid.String(), k.subTypeName(), assetName)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s:%s", systemName(k.EntityID), k.subTypeName(), assetName)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), assetName)
	}
	return "unknown"
}

func systemName(entityID [16]byte) string {
	n := 0
	for n < len(entityID) && entityID[n] != 0 {
		n++
	}
	return string(entityID[:n])
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeWallet:
		return "wallet"
	case SubTypePendingRelease:
		return "pending_release"
	case SubTypeEscrow:
		return "escrow"
	case SubTypePoolCash:
		return "pool_cash"
	case SubTypePoolReceivable:
		return "pool_receivable"
	case SubTypeQueueEscrow:
		return "queue_escrow"
	case SubTypeFeeVault:
		return "fee_vault"
	case SubTypeTreasury:
		return "treasury"
	case SubTypeExternalMint:
		return "mint"
	case SubTypeExternalLoanBook:
		return "loan_book"
	case SubTypeExternalShareMint:
		return "share_mint"
	case SubTypeExternalSettlement:
		return "settlement"
	default:
		return "unknown"
	}
}

// WalletKey is a user's spendable balance of an asset.
func WalletKey(userID uuid.UUID, assetID AssetID) AccountKey {
	return NewUserAccountKey(userID, SubTypeWallet, assetID)
}

// PendingReleaseKey holds collateral released asynchronously and awaiting a claim.
func PendingReleaseKey(userID uuid.UUID, assetID AssetID) AccountKey {
	return NewUserAccountKey(userID, SubTypePendingRelease, assetID)
}

// PoolCashKey holds a pool's idle funds. Pools also hold collateral under this sub-type.
func PoolCashKey(pool string, assetID AssetID) AccountKey {
	return NewSystemAccountKey(pool, SubTypePoolCash, assetID)
}

// PoolReceivableKey tracks principal a pool has lent out and not yet recovered.
func PoolReceivableKey(pool string, assetID AssetID) AccountKey {
	return NewSystemAccountKey(pool, SubTypePoolReceivable, assetID)
}
