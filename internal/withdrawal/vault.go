package withdrawal

import (
	"fmt"

	"ConsolLedger/internal/ledger"
	fpmath "ConsolLedger/internal/math"

	"github.com/google/uuid"
)

// Vault is a share-issuing pool. Its assets are the pool's cash, the
// principal it has lent out and the value of shares it holds in other
// vaults; shares are a ledger asset minted from the external share mint, so
// total supply is read back from the book.
type Vault struct {
	name       string
	debtAsset  ledger.AssetID
	shareAsset ledger.AssetID
	balances   Balances
	holdings   []*Vault
}

func NewVault(name string, debtAsset, shareAsset ledger.AssetID, balances Balances) *Vault {
	return &Vault{
		name:       name,
		debtAsset:  debtAsset,
		shareAsset: shareAsset,
		balances:   balances,
	}
}

func (v *Vault) Name() string { return v.name }

func (v *Vault) DebtAsset() ledger.AssetID { return v.debtAsset }

func (v *Vault) ShareAsset() ledger.AssetID { return v.shareAsset }

func (v *Vault) CashKey() ledger.AccountKey { return ledger.PoolCashKey(v.name, v.debtAsset) }

func (v *Vault) ReceivableKey() ledger.AccountKey {
	return ledger.PoolReceivableKey(v.name, v.debtAsset)
}

// Hold counts shares of other held by this pool at other's exchange rate.
func (v *Vault) Hold(other *Vault) {
	v.holdings = append(v.holdings, other)
}

// HoldingKey is where this pool keeps shares of other.
func (v *Vault) HoldingKey(other *Vault) ledger.AccountKey {
	return ledger.PoolCashKey(v.name, other.shareAsset)
}

// HeldValue is the debt-asset value of this pool's shares of other.
func (v *Vault) HeldValue(other *Vault) int64 {
	held := v.balances.Balance(v.HoldingKey(other))
	if held == 0 {
		return 0
	}
	value, err := other.ConvertToAssets(held)
	if err != nil {
		return 0
	}
	return value
}

func (v *Vault) TotalAssets() int64 {
	total := v.balances.Balance(v.CashKey()) + v.balances.Balance(v.ReceivableKey())
	for _, other := range v.holdings {
		total += v.HeldValue(other)
	}
	return total
}

func (v *Vault) TotalShares() int64 {
	return -v.balances.Balance(ledger.NewExternalAccountKey(ledger.SubTypeExternalShareMint, v.shareAsset))
}

func (v *Vault) ConvertToShares(assets int64) (int64, error) {
	return fpmath.ConvertToShares(assets, v.TotalAssets(), v.TotalShares())
}

func (v *Vault) ConvertToAssets(shares int64) (int64, error) {
	return fpmath.ConvertToAssets(shares, v.TotalAssets(), v.TotalShares())
}

// Deposit moves assets from account into the pool and mints shares at the
// current exchange rate. Returns the shares minted.
func (v *Vault) Deposit(tx Tx, account uuid.UUID, assets int64) (int64, error) {
	if assets <= 0 {
		return 0, ErrInvalidAmount
	}
	if v.TotalShares() == 0 && v.TotalAssets() > 0 {
		return 0, fmt.Errorf("%w: %s holds %d with no shares", ErrUnownedAssets, v.name, v.TotalAssets())
	}
	shares, err := v.ConvertToShares(assets)
	if err != nil {
		return 0, err
	}
	if shares == 0 {
		return 0, fmt.Errorf("%w: deposit of %d mints no shares", ErrInvalidAmount, assets)
	}
	tx.Transfer(ledger.WalletKey(account, v.debtAsset), v.CashKey(), assets, ledger.JournalTypeVaultDeposit)
	tx.Mint(ledger.SubTypeExternalShareMint, ledger.WalletKey(account, v.shareAsset), shares, ledger.JournalTypeVaultDeposit)
	return shares, nil
}

// Issue mints shares worth assets to holder, which has already moved the
// assets into this vault by other means. Shares are priced before the
// transfer lands, so existing holders are not diluted. Returns the shares
// minted.
func (v *Vault) Issue(tx Tx, holder *Vault, assets int64) (int64, error) {
	if assets < 0 {
		return 0, ErrInvalidAmount
	}
	if assets == 0 {
		return 0, nil
	}
	shares, err := v.ConvertToShares(assets)
	if err != nil {
		return 0, err
	}
	if shares > 0 {
		tx.Mint(ledger.SubTypeExternalShareMint, holder.HoldingKey(v), shares, ledger.JournalTypeForfeiture)
	}
	return shares, nil
}
