package withdrawal

import (
	"ConsolLedger/internal/ledger"
)

// AssetQueue redeems pool shares for debt-asset cash at the locked amount.
// It backs both the stable backing-pool queue and the forfeiture-pool queue.
type AssetQueue struct {
	*Queue
}

func NewAssetQueue(cfg Config, vault *Vault, feeAsset ledger.AssetID) *AssetQueue {
	aq := &AssetQueue{}
	aq.Queue = NewQueue(cfg, vault, feeAsset, aq)
	return aq
}

// Redeem burns the escrowed shares and pays the locked amount from pool cash.
// A cash shortfall surfaces when the batch is applied and fails it whole.
func (aq *AssetQueue) Redeem(tx Tx, r Request) error {
	v := aq.Vault()
	tx.Burn(aq.EscrowKey(), ledger.SubTypeExternalShareMint, r.Shares, ledger.JournalTypeShareBurn)
	tx.Transfer(v.CashKey(), ledger.WalletKey(r.Account, v.DebtAsset()), r.Amount, ledger.JournalTypeRedemptionPayout)
	return nil
}
