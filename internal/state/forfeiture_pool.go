package state

import (
	"fmt"
	"sort"

	"ConsolLedger/internal/ledger"
	fpmath "ConsolLedger/internal/math"

	"github.com/google/uuid"
)

// ForfeitureStats summarizes what a collateral class has lost to foreclosure.
type ForfeitureStats struct {
	Class                string
	Foreclosures         int64
	PrincipalForfeited   int64
	CollateralForfeited  int64
	CollateralLiquidated int64
	ProceedsRecovered    int64
	PrincipalWrittenDown int64
}

// ForfeiturePool accumulates foreclosed principal and collateral.
// Balances live in the ledger under system:<pool>:pool_receivable and
// system:<pool>:pool_cash. This struct only keeps per-class statistics.
type ForfeiturePool struct {
	name  string
	stats map[string]*ForfeitureStats
}

func NewForfeiturePool(name string) *ForfeiturePool {
	return &ForfeiturePool{
		name:  name,
		stats: make(map[string]*ForfeitureStats),
	}
}

func (f *ForfeiturePool) Name() string {
	return f.name
}

func (f *ForfeiturePool) entry(class string) *ForfeitureStats {
	s, ok := f.stats[class]
	if !ok {
		s = &ForfeitureStats{Class: class}
		f.stats[class] = s
	}
	return s
}

// RecordForeclosure is called once a foreclosure has committed.
func (f *ForfeiturePool) RecordForeclosure(class string, principal, collateral int64) {
	s := f.entry(class)
	s.Foreclosures++
	s.PrincipalForfeited += principal
	s.CollateralForfeited += collateral
}

func (f *ForfeiturePool) recordLiquidation(class string, collateral, proceeds, writedown int64) {
	s := f.entry(class)
	s.CollateralLiquidated += collateral
	s.ProceedsRecovered += proceeds
	s.PrincipalWrittenDown += writedown
}

// Outstanding is forfeited principal not yet written down by liquidations,
// summed over every class.
func (f *ForfeiturePool) Outstanding() int64 {
	var total int64
	for _, s := range f.stats {
		total += s.PrincipalForfeited - s.PrincipalWrittenDown
	}
	return total
}

// Stats returns per-class statistics ordered by class.
func (f *ForfeiturePool) Stats() []ForfeitureStats {
	out := make([]ForfeitureStats, 0, len(f.stats))
	for _, s := range f.stats {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Class < out[j].Class })
	return out
}

// Restore replaces the statistics. Used on warm start.
func (f *ForfeiturePool) Restore(stats []ForfeitureStats) {
	f.stats = make(map[string]*ForfeitureStats, len(stats))
	for i := range stats {
		s := stats[i]
		f.stats[s.Class] = &s
	}
}

// ComputeWritedown splits liquidation proceeds between the forfeited
// receivable and surplus. If proceeds exceed the receivable the excess is
// surplus and the receivable is fully written down.
func (f *ForfeiturePool) ComputeWritedown(receivable, proceeds int64) (writedown, surplus int64) {
	if proceeds >= receivable {
		return receivable, proceeds - receivable
	}
	return proceeds, 0
}

// Liquidate sells forfeited collateral to buyer at price. Proceeds write
// down the forfeited receivable; any surplus stays in the pool as cash.
// Returns the proceeds paid.
func (tx *Tx) Liquidate(class string, buyer uuid.UUID, collateral, price int64) (int64, error) {
	if collateral <= 0 || price <= 0 {
		return 0, ErrInvalidAmount
	}
	if tx.l.forfeit == nil {
		return 0, fmt.Errorf("no forfeiture pool configured")
	}
	assetID, ok := ledger.GetAssetID(class)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownAsset, class)
	}
	asset, _ := ledger.GetAsset(assetID)
	debt := tx.l.cfg.DebtAsset
	pool := tx.l.forfeit.Name()

	held := tx.l.balances.Balance(ledger.PoolCashKey(pool, asset.ID))
	if collateral > held {
		return 0, fmt.Errorf("%w: %d of %d", ErrExceedsCollateral, collateral, held)
	}
	unit, err := fpmath.Pow10(asset.Decimals)
	if err != nil {
		return 0, err
	}
	proceeds, err := fpmath.MulDiv(collateral, price, unit, fpmath.RoundUp)
	if err != nil {
		return 0, err
	}
	receivable := tx.l.balances.Balance(ledger.PoolReceivableKey(pool, debt))
	writedown, _ := tx.l.forfeit.ComputeWritedown(receivable, proceeds)

	tx.Transfer(ledger.WalletKey(buyer, debt), ledger.PoolCashKey(pool, debt),
		proceeds, ledger.JournalTypeLiquidation)
	tx.Transfer(ledger.PoolCashKey(pool, asset.ID), ledger.WalletKey(buyer, asset.ID),
		collateral, ledger.JournalTypeLiquidation)
	tx.Burn(ledger.PoolReceivableKey(pool, debt), ledger.SubTypeExternalLoanBook,
		writedown, ledger.JournalTypeLiquidation)

	forfeit := tx.l.forfeit
	tx.OnCommit(func() {
		forfeit.recordLiquidation(class, collateral, proceeds, writedown)
	})
	return proceeds, nil
}
