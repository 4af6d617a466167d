package state

import (
	"fmt"
	"sort"
	"time"

	"ConsolLedger/internal/ledger"
	fpmath "ConsolLedger/internal/math"

	"github.com/google/uuid"
)

// LedgerConfig fixes the assets and calendar the ledger works in.
type LedgerConfig struct {
	DebtAsset      ledger.AssetID
	ForfeiturePool string
	Schedule       Schedule
}

// PositionLedger owns every Position and is their sole mutator.
// Not thread-safe: only accessed from the single-threaded core.
type PositionLedger struct {
	cfg       LedgerConfig
	positions map[uuid.UUID]*Position
	balances  Balances
	registry  Registry
	rates     RateSource
	bounds    OriginationBounds
	forfeit   *ForfeiturePool
}

func NewPositionLedger(
	cfg LedgerConfig,
	balances Balances,
	registry Registry,
	rates RateSource,
	bounds OriginationBounds,
	forfeit *ForfeiturePool,
) *PositionLedger {
	return &PositionLedger{
		cfg:       cfg,
		positions: make(map[uuid.UUID]*Position),
		balances:  balances,
		registry:  registry,
		rates:     rates,
		bounds:    bounds,
		forfeit:   forfeit,
	}
}

func (l *PositionLedger) Config() LedgerConfig {
	return l.cfg
}

// Get returns a copy of the stored position.
func (l *PositionLedger) Get(id uuid.UUID) (*Position, bool) {
	p, ok := l.positions[id]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// All returns copies of every position ordered by id.
func (l *PositionLedger) All() []*Position {
	out := make([]*Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// Restore replaces all positions. Used on warm start.
func (l *PositionLedger) Restore(positions []*Position) {
	l.positions = make(map[uuid.UUID]*Position, len(positions))
	for _, p := range positions {
		l.positions[p.ID] = p.Clone()
	}
}

func (l *PositionLedger) OwnerOf(id uuid.UUID) (uuid.UUID, bool) {
	return l.registry.OwnerOf(id)
}

// PositionView is a position plus every value derived at read time.
type PositionView struct {
	Position
	Owner              uuid.UUID `json:"owner"`
	PrincipalRemaining int64     `json:"principal_remaining"`
	PeriodsPaid        int64     `json:"periods_paid"`
	MonthlyPayment     int64     `json:"monthly_payment"`
	PaymentsMissedNow  int64     `json:"payments_missed_now"`
	UnrealizedPenalty  int64     `json:"unrealized_penalty"`
	TriggerPrice       int64     `json:"trigger_price"`
}

// View projects derived values at now without storing anything.
func (l *PositionLedger) View(id uuid.UUID, now time.Time) (*PositionView, error) {
	p, ok := l.positions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, id)
	}
	return l.ViewOf(p, now)
}

// ViewOf projects derived values of p, which need not be stored yet.
func (l *PositionLedger) ViewOf(p *Position, now time.Time) (*PositionView, error) {
	v := &PositionView{Position: *p}
	v.Owner, _ = l.registry.OwnerOf(p.ID)

	var err error
	if v.PrincipalRemaining, err = p.PrincipalRemaining(); err != nil {
		return nil, err
	}
	if v.PeriodsPaid, err = p.PeriodsPaid(); err != nil {
		return nil, err
	}
	if v.MonthlyPayment, err = p.MonthlyPayment(); err != nil {
		return nil, err
	}
	if v.TriggerPrice, err = p.TriggerPrice(); err != nil {
		return nil, err
	}
	if p.IsActive() {
		if v.PaymentsMissedNow, err = p.MissedAt(now, l.cfg.Schedule); err != nil {
			return nil, err
		}
		if v.UnrealizedPenalty, err = p.UnrealizedPenaltyAt(now, l.cfg.Schedule, l.rates.PenaltyRateBps()); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// CheckReceivables cross-checks the loan book against the positions. Each
// backing pool's receivable must equal the principal still owed on its
// active positions, and the forfeiture receivable must equal forfeited
// principal less liquidation write-downs. Pools with no active positions are
// checked only when named.
func (l *PositionLedger) CheckReceivables(pools ...string) error {
	owed := make(map[string]int64, len(pools))
	for _, pool := range pools {
		owed[pool] = 0
	}
	for _, p := range l.positions {
		if !p.IsActive() {
			continue
		}
		remaining, err := p.PrincipalRemaining()
		if err != nil {
			return fmt.Errorf("position %s: %w", p.ID, err)
		}
		if owed[p.BackingPool], err = fpmath.Add(owed[p.BackingPool], remaining); err != nil {
			return err
		}
	}
	if l.forfeit != nil {
		if _, backing := owed[l.forfeit.Name()]; backing {
			return fmt.Errorf("pool %s is both a backing and the forfeiture pool", l.forfeit.Name())
		}
		owed[l.forfeit.Name()] = l.forfeit.Outstanding()
	}

	names := make([]string, 0, len(owed))
	for pool := range owed {
		names = append(names, pool)
	}
	sort.Strings(names)
	for _, pool := range names {
		book := l.balances.Balance(ledger.PoolReceivableKey(pool, l.cfg.DebtAsset))
		if book != owed[pool] {
			return fmt.Errorf("%w: pool %s books %d, positions owe %d", ErrReceivableMismatch, pool, book, owed[pool])
		}
	}
	return nil
}

// Run executes fn inside a fresh transaction and commits it.
func (l *PositionLedger) Run(ref string, sequence int64, now time.Time, fn func(tx *Tx) error) (*ledger.Batch, error) {
	tx := l.Begin(ref, sequence, now)
	if err := fn(tx); err != nil {
		return nil, err
	}
	return tx.Commit()
}

// Begin opens a transaction. Positions read through the Tx are staged copies;
// they replace the stored ones only when Commit succeeds.
func (l *PositionLedger) Begin(ref string, sequence int64, now time.Time) *Tx {
	tx := &Tx{
		Tx:     ledger.NewTx(l.balances, ref, sequence, now.UnixMicro()),
		l:      l,
		now:    now,
		staged: make(map[uuid.UUID]*Position),
	}
	tx.OnCommit(func() {
		for _, id := range tx.order {
			l.positions[id] = tx.staged[id]
		}
	})
	return tx
}

// Tx is a position-aware ledger transaction.
type Tx struct {
	*ledger.Tx
	l      *PositionLedger
	now    time.Time
	staged map[uuid.UUID]*Position
	order  []uuid.UUID
}

func (tx *Tx) Now() time.Time {
	return tx.now
}

// Position returns the staged copy of a position, staging it on first use.
func (tx *Tx) Position(id uuid.UUID) (*Position, error) {
	if p, ok := tx.staged[id]; ok {
		return p, nil
	}
	stored, ok := tx.l.positions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, id)
	}
	p := stored.Clone()
	tx.stage(p)
	return p, nil
}

// Touched returns the positions staged by this transaction, in staging order.
func (tx *Tx) Touched() []*Position {
	out := make([]*Position, 0, len(tx.order))
	for _, id := range tx.order {
		out = append(out, tx.staged[id])
	}
	return out
}

func (tx *Tx) stage(p *Position) {
	if _, ok := tx.staged[p.ID]; !ok {
		tx.order = append(tx.order, p.ID)
	}
	tx.staged[p.ID] = p
}

func (tx *Tx) active(id uuid.UUID) (*Position, error) {
	p, err := tx.Position(id)
	if err != nil {
		return nil, err
	}
	if !p.IsActive() {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotActive, id, p.Status)
	}
	return p, nil
}

func (tx *Tx) requireOwner(id, caller uuid.UUID) error {
	owner, ok := tx.l.registry.OwnerOf(id)
	if !ok || owner != caller {
		return fmt.Errorf("%w: %s", ErrNotOwner, id)
	}
	return nil
}

func (tx *Tx) collateralAsset(class string) (ledger.AssetID, error) {
	id, ok := ledger.GetAssetID(class)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownAsset, class)
	}
	return id, nil
}

func (tx *Tx) transition(p *Position, next PositionStatus) error {
	if !p.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, next)
	}
	p.Status = next
	return nil
}

// requireCurrent rejects operations on positions with missed payments or an
// outstanding (realized or projected) penalty.
func (tx *Tx) requireCurrent(p *Position) error {
	missed, err := p.MissedAt(tx.now, tx.l.cfg.Schedule)
	if err != nil {
		return err
	}
	if missed > 0 {
		return fmt.Errorf("%w: %d", ErrPaymentsMissed, missed)
	}
	if p.PenaltyOutstanding() > 0 {
		return fmt.Errorf("%w: %d", ErrPenaltyOutstanding, p.PenaltyOutstanding())
	}
	return nil
}

// foldTerm moves current-term progress into the prior-term accumulators so
// that TermPrincipal afterwards equals the principal still owed.
func (tx *Tx) foldTerm(p *Position) (int64, error) {
	remaining, err := p.PrincipalRemaining()
	if err != nil {
		return 0, err
	}
	termPrincipal, err := p.TermPrincipal()
	if err != nil {
		return 0, err
	}
	paidPrincipal, err := p.PaymentToPrincipal(p.TermPaid)
	if err != nil {
		return 0, err
	}
	settled, err := fpmath.Sub(termPrincipal, remaining)
	if err != nil {
		return 0, err
	}
	forgiven, err := fpmath.Sub(settled, paidPrincipal)
	if err != nil {
		return 0, err
	}
	if p.AmountPrior, err = fpmath.Add(p.AmountPrior, paidPrincipal); err != nil {
		return 0, err
	}
	if p.AmountConverted, err = fpmath.Add(p.AmountConverted, forgiven); err != nil {
		return 0, err
	}
	p.TermPaid = 0
	p.TermConverted = 0
	p.PaymentsMissed = 0
	p.TermStart = tx.now
	return remaining, nil
}

// Origination carries the terms of a new position.
type Origination struct {
	PositionID       uuid.UUID
	Owner            uuid.UUID
	CollateralClass  string
	CollateralAmount int64
	PurchasePrice    int64
	BackingPool      string
	Borrowed         int64
	InterestRateBps  int64
	TotalPeriods     int64
	PaymentPlan      bool
}

// CreatePosition originates a new Active position, escrows the collateral and
// disburses the loan from the backing pool.
func (tx *Tx) CreatePosition(o Origination) (*Position, error) {
	if o.Borrowed <= 0 || o.CollateralAmount <= 0 || o.PurchasePrice <= 0 {
		return nil, ErrInvalidAmount
	}
	if o.InterestRateBps < 0 {
		return nil, fmt.Errorf("%w: negative rate", ErrOutOfBounds)
	}
	if o.PositionID == uuid.Nil || o.Owner == uuid.Nil || o.BackingPool == "" {
		return nil, fmt.Errorf("%w: position id, owner and backing pool are required", ErrOutOfBounds)
	}
	if _, exists := tx.l.positions[o.PositionID]; exists {
		return nil, fmt.Errorf("position %s already exists", o.PositionID)
	}
	if _, exists := tx.staged[o.PositionID]; exists {
		return nil, fmt.Errorf("position %s already exists", o.PositionID)
	}
	if _, minted := tx.l.registry.OwnerOf(o.PositionID); minted {
		return nil, fmt.Errorf("position identifier %s already minted", o.PositionID)
	}
	if err := tx.l.bounds.ValidateOrigination(o.CollateralClass, o.Borrowed, o.TotalPeriods); err != nil {
		return nil, err
	}
	premium, err := tx.l.bounds.PremiumBps(o.CollateralClass)
	if err != nil {
		return nil, err
	}
	collAsset, err := tx.collateralAsset(o.CollateralClass)
	if err != nil {
		return nil, err
	}
	termBalance, err := fpmath.TermBalance(o.Borrowed, o.InterestRateBps, o.TotalPeriods)
	if err != nil {
		return nil, err
	}

	p := &Position{
		ID:                   o.PositionID,
		CollateralClass:      o.CollateralClass,
		CollateralAmount:     o.CollateralAmount,
		BackingPool:          o.BackingPool,
		PurchasePrice:        o.PurchasePrice,
		InterestRateBps:      o.InterestRateBps,
		ConversionPremiumBps: premium,
		OriginatedAt:         tx.now,
		TermStart:            tx.now,
		TermBalance:          termBalance,
		AmountBorrowed:       o.Borrowed,
		TotalPeriods:         o.TotalPeriods,
		HasPaymentPlan:       o.PaymentPlan,
		Status:               PositionStatusActive,
		Version:              1,
	}
	if _, err := p.TriggerPrice(); err != nil {
		return nil, err
	}

	debt := tx.l.cfg.DebtAsset
	tx.Transfer(ledger.WalletKey(o.Owner, collAsset), ledger.NewPositionAccountKey(p.ID, collAsset),
		o.CollateralAmount, ledger.JournalTypeCollateralEscrow)
	tx.Transfer(ledger.PoolCashKey(o.BackingPool, debt), ledger.WalletKey(o.Owner, debt),
		o.Borrowed, ledger.JournalTypeLoanDisbursement)
	tx.Mint(ledger.SubTypeExternalLoanBook, ledger.PoolReceivableKey(o.BackingPool, debt),
		o.Borrowed, ledger.JournalTypeLoanIssued)

	tx.stage(p)
	id, owner := p.ID, o.Owner
	tx.OnCommit(func() {
		// uniqueness checked while staging
		_ = tx.l.registry.Mint(id, owner)
	})
	return p, nil
}

// PeriodPay records a scheduled payment. Amounts above the outstanding term
// balance are rejected rather than clamped.
func (tx *Tx) PeriodPay(id, payer uuid.UUID, amount int64) (*Position, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	p, err := tx.active(id)
	if err != nil {
		return nil, err
	}
	outstanding, err := p.Outstanding()
	if err != nil {
		return nil, err
	}
	if amount > outstanding {
		return nil, fmt.Errorf("%w: amount %d, outstanding %d", ErrAmountExceedsBalance, amount, outstanding)
	}
	unrealized, err := p.UnrealizedPenaltyAt(tx.now, tx.l.cfg.Schedule, tx.l.rates.PenaltyRateBps())
	if err != nil {
		return nil, err
	}
	if unrealized > 0 || p.PenaltyOutstanding() > 0 {
		return nil, fmt.Errorf("%w: realized %d, unrealized %d", ErrPenaltyOutstanding, p.PenaltyOutstanding(), unrealized)
	}

	before, err := p.PrincipalRemaining()
	if err != nil {
		return nil, err
	}
	if p.TermPaid, err = fpmath.Add(p.TermPaid, amount); err != nil {
		return nil, err
	}
	after, err := p.PrincipalRemaining()
	if err != nil {
		return nil, err
	}

	missed, err := p.MissedAt(tx.now, tx.l.cfg.Schedule)
	if err != nil {
		return nil, err
	}
	if missed < p.PaymentsMissed {
		p.PaymentsMissed = missed
	}
	p.Version++

	debt := tx.l.cfg.DebtAsset
	tx.Transfer(ledger.WalletKey(payer, debt), ledger.PoolCashKey(p.BackingPool, debt),
		amount, ledger.JournalTypePeriodPayment)
	tx.Burn(ledger.PoolReceivableKey(p.BackingPool, debt), ledger.SubTypeExternalLoanBook,
		before-after, ledger.JournalTypePrincipalRepaid)
	return p, nil
}

// ImposePenalty realizes the projected penalty at the current rate. Periods
// already realized are never charged again. Returns the amount imposed.
func (tx *Tx) ImposePenalty(id uuid.UUID) (int64, error) {
	p, err := tx.active(id)
	if err != nil {
		return 0, err
	}
	missed, err := p.MissedAt(tx.now, tx.l.cfg.Schedule)
	if err != nil {
		return 0, err
	}
	if missed <= p.PaymentsMissed {
		return 0, nil
	}
	penalty, err := p.UnrealizedPenaltyAt(tx.now, tx.l.cfg.Schedule, tx.l.rates.PenaltyRateBps())
	if err != nil {
		return 0, err
	}
	if p.PenaltyAccrued, err = fpmath.Add(p.PenaltyAccrued, penalty); err != nil {
		return 0, err
	}
	p.PaymentsMissed = missed
	p.Version++
	return penalty, nil
}

// PenaltyPay pays realized penalty, capped at what is owed. Returns the amount taken.
func (tx *Tx) PenaltyPay(id, payer uuid.UUID, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	p, err := tx.active(id)
	if err != nil {
		return 0, err
	}
	owed := p.PenaltyOutstanding()
	if owed <= 0 {
		return 0, ErrNothingOwed
	}
	pay := amount
	if pay > owed {
		pay = owed
	}
	p.PenaltyPaid += pay
	p.Version++

	debt := tx.l.cfg.DebtAsset
	tx.Transfer(ledger.WalletKey(payer, debt), ledger.PoolCashKey(p.BackingPool, debt),
		pay, ledger.JournalTypePenaltyPayment)
	return pay, nil
}

// ExtinguishedBy previews how much principal a conversion of principal would
// extinguish. Read-only.
func (tx *Tx) ExtinguishedBy(id uuid.UUID, principal int64) (int64, error) {
	p, err := tx.Position(id)
	if err != nil {
		return 0, err
	}
	probe := p.Clone()
	return applyConversion(probe, principal)
}

func applyConversion(p *Position, principal int64) (int64, error) {
	remaining, err := p.PrincipalRemaining()
	if err != nil {
		return 0, err
	}
	if principal <= 0 {
		return 0, ErrInvalidAmount
	}
	if principal > remaining {
		return 0, fmt.Errorf("%w: principal %d, remaining %d", ErrAmountExceedsBalance, principal, remaining)
	}

	if principal == remaining {
		// exactly at the boundary the term settles in full
		p.TermConverted = p.TermBalance - p.TermPaid
	} else {
		payment, err := p.PrincipalToPayment(principal)
		if err != nil {
			return 0, err
		}
		if p.TermConverted, err = fpmath.Add(p.TermConverted, payment); err != nil {
			return 0, err
		}
	}

	after, err := p.PrincipalRemaining()
	if err != nil {
		return 0, err
	}
	return remaining - after, nil
}

// Convert forgives principal against collateral released to recipient. The
// caller has validated price against the trigger and valued the collateral;
// the ledger decides how much principal the conversion actually extinguishes.
func (tx *Tx) Convert(id uuid.UUID, price, principal, collateral int64, recipient ledger.AccountKey) (int64, error) {
	p, err := tx.active(id)
	if err != nil {
		return 0, err
	}
	trigger, err := p.TriggerPrice()
	if err != nil {
		return 0, err
	}
	if price < trigger {
		return 0, fmt.Errorf("%w: price %d, trigger %d", ErrBelowTrigger, price, trigger)
	}
	if collateral < 0 || collateral > p.CollateralAvailable() {
		return 0, fmt.Errorf("%w: %d of %d", ErrExceedsCollateral, collateral, p.CollateralAvailable())
	}
	collAsset, err := tx.collateralAsset(p.CollateralClass)
	if err != nil {
		return 0, err
	}
	if recipient.AssetID != collAsset {
		return 0, fmt.Errorf("recipient account holds asset %d, want %d", recipient.AssetID, collAsset)
	}

	extinguished, err := applyConversion(p, principal)
	if err != nil {
		return 0, err
	}
	// converted term counts as paid, so it can cure realized misses
	missed, err := p.MissedAt(tx.now, tx.l.cfg.Schedule)
	if err != nil {
		return 0, err
	}
	if missed < p.PaymentsMissed {
		p.PaymentsMissed = missed
	}
	p.CollateralConverted += collateral
	p.Version++

	debt := tx.l.cfg.DebtAsset
	tx.Burn(ledger.PoolReceivableKey(p.BackingPool, debt), ledger.SubTypeExternalLoanBook,
		extinguished, ledger.JournalTypePrincipalForgiven)
	tx.Transfer(ledger.NewPositionAccountKey(p.ID, collAsset), recipient,
		collateral, ledger.JournalTypeConversionRelease)
	return extinguished, nil
}

// Refinance folds the current term and starts a new one over the remaining
// principal at the current market rate. The fee is booked as penalty paid.
// Only the owner may refinance.
func (tx *Tx) Refinance(id, payer uuid.UUID, newTotalPeriods int64) (*Position, error) {
	if err := tx.requireOwner(id, payer); err != nil {
		return nil, err
	}
	p, err := tx.active(id)
	if err != nil {
		return nil, err
	}
	if err := tx.requireCurrent(p); err != nil {
		return nil, err
	}
	if err := tx.l.bounds.ValidatePeriods(p.CollateralClass, newTotalPeriods); err != nil {
		return nil, err
	}
	rate, err := tx.l.rates.InterestRateBps(p.CollateralClass)
	if err != nil {
		return nil, err
	}

	owed, err := p.PrincipalRemaining()
	if err != nil {
		return nil, err
	}
	if owed == 0 {
		return nil, ErrNothingOwed
	}
	remaining, err := tx.foldTerm(p)
	if err != nil {
		return nil, err
	}
	termBalance, err := fpmath.TermBalance(remaining, rate, newTotalPeriods)
	if err != nil {
		return nil, err
	}
	fee, err := fpmath.FeeFor(remaining, tx.l.rates.RefinanceFeeBps())
	if err != nil {
		return nil, err
	}

	p.InterestRateBps = rate
	p.TotalPeriods = newTotalPeriods
	p.TermBalance = termBalance
	if p.PenaltyAccrued, err = fpmath.Add(p.PenaltyAccrued, fee); err != nil {
		return nil, err
	}
	p.PenaltyPaid += fee
	p.Version++

	debt := tx.l.cfg.DebtAsset
	tx.Transfer(ledger.WalletKey(payer, debt), ledger.PoolCashKey(p.BackingPool, debt),
		fee, ledger.JournalTypeRefinanceFee)
	return p, nil
}

// Expansion carries the new tranche of an ExpandBalanceSheet call.
type Expansion struct {
	ExtraBorrowed   int64
	ExtraCollateral int64
	NewRateBps      int64
	Price           int64 // purchase price of the new tranche
}

// ExpandBalanceSheet adds principal and collateral. Purchase price and rate are
// recomputed as principal-weighted averages of the old and new tranches.
func (tx *Tx) ExpandBalanceSheet(id, caller uuid.UUID, e Expansion) (*Position, error) {
	if e.ExtraBorrowed <= 0 || e.ExtraCollateral < 0 || e.Price <= 0 || e.NewRateBps < 0 {
		return nil, ErrInvalidAmount
	}
	if err := tx.requireOwner(id, caller); err != nil {
		return nil, err
	}
	p, err := tx.active(id)
	if err != nil {
		return nil, err
	}
	if err := tx.requireCurrent(p); err != nil {
		return nil, err
	}
	collAsset, err := tx.collateralAsset(p.CollateralClass)
	if err != nil {
		return nil, err
	}

	remaining, err := p.PrincipalRemaining()
	if err != nil {
		return nil, err
	}
	newPrincipal, err := fpmath.Add(remaining, e.ExtraBorrowed)
	if err != nil {
		return nil, err
	}
	if err := tx.l.bounds.ValidateOrigination(p.CollateralClass, newPrincipal, p.TotalPeriods); err != nil {
		return nil, err
	}
	price, err := fpmath.WeightedAverage(remaining, p.PurchasePrice, e.ExtraBorrowed, e.Price, fpmath.RoundUp)
	if err != nil {
		return nil, err
	}
	rate, err := fpmath.WeightedAverage(remaining, p.InterestRateBps, e.ExtraBorrowed, e.NewRateBps, fpmath.RoundUp)
	if err != nil {
		return nil, err
	}

	if _, err := tx.foldTerm(p); err != nil {
		return nil, err
	}
	if p.AmountBorrowed, err = fpmath.Add(p.AmountBorrowed, e.ExtraBorrowed); err != nil {
		return nil, err
	}
	if p.CollateralAmount, err = fpmath.Add(p.CollateralAmount, e.ExtraCollateral); err != nil {
		return nil, err
	}
	termBalance, err := fpmath.TermBalance(newPrincipal, rate, p.TotalPeriods)
	if err != nil {
		return nil, err
	}
	p.PurchasePrice = price
	p.InterestRateBps = rate
	p.TermBalance = termBalance
	p.Version++
	if _, err := p.TriggerPrice(); err != nil {
		return nil, err
	}

	debt := tx.l.cfg.DebtAsset
	tx.Transfer(ledger.WalletKey(caller, collAsset), ledger.NewPositionAccountKey(p.ID, collAsset),
		e.ExtraCollateral, ledger.JournalTypeCollateralEscrow)
	tx.Transfer(ledger.PoolCashKey(p.BackingPool, debt), ledger.WalletKey(caller, debt),
		e.ExtraBorrowed, ledger.JournalTypeLoanDisbursement)
	tx.Mint(ledger.SubTypeExternalLoanBook, ledger.PoolReceivableKey(p.BackingPool, debt),
		e.ExtraBorrowed, ledger.JournalTypeLoanIssued)
	return p, nil
}

// ForecloseMortgage moves the remaining principal and collateral into the
// forfeiture pool once missed payments exceed the maximum. Irreversible.
func (tx *Tx) ForecloseMortgage(id uuid.UUID) (*Position, error) {
	p, err := tx.active(id)
	if err != nil {
		return nil, err
	}
	missed, err := p.MissedAt(tx.now, tx.l.cfg.Schedule)
	if err != nil {
		return nil, err
	}
	if missed <= tx.l.cfg.Schedule.MaxMissedPayments {
		return nil, fmt.Errorf("%w: %d missed, max %d", ErrNotForeclosable, missed, tx.l.cfg.Schedule.MaxMissedPayments)
	}
	collAsset, err := tx.collateralAsset(p.CollateralClass)
	if err != nil {
		return nil, err
	}
	remaining, err := p.PrincipalRemaining()
	if err != nil {
		return nil, err
	}
	collateral := p.CollateralAvailable()

	if err := tx.transition(p, PositionStatusForeclosed); err != nil {
		return nil, err
	}
	if missed > p.PaymentsMissed {
		p.PaymentsMissed = missed
	}
	p.Version++

	debt := tx.l.cfg.DebtAsset
	pool := tx.l.cfg.ForfeiturePool
	tx.Transfer(ledger.PoolReceivableKey(p.BackingPool, debt), ledger.PoolReceivableKey(pool, debt),
		remaining, ledger.JournalTypeForfeiture)
	tx.Transfer(ledger.NewPositionAccountKey(p.ID, collAsset), ledger.PoolCashKey(pool, collAsset),
		collateral, ledger.JournalTypeForfeiture)

	class := p.CollateralClass
	tx.OnCommit(func() {
		_ = tx.l.registry.Burn(id)
		if tx.l.forfeit != nil {
			tx.l.forfeit.RecordForeclosure(class, remaining, collateral)
		}
	})
	return p, nil
}

// RedeemMortgage closes a fully repaid position and releases the unconverted
// collateral, either directly or into a pending-release balance.
func (tx *Tx) RedeemMortgage(id, caller uuid.UUID, allowAsync bool) (*Position, error) {
	if err := tx.requireOwner(id, caller); err != nil {
		return nil, err
	}
	p, err := tx.active(id)
	if err != nil {
		return nil, err
	}
	remaining, err := p.PrincipalRemaining()
	if err != nil {
		return nil, err
	}
	if remaining != 0 {
		return nil, fmt.Errorf("%w: %d", ErrPrincipalOutstanding, remaining)
	}
	if p.PenaltyPaid != p.PenaltyAccrued {
		return nil, fmt.Errorf("%w: %d", ErrPenaltyOutstanding, p.PenaltyOutstanding())
	}
	collAsset, err := tx.collateralAsset(p.CollateralClass)
	if err != nil {
		return nil, err
	}

	if err := tx.transition(p, PositionStatusRedeemed); err != nil {
		return nil, err
	}
	p.Version++

	to := ledger.WalletKey(caller, collAsset)
	if allowAsync {
		to = ledger.PendingReleaseKey(caller, collAsset)
	}
	tx.Transfer(ledger.NewPositionAccountKey(p.ID, collAsset), to,
		p.CollateralAvailable(), ledger.JournalTypeCollateralRelease)

	tx.OnCommit(func() {
		_ = tx.l.registry.Burn(id)
	})
	return p, nil
}

// ClaimRelease moves asynchronously released collateral into the owner's wallet.
func (tx *Tx) ClaimRelease(owner uuid.UUID, class string) (int64, error) {
	collAsset, err := tx.collateralAsset(class)
	if err != nil {
		return 0, err
	}
	pending := ledger.PendingReleaseKey(owner, collAsset)
	amount := tx.l.balances.Balance(pending)
	if amount <= 0 {
		return 0, ErrNothingOwed
	}
	tx.Transfer(pending, ledger.WalletKey(owner, collAsset), amount, ledger.JournalTypeReleaseClaim)
	return amount, nil
}
