package conversion

import (
	"testing"
	"time"

	"ConsolLedger/internal/feed"
	"ConsolLedger/internal/ledger"
	"ConsolLedger/internal/registry"
	"ConsolLedger/internal/state"
	"ConsolLedger/internal/withdrawal"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	purchase = int64(60_000_000_000)
	trigger  = int64(66_000_000_000)
	oneBTC   = int64(100_000_000)
)

var now = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

type env struct {
	book   *ledger.Book
	reg    *registry.Registry
	ledger *state.PositionLedger
	vault  *withdrawal.Vault
	queue  *Queue
	usdc   ledger.AssetID
	btc    ledger.AssetID
	share  ledger.AssetID
	owner  uuid.UUID
	seq    int64
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		book:  ledger.NewBook(),
		reg:   registry.New(),
		usdc:  ledger.MustRegisterAsset("USDC", 6),
		btc:   ledger.MustRegisterAsset("BTC", 8),
		share: ledger.MustRegisterAsset("sSTABLE", 6),
		owner: uuid.New(),
	}
	rates := feed.NewStore(500, 25)
	rates.SetInterestRate("BTC", 869)
	params, err := state.NewOriginationParamsManager([]*state.CollateralParams{{
		Class: "BTC", PremiumBps: 1_000, MinPeriods: 12, MaxPeriods: 60, MinBorrow: 1, MaxBorrow: 1_000_000_000,
	}})
	require.NoError(t, err)

	e.ledger = state.NewPositionLedger(state.LedgerConfig{
		DebtAsset:      e.usdc,
		ForfeiturePool: "forfeit",
		Schedule:       state.Schedule{Period: 30 * 24 * time.Hour, Grace: 5 * 24 * time.Hour, MaxMissedPayments: 3},
	}, e.book, e.reg, rates, params, state.NewForfeiturePool("forfeit"))

	e.vault = withdrawal.NewVault("stable", e.usdc, e.share, e.book)
	e.queue, err = NewQueue(withdrawal.Config{Name: "conv-BTC", MinAmount: 1, ExecutionFee: 5},
		e.vault, e.usdc, NewTriggerQueue("BTC", 0), e.ledger)
	require.NoError(t, err)

	require.NoError(t, e.run(t, func(tx *state.Tx) error {
		tx.Mint(ledger.SubTypeExternalMint, ledger.WalletKey(e.owner, e.btc), 10*oneBTC, ledger.JournalTypeFunding)
		return nil
	}))
	return e
}

func (e *env) run(t *testing.T, fn func(tx *state.Tx) error) error {
	t.Helper()
	e.seq++
	_, err := e.ledger.Run("test", e.seq, now, fn)
	return err
}

// lender deposits into the backing vault and returns the account.
func (e *env) lender(t *testing.T, assets int64) uuid.UUID {
	t.Helper()
	account := uuid.New()
	require.NoError(t, e.run(t, func(tx *state.Tx) error {
		tx.Mint(ledger.SubTypeExternalMint, ledger.WalletKey(account, e.usdc), assets+1_000, ledger.JournalTypeFunding)
		return nil
	}))
	require.NoError(t, e.run(t, func(tx *state.Tx) error {
		_, err := e.vault.Deposit(tx, account, assets)
		return err
	}))
	return account
}

func (e *env) originate(t *testing.T, borrowed int64) uuid.UUID {
	t.Helper()
	id := uuid.New()
	require.NoError(t, e.run(t, func(tx *state.Tx) error {
		_, err := tx.CreatePosition(state.Origination{
			PositionID: id, Owner: e.owner, CollateralClass: "BTC", CollateralAmount: oneBTC,
			PurchasePrice: purchase, BackingPool: "stable", Borrowed: borrowed,
			InterestRateBps: 869, TotalPeriods: 36, PaymentPlan: true,
		})
		return err
	}))
	return id
}

func (e *env) enqueue(t *testing.T, id uuid.UUID) {
	t.Helper()
	tail := uuid.Nil
	if nodes := e.queue.Trigger().Nodes(); len(nodes) > 0 {
		tail = nodes[len(nodes)-1].PositionID
	}
	require.NoError(t, e.run(t, func(tx *state.Tx) error {
		_, err := e.queue.EnqueuePosition(tx, id, e.owner, 5, tail)
		return err
	}))
}

func (e *env) request(t *testing.T, account uuid.UUID, shares int64) {
	t.Helper()
	require.NoError(t, e.run(t, func(tx *state.Tx) error {
		_, err := e.queue.RequestWithdrawal(tx, account, shares, 5, now)
		return err
	}))
}

func (e *env) process(t *testing.T, iterations int, driver uuid.UUID, price int64) Result {
	t.Helper()
	var res Result
	require.NoError(t, e.run(t, func(tx *state.Tx) (err error) {
		res, err = e.queue.ProcessWithdrawalRequests(tx, iterations, driver, price)
		return err
	}))
	return res
}

func TestProcess_PartialConversionValuedAtTrigger(t *testing.T) {
	e := newEnv(t)
	lender := e.lender(t, 10_000_000)
	id := e.originate(t, 100_000)
	e.enqueue(t, id)
	e.request(t, lender, 25_000)

	// spot is well above the trigger; collateral is still valued at the trigger
	res := e.process(t, 1, uuid.New(), 100_000_000_000)
	assert.Equal(t, 1, res.Conversions)
	assert.True(t, res.Partial)
	assert.Equal(t, int64(24_999), res.Principal)
	assert.Equal(t, int64(37), res.Collateral) // floor(24,999 * 1e8 / 66e9)

	p, ok := e.ledger.Get(id)
	require.True(t, ok)
	assert.Equal(t, p.TermBalance/4, p.TermConverted)
	assert.Equal(t, int64(37), p.CollateralConverted)
	assert.Equal(t, state.PositionStatusActive, p.Status)
	assert.True(t, e.queue.Trigger().Contains(id))
	assert.Equal(t, int64(37), e.book.Balance(ledger.WalletKey(lender, e.btc)))

	r, ok := e.queue.Request(0)
	require.True(t, ok)
	assert.Equal(t, int64(1), r.Amount)
	assert.Equal(t, int64(1), r.Shares)
	assert.Equal(t, 0, e.queue.Head(), "partial request stays at the head")

	remaining, err := p.PrincipalRemaining()
	require.NoError(t, err)
	assert.Equal(t, remaining, e.book.Balance(e.vault.ReceivableKey()))
}

func TestProcess_RequestSpansPositions(t *testing.T) {
	e := newEnv(t)
	lender := e.lender(t, 10_000_000)
	first := e.originate(t, 10_000)
	second := e.originate(t, 100_000)
	e.enqueue(t, first)
	e.enqueue(t, second)
	e.request(t, lender, 30_000)

	driver := uuid.New()
	res := e.process(t, 10, driver, trigger)

	assert.Equal(t, 1, res.Completed)
	assert.False(t, res.Partial)
	assert.Equal(t, []uuid.UUID{first}, res.Dequeued)
	assert.Equal(t, int64(5+5), res.Fees, "request fee plus the exhausted node's fee")
	assert.Equal(t, int64(10), e.book.Balance(ledger.WalletKey(driver, e.usdc)))
	assert.InDelta(t, 30_000, res.Principal, 2)

	assert.False(t, e.queue.Trigger().Contains(first))
	assert.True(t, e.queue.Trigger().Contains(second))
	p, _ := e.ledger.Get(first)
	remaining, err := p.PrincipalRemaining()
	require.NoError(t, err)
	assert.Zero(t, remaining)

	assert.Zero(t, e.queue.Pending())
	assert.Zero(t, e.book.Balance(e.queue.EscrowKey()))
}

func TestProcess_FIFOAcrossRequests(t *testing.T) {
	e := newEnv(t)
	a := e.lender(t, 5_000_000)
	b := e.lender(t, 5_000_000)
	id := e.originate(t, 100_000)
	e.enqueue(t, id)
	e.request(t, a, 10_000)
	e.request(t, b, 10_000)

	// one iteration reaches A only: B must not be touched
	res := e.process(t, 1, uuid.New(), trigger)
	assert.Equal(t, 1, res.Conversions)
	assert.Equal(t, 1, res.Completed)
	assert.Equal(t, 1, e.queue.Pending())
	assert.Positive(t, e.book.Balance(ledger.WalletKey(a, e.btc)))
	assert.Zero(t, e.book.Balance(ledger.WalletKey(b, e.btc)))

	res = e.process(t, 10, uuid.New(), trigger)
	assert.Equal(t, 1, res.Completed)
	assert.Zero(t, e.queue.Pending())
	assert.Positive(t, e.book.Balance(ledger.WalletKey(b, e.btc)))
}

func TestProcess_HaltsBelowTrigger(t *testing.T) {
	e := newEnv(t)
	lender := e.lender(t, 1_000_000)
	id := e.originate(t, 100_000)
	e.enqueue(t, id)
	e.request(t, lender, 10_000)

	res := e.process(t, 5, uuid.New(), trigger-1)
	assert.Zero(t, res.Conversions)
	assert.Equal(t, 1, e.queue.Pending())

	p, _ := e.ledger.Get(id)
	assert.Zero(t, p.TermConverted)
}

func TestProcess_RequiresPending(t *testing.T) {
	e := newEnv(t)
	err := e.run(t, func(tx *state.Tx) error {
		_, err := e.queue.ProcessWithdrawalRequests(tx, 1, uuid.New(), trigger)
		return err
	})
	assert.ErrorIs(t, err, withdrawal.ErrInsufficientCapacity)
}

func TestEnqueueDequeue_Permissions(t *testing.T) {
	e := newEnv(t)
	e.lender(t, 1_000_000)
	id := e.originate(t, 100_000)

	err := e.run(t, func(tx *state.Tx) error {
		_, err := e.queue.EnqueuePosition(tx, id, uuid.New(), 5, uuid.Nil)
		return err
	})
	assert.ErrorIs(t, err, state.ErrNotOwner)

	err = e.run(t, func(tx *state.Tx) error {
		_, err := e.queue.EnqueuePosition(tx, id, e.owner, 4, uuid.Nil)
		return err
	})
	assert.ErrorIs(t, err, withdrawal.ErrFeeTooLow)

	before := e.book.Balance(ledger.WalletKey(e.owner, e.usdc))
	e.enqueue(t, id)
	assert.Equal(t, before-5, e.book.Balance(ledger.WalletKey(e.owner, e.usdc)))

	err = e.run(t, func(tx *state.Tx) error {
		_, err := e.queue.DequeuePosition(tx, id, uuid.New())
		return err
	})
	assert.ErrorIs(t, err, ErrStillEligible)

	// foreclosure makes the entry removable by anyone, refunding the payer
	late := now.Add(200 * 24 * time.Hour)
	e.seq++
	_, err = e.ledger.Run("foreclose", e.seq, late, func(tx *state.Tx) error {
		_, err := tx.ForecloseMortgage(id)
		return err
	})
	require.NoError(t, err)

	require.NoError(t, e.run(t, func(tx *state.Tx) error {
		_, err := e.queue.DequeuePosition(tx, id, uuid.New())
		return err
	}))
	assert.False(t, e.queue.Trigger().Contains(id))
	assert.Equal(t, before, e.book.Balance(ledger.WalletKey(e.owner, e.usdc)))

	err = e.run(t, func(tx *state.Tx) error {
		_, err := e.queue.DequeuePosition(tx, id, e.owner)
		return err
	})
	assert.ErrorIs(t, err, ErrNotQueued)
}

func TestRelinkAfterExpansion(t *testing.T) {
	e := newEnv(t)
	e.lender(t, 1_000_000)
	low := e.originate(t, 100_000)
	high := e.originate(t, 100_000)
	e.enqueue(t, low)
	e.enqueue(t, high)

	require.NoError(t, e.run(t, func(tx *state.Tx) error {
		if _, err := tx.ExpandBalanceSheet(low, e.owner, state.Expansion{
			ExtraBorrowed: 100_000, Price: 120_000_000_000, NewRateBps: 869,
		}); err != nil {
			return err
		}
		return e.queue.RelinkPosition(tx, low, high)
	}))

	nodes := e.queue.Trigger().Nodes()
	require.Len(t, nodes, 2)
	assert.Equal(t, high, nodes[0].PositionID)
	assert.Equal(t, low, nodes[1].PositionID)
	assert.Equal(t, int64(99_000_000_000), nodes[1].TriggerPrice) // 90k blended, +10%
}
