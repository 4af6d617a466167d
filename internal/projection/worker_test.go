package projection_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"ConsolLedger/internal/access"
	"ConsolLedger/internal/config"
	"ConsolLedger/internal/core"
	"ConsolLedger/internal/event"
	"ConsolLedger/internal/persistence"
	"ConsolLedger/internal/projection"
	"ConsolLedger/internal/state"
	"ConsolLedger/internal/testutil"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const usdc = int64(1_000_000)

var t0 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func TestProjection_TracksBalancesAndRequests(t *testing.T) {
	dsn, db := testutil.SetupPostgres(t)
	ctx := context.Background()

	pool, err := persistence.NewPool(ctx, dsn, 4)
	require.NoError(t, err)
	defer pool.Close()

	treasury := uuid.New()
	control := access.NewControl()
	control.Grant(access.RoleTreasury, treasury)

	persist := make(chan core.CoreOutput, 64)
	project := make(chan core.CoreOutput, 64)
	e, err := core.NewEngine(core.Config{
		Assets:          []config.AssetConfig{{Symbol: "USDC", Decimals: 6}, {Symbol: "BTC", Decimals: 8}},
		DebtAsset:       "USDC",
		FeeAsset:        "USDC",
		BackingPool:     "stable",
		BackingShare:    "sSTABLE",
		ForfeiturePool:  "forfeit",
		ForfeitureShare: "sFORFEIT",
		Schedule:        state.Schedule{Period: 30 * 24 * time.Hour, Grace: 5 * 24 * time.Hour, MaxMissedPayments: 3},
		MaxProbe:        32,
		Collateral: []*state.CollateralParams{{
			Class: "BTC", PremiumBps: 1_000, MinPeriods: 12, MaxPeriods: 60, MinBorrow: 1, MaxBorrow: 1_000_000 * usdc,
		}},
		InterestBps:  map[string]int64{"BTC": 869},
		MinAmount:    usdc,
		ExecutionFee: usdc / 10,
	}, core.Options{PersistChan: persist, ProjectionChan: project, Access: control})
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go persistence.NewPersistenceWorker(pool, persist, 1, 10*time.Millisecond, nil).Run(runCtx)
	go projection.NewProjectionWorker(db, project, e.GetSequence, nil).Run(runCtx)

	seq := map[uuid.UUID]int64{}
	meta := func(actor uuid.UUID) event.Meta {
		seq[actor]++
		return event.Meta{CommandID: uuid.New(), Actor: actor, Sequence: seq[actor], TimestampUs: t0.UnixMicro()}
	}
	apply := func(evt event.Event) *event.EventEnvelope {
		env, err := e.ProcessEvent(ctx, evt)
		require.NoError(t, err)
		require.NotNil(t, env)
		return env
	}

	lender := uuid.New()
	apply(&event.FundAccount{Meta: meta(treasury), Account: lender, Asset: "USDC", Amount: 1_000 * usdc})
	env := apply(&event.VaultDeposit{Meta: meta(lender), Pool: "stable", Amount: 500 * usdc})
	var deposit core.DepositResult
	require.NoError(t, json.Unmarshal(env.Result, &deposit))
	last := apply(&event.RequestWithdrawal{Meta: meta(lender), Queue: "stable", Shares: deposit.Shares, Fee: usdc / 10})

	watermark := func() int64 {
		var w int64
		if err := db.QueryRowContext(ctx, `SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'`).Scan(&w); err != nil {
			return 0
		}
		return w
	}
	require.Eventually(t, func() bool { return watermark() == last.Sequence }, 10*time.Second, 20*time.Millisecond)

	wallet := func() int64 {
		var bal int64
		require.NoError(t, db.QueryRowContext(ctx, `
			SELECT balance FROM projections.balances WHERE account_path = $1 AND asset = 'USDC'
		`, "user:"+lender.String()+":wallet:USDC").Scan(&bal))
		return bal
	}
	live, err := e.Balance(lender, "USDC")
	require.NoError(t, err)
	assert.Equal(t, live, wallet())

	var shares int64
	require.NoError(t, db.QueryRowContext(ctx, `
		SELECT shares FROM projections.requests WHERE queue = 'stable' AND idx = 0
	`).Scan(&shares))
	assert.Equal(t, deposit.Shares, shares)

	// Cancelling empties the queue's rows.
	last = apply(&event.CancelWithdrawal{Meta: meta(lender), Queue: "stable", Index: 0})
	require.Eventually(t, func() bool { return watermark() == last.Sequence }, 10*time.Second, 20*time.Millisecond)
	var pending int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM projections.requests`).Scan(&pending))
	assert.Zero(t, pending)

	// Wait for the event log to catch up, then rebuild from it.
	snapMgr := persistence.NewSnapshotManager(db)
	require.Eventually(t, func() bool {
		latest, err := snapMgr.GetLatestSequence(ctx)
		return err == nil && latest == last.Sequence
	}, 10*time.Second, 20*time.Millisecond)
	before := wallet()

	require.NoError(t, projection.RebuildProjections(ctx, db, e, t0))
	assert.Equal(t, before, wallet())
	assert.Equal(t, last.Sequence, watermark())
}
