package persistence_test

import (
	"context"
	"testing"
	"time"

	"ConsolLedger/internal/access"
	"ConsolLedger/internal/config"
	"ConsolLedger/internal/core"
	"ConsolLedger/internal/event"
	"ConsolLedger/internal/persistence"
	"ConsolLedger/internal/state"
	"ConsolLedger/internal/testutil"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const usdc = int64(1_000_000)

var t0 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func engineConfig() core.Config {
	return core.Config{
		Assets:          []config.AssetConfig{{Symbol: "USDC", Decimals: 6}, {Symbol: "BTC", Decimals: 8}},
		DebtAsset:       "USDC",
		FeeAsset:        "USDC",
		BackingPool:     "stable",
		BackingShare:    "sSTABLE",
		ForfeiturePool:  "forfeit",
		ForfeitureShare: "sFORFEIT",
		Schedule:        state.Schedule{Period: 30 * 24 * time.Hour, Grace: 5 * 24 * time.Hour, MaxMissedPayments: 3},
		MaxProbe:        32,
		PenaltyRateBps:  500,
		RefinanceFeeBps: 25,
		Collateral: []*state.CollateralParams{{
			Class: "BTC", PremiumBps: 1_000, MinPeriods: 12, MaxPeriods: 60, MinBorrow: 1, MaxBorrow: 1_000_000 * usdc,
		}},
		InterestBps:  map[string]int64{"BTC": 869},
		MinAmount:    usdc,
		ExecutionFee: usdc / 10,
	}
}

func newEngine(t *testing.T, treasury uuid.UUID, persist chan core.CoreOutput, checker core.DBIdempotencyChecker) *core.Engine {
	t.Helper()
	control := access.NewControl()
	control.Grant(access.RoleTreasury, treasury)
	e, err := core.NewEngine(engineConfig(), core.Options{
		PersistChan: persist,
		DBChecker:   checker,
		Access:      control,
	})
	require.NoError(t, err)
	return e
}

func TestRowsFromOutput(t *testing.T) {
	treasury := uuid.New()
	persist := make(chan core.CoreOutput, 8)
	e := newEngine(t, treasury, persist, nil)

	account := uuid.New()
	env, err := e.ProcessEvent(context.Background(), &event.FundAccount{
		Meta:    event.Meta{CommandID: uuid.New(), Actor: treasury, Sequence: 1, TimestampUs: t0.UnixMicro()},
		Account: account,
		Asset:   "USDC",
		Amount:  50 * usdc,
	})
	require.NoError(t, err)
	require.NotNil(t, env)

	row, journals := persistence.RowsFromOutput(<-persist)
	assert.Equal(t, env.Sequence, row.Sequence)
	assert.Equal(t, "fund_account", row.EventType)
	assert.Equal(t, "account:"+treasury.String(), row.Partition)
	assert.Equal(t, treasury, row.Actor)
	assert.Equal(t, env.StateHash[:], row.StateHash)
	assert.Equal(t, t0, row.Timestamp)

	require.Len(t, journals, 1)
	assert.Equal(t, "USDC", journals[0].Asset)
	assert.Equal(t, 50*usdc, journals[0].Amount)
	assert.Equal(t, "funding", journals[0].JournalType)
	assert.Contains(t, journals[0].DebitAccount, account.String())
	assert.Equal(t, env.Sequence, journals[0].Sequence)
}

func TestPersistence_WriteSnapshotAndReplay(t *testing.T) {
	dsn, db := testutil.SetupPostgres(t)
	ctx := context.Background()

	pool, err := persistence.NewPool(ctx, dsn, 4)
	require.NoError(t, err)
	defer pool.Close()

	treasury := uuid.New()
	checker := persistence.NewPostgresIdempotencyChecker(db)
	persist := make(chan core.CoreOutput, 64)
	e := newEngine(t, treasury, persist, checker)

	worker := persistence.NewPersistenceWorker(pool, persist, 2, 50*time.Millisecond, nil)
	var flushed []int64
	worker.OnFlush(func(events []persistence.EventRow) {
		for _, ev := range events {
			flushed = append(flushed, ev.Sequence)
		}
	})
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- worker.Run(runCtx) }()

	fund := func(seq int64) *event.FundAccount {
		return &event.FundAccount{
			Meta:    event.Meta{CommandID: uuid.New(), Actor: treasury, Sequence: seq, TimestampUs: t0.Add(time.Duration(seq) * time.Minute).UnixMicro()},
			Account: uuid.New(),
			Asset:   "USDC",
			Amount:  seq * usdc,
		}
	}

	var last *event.EventEnvelope
	for seq := int64(1); seq <= 3; seq++ {
		last, err = e.ProcessEvent(ctx, fund(seq))
		require.NoError(t, err)
	}

	snapMgr := persistence.NewSnapshotManager(db)
	snap := e.CreateSnapshotState()
	_, err = snapMgr.SaveSnapshot(ctx, snap, t0)
	require.NoError(t, err)

	for seq := int64(4); seq <= 5; seq++ {
		last, err = e.ProcessEvent(ctx, fund(seq))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		latest, err := snapMgr.GetLatestSequence(ctx)
		return err == nil && latest == last.Sequence
	}, 10*time.Second, 50*time.Millisecond)
	cancel()
	<-done
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, flushed)

	var journals int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM event_log.journal`).Scan(&journals))
	assert.Equal(t, 5, journals)

	// Unverified snapshots are ignored until checked against the log.
	loaded, err := snapMgr.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, loaded)

	ok, err := snapMgr.VerifySnapshot(ctx, snap.Sequence, snap.StateHash)
	require.NoError(t, err)
	require.True(t, ok)

	loaded, err = snapMgr.LoadLatestSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, snap.Sequence, loaded.Sequence)

	// A fresh engine restores the snapshot and replays the tail.
	restored := newEngine(t, treasury, nil, checker)
	require.NoError(t, restored.RestoreFromSnapshot(loaded))
	tail, err := snapMgr.LoadEventsFrom(ctx, loaded.Sequence+1, 100)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	require.NoError(t, restored.Replay(ctx, tail))
	assert.Equal(t, e.GetStateHash(), restored.GetStateHash())
	assert.Equal(t, e.GetSequence(), restored.GetSequence())

	// Logged commands are duplicates once replay is over.
	dup, err := checker.IsDuplicate("fund_account", tail[0].Event.IdempotencyKey())
	require.NoError(t, err)
	assert.True(t, dup)

	keys, err := checker.RecentKeys(ctx, 2)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, core.CompositeKey("fund_account", tail[1].Event.IdempotencyKey()), keys[1])
}

func TestMigrator_UpDown(t *testing.T) {
	_, db := testutil.SetupPostgres(t)
	ctx := context.Background()

	m := persistence.NewMigrator(db, testutil.MigrationsDir(t))
	// SetupPostgres applies the files without recording versions; hand the
	// schema over to the migrator.
	_, err := db.ExecContext(ctx, `DROP SCHEMA projections CASCADE; DROP SCHEMA event_log CASCADE`)
	require.NoError(t, err)

	require.NoError(t, m.Up(ctx))
	versions, err := m.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"000001", "000002", "000003"}, versions)

	require.NoError(t, m.Down(ctx))
	versions, err = m.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"000001", "000002"}, versions)

	var exists bool
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.schemata WHERE schema_name = 'projections')`,
	).Scan(&exists))
	assert.False(t, exists)
}
