package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"ConsolLedger/internal/core"
	"ConsolLedger/internal/ledger"
	"ConsolLedger/internal/observability"
	"ConsolLedger/internal/state"
	"ConsolLedger/internal/withdrawal"

	"github.com/rs/zerolog"
)

const workerID = "main"

// ProjectionWorker updates the read-model tables from applied commands.
// The engine drops outputs when this worker falls behind; RebuildProjections
// brings the tables back in line.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	lastSeq   int64
	head      func() int64
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// NewProjectionWorker creates a worker. head reports the engine's next
// sequence and feeds the lag gauge; it may be nil.
func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput, head func() int64, metrics *observability.Metrics) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		head:      head,
		metrics:   metrics,
		logger:    observability.NewLogger("projection"),
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			seq := output.Envelope.Sequence
			if err := pw.processOutput(ctx, output); err != nil {
				// eventually consistent; a rebuild repairs the tables
				pw.logger.Warn().Err(err).Int64("sequence", seq).Msg("projection update failed")
				continue
			}
			pw.lastSeq = seq
			if pw.metrics != nil && pw.head != nil {
				pw.metrics.ProjectionLag.WithLabelValues(workerID).Set(float64(pw.head() - 1 - seq))
			}
		}
	}
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output core.CoreOutput) error {
	start := time.Now()
	seq := output.Envelope.Sequence

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if output.Batch != nil {
		for _, j := range output.Batch.Journals {
			if err := applyJournal(ctx, tx, j, seq); err != nil {
				return fmt.Errorf("balance projection: %w", err)
			}
		}
	}
	pw.observe("balances", start)

	for _, v := range output.Positions {
		if err := upsertPosition(ctx, tx, v, seq); err != nil {
			return fmt.Errorf("position projection: %w", err)
		}
	}
	pw.observe("positions", start)

	for _, name := range sortedQueueNames(output.Queues) {
		if err := replaceRequests(ctx, tx, name, output.Queues[name], seq); err != nil {
			return fmt.Errorf("request projection: %w", err)
		}
	}
	pw.observe("requests", start)

	if err := setWatermark(ctx, tx, seq); err != nil {
		return err
	}
	return tx.Commit()
}

func (pw *ProjectionWorker) observe(projection string, start time.Time) {
	if pw.metrics != nil {
		pw.metrics.ProjectionUpdateDur.WithLabelValues(projection).Observe(time.Since(start).Seconds())
	}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// applyJournal moves one journal leg: the debit side gains, the credit side
// loses.
func applyJournal(ctx context.Context, tx execer, j ledger.Journal, seq int64) error {
	asset, _ := ledger.GetAssetName(j.AssetID)
	for _, leg := range []struct {
		path  string
		delta int64
	}{
		{j.DebitAccount.AccountPath(), j.Amount},
		{j.CreditAccount.AccountPath(), -j.Amount},
	} {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.balances (account_path, asset, balance, last_sequence)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (account_path, asset)
			DO UPDATE SET balance = projections.balances.balance + $3, last_sequence = $4
		`, leg.path, asset, leg.delta, seq); err != nil {
			return err
		}
	}
	return nil
}

func upsertPosition(ctx context.Context, tx execer, v *state.PositionView, seq int64) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO projections.positions (
			position_id, owner, collateral_class, status, collateral_amount, collateral_converted,
			purchase_price, trigger_price, term_balance, principal_remaining, periods_paid,
			penalty_accrued, penalty_paid, data, last_sequence, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NOW())
		ON CONFLICT (position_id) DO UPDATE SET
			owner = EXCLUDED.owner,
			status = EXCLUDED.status,
			collateral_amount = EXCLUDED.collateral_amount,
			collateral_converted = EXCLUDED.collateral_converted,
			purchase_price = EXCLUDED.purchase_price,
			trigger_price = EXCLUDED.trigger_price,
			term_balance = EXCLUDED.term_balance,
			principal_remaining = EXCLUDED.principal_remaining,
			periods_paid = EXCLUDED.periods_paid,
			penalty_accrued = EXCLUDED.penalty_accrued,
			penalty_paid = EXCLUDED.penalty_paid,
			data = EXCLUDED.data,
			last_sequence = EXCLUDED.last_sequence,
			updated_at = NOW()
	`,
		v.ID, v.Owner, v.CollateralClass, v.Status.String(), v.CollateralAmount, v.CollateralConverted,
		v.PurchasePrice, v.TriggerPrice, v.TermBalance, v.PrincipalRemaining, v.PeriodsPaid,
		v.PenaltyAccrued, v.PenaltyPaid, data, seq,
	)
	return err
}

// replaceRequests swaps the stored requests of one queue for its current
// pending set. Cancelled and released slots are left out.
func replaceRequests(ctx context.Context, tx execer, queue string, st withdrawal.State, seq int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM projections.requests WHERE queue = $1`, queue); err != nil {
		return err
	}
	indexes := make([]int, 0, len(st.Requests))
	for i := range st.Requests {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)
	for _, i := range indexes {
		r := st.Requests[i]
		if r.IsEmpty() {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.requests
				(queue, idx, account, shares, amount, execution_fee, requested_at, last_sequence)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, queue, i, r.Account, r.Shares, r.Amount, r.ExecutionFee, r.Timestamp, seq); err != nil {
			return err
		}
	}
	return nil
}

func setWatermark(ctx context.Context, tx execer, seq int64) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $2, updated_at = NOW()
	`, workerID, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}
	return nil
}

func sortedQueueNames(queues map[string]withdrawal.State) []string {
	names := make([]string, 0, len(queues))
	for name := range queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Source is the live state a rebuild reads positions and queues from.
type Source interface {
	AllPositions(now time.Time) ([]*state.PositionView, error)
	QueueNames() []string
	Requests(queue string) (withdrawal.State, error)
	GetSequence() int64
}

// RebuildProjections rebuilds every projection table. Balances are summed
// from event_log.journal; positions and requests come from src, which must
// not advance while the rebuild runs.
func RebuildProjections(ctx context.Context, db *sql.DB, src Source, now time.Time) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.positions`,
		`TRUNCATE projections.requests`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset, balance, last_sequence)
		SELECT account_path, asset, SUM(delta), MAX(sequence)
		FROM (
			SELECT debit_account AS account_path, asset, amount AS delta, sequence FROM event_log.journal
			UNION ALL
			SELECT credit_account AS account_path, asset, -amount AS delta, sequence FROM event_log.journal
		) legs
		GROUP BY account_path, asset
	`); err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	seq := src.GetSequence() - 1
	views, err := src.AllPositions(now)
	if err != nil {
		return fmt.Errorf("rebuild positions: %w", err)
	}
	for _, v := range views {
		if err := upsertPosition(ctx, tx, v, seq); err != nil {
			return fmt.Errorf("rebuild positions: %w", err)
		}
	}
	for _, name := range src.QueueNames() {
		st, err := src.Requests(name)
		if err != nil {
			return fmt.Errorf("rebuild requests: %w", err)
		}
		if err := replaceRequests(ctx, tx, name, st, seq); err != nil {
			return fmt.Errorf("rebuild requests: %w", err)
		}
	}
	if err := setWatermark(ctx, tx, seq); err != nil {
		return err
	}
	return tx.Commit()
}
