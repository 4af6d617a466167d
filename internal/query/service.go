package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"ConsolLedger/internal/conversion"
	"ConsolLedger/internal/observability"
	"ConsolLedger/internal/state"
	"ConsolLedger/internal/withdrawal"

	"github.com/google/uuid"
)

// Ledger is the live state the service reads through. *core.Engine
// implements it.
type Ledger interface {
	Position(id uuid.UUID, now time.Time) (*state.PositionView, error)
	TriggerQueue(class string) ([]conversion.TriggerNode, error)
	Requests(queue string) (withdrawal.State, error)
	IsBlocked(ctx context.Context, queue string) (bool, error)
	Balance(account uuid.UUID, asset string) (int64, error)
	GetSequence() int64
}

// QueryService answers reads. Point lookups go to the live ledger; history
// and owner listings come from the projection tables and carry the
// projection watermark as their as_of_sequence.
type QueryService struct {
	ledger    Ledger
	db        *sql.DB
	debtAsset string
	feeAsset  string
	now       func() time.Time
	metrics   *observability.Metrics
}

func NewQueryService(ledger Ledger, db *sql.DB, debtAsset, feeAsset string, metrics *observability.Metrics) *QueryService {
	return &QueryService{
		ledger:    ledger,
		db:        db,
		debtAsset: debtAsset,
		feeAsset:  feeAsset,
		now:       time.Now,
		metrics:   metrics,
	}
}

// WithClock replaces the clock penalties and missed periods are projected at.
func (qs *QueryService) WithClock(now func() time.Time) *QueryService {
	qs.now = now
	return qs
}

func (qs *QueryService) observe(method string, start time.Time, err error) {
	if qs.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	qs.metrics.QueryRequests.WithLabelValues(method, status).Inc()
	qs.metrics.QueryDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

func (qs *QueryService) asOf() int64 {
	return qs.ledger.GetSequence() - 1
}

// GetPosition returns a position with penalty and missed periods projected
// to now.
func (qs *QueryService) GetPosition(ctx context.Context, id uuid.UUID) (resp *PositionResponse, err error) {
	defer func(start time.Time) { qs.observe("GetPosition", start, err) }(time.Now())

	asOf := qs.asOf()
	v, err := qs.ledger.Position(id, qs.now())
	if err != nil {
		return nil, err
	}
	return qs.positionResponse(v, asOf), nil
}

func (qs *QueryService) positionResponse(v *state.PositionView, asOf int64) *PositionResponse {
	debt := func(units int64) Amount { return FormatAmount(units, qs.debtAsset) }
	return &PositionResponse{
		ID:                  v.ID,
		Owner:               v.Owner,
		CollateralClass:     v.CollateralClass,
		Status:              v.Status.String(),
		Collateral:          FormatAmount(v.CollateralAmount-v.CollateralConverted, v.CollateralClass),
		CollateralConverted: FormatAmount(v.CollateralConverted, v.CollateralClass),
		PurchasePrice:       debt(v.PurchasePrice),
		TriggerPrice:        debt(v.TriggerPrice),
		InterestRateBps:     v.InterestRateBps,
		TermBalance:         debt(v.TermBalance),
		PrincipalRemaining:  debt(v.PrincipalRemaining),
		MonthlyPayment:      debt(v.MonthlyPayment),
		PeriodsPaid:         v.PeriodsPaid,
		TotalPeriods:        v.TotalPeriods,
		PaymentsMissed:      v.PaymentsMissedNow,
		PenaltyOwed:         debt(v.PenaltyAccrued + v.UnrealizedPenalty - v.PenaltyPaid),
		AsOfSequence:        asOf,
	}
}

// ListTriggerQueue lists the queued positions of class, lowest trigger first.
func (qs *QueryService) ListTriggerQueue(ctx context.Context, class string) (resp *TriggerQueueResponse, err error) {
	defer func(start time.Time) { qs.observe("ListTriggerQueue", start, err) }(time.Now())

	asOf := qs.asOf()
	nodes, err := qs.ledger.TriggerQueue(class)
	if err != nil {
		return nil, err
	}
	resp = &TriggerQueueResponse{Class: class, Entries: make([]TriggerEntry, 0, len(nodes)), AsOfSequence: asOf}
	for _, n := range nodes {
		resp.Entries = append(resp.Entries, TriggerEntry{
			PositionID:   n.PositionID,
			TriggerPrice: FormatAmount(n.TriggerPrice, qs.debtAsset),
			ExecutionFee: FormatAmount(n.ExecutionFee, qs.feeAsset),
		})
	}
	return resp, nil
}

// ListRequests lists the pending requests of a withdrawal queue in FIFO order.
func (qs *QueryService) ListRequests(ctx context.Context, queue string) (resp *RequestsResponse, err error) {
	defer func(start time.Time) { qs.observe("ListRequests", start, err) }(time.Now())

	asOf := qs.asOf()
	st, err := qs.ledger.Requests(queue)
	if err != nil {
		return nil, err
	}
	resp = &RequestsResponse{Queue: queue, Head: st.Head, Next: st.Next, Requests: []RequestEntry{}, AsOfSequence: asOf}
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
		resp.Requests = append(resp.Requests, RequestEntry{
			Index:        i,
			Account:      r.Account,
			Shares:       r.Shares,
			Amount:       FormatAmount(r.Amount, qs.debtAsset),
			ExecutionFee: FormatAmount(r.ExecutionFee, qs.feeAsset),
			RequestedAt:  r.Timestamp,
		})
	}
	return resp, nil
}

func (qs *QueryService) IsBlocked(ctx context.Context, queue string) (resp *BlockedResponse, err error) {
	defer func(start time.Time) { qs.observe("IsBlocked", start, err) }(time.Now())

	if _, err := qs.ledger.Requests(queue); err != nil {
		return nil, err
	}
	blocked, err := qs.ledger.IsBlocked(ctx, queue)
	if err != nil {
		return nil, err
	}
	return &BlockedResponse{Queue: queue, Blocked: blocked}, nil
}

// GetBalance returns a user's spendable balance of asset.
func (qs *QueryService) GetBalance(ctx context.Context, account uuid.UUID, asset string) (resp *BalanceResponse, err error) {
	defer func(start time.Time) { qs.observe("GetBalance", start, err) }(time.Now())

	asOf := qs.asOf()
	units, err := qs.ledger.Balance(account, asset)
	if err != nil {
		return nil, err
	}
	return &BalanceResponse{Account: account, Balance: FormatAmount(units, asset), AsOfSequence: asOf}, nil
}

// GetPositionsByOwner lists the projected positions of owner.
func (qs *QueryService) GetPositionsByOwner(ctx context.Context, owner uuid.UUID) (out []PositionSummary, asOf int64, err error) {
	defer func(start time.Time) { qs.observe("GetPositionsByOwner", start, err) }(time.Now())

	if asOf, err = qs.getWatermark(ctx); err != nil {
		return nil, 0, fmt.Errorf("watermark: %w", err)
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT position_id, collateral_class, status, collateral_amount - collateral_converted,
		       principal_remaining, trigger_price, periods_paid, last_sequence
		FROM projections.positions
		WHERE owner = $1
		ORDER BY position_id
	`, owner)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			p                                   PositionSummary
			collateral, principal, triggerPrice int64
		)
		if err := rows.Scan(&p.ID, &p.CollateralClass, &p.Status, &collateral,
			&principal, &triggerPrice, &p.PeriodsPaid, &p.LastSequence); err != nil {
			return nil, 0, err
		}
		p.Collateral = FormatAmount(collateral, p.CollateralClass)
		p.PrincipalRemaining = FormatAmount(principal, qs.debtAsset)
		p.TriggerPrice = FormatAmount(triggerPrice, qs.debtAsset)
		out = append(out, p)
	}
	return out, asOf, rows.Err()
}

// GetJournalHistory returns the journal entries touching accountPrefix
// (e.g. "user:<id>:" or "position:<id>:"), newest first. beforeSequence
// pages backwards when non-zero.
func (qs *QueryService) GetJournalHistory(ctx context.Context, accountPrefix string, limit int, beforeSequence int64) (entries []JournalHistoryEntry, err error) {
	defer func(start time.Time) { qs.observe("GetJournalHistory", start, err) }(time.Now())

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset, amount, journal_type, timestamp_us
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []any{accountPrefix + "%"}
	if beforeSequence > 0 {
		query += " AND sequence < $2"
		args = append(args, beforeSequence)
	}
	query += fmt.Sprintf(" ORDER BY sequence DESC LIMIT $%d", len(args)+1)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e      JournalHistoryEntry
			asset  string
			amount int64
		)
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &asset, &amount,
			&e.JournalType, &e.TimestampUs,
		); err != nil {
			return nil, err
		}
		e.Amount = FormatAmount(amount, asset)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// VerifyIntegrity checks the persisted hash chain and that every projected
// asset sums to zero.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (report *IntegrityReport, err error) {
	defer func(start time.Time) { qs.observe("VerifyIntegrity", start, err) }(time.Now())

	report = &IntegrityReport{}
	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset, SUM(balance)
		FROM projections.balances
		GROUP BY asset
		HAVING SUM(balance) != 0
		ORDER BY asset
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()
	for balanceRows.Next() {
		var u UnbalancedAsset
		if err := balanceRows.Scan(&u.Asset, &u.Imbalance); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, u)
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}
