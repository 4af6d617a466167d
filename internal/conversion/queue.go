package conversion

import (
	"fmt"

	"ConsolLedger/internal/ledger"
	fpmath "ConsolLedger/internal/math"
	"ConsolLedger/internal/state"
	"ConsolLedger/internal/withdrawal"

	"github.com/google/uuid"
)

// Result summarizes one conversion batch.
type Result struct {
	Completed   int         `json:"completed"`   // requests fully satisfied
	Skipped     int         `json:"skipped"`     // cancelled slots consumed
	Conversions int         `json:"conversions"` // conversion steps
	Principal   int64       `json:"principal"`   // principal extinguished
	Collateral  int64       `json:"collateral"`  // collateral released
	Fees        int64       `json:"fees"`        // paid to the driver
	Dequeued    []uuid.UUID `json:"dequeued"`
	Partial     bool        `json:"partial"` // head request left partially filled
}

// Queue redeems backing-pool shares for collateral released from positions
// whose trigger price the current price has reached. It is the conversion
// instance of the generic withdrawal queue; its redeemer is the trigger queue.
type Queue struct {
	*withdrawal.Queue
	trigger    *TriggerQueue
	ledger     *state.PositionLedger
	collateral ledger.Asset
}

func NewQueue(
	cfg withdrawal.Config,
	vault *withdrawal.Vault,
	feeAsset ledger.AssetID,
	trigger *TriggerQueue,
	positions *state.PositionLedger,
) (*Queue, error) {
	id, ok := ledger.GetAssetID(trigger.Class())
	if !ok {
		return nil, fmt.Errorf("conversion queue %s: unknown collateral %s", cfg.Name, trigger.Class())
	}
	asset, _ := ledger.GetAsset(id)
	q := &Queue{
		trigger:    trigger,
		ledger:     positions,
		collateral: asset,
	}
	q.Queue = withdrawal.NewQueue(cfg, vault, feeAsset, q)
	return q, nil
}

func (q *Queue) Trigger() *TriggerQueue {
	return q.trigger
}

// Redeem satisfies the generic redeemer contract. Conversion requests are
// settled by ProcessWithdrawalRequests against the trigger queue instead.
func (q *Queue) Redeem(withdrawal.Tx, withdrawal.Request) error {
	return fmt.Errorf("conversion queue %s: requests settle through the trigger queue", q.Name())
}

// eligible reports whether a staged position can still absorb conversion.
func eligible(p *state.Position) (bool, error) {
	if !p.IsActive() {
		return false, nil
	}
	remaining, err := p.PrincipalRemaining()
	if err != nil {
		return false, err
	}
	return remaining > 0, nil
}

// EnqueuePosition queues an owner's position at its trigger price. The
// execution fee is escrowed until the node is exhausted or dequeued.
func (q *Queue) EnqueuePosition(tx *state.Tx, id, caller uuid.UUID, fee int64, hintPrev uuid.UUID) (TriggerNode, error) {
	if q.trigger.Contains(id) {
		return TriggerNode{}, fmt.Errorf("%w: %s", ErrAlreadyQueued, id)
	}
	owner, ok := q.ledger.OwnerOf(id)
	if !ok || owner != caller {
		return TriggerNode{}, fmt.Errorf("%w: %s", state.ErrNotOwner, id)
	}
	p, err := tx.Position(id)
	if err != nil {
		return TriggerNode{}, err
	}
	if p.CollateralClass != q.trigger.Class() {
		return TriggerNode{}, fmt.Errorf("%w: %s is %s", ErrClassMismatch, id, p.CollateralClass)
	}
	ok, err = eligible(p)
	if err != nil {
		return TriggerNode{}, err
	}
	if !ok {
		return TriggerNode{}, fmt.Errorf("%w: %s", state.ErrNotActive, id)
	}
	if want := q.Config().ExecutionFee; fee < want {
		return TriggerNode{}, fmt.Errorf("%w: %d < %d", withdrawal.ErrFeeTooLow, fee, want)
	}
	price, err := p.TriggerPrice()
	if err != nil {
		return TriggerNode{}, err
	}
	prev, err := q.trigger.Locate(price, hintPrev, uuid.Nil)
	if err != nil {
		return TriggerNode{}, err
	}

	tx.Transfer(ledger.WalletKey(caller, q.FeeAsset()), q.FeeVaultKey(), fee, ledger.JournalTypeExecutionFee)

	node := TriggerNode{PositionID: id, TriggerPrice: price, ExecutionFee: fee, Payer: caller}
	tx.OnCommit(func() {
		if err := q.trigger.Enqueue(node, prev); err != nil {
			panic(fmt.Sprintf("FATAL: enqueue %s after commit: %v", id, err))
		}
	})
	node.Prev = prev
	return node, nil
}

// DequeuePosition removes a node and refunds its fee to whoever paid it.
// Anyone may dequeue an ineligible position; the owner may dequeue any time.
func (q *Queue) DequeuePosition(tx *state.Tx, id, caller uuid.UUID) (TriggerNode, error) {
	node, ok := q.trigger.Get(id)
	if !ok {
		return TriggerNode{}, fmt.Errorf("%w: %s", ErrNotQueued, id)
	}
	if owner, minted := q.ledger.OwnerOf(id); !minted || owner != caller {
		p, err := tx.Position(id)
		if err != nil {
			return TriggerNode{}, err
		}
		still, err := eligible(p)
		if err != nil {
			return TriggerNode{}, err
		}
		if still {
			return TriggerNode{}, fmt.Errorf("%w: %s", ErrStillEligible, id)
		}
	}

	tx.Transfer(q.FeeVaultKey(), ledger.WalletKey(node.Payer, q.FeeAsset()), node.ExecutionFee, ledger.JournalTypeExecutionFeePayout)
	tx.OnCommit(func() {
		// a node dequeued twice in one tx is already gone
		_, _ = q.trigger.Dequeue(id)
	})
	return node, nil
}

// RelinkPosition moves a queued position to its current trigger price, read
// from the staged position. Used after balance-sheet expansion.
func (q *Queue) RelinkPosition(tx *state.Tx, id, hintPrev uuid.UUID) error {
	if !q.trigger.Contains(id) {
		return nil
	}
	p, err := tx.Position(id)
	if err != nil {
		return err
	}
	price, err := p.TriggerPrice()
	if err != nil {
		return err
	}
	prev, err := q.trigger.Locate(price, hintPrev, id)
	if err != nil {
		return err
	}
	tx.OnCommit(func() {
		if err := q.trigger.Relink(id, price, prev); err != nil {
			panic(fmt.Sprintf("FATAL: relink %s after commit: %v", id, err))
		}
	})
	return nil
}

// ProcessWithdrawalRequests walks pending requests from the head and, while
// price is at or above the head node's trigger price, converts as much of
// each request as the head position absorbs. Each conversion step, and each
// cancelled or exhausted slot, consumes one iteration. A request left short
// stays at the head with reduced shares and amount; a node leaves the queue
// only once its position is exhausted.
func (q *Queue) ProcessWithdrawalRequests(tx *state.Tx, iterations int, driver uuid.UUID, price int64) (Result, error) {
	if iterations <= 0 || q.Pending() == 0 {
		return Result{}, fmt.Errorf("%w: %d requested, %d pending", withdrawal.ErrInsufficientCapacity, iterations, q.Pending())
	}
	if price <= 0 {
		return Result{}, fmt.Errorf("conversion queue %s: price must be positive", q.Name())
	}

	var (
		res     Result
		partial *withdrawal.Request
		cursor  = uuid.Nil
		index   = q.Head()
		end     = q.Next()
		halted  bool
	)
	if head, ok := q.trigger.Head(); ok {
		cursor = head.PositionID
	}

	exhaust := func(node TriggerNode) {
		res.Fees += node.ExecutionFee
		res.Dequeued = append(res.Dequeued, node.PositionID)
		cursor = node.Next
	}

	for iterations > 0 && index < end && !halted {
		r, _ := q.Request(index)
		if r.IsEmpty() {
			res.Skipped++
			res.Fees += r.ExecutionFee
			index++
			iterations--
			continue
		}

		for r.Amount > 0 && iterations > 0 {
			node, ok := q.trigger.Get(cursor)
			if !ok || price < node.TriggerPrice {
				halted = true
				break
			}
			iterations--

			p, err := tx.Position(node.PositionID)
			if err != nil {
				return Result{}, err
			}
			live, err := eligible(p)
			if err != nil {
				return Result{}, err
			}
			if !live {
				exhaust(node)
				continue
			}

			got, collateral, err := q.convertStep(tx, p, node, r, price)
			if err != nil {
				return Result{}, err
			}
			if got == 0 {
				// leftover is below one unit of extinguishable principal
				r.Amount = 0
				break
			}
			res.Conversions++
			res.Principal += got
			res.Collateral += collateral

			burn := r.Shares
			if got < r.Amount {
				if burn, err = fpmath.MulDiv(r.Shares, got, r.Amount, fpmath.RoundUp); err != nil {
					return Result{}, err
				}
			}
			tx.Burn(q.EscrowKey(), ledger.SubTypeExternalShareMint, burn, ledger.JournalTypeShareBurn)
			r.Shares -= burn
			r.Amount -= got

			remaining, err := p.PrincipalRemaining()
			if err != nil {
				return Result{}, err
			}
			if remaining == 0 {
				exhaust(node)
			}
		}

		if r.Amount > 0 {
			partial = &r
			break
		}
		// shares left by rounding are burned with the completed request
		tx.Burn(q.EscrowKey(), ledger.SubTypeExternalShareMint, r.Shares, ledger.JournalTypeShareBurn)
		res.Fees += r.ExecutionFee
		res.Completed++
		index++
	}
	res.Partial = partial != nil

	q.PayFees(tx, driver, res.Fees)
	q.CommitProgress(tx, index, partial)
	dequeued := res.Dequeued
	tx.OnCommit(func() {
		for _, id := range dequeued {
			if _, err := q.trigger.Dequeue(id); err != nil {
				panic(fmt.Sprintf("FATAL: dequeue %s after commit: %v", id, err))
			}
		}
	})
	return res, nil
}

// convertStep extinguishes min(request, remaining) principal of p and releases
// collateral valued at the node's trigger price, never at spot.
func (q *Queue) convertStep(tx *state.Tx, p *state.Position, node TriggerNode, r withdrawal.Request, price int64) (int64, int64, error) {
	remaining, err := p.PrincipalRemaining()
	if err != nil {
		return 0, 0, err
	}
	use := r.Amount
	if use > remaining {
		use = remaining
	}
	extinguished, err := tx.ExtinguishedBy(p.ID, use)
	if err != nil {
		return 0, 0, err
	}
	if extinguished == 0 {
		return 0, 0, nil
	}
	collateral, err := fpmath.CollateralForPrincipal(extinguished, node.TriggerPrice, q.collateral.Decimals)
	if err != nil {
		return 0, 0, err
	}
	if avail := p.CollateralAvailable(); collateral > avail {
		collateral = avail
	}
	got, err := tx.Convert(p.ID, price, use, collateral, ledger.WalletKey(r.Account, q.collateral.ID))
	if err != nil {
		return 0, 0, err
	}
	return got, collateral, nil
}

// State is the serializable form of a conversion Queue.
type State struct {
	Requests withdrawal.State `json:"requests"`
	Trigger  TriggerState     `json:"trigger"`
}

func (q *Queue) Snapshot() State {
	return State{Requests: q.Queue.Snapshot(), Trigger: q.trigger.Snapshot()}
}

func (q *Queue) Restore(st State) {
	q.Queue.Restore(st.Requests)
	q.trigger.Restore(st.Trigger)
}
