package withdrawal

import (
	"fmt"
	"time"

	"ConsolLedger/internal/ledger"

	"github.com/google/uuid"
)

// compactThreshold is how many released slots accumulate before the backing
// slice is trimmed. Indices stay absolute across compaction.
const compactThreshold = 1024

// Config holds the per-queue limits.
type Config struct {
	Name         string
	MinAmount    int64 // debt-asset units
	ExecutionFee int64 // fee-asset units
}

// Redeemer settles one live request inside a batch.
type Redeemer interface {
	Redeem(tx Tx, r Request) error
}

// Result summarizes one processed batch.
type Result struct {
	Processed int   `json:"processed"` // slots consumed, including cancelled ones
	Redeemed  int   `json:"redeemed"`
	Amount    int64 `json:"amount"`
	Fees      int64 `json:"fees"`
}

// Queue is the append-only FIFO request log shared by every withdrawal queue.
// Requests are addressed by absolute index; cancelled slots are zeroed in
// place and processed slots are released, so indices and the head pointer
// never shift.
//
// Not thread-safe: callers serialize through the engine and the batch guard.
type Queue struct {
	cfg      Config
	vault    *Vault
	feeAsset ledger.AssetID
	redeemer Redeemer

	requests []Request // requests[i-base] holds index i
	base     int
	head     int
}

func NewQueue(cfg Config, vault *Vault, feeAsset ledger.AssetID, redeemer Redeemer) *Queue {
	return &Queue{
		cfg:      cfg,
		vault:    vault,
		feeAsset: feeAsset,
		redeemer: redeemer,
	}
}

func (q *Queue) Name() string {
	return q.cfg.Name
}

func (q *Queue) Config() Config {
	return q.cfg
}

// SetLimits replaces the minimum amount and execution fee for new requests.
func (q *Queue) SetLimits(minAmount, executionFee int64) error {
	if minAmount < 0 || executionFee < 0 {
		return fmt.Errorf("queue %s: limits must not be negative", q.cfg.Name)
	}
	q.cfg.MinAmount = minAmount
	q.cfg.ExecutionFee = executionFee
	return nil
}

func (q *Queue) Vault() *Vault {
	return q.vault
}

// EscrowKey holds shares of pending requests.
func (q *Queue) EscrowKey() ledger.AccountKey {
	return ledger.NewSystemAccountKey(q.cfg.Name, ledger.SubTypeQueueEscrow, q.vault.ShareAsset())
}

// FeeVaultKey holds execution fees until a batch pays them out.
func (q *Queue) FeeVaultKey() ledger.AccountKey {
	return ledger.NewSystemAccountKey(q.cfg.Name, ledger.SubTypeFeeVault, q.feeAsset)
}

func (q *Queue) FeeAsset() ledger.AssetID {
	return q.feeAsset
}

// Head is the index of the oldest unprocessed slot.
func (q *Queue) Head() int {
	return q.head
}

// Next is the index the next request will receive.
func (q *Queue) Next() int {
	return q.base + len(q.requests)
}

// Pending counts slots from the head to the end, cancelled ones included.
func (q *Queue) Pending() int {
	return q.Next() - q.head
}

// Request returns the slot at index. Released slots report false.
func (q *Queue) Request(index int) (Request, bool) {
	if index < q.head || index >= q.Next() {
		return Request{}, false
	}
	return q.requests[index-q.base], true
}

// Requests returns the pending slots in order, keyed by index.
func (q *Queue) Requests() map[int]Request {
	out := make(map[int]Request, q.Pending())
	for i := q.head; i < q.Next(); i++ {
		out[i] = q.requests[i-q.base]
	}
	return out
}

// RequestWithdrawal escrows shares and the execution fee and appends a
// request whose amount is locked at the current share price. The slot is
// appended when tx commits; the returned index assumes one request per tx.
func (q *Queue) RequestWithdrawal(tx Tx, account uuid.UUID, shares, fee int64, now time.Time) (int, error) {
	if shares <= 0 {
		return 0, ErrInvalidAmount
	}
	amount, err := q.vault.ConvertToAssets(shares)
	if err != nil {
		return 0, fmt.Errorf("queue %s: value shares: %w", q.cfg.Name, err)
	}
	if amount < q.cfg.MinAmount || amount == 0 {
		return 0, fmt.Errorf("%w: %d < %d", ErrBelowMinimum, amount, q.cfg.MinAmount)
	}
	if fee < q.cfg.ExecutionFee {
		return 0, fmt.Errorf("%w: %d < %d", ErrFeeTooLow, fee, q.cfg.ExecutionFee)
	}

	tx.Transfer(ledger.WalletKey(account, q.vault.ShareAsset()), q.EscrowKey(), shares, ledger.JournalTypeShareEscrow)
	tx.Transfer(ledger.WalletKey(account, q.feeAsset), q.FeeVaultKey(), fee, ledger.JournalTypeExecutionFee)

	r := Request{
		Account:      account,
		Shares:       shares,
		Amount:       amount,
		Timestamp:    now,
		ExecutionFee: fee,
	}
	index := q.Next()
	tx.OnCommit(func() {
		q.requests = append(q.requests, r)
	})
	return index, nil
}

// CancelWithdrawal zeroes a live slot and returns its escrowed shares.
// The execution fee is not refunded.
func (q *Queue) CancelWithdrawal(tx Tx, account uuid.UUID, index int) error {
	if index < q.head && index >= 0 {
		return fmt.Errorf("%w: %d", ErrAlreadyProcessed, index)
	}
	r, ok := q.Request(index)
	if !ok {
		return fmt.Errorf("%w: %d", ErrRequestNotFound, index)
	}
	if r.Account != account {
		return fmt.Errorf("%w: %d", ErrNotOwner, index)
	}
	if r.IsEmpty() {
		return fmt.Errorf("%w: %d", ErrRequestEmpty, index)
	}

	tx.Transfer(q.EscrowKey(), ledger.WalletKey(account, q.vault.ShareAsset()), r.Shares, ledger.JournalTypeShareReturn)
	tx.OnCommit(func() {
		slot := &q.requests[index-q.base]
		slot.Shares = 0
		slot.Amount = 0
	})
	return nil
}

// ProcessWithdrawalRequests consumes exactly iterations slots from the head.
// Live slots are settled by the redeemer, cancelled ones are skipped but
// still consume an iteration. The fees of every consumed slot are paid to
// feeReceiver in one transfer. Capacity is checked before anything is staged.
func (q *Queue) ProcessWithdrawalRequests(tx Tx, iterations int, feeReceiver uuid.UUID) (Result, error) {
	if iterations <= 0 || iterations > q.Pending() {
		return Result{}, fmt.Errorf("%w: %d requested, %d pending", ErrInsufficientCapacity, iterations, q.Pending())
	}

	var res Result
	end := q.head + iterations
	for i := q.head; i < end; i++ {
		r := q.requests[i-q.base]
		res.Processed++
		res.Fees += r.ExecutionFee
		if r.IsEmpty() {
			continue
		}
		if err := q.redeemer.Redeem(tx, r); err != nil {
			return Result{}, fmt.Errorf("queue %s: redeem request %d: %w", q.cfg.Name, i, err)
		}
		res.Redeemed++
		res.Amount += r.Amount
	}

	q.PayFees(tx, feeReceiver, res.Fees)
	q.CommitProgress(tx, end, nil)
	return res, nil
}

// PayFees stages a payout from the fee vault.
func (q *Queue) PayFees(tx Tx, receiver uuid.UUID, amount int64) {
	tx.Transfer(q.FeeVaultKey(), ledger.WalletKey(receiver, q.feeAsset), amount, ledger.JournalTypeExecutionFeePayout)
}

// CommitProgress releases every slot before newHead and, when partial is
// set, rewrites the slot at newHead, once tx commits.
func (q *Queue) CommitProgress(tx Tx, newHead int, partial *Request) {
	tx.OnCommit(func() {
		for i := q.head; i < newHead; i++ {
			q.requests[i-q.base] = Request{}
		}
		q.head = newHead
		if partial != nil && newHead < q.Next() {
			q.requests[newHead-q.base] = *partial
		}
		q.compact()
	})
}

func (q *Queue) compact() {
	released := q.head - q.base
	if released < compactThreshold || released*2 < len(q.requests) {
		return
	}
	kept := make([]Request, len(q.requests)-released)
	copy(kept, q.requests[released:])
	q.requests = kept
	q.base = q.head
}

// State is the serializable form of a Queue.
type State struct {
	Name     string          `json:"name"`
	Head     int             `json:"head"`
	Requests map[int]Request `json:"requests"`
	Next     int             `json:"next"`
}

func (q *Queue) Snapshot() State {
	return State{
		Name:     q.cfg.Name,
		Head:     q.head,
		Requests: q.Requests(),
		Next:     q.Next(),
	}
}

func (q *Queue) Restore(st State) {
	q.base = st.Head
	q.head = st.Head
	q.requests = make([]Request, st.Next-st.Head)
	for i, r := range st.Requests {
		if i >= st.Head && i < st.Next {
			q.requests[i-st.Head] = r
		}
	}
}
