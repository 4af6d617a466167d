package ledger

import (
	"errors"
	"fmt"
	"sort"

	fpmath "ConsolLedger/internal/math"
)

// ErrInsufficientBalance is returned when a batch would drive a non-external account negative.
var ErrInsufficientBalance = errors.New("ledger: insufficient balance")

// Book maintains in-memory account balances.
// Not thread-safe: only accessed from the single-threaded core.
type Book struct {
	balances map[AccountKey]int64
}

func NewBook() *Book {
	return &Book{
		balances: make(map[AccountKey]int64),
	}
}

// ApplyBatch applies every journal in the batch or none of them. Deltas are
// netted per account first, so a batch may move funds through an account
// that starts empty as long as it ends non-negative.
func (b *Book) ApplyBatch(batch *Batch) error {
	if batch.IsEmpty() {
		return nil
	}
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	next := make(map[AccountKey]int64)
	for _, j := range batch.Journals {
		for _, leg := range [2]struct {
			key   AccountKey
			delta int64
		}{{j.DebitAccount, j.Amount}, {j.CreditAccount, -j.Amount}} {
			cur, ok := next[leg.key]
			if !ok {
				cur = b.balances[leg.key]
			}
			updated, err := fpmath.Add(cur, leg.delta)
			if err != nil {
				return fmt.Errorf("account %s: %w", leg.key.AccountPath(), err)
			}
			next[leg.key] = updated
		}
	}

	for key, bal := range next {
		if bal < 0 && !key.IsExternal() {
			return fmt.Errorf("%w: account %s would be %d", ErrInsufficientBalance, key.AccountPath(), bal)
		}
	}

	for key, bal := range next {
		if bal == 0 {
			delete(b.balances, key)
			continue
		}
		b.balances[key] = bal
	}
	return nil
}

// Balance returns the current balance for an account
func (b *Book) Balance(key AccountKey) int64 {
	return b.balances[key]
}

// ComputeGlobalBalance sums all account balances (should be 0 for zero-sum ledger)
func (b *Book) ComputeGlobalBalance() map[AssetID]int64 {
	totals := make(map[AssetID]int64)
	for key, balance := range b.balances {
		totals[key.AssetID] += balance
	}
	return totals
}

// Snapshot returns a copy of all balances (for state hashing and snapshots)
func (b *Book) Snapshot() map[AccountKey]int64 {
	snapshot := make(map[AccountKey]int64, len(b.balances))
	for k, v := range b.balances {
		snapshot[k] = v
	}
	return snapshot
}

// Restore replaces all balances. Used on warm start.
func (b *Book) Restore(balances map[AccountKey]int64) {
	b.balances = make(map[AccountKey]int64, len(balances))
	for k, v := range balances {
		if v != 0 {
			b.balances[k] = v
		}
	}
}

// SortedKeys returns account keys in a stable order for deterministic hashing.
func (b *Book) SortedKeys() []AccountKey {
	keys := make([]AccountKey, 0, len(b.balances))
	for k := range b.balances {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].AccountPath() < keys[j].AccountPath()
	})
	return keys
}
