package ledger

import (
	"errors"
	"fmt"
)

// ErrTxDone is returned when a transaction is used after Commit.
var ErrTxDone = errors.New("ledger: transaction already committed")

// Applier is anything that can apply a batch atomically.
type Applier interface {
	ApplyBatch(batch *Batch) error
}

// Tx stages balance legs and in-memory side effects for one command. On
// Commit the batch is applied all-or-nothing and only then do the hooks run,
// so a failed command leaves neither balances nor component state touched.
type Tx struct {
	book    Applier
	builder *BatchBuilder
	hooks   []func()
	done    bool
}

func NewTx(book Applier, eventRef string, sequence int64, timestampMicros int64) *Tx {
	return &Tx{
		book:    book,
		builder: NewBatchBuilder(eventRef, sequence, timestampMicros),
	}
}

func (tx *Tx) Transfer(from, to AccountKey, amount int64, jt JournalType) {
	tx.builder.Transfer(from, to, amount, jt)
}

func (tx *Tx) Mint(source AccountSubType, to AccountKey, amount int64, jt JournalType) {
	tx.builder.Mint(source, to, amount, jt)
}

func (tx *Tx) Burn(from AccountKey, sink AccountSubType, amount int64, jt JournalType) {
	tx.builder.Burn(from, sink, amount, jt)
}

// OnCommit registers fn to run after the batch has been applied.
// Hooks run in registration order and must not fail.
func (tx *Tx) OnCommit(fn func()) {
	tx.hooks = append(tx.hooks, fn)
}

// Legs returns the number of staged journal legs.
func (tx *Tx) Legs() int {
	return tx.builder.Len()
}

// Commit applies the staged batch and runs the hooks. The returned batch may be empty.
func (tx *Tx) Commit() (*Batch, error) {
	if tx.done {
		return nil, ErrTxDone
	}
	batch, err := tx.builder.Build()
	if err != nil {
		return nil, fmt.Errorf("build batch: %w", err)
	}
	if err := tx.book.ApplyBatch(batch); err != nil {
		return nil, err
	}
	tx.done = true
	for _, fn := range tx.hooks {
		fn()
	}
	return batch, nil
}
