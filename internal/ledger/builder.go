package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// BatchBuilder accumulates journal legs for one command into a single batch.
// Nothing touches balances until the caller hands the batch to Book.ApplyBatch.
type BatchBuilder struct {
	batch *Batch
	err   error
}

func NewBatchBuilder(eventRef string, sequence int64, timestampMicros int64) *BatchBuilder {
	return &BatchBuilder{
		batch: &Batch{
			BatchID:   uuid.New(),
			EventRef:  eventRef,
			Sequence:  sequence,
			Timestamp: timestampMicros,
		},
	}
}

// Transfer moves amount of the asset from one account to another.
// Zero amounts are skipped so callers can pass computed legs unconditionally.
func (bb *BatchBuilder) Transfer(from, to AccountKey, amount int64, jt JournalType) *BatchBuilder {
	if bb.err != nil || amount == 0 {
		return bb
	}
	if amount < 0 {
		bb.err = fmt.Errorf("%s leg has negative amount %d", jt, amount)
		return bb
	}
	if from.AssetID != to.AssetID {
		bb.err = fmt.Errorf("%s leg mixes assets %d and %d", jt, from.AssetID, to.AssetID)
		return bb
	}

	bb.batch.Journals = append(bb.batch.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       bb.batch.BatchID,
		EventRef:      bb.batch.EventRef,
		Sequence:      bb.batch.Sequence,
		DebitAccount:  to,
		CreditAccount: from,
		AssetID:       to.AssetID,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     bb.batch.Timestamp,
	})
	return bb
}

// Mint brings amount into the system from an external source account.
func (bb *BatchBuilder) Mint(source AccountSubType, to AccountKey, amount int64, jt JournalType) *BatchBuilder {
	return bb.Transfer(NewExternalAccountKey(source, to.AssetID), to, amount, jt)
}

// Burn sends amount out of the system to an external sink account.
func (bb *BatchBuilder) Burn(from AccountKey, sink AccountSubType, amount int64, jt JournalType) *BatchBuilder {
	return bb.Transfer(from, NewExternalAccountKey(sink, from.AssetID), amount, jt)
}

// Len returns the number of legs staged so far.
func (bb *BatchBuilder) Len() int {
	return len(bb.batch.Journals)
}

// Build returns the accumulated batch or the first leg error.
func (bb *BatchBuilder) Build() (*Batch, error) {
	if bb.err != nil {
		return nil, bb.err
	}
	return bb.batch, nil
}
