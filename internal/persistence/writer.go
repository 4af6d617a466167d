package persistence

import (
	"context"
	"fmt"
	"time"

	"ConsolLedger/internal/core"
	"ConsolLedger/internal/ledger"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	Partition      string
	Actor          uuid.UUID
	Payload        []byte // JSON command
	Result         []byte // JSON outcome, nil when the command returns nothing
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
	SourceSequence int64
}

// JournalRow represents a row in event_log.journal
type JournalRow struct {
	JournalID     uuid.UUID
	BatchID       uuid.UUID
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Asset         string
	Amount        int64
	JournalType   string
	TimestampUs   int64
}

var (
	eventTable   = pgx.Identifier{"event_log", "events"}
	eventColumns = []string{
		"sequence", "event_type", "idempotency_key", "partition", "actor",
		"payload", "result", "state_hash", "prev_hash", "timestamp", "source_sequence",
	}

	journalTable   = pgx.Identifier{"event_log", "journal"}
	journalColumns = []string{
		"journal_id", "batch_id", "event_ref", "sequence", "debit_account",
		"credit_account", "asset", "amount", "journal_type", "timestamp_us",
	}
)

// RowsFromOutput flattens one core output into its event and journal rows.
func RowsFromOutput(out core.CoreOutput) (EventRow, []JournalRow) {
	env := out.Envelope
	row := EventRow{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Partition:      env.Partition,
		Actor:          env.Actor,
		Payload:        env.Payload,
		Result:         env.Result,
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
		Timestamp:      env.Timestamp,
		SourceSequence: env.SourceSequence,
	}
	if out.Batch == nil {
		return row, nil
	}

	journals := make([]JournalRow, 0, len(out.Batch.Journals))
	for _, j := range out.Batch.Journals {
		asset, _ := ledger.GetAssetName(j.AssetID)
		journals = append(journals, JournalRow{
			JournalID:     j.JournalID,
			BatchID:       j.BatchID,
			EventRef:      j.EventRef,
			Sequence:      env.Sequence,
			DebitAccount:  j.DebitAccount.AccountPath(),
			CreditAccount: j.CreditAccount.AccountPath(),
			Asset:         asset,
			Amount:        j.Amount,
			JournalType:   j.JournalType.String(),
			TimestampUs:   j.Timestamp,
		})
	}
	return row, journals
}

// EventLogWriter bulk-loads events and journals with the COPY protocol.
// Both writes run inside the caller's transaction.
type EventLogWriter struct{}

func NewEventLogWriter() *EventLogWriter {
	return &EventLogWriter{}
}

// WriteEventBatch copies a batch of events into event_log.events.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx pgx.Tx, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}
	n, err := tx.CopyFrom(ctx, eventTable, eventColumns, pgx.CopyFromSlice(len(events), func(i int) ([]any, error) {
		e := events[i]
		return []any{
			e.Sequence, e.EventType, e.IdempotencyKey, e.Partition, pgUUID(e.Actor),
			e.Payload, nullableJSON(e.Result), e.StateHash, e.PrevHash, e.Timestamp, e.SourceSequence,
		}, nil
	}))
	if err != nil {
		return fmt.Errorf("copy events: %w", err)
	}
	if int(n) != len(events) {
		return fmt.Errorf("copy events: wrote %d of %d rows", n, len(events))
	}
	return nil
}

// WriteJournalBatch copies a batch of journal entries into event_log.journal.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, tx pgx.Tx, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}
	n, err := tx.CopyFrom(ctx, journalTable, journalColumns, pgx.CopyFromSlice(len(journals), func(i int) ([]any, error) {
		j := journals[i]
		return []any{
			pgUUID(j.JournalID), pgUUID(j.BatchID), j.EventRef, j.Sequence, j.DebitAccount,
			j.CreditAccount, j.Asset, j.Amount, j.JournalType, j.TimestampUs,
		}, nil
	}))
	if err != nil {
		return fmt.Errorf("copy journals: %w", err)
	}
	if int(n) != len(journals) {
		return fmt.Errorf("copy journals: wrote %d of %d rows", n, len(journals))
	}
	return nil
}

func pgUUID(id uuid.UUID) pgtype.UUID {
	return pgtype.UUID{Bytes: id, Valid: true}
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
