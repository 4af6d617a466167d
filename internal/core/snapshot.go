package core

import (
	"fmt"

	"ConsolLedger/internal/access"
	"ConsolLedger/internal/conversion"
	"ConsolLedger/internal/feed"
	"ConsolLedger/internal/ledger"
	"ConsolLedger/internal/registry"
	"ConsolLedger/internal/state"
	"ConsolLedger/internal/withdrawal"

	"github.com/google/uuid"
)

// BalanceEntry is one non-zero account balance.
type BalanceEntry struct {
	Key     ledger.AccountKey `json:"key"`
	Balance int64             `json:"balance"`
}

// SnapshotState holds the serializable in-memory state for restore.
type SnapshotState struct {
	Sequence        int64                        `json:"sequence"` // last applied sequence
	StateHash       [32]byte                     `json:"state_hash"`
	Balances        []BalanceEntry               `json:"balances"`
	Positions       []*state.Position            `json:"positions"`
	Holdings        []registry.Holding           `json:"holdings"`
	Feed            feed.State                   `json:"feed"`
	Params          []*state.CollateralParams    `json:"params"`
	Forfeiture      []state.ForfeitureStats      `json:"forfeiture"`
	Queues          map[string]withdrawal.State  `json:"queues"`
	Conversions     map[string]conversion.State  `json:"conversions"` // by collateral class
	Limits          map[string]withdrawal.Config `json:"limits"`
	Access          map[access.Role][]uuid.UUID  `json:"access"`
	SequenceState   map[string]int64             `json:"sequence_state"` // partition -> next expected seq
	IdempotencyKeys []string                     `json:"idempotency_keys"`
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (e *Engine) CreateSnapshotState() *SnapshotState {
	e.mu.RLock()
	defer e.mu.RUnlock()

	snap := &SnapshotState{
		Sequence:        e.sequence - 1,
		StateHash:       e.chain.Tip(),
		Positions:       e.positions.All(),
		Holdings:        e.registry.Snapshot(),
		Feed:            e.feed.Snapshot(),
		Params:          e.params.All(),
		Forfeiture:      e.forfeit.Stats(),
		Queues:          make(map[string]withdrawal.State, 2),
		Conversions:     make(map[string]conversion.State, len(e.conversions)),
		Limits:          make(map[string]withdrawal.Config, len(e.conversions)+2),
		Access:          e.access.Snapshot(),
		SequenceState:   e.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: e.dedup.recent.Keys(),
	}
	for _, key := range e.book.SortedKeys() {
		snap.Balances = append(snap.Balances, BalanceEntry{Key: key, Balance: e.book.Balance(key)})
	}
	for _, q := range []*withdrawal.AssetQueue{e.backing, e.forfeitQueue} {
		snap.Queues[q.Name()] = q.Snapshot()
		snap.Limits[q.Name()] = q.Config()
	}
	for class, q := range e.conversions {
		snap.Conversions[class] = q.Snapshot()
		snap.Limits[q.Name()] = q.Config()
	}
	return snap
}

// RestoreFromSnapshot restores the engine's in-memory state from a snapshot.
// Events after snap.Sequence are then replayed through ProcessEvent.
func (e *Engine) RestoreFromSnapshot(snap *SnapshotState) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.sequence = snap.Sequence + 1
	e.chain.Reset(snap.StateHash)

	balances := make(map[ledger.AccountKey]int64, len(snap.Balances))
	for _, b := range snap.Balances {
		balances[b.Key] = b.Balance
	}
	e.book.Restore(balances)
	e.positions.Restore(snap.Positions)
	e.registry.Restore(snap.Holdings)
	e.feed.Restore(snap.Feed)
	e.forfeit.Restore(snap.Forfeiture)
	e.access.Restore(snap.Access)

	for _, p := range snap.Params {
		if err := e.params.UpdateParams(p); err != nil {
			return fmt.Errorf("restore params %s: %w", p.Class, err)
		}
		if _, ok := e.conversions[p.Class]; !ok {
			if err := e.addConversionQueue(p.Class); err != nil {
				return err
			}
		}
	}

	for name, st := range snap.Queues {
		q, err := e.baseQueue(name)
		if err != nil {
			return fmt.Errorf("restore queue: %w", err)
		}
		q.Restore(st)
	}
	for class, st := range snap.Conversions {
		q, err := e.conversionQueue(class)
		if err != nil {
			return fmt.Errorf("restore conversion queue: %w", err)
		}
		q.Restore(st)
	}
	for name, cfg := range snap.Limits {
		q, err := e.baseQueue(name)
		if err != nil {
			return fmt.Errorf("restore limits: %w", err)
		}
		if err := q.SetLimits(cfg.MinAmount, cfg.ExecutionFee); err != nil {
			return err
		}
	}

	for partition, nextSeq := range snap.SequenceState {
		e.sequenceValidator.RestorePartition(partition, nextSeq)
	}
	e.dedup.recent.Warm(snap.IdempotencyKeys)

	if err := e.validator.ValidateGlobalBalance(); err != nil {
		return fmt.Errorf("restored state: %w", err)
	}
	e.refreshGauges()
	return nil
}

// WarmLRU loads recent idempotency keys into the LRU cache so recent
// duplicates are caught without a database lookup.
func (e *Engine) WarmLRU(keys []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dedup.recent.Warm(keys)
}
