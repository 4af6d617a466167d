package core

import (
	"context"
	"fmt"
	"time"

	"ConsolLedger/internal/conversion"
	"ConsolLedger/internal/feed"
	"ConsolLedger/internal/ledger"
	"ConsolLedger/internal/state"
	"ConsolLedger/internal/withdrawal"

	"github.com/google/uuid"
)

// Live reads against the in-memory state. They take the read lock and never
// observe a half-applied command.

func (e *Engine) Position(id uuid.UUID, now time.Time) (*state.PositionView, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.positions.View(id, now)
}

// AllPositions returns every stored position, ordered by id.
func (e *Engine) AllPositions(now time.Time) ([]*state.PositionView, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	all := e.positions.All()
	out := make([]*state.PositionView, 0, len(all))
	for _, p := range all {
		v, err := e.positions.ViewOf(p, now)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// PositionsOf returns the positions currently held by owner.
func (e *Engine) PositionsOf(owner uuid.UUID, now time.Time) ([]*state.PositionView, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []*state.PositionView
	for _, h := range e.registry.Snapshot() {
		if h.Owner != owner {
			continue
		}
		v, err := e.positions.View(h.ID, now)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// TriggerQueue lists the queued positions of class, head first.
func (e *Engine) TriggerQueue(class string) ([]conversion.TriggerNode, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	q, err := e.conversionQueue(class)
	if err != nil {
		return nil, err
	}
	return q.Trigger().Nodes(), nil
}

// Requests returns the pending state of the named withdrawal queue.
func (e *Engine) Requests(queue string) (withdrawal.State, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	q, err := e.baseQueue(queue)
	if err != nil {
		return withdrawal.State{}, err
	}
	return q.Snapshot(), nil
}

// QueueNames lists every withdrawal queue the engine runs.
func (e *Engine) QueueNames() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := []string{e.backing.Name(), e.forfeitQueue.Name()}
	for _, class := range e.params.Classes() {
		if q, ok := e.conversions[class]; ok {
			names = append(names, q.Name())
		}
	}
	return names
}

// IsBlocked reports whether a batch is in flight on queue, on any replica
// sharing the lock backend.
func (e *Engine) IsBlocked(ctx context.Context, queue string) (bool, error) {
	return e.guard.IsBlocked(ctx, queue)
}

// Balance returns the balance of a user wallet in asset.
func (e *Engine) Balance(account uuid.UUID, asset string) (int64, error) {
	id, ok := ledger.GetAssetID(asset)
	if !ok {
		return 0, fmt.Errorf("%w: %s", state.ErrUnknownAsset, asset)
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.book.Balance(ledger.WalletKey(account, id)), nil
}

// VaultTotals returns the assets and shares of a pool.
func (e *Engine) VaultTotals(pool string) (assets, shares int64, err error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, err := e.vault(pool)
	if err != nil {
		return 0, 0, err
	}
	return v.TotalAssets(), v.TotalShares(), nil
}

func (e *Engine) Quote(class string) (feed.Quote, bool) {
	return e.feed.Quote(class)
}

func (e *Engine) Forfeiture() []state.ForfeitureStats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.forfeit.Stats()
}
