package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"ConsolLedger/internal/core"
	"ConsolLedger/internal/observability"
	"ConsolLedger/internal/persistence"
)

const snapshotPollInterval = 5 * time.Second

// runSnapshots saves a snapshot every interval applied events. A snapshot is
// verified once the event at its sequence is durable; until then it is not
// used for recovery.
func runSnapshots(ctx context.Context, engine *core.Engine, snapMgr *persistence.SnapshotManager, interval int64, metrics *observability.Metrics) error {
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(snapshotPollInterval)
	defer ticker.Stop()

	lastSeq := engine.GetSequence() - 1
	var pending []*core.SnapshotState

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if head := engine.GetSequence() - 1; head-lastSeq >= interval {
			snap, err := saveSnapshot(ctx, engine, snapMgr, metrics)
			if err != nil {
				log.Printf("ERROR: snapshot failed: %v", err)
			} else if snap != nil {
				lastSeq = snap.Sequence
				pending = append(pending, snap)
			}
		}

		pending = verifyPending(ctx, snapMgr, pending)
	}
}

// verifyPending verifies snapshots whose sequence reached the event log and
// returns the ones still waiting.
func verifyPending(ctx context.Context, snapMgr *persistence.SnapshotManager, pending []*core.SnapshotState) []*core.SnapshotState {
	if len(pending) == 0 {
		return pending
	}
	durable, err := snapMgr.GetLatestSequence(ctx)
	if err != nil {
		log.Printf("WARN: snapshot verification deferred: %v", err)
		return pending
	}

	waiting := pending[:0]
	for _, snap := range pending {
		if snap.Sequence > durable {
			waiting = append(waiting, snap)
			continue
		}
		ok, err := snapMgr.VerifySnapshot(ctx, snap.Sequence, snap.StateHash)
		switch {
		case err != nil:
			log.Printf("WARN: verify snapshot at %d: %v", snap.Sequence, err)
			waiting = append(waiting, snap)
		case !ok:
			log.Printf("ERROR: snapshot at %d does not match the event log, left unverified", snap.Sequence)
		default:
			log.Printf("INFO: snapshot at sequence %d verified", snap.Sequence)
		}
	}
	return waiting
}

func saveSnapshot(ctx context.Context, engine *core.Engine, snapMgr *persistence.SnapshotManager, metrics *observability.Metrics) (*core.SnapshotState, error) {
	start := time.Now()
	snap := engine.CreateSnapshotState()
	if snap.Sequence <= 0 {
		return nil, nil
	}
	size, err := snapMgr.SaveSnapshot(ctx, snap, time.Now())
	if err != nil {
		return nil, err
	}
	if metrics != nil {
		metrics.SnapshotTaken.Inc()
		metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
		metrics.SnapshotSizeBytes.Set(float64(size))
		metrics.SnapshotLastSeq.Set(float64(snap.Sequence))
	}
	log.Printf("INFO: snapshot saved at sequence %d (%d bytes)", snap.Sequence, size)
	return snap, nil
}

// takeSnapshot saves and verifies a snapshot at once. Used on shutdown after
// the persistence worker has flushed.
func takeSnapshot(ctx context.Context, engine *core.Engine, snapMgr *persistence.SnapshotManager, metrics *observability.Metrics) error {
	snap, err := saveSnapshot(ctx, engine, snapMgr, metrics)
	if err != nil || snap == nil {
		return err
	}
	ok, err := snapMgr.VerifySnapshot(ctx, snap.Sequence, snap.StateHash)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("snapshot at %d does not match the event log", snap.Sequence)
	}
	return nil
}
