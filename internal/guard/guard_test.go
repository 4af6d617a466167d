package guard

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcess_RunsAndReleases(t *testing.T) {
	g := New(NewMemoryLocker())
	ctx := context.Background()
	driver := uuid.New()

	var got int
	var gotDriver uuid.UUID
	q := Func{Queue: "stable", Fn: func(ctx context.Context, iterations int, d uuid.UUID) error {
		blocked, err := g.IsBlocked(ctx, "stable")
		require.NoError(t, err)
		assert.True(t, blocked, "queue reports blocked while the batch runs")
		got, gotDriver = iterations, d
		return nil
	}}

	require.NoError(t, g.Process(ctx, q, 3, driver))
	assert.Equal(t, 3, got)
	assert.Equal(t, driver, gotDriver)

	blocked, err := g.IsBlocked(ctx, "stable")
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestProcess_RejectsReentrantCall(t *testing.T) {
	contention := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_guard_contention_total"}, []string{"queue"})
	g := New(NewMemoryLocker(), WithContentionCounter(contention))
	ctx := context.Background()

	var inner error
	var calls int
	var q Func
	q = Func{Queue: "conv-BTC", Fn: func(ctx context.Context, iterations int, d uuid.UUID) error {
		calls++
		// a fee payout that calls back into processing
		inner = g.Process(ctx, q, iterations, d)
		return nil
	}}

	require.NoError(t, g.Process(ctx, q, 1, uuid.New()))
	assert.ErrorIs(t, inner, ErrBatchInFlight)
	assert.Equal(t, 1, calls, "re-entrant call must not run the batch")
	var m dto.Metric
	require.NoError(t, contention.WithLabelValues("conv-BTC").Write(&m))
	assert.Equal(t, float64(1), m.GetCounter().GetValue())
}

func TestProcess_QueuesAreIndependent(t *testing.T) {
	g := New(NewMemoryLocker())
	ctx := context.Background()

	other := Func{Queue: "forfeit", Fn: func(context.Context, int, uuid.UUID) error { return nil }}
	q := Func{Queue: "stable", Fn: func(ctx context.Context, n int, d uuid.UUID) error {
		return g.Process(ctx, other, n, d)
	}}
	require.NoError(t, g.Process(ctx, q, 1, uuid.New()))
}

func TestProcess_ReleasesOnError(t *testing.T) {
	g := New(NewMemoryLocker())
	ctx := context.Background()
	boom := errors.New("boom")

	q := Func{Queue: "stable", Fn: func(context.Context, int, uuid.UUID) error { return boom }}
	assert.ErrorIs(t, g.Process(ctx, q, 1, uuid.New()), boom)

	blocked, err := g.IsBlocked(ctx, "stable")
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestProcess_ConcurrentCallersExclusive(t *testing.T) {
	g := New(NewMemoryLocker())
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{})
	slow := Func{Queue: "stable", Fn: func(context.Context, int, uuid.UUID) error {
		close(started)
		<-release
		return nil
	}}

	var wg sync.WaitGroup
	wg.Add(1)
	var first error
	go func() {
		defer wg.Done()
		first = g.Process(ctx, slow, 1, uuid.New())
	}()
	<-started

	fast := Func{Queue: "stable", Fn: func(context.Context, int, uuid.UUID) error {
		t.Error("second caller must not run")
		return nil
	}}
	assert.ErrorIs(t, g.Process(ctx, fast, 1, uuid.New()), ErrBatchInFlight)

	close(release)
	wg.Wait()
	require.NoError(t, first)
}

func TestMemoryLocker_UnlockIdempotent(t *testing.T) {
	m := NewMemoryLocker()
	ctx := context.Background()

	unlock, err := m.Acquire(ctx, "k", 0)
	require.NoError(t, err)
	unlock()

	again, err := m.Acquire(ctx, "k", 0)
	require.NoError(t, err)
	unlock() // stale unlock must not release the new holder

	held, err := m.Held(ctx, "k")
	require.NoError(t, err)
	assert.True(t, held)
	again()
}
