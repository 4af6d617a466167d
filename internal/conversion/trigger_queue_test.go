package conversion

import (
	"math/rand"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func enqueue(t *testing.T, q *TriggerQueue, price int64, hint uuid.UUID) uuid.UUID {
	t.Helper()
	id := uuid.New()
	require.NoError(t, q.Enqueue(TriggerNode{PositionID: id, TriggerPrice: price}, hint))
	return id
}

// requireConsistent checks ordering and that every link has its mirror.
func requireConsistent(t *testing.T, q *TriggerQueue) {
	t.Helper()
	nodes := q.Nodes()
	require.Len(t, nodes, q.Len())
	for i, n := range nodes {
		if i == 0 {
			require.Equal(t, uuid.Nil, n.Prev)
			continue
		}
		prev := nodes[i-1]
		require.Equal(t, prev.PositionID, n.Prev)
		require.Equal(t, n.PositionID, prev.Next)
		require.LessOrEqual(t, prev.TriggerPrice, n.TriggerPrice)
		if prev.TriggerPrice == n.TriggerPrice {
			require.Less(t, prev.Seq, n.Seq, "ties keep insertion order")
		}
	}
	if len(nodes) > 0 {
		require.Equal(t, uuid.Nil, nodes[len(nodes)-1].Next)
		require.Equal(t, nodes[len(nodes)-1].PositionID, q.tail)
	}
}

func TestTriggerQueue_OrdersByPriceThenInsertion(t *testing.T) {
	q := NewTriggerQueue("BTC", 0)
	a := enqueue(t, q, 30, uuid.Nil)
	b := enqueue(t, q, 10, uuid.Nil)
	c := enqueue(t, q, 30, a)
	d := enqueue(t, q, 20, b)

	var order []uuid.UUID
	q.Walk(func(n TriggerNode) bool {
		order = append(order, n.PositionID)
		return true
	})
	assert.Equal(t, []uuid.UUID{b, d, a, c}, order)
	requireConsistent(t, q)

	head, ok := q.Head()
	require.True(t, ok)
	assert.Equal(t, b, head.PositionID)
	next, ok := q.Next(b)
	require.True(t, ok)
	assert.Equal(t, d, next.PositionID)
}

func TestTriggerQueue_StaleHintBeyondProbe(t *testing.T) {
	q := NewTriggerQueue("BTC", 2)
	var ids []uuid.UUID
	prev := uuid.Nil
	for _, p := range []int64{10, 20, 30, 40, 50} {
		prev = enqueue(t, q, p, prev)
		ids = append(ids, prev)
	}

	err := q.Enqueue(TriggerNode{PositionID: uuid.New(), TriggerPrice: 60}, uuid.Nil)
	assert.ErrorIs(t, err, ErrStaleHint)
	assert.Equal(t, 5, q.Len())

	// a hint one slot off is corrected
	enqueue(t, q, 60, ids[3])

	err = q.Enqueue(TriggerNode{PositionID: uuid.New(), TriggerPrice: 25}, uuid.New())
	assert.ErrorIs(t, err, ErrStaleHint)
	requireConsistent(t, q)
}

func TestTriggerQueue_BackwardProbe(t *testing.T) {
	q := NewTriggerQueue("BTC", 4)
	prev := uuid.Nil
	var ids []uuid.UUID
	for _, p := range []int64{10, 20, 30, 40, 50} {
		prev = enqueue(t, q, p, prev)
		ids = append(ids, prev)
	}

	got, err := q.Locate(25, ids[4], uuid.Nil)
	require.NoError(t, err)
	assert.Equal(t, ids[1], got)

	got, err = q.Locate(5, ids[2], uuid.Nil)
	require.NoError(t, err)
	assert.Equal(t, uuid.Nil, got, "lowest price goes to the head")
}

func TestTriggerQueue_IdempotentDequeue(t *testing.T) {
	q := NewTriggerQueue("BTC", 0)
	a := enqueue(t, q, 10, uuid.Nil)
	b := enqueue(t, q, 20, a)
	c := enqueue(t, q, 30, b)

	node, err := q.Dequeue(b)
	require.NoError(t, err)
	assert.Equal(t, int64(20), node.TriggerPrice)

	_, err = q.Dequeue(b)
	assert.ErrorIs(t, err, ErrNotQueued)
	_, err = q.Dequeue(uuid.New())
	assert.ErrorIs(t, err, ErrNotQueued)

	requireConsistent(t, q)
	an, _ := q.Get(a)
	assert.Equal(t, c, an.Next)

	_, err = q.Dequeue(a)
	require.NoError(t, err)
	_, err = q.Dequeue(c)
	require.NoError(t, err)
	_, ok := q.Head()
	assert.False(t, ok)
	assert.Equal(t, uuid.Nil, q.tail)
}

func TestTriggerQueue_Relink(t *testing.T) {
	q := NewTriggerQueue("BTC", 0)
	a := enqueue(t, q, 10, uuid.Nil)
	b := enqueue(t, q, 20, a)
	c := enqueue(t, q, 30, b)

	require.NoError(t, q.Relink(a, 35, b))
	requireConsistent(t, q)
	tail, _ := q.Get(c)
	assert.Equal(t, a, tail.Next)

	assert.ErrorIs(t, q.Relink(a, 5, a), ErrStaleHint, "a node cannot hint itself")
	assert.ErrorIs(t, q.Relink(uuid.New(), 5, uuid.Nil), ErrNotQueued)
}

func TestTriggerQueue_RandomizedOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	q := NewTriggerQueue("BTC", 1_000)
	var live []uuid.UUID

	for i := 0; i < 500; i++ {
		if len(live) > 0 && rng.Intn(4) == 0 {
			j := rng.Intn(len(live))
			_, err := q.Dequeue(live[j])
			require.NoError(t, err)
			live = append(live[:j], live[j+1:]...)
			continue
		}
		hint := uuid.Nil
		if len(live) > 0 && rng.Intn(2) == 0 {
			hint = live[rng.Intn(len(live))]
		}
		live = append(live, enqueue(t, q, 1+rng.Int63n(50), hint))
	}
	requireConsistent(t, q)
}

func TestTriggerQueue_SnapshotRestore(t *testing.T) {
	q := NewTriggerQueue("BTC", 0)
	prev := uuid.Nil
	for _, p := range []int64{5, 5, 9} {
		prev = enqueue(t, q, p, prev)
	}

	restored := NewTriggerQueue("BTC", 0)
	restored.Restore(q.Snapshot())
	assert.Equal(t, q.Nodes(), restored.Nodes())
	requireConsistent(t, restored)

	id := enqueue(t, restored, 5, uuid.Nil)
	n, _ := restored.Get(id)
	assert.Equal(t, uint64(4), n.Seq)
}
