package conversion

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// DefaultMaxProbe bounds how far a stale hint may be corrected.
const DefaultMaxProbe = 32

var (
	ErrStaleHint     = errors.New("insertion hint is stale")
	ErrAlreadyQueued = errors.New("position already queued")
	ErrNotQueued     = errors.New("position not queued")
	ErrStillEligible = errors.New("position is still eligible for conversion")
	ErrClassMismatch = errors.New("position belongs to another collateral class")
)

// TriggerNode is one queued position.
type TriggerNode struct {
	PositionID   uuid.UUID `json:"position_id"`
	Prev         uuid.UUID `json:"prev"`
	Next         uuid.UUID `json:"next"`
	TriggerPrice int64     `json:"trigger_price"`
	ExecutionFee int64     `json:"execution_fee"`
	Payer        uuid.UUID `json:"payer"` // refunded on permissionless dequeue
	Seq          uint64    `json:"seq"`
}

// TriggerQueue is a doubly linked arena of nodes ordered ascending by
// trigger price, ties in insertion order. uuid.Nil terminates both ends.
//
// Not thread-safe: only accessed from the single-threaded core.
type TriggerQueue struct {
	class    string
	nodes    map[uuid.UUID]*TriggerNode
	head     uuid.UUID
	tail     uuid.UUID
	seq      uint64
	maxProbe int
}

func NewTriggerQueue(class string, maxProbe int) *TriggerQueue {
	if maxProbe <= 0 {
		maxProbe = DefaultMaxProbe
	}
	return &TriggerQueue{
		class:    class,
		nodes:    make(map[uuid.UUID]*TriggerNode),
		maxProbe: maxProbe,
	}
}

func (q *TriggerQueue) Class() string {
	return q.class
}

func (q *TriggerQueue) Len() int {
	return len(q.nodes)
}

func (q *TriggerQueue) Contains(id uuid.UUID) bool {
	_, ok := q.nodes[id]
	return ok
}

func (q *TriggerQueue) Get(id uuid.UUID) (TriggerNode, bool) {
	n, ok := q.nodes[id]
	if !ok {
		return TriggerNode{}, false
	}
	return *n, true
}

func (q *TriggerQueue) Head() (TriggerNode, bool) {
	return q.Get(q.head)
}

// Next returns the successor of id.
func (q *TriggerQueue) Next(id uuid.UUID) (TriggerNode, bool) {
	n, ok := q.nodes[id]
	if !ok {
		return TriggerNode{}, false
	}
	return q.Get(n.Next)
}

// Walk visits nodes head to tail until fn returns false.
func (q *TriggerQueue) Walk(fn func(TriggerNode) bool) {
	for id := q.head; id != uuid.Nil; {
		n := q.nodes[id]
		if !fn(*n) {
			return
		}
		id = n.Next
	}
}

// Nodes returns every node in queue order.
func (q *TriggerQueue) Nodes() []TriggerNode {
	out := make([]TriggerNode, 0, len(q.nodes))
	q.Walk(func(n TriggerNode) bool {
		out = append(out, n)
		return true
	})
	return out
}

func (q *TriggerQueue) nextOf(id, skip uuid.UUID) uuid.UUID {
	var next uuid.UUID
	if id == uuid.Nil {
		next = q.head
	} else {
		next = q.nodes[id].Next
	}
	if next != uuid.Nil && next == skip {
		next = q.nodes[next].Next
	}
	return next
}

func (q *TriggerQueue) prevOf(id, skip uuid.UUID) uuid.UUID {
	prev := q.nodes[id].Prev
	if prev != uuid.Nil && prev == skip {
		prev = q.nodes[prev].Prev
	}
	return prev
}

func (q *TriggerQueue) price(id uuid.UUID) int64 {
	return q.nodes[id].TriggerPrice
}

// Locate returns the predecessor a node with price must be linked after,
// starting from hint (uuid.Nil for the head). skip is left out of the order,
// so a node can be re-located around itself. A hint more than the probe
// bound away from the correct slot is rejected rather than scanned past.
func (q *TriggerQueue) Locate(price int64, hint, skip uuid.UUID) (uuid.UUID, error) {
	if hint != uuid.Nil {
		if _, ok := q.nodes[hint]; !ok || hint == skip {
			return uuid.Nil, fmt.Errorf("%w: unknown hint %s", ErrStaleHint, hint)
		}
	}

	prev := hint
	for probes := 0; ; probes++ {
		if probes > q.maxProbe {
			return uuid.Nil, fmt.Errorf("%w: correct slot beyond %d probes", ErrStaleHint, q.maxProbe)
		}
		if prev != uuid.Nil && q.price(prev) > price {
			prev = q.prevOf(prev, skip)
			continue
		}
		next := q.nextOf(prev, skip)
		if next != uuid.Nil && q.price(next) <= price {
			prev = next
			continue
		}
		return prev, nil
	}
}

// Enqueue links a new node after the slot located from hintPrev.
func (q *TriggerQueue) Enqueue(n TriggerNode, hintPrev uuid.UUID) error {
	if n.PositionID == uuid.Nil {
		return fmt.Errorf("enqueue: position id must not be nil")
	}
	if _, ok := q.nodes[n.PositionID]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyQueued, n.PositionID)
	}
	if n.TriggerPrice <= 0 {
		return fmt.Errorf("enqueue %s: trigger price must be positive", n.PositionID)
	}
	prev, err := q.Locate(n.TriggerPrice, hintPrev, uuid.Nil)
	if err != nil {
		return err
	}
	q.seq++
	n.Seq = q.seq
	q.linkAfter(&n, prev)
	return nil
}

// Relink moves an existing node to the slot for a new trigger price.
func (q *TriggerQueue) Relink(id uuid.UUID, price int64, hintPrev uuid.UUID) error {
	n, ok := q.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotQueued, id)
	}
	prev, err := q.Locate(price, hintPrev, id)
	if err != nil {
		return err
	}
	q.unlink(n)
	n.TriggerPrice = price
	q.linkAfter(n, prev)
	return nil
}

// Dequeue removes a node and returns it. Unknown ids are rejected and
// leave every link untouched.
func (q *TriggerQueue) Dequeue(id uuid.UUID) (TriggerNode, error) {
	n, ok := q.nodes[id]
	if !ok {
		return TriggerNode{}, fmt.Errorf("%w: %s", ErrNotQueued, id)
	}
	q.unlink(n)
	delete(q.nodes, id)
	out := *n
	out.Prev, out.Next = uuid.Nil, uuid.Nil
	return out, nil
}

func (q *TriggerQueue) linkAfter(n *TriggerNode, prev uuid.UUID) {
	n.Prev = prev
	if prev == uuid.Nil {
		n.Next = q.head
		q.head = n.PositionID
	} else {
		p := q.nodes[prev]
		n.Next = p.Next
		p.Next = n.PositionID
	}
	if n.Next == uuid.Nil {
		q.tail = n.PositionID
	} else {
		q.nodes[n.Next].Prev = n.PositionID
	}
	q.nodes[n.PositionID] = n
}

func (q *TriggerQueue) unlink(n *TriggerNode) {
	if n.Prev == uuid.Nil {
		q.head = n.Next
	} else {
		q.nodes[n.Prev].Next = n.Next
	}
	if n.Next == uuid.Nil {
		q.tail = n.Prev
	} else {
		q.nodes[n.Next].Prev = n.Prev
	}
	n.Prev, n.Next = uuid.Nil, uuid.Nil
}

// TriggerState is the serializable form of a TriggerQueue.
type TriggerState struct {
	Class string        `json:"class"`
	Seq   uint64        `json:"seq"`
	Nodes []TriggerNode `json:"nodes"` // head to tail
}

func (q *TriggerQueue) Snapshot() TriggerState {
	return TriggerState{Class: q.class, Seq: q.seq, Nodes: q.Nodes()}
}

// Restore rebuilds the arena from nodes in queue order.
func (q *TriggerQueue) Restore(st TriggerState) {
	q.nodes = make(map[uuid.UUID]*TriggerNode, len(st.Nodes))
	q.head, q.tail = uuid.Nil, uuid.Nil
	q.seq = st.Seq
	for i := range st.Nodes {
		n := st.Nodes[i]
		q.linkAfter(&n, q.tail)
	}
}
