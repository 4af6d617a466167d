package core

import (
	"container/list"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// DBIdempotencyChecker looks a command up in the durable event log.
type DBIdempotencyChecker interface {
	IsDuplicate(eventType string, idempotencyKey string) (bool, error)
}

// CompositeKey is the dedup key of one command.
func CompositeKey(eventType, idempotencyKey string) string {
	return eventType + ":" + idempotencyKey
}

// Deduper tells whether a command was applied already. Recent keys sit in a
// bounded LRU; a miss falls through to the durable log when one is set.
// Only the engine goroutine touches it.
type Deduper struct {
	recent     *KeyLRU
	durable    DBIdempotencyChecker
	duplicates *prometheus.CounterVec // event_type, tier
	logger     zerolog.Logger
}

func NewDeduper(capacity int, durable DBIdempotencyChecker, logger zerolog.Logger) *Deduper {
	return &Deduper{
		recent:  NewKeyLRU(capacity),
		durable: durable,
		logger:  logger,
	}
}

// CountDuplicates mirrors every duplicate hit into c.
func (d *Deduper) CountDuplicates(c *prometheus.CounterVec) {
	d.duplicates = c
}

func (d *Deduper) hit(eventType, tier string) {
	if d.duplicates != nil {
		d.duplicates.WithLabelValues(eventType, tier).Inc()
	}
}

// Seen checks the LRU, then the durable log.
func (d *Deduper) Seen(eventType, idempotencyKey string) bool {
	key := CompositeKey(eventType, idempotencyKey)
	if d.recent.Touch(key) {
		d.hit(eventType, "lru")
		return true
	}
	if d.durable == nil {
		return false
	}

	dup, err := d.durable.IsDuplicate(eventType, idempotencyKey)
	if err != nil {
		// the event log's unique key still rejects a real duplicate on flush
		d.logger.Warn().Err(err).
			Str("event_type", eventType).
			Str("idempotency_key", idempotencyKey).
			Msg("durable dedup lookup failed, treating command as new")
		return false
	}
	if dup {
		d.hit(eventType, "postgres")
		d.recent.Add(key)
	}
	return dup
}

// SeenRecently checks the LRU only. Replay uses it: every replayed command is
// in the durable log by construction.
func (d *Deduper) SeenRecently(eventType, idempotencyKey string) bool {
	return d.recent.Touch(CompositeKey(eventType, idempotencyKey))
}

// Record remembers an applied command.
func (d *Deduper) Record(eventType, idempotencyKey string) {
	d.recent.Add(CompositeKey(eventType, idempotencyKey))
}

// KeyLRU is a bounded set of strings with least-recently-used eviction.
type KeyLRU struct {
	capacity int
	index    map[string]*list.Element
	order    *list.List // front is most recent
}

func NewKeyLRU(capacity int) *KeyLRU {
	return &KeyLRU{
		capacity: capacity,
		index:    make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

// Touch reports whether key is present and marks it most recent.
func (l *KeyLRU) Touch(key string) bool {
	elem, ok := l.index[key]
	if ok {
		l.order.MoveToFront(elem)
	}
	return ok
}

func (l *KeyLRU) Add(key string) {
	if l.Touch(key) {
		return
	}
	l.index[key] = l.order.PushFront(key)
	for l.order.Len() > l.capacity {
		oldest := l.order.Back()
		l.order.Remove(oldest)
		delete(l.index, oldest.Value.(string))
	}
}

// Warm adds keys oldest first, so the last key ends up most recent.
func (l *KeyLRU) Warm(keys []string) {
	for _, key := range keys {
		l.Add(key)
	}
}

// Keys lists the cache from least to most recently used, the order Warm
// expects.
func (l *KeyLRU) Keys() []string {
	out := make([]string, 0, l.order.Len())
	for e := l.order.Back(); e != nil; e = e.Prev() {
		out = append(out, e.Value.(string))
	}
	return out
}

func (l *KeyLRU) Len() int {
	return l.order.Len()
}
