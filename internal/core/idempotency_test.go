package core_test

import (
	"errors"
	"testing"

	"ConsolLedger/internal/core"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

type stubDurable struct {
	known map[string]bool
	err   error
	calls int
}

func (s *stubDurable) IsDuplicate(eventType, key string) (bool, error) {
	s.calls++
	return s.known[core.CompositeKey(eventType, key)], s.err
}

func TestKeyLRU_EvictsLeastRecent(t *testing.T) {
	l := core.NewKeyLRU(2)
	l.Add("a")
	l.Add("b")
	assert.True(t, l.Touch("a")) // b is now oldest
	l.Add("c")

	assert.False(t, l.Touch("b"))
	assert.Equal(t, []string{"a", "c"}, l.Keys())
	assert.Equal(t, 2, l.Len())

	warmed := core.NewKeyLRU(3)
	warmed.Warm(l.Keys())
	assert.Equal(t, l.Keys(), warmed.Keys())
}

func TestDeduper_FallsThroughToDurableLog(t *testing.T) {
	durable := &stubDurable{known: map[string]bool{core.CompositeKey("period_pay", "k1"): true}}
	d := core.NewDeduper(16, durable, zerolog.Nop())

	assert.True(t, d.Seen("period_pay", "k1"))
	assert.Equal(t, 1, durable.calls)

	// cached after the first durable hit
	assert.True(t, d.Seen("period_pay", "k1"))
	assert.Equal(t, 1, durable.calls)

	assert.False(t, d.Seen("period_pay", "k2"))
	assert.False(t, d.SeenRecently("period_pay", "k2"))
	d.Record("period_pay", "k2")
	assert.True(t, d.SeenRecently("period_pay", "k2"))

	// same key under another type is a different command
	assert.False(t, d.SeenRecently("penalty_pay", "k2"))
}

func TestDeduper_DurableErrorTreatedAsNew(t *testing.T) {
	durable := &stubDurable{err: errors.New("connection reset")}
	d := core.NewDeduper(16, durable, zerolog.Nop())
	assert.False(t, d.Seen("fund_account", "k"))
}
