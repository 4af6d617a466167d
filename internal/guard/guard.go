// Package guard serializes batch processing per queue. A batch that is
// already running for a queue, including one further up the caller's own
// stack, makes every other Process call for that queue fail without effect.
package guard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

var (
	ErrBatchInFlight = errors.New("batch processing already in flight")
	// ErrLockHeld is returned by a Locker when the key is taken.
	ErrLockHeld = errors.New("lock held")
)

// DefaultTTL bounds how long a crashed holder can block a queue.
const DefaultTTL = 30 * time.Second

// Locker hands out exclusive per-key locks. Acquire returns an unlock func
// that is safe to call more than once.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
	Held(ctx context.Context, key string) (bool, error)
}

// Processor is one queue's batch entry point.
type Processor interface {
	Name() string
	ProcessBatch(ctx context.Context, iterations int, driver uuid.UUID) error
}

// Func adapts a closure to Processor.
type Func struct {
	Queue string
	Fn    func(ctx context.Context, iterations int, driver uuid.UUID) error
}

func (f Func) Name() string { return f.Queue }

func (f Func) ProcessBatch(ctx context.Context, iterations int, driver uuid.UUID) error {
	return f.Fn(ctx, iterations, driver)
}

type BatchGuard struct {
	locker     Locker
	ttl        time.Duration
	logger     zerolog.Logger
	contention *prometheus.CounterVec
}

type Option func(*BatchGuard)

func WithTTL(ttl time.Duration) Option {
	return func(g *BatchGuard) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(g *BatchGuard) { g.logger = logger }
}

// WithContentionCounter counts rejected calls, labelled by queue.
func WithContentionCounter(c *prometheus.CounterVec) Option {
	return func(g *BatchGuard) { g.contention = c }
}

func New(locker Locker, opts ...Option) *BatchGuard {
	g := &BatchGuard{
		locker: locker,
		ttl:    DefaultTTL,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func lockKey(queue string) string {
	return "batch:" + queue
}

// Process runs one batch of queue while holding its lock.
func (g *BatchGuard) Process(ctx context.Context, queue Processor, iterations int, driver uuid.UUID) error {
	name := queue.Name()
	unlock, err := g.locker.Acquire(ctx, lockKey(name), g.ttl)
	if errors.Is(err, ErrLockHeld) {
		if g.contention != nil {
			g.contention.WithLabelValues(name).Inc()
		}
		g.logger.Warn().Str("queue", name).Msg("batch rejected: already in flight")
		return fmt.Errorf("%w: %s", ErrBatchInFlight, name)
	}
	if err != nil {
		return fmt.Errorf("guard %s: %w", name, err)
	}
	defer unlock()

	start := time.Now()
	if err := queue.ProcessBatch(ctx, iterations, driver); err != nil {
		return err
	}
	g.logger.Debug().
		Str("queue", name).
		Int("iterations", iterations).
		Dur("elapsed", time.Since(start)).
		Msg("batch processed")
	return nil
}

// IsBlocked reports whether a batch is in flight for the named queue.
func (g *BatchGuard) IsBlocked(ctx context.Context, queue string) (bool, error) {
	return g.locker.Held(ctx, lockKey(queue))
}

// MemoryLocker is the single-process Locker. TTLs are ignored: a lock lives
// until its unlock func runs.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]struct{})}
}

func (m *MemoryLocker) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.held[key]; ok {
		return nil, ErrLockHeld
	}
	m.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.held, key)
			m.mu.Unlock()
		})
	}, nil
}

func (m *MemoryLocker) Held(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.held[key]
	return ok, nil
}

var _ Locker = (*MemoryLocker)(nil)
