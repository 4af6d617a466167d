package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"ConsolLedger/internal/access"
	"ConsolLedger/internal/conversion"
	"ConsolLedger/internal/event"
	"ConsolLedger/internal/feed"
	"ConsolLedger/internal/guard"
	"ConsolLedger/internal/ledger"
	"ConsolLedger/internal/observability"
	"ConsolLedger/internal/registry"
	"ConsolLedger/internal/state"
	"ConsolLedger/internal/withdrawal"

	"github.com/rs/zerolog"
)

// Engine is the single-writer command processor. ProcessEvent is the only
// path that mutates state and holds the write lock for the whole call.
type Engine struct {
	mu sync.RWMutex

	cfg       Config
	debt      ledger.AssetID
	feeAsset  ledger.AssetID
	sequence  int64
	chain     *HashChain
	book      *ledger.Book
	validator *ledger.InvariantValidator

	registry  *registry.Registry
	feed      *feed.Store
	params    *state.OriginationParamsManager
	forfeit   *state.ForfeiturePool
	positions *state.PositionLedger
	access    *access.Control

	backingVault *withdrawal.Vault
	forfeitVault *withdrawal.Vault
	backing      *withdrawal.AssetQueue
	forfeitQueue *withdrawal.AssetQueue
	conversions  map[string]*conversion.Queue // by collateral class

	guard             *guard.BatchGuard
	dedup             *Deduper
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics
	logger            zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput

	// Set while recovery replays the event log.
	replaying bool
}

// CoreOutput is everything downstream workers need about one applied command.
type CoreOutput struct {
	Envelope   *event.EventEnvelope
	Batch      *ledger.Batch
	StateDelta []byte

	// Positions touched by the command, as stored after commit.
	Positions []*state.PositionView

	// Pending requests of every queue the command touched, keyed by queue name.
	Queues map[string]withdrawal.State
}

// Options carries the collaborators of an Engine. Zero values are usable:
// nil channels discard output and a nil Locker uses an in-process one.
type Options struct {
	StartSequence  int64 // next global sequence to assign, 1 when unset
	PersistChan    chan<- CoreOutput
	ProjectionChan chan<- CoreOutput
	DBChecker      DBIdempotencyChecker
	LRUCapacity    int
	Locker         guard.Locker
	LockTTL        time.Duration
	Access         *access.Control
	Metrics        *observability.Metrics
	Logger         *zerolog.Logger
}

func NewEngine(cfg Config, opts Options) (*Engine, error) {
	for _, a := range cfg.Assets {
		if _, err := ledger.RegisterAsset(a.Symbol, a.Decimals); err != nil {
			return nil, err
		}
	}
	debt, ok := ledger.GetAssetID(cfg.DebtAsset)
	if !ok {
		return nil, fmt.Errorf("debt asset %s is not registered", cfg.DebtAsset)
	}
	feeAsset, ok := ledger.GetAssetID(cfg.FeeAsset)
	if !ok {
		return nil, fmt.Errorf("fee asset %s is not registered", cfg.FeeAsset)
	}
	debtInfo, _ := ledger.GetAsset(debt)
	backingShare, err := ledger.RegisterAsset(cfg.BackingShare, debtInfo.Decimals)
	if err != nil {
		return nil, err
	}
	forfeitShare, err := ledger.RegisterAsset(cfg.ForfeitureShare, debtInfo.Decimals)
	if err != nil {
		return nil, err
	}
	for _, name := range []string{cfg.BackingPool, cfg.ForfeiturePool} {
		if err := checkSystemName(name); err != nil {
			return nil, fmt.Errorf("pool: %w", err)
		}
	}

	params, err := state.NewOriginationParamsManager(cfg.Collateral)
	if err != nil {
		return nil, err
	}

	logger := observability.NewLogger("core")
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	locker := opts.Locker
	if locker == nil {
		locker = guard.NewMemoryLocker()
	}
	control := opts.Access
	if control == nil {
		control = access.NewControl()
	}
	capacity := opts.LRUCapacity
	if capacity <= 0 {
		capacity = 1_000_000
	}
	if cfg.GlobalCheckEvery <= 0 {
		cfg.GlobalCheckEvery = 1000
	}

	book := ledger.NewBook()
	rates := feed.NewStore(cfg.PenaltyRateBps, cfg.RefinanceFeeBps)
	for class, bps := range cfg.InterestBps {
		rates.SetInterestRate(class, bps)
	}
	reg := registry.New()
	forfeit := state.NewForfeiturePool(cfg.ForfeiturePool)
	positions := state.NewPositionLedger(state.LedgerConfig{
		DebtAsset:      debt,
		ForfeiturePool: cfg.ForfeiturePool,
		Schedule:       cfg.Schedule,
	}, book, reg, rates, params, forfeit)

	guardOpts := []guard.Option{guard.WithTTL(opts.LockTTL), guard.WithLogger(logger)}
	if opts.Metrics != nil {
		guardOpts = append(guardOpts, guard.WithContentionCounter(opts.Metrics.GuardContention))
	}

	e := &Engine{
		cfg:               cfg,
		debt:              debt,
		feeAsset:          feeAsset,
		sequence:          max(opts.StartSequence, 1),
		chain:             NewHashChain(),
		book:              book,
		validator:         ledger.NewInvariantValidator(book),
		registry:          reg,
		feed:              rates,
		params:            params,
		forfeit:           forfeit,
		positions:         positions,
		access:            control,
		backingVault:      withdrawal.NewVault(cfg.BackingPool, debt, backingShare, book),
		forfeitVault:      withdrawal.NewVault(cfg.ForfeiturePool, debt, forfeitShare, book),
		conversions:       make(map[string]*conversion.Queue),
		guard:             guard.New(locker, guardOpts...),
		dedup:             NewDeduper(capacity, opts.DBChecker, logger),
		sequenceValidator: NewSequenceValidator(),
		metrics:           opts.Metrics,
		logger:            logger,
		persistChan:       opts.PersistChan,
		projectionChan:    opts.ProjectionChan,
	}
	if opts.Metrics != nil {
		e.dedup.CountDuplicates(opts.Metrics.IdempotencyDuplicates)
	}
	// foreclosed principal stays owned by the backing pool as forfeiture shares
	e.backingVault.Hold(e.forfeitVault)
	e.backing = withdrawal.NewAssetQueue(e.queueConfig(cfg.BackingPool), e.backingVault, feeAsset)
	e.forfeitQueue = withdrawal.NewAssetQueue(e.queueConfig(cfg.ForfeiturePool), e.forfeitVault, feeAsset)
	for _, class := range params.Classes() {
		if err := e.addConversionQueue(class); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (e *Engine) queueConfig(name string) withdrawal.Config {
	return withdrawal.Config{Name: name, MinAmount: e.cfg.MinAmount, ExecutionFee: e.cfg.ExecutionFee}
}

func (e *Engine) addConversionQueue(class string) error {
	name := ConversionQueueName(class)
	if err := checkSystemName(name); err != nil {
		return fmt.Errorf("conversion queue: %w", err)
	}
	q, err := conversion.NewQueue(e.queueConfig(name), e.backingVault, e.feeAsset,
		conversion.NewTriggerQueue(class, e.cfg.MaxProbe), e.positions)
	if err != nil {
		return err
	}
	e.conversions[class] = q
	return nil
}

// command is the transaction of one ProcessEvent call. Handlers that must
// commit early, such as guarded batches, call commit themselves.
type command struct {
	tx     *state.Tx
	batch  *ledger.Batch
	done   bool
	queues map[string]bool // names of queues whose requests changed
}

func (c *command) commit() error {
	if c.done {
		return nil
	}
	batch, err := c.tx.Commit()
	if err != nil {
		return fmt.Errorf("apply batch failed: %w", err)
	}
	c.batch, c.done = batch, true
	return nil
}

func (c *command) touchQueue(name string) {
	if c.queues == nil {
		c.queues = make(map[string]bool)
	}
	c.queues[name] = true
}

// ProcessEvent runs the processing pipeline for one command. It returns the
// envelope appended to the log, or nil for a duplicate or stale feed update.
func (e *Engine) ProcessEvent(ctx context.Context, evt event.Event) (*event.EventEnvelope, error) {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	if err := evt.Validate(); err != nil {
		e.reject(eventType, ReasonInvalid)
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Step 1: Idempotency check (two-tier). Replayed commands are already in
	// Postgres, so replay consults the LRU only.
	var isDuplicate bool
	if e.replaying {
		isDuplicate = e.dedup.SeenRecently(eventType, idempotencyKey)
	} else {
		isDuplicate = e.dedup.Seen(eventType, idempotencyKey)
	}

	// Step 2: Sequence validation
	partition := evt.Partition()
	sourceSequence := evt.SourceSequence()
	e.recordOrdering(partition, sourceSequence, isDuplicate)
	if isFeed(evt) {
		if isDuplicate {
			e.reject(eventType, ReasonDuplicate)
			return nil, nil
		}
		if !e.sequenceValidator.ValidateFeedSequence(partition, sourceSequence) {
			e.reject(eventType, ReasonStale)
			return nil, nil
		}
	} else {
		if err := e.sequenceValidator.ValidateSequence(partition, sourceSequence, isDuplicate); err != nil {
			e.reject(eventType, ReasonSequence)
			return nil, fmt.Errorf("sequence validation failed: %w", err)
		}
		if isDuplicate {
			e.reject(eventType, ReasonDuplicate)
			return nil, nil
		}
	}

	// Step 3: Dispatch inside one transaction
	cmd := &command{tx: e.positions.Begin(idempotencyKey, e.sequence, evt.Time())}
	result, err := e.dispatch(ctx, cmd, evt)
	if err == nil {
		err = cmd.commit()
	}
	if err != nil {
		e.reject(eventType, Classify(err))
		e.logger.Debug().Err(err).
			Str("event_type", eventType).
			Str("idempotency_key", idempotencyKey).
			Msg("command rejected")
		return nil, fmt.Errorf("dispatch failed: %w", err)
	}
	e.sequenceValidator.Advance(partition, sourceSequence)

	// Step 4: Post-checks
	touched := cmd.tx.Touched()
	if err := e.postCheckInvariants(touched); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	// Step 5: State hash chain
	hashStart := time.Now()
	stateDigest := e.computeStateDigest(cmd.batch, touched)
	prevHash := e.chain.Tip()
	stateHash := e.chain.Append(e.sequence, stateDigest)
	if e.metrics != nil {
		e.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		panic(fmt.Sprintf("FATAL: encode committed %s: %v", eventType, err))
	}
	var resultBytes []byte
	if result != nil {
		if resultBytes, err = json.Marshal(result); err != nil {
			panic(fmt.Sprintf("FATAL: encode result of %s: %v", eventType, err))
		}
	}

	envelope := &event.EventEnvelope{
		Sequence:       e.sequence,
		IdempotencyKey: idempotencyKey,
		EventType:      evt.EventType(),
		Partition:      partition,
		Actor:          evt.Caller(),
		Timestamp:      evt.Time(),
		SourceSequence: sourceSequence,
		Payload:        payload,
		Result:         resultBytes,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	output := CoreOutput{
		Envelope:   envelope,
		Batch:      cmd.batch,
		StateDelta: stateDigest,
		Positions:  e.views(touched, evt.Time()),
		Queues:     e.queueStates(cmd.queues),
	}
	e.sequence++

	// Step 6: Emit outputs. Persistence blocks; projections drop when full
	// and catch up by rebuild.
	if e.persistChan != nil && !e.replaying {
		select {
		case e.persistChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.persistChan <- output
		}
	}
	if e.projectionChan != nil && !e.replaying {
		select {
		case e.projectionChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.ProjectionDrops.WithLabelValues("all").Inc()
			}
		}
	}

	// Step 7: Mark as processed
	e.dedup.Record(eventType, idempotencyKey)

	if e.metrics != nil {
		e.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
		e.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		e.metrics.CoreSequence.Set(float64(e.sequence))
		e.metrics.DedupLRUSize.Set(float64(e.dedup.recent.Len()))
		if cmd.batch != nil {
			for _, j := range cmd.batch.Journals {
				e.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
			}
		}
	}

	e.logger.Debug().
		Int64("sequence", envelope.Sequence).
		Str("event_type", eventType).
		Str("partition", partition).
		Msg("command applied")
	return envelope, nil
}

func isFeed(evt event.Event) bool {
	switch evt.(type) {
	case *event.PriceUpdate, *event.RateUpdate:
		return true
	}
	return false
}

func (e *Engine) recordOrdering(partition string, sourceSequence int64, isDuplicate bool) {
	if e.metrics == nil {
		return
	}
	// label by partition kind; account partitions are unbounded
	kind, _, _ := strings.Cut(partition, ":")
	expected := e.sequenceValidator.GetExpectedSequence(partition)
	switch {
	case sourceSequence > expected:
		e.metrics.EventSequenceGap.WithLabelValues(kind).Inc()
	case sourceSequence < expected && !isDuplicate:
		e.metrics.EventOutOfOrder.WithLabelValues(kind).Inc()
	}
}

func (e *Engine) reject(eventType, reason string) {
	if e.metrics != nil {
		e.metrics.CoreEventsRejected.WithLabelValues(eventType, reason).Inc()
	}
}

// computeStateDigest creates canonical bytes for the state hash: every
// account the batch moved with its balance, then every touched position.
func (e *Engine) computeStateDigest(batch *ledger.Batch, touched []*state.Position) []byte {
	affectedAccounts := make(map[ledger.AccountKey]bool)
	if batch != nil {
		for _, j := range batch.Journals {
			affectedAccounts[j.DebitAccount] = true
			affectedAccounts[j.CreditAccount] = true
		}
	}

	accounts := make([]ledger.AccountKey, 0, len(affectedAccounts))
	for key := range affectedAccounts {
		accounts = append(accounts, key)
	}
	sort.Slice(accounts, func(i, j int) bool {
		return accounts[i].AccountPath() < accounts[j].AccountPath()
	})

	digest := make([]byte, 0, len(accounts)*64+len(touched)*160)
	for _, key := range accounts {
		path := key.AccountPath()
		digest = append(digest, byte(len(path)))
		digest = append(digest, []byte(path)...)
		digest = appendInt64LE(digest, e.book.Balance(key))
	}

	positions := append([]*state.Position(nil), touched...)
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].ID.String() < positions[j].ID.String()
	})
	for _, p := range positions {
		digest = append(digest, p.CanonicalBytes()...)
	}
	return digest
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}

// postCheckInvariants checks the accounting identity of every touched
// position and, periodically, that each asset sums to zero and that the
// pool receivables match the positions behind them.
func (e *Engine) postCheckInvariants(touched []*state.Position) error {
	for _, p := range touched {
		residual, err := p.IdentityResidual()
		if err != nil {
			return fmt.Errorf("position %s: %w", p.ID, err)
		}
		if residual > 1 || residual < -1 {
			return fmt.Errorf("position %s: accounting identity off by %d", p.ID, residual)
		}
	}

	if e.sequence > 0 && e.sequence%e.cfg.GlobalCheckEvery == 0 {
		if err := e.validator.ValidateGlobalBalance(); err != nil {
			return fmt.Errorf("at seq %d: %w", e.sequence, err)
		}
		if err := e.positions.CheckReceivables(e.cfg.BackingPool); err != nil {
			return fmt.Errorf("at seq %d: %w", e.sequence, err)
		}
		e.refreshGauges()
	}
	return nil
}

func (e *Engine) views(touched []*state.Position, now time.Time) []*state.PositionView {
	if len(touched) == 0 {
		return nil
	}
	out := make([]*state.PositionView, 0, len(touched))
	for _, p := range touched {
		v, err := e.positions.ViewOf(p, now)
		if err != nil {
			e.logger.Error().Err(err).Str("position_id", p.ID.String()).Msg("position view failed")
			continue
		}
		out = append(out, v)
	}
	return out
}

func (e *Engine) queueStates(names map[string]bool) map[string]withdrawal.State {
	if len(names) == 0 {
		return nil
	}
	out := make(map[string]withdrawal.State, len(names))
	for name := range names {
		if q, err := e.baseQueue(name); err == nil {
			out[name] = q.Snapshot()
		}
	}
	return out
}

// refreshGauges recomputes the level metrics that are too costly per command.
func (e *Engine) refreshGauges() {
	if e.metrics == nil {
		return
	}
	counts := map[state.PositionStatus]int{}
	for _, p := range e.positions.All() {
		counts[p.Status]++
	}
	for _, s := range []state.PositionStatus{
		state.PositionStatusActive, state.PositionStatusRedeemed, state.PositionStatusForeclosed,
	} {
		e.metrics.PositionsByStatus.WithLabelValues(s.String()).Set(float64(counts[s]))
	}
	for class, q := range e.conversions {
		e.metrics.TriggerQueueDepth.WithLabelValues(class).Set(float64(q.Trigger().Len()))
		e.metrics.WithdrawalsPending.WithLabelValues(q.Name()).Set(float64(q.Pending()))
	}
	e.metrics.WithdrawalsPending.WithLabelValues(e.backing.Name()).Set(float64(e.backing.Pending()))
	e.metrics.WithdrawalsPending.WithLabelValues(e.forfeitQueue.Name()).Set(float64(e.forfeitQueue.Pending()))
}

// ErrUnknownQueue is returned for a queue or pool name the engine does not run.
var ErrUnknownQueue = errors.New("unknown queue")

// baseQueue resolves a queue name to its request log.
func (e *Engine) baseQueue(name string) (*withdrawal.Queue, error) {
	switch name {
	case e.backing.Name():
		return e.backing.Queue, nil
	case e.forfeitQueue.Name():
		return e.forfeitQueue.Queue, nil
	}
	for _, q := range e.conversions {
		if q.Name() == name {
			return q.Queue, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, name)
}

func (e *Engine) conversionQueue(class string) (*conversion.Queue, error) {
	q, ok := e.conversions[class]
	if !ok {
		return nil, fmt.Errorf("%w: no conversion queue for %s", ErrUnknownQueue, class)
	}
	return q, nil
}

func (e *Engine) vault(pool string) (*withdrawal.Vault, error) {
	switch pool {
	case e.backingVault.Name():
		return e.backingVault, nil
	case e.forfeitVault.Name():
		return e.forfeitVault, nil
	}
	return nil, fmt.Errorf("%w: no pool %s", ErrUnknownQueue, pool)
}

// GetSequence returns the next global sequence to assign.
func (e *Engine) GetSequence() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (e *Engine) GetStateHash() [32]byte {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.chain.Tip()
}
