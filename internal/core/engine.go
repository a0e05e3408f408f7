package core

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"sort"
	"time"

	"CDPLedger/internal/cdp"
	"CDPLedger/internal/event"
	"CDPLedger/internal/ledger"
	fpmath "CDPLedger/internal/math"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/ops"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// systemPartition orders SystemParamsUpdate events
	systemPartition = "system"

	// priceFeed names the single collateral price feed
	priceFeed = "collateral"

	// globalCheckInterval is how often (in events) the zero-sum check runs
	globalCheckInterval = 1000
)

// CollateralCatalog resolves a collateral type name to its risk parameters
type CollateralCatalog interface {
	Lookup(name string) (cdp.Config, bool)
}

// SystemParams is the system-wide part of every operation context
type SystemParams struct {
	EmergencyShutdown bool
	MaxAmountAllowed  fpmath.Amount // zero = no cap
	SafetyBuffer      fpmath.Ratio
}

// PriceState is the latest accepted collateral price
type PriceState struct {
	Price         fpmath.Amount
	ConfidenceBps uint32
	Sequence      int64
	Timestamp     int64
}

// IsSet reports whether a usable price has been received
func (p PriceState) IsSet() bool {
	return p.Price.Sign() > 0
}

// Config configures a DeterministicCore
type Config struct {
	StartSequence         int64
	LRUCapacity           int
	MinPriceConfidenceBps uint32
	Params                SystemParams
}

// DeterministicCore is the single-threaded event processor. It owns the
// canonical in-memory CDP book and drives the pure operation functions.
type DeterministicCore struct {
	sequence          int64
	hasher            *StateHasher
	balanceTracker    *ledger.BalanceTracker
	journalGen        *ledger.JournalGenerator
	validator         *ledger.InvariantValidator
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	catalog           CollateralCatalog
	metrics           *observability.Metrics
	logger            zerolog.Logger

	cdps          map[uuid.UUID]cdp.CDP
	price         PriceState
	params        SystemParams
	minConfidence uint32

	// replaying suppresses the Postgres dedup tier and all channel output
	replaying bool

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// CoreOutput is everything the shell needs to persist and project one event
type CoreOutput struct {
	Envelope  *event.EventEnvelope
	Event     event.Event
	Batch     *ledger.Batch // nil for state-only events
	CDPs      []cdp.CDP     // CDPs written by this event, ordered by id
	Result    *ops.Result   // successful operations only
	Rejection *RejectedError
	Price     *PriceState // set when a price was applied
	Params    *SystemParams
}

// RejectedError reports an event the core recorded but refused. The state
// is unchanged. Err is a cdp.Error for core validation failures.
type RejectedError struct {
	EventType string
	Code      string
	Err       error
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s rejected (%s): %v", e.EventType, e.Code, e.Err)
}

func (e *RejectedError) Unwrap() error {
	return e.Err
}

func reject(code, format string, args ...interface{}) *RejectedError {
	return &RejectedError{Code: code, Err: fmt.Errorf(format, args...)}
}

// applied is the outcome of a successful dispatch
type applied struct {
	batch     *ledger.Batch
	cdps      []cdp.CDP
	result    *ops.Result
	price     *PriceState
	params    *SystemParams
	rejection *RejectedError
}

func NewDeterministicCore(
	cfg Config,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	catalog CollateralCatalog,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *DeterministicCore {
	balanceTracker := ledger.NewBalanceTracker()

	capacity := cfg.LRUCapacity
	if capacity <= 0 {
		capacity = 1_000_000
	}

	return &DeterministicCore{
		sequence:          cfg.StartSequence,
		hasher:            NewStateHasher(),
		balanceTracker:    balanceTracker,
		journalGen:        ledger.NewJournalGenerator(cfg.StartSequence),
		validator:         ledger.NewInvariantValidator(balanceTracker),
		idempotency:       NewIdempotencyChecker(capacity, dbChecker),
		sequenceValidator: NewSequenceValidator(),
		catalog:           catalog,
		metrics:           metrics,
		logger:            logger,
		cdps:              make(map[uuid.UUID]cdp.CDP),
		params:            cfg.Params,
		minConfidence:     cfg.MinPriceConfidenceBps,
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}
}

// ProcessEvent is the main processing pipeline. It returns nil for applied,
// duplicate and ignored events, a *RejectedError for recorded rejections, and
// any other error for events that were not recorded at all.
func (c *DeterministicCore) ProcessEvent(evt event.Event) error {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	// Step 1: Idempotency check (two-tier)
	dedup := c.idempotency.IsDuplicate(eventType, idempotencyKey, c.replaying)
	if dedup.Tier2Err != nil {
		c.logger.Warn().Err(dedup.Tier2Err).Str("event_type", eventType).Msg("postgres dedup lookup failed")
		if c.metrics != nil {
			c.metrics.DedupTier2Errors.Inc()
		}
	}
	isDuplicate, tier := dedup.Duplicate, dedup.Tier

	// Step 2: Ordering
	switch e := evt.(type) {
	case *event.PriceUpdate:
		if isDuplicate {
			c.recordDuplicate(eventType, tier)
			return nil
		}
		if reason, ok := c.admitPrice(e); !ok {
			c.logger.Debug().
				Int64("price_sequence", e.PriceSequence).
				Str("reason", reason).
				Msg("price update ignored")
			if c.metrics != nil {
				c.metrics.PricesIgnored.WithLabelValues(reason).Inc()
			}
			return nil
		}
	case *event.SystemParamsUpdate:
		if err := c.sequenceValidator.ValidateSequence(systemPartition, e.Sequence, isDuplicate); err != nil {
			if c.metrics != nil {
				c.metrics.CoreEventsRejected.WithLabelValues(eventType, "sequence").Inc()
			}
			return fmt.Errorf("sequence validation failed: %w", err)
		}
	}

	if isDuplicate {
		c.recordDuplicate(eventType, tier)
		return nil
	}

	// Step 3: Dispatch
	result, err := c.dispatchEvent(evt)
	if err != nil {
		rejection, ok := asRejection(err)
		if !ok {
			return fmt.Errorf("dispatch failed: %w", err)
		}
		rejection.EventType = eventType
		result = applied{rejection: rejection}
	}

	// Step 4-8: Apply, verify, hash
	output, err := c.seal(evt, result)
	if err != nil {
		return err
	}

	// Step 9: Emit
	c.emit(output)

	// Step 10: Mark as processed
	c.idempotency.MarkProcessed(eventType, idempotencyKey)

	c.recordApplied(eventType, output, start)

	if output.Rejection != nil {
		c.logger.Debug().
			Str("event_type", eventType).
			Str("key", idempotencyKey).
			Str("code", output.Rejection.Code).
			Err(output.Rejection.Err).
			Msg("event rejected")
		return output.Rejection
	}
	return nil
}

// asRejection classifies err as a recorded rejection: core validation
// errors and the shell's own preconditions.
func asRejection(err error) (*RejectedError, bool) {
	var rejection *RejectedError
	if errors.As(err, &rejection) {
		return rejection, true
	}
	var coreErr cdp.Error
	if errors.As(err, &coreErr) {
		return &RejectedError{Code: coreErr.Code(), Err: err}, true
	}
	return nil, false
}

// admitPrice filters unusable and stale price updates before they are
// sequenced. Ignored prices are not recorded.
func (c *DeterministicCore) admitPrice(e *event.PriceUpdate) (reason string, ok bool) {
	if e.Price.Sign() <= 0 {
		return "non_positive", false
	}
	if e.ConfidenceBps < c.minConfidence {
		return "low_confidence", false
	}
	accepted, gap := c.sequenceValidator.ValidatePriceSequence(priceFeed, e.PriceSequence)
	if !accepted {
		return "stale", false
	}
	if gap && c.metrics != nil {
		c.metrics.PriceGaps.Inc()
	}
	return "", true
}

// seal applies a dispatch outcome to the in-memory state and builds the
// hashed output.
func (c *DeterministicCore) seal(evt event.Event, a applied) (CoreOutput, error) {
	if a.batch != nil && len(a.batch.Journals) > 0 {
		if err := c.validator.ValidateBatchBalance(a.batch); err != nil {
			panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
		}
		if err := c.balanceTracker.ApplyBatch(a.batch); err != nil {
			return CoreOutput{}, fmt.Errorf("apply batch failed: %w", err)
		}
		if c.metrics != nil {
			for _, j := range a.batch.Journals {
				c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
			}
		}
	}

	touched := sortedCDPs(a.cdps)
	for _, updated := range touched {
		c.commit(updated)
	}

	if err := c.postCheckInvariants(touched); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	digest := c.computeStateDigest(a, touched)
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, digest)

	envelope := &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: evt.IdempotencyKey(),
		EventType:      evt.EventType(),
		CDPID:          evt.AffectedCDP(),
		Timestamp:      time.Unix(evt.OccurredAt(), 0).UTC(),
		SourceSequence: evt.SourceSequence(),
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	c.sequence++

	return CoreOutput{
		Envelope:  envelope,
		Event:     evt,
		Batch:     a.batch,
		CDPs:      touched,
		Result:    a.result,
		Rejection: a.rejection,
		Price:     a.price,
		Params:    a.params,
	}, nil
}

// commit stores the next value of a CDP and tracks state transitions
func (c *DeterministicCore) commit(next cdp.CDP) {
	prev, existed := c.cdps[next.ID]
	c.cdps[next.ID] = next

	prevKind := ""
	if existed {
		prevKind = prev.State.Kind().String()
	}
	nextKind := next.State.Kind().String()
	if prevKind == nextKind {
		return
	}

	if existed {
		c.logger.Info().
			Str("cdp_id", next.ID.String()).
			Str("from", prevKind).
			Str("to", nextKind).
			Int64("version", next.Version).
			Msg("cdp state changed")
	}

	if c.metrics != nil {
		if existed {
			c.metrics.CDPsByState.WithLabelValues(prevKind).Dec()
			c.metrics.StateTransitions.WithLabelValues(prevKind, nextKind).Inc()
		}
		c.metrics.CDPsByState.WithLabelValues(nextKind).Inc()
	}
}

// emit sends to the persist channel (blocking: backpressure) and the
// projection channel (non-blocking: projections rebuild from the log).
func (c *DeterministicCore) emit(output CoreOutput) {
	if c.replaying {
		return
	}

	if c.persistChan != nil {
		c.persistChan <- output
	}

	if c.projectionChan != nil {
		select {
		case c.projectionChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.WithLabelValues("core").Inc()
			}
		}
	}
}

func (c *DeterministicCore) recordDuplicate(eventType, tier string) {
	if c.metrics != nil {
		c.metrics.IdempotencyDuplicates.WithLabelValues(eventType, tier).Inc()
		c.metrics.CoreEventsRejected.WithLabelValues(eventType, "duplicate").Inc()
	}
}

func (c *DeterministicCore) recordApplied(eventType string, output CoreOutput, start time.Time) {
	if c.metrics == nil {
		return
	}

	if output.Rejection != nil {
		c.metrics.CoreEventsRejected.WithLabelValues(eventType, output.Rejection.Code).Inc()
		if op, ok := output.Event.(*event.OperationRequested); ok {
			c.metrics.OperationsRejected.WithLabelValues(op.Kind.String(), output.Rejection.Code).Inc()
		}
	} else {
		c.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
	}

	if output.Result != nil {
		kind := output.Result.Kind.String()
		c.metrics.OperationsApplied.WithLabelValues(kind).Inc()
		units := output.Result.AffectedAmount.Big()
		units.Quo(units, fpmath.ScaleInt())
		c.metrics.OperationAmount.WithLabelValues(kind).Add(float64(units.Int64()))
	}

	if output.Price != nil {
		units, _ := new(big.Float).Quo(
			new(big.Float).SetInt(output.Price.Price.Big()),
			new(big.Float).SetInt(fpmath.ScaleInt()),
		).Float64()
		c.metrics.CollateralPrice.Set(units)
	}

	if output.Params != nil {
		flag := 0.0
		if output.Params.EmergencyShutdown {
			flag = 1.0
		}
		c.metrics.EmergencyActive.Set(flag)
	}

	c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	c.metrics.CoreSequence.Set(float64(c.sequence))
	c.metrics.DedupLRUSize.Set(float64(c.idempotency.Size()))
}

// computeStateDigest creates canonical bytes for the state hash: every
// account touched by the batch with its new balance, every written CDP, and
// the price, params or rejection the event carried.
func (c *DeterministicCore) computeStateDigest(a applied, touched []cdp.CDP) []byte {
	affectedAccounts := make(map[ledger.AccountKey]bool)
	if a.batch != nil {
		for _, j := range a.batch.Journals {
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

	digest := make([]byte, 0, len(accounts)*96+len(touched)*192)

	for _, key := range accounts {
		digest = appendString(digest, key.AccountPath())
		digest = appendString(digest, c.balanceTracker.GetBalance(key).String())
	}

	for _, updated := range touched {
		digest = append(digest, updated.CanonicalBytes()...)
	}

	if a.price != nil {
		digest = appendString(digest, a.price.Price.String())
		digest = appendInt64LE(digest, a.price.Sequence)
	}

	if a.params != nil {
		if a.params.EmergencyShutdown {
			digest = append(digest, 1)
		} else {
			digest = append(digest, 0)
		}
		digest = appendString(digest, a.params.MaxAmountAllowed.String())
		digest = appendInt64LE(digest, int64(a.params.SafetyBuffer.Bps()))
	}

	if a.rejection != nil {
		digest = appendString(digest, a.rejection.Code)
	}

	return digest
}

func appendString(buf []byte, s string) []byte {
	buf = appendInt64LE(buf, int64(len(s)))
	return append(buf, s...)
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

// postCheckInvariants reconciles every written CDP against the ledger and
// periodically verifies the ledger is zero-sum per asset.
func (c *DeterministicCore) postCheckInvariants(touched []cdp.CDP) error {
	for _, updated := range touched {
		if err := c.validator.ReconcileCDP(updated); err != nil {
			return fmt.Errorf("post-check reconcile: %w", err)
		}
	}

	if c.sequence > 0 && c.sequence%globalCheckInterval == 0 {
		if err := c.validator.ValidateGlobalBalance(); err != nil {
			return fmt.Errorf("post-check zero-sum at seq %d: %w", c.sequence, err)
		}
	}

	return nil
}

func sortedCDPs(in []cdp.CDP) []cdp.CDP {
	out := slices.Clone(in)
	slices.SortFunc(out, func(a, b cdp.CDP) int {
		return bytes.Compare(a.ID[:], b.ID[:])
	})
	return out
}

func (c *DeterministicCore) sortedIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(c.cdps))
	for id := range c.cdps {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b uuid.UUID) int {
		return bytes.Compare(a[:], b[:])
	})
	return ids
}

// operationContext snapshots the system state for one operation
func (c *DeterministicCore) operationContext(ts fpmath.Timestamp) ops.Context {
	return ops.Context{
		CollateralPrice:   c.price.Price,
		MaxAmountAllowed:  c.params.MaxAmountAllowed,
		EmergencyShutdown: c.params.EmergencyShutdown,
		CurrentTime:       ts,
		SafetyBuffer:      c.params.SafetyBuffer,
	}
}

// stampLiquidationPrice fills in the price at which a newly liquidating CDP
// crossed its threshold.
func stampLiquidationPrice(c cdp.CDP) cdp.CDP {
	if c.State.Kind() != cdp.StateLiquidating || c.State.LiquidationPrice().Sign() > 0 {
		return c
	}
	price, ok := cdp.LiquidationPrice(c.CollateralAmount, c.DebtAmount, c.Config.LiquidationRatio)
	if !ok {
		return c
	}
	return c.WithState(cdp.Liquidating(price))
}

func (c *DeterministicCore) handleOperationRequested(e *event.OperationRequested) (applied, error) {
	if !c.price.IsSet() {
		return applied{}, reject("no_price", "no collateral price available")
	}

	ts := fpmath.NewTimestamp(e.Timestamp)
	ctx := c.operationContext(ts)

	var (
		res ops.Result
		err error
	)

	if e.Kind == ops.KindCreate {
		if _, exists := c.cdps[e.CDPID]; exists {
			return applied{}, reject("cdp_exists", "cdp %s already exists", e.CDPID)
		}
		cfg, ok := c.catalog.Lookup(e.CollateralType)
		if !ok {
			return applied{}, reject("unknown_collateral_type", "unknown collateral type %q", e.CollateralType)
		}
		res, err = ops.Create(ops.CreateParams{
			ID:         e.CDPID,
			Owner:      e.Actor,
			Config:     cfg,
			Collateral: e.Amount,
			Debt:       e.Debt,
			Timestamp:  ts,
		}, ctx)
	} else {
		current, ok := c.cdps[e.CDPID]
		if !ok {
			return applied{}, reject("unknown_cdp", "cdp %s not found", e.CDPID)
		}
		if e.ExpectedVersion != 0 && e.ExpectedVersion != current.Version {
			return applied{}, reject("version_conflict", "cdp %s is at version %d, request expected %d",
				e.CDPID, current.Version, e.ExpectedVersion)
		}
		res, err = ops.Apply(ops.Operation{
			Kind: e.Kind,
			Params: ops.Params{
				CDP:       current,
				Amount:    e.Amount,
				Actor:     e.Actor,
				Timestamp: ts,
			},
		}, ctx)
	}
	if err != nil {
		return applied{}, err
	}

	res.UpdatedCDP = stampLiquidationPrice(res.UpdatedCDP)

	c.journalGen.SetSequence(c.sequence)
	batch, err := c.journalGen.GenerateForResult(res, e.IdempotencyKey())
	if err != nil {
		return applied{}, fmt.Errorf("generate journals: %w", err)
	}

	return applied{
		batch:  batch,
		cdps:   []cdp.CDP{res.UpdatedCDP},
		result: &res,
	}, nil
}

// handlePriceUpdate stores the price and re-derives the state of every open
// CDP. Health factors are refreshed in memory; only CDPs whose state kind
// changed are written.
func (c *DeterministicCore) handlePriceUpdate(e *event.PriceUpdate) (applied, error) {
	c.price = PriceState{
		Price:         e.Price,
		ConfidenceBps: e.ConfidenceBps,
		Sequence:      e.PriceSequence,
		Timestamp:     e.PriceTimestamp,
	}

	ts := fpmath.NewTimestamp(e.PriceTimestamp)
	var changed []cdp.CDP

	for _, id := range c.sortedIDs() {
		current := c.cdps[id]
		if current.State.Kind().IsTerminal() {
			continue
		}
		next, kindChanged := cdp.Reassess(current, e.Price, ts)
		next = stampLiquidationPrice(next)
		if kindChanged {
			changed = append(changed, next)
			continue
		}
		c.cdps[id] = next
	}

	price := c.price
	return applied{cdps: changed, price: &price}, nil
}

func (c *DeterministicCore) handleSystemParamsUpdate(e *event.SystemParamsUpdate) (applied, error) {
	c.params = SystemParams{
		EmergencyShutdown: e.EmergencyShutdown,
		MaxAmountAllowed:  e.MaxAmountAllowed,
		SafetyBuffer:      fpmath.NewRatio(e.SafetyBufferBps),
	}

	if e.EmergencyShutdown {
		c.logger.Warn().Int64("sequence", e.Sequence).Msg("emergency shutdown engaged")
	}

	params := c.params
	return applied{params: &params}, nil
}

func (c *DeterministicCore) handleLiquidationSettled(e *event.LiquidationSettled) (applied, error) {
	current, ok := c.cdps[e.CDPID]
	if !ok {
		return applied{}, reject("unknown_cdp", "cdp %s not found", e.CDPID)
	}

	updated, err := cdp.MarkLiquidated(current, fpmath.NewTimestamp(e.Timestamp))
	if err != nil {
		return applied{}, err
	}

	return applied{cdps: []cdp.CDP{updated}}, nil
}

func (c *DeterministicCore) dispatchEvent(evt event.Event) (applied, error) {
	switch e := evt.(type) {
	case *event.OperationRequested:
		return c.handleOperationRequested(e)
	case *event.PriceUpdate:
		return c.handlePriceUpdate(e)
	case *event.SystemParamsUpdate:
		return c.handleSystemParamsUpdate(e)
	case *event.LiquidationSettled:
		return c.handleLiquidationSettled(e)
	default:
		return applied{}, fmt.Errorf("unknown event type: %T", evt)
	}
}

// --- Read accessors (core goroutine only) ---

// GetCDP returns the in-memory CDP
func (c *DeterministicCore) GetCDP(id uuid.UUID) (cdp.CDP, bool) {
	v, ok := c.cdps[id]
	return v, ok
}

// GetPrice returns the latest accepted price
func (c *DeterministicCore) GetPrice() PriceState {
	return c.price
}

// GetParams returns the current system params
func (c *DeterministicCore) GetParams() SystemParams {
	return c.params
}

// GetBalanceTracker exposes the ledger balances
func (c *DeterministicCore) GetBalanceTracker() *ledger.BalanceTracker {
	return c.balanceTracker
}

// GetSequence returns the next sequence to assign
func (c *DeterministicCore) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip)
func (c *DeterministicCore) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}
