package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"thunderfuel/core/events"
	"thunderfuel/core/identity"
	"thunderfuel/core/state"
	"thunderfuel/core/tx"
	"thunderfuel/crypto"
	"thunderfuel/native/rewards"
	"thunderfuel/observability/metrics"
	telemetry "thunderfuel/observability/otel"
	"thunderfuel/storage"
)

var (
	// ErrNonceMismatch is returned when an operation does not carry the
	// caller's next expected nonce.
	ErrNonceMismatch = errors.New("core: nonce mismatch")
	// ErrNilDatabase is returned by NewExecutor without a backing store.
	ErrNilDatabase = errors.New("core: database required")
)

// Outcome codes reported for host-level rejections. Accounting failures use
// the rewards codes.
const (
	CodeUnauthorized = "Unauthorized"
	CodeBadNonce     = "BadNonce"
	CodeInvalid      = "Invalid"
	CodeCanceled     = "Canceled"
)

// OutcomeCode classifies err for receipts, logs and metrics.
func OutcomeCode(err error) string {
	switch {
	case err == nil:
		return rewards.CodeOK
	case errors.Is(err, identity.ErrUnauthorized), errors.Is(err, identity.ErrMalformedSignature):
		return CodeUnauthorized
	case errors.Is(err, ErrNonceMismatch):
		return CodeBadNonce
	case errors.Is(err, tx.ErrUnknownKind):
		return CodeInvalid
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CodeCanceled
	default:
		return rewards.Code(err)
	}
}

// Receipt describes a committed operation.
type Receipt struct {
	Kind   tx.Kind
	Caller [20]byte
	Nonce  uint64
	// Amount is the units credited, debited or moved by the operation. It is
	// zero for initialize.
	Amount uint64
	Events []state.EventRecord
	Ledger *rewards.Ledger
	Pool   *rewards.RewardPool
}

// Executor is the host for the rewards engine. It authenticates each
// operation, serialises access to the records it touches, and commits the
// record updates together with their events or not at all.
//
// Operations on distinct ledgers that do not touch the pool run in parallel.
// Every operation touching the pool is serialised on it.
type Executor struct {
	db       storage.Database
	root     common.Hash
	network  string
	verifier identity.Verifier
	locks    *recordLocks
	stream   *EventStream
	logger   *slog.Logger
	metrics  *metrics.RewardsMetrics
	tracer   trace.Tracer

	// commitMu orders event sequence assignment, the batch write and stream
	// publication so subscribers observe the log order.
	commitMu sync.Mutex
}

// NewExecutor returns an executor over db scoped to network. A nil verifier
// requires a valid secp256k1 signature on every operation.
func NewExecutor(db storage.Database, network string, verifier identity.Verifier) (*Executor, error) {
	if db == nil {
		return nil, ErrNilDatabase
	}
	if verifier == nil {
		verifier = identity.SignatureVerifier{}
	}
	return &Executor{
		db:       db,
		root:     state.RootID(network),
		network:  network,
		verifier: verifier,
		locks:    newRecordLocks(),
		stream:   NewEventStream(),
		logger:   slog.Default(),
		tracer:   telemetry.Tracer(),
	}, nil
}

// SetLogger overrides the structured logger.
func (x *Executor) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	x.logger = logger
}

// SetMetrics enables prometheus instrumentation.
func (x *Executor) SetMetrics(m *metrics.RewardsMetrics) { x.metrics = m }

// Root returns the network root identifier scoping every record.
func (x *Executor) Root() common.Hash { return x.root }

// Network returns the configured network name.
func (x *Executor) Network() string { return x.network }

// Apply authenticates and executes op. On error nothing is persisted and no
// event is published.
func (x *Executor) Apply(ctx context.Context, op *tx.Operation) (receipt *Receipt, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	kind := ""
	if op != nil {
		kind = string(op.Kind)
	}
	ctx, span := x.tracer.Start(ctx, "rewards.apply", trace.WithAttributes(
		attribute.String("rewards.operation", kind),
		attribute.String("rewards.network", x.network),
	))
	defer func() {
		outcome := OutcomeCode(err)
		span.SetAttributes(attribute.String("rewards.outcome", outcome))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
		span.End()
		x.metrics.ObserveOperation(kind, outcome, time.Since(start))
		x.logResult(op, receipt, outcome, err)
	}()

	if err := op.ValidateBasic(); err != nil {
		return nil, err
	}
	digest, err := op.SigningHash()
	if err != nil {
		return nil, err
	}
	if err := x.verifier.Verify(op.Caller, digest, op.Signature); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	unlock := x.locks.acquire(x.lockKeys(op)...)
	defer unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	txn := state.NewTxn(x.db)
	committed := false
	defer func() {
		if !committed {
			txn.Discard()
		}
	}()
	mgr := state.NewManager(txn, x.root)

	expected, err := mgr.NonceGet(op.Caller)
	if err != nil {
		return nil, err
	}
	if op.Nonce != expected {
		return nil, fmt.Errorf("%w: have %d, want %d", ErrNonceMismatch, op.Nonce, expected)
	}

	buffer := &events.Buffer{}
	engine := rewards.NewEngine()
	engine.SetState(mgr)
	engine.SetEmitter(buffer)

	receipt = &Receipt{Kind: op.Kind, Caller: op.Caller, Nonce: op.Nonce}
	if err := dispatch(engine, op, receipt); err != nil {
		return nil, err
	}
	if err := mgr.NoncePut(op.Caller, expected+1); err != nil {
		return nil, err
	}

	x.commitMu.Lock()
	defer x.commitMu.Unlock()
	records, err := mgr.AppendEvents(buffer.Drain())
	if err != nil {
		return nil, err
	}
	if err := txn.Commit(); err != nil {
		return nil, fmt.Errorf("commit %s: %w", op.Kind, err)
	}
	committed = true
	receipt.Events = records
	x.stream.publish(records)
	x.recordAmounts(op.Kind, receipt.Amount)
	x.metrics.AddEvents(len(records))
	return receipt, nil
}

func dispatch(engine *rewards.Engine, op *tx.Operation, receipt *Receipt) error {
	var (
		result *rewards.Result
		err    error
	)
	switch op.Kind {
	case tx.KindInitialize:
		pool, err := engine.Initialize(op.Caller)
		if err != nil {
			return err
		}
		receipt.Pool = pool
		return nil
	case tx.KindRewardUpload:
		result, err = engine.RewardUpload(op.Caller, op.SizeGB, op.Rarity)
	case tx.KindRewardSuperNode:
		result, err = engine.RewardSuperNode(op.Caller, op.DurationHours, op.Uptime)
	case tx.KindRewardSeeding:
		result, err = engine.RewardSeeding(op.Caller, op.DurationHours, op.Popularity)
	case tx.KindConsumeForSpeed:
		result, err = engine.ConsumeForSpeed(op.Caller, op.Amount)
	case tx.KindStakeForNode:
		result, err = engine.StakeForNode(op.Caller, op.Amount)
	case tx.KindUnstakeTokens:
		result, err = engine.UnstakeTokens(op.Caller, op.Amount)
	default:
		return fmt.Errorf("%w: %q", tx.ErrUnknownKind, op.Kind)
	}
	if err != nil {
		return err
	}
	receipt.Ledger = result.Ledger
	receipt.Pool = result.Pool
	receipt.Amount = result.Amount
	return nil
}

// lockKeys returns the records op writes in acquisition order: pool first,
// then the caller's ledger. The ledger key is taken for every kind, including
// initialize, because it also guards the caller's nonce.
func (x *Executor) lockKeys(op *tx.Operation) []string {
	keys := make([]string, 0, 2)
	if op.Kind.TouchesPool() {
		keys = append(keys, string(state.PoolKey(x.root)))
	}
	keys = append(keys, string(state.LedgerKey(x.root, op.Caller)))
	return keys
}

func (x *Executor) recordAmounts(kind tx.Kind, amount uint64) {
	switch kind {
	case tx.KindRewardUpload, tx.KindRewardSuperNode, tx.KindRewardSeeding, tx.KindUnstakeTokens:
		x.metrics.AddCredited(string(kind), amount)
	case tx.KindConsumeForSpeed, tx.KindStakeForNode:
		x.metrics.AddDebited(string(kind), amount)
	}
}

func (x *Executor) logResult(op *tx.Operation, receipt *Receipt, outcome string, err error) {
	if x.logger == nil || op == nil {
		return
	}
	attrs := []any{
		slog.String("operation", string(op.Kind)),
		slog.String("caller", crypto.FromRaw(op.Caller).String()),
		slog.String("outcome", outcome),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		x.logger.Warn("rewards operation rejected", attrs...)
		return
	}
	if receipt != nil && len(receipt.Events) > 0 {
		attrs = append(attrs, slog.Uint64("sequence", receipt.Events[len(receipt.Events)-1].Sequence))
	}
	x.logger.Info("rewards operation applied", attrs...)
}

func (x *Executor) reader() (*state.Manager, func()) {
	txn := state.NewTxn(x.db)
	return state.NewManager(txn, x.root), txn.Discard
}

// Pool returns the committed reward pool.
func (x *Executor) Pool() (*rewards.RewardPool, error) {
	mgr, done := x.reader()
	defer done()
	engine := rewards.NewEngine()
	engine.SetState(mgr)
	return engine.Pool()
}

// Ledger returns the committed ledger for owner.
func (x *Executor) Ledger(owner [20]byte) (*rewards.Ledger, error) {
	mgr, done := x.reader()
	defer done()
	engine := rewards.NewEngine()
	engine.SetState(mgr)
	return engine.Ledger(owner)
}

// NextNonce returns the nonce the caller's next operation must carry.
func (x *Executor) NextNonce(caller [20]byte) (uint64, error) {
	mgr, done := x.reader()
	defer done()
	return mgr.NonceGet(caller)
}

// EventsSince returns committed events with a sequence greater than after.
func (x *Executor) EventsSince(after uint64, limit int) ([]state.EventRecord, error) {
	return state.EventsSince(x.db, x.root, after, limit)
}

// LastSequence returns the sequence of the newest committed event.
func (x *Executor) LastSequence() (uint64, error) {
	return state.LastSequence(x.db, x.root)
}

// Subscribe streams committed events with a sequence greater than after. The
// backlog is read from the durable log while publication is paused, so the
// backlog and the live channel neither overlap nor leave a gap. Live delivery
// is best effort: a subscriber that falls behind misses events and should
// resume from the log using the last sequence it saw.
func (x *Executor) Subscribe(ctx context.Context, after uint64) (<-chan state.EventRecord, func(), []state.EventRecord, error) {
	x.commitMu.Lock()
	defer x.commitMu.Unlock()
	backlog, err := x.EventsSince(after, 0)
	if err != nil {
		return nil, nil, nil, err
	}
	updates, cancel := x.stream.subscribe(ctx)
	return updates, cancel, backlog, nil
}
