package rewards

import (
	"thunderfuel/core/events"
	"thunderfuel/core/types"
)

type engineState interface {
	RewardPoolGet() (*RewardPool, bool, error)
	RewardPoolCreate(pool *RewardPool) error
	RewardPoolPut(pool *RewardPool) error
	LedgerGet(owner [20]byte) (*Ledger, bool, error)
	LedgerPut(ledger *Ledger) error
}

// Engine applies reward, spend and stake transitions to the reward pool and
// participant ledgers. Every check and every arithmetic step runs before the
// first write, so a failed call leaves state untouched even without host
// rollback. Engine performs no locking; callers serialise access per record.
type Engine struct {
	state   engineState
	emitter events.Emitter
}

// NewEngine constructs an engine that discards events until an emitter is set.
func NewEngine() *Engine {
	return &Engine{emitter: events.NoopEmitter{}}
}

// SetState configures the state backend used by the engine.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetEmitter configures the event emitter used by the engine.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

func (e *Engine) emit(evt *types.Event) {
	if e == nil || evt == nil || e.emitter == nil {
		return
	}
	e.emitter.Emit(WrapEvent(evt))
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return ErrNilState
	}
	return nil
}

func (e *Engine) loadPool() (*RewardPool, error) {
	pool, ok, err := e.state.RewardPoolGet()
	if err != nil {
		return nil, err
	}
	if !ok || pool == nil {
		return nil, ErrPoolNotInitialized
	}
	return pool, nil
}

// loadLedger returns the owner's ledger, or a zero ledger and false when the
// owner has never been credited.
func (e *Engine) loadLedger(owner [20]byte) (*Ledger, bool, error) {
	ledger, ok, err := e.state.LedgerGet(owner)
	if err != nil {
		return nil, false, err
	}
	if !ok || ledger == nil {
		return newLedger(owner), false, nil
	}
	return ledger, true, nil
}

func (e *Engine) commit(ledger *Ledger, pool *RewardPool) error {
	if err := e.state.LedgerPut(ledger); err != nil {
		return err
	}
	if pool != nil {
		if err := e.state.RewardPoolPut(pool); err != nil {
			return err
		}
	}
	return nil
}

// Initialize creates the reward pool singleton with zero totals and the
// default rates.
func (e *Engine) Initialize(authority [20]byte) (*RewardPool, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	pool := &RewardPool{
		Authority:        authority,
		UploadRewardRate: DefaultUploadRewardRate,
		NodeRewardRate:   DefaultNodeRewardRate,
		SeedRewardRate:   DefaultSeedRewardRate,
	}
	if err := e.state.RewardPoolCreate(pool); err != nil {
		return nil, err
	}
	e.emit(PoolInitializedEvent(pool))
	return pool.Clone(), nil
}

// RewardUpload credits sizeGB * upload rate * rarityMultiplier units to the
// user and records the distribution on the pool. The ledger is created on
// first credit.
func (e *Engine) RewardUpload(user [20]byte, sizeGB, rarityMultiplier uint64) (*Result, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	pool, err := e.loadPool()
	if err != nil {
		return nil, err
	}
	ledger, _, err := e.loadLedger(user)
	if err != nil {
		return nil, err
	}

	base, err := checkedMul(sizeGB, pool.UploadRewardRate)
	if err != nil {
		return nil, err
	}
	total, err := checkedMul(base, rarityMultiplier)
	if err != nil {
		return nil, err
	}
	balance, err := checkedAdd(ledger.Balance, total)
	if err != nil {
		return nil, err
	}
	uploaded, err := checkedAdd(ledger.TotalUploaded, sizeGB)
	if err != nil {
		return nil, err
	}
	distributed, err := checkedAdd(pool.TotalDistributed, total)
	if err != nil {
		return nil, err
	}

	ledger.Balance = balance
	ledger.TotalUploaded = uploaded
	pool.TotalDistributed = distributed
	if err := e.commit(ledger, pool); err != nil {
		return nil, err
	}
	e.emit(UploadRewardEvent(user, total, sizeGB, rarityMultiplier))
	return &Result{Ledger: ledger.Clone(), Pool: pool.Clone(), Amount: total}, nil
}

// RewardSuperNode pays a staked super node operator for durationHours of
// service, scaled by the uptime bonus.
func (e *Engine) RewardSuperNode(user [20]byte, durationHours uint64, uptime uint8) (*Result, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	pool, err := e.loadPool()
	if err != nil {
		return nil, err
	}
	ledger, _, err := e.loadLedger(user)
	if err != nil {
		return nil, err
	}
	if ledger.StakedAmount < MinNodeStake {
		return nil, ErrInsufficientStake
	}
	if uptime < MinUptimePercent {
		return nil, ErrLowUptime
	}

	base, err := checkedMul(durationHours, pool.NodeRewardRate)
	if err != nil {
		return nil, err
	}
	final, err := applyPercent(base, UptimeBonusPercent(uptime))
	if err != nil {
		return nil, err
	}
	balance, err := checkedAdd(ledger.Balance, final)
	if err != nil {
		return nil, err
	}
	hours, err := checkedAdd(ledger.NodeOperationHours, durationHours)
	if err != nil {
		return nil, err
	}
	distributed, err := checkedAdd(pool.TotalDistributed, final)
	if err != nil {
		return nil, err
	}

	ledger.Balance = balance
	ledger.NodeOperationHours = hours
	pool.TotalDistributed = distributed
	if err := e.commit(ledger, pool); err != nil {
		return nil, err
	}
	e.emit(NodeRewardEvent(user, final, durationHours, uptime))
	return &Result{Ledger: ledger.Clone(), Pool: pool.Clone(), Amount: final}, nil
}

// RewardSeeding pays for durationHours of seeding a file, scaled by the file's
// popularity tier. The pool's TotalDistributed counter is not updated by this
// operation, unlike the upload and node rewards; integrators relying on that
// counter must add seeding payouts from the event log.
func (e *Engine) RewardSeeding(user [20]byte, durationHours uint64, popularity uint8) (*Result, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	pool, err := e.loadPool()
	if err != nil {
		return nil, err
	}
	ledger, _, err := e.loadLedger(user)
	if err != nil {
		return nil, err
	}

	base, err := checkedMul(durationHours, pool.SeedRewardRate)
	if err != nil {
		return nil, err
	}
	final, err := applyPercent(base, PopularityMultiplierPercent(popularity))
	if err != nil {
		return nil, err
	}
	balance, err := checkedAdd(ledger.Balance, final)
	if err != nil {
		return nil, err
	}
	hours, err := checkedAdd(ledger.SeedingHours, durationHours)
	if err != nil {
		return nil, err
	}

	ledger.Balance = balance
	ledger.SeedingHours = hours
	if err := e.commit(ledger, nil); err != nil {
		return nil, err
	}
	e.emit(SeedRewardEvent(user, final, durationHours, popularity))
	return &Result{Ledger: ledger.Clone(), Amount: final}, nil
}

// ConsumeForSpeed debits amount from the spendable balance in exchange for
// download acceleration.
func (e *Engine) ConsumeForSpeed(user [20]byte, amount uint64) (*Result, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	ledger, exists, err := e.loadLedger(user)
	if err != nil {
		return nil, err
	}
	if ledger.Balance < amount {
		return nil, ErrInsufficientBalance
	}
	balance, err := checkedSub(ledger.Balance, amount)
	if err != nil {
		return nil, err
	}
	consumed, err := checkedAdd(ledger.TotalConsumed, amount)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrLedgerNotFound
	}

	ledger.Balance = balance
	ledger.TotalConsumed = consumed
	if err := e.commit(ledger, nil); err != nil {
		return nil, err
	}
	e.emit(SpeedBoostEvent(user, amount, ledger.Balance))
	return &Result{Ledger: ledger.Clone(), Amount: amount}, nil
}

// StakeForNode moves amount from balance into stake. A single deposit must be
// at least MinNodeStake.
func (e *Engine) StakeForNode(user [20]byte, amount uint64) (*Result, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if amount < MinNodeStake {
		return nil, ErrInsufficientStake
	}
	ledger, _, err := e.loadLedger(user)
	if err != nil {
		return nil, err
	}
	if ledger.Balance < amount {
		return nil, ErrInsufficientBalance
	}
	balance, err := checkedSub(ledger.Balance, amount)
	if err != nil {
		return nil, err
	}
	staked, err := checkedAdd(ledger.StakedAmount, amount)
	if err != nil {
		return nil, err
	}

	ledger.Balance = balance
	ledger.StakedAmount = staked
	if err := e.commit(ledger, nil); err != nil {
		return nil, err
	}
	e.emit(StakeEvent(user, amount, ledger.StakedAmount))
	return &Result{Ledger: ledger.Clone(), Amount: amount}, nil
}

// UnstakeTokens moves amount from stake back into balance. There is no floor;
// stake may drop below MinNodeStake.
func (e *Engine) UnstakeTokens(user [20]byte, amount uint64) (*Result, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	ledger, exists, err := e.loadLedger(user)
	if err != nil {
		return nil, err
	}
	if ledger.StakedAmount < amount {
		return nil, ErrInsufficientStake
	}
	staked, err := checkedSub(ledger.StakedAmount, amount)
	if err != nil {
		return nil, err
	}
	balance, err := checkedAdd(ledger.Balance, amount)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrLedgerNotFound
	}

	ledger.StakedAmount = staked
	ledger.Balance = balance
	if err := e.commit(ledger, nil); err != nil {
		return nil, err
	}
	e.emit(UnstakeEvent(user, amount, ledger.StakedAmount))
	return &Result{Ledger: ledger.Clone(), Amount: amount}, nil
}

// Pool returns the current reward pool.
func (e *Engine) Pool() (*RewardPool, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	pool, err := e.loadPool()
	if err != nil {
		return nil, err
	}
	return pool.Clone(), nil
}

// Ledger returns the participant ledger for owner.
func (e *Engine) Ledger(owner [20]byte) (*Ledger, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	ledger, ok, err := e.state.LedgerGet(owner)
	if err != nil {
		return nil, err
	}
	if !ok || ledger == nil {
		return nil, ErrLedgerNotFound
	}
	return ledger.Clone(), nil
}
