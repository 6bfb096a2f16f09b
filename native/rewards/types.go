package rewards

// RewardPool is the singleton record holding reward rates and cumulative
// distribution accounting.
type RewardPool struct {
	Authority        [20]byte
	TotalRewards     uint64
	TotalDistributed uint64
	UploadRewardRate uint64 // units per GB
	NodeRewardRate   uint64 // units per hour
	SeedRewardRate   uint64 // units per hour
}

// Clone returns a copy of the pool.
func (p *RewardPool) Clone() *RewardPool {
	if p == nil {
		return nil
	}
	clone := *p
	return &clone
}

// Ledger tracks a single participant's spendable balance, stake and usage
// counters. Balance and StakedAmount are disjoint.
type Ledger struct {
	Owner              [20]byte
	Balance            uint64
	StakedAmount       uint64
	TotalUploaded      uint64 // GB
	TotalConsumed      uint64 // units
	SeedingHours       uint64
	NodeOperationHours uint64
	ReputationScore    uint32 // 0-1000, reserved
}

// Clone returns a copy of the ledger.
func (l *Ledger) Clone() *Ledger {
	if l == nil {
		return nil
	}
	clone := *l
	return &clone
}

func newLedger(owner [20]byte) *Ledger {
	return &Ledger{Owner: owner}
}

// Result carries the records written by a successful operation. Pool is nil
// for operations that do not touch the reward pool.
type Result struct {
	Ledger *Ledger
	Pool   *RewardPool
	Amount uint64
}
