package rewards

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"thunderfuel/core/events"
	"thunderfuel/core/types"
)

type mockState struct {
	pool    *RewardPool
	ledgers map[[20]byte]*Ledger
	puts    int
}

func newMockState() *mockState {
	return &mockState{ledgers: make(map[[20]byte]*Ledger)}
}

func (m *mockState) RewardPoolGet() (*RewardPool, bool, error) {
	if m.pool == nil {
		return nil, false, nil
	}
	return m.pool.Clone(), true, nil
}

func (m *mockState) RewardPoolCreate(pool *RewardPool) error {
	if m.pool != nil {
		return ErrPoolExists
	}
	m.puts++
	m.pool = pool.Clone()
	return nil
}

func (m *mockState) RewardPoolPut(pool *RewardPool) error {
	m.puts++
	m.pool = pool.Clone()
	return nil
}

func (m *mockState) LedgerGet(owner [20]byte) (*Ledger, bool, error) {
	ledger, ok := m.ledgers[owner]
	if !ok {
		return nil, false, nil
	}
	return ledger.Clone(), true, nil
}

func (m *mockState) LedgerPut(ledger *Ledger) error {
	m.puts++
	m.ledgers[ledger.Owner] = ledger.Clone()
	return nil
}

type recordingEmitter struct {
	events []*types.Event
}

func (r *recordingEmitter) Emit(evt events.Event) {
	r.events = append(r.events, evt.Event())
}

func (r *recordingEmitter) last() *types.Event {
	if len(r.events) == 0 {
		return nil
	}
	return r.events[len(r.events)-1]
}

var (
	authority = [20]byte{0xAA}
	alice     = [20]byte{0x01}
	bob       = [20]byte{0x02}
)

func newTestEngine(t *testing.T) (*Engine, *mockState, *recordingEmitter) {
	t.Helper()
	state := newMockState()
	emitter := &recordingEmitter{}
	engine := NewEngine()
	engine.SetState(state)
	engine.SetEmitter(emitter)
	if _, err := engine.Initialize(authority); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return engine, state, emitter
}

func seedLedger(state *mockState, ledger *Ledger) {
	state.ledgers[ledger.Owner] = ledger.Clone()
}

func TestInitializeSetsDefaults(t *testing.T) {
	engine, state, emitter := newTestEngine(t)
	pool := state.pool
	if pool.Authority != authority {
		t.Fatalf("unexpected authority")
	}
	if pool.TotalRewards != 0 || pool.TotalDistributed != 0 {
		t.Fatalf("expected zero totals, got %+v", pool)
	}
	if pool.UploadRewardRate != 2_000_000_000 || pool.NodeRewardRate != 5_000_000_000 || pool.SeedRewardRate != 100_000_000 {
		t.Fatalf("unexpected rates: %+v", pool)
	}
	if evt := emitter.last(); evt == nil || evt.Type != EventTypePoolInitialized {
		t.Fatalf("expected pool initialised event")
	}
	if _, err := engine.Initialize(bob); !errors.Is(err, ErrPoolExists) {
		t.Fatalf("expected duplicate initialisation to fail, got %v", err)
	}
}

func TestEngineRequiresState(t *testing.T) {
	engine := NewEngine()
	if _, err := engine.RewardUpload(alice, 1, 1); !errors.Is(err, ErrNilState) {
		t.Fatalf("expected ErrNilState, got %v", err)
	}
}

func TestRewardsRequireInitializedPool(t *testing.T) {
	engine := NewEngine()
	engine.SetState(newMockState())
	if _, err := engine.RewardUpload(alice, 1, 1); !errors.Is(err, ErrPoolNotInitialized) {
		t.Fatalf("expected ErrPoolNotInitialized, got %v", err)
	}
	if _, err := engine.RewardSeeding(alice, 1, 50); !errors.Is(err, ErrPoolNotInitialized) {
		t.Fatalf("expected ErrPoolNotInitialized, got %v", err)
	}
}

func TestRewardUploadCreditsLedgerAndPool(t *testing.T) {
	engine, state, emitter := newTestEngine(t)

	res, err := engine.RewardUpload(alice, 10, 3)
	if err != nil {
		t.Fatalf("reward upload: %v", err)
	}
	want := uint64(10) * 2_000_000_000 * 3
	if res.Amount != want {
		t.Fatalf("amount = %d, want %d", res.Amount, want)
	}
	ledger := state.ledgers[alice]
	if ledger == nil {
		t.Fatalf("expected ledger to be created on first credit")
	}
	if ledger.Balance != want || ledger.TotalUploaded != 10 {
		t.Fatalf("unexpected ledger: %+v", ledger)
	}
	if state.pool.TotalDistributed != want {
		t.Fatalf("distributed = %d, want %d", state.pool.TotalDistributed, want)
	}

	evt := emitter.last()
	if evt.Type != EventTypeUploadReward {
		t.Fatalf("unexpected event type %s", evt.Type)
	}
	if evt.Attributes["amount"] != "60000000000" || evt.Attributes["sizeGb"] != "10" || evt.Attributes["rarityMultiplier"] != "3" {
		t.Fatalf("unexpected attributes: %+v", evt.Attributes)
	}
	if evt.Attributes["user"] == "" {
		t.Fatalf("expected user attribute")
	}

	if _, err := engine.RewardUpload(alice, 5, 1); err != nil {
		t.Fatalf("second upload: %v", err)
	}
	if got := state.ledgers[alice].Balance; got != want+10_000_000_000 {
		t.Fatalf("balance = %d", got)
	}
	if got := state.ledgers[alice].TotalUploaded; got != 15 {
		t.Fatalf("total uploaded = %d", got)
	}
}

func TestRewardUploadOverflowLeavesStateUntouched(t *testing.T) {
	cases := []struct {
		name   string
		seed   *Ledger
		pool   uint64
		sizeGB uint64
		rarity uint64
	}{
		{name: "base product", sizeGB: math.MaxUint64 / 1_000_000_000, rarity: 1},
		{name: "rarity product", sizeGB: 1_000_000_000, rarity: 1_000_000_000},
		{name: "balance sum", seed: &Ledger{Owner: alice, Balance: math.MaxUint64}, sizeGB: 1, rarity: 1},
		{name: "uploaded sum", seed: &Ledger{Owner: alice, TotalUploaded: math.MaxUint64}, sizeGB: 1, rarity: 1},
		{name: "pool sum", pool: math.MaxUint64, sizeGB: 1, rarity: 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			engine, state, emitter := newTestEngine(t)
			if tc.seed != nil {
				seedLedger(state, tc.seed)
			}
			state.pool.TotalDistributed = tc.pool
			beforePool := *state.pool
			var beforeLedger *Ledger
			if tc.seed != nil {
				beforeLedger = state.ledgers[alice].Clone()
			}
			beforePuts := state.puts
			beforeEvents := len(emitter.events)

			if _, err := engine.RewardUpload(alice, tc.sizeGB, tc.rarity); !errors.Is(err, ErrMathOverflow) {
				t.Fatalf("expected ErrMathOverflow, got %v", err)
			}
			if state.puts != beforePuts {
				t.Fatalf("expected no writes on overflow")
			}
			if *state.pool != beforePool {
				t.Fatalf("pool mutated")
			}
			if beforeLedger != nil && *state.ledgers[alice] != *beforeLedger {
				t.Fatalf("ledger mutated")
			}
			if beforeLedger == nil && state.ledgers[alice] != nil {
				t.Fatalf("ledger created on failure")
			}
			if len(emitter.events) != beforeEvents {
				t.Fatalf("event emitted on failure")
			}
		})
	}
}

func TestRewardSeedingOverflowLeavesStateUntouched(t *testing.T) {
	cases := []struct {
		name       string
		seed       *Ledger
		hours      func(rate uint64) uint64
		popularity uint8
	}{
		{name: "rate product", hours: func(rate uint64) uint64 { return math.MaxUint64/rate + 1 }, popularity: 30},
		{name: "popularity product", hours: func(rate uint64) uint64 { return math.MaxUint64 / rate }, popularity: 10},
		{name: "balance sum", seed: &Ledger{Owner: alice, Balance: math.MaxUint64}, hours: func(uint64) uint64 { return 1 }, popularity: 30},
		{name: "seeding hours sum", seed: &Ledger{Owner: alice, SeedingHours: math.MaxUint64}, hours: func(uint64) uint64 { return 1 }, popularity: 30},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			engine, state, emitter := newTestEngine(t)
			if tc.seed != nil {
				seedLedger(state, tc.seed)
			}
			beforePool := *state.pool
			var beforeLedger *Ledger
			if tc.seed != nil {
				beforeLedger = state.ledgers[alice].Clone()
			}
			beforePuts := state.puts
			beforeEvents := len(emitter.events)

			hours := tc.hours(state.pool.SeedRewardRate)
			if _, err := engine.RewardSeeding(alice, hours, tc.popularity); !errors.Is(err, ErrMathOverflow) {
				t.Fatalf("expected ErrMathOverflow, got %v", err)
			}
			if state.puts != beforePuts {
				t.Fatalf("expected no writes on overflow")
			}
			if *state.pool != beforePool {
				t.Fatalf("pool mutated")
			}
			if beforeLedger != nil && *state.ledgers[alice] != *beforeLedger {
				t.Fatalf("ledger mutated")
			}
			if beforeLedger == nil && state.ledgers[alice] != nil {
				t.Fatalf("ledger created on failure")
			}
			if len(emitter.events) != beforeEvents {
				t.Fatalf("event emitted on failure")
			}
		})
	}
}

func TestStakeForNodeOverflowLeavesStateUntouched(t *testing.T) {
	engine, state, emitter := newTestEngine(t)
	seedLedger(state, &Ledger{Owner: alice, Balance: MinNodeStake, StakedAmount: math.MaxUint64 - MinNodeStake + 1})
	beforeLedger := state.ledgers[alice].Clone()
	beforePuts := state.puts
	beforeEvents := len(emitter.events)

	if _, err := engine.StakeForNode(alice, MinNodeStake); !errors.Is(err, ErrMathOverflow) {
		t.Fatalf("expected ErrMathOverflow, got %v", err)
	}
	if state.puts != beforePuts {
		t.Fatalf("expected no writes on overflow")
	}
	if *state.ledgers[alice] != *beforeLedger {
		t.Fatalf("ledger mutated: %+v", state.ledgers[alice])
	}
	if len(emitter.events) != beforeEvents {
		t.Fatalf("event emitted on failure")
	}
}

func TestRewardSuperNodeGates(t *testing.T) {
	engine, state, _ := newTestEngine(t)

	seedLedger(state, &Ledger{Owner: alice, StakedAmount: MinNodeStake - 1})
	for _, uptime := range []uint8{0, 89, 90, 99, 100} {
		if _, err := engine.RewardSuperNode(alice, 1, uptime); !errors.Is(err, ErrInsufficientStake) {
			t.Fatalf("uptime %d: expected ErrInsufficientStake, got %v", uptime, err)
		}
	}
	if _, err := engine.RewardSuperNode(bob, 1, 100); !errors.Is(err, ErrInsufficientStake) {
		t.Fatalf("expected ErrInsufficientStake for unknown ledger, got %v", err)
	}

	seedLedger(state, &Ledger{Owner: alice, StakedAmount: MinNodeStake})
	for _, uptime := range []uint8{0, 50, 89} {
		before := *state.ledgers[alice]
		if _, err := engine.RewardSuperNode(alice, 1, uptime); !errors.Is(err, ErrLowUptime) {
			t.Fatalf("uptime %d: expected ErrLowUptime, got %v", uptime, err)
		}
		if *state.ledgers[alice] != before {
			t.Fatalf("ledger mutated on low uptime")
		}
	}
}

func TestRewardSuperNodeUptimeBonus(t *testing.T) {
	cases := []struct {
		uptime uint8
		pct    uint64
	}{
		{90, 100}, {94, 100}, {95, 110}, {98, 110}, {99, 120}, {100, 120},
	}
	for _, tc := range cases {
		engine, state, emitter := newTestEngine(t)
		seedLedger(state, &Ledger{Owner: alice, StakedAmount: MinNodeStake})

		res, err := engine.RewardSuperNode(alice, 7, tc.uptime)
		if err != nil {
			t.Fatalf("uptime %d: %v", tc.uptime, err)
		}
		base := uint64(7) * DefaultNodeRewardRate
		want := base * tc.pct / 100
		if res.Amount != want {
			t.Fatalf("uptime %d: amount %d, want %d", tc.uptime, res.Amount, want)
		}
		ledger := state.ledgers[alice]
		if ledger.Balance != want || ledger.NodeOperationHours != 7 || ledger.StakedAmount != MinNodeStake {
			t.Fatalf("unexpected ledger: %+v", ledger)
		}
		if state.pool.TotalDistributed != want {
			t.Fatalf("distributed = %d, want %d", state.pool.TotalDistributed, want)
		}
		if evt := emitter.last(); evt.Type != EventTypeNodeReward {
			t.Fatalf("unexpected event %s", evt.Type)
		}
	}
}

func TestRewardSuperNodeOverflow(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	seedLedger(state, &Ledger{Owner: alice, StakedAmount: MinNodeStake})
	before := *state.ledgers[alice]

	// base fits but base*120 does not
	hours := math.MaxUint64 / DefaultNodeRewardRate
	if _, err := engine.RewardSuperNode(alice, hours, 99); !errors.Is(err, ErrMathOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
	if *state.ledgers[alice] != before || state.pool.TotalDistributed != 0 {
		t.Fatalf("state mutated on overflow")
	}
}

func TestRewardSeedingTiers(t *testing.T) {
	cases := []struct {
		popularity uint8
		pct        uint64
	}{
		{100, 150}, {80, 150}, {79, 125}, {50, 125}, {49, 100}, {21, 100}, {20, 200}, {1, 200}, {0, 200},
	}
	for _, tc := range cases {
		engine, state, emitter := newTestEngine(t)
		res, err := engine.RewardSeeding(alice, 10, tc.popularity)
		if err != nil {
			t.Fatalf("popularity %d: %v", tc.popularity, err)
		}
		want := uint64(10) * DefaultSeedRewardRate * tc.pct / 100
		if res.Amount != want {
			t.Fatalf("popularity %d: amount %d, want %d", tc.popularity, res.Amount, want)
		}
		if res.Pool != nil {
			t.Fatalf("seeding should not report a pool update")
		}
		if state.ledgers[alice].Balance != want || state.ledgers[alice].SeedingHours != 10 {
			t.Fatalf("unexpected ledger: %+v", state.ledgers[alice])
		}
		if state.pool.TotalDistributed != 0 {
			t.Fatalf("seeding must not change total distributed")
		}
		evt := emitter.last()
		if evt.Type != EventTypeSeedReward || evt.Attributes["filePopularity"] == "" {
			t.Fatalf("unexpected event %+v", evt)
		}
	}
}

func TestRewardSeedingTruncates(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	state.pool.SeedRewardRate = 3
	res, err := engine.RewardSeeding(alice, 1, 60)
	if err != nil {
		t.Fatalf("seeding: %v", err)
	}
	// 3 * 125 / 100 = 3.75 -> 3
	if res.Amount != 3 {
		t.Fatalf("amount = %d, want 3", res.Amount)
	}
}

func TestConsumeForSpeed(t *testing.T) {
	engine, state, emitter := newTestEngine(t)
	seedLedger(state, &Ledger{Owner: alice, Balance: 100})

	if _, err := engine.ConsumeForSpeed(alice, 101); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if state.ledgers[alice].Balance != 100 || state.ledgers[alice].TotalConsumed != 0 {
		t.Fatalf("ledger mutated on failure")
	}

	res, err := engine.ConsumeForSpeed(alice, 100)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if res.Ledger.Balance != 0 || res.Ledger.TotalConsumed != 100 {
		t.Fatalf("unexpected ledger: %+v", res.Ledger)
	}
	evt := emitter.last()
	if evt.Type != EventTypeSpeedBoost || evt.Attributes["newBalance"] != "0" || evt.Attributes["amount"] != "100" {
		t.Fatalf("unexpected event %+v", evt)
	}

	if _, err := engine.ConsumeForSpeed(bob, 1); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance for unknown ledger, got %v", err)
	}
	if _, err := engine.ConsumeForSpeed(bob, 0); !errors.Is(err, ErrLedgerNotFound) {
		t.Fatalf("expected ErrLedgerNotFound, got %v", err)
	}
	if _, ok := state.ledgers[bob]; ok {
		t.Fatalf("debit must not create a ledger")
	}
}

func TestConsumeForSpeedCounterOverflow(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	seedLedger(state, &Ledger{Owner: alice, Balance: 10, TotalConsumed: math.MaxUint64})
	if _, err := engine.ConsumeForSpeed(alice, 1); !errors.Is(err, ErrMathOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
	if state.ledgers[alice].Balance != 10 {
		t.Fatalf("balance mutated on overflow")
	}
}

func TestStakeForNodeChecksFloorBeforeBalance(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	seedLedger(state, &Ledger{Owner: alice})

	if _, err := engine.StakeForNode(alice, MinNodeStake-1); !errors.Is(err, ErrInsufficientStake) {
		t.Fatalf("expected ErrInsufficientStake, got %v", err)
	}
	if _, err := engine.StakeForNode(alice, MinNodeStake); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestStakeThenUnstakeRoundTrip(t *testing.T) {
	engine, state, emitter := newTestEngine(t)
	seedLedger(state, &Ledger{Owner: alice, Balance: MinNodeStake * 3, StakedAmount: 42})
	before := *state.ledgers[alice]

	res, err := engine.StakeForNode(alice, MinNodeStake*2)
	if err != nil {
		t.Fatalf("stake: %v", err)
	}
	if res.Ledger.Balance != MinNodeStake || res.Ledger.StakedAmount != MinNodeStake*2+42 {
		t.Fatalf("unexpected ledger after stake: %+v", res.Ledger)
	}
	if evt := emitter.last(); evt.Type != EventTypeStake || evt.Attributes["totalStaked"] != u64(MinNodeStake*2+42) {
		t.Fatalf("unexpected stake event %+v", evt)
	}

	if _, err := engine.UnstakeTokens(alice, MinNodeStake*2); err != nil {
		t.Fatalf("unstake: %v", err)
	}
	if *state.ledgers[alice] != before {
		t.Fatalf("round trip mismatch: %+v vs %+v", state.ledgers[alice], before)
	}
	if evt := emitter.last(); evt.Type != EventTypeUnstake || evt.Attributes["remainingStaked"] != "42" {
		t.Fatalf("unexpected unstake event %+v", evt)
	}
}

func TestUnstakeTokens(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	seedLedger(state, &Ledger{Owner: alice, StakedAmount: 50})

	if _, err := engine.UnstakeTokens(alice, 51); !errors.Is(err, ErrInsufficientStake) {
		t.Fatalf("expected ErrInsufficientStake, got %v", err)
	}
	res, err := engine.UnstakeTokens(alice, 20)
	if err != nil {
		t.Fatalf("unstake: %v", err)
	}
	if res.Ledger.StakedAmount != 30 || res.Ledger.Balance != 20 {
		t.Fatalf("unexpected ledger %+v", res.Ledger)
	}
	if _, err := engine.UnstakeTokens(bob, 1); !errors.Is(err, ErrInsufficientStake) {
		t.Fatalf("expected ErrInsufficientStake for unknown ledger, got %v", err)
	}
}

func TestUnstakeBalanceOverflow(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	seedLedger(state, &Ledger{Owner: alice, Balance: math.MaxUint64, StakedAmount: 5})
	if _, err := engine.UnstakeTokens(alice, 5); !errors.Is(err, ErrMathOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
	if state.ledgers[alice].StakedAmount != 5 {
		t.Fatalf("stake mutated on overflow")
	}
}

func TestWorkedExample(t *testing.T) {
	engine, state, _ := newTestEngine(t)
	stake := types.MustTokens(10_000)

	if _, err := engine.StakeForNode(alice, stake); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if _, err := engine.RewardUpload(alice, 10, 1); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if got := state.ledgers[alice].Balance; got != 20_000_000_000 {
		t.Fatalf("balance = %d", got)
	}
	if _, err := engine.StakeForNode(alice, stake); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestLedgerQuery(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	if _, err := engine.Ledger(alice); !errors.Is(err, ErrLedgerNotFound) {
		t.Fatalf("expected ErrLedgerNotFound, got %v", err)
	}
	if _, err := engine.RewardUpload(alice, 1, 1); err != nil {
		t.Fatalf("upload: %v", err)
	}
	ledger, err := engine.Ledger(alice)
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	if ledger.Owner != alice || ledger.ReputationScore != 0 {
		t.Fatalf("unexpected ledger %+v", ledger)
	}
	pool, err := engine.Pool()
	if err != nil || pool.TotalDistributed != 2_000_000_000 {
		t.Fatalf("unexpected pool %+v, %v", pool, err)
	}
}

func TestCode(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, CodeOK},
		{ErrMathOverflow, CodeMathOverflow},
		{ErrInsufficientBalance, CodeInsufficientBalance},
		{ErrInsufficientStake, CodeInsufficientStake},
		{ErrLowUptime, CodeLowUptime},
		{fmt.Errorf("apply: %w", ErrPoolExists), CodePoolExists},
		{errors.New("disk on fire"), CodeInternal},
	}
	for _, tc := range cases {
		if got := Code(tc.err); got != tc.want {
			t.Fatalf("Code(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}
