package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"thunderfuel/core/identity"
	"thunderfuel/core/state"
	"thunderfuel/core/tx"
	"thunderfuel/core/types"
	"thunderfuel/crypto"
	"thunderfuel/native/rewards"
	"thunderfuel/storage"
)

func newKey(t *testing.T) *crypto.PrivateKey {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	return key
}

func signed(t *testing.T, key *crypto.PrivateKey, op tx.Operation) *tx.Operation {
	t.Helper()
	require.NoError(t, op.Sign(key))
	return &op
}

func newTestExecutor(t *testing.T, db storage.Database) *Executor {
	t.Helper()
	exec, err := NewExecutor(db, "devnet", nil)
	require.NoError(t, err)
	return exec
}

func initPool(t *testing.T, exec *Executor, authority *crypto.PrivateKey) {
	t.Helper()
	_, err := exec.Apply(context.Background(), signed(t, authority, tx.Operation{Kind: tx.KindInitialize}))
	require.NoError(t, err)
}

func TestExecutorAppliesSignedOperations(t *testing.T) {
	exec := newTestExecutor(t, storage.NewMemDB())
	authority := newKey(t)
	alice := newKey(t)
	ctx := context.Background()

	initPool(t, exec, authority)

	receipt, err := exec.Apply(ctx, signed(t, alice, tx.Operation{Kind: tx.KindRewardUpload, SizeGB: 5_000, Rarity: 1}))
	require.NoError(t, err)
	require.Equal(t, rewards.MinNodeStake, receipt.Amount)
	require.Equal(t, rewards.MinNodeStake, receipt.Ledger.Balance)
	require.Equal(t, rewards.MinNodeStake, receipt.Pool.TotalDistributed)
	require.Len(t, receipt.Events, 1)
	require.Equal(t, uint64(2), receipt.Events[0].Sequence)
	require.Equal(t, rewards.EventTypeUploadReward, receipt.Events[0].Event.Type)

	receipt, err = exec.Apply(ctx, signed(t, alice, tx.Operation{Kind: tx.KindStakeForNode, Nonce: 1, Amount: rewards.MinNodeStake}))
	require.NoError(t, err)
	require.Zero(t, receipt.Ledger.Balance)
	require.Equal(t, rewards.MinNodeStake, receipt.Ledger.StakedAmount)

	receipt, err = exec.Apply(ctx, signed(t, alice, tx.Operation{Kind: tx.KindRewardSuperNode, Nonce: 2, DurationHours: 10, Uptime: 99}))
	require.NoError(t, err)
	require.Equal(t, types.MustTokens(60), receipt.Amount)

	ledger, err := exec.Ledger(alice.PubKey().Address().Raw())
	require.NoError(t, err)
	require.Equal(t, types.MustTokens(60), ledger.Balance)
	require.Equal(t, uint64(10), ledger.NodeOperationHours)

	pool, err := exec.Pool()
	require.NoError(t, err)
	require.Equal(t, authority.PubKey().Address().Raw(), pool.Authority)
	require.Equal(t, rewards.MinNodeStake+types.MustTokens(60), pool.TotalDistributed)

	nonce, err := exec.NextNonce(alice.PubKey().Address().Raw())
	require.NoError(t, err)
	require.Equal(t, uint64(3), nonce)

	records, err := exec.EventsSince(0, 0)
	require.NoError(t, err)
	require.Len(t, records, 4)
	last, err := exec.LastSequence()
	require.NoError(t, err)
	require.Equal(t, uint64(4), last)
	wantTypes := []string{
		rewards.EventTypePoolInitialized,
		rewards.EventTypeUploadReward,
		rewards.EventTypeStake,
		rewards.EventTypeNodeReward,
	}
	for i, record := range records {
		require.Equal(t, uint64(i+1), record.Sequence)
		require.Equal(t, wantTypes[i], record.Event.Type)
	}
}

func TestExecutorRejectsBadSignature(t *testing.T) {
	exec := newTestExecutor(t, storage.NewMemDB())
	alice := newKey(t)
	mallory := newKey(t)
	initPool(t, exec, newKey(t))

	op := signed(t, mallory, tx.Operation{Kind: tx.KindRewardUpload, SizeGB: 1, Rarity: 1})
	op.Caller = alice.PubKey().Address().Raw()
	_, err := exec.Apply(context.Background(), op)
	require.ErrorIs(t, err, identity.ErrUnauthorized)
	require.Equal(t, CodeUnauthorized, OutcomeCode(err))

	_, err = exec.Ledger(alice.PubKey().Address().Raw())
	require.ErrorIs(t, err, rewards.ErrLedgerNotFound)
}

func TestExecutorEnforcesNonce(t *testing.T) {
	exec := newTestExecutor(t, storage.NewMemDB())
	alice := newKey(t)
	initPool(t, exec, newKey(t))
	ctx := context.Background()

	_, err := exec.Apply(ctx, signed(t, alice, tx.Operation{Kind: tx.KindRewardUpload, Nonce: 1, SizeGB: 1, Rarity: 1}))
	require.ErrorIs(t, err, ErrNonceMismatch)
	require.Equal(t, CodeBadNonce, OutcomeCode(err))

	replay := signed(t, alice, tx.Operation{Kind: tx.KindRewardUpload, SizeGB: 1, Rarity: 1})
	_, err = exec.Apply(ctx, replay)
	require.NoError(t, err)
	_, err = exec.Apply(ctx, replay)
	require.ErrorIs(t, err, ErrNonceMismatch)

	ledger, err := exec.Ledger(alice.PubKey().Address().Raw())
	require.NoError(t, err)
	require.Equal(t, types.MustTokens(2), ledger.Balance)
}

func TestExecutorFailureLeavesNoTrace(t *testing.T) {
	exec := newTestExecutor(t, storage.NewMemDB())
	alice := newKey(t)
	initPool(t, exec, newKey(t))
	ctx := context.Background()

	_, err := exec.Apply(ctx, signed(t, alice, tx.Operation{Kind: tx.KindRewardUpload, SizeGB: 1, Rarity: 1}))
	require.NoError(t, err)
	before, err := exec.EventsSince(0, 0)
	require.NoError(t, err)

	_, err = exec.Apply(ctx, signed(t, alice, tx.Operation{Kind: tx.KindConsumeForSpeed, Nonce: 1, Amount: types.MustTokens(3)}))
	require.ErrorIs(t, err, rewards.ErrInsufficientBalance)
	require.Equal(t, rewards.CodeInsufficientBalance, OutcomeCode(err))

	_, err = exec.Apply(ctx, signed(t, alice, tx.Operation{Kind: tx.KindRewardUpload, Nonce: 1, SizeGB: 1, Rarity: ^uint64(0)}))
	require.ErrorIs(t, err, rewards.ErrMathOverflow)

	after, err := exec.EventsSince(0, 0)
	require.NoError(t, err)
	require.Equal(t, before, after)

	nonce, err := exec.NextNonce(alice.PubKey().Address().Raw())
	require.NoError(t, err)
	require.Equal(t, uint64(1), nonce, "failed operations must not consume a nonce")

	ledger, err := exec.Ledger(alice.PubKey().Address().Raw())
	require.NoError(t, err)
	require.Equal(t, types.MustTokens(2), ledger.Balance)
	require.Zero(t, ledger.TotalConsumed)
}

func TestExecutorHonoursCancelledContext(t *testing.T) {
	exec := newTestExecutor(t, storage.NewMemDB())
	initPool(t, exec, newKey(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := exec.Apply(ctx, signed(t, newKey(t), tx.Operation{Kind: tx.KindRewardUpload, SizeGB: 1, Rarity: 1}))
	require.True(t, errors.Is(err, context.Canceled))
	require.Equal(t, CodeCanceled, OutcomeCode(err))
}

func TestExecutorConcurrentParticipants(t *testing.T) {
	exec := newTestExecutor(t, storage.NewMemDB())
	initPool(t, exec, newKey(t))

	const participants = 16
	keys := make([]*crypto.PrivateKey, participants)
	for i := range keys {
		keys[i] = newKey(t)
	}

	var wg sync.WaitGroup
	errs := make(chan error, participants*2)
	for _, key := range keys {
		key := key
		wg.Add(1)
		go func() {
			defer wg.Done()
			op := tx.Operation{Kind: tx.KindRewardSeeding, DurationHours: 10, Popularity: 60}
			if err := op.Sign(key); err != nil {
				errs <- err
				return
			}
			if _, err := exec.Apply(context.Background(), &op); err != nil {
				errs <- err
				return
			}
			op = tx.Operation{Kind: tx.KindConsumeForSpeed, Nonce: 1, Amount: 1}
			if err := op.Sign(key); err != nil {
				errs <- err
				return
			}
			if _, err := exec.Apply(context.Background(), &op); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// 10 hours * 0.1 token * 125%.
	want := types.MustTokens(1)*10/8 - 1
	for _, key := range keys {
		ledger, err := exec.Ledger(key.PubKey().Address().Raw())
		require.NoError(t, err)
		require.Equal(t, want, ledger.Balance)
		require.Equal(t, uint64(1), ledger.TotalConsumed)
	}

	records, err := exec.EventsSince(0, 0)
	require.NoError(t, err)
	require.Len(t, records, 1+participants*2)
	for i, record := range records {
		require.Equal(t, uint64(i+1), record.Sequence)
	}
	require.Zero(t, exec.locks.size())
}

func TestExecutorSubscribeBacklogThenLive(t *testing.T) {
	exec := newTestExecutor(t, storage.NewMemDB())
	alice := newKey(t)
	initPool(t, exec, newKey(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates, stop, backlog, err := exec.Subscribe(ctx, 0)
	require.NoError(t, err)
	defer stop()
	require.Len(t, backlog, 1)
	require.Equal(t, rewards.EventTypePoolInitialized, backlog[0].Event.Type)

	_, err = exec.Apply(context.Background(), signed(t, alice, tx.Operation{Kind: tx.KindRewardUpload, SizeGB: 1, Rarity: 1}))
	require.NoError(t, err)

	select {
	case record := <-updates:
		require.Equal(t, uint64(2), record.Sequence)
		require.Equal(t, rewards.EventTypeUploadReward, record.Event.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("expected live event")
	}

	_, _, backlog, err = exec.Subscribe(ctx, 1)
	require.NoError(t, err)
	require.Len(t, backlog, 1)
}

func TestExecutorPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	alice := newKey(t)

	db, err := storage.NewLevelDB(dir)
	require.NoError(t, err)
	exec := newTestExecutor(t, db)
	initPool(t, exec, newKey(t))
	_, err = exec.Apply(context.Background(), signed(t, alice, tx.Operation{Kind: tx.KindRewardUpload, SizeGB: 3, Rarity: 2}))
	require.NoError(t, err)
	db.Close()

	db, err = storage.NewLevelDB(dir)
	require.NoError(t, err)
	defer db.Close()
	exec = newTestExecutor(t, db)

	ledger, err := exec.Ledger(alice.PubKey().Address().Raw())
	require.NoError(t, err)
	require.Equal(t, types.MustTokens(12), ledger.Balance)

	_, err = exec.Apply(context.Background(), signed(t, alice, tx.Operation{Kind: tx.KindConsumeForSpeed, Nonce: 1, Amount: types.MustTokens(2)}))
	require.NoError(t, err)

	records, err := exec.EventsSince(0, 0)
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, rewards.EventTypeSpeedBoost, records[2].Event.Type)
}

func TestExecutorScopesByNetwork(t *testing.T) {
	db := storage.NewMemDB()
	devnet := newTestExecutor(t, db)
	initPool(t, devnet, newKey(t))

	testnet, err := NewExecutor(db, "testnet", identity.TrustedVerifier{})
	require.NoError(t, err)
	_, err = testnet.Pool()
	require.ErrorIs(t, err, rewards.ErrPoolNotInitialized)

	_, err = testnet.Apply(context.Background(), &tx.Operation{Kind: tx.KindInitialize, Caller: [20]byte{1}})
	require.NoError(t, err)
}

func TestRecordLocksRelease(t *testing.T) {
	locks := newRecordLocks()
	unlock := locks.acquire("pool", "ledger")
	require.Equal(t, 2, locks.size())

	done := make(chan struct{})
	go func() {
		release := locks.acquire("ledger")
		release()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("ledger lock acquired while held")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	<-done
	require.Zero(t, locks.size())
}

func TestSeedingDoesNotWaitForPoolLock(t *testing.T) {
	exec := newTestExecutor(t, storage.NewMemDB())
	authority := newKey(t)
	alice := newKey(t)
	initPool(t, exec, authority)
	ctx := context.Background()

	aliceKey := string(state.LedgerKey(exec.root, alice.PubKey().Address().Raw()))
	require.Equal(t, []string{aliceKey},
		exec.lockKeys(&tx.Operation{Kind: tx.KindRewardSeeding, Caller: alice.PubKey().Address().Raw()}))
	require.Equal(t, []string{string(state.PoolKey(exec.root)), aliceKey},
		exec.lockKeys(&tx.Operation{Kind: tx.KindInitialize, Caller: alice.PubKey().Address().Raw()}))

	release := exec.locks.acquire(string(state.PoolKey(exec.root)))
	seeded := make(chan error, 1)
	go func() {
		_, err := exec.Apply(ctx, signed(t, alice, tx.Operation{Kind: tx.KindRewardSeeding, DurationHours: 10, Popularity: 90}))
		seeded <- err
	}()
	select {
	case err := <-seeded:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		release()
		t.Fatal("seeding blocked on the pool lock")
	}

	uploaded := make(chan error, 1)
	go func() {
		_, err := exec.Apply(ctx, signed(t, alice, tx.Operation{Kind: tx.KindRewardUpload, Nonce: 1, SizeGB: 10, Rarity: 1}))
		uploaded <- err
	}()
	select {
	case <-uploaded:
		t.Fatal("upload ran while the pool lock was held")
	case <-time.After(50 * time.Millisecond):
	}
	release()
	require.NoError(t, <-uploaded)
}

func TestParseCursor(t *testing.T) {
	require.Equal(t, uint64(0), ParseCursor(""))
	require.Equal(t, uint64(0), ParseCursor("abc"))
	require.Equal(t, uint64(42), ParseCursor(" 42 "))
	require.Equal(t, "42", FormatCursor(42))
}
