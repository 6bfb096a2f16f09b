package state

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"golang.org/x/text/unicode/norm"

	"thunderfuel/core/types"
	"thunderfuel/native/rewards"
	"thunderfuel/storage"
)

var (
	rootDomain     = []byte("thunderfuel:")
	poolSeed       = []byte("reward_pool")
	ledgerSeed     = []byte("user")
	nonceSeed      = []byte("nonce")
	eventPrefix    = []byte("evt:")
	eventSeqPrefix = []byte("evtseq:")
	errEmptyKVKey  = errors.New("kv: key must not be empty")
	errNilRecord   = errors.New("state: nil record")
	errNilEvent    = errors.New("state: nil event")
)

// RootID derives the network root identifier that scopes every record. The
// name is trimmed and NFC-normalised so visually identical names map to the
// same root.
func RootID(network string) common.Hash {
	network = norm.NFC.String(strings.TrimSpace(network))
	buf := make([]byte, 0, len(rootDomain)+len(network))
	buf = append(buf, rootDomain...)
	buf = append(buf, network...)
	return ethcrypto.Keccak256Hash(buf)
}

// PoolKey addresses the reward pool singleton under root.
func PoolKey(root common.Hash) []byte {
	return ethcrypto.Keccak256(root.Bytes(), poolSeed)
}

// LedgerKey addresses the participant ledger for owner under root. The key
// is a pure function of (root, owner), so each identity has at most one ledger.
func LedgerKey(root common.Hash, owner [20]byte) []byte {
	return ethcrypto.Keccak256(root.Bytes(), ledgerSeed, owner[:])
}

// NonceKey addresses the next expected operation nonce for caller under root.
func NonceKey(root common.Hash, caller [20]byte) []byte {
	return ethcrypto.Keccak256(root.Bytes(), nonceSeed, caller[:])
}

func eventKeyPrefix(root common.Hash) []byte {
	buf := make([]byte, 0, len(eventPrefix)+common.HashLength)
	buf = append(buf, eventPrefix...)
	return append(buf, root.Bytes()...)
}

func eventKey(root common.Hash, seq uint64) []byte {
	buf := eventKeyPrefix(root)
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], seq)
	return append(buf, seqBytes[:]...)
}

func eventSeqKey(root common.Hash) []byte {
	buf := make([]byte, 0, len(eventSeqPrefix)+common.HashLength)
	buf = append(buf, eventSeqPrefix...)
	return append(buf, root.Bytes()...)
}

// EventRecord is a committed event with its position in the append-only log.
type EventRecord struct {
	Sequence uint64       `json:"sequence"`
	Event    *types.Event `json:"event"`
}

// Manager reads and writes reward records through a transaction. It
// implements the state backend required by the rewards engine.
type Manager struct {
	txn  *Txn
	root common.Hash
}

// NewManager creates a state manager operating on the provided transaction.
func NewManager(txn *Txn, root common.Hash) *Manager {
	return &Manager{txn: txn, root: root}
}

// Root returns the network root identifier.
func (m *Manager) Root() common.Hash { return m.root }

// KVPut RLP-encodes value under key.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return errEmptyKVKey
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	return m.txn.Put(key, encoded)
}

// KVGet decodes the value stored under key into out. The boolean return value
// indicates whether the key existed in state.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, errEmptyKVKey
	}
	data, ok, err := m.txn.Get(key)
	if err != nil || !ok {
		return false, err
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// RewardPoolGet loads the reward pool.
func (m *Manager) RewardPoolGet() (*rewards.RewardPool, bool, error) {
	pool := new(rewards.RewardPool)
	ok, err := m.KVGet(PoolKey(m.root), pool)
	if err != nil || !ok {
		return nil, false, err
	}
	return pool, true, nil
}

// RewardPoolCreate stores the pool only if none exists yet.
func (m *Manager) RewardPoolCreate(pool *rewards.RewardPool) error {
	if pool == nil {
		return errNilRecord
	}
	exists, err := m.KVGet(PoolKey(m.root), nil)
	if err != nil {
		return err
	}
	if exists {
		return rewards.ErrPoolExists
	}
	return m.KVPut(PoolKey(m.root), pool)
}

// RewardPoolPut overwrites the pool.
func (m *Manager) RewardPoolPut(pool *rewards.RewardPool) error {
	if pool == nil {
		return errNilRecord
	}
	return m.KVPut(PoolKey(m.root), pool)
}

// LedgerGet loads the ledger for owner.
func (m *Manager) LedgerGet(owner [20]byte) (*rewards.Ledger, bool, error) {
	ledger := new(rewards.Ledger)
	ok, err := m.KVGet(LedgerKey(m.root, owner), ledger)
	if err != nil || !ok {
		return nil, false, err
	}
	return ledger, true, nil
}

// LedgerPut writes the ledger, creating it if absent.
func (m *Manager) LedgerPut(ledger *rewards.Ledger) error {
	if ledger == nil {
		return errNilRecord
	}
	return m.KVPut(LedgerKey(m.root, ledger.Owner), ledger)
}

// NonceGet returns the next nonce the caller must present. Callers that have
// never submitted an operation start at zero.
func (m *Manager) NonceGet(caller [20]byte) (uint64, error) {
	var nonce uint64
	if _, err := m.KVGet(NonceKey(m.root, caller), &nonce); err != nil {
		return 0, err
	}
	return nonce, nil
}

// NoncePut stores the next expected nonce for caller.
func (m *Manager) NoncePut(caller [20]byte, nonce uint64) error {
	return m.KVPut(NonceKey(m.root, caller), nonce)
}

func (m *Manager) lastSequence() (uint64, error) {
	data, ok, err := m.txn.Get(eventSeqKey(m.root))
	if err != nil || !ok {
		return 0, err
	}
	return decodeSequence(data)
}

// LastSequence returns the sequence of the newest committed event, or zero
// when the log is empty.
func LastSequence(db storage.Database, root common.Hash) (uint64, error) {
	data, err := db.Get(eventSeqKey(root))
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return decodeSequence(data)
}

func decodeSequence(data []byte) (uint64, error) {
	if len(data) != 8 {
		return 0, fmt.Errorf("state: corrupt event sequence (%d bytes)", len(data))
	}
	return binary.BigEndian.Uint64(data), nil
}

// AppendEvents writes events to the log in the same transaction as the record
// updates and returns them with their assigned sequence numbers.
func (m *Manager) AppendEvents(evts []*types.Event) ([]EventRecord, error) {
	if len(evts) == 0 {
		return nil, nil
	}
	seq, err := m.lastSequence()
	if err != nil {
		return nil, err
	}
	records := make([]EventRecord, 0, len(evts))
	for _, evt := range evts {
		if evt == nil {
			return nil, errNilEvent
		}
		seq++
		record := EventRecord{Sequence: seq, Event: evt.Clone()}
		encoded, err := json.Marshal(record)
		if err != nil {
			return nil, err
		}
		if err := m.txn.Put(eventKey(m.root, seq), encoded); err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], seq)
	if err := m.txn.Put(eventSeqKey(m.root), seqBytes[:]); err != nil {
		return nil, err
	}
	return records, nil
}

// EventsSince reads committed events with a sequence greater than after, in
// order. A limit of zero returns every remaining event.
func EventsSince(db storage.Database, root common.Hash, after uint64, limit int) ([]EventRecord, error) {
	if after == math.MaxUint64 {
		return nil, nil
	}
	var (
		records []EventRecord
		decErr  error
	)
	err := db.IterateFrom(eventKeyPrefix(root), eventKey(root, after+1), func(key, value []byte) bool {
		var record EventRecord
		if err := json.Unmarshal(value, &record); err != nil {
			decErr = fmt.Errorf("decode event %x: %w", key, err)
			return false
		}
		records = append(records, record)
		return limit <= 0 || len(records) < limit
	})
	if err != nil {
		return nil, err
	}
	if decErr != nil {
		return nil, decErr
	}
	return records, nil
}
