package tx

import (
	"errors"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"thunderfuel/crypto"
)

// Kind names a ledger operation.
type Kind string

const (
	KindInitialize      Kind = "initialize"
	KindRewardUpload    Kind = "reward_upload"
	KindRewardSuperNode Kind = "reward_super_node"
	KindRewardSeeding   Kind = "reward_seeding"
	KindConsumeForSpeed Kind = "consume_for_speed"
	KindStakeForNode    Kind = "stake_for_node"
	KindUnstakeTokens   Kind = "unstake_tokens"
)

var ErrUnknownKind = errors.New("tx: unknown operation kind")

// Kinds lists every supported operation.
func Kinds() []Kind {
	return []Kind{
		KindInitialize,
		KindRewardUpload,
		KindRewardSuperNode,
		KindRewardSeeding,
		KindConsumeForSpeed,
		KindStakeForNode,
		KindUnstakeTokens,
	}
}

// Valid reports whether k is a supported operation.
func (k Kind) Valid() bool {
	for _, known := range Kinds() {
		if k == known {
			return true
		}
	}
	return false
}

// TouchesPool reports whether the operation writes the reward pool. Seeding
// reads only the seed rate, which never changes after initialization.
func (k Kind) TouchesPool() bool {
	switch k {
	case KindInitialize, KindRewardUpload, KindRewardSuperNode:
		return true
	default:
		return false
	}
}

// Operation is a signed request from a participant. Fields that do not apply
// to Kind are ignored and should be left zero.
type Operation struct {
	Kind          Kind
	Caller        [20]byte
	Nonce         uint64
	SizeGB        uint64
	Rarity        uint64
	DurationHours uint64
	Uptime        uint8
	Popularity    uint8
	Amount        uint64
	Signature     []byte
}

type signingPayload struct {
	Kind          string
	Caller        [20]byte
	Nonce         uint64
	SizeGB        uint64
	Rarity        uint64
	DurationHours uint64
	Uptime        uint8
	Popularity    uint8
	Amount        uint64
}

// SigningHash returns the keccak256 digest of the RLP-encoded operation body.
func (op *Operation) SigningHash() ([]byte, error) {
	if op == nil {
		return nil, fmt.Errorf("tx: nil operation")
	}
	encoded, err := rlp.EncodeToBytes(signingPayload{
		Kind:          string(op.Kind),
		Caller:        op.Caller,
		Nonce:         op.Nonce,
		SizeGB:        op.SizeGB,
		Rarity:        op.Rarity,
		DurationHours: op.DurationHours,
		Uptime:        op.Uptime,
		Popularity:    op.Popularity,
		Amount:        op.Amount,
	})
	if err != nil {
		return nil, err
	}
	return ethcrypto.Keccak256(encoded), nil
}

// Sign sets Caller to the key's address and attaches a signature over the
// signing hash.
func (op *Operation) Sign(key *crypto.PrivateKey) error {
	if key == nil {
		return fmt.Errorf("tx: nil signing key")
	}
	op.Caller = key.PubKey().Address().Raw()
	digest, err := op.SigningHash()
	if err != nil {
		return err
	}
	sig, err := key.Sign(digest)
	if err != nil {
		return err
	}
	op.Signature = sig
	return nil
}

// ValidateBasic rejects structurally invalid operations before any state is
// loaded.
func (op *Operation) ValidateBasic() error {
	if op == nil {
		return fmt.Errorf("tx: nil operation")
	}
	if !op.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, op.Kind)
	}
	return nil
}
