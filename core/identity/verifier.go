package identity

import (
	"bytes"
	"errors"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var (
	// ErrUnauthorized is returned when the signature does not prove control of
	// the claimed identity.
	ErrUnauthorized = errors.New("identity: caller not authorised")
	// ErrMalformedSignature is returned for signatures that cannot be recovered.
	ErrMalformedSignature = errors.New("identity: malformed signature")
)

// Verifier confirms that the caller controls the identity named in a call.
type Verifier interface {
	Verify(caller [20]byte, digest []byte, signature []byte) error
}

// SignatureVerifier checks recoverable secp256k1 signatures.
type SignatureVerifier struct{}

// Verify implements Verifier.
func (SignatureVerifier) Verify(caller [20]byte, digest []byte, signature []byte) error {
	if len(digest) != 32 {
		return fmt.Errorf("%w: digest must be 32 bytes", ErrMalformedSignature)
	}
	if len(signature) != ethcrypto.SignatureLength {
		return fmt.Errorf("%w: want %d bytes, got %d", ErrMalformedSignature, ethcrypto.SignatureLength, len(signature))
	}
	pub, err := ethcrypto.SigToPub(digest, signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	signer := ethcrypto.PubkeyToAddress(*pub)
	if !bytes.Equal(signer.Bytes(), caller[:]) {
		return ErrUnauthorized
	}
	return nil
}

// TrustedVerifier accepts every caller. It is meant for hosts that authenticate
// callers before they reach the ledger, and for tests.
type TrustedVerifier struct{}

// Verify implements Verifier.
func (TrustedVerifier) Verify([20]byte, []byte, []byte) error { return nil }
