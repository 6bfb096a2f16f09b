package tx

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"thunderfuel/crypto"
)

// operationJSON is the line format accepted by the host process. Callers are
// bech32 addresses and signatures are hex.
type operationJSON struct {
	Kind          Kind   `json:"kind"`
	Caller        string `json:"caller"`
	Nonce         uint64 `json:"nonce"`
	SizeGB        uint64 `json:"sizeGb,omitempty"`
	Rarity        uint64 `json:"rarity,omitempty"`
	DurationHours uint64 `json:"durationHours,omitempty"`
	Uptime        uint8  `json:"uptime,omitempty"`
	Popularity    uint8  `json:"popularity,omitempty"`
	Amount        uint64 `json:"amount,omitempty"`
	Signature     string `json:"signature,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (op Operation) MarshalJSON() ([]byte, error) {
	wire := operationJSON{
		Kind:          op.Kind,
		Caller:        crypto.FromRaw(op.Caller).String(),
		Nonce:         op.Nonce,
		SizeGB:        op.SizeGB,
		Rarity:        op.Rarity,
		DurationHours: op.DurationHours,
		Uptime:        op.Uptime,
		Popularity:    op.Popularity,
		Amount:        op.Amount,
	}
	if len(op.Signature) > 0 {
		wire.Signature = "0x" + hex.EncodeToString(op.Signature)
	}
	return json.Marshal(wire)
}

// UnmarshalJSON implements json.Unmarshaler.
func (op *Operation) UnmarshalJSON(data []byte) error {
	var wire operationJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	addr, err := crypto.DecodeAddress(strings.TrimSpace(wire.Caller))
	if err != nil {
		return fmt.Errorf("tx: caller: %w", err)
	}
	if addr.Prefix() != crypto.TFPrefix {
		return fmt.Errorf("tx: caller prefix %q, want %q", addr.Prefix(), crypto.TFPrefix)
	}
	var sig []byte
	if trimmed := strings.TrimPrefix(strings.TrimSpace(wire.Signature), "0x"); trimmed != "" {
		sig, err = hex.DecodeString(trimmed)
		if err != nil {
			return fmt.Errorf("tx: signature: %w", err)
		}
	}
	*op = Operation{
		Kind:          wire.Kind,
		Caller:        addr.Raw(),
		Nonce:         wire.Nonce,
		SizeGB:        wire.SizeGB,
		Rarity:        wire.Rarity,
		DurationHours: wire.DurationHours,
		Uptime:        wire.Uptime,
		Popularity:    wire.Popularity,
		Amount:        wire.Amount,
		Signature:     sig,
	}
	return nil
}
