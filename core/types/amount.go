package types

import (
	"errors"
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

const (
	// TokenDecimals is the number of fractional digits carried by a token unit.
	TokenDecimals = 9
	// UnitsPerToken is the number of base units that make up one whole token.
	UnitsPerToken uint64 = 1_000_000_000
)

var (
	// ErrAmountOverflow is returned when a token quantity does not fit in a uint64.
	ErrAmountOverflow = errors.New("amount: value exceeds uint64 range")
	// ErrInvalidAmount is returned for malformed decimal token strings.
	ErrInvalidAmount = errors.New("amount: invalid token amount")
)

// Tokens converts a whole token count into base units.
func Tokens(n uint64) (uint64, error) {
	hi, lo := bits.Mul64(n, UnitsPerToken)
	if hi != 0 {
		return 0, ErrAmountOverflow
	}
	return lo, nil
}

// MustTokens is Tokens for compile-time constants.
func MustTokens(n uint64) uint64 {
	units, err := Tokens(n)
	if err != nil {
		panic(err)
	}
	return units
}

// FormatUnits renders a unit quantity as a fixed nine decimal token string.
func FormatUnits(units uint64) string {
	whole := units / UnitsPerToken
	frac := units % UnitsPerToken
	return fmt.Sprintf("%d.%09d", whole, frac)
}

// ParseUnits parses a decimal token string such as "12.5" into base units.
// Bare integers are interpreted as whole tokens. A "u" suffix (e.g. "1500u")
// denotes a raw unit count.
func ParseUnits(value string) (uint64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, ErrInvalidAmount
	}
	if raw, ok := strings.CutSuffix(trimmed, "u"); ok {
		units, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
		}
		return units, nil
	}
	wholePart, fracPart, hasFrac := strings.Cut(trimmed, ".")
	if wholePart == "" && (!hasFrac || fracPart == "") {
		return 0, ErrInvalidAmount
	}
	var whole uint64
	if wholePart != "" {
		parsed, err := strconv.ParseUint(wholePart, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
		}
		whole = parsed
	}
	units, err := Tokens(whole)
	if err != nil {
		return 0, err
	}
	if !hasFrac || fracPart == "" {
		return units, nil
	}
	if len(fracPart) > TokenDecimals {
		return 0, fmt.Errorf("%w: more than %d decimal places", ErrInvalidAmount, TokenDecimals)
	}
	fracPart += strings.Repeat("0", TokenDecimals-len(fracPart))
	frac, err := strconv.ParseUint(fracPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	sum, carry := bits.Add64(units, frac, 0)
	if carry != 0 {
		return 0, ErrAmountOverflow
	}
	return sum, nil
}
