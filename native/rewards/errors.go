package rewards

import "errors"

var (
	ErrMathOverflow        = errors.New("rewards: mathematical operation overflow")
	ErrInsufficientBalance = errors.New("rewards: insufficient balance")
	ErrInsufficientStake   = errors.New("rewards: insufficient stake amount")
	ErrLowUptime           = errors.New("rewards: node uptime too low")

	ErrNilState           = errors.New("rewards: state not configured")
	ErrPoolExists         = errors.New("rewards: reward pool already initialized")
	ErrPoolNotInitialized = errors.New("rewards: reward pool not initialized")
	ErrLedgerNotFound     = errors.New("rewards: participant ledger not found")
)

// Error codes reported to callers, metrics and receipts.
const (
	CodeOK                  = "OK"
	CodeMathOverflow        = "MathOverflow"
	CodeInsufficientBalance = "InsufficientBalance"
	CodeInsufficientStake   = "InsufficientStake"
	CodeLowUptime           = "LowUptime"
	CodePoolExists          = "PoolExists"
	CodePoolNotInitialized  = "PoolNotInitialized"
	CodeLedgerNotFound      = "LedgerNotFound"
	CodeInternal            = "Internal"
)

var codes = []struct {
	err  error
	code string
}{
	{ErrMathOverflow, CodeMathOverflow},
	{ErrInsufficientBalance, CodeInsufficientBalance},
	{ErrInsufficientStake, CodeInsufficientStake},
	{ErrLowUptime, CodeLowUptime},
	{ErrPoolExists, CodePoolExists},
	{ErrPoolNotInitialized, CodePoolNotInitialized},
	{ErrLedgerNotFound, CodeLedgerNotFound},
}

// Code returns the discriminated kind of err. Errors that did not originate
// from the accounting rules map to CodeInternal.
func Code(err error) string {
	if err == nil {
		return CodeOK
	}
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeInternal
}
