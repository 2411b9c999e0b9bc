package trading

import "errors"

// Business and validation failures returned synchronously to callers.
// Store and ledger faults are wrapped and logged instead; they abort the
// current operation without reaching clients as anything but a 500.
var (
	ErrValidation         = errors.New("invalid order parameters")
	ErrInsufficientFunds  = errors.New("insufficient orderable balance")
	ErrInsufficientTokens = errors.New("insufficient tradeable tokens")
	ErrOrderNotFound      = errors.New("order not found")
	ErrNotCancellable     = errors.New("order is not cancellable")
)
