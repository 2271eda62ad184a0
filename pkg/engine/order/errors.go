package order

import "errors"

// Engine error taxonomy. Validation errors reject the whole operation
// before any state change; batch operations record per-element failures
// instead of propagating them.
var (
	ErrInvalidOrderSpec      = errors.New("invalid order spec")
	ErrDuplicateOrder        = errors.New("duplicate order")
	ErrOrderNotFound         = errors.New("order not found")
	ErrOrderAlreadyCompleted = errors.New("order already completed")
	ErrOrderExpired          = errors.New("order expired")
	ErrPriceUnavailable      = errors.New("no valid market price available")
	ErrPriceOutOfTolerance   = errors.New("price outside tolerance")
	ErrToleranceOutOfRange   = errors.New("tolerance out of range")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrUnsupportedChain      = errors.New("unsupported source chain")
	ErrBatchTooLarge         = errors.New("batch exceeds size limit")
	ErrPaused                = errors.New("engine is paused")
	ErrNotOwner              = errors.New("caller is not the order owner")
)
