package models

import "errors"

// Error kinds returned by the engine. Controllers map these to response
// codes; callers test with errors.Is.
var (
	// ErrValidation means the request itself was malformed. Not retryable.
	ErrValidation = errors.New("validation failed")

	// ErrRoundNotFound means the referenced round does not exist.
	ErrRoundNotFound = errors.New("round not found")

	// ErrBettingClosed covers both the pre-deadline cutoff window and a
	// round that is no longer pending. The caller should stop retrying
	// this round.
	ErrBettingClosed = errors.New("betting closed")

	// ErrInsufficientBalance means the stake exceeds the spendable balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrStoreUnavailable wraps transient infrastructure failures. Nothing
	// partial was committed, so the whole operation is safe to retry.
	ErrStoreUnavailable = errors.New("store unavailable")
)
