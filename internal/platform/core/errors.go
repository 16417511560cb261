package core

import "errors"

// Failure kinds returned by the engine. Callers branch with errors.Is; the
// endpoint layer maps each kind to a status code. None of these are retried
// inside the core. A failed purchase may be retried by the caller with the
// same idempotency key.
var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrInsufficientFunds = errors.New("insufficient minis balance")

	// ErrConfiguration is fatal at startup and must never be swallowed.
	ErrConfiguration = errors.New("configuration error")
)
