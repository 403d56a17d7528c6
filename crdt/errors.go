package crdt

import "errors"

// Engine errors
var (
	// ErrEmptyUpdate is returned for zero-length update bytes.
	ErrEmptyUpdate = errors.New("empty update")

	// ErrMalformedUpdate is returned when update bytes cannot be decoded
	// or violate the operation envelope. The replica is left untouched.
	ErrMalformedUpdate = errors.New("malformed update")

	// ErrMalformedState is returned when persisted state bytes cannot be decoded.
	ErrMalformedState = errors.New("malformed state")

	// ErrMalformedStateVector is returned when state vector bytes cannot be decoded.
	ErrMalformedStateVector = errors.New("malformed state vector")
)
