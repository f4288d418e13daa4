package types

import "errors"

// Error taxonomy shared by the queue, the reservation registry and the
// recreation service. Every failing operation returns one of these (possibly
// wrapped) and leaves no partial state behind.
var (
	// ErrCapacityExceeded is returned when no admission slot is available.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrPriorityTooLow is returned when an insert does not strictly outrank
	// the incumbent it would have to evict.
	ErrPriorityTooLow = errors.New("priority too low")

	// ErrGracePeriodActive is returned when the eviction candidate is younger
	// than the eviction grace period.
	ErrGracePeriodActive = errors.New("eviction grace period active")

	// ErrNotFound is returned when a proposal or reservation does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized is returned when the caller is not the stored proposer.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrExpired is returned when a reservation's recreation window has closed.
	ErrExpired = errors.New("reservation expired")

	// ErrInsufficientFunds is returned when a recreation payment is below the
	// original fee.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrOverflow is returned when guarded arithmetic would wrap.
	ErrOverflow = errors.New("arithmetic overflow")

	// ErrInvariantViolation signals heap or bucket-chain corruption. It is a
	// defect, never a user error, and must not be retried.
	ErrInvariantViolation = errors.New("invariant violation")
)
