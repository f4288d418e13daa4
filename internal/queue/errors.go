package queue

import "errors"

var (
	// ErrAlreadyKnown is returned when inserting a proposal id that is already
	// queued or active.
	ErrAlreadyKnown = errors.New("proposal already known")

	// ErrFeeTooLow is returned when the fee is below the occupancy-scaled
	// minimum.
	ErrFeeTooLow = errors.New("fee below minimum")

	// ErrScopeMismatch is returned when a proposal targets another scope.
	ErrScopeMismatch = errors.New("proposal scope mismatch")

	// ErrInvalidProposal is returned for a proposal without an id.
	ErrInvalidProposal = errors.New("invalid proposal")
)
