package reservation

import "errors"

var (
	// ErrAlreadyReserved is returned when a proposal already holds a live
	// reservation.
	ErrAlreadyReserved = errors.New("proposal already reserved")

	// ErrChainPayments is returned when a chain recreation does not supply
	// exactly one payment per reservation in the chain.
	ErrChainPayments = errors.New("payment count does not match chain")
)
