package driver

import (
	"errors"
	"fmt"

	"i4.energy/across/cellink/codec"
)

var (
	// ErrTimeout is returned when an operation did not complete within its
	// allotted time. The session stage is left as it was.
	ErrTimeout = errors.New("operation timed out")

	// ErrStageLost is returned when the stage an operation requires is not
	// reached, or was lost while the operation was in flight.
	ErrStageLost = errors.New("connectivity stage lost")

	// ErrHardwareFault is returned when the chip failed in a way only a
	// power cycle recovers from.
	ErrHardwareFault = errors.New("hardware fault")

	// ErrSIMPinRequired is returned when the SIM is locked and no PIN is
	// configured, or the configured PIN was not accepted.
	ErrSIMPinRequired = errors.New("SIM PIN required")

	// ErrNoResetLine is returned by Reset when no reset line is configured.
	ErrNoResetLine = errors.New("no reset line configured")

	// ErrClockNotSet is returned when the chip has not learned the time from
	// the network yet.
	ErrClockNotSet = errors.New("network time not available")
)

// RegistrationDeniedError is returned when the network rejects the
// registration.
type RegistrationDeniedError struct {
	// Cause is the EMM reject cause, or codec.NoRejectCause.
	Cause int
}

func (e *RegistrationDeniedError) Error() string {
	if e.Cause == codec.NoRejectCause {
		return "registration denied"
	}
	return fmt.Sprintf("registration denied: EMM cause %d", e.Cause)
}

// BearerActivationError is returned when the chip refuses to bring up the
// data bearer.
type BearerActivationError struct {
	Code  int
	Cause codec.Cause
	Err   error
}

func (e *BearerActivationError) Error() string {
	return fmt.Sprintf("bearer activation failed: code %d (%s)", e.Code, e.Cause)
}

func (e *BearerActivationError) Unwrap() error { return e.Err }
