package codec

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument is returned by Encode when a request parameter is
	// outside the range the chip accepts. Nothing is sent to the chip.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrUnparseable is wrapped by every ProtocolError.
	//
	// It means the chip answered, but the answer does not match the grammar
	// of the command that was issued.
	ErrUnparseable = errors.New("unparseable response")
)

// CodeGeneric is the code reported for a bare ERROR final result.
const CodeGeneric = -1

// ProtocolError describes chip output that could not be decoded.
type ProtocolError struct {
	Kind   Kind
	Line   string
	Reason string
}

func (e *ProtocolError) Error() string {
	if e.Line == "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, ErrUnparseable, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s (line %q)", e.Kind, ErrUnparseable, e.Reason, e.Line)
}

func (e *ProtocolError) Unwrap() error {
	return ErrUnparseable
}

// ChipRejected is returned when the chip explicitly refused a command.
type ChipRejected struct {
	// Code is the numeric CME/CMS error, or CodeGeneric for a bare ERROR.
	Code  int
	Text  string
	Cause Cause
}

func (e *ChipRejected) Error() string {
	switch {
	case e.Code == CodeGeneric && e.Text == "":
		return "chip rejected command: ERROR"
	case e.Text != "":
		return fmt.Sprintf("chip rejected command: %s (code %d)", e.Text, e.Code)
	default:
		return fmt.Sprintf("chip rejected command: %s (code %d)", e.Cause, e.Code)
	}
}

// Cause is the semantic meaning of a chip error code.
type Cause int

const (
	CauseUnknown Cause = iota
	CauseOperationNotAllowed
	CauseOperationNotSupported
	CauseSimNotInserted
	CauseSimPinRequired
	CauseSimPukRequired
	CauseSimFailure
	CauseSimBusy
	CauseIncorrectPassword
	CauseNoNetworkService
	CauseNetworkTimeout
	CauseIncorrectParameters
	CausePDPAuthFailure
	CauseUnknownAPN
	CauseDualModeNotConfigured
	CauseDeviceActive
)

var causeNames = map[Cause]string{
	CauseUnknown:               "unknown",
	CauseOperationNotAllowed:   "operation not allowed",
	CauseOperationNotSupported: "operation not supported",
	CauseSimNotInserted:        "SIM not inserted",
	CauseSimPinRequired:        "SIM PIN required",
	CauseSimPukRequired:        "SIM PUK required",
	CauseSimFailure:            "SIM failure",
	CauseSimBusy:               "SIM busy",
	CauseIncorrectPassword:     "incorrect password",
	CauseNoNetworkService:      "no network service",
	CauseNetworkTimeout:        "network timeout",
	CauseIncorrectParameters:   "incorrect parameters",
	CausePDPAuthFailure:        "PDP authentication failure",
	CauseUnknownAPN:            "missing or unknown APN",
	CauseDualModeNotConfigured: "dual mode not configured",
	CauseDeviceActive:          "device in active state",
}

func (c Cause) String() string {
	if s, ok := causeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("cause(%d)", int(c))
}

// 3GPP TS 27.007 9.2 plus the Sequans extensions.
var cmeCauses = map[int]Cause{
	3:   CauseOperationNotAllowed,
	4:   CauseOperationNotSupported,
	10:  CauseSimNotInserted,
	11:  CauseSimPinRequired,
	12:  CauseSimPukRequired,
	13:  CauseSimFailure,
	14:  CauseSimBusy,
	16:  CauseIncorrectPassword,
	30:  CauseNoNetworkService,
	31:  CauseNetworkTimeout,
	50:  CauseIncorrectParameters,
	149: CausePDPAuthFailure,
	533: CauseUnknownAPN,
	589: CauseDualModeNotConfigured,
	591: CauseDeviceActive,
}

// CauseOf maps a CME error code to its semantic cause.
func CauseOf(code int) Cause {
	if c, ok := cmeCauses[code]; ok {
		return c
	}
	return CauseUnknown
}

// Retryable reports whether the refusal is transient.
func (e *ChipRejected) Retryable() bool {
	switch e.Cause {
	case CauseSimBusy, CauseNoNetworkService, CauseNetworkTimeout, CauseUnknown:
		return true
	default:
		return false
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
