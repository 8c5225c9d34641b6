package socket

import "errors"

var (
	// ErrNoFreeSlot is returned by Reserve when every slot is bound.
	ErrNoFreeSlot = errors.New("no free socket slot")

	// ErrClosed is returned for operations on a handle whose socket was
	// closed, by the caller, the peer or a bearer loss.
	ErrClosed = errors.New("socket closed")

	// ErrInvalidHandle is returned for handles this table never issued.
	ErrInvalidHandle = errors.New("invalid socket handle")
)
