package driver

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// ResetLine pulses the hardware reset input of the chip.
type ResetLine interface {
	Pulse(ctx context.Context) error
}

type Option func(*Driver)

func WithClock(c clockwork.Clock) Option {
	return func(d *Driver) { d.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Driver) { d.logger = l }
}

// WithPolicy replaces the retry policy of a class. The socket-io class
// always runs once.
func WithPolicy(class Class, p Policy) Option {
	return func(d *Driver) {
		if class == ClassSocketIO {
			return
		}
		if p.Attempts < 1 {
			p.Attempts = 1
		}
		d.policies[class] = p
	}
}

// WithSlots limits the number of chip sockets the driver hands out.
func WithSlots(n int) Option {
	return func(d *Driver) { d.slots = n }
}

// WithStaleAfter sets how long a pending byte count learned from the chip
// is trusted before Receive asks again.
func WithStaleAfter(t time.Duration) Option {
	return func(d *Driver) { d.staleAfter = t }
}

// WithSimPIN sets the PIN entered when the SIM asks for one.
func WithSimPIN(pin string) Option {
	return func(d *Driver) { d.pin = pin }
}

// WithPollInterval sets how often status is polled while waiting for an
// event.
func WithPollInterval(t time.Duration) Option {
	return func(d *Driver) { d.pollInterval = t }
}

func WithResetLine(r ResetLine) Option {
	return func(d *Driver) { d.reset = r }
}

// WithContextID selects the PDP context used for the bearer.
func WithContextID(cid int) Option {
	return func(d *Driver) { d.cid = cid }
}
