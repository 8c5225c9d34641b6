// Package power drives the hardware lines of the modem from the host.
package power

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// DefaultPulse is how long the reset line is held active. The GM02S needs
// at least 1ms on RESET_N; a longer pulse is harmless.
const DefaultPulse = 100 * time.Millisecond

var ErrPinNotFound = errors.New("power: gpio pin not found")

// GPIOReset pulses the reset input of the modem through a GPIO pin.
type GPIOReset struct {
	pin       gpio.PinOut
	width     time.Duration
	activeLow bool
	clock     clockwork.Clock
}

type Option func(*GPIOReset)

// WithPulse sets how long the line is held active.
func WithPulse(d time.Duration) Option {
	return func(r *GPIOReset) {
		if d > 0 {
			r.width = d
		}
	}
}

// WithActiveHigh is for boards that invert RESET_N with a transistor.
func WithActiveHigh() Option {
	return func(r *GPIOReset) { r.activeLow = false }
}

func WithClock(c clockwork.Clock) Option {
	return func(r *GPIOReset) { r.clock = c }
}

// Open initializes the host drivers and looks up the pin by name, e.g.
// "GPIO17". The line is driven to its idle level right away.
func Open(name string, opts ...Option) (*GPIOReset, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("power: init host: %w", err)
	}
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("%w: %s", ErrPinNotFound, name)
	}
	return NewGPIOReset(p, opts...)
}

// NewGPIOReset takes an already resolved pin.
func NewGPIOReset(pin gpio.PinOut, opts ...Option) (*GPIOReset, error) {
	r := &GPIOReset{
		pin:       pin,
		width:     DefaultPulse,
		activeLow: true,
		clock:     clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.pin.Out(r.idle()); err != nil {
		return nil, fmt.Errorf("power: set %s idle: %w", r.pin, err)
	}
	return r, nil
}

func (r *GPIOReset) active() gpio.Level { return gpio.Level(!r.activeLow) }
func (r *GPIOReset) idle() gpio.Level   { return gpio.Level(r.activeLow) }

// Pulse asserts the reset line for the configured width. The line is
// returned to idle even when ctx ends early, in which case ctx's error is
// returned.
func (r *GPIOReset) Pulse(ctx context.Context) error {
	if err := r.pin.Out(r.active()); err != nil {
		return fmt.Errorf("power: assert %s: %w", r.pin, err)
	}

	var waitErr error
	select {
	case <-r.clock.After(r.width):
	case <-ctx.Done():
		waitErr = ctx.Err()
	}

	if err := r.pin.Out(r.idle()); err != nil {
		return fmt.Errorf("power: release %s: %w", r.pin, err)
	}
	return waitErr
}

func (r *GPIOReset) String() string {
	return fmt.Sprintf("%s (%s pulse)", r.pin, r.width)
}
