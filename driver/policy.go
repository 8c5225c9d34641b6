package driver

import (
	"context"
	"errors"
	"time"

	"i4.energy/across/cellink/codec"
)

// Class groups operations that share a retry policy.
type Class string

const (
	ClassControl      Class = "control"
	ClassRegistration Class = "registration"
	ClassBearer       Class = "bearer"
	ClassSocketOpen   Class = "socket-open"
	// ClassSocketIO is never retried: a send may have reached the peer
	// even when the chip reports a failure.
	ClassSocketIO Class = "socket-io"
)

// Policy is how often and how fast an operation class is retried.
type Policy struct {
	// Attempts is the total number of tries, at least 1.
	Attempts int `yaml:"attempts"`
	// Delay is the wait before the second try.
	Delay time.Duration `yaml:"delay"`
	// Multiplier grows the delay after every try. Values below 1 keep it
	// constant.
	Multiplier float64 `yaml:"multiplier"`
	// MaxDelay caps the delay when set.
	MaxDelay time.Duration `yaml:"max_delay"`
}

// DefaultPolicies returns the retry table used when no policy is given.
func DefaultPolicies() map[Class]Policy {
	return map[Class]Policy{
		ClassControl:      {Attempts: 1},
		ClassRegistration: {Attempts: 3, Delay: 2 * time.Second, Multiplier: 2, MaxDelay: 30 * time.Second},
		ClassBearer:       {Attempts: 2, Delay: 5 * time.Second},
		ClassSocketOpen:   {Attempts: 1},
		ClassSocketIO:     {Attempts: 1},
	}
}

func (p Policy) next(d time.Duration) time.Duration {
	if p.Multiplier > 1 {
		d = time.Duration(float64(d) * p.Multiplier)
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// retryable reports whether trying again could help.
func retryable(err error) bool {
	if errors.Is(err, ErrTimeout) {
		return true
	}
	var rej *codec.ChipRejected
	return errors.As(err, &rej) && rej.Retryable()
}

// retry runs op under the policy of class. Waits between tries use the
// driver clock and end early with ctx.
func (d *Driver) retry(ctx context.Context, class Class, op func(context.Context) error) error {
	p := d.policies[class]
	delay := p.Delay
	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil || attempt >= p.Attempts || !retryable(err) {
			return err
		}
		d.logger.Info("Retrying", "class", class, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-d.clock.After(delay):
		case <-ctx.Done():
			return err
		}
		delay = p.next(delay)
	}
}
