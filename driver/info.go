package driver

import (
	"context"
	"fmt"
	"time"

	"i4.energy/across/cellink/codec"
	"i4.energy/across/cellink/session"
	"i4.energy/across/cellink/urc"
)

// SignalQuality polls the signal and records it on the registration.
func (d *Driver) SignalQuality(ctx context.Context) (codec.SignalQuality, error) {
	q, err := ask[codec.SignalQuality](ctx, d, session.PoweredOn, codec.GetSignalQuality{})
	if err != nil {
		return codec.SignalQuality{}, err
	}
	d.state.SetSignal(q, d.clock.Now())
	return q, nil
}

// Clock reads the network time kept by the chip.
func (d *Driver) Clock(ctx context.Context) (time.Time, error) {
	t, err := ask[codec.NetworkTime](ctx, d, session.PoweredOff, codec.GetClock{})
	if err != nil {
		return time.Time{}, err
	}
	if !t.Valid() {
		return time.Time{}, ErrClockNotSet
	}
	return t.Time, nil
}

func (d *Driver) OperatingMode(ctx context.Context) (codec.RAT, error) {
	m, err := ask[codec.OperatingMode](ctx, d, session.PoweredOff, codec.GetOperatingMode{})
	if err != nil {
		return 0, err
	}
	return m.RAT, nil
}

// SetOperatingMode selects LTE-M or NB-IoT. The chip accepts it only with
// the radio off.
func (d *Driver) SetOperatingMode(ctx context.Context, rat codec.RAT) error {
	if st := d.state.Current(); st != session.PoweredOff {
		return fmt.Errorf("set operating mode: %w: radio is %s", codec.ErrInvalidArgument, st)
	}
	_, err := d.issue(ctx, session.PoweredOff, codec.SetOperatingMode{RAT: rat})
	return err
}

func (d *Driver) ConfigureGnss(ctx context.Context, cfg codec.GnssConfig) error {
	_, err := d.issue(ctx, session.PoweredOn, cfg)
	return err
}

// GnssFix programs a single fix and waits for it. When timeout passes
// first the fix is stopped.
func (d *Driver) GnssFix(ctx context.Context, timeout time.Duration) (urc.PositionFix, error) {
	if err := d.require(session.PoweredOn); err != nil {
		return urc.PositionFix{}, err
	}
	events, unsubscribe := d.Subscribe(4)
	defer unsubscribe()

	wctx, cancel := d.wait(ctx, session.PoweredOn, timeout)
	defer cancel()

	if _, err := d.issue(wctx, session.PoweredOn, codec.GnssProgram{Action: codec.GnssSingle}); err != nil {
		if wctx.Err() != nil {
			return urc.PositionFix{}, d.ended(ctx, wctx, "gnss fix")
		}
		return urc.PositionFix{}, fmt.Errorf("gnss fix: %w", err)
	}

	for {
		select {
		case ev := <-events:
			if fix, ok := ev.(urc.PositionFix); ok {
				return fix, nil
			}
		case <-wctx.Done():
			err := d.ended(ctx, wctx, "gnss fix")
			stop := context.WithoutCancel(ctx)
			if _, serr := d.issue(stop, session.PoweredOn, codec.GnssProgram{Action: codec.GnssStop}); serr != nil {
				d.logger.Warn("Could not stop fix", "error", serr)
			}
			return urc.PositionFix{}, err
		}
	}
}

// GnssAssistance reports the assistance data sets the chip holds.
func (d *Driver) GnssAssistance(ctx context.Context) (codec.GnssAssistance, error) {
	return ask[codec.GnssAssistance](ctx, d, session.PoweredOff, codec.GetGnssAssistance{})
}

// UpdateGnssAssistance downloads the almanac and the real-time ephemeris
// when they are missing or stale, then polls until the chip reports both
// fresh. The download runs over LTE, so the chip must be registered.
func (d *Driver) UpdateGnssAssistance(ctx context.Context, timeout time.Duration) error {
	const op = "update gnss assistance"
	if err := d.require(session.Registered); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	// the chip fetches nothing with an unsynchronized clock
	if _, err := d.Clock(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	wctx, cancel := d.wait(ctx, session.Registered, timeout)
	defer cancel()

	stale, err := d.staleAssistance(wctx)
	if err != nil {
		if done(wctx) {
			return d.ended(ctx, wctx, op)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	for _, t := range stale {
		d.logger.Info("Downloading GNSS assistance", "type", t)
		if _, err := d.issue(wctx, session.Registered, codec.UpdateGnssAssistance{Type: t}); err != nil {
			if done(wctx) {
				return d.ended(ctx, wctx, op)
			}
			return fmt.Errorf("%s: %w", op, err)
		}
	}

	for len(stale) > 0 {
		select {
		case <-d.clock.After(assistancePoll):
		case <-wctx.Done():
			return d.ended(ctx, wctx, op)
		}
		next, err := d.staleAssistance(wctx)
		switch {
		case done(wctx):
			return d.ended(ctx, wctx, op)
		case err != nil:
			d.logger.Warn("Assistance query failed", "error", err)
		default:
			stale = next
		}
	}
	return nil
}

// staleAssistance lists the data sets a fix depends on that need a download.
func (d *Driver) staleAssistance(ctx context.Context) ([]codec.AssistanceType, error) {
	g, err := d.GnssAssistance(ctx)
	if err != nil {
		return nil, err
	}
	var stale []codec.AssistanceType
	for _, t := range []codec.AssistanceType{codec.AssistAlmanac, codec.AssistRealTimeEphemeris} {
		if a := g.Get(t); a.Stale() {
			d.logger.Debug("GNSS assistance stale", "type", t, "available", a.Available, "update_in", a.UpdateIn)
			stale = append(stale, t)
		}
	}
	return stale, nil
}
