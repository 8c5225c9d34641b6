package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"i4.energy/across/cellink/codec"
	"i4.energy/across/cellink/session"
)

// Init learns the state of the chip and rebuilds the session from it. It
// also enables numeric error codes and registration reports carrying the
// reject cause. Nothing from a previous process is assumed.
func (d *Driver) Init(ctx context.Context) error {
	for _, req := range []codec.Request{
		codec.Ping{},
		codec.ErrorReports{Mode: 1},
		codec.RegistrationReports{Mode: 3},
	} {
		if _, err := d.issue(ctx, session.PoweredOff, req); err != nil {
			return fmt.Errorf("init: %w", err)
		}
	}

	fun, err := ask[codec.Functionality](ctx, d, session.PoweredOff, codec.GetFunctionality{})
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	d.transition(session.Downgrade(session.PoweredOff, "reinitialized"))
	if fun.Mode != codec.ModeFull {
		d.logger.Info("Initialized", "stage", d.state.Current(), "functionality", fun.Mode)
		return nil
	}
	d.transition(session.Promote(session.PoweredOn))

	if err := d.initSession(ctx); err != nil {
		return fmt.Errorf("init: %w", err)
	}
	d.logger.Info("Initialized", "stage", d.state.Current())
	return nil
}

// initSession promotes one stage at a time as far as the chip confirms.
func (d *Driver) initSession(ctx context.Context) error {
	sim, err := ask[codec.SimStatus](ctx, d, session.PoweredOn, codec.GetSimStatus{})
	var rej *codec.ChipRejected
	switch {
	case errors.As(err, &rej):
		d.logger.Info("SIM not usable", "error", rej)
		return nil
	case err != nil:
		return err
	case !sim.Ready():
		return nil
	}
	d.transition(session.Promote(session.SimReady))

	reg, err := ask[codec.Registration](ctx, d, session.SimReady, codec.GetRegistration{})
	if err != nil {
		return err
	}
	d.observeRegistration(reg)
	if !reg.Status.Registered() {
		return nil
	}

	states, err := ask[codec.ContextStates](ctx, d, session.Registered, codec.GetContextStates{})
	if err != nil {
		return err
	}
	if !states[d.cid] {
		return nil
	}
	addr, err := ask[codec.Address](ctx, d, session.Registered, codec.GetAddress{CID: d.cid})
	if err != nil {
		return err
	}
	// the APN is not queried; an active context is kept as found
	d.state.Activate(session.Bearer{CID: d.cid, Address: addr.Addr, ActivatedAt: d.clock.Now()})
	return nil
}

// PowerOn switches the radio to full functionality. A chip that does not
// comply is reported as ErrHardwareFault.
func (d *Driver) PowerOn(ctx context.Context) error {
	switch st := d.state.Current(); {
	case st == session.Degraded:
		return d.require(session.PoweredOn)
	case st != session.PoweredOff:
		return nil
	}

	err := d.retry(ctx, ClassControl, func(ctx context.Context) error {
		_, err := d.issue(ctx, session.PoweredOff, codec.SetFunctionality{Mode: codec.ModeFull})
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("power on: %w", err)
		}
		return fmt.Errorf("power on: %w: %w", ErrHardwareFault, err)
	}
	if _, ok := d.transition(session.Promote(session.PoweredOn)); !ok {
		return d.require(session.PoweredOn)
	}
	return nil
}

// PowerOff switches the radio to minimum functionality. The chip is only
// notified on a best-effort basis; the session always ends in PoweredOff.
func (d *Driver) PowerOff(ctx context.Context) error {
	if _, err := d.issue(ctx, session.PoweredOff, codec.SetFunctionality{Mode: codec.ModeMinimum}); err != nil {
		d.logger.Warn("Power off not confirmed by chip", "error", err)
	}
	d.transition(session.Downgrade(session.PoweredOff, "powered off"))
	return nil
}

// WaitSimReady polls the SIM until it is ready or timeout passes. A SIM
// asking for its PIN gets the configured one, once.
func (d *Driver) WaitSimReady(ctx context.Context, timeout time.Duration) error {
	if d.state.Current().Satisfies(session.SimReady) {
		return nil
	}
	if err := d.require(session.PoweredOn); err != nil {
		return err
	}

	wctx, cancel := d.wait(ctx, session.PoweredOn, timeout)
	defer cancel()

	pinEntered := false
	for {
		changed := d.state.Changed()
		if d.state.Current().Satisfies(session.SimReady) {
			return nil
		}

		sim, err := ask[codec.SimStatus](wctx, d, session.PoweredOn, codec.GetSimStatus{})
		var rej *codec.ChipRejected
		switch {
		case wctx.Err() != nil:
			return d.ended(ctx, wctx, "wait for SIM")
		case errors.As(err, &rej) && rej.Cause == codec.CauseSimPinRequired:
			sim.State = codec.SimPIN
		case errors.As(err, &rej) && (rej.Cause == codec.CauseSimBusy || rej.Cause == codec.CauseSimNotInserted):
			d.logger.Debug("SIM not ready", "cause", rej.Cause)
		case err != nil:
			return fmt.Errorf("wait for SIM: %w", err)
		}

		switch {
		case sim.Ready():
			if _, ok := d.transition(session.Promote(session.SimReady)); ok {
				return nil
			}
		case sim.State == codec.SimPIN:
			if d.pin == "" || pinEntered {
				return fmt.Errorf("wait for SIM: %w", ErrSIMPinRequired)
			}
			pinEntered = true
			if _, err := d.issue(wctx, session.PoweredOn, codec.EnterPin{PIN: d.pin}); err != nil {
				if wctx.Err() != nil {
					return d.ended(ctx, wctx, "wait for SIM")
				}
				return fmt.Errorf("enter PIN: %w: %w", ErrSIMPinRequired, err)
			}
			continue
		case sim.State == codec.SimPUK:
			return fmt.Errorf("wait for SIM: %w: PUK required", ErrSIMPinRequired)
		}

		select {
		case <-changed:
		case <-d.clock.After(d.pollInterval):
		case <-wctx.Done():
			return d.ended(ctx, wctx, "wait for SIM")
		}
	}
}

// Register starts automatic network selection and waits until a
// registration event reports the home or a roaming network.
func (d *Driver) Register(ctx context.Context, timeout time.Duration) error {
	if d.state.Current().Satisfies(session.Registered) {
		return nil
	}
	if err := d.require(session.SimReady); err != nil {
		return err
	}

	wctx, cancel := d.wait(ctx, session.SimReady, timeout)
	defer cancel()
	start := d.clock.Now()

	err := d.retry(wctx, ClassRegistration, func(ctx context.Context) error {
		_, err := d.issue(ctx, session.SimReady, codec.SelectOperator{})
		return err
	})
	if err != nil {
		if wctx.Err() != nil {
			return d.ended(ctx, wctx, "register")
		}
		return fmt.Errorf("register: %w", err)
	}

	// the event may have fired before reports were enabled
	before := d.state.Changed()
	reg, err := ask[codec.Registration](wctx, d, session.SimReady, codec.GetRegistration{})
	switch {
	case wctx.Err() != nil:
		return d.ended(ctx, wctx, "register")
	case err != nil:
		d.logger.Warn("Registration poll failed", "error", err)
	default:
		select {
		case <-before:
			// an event arrived during the poll and is newer
		default:
			d.observeRegistration(reg)
		}
	}

	for {
		changed := d.state.Changed()
		if d.state.Current().Satisfies(session.Registered) {
			return nil
		}
		if r := d.state.Registration(); r.Status == codec.RegDenied && !r.UpdatedAt.Before(start) {
			return fmt.Errorf("register: %w", &RegistrationDeniedError{Cause: r.RejectCause})
		}
		select {
		case <-changed:
		case <-wctx.Done():
			return d.ended(ctx, wctx, "register")
		}
	}
}

// ActivateBearer defines the PDP context for apn, activates it and reads
// the assigned address.
func (d *Driver) ActivateBearer(ctx context.Context, apn string, timeout time.Duration) error {
	define := codec.DefineContext{CID: d.cid, APN: apn}
	if _, err := define.Encode(); err != nil {
		return fmt.Errorf("activate bearer: %w", err)
	}
	if snap := d.state.Snapshot(); snap.Stage == session.BearerActive {
		if snap.Bearer != nil && snap.Bearer.APN == apn {
			return nil
		}
		return fmt.Errorf("activate bearer: %w: bearer already active", codec.ErrInvalidArgument)
	}
	if err := d.require(session.Registered); err != nil {
		return err
	}

	wctx, cancel := d.wait(ctx, session.Registered, timeout)
	defer cancel()

	err := d.retry(wctx, ClassBearer, func(ctx context.Context) error {
		if _, err := d.issue(ctx, session.Registered, define); err != nil {
			return err
		}
		_, err := d.issue(ctx, session.Registered, codec.ActivateContext{CID: d.cid, Active: true})
		return err
	})
	if err != nil {
		var rej *codec.ChipRejected
		switch {
		case wctx.Err() != nil:
			return d.ended(ctx, wctx, "activate bearer")
		case errors.As(err, &rej):
			return &BearerActivationError{Code: rej.Code, Cause: rej.Cause, Err: err}
		}
		return fmt.Errorf("activate bearer: %w", err)
	}

	b := session.Bearer{CID: d.cid, APN: apn, ActivatedAt: d.clock.Now()}
	addr, err := ask[codec.Address](wctx, d, session.Registered, codec.GetAddress{CID: d.cid})
	if err != nil {
		d.logger.Warn("Bearer address unknown", "error", err)
	} else {
		b.Address = addr.Addr
	}

	if _, ok := d.state.Activate(b); !ok {
		return fmt.Errorf("activate bearer: %w", d.lostErr(session.Registered))
	}
	d.logger.Info("Bearer active", "apn", apn, "address", b.Address)
	return nil
}

// DeactivateBearer tells the chip to drop the bearer, best effort, and
// returns the session to Registered. All sockets are invalidated.
func (d *Driver) DeactivateBearer(ctx context.Context) error {
	if d.state.Current() != session.BearerActive {
		return nil
	}
	if _, err := d.issue(ctx, session.Registered, codec.ActivateContext{CID: d.cid, Active: false}); err != nil {
		d.logger.Warn("Bearer deactivation not confirmed by chip", "error", err)
	}
	d.transition(session.Downgrade(session.Registered, "bearer deactivated"))
	return nil
}

// Shutdown powers the chip down. Only a reset or power cycle wakes it up.
func (d *Driver) Shutdown(ctx context.Context) error {
	_, err := d.issue(ctx, session.PoweredOff, codec.Shutdown{})
	d.transition(session.Downgrade(session.PoweredOff, "shut down"))
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// Reset pulses the hardware reset line. It is the way out of Degraded when
// the chip no longer answers.
func (d *Driver) Reset(ctx context.Context) error {
	if d.reset == nil {
		return ErrNoResetLine
	}
	d.transition(session.Downgrade(session.PoweredOff, "reset"))
	if err := d.reset.Pulse(ctx); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}
