package driver

import (
	"context"
	"errors"

	"i4.energy/across/cellink/session"
	"i4.energy/across/cellink/urc"
)

// Run applies unsolicited events until ctx ends. It must be running for
// operations that wait for events, such as Register.
func (d *Driver) Run(ctx context.Context) error {
	lines := d.cmd.URC()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			d.handle(line)
		}
	}
}

func (d *Driver) handle(line string) {
	ev, err := urc.Classify(line)
	switch {
	case errors.Is(err, urc.ErrNoMatch):
		d.logger.Debug("Discarded unknown line", "line", line)
		return
	case err != nil:
		d.logger.Warn("Discarded malformed event", "error", err)
		return
	}
	d.apply(ev)
	d.publish(ev)
}

// apply updates the session and the socket table for ev.
func (d *Driver) apply(ev urc.Event) {
	switch e := ev.(type) {
	case urc.RegistrationChanged:
		d.observeRegistration(e.Registration)

	case urc.DataReady:
		if !d.sockets.DataReady(e.ConnID, e.Bytes, d.clock.Now()) {
			d.logger.Debug("Data ready on unused socket", "conn_id", e.ConnID)
		}

	case urc.SocketClosed:
		if d.sockets.PeerClosed(e.ConnID) {
			d.logger.Info("Socket closed by peer", "conn_id", e.ConnID)
		}

	case urc.SimStatus:
		st := d.state.Current()
		switch {
		case e.Ready() && st == session.PoweredOn:
			d.transition(session.Promote(session.SimReady))
		case !e.Ready() && st.Satisfies(session.SimReady):
			d.transition(session.Downgrade(session.PoweredOn, "SIM "+e.State))
		}

	case urc.Fault:
		if d.state.Current() != session.PoweredOff {
			d.transition(session.Fault("chip reported " + e.Code))
		}

	case urc.Restarted:
		st := d.state.Current()
		if st != session.PoweredOff && st != session.Degraded {
			d.transition(session.Fault("chip restarted"))
		}
	}
}

// Subscribe returns a channel receiving every classified event after it
// was applied. Events are dropped for subscribers that do not keep up. The
// returned function ends the subscription and closes the channel.
func (d *Driver) Subscribe(buffer int) (<-chan urc.Event, func()) {
	ch := make(chan urc.Event, max(buffer, 1))

	d.subMu.Lock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = ch
	d.subMu.Unlock()

	return ch, func() {
		d.subMu.Lock()
		defer d.subMu.Unlock()
		if _, ok := d.subs[id]; ok {
			delete(d.subs, id)
			close(ch)
		}
	}
}

func (d *Driver) publish(ev urc.Event) {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	for _, ch := range d.subs {
		select {
		case ch <- ev:
		default:
			d.logger.Warn("Subscriber full, dropping event", "event", ev.Name())
		}
	}
}
