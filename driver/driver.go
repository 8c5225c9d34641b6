// Package driver turns the AT protocol of a Sequans Monarch 2 modem into
// typed connectivity operations.
//
// A Driver issues at most one command at a time through its Commander and
// applies unsolicited events on a separate path, Run, which never waits for
// the command lock. Every stage change goes through the session transition
// gate, whether it comes from a command outcome or from an event.
//
// Usage:
//
//	d := driver.New(m, driver.WithLogger(logger))
//	go d.Run(ctx)
//
//	if err := d.Init(ctx); err != nil { ... }
//	if err := d.PowerOn(ctx); err != nil { ... }
//	if err := d.WaitSimReady(ctx, 10*time.Second); err != nil { ... }
//	if err := d.Register(ctx, 3*time.Minute); err != nil { ... }
//	if err := d.ActivateBearer(ctx, "iot.example", time.Minute); err != nil { ... }
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/semaphore"
	"i4.energy/across/cellink/codec"
	"i4.energy/across/cellink/session"
	"i4.energy/across/cellink/socket"
	"i4.energy/across/cellink/urc"
)

const (
	defaultStaleAfter   = 30 * time.Second
	defaultPollInterval = 2 * time.Second
	defaultCID          = 1
	// assistancePoll spaces the queries while the chip downloads
	// assistance data.
	assistancePoll = 10 * time.Second
)

// Driver is the connectivity state machine of one modem.
type Driver struct {
	cmd    Commander
	clock  clockwork.Clock
	logger *slog.Logger

	state   *session.State
	sockets *socket.Table
	// sem is the command lock. It is context aware so a waiting caller can
	// give up.
	sem *semaphore.Weighted

	policies     map[Class]Policy
	slots        int
	staleAfter   time.Duration
	pollInterval time.Duration
	pin          string
	cid          int
	reset        ResetLine

	subMu   sync.Mutex
	subs    map[int]chan urc.Event
	nextSub int
}

// New returns a driver in PoweredOff. Call Init to learn the actual state
// of the chip.
func New(cmd Commander, opts ...Option) *Driver {
	d := &Driver{
		cmd:          cmd,
		clock:        clockwork.NewRealClock(),
		logger:       slog.Default(),
		state:        session.New(),
		sem:          semaphore.NewWeighted(1),
		policies:     DefaultPolicies(),
		slots:        socket.DefaultSlots,
		staleAfter:   defaultStaleAfter,
		pollInterval: defaultPollInterval,
		cid:          defaultCID,
		subs:         make(map[int]chan urc.Event),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "driver")
	d.sockets = socket.NewTable(d.slots)
	return d
}

// Stage returns the current connectivity stage.
func (d *Driver) Stage() session.Stage {
	return d.state.Current()
}

// Snapshot returns a copy of the session.
func (d *Driver) Snapshot() session.Snapshot {
	return d.state.Snapshot()
}

// Sockets returns a copy of the socket slots.
func (d *Driver) Sockets() []socket.SlotInfo {
	return d.sockets.Snapshot()
}

// require fails when the current stage does not satisfy min.
func (d *Driver) require(min session.Stage) error {
	snap := d.state.Snapshot()
	if snap.Stage.Satisfies(min) {
		return nil
	}
	if snap.Stage == session.Degraded {
		return fmt.Errorf("%w: %s", ErrHardwareFault, snap.DegradedReason)
	}
	return fmt.Errorf("%w: requires %s, stage is %s", ErrStageLost, min, snap.Stage)
}

// lostErr describes the loss of min after an operation started.
func (d *Driver) lostErr(min session.Stage) error {
	snap := d.state.Snapshot()
	if snap.Stage == session.Degraded {
		return fmt.Errorf("%w: requires %s: %w: %s", ErrStageLost, min, ErrHardwareFault, snap.DegradedReason)
	}
	return fmt.Errorf("%w: requires %s, stage is %s", ErrStageLost, min, snap.Stage)
}

// guard returns a context that is cancelled with ErrStageLost as soon as
// the stage no longer satisfies min.
func (d *Driver) guard(ctx context.Context, min session.Stage) (context.Context, context.CancelFunc) {
	gctx, cancel := context.WithCancelCause(ctx)
	if min == session.PoweredOff {
		return gctx, func() { cancel(nil) }
	}
	lost := d.state.Lost(min)
	stop := make(chan struct{})
	go func() {
		select {
		case <-lost:
			cancel(d.lostErr(min))
		case <-stop:
		case <-gctx.Done():
		}
	}()
	return gctx, func() {
		close(stop)
		d.state.Forget(lost)
		cancel(nil)
	}
}

// wait bounds a multi-step operation by timeout on the driver clock and by
// the loss of min.
func (d *Driver) wait(ctx context.Context, min session.Stage, timeout time.Duration) (context.Context, context.CancelFunc) {
	tctx, tcancel := clockwork.WithTimeout(ctx, d.clock, timeout)
	gctx, gcancel := d.guard(tctx, min)
	return gctx, func() {
		gcancel()
		tcancel()
	}
}

// ended explains why a wait context ended: stage loss, the caller giving
// up, or the timeout.
func (d *Driver) ended(parent, wctx context.Context, op string) error {
	if cause := context.Cause(wctx); errors.Is(cause, ErrStageLost) {
		return fmt.Errorf("%s: %w", op, cause)
	}
	if err := parent.Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w", op, ErrTimeout)
}

// issue encodes req, runs it under the command lock and decodes the
// answer. The command is abandoned when its deadline passes, when ctx ends
// or when the stage drops below min.
func (d *Driver) issue(ctx context.Context, min session.Stage, req codec.Request) (codec.Response, error) {
	kind := req.Kind()
	cmd, err := req.Encode()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", kind, err)
	}
	if err := d.require(min); err != nil {
		return nil, fmt.Errorf("%s: %w", kind, err)
	}

	gctx, release := d.guard(ctx, min)
	defer release()

	if err := d.sem.Acquire(gctx, 1); err != nil {
		return nil, d.interrupted(gctx, kind, err)
	}
	defer d.sem.Release(1)

	cctx, cancel := clockwork.WithTimeout(gctx, d.clock, codec.Timeout(kind))
	defer cancel()

	d.logger.Debug("Issuing command", "command", cmd)
	lines, err := d.cmd.Exec(cctx, cmd)
	if err != nil {
		if gctx.Err() != nil {
			return nil, d.interrupted(gctx, kind, err)
		}
		if done(cctx) {
			return nil, fmt.Errorf("%s: %w", kind, ErrTimeout)
		}
		return nil, fmt.Errorf("%s: %w", kind, err)
	}
	// the stage may have dropped while the answer was on its way
	if cause := context.Cause(gctx); errors.Is(cause, ErrStageLost) {
		return nil, fmt.Errorf("%s: %w", kind, cause)
	}

	resp, err := codec.Decode(kind, lines)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", kind, err)
	}
	return resp, nil
}

func (d *Driver) interrupted(gctx context.Context, kind codec.Kind, err error) error {
	if cause := context.Cause(gctx); errors.Is(cause, ErrStageLost) {
		return fmt.Errorf("%s: %w", kind, cause)
	}
	return fmt.Errorf("%s: %w", kind, err)
}

// done reports whether ctx ended. Err of a fake clock context blocks
// until it is done, so it cannot be used for polling.
func done(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// ask issues req and type-checks the response.
func ask[T codec.Response](ctx context.Context, d *Driver, min session.Stage, req codec.Request) (T, error) {
	var zero T
	resp, err := d.issue(ctx, min, req)
	if err != nil {
		return zero, err
	}
	v, ok := resp.(T)
	if !ok {
		return zero, &codec.ProtocolError{Kind: req.Kind(), Reason: fmt.Sprintf("unexpected response %T", resp)}
	}
	return v, nil
}

// transition applies t through the session gate. Leaving BearerActive
// drops every socket, since the chip closes them with the bearer.
func (d *Driver) transition(t session.Transition) (session.Stage, bool) {
	from := d.state.Current()
	to, ok := d.state.TryTransition(t)
	if !ok {
		d.logger.Debug("Ignored illegal transition", "stage", from, "transition", t)
		return to, false
	}
	if to != from {
		d.logger.Info("Stage changed", "from", from, "to", to, "transition", t)
	}
	if !to.Satisfies(session.BearerActive) {
		if n := d.sockets.Reset(); n > 0 {
			d.logger.Warn("Sockets invalidated", "count", n, "stage", to)
		}
	}
	return to, true
}

// observeRegistration records a registration status from an event or a
// poll and moves the stage along with it.
func (d *Driver) observeRegistration(r codec.Registration) {
	d.state.SetRegistration(r.Status, r.RejectCause, d.clock.Now())
	st := d.state.Current()
	switch {
	case r.Status.Registered() && st == session.SimReady:
		d.transition(session.Promote(session.Registered))
	case !r.Status.Registered() && st.Satisfies(session.Registered):
		d.transition(session.Downgrade(session.SimReady, "registration lost: "+r.Status.String()))
	}
}
