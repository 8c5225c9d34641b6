package driver

import (
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	gomock "go.uber.org/mock/gomock"
	"i4.energy/across/cellink/at"
	"i4.energy/across/cellink/codec"
	"i4.energy/across/cellink/session"
	"i4.energy/across/cellink/socket"
)

func TestInit(t *testing.T) {
	ctx := context.Background()

	preamble := func(f *fixture, fun string) {
		gomock.InOrder(
			f.expect("AT", "OK"),
			f.expect("AT+CMEE=1", "OK"),
			f.expect("AT+CEREG=3", "OK"),
			f.expect("AT+CFUN?", "+CFUN: "+fun, "OK"),
		)
	}

	t.Run("Radio off", func(t *testing.T) {
		f := newFixture(t)
		preamble(f, "0")

		if err := f.d.Init(ctx); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if got := f.d.Stage(); got != session.PoweredOff {
			t.Errorf("Expected %s, got %s", session.PoweredOff, got)
		}
	})

	t.Run("Session rebuilt up to the bearer", func(t *testing.T) {
		f := newFixture(t)
		preamble(f, "1")
		gomock.InOrder(
			f.expect("AT+CPIN?", "+CPIN: READY", "OK"),
			f.expect("AT+CEREG?", `+CEREG: 3,1,"1A2B","01A2B3C4",7`, "OK"),
			f.expect("AT+CGACT?", "+CGACT: 1,1", "+CGACT: 2,0", "OK"),
			f.expect("AT+CGPADDR=1", `+CGPADDR: 1,"10.64.1.9"`, "OK"),
		)

		if err := f.d.Init(ctx); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		snap := f.d.Snapshot()
		if snap.Stage != session.BearerActive {
			t.Fatalf("Expected %s, got %s", session.BearerActive, snap.Stage)
		}
		if snap.Bearer == nil || snap.Bearer.Address != netip.MustParseAddr("10.64.1.9") {
			t.Errorf("Unexpected bearer %+v", snap.Bearer)
		}
		if snap.Registration.Status != codec.RegHome {
			t.Errorf("Expected status %v, got %v", codec.RegHome, snap.Registration.Status)
		}
	})

	t.Run("Locked SIM stops at PoweredOn", func(t *testing.T) {
		f := newFixture(t)
		preamble(f, "1")
		f.expect("AT+CPIN?", "+CME ERROR: 11")

		if err := f.d.Init(ctx); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if got := f.d.Stage(); got != session.PoweredOn {
			t.Errorf("Expected %s, got %s", session.PoweredOn, got)
		}
	})

	t.Run("Chip refuses numeric errors", func(t *testing.T) {
		f := newFixture(t)
		gomock.InOrder(
			f.expect("AT", "OK"),
			f.expect("AT+CMEE=1", "ERROR"),
		)

		var rej *codec.ChipRejected
		if err := f.d.Init(ctx); !errors.As(err, &rej) {
			t.Errorf("Expected ChipRejected, got %v", err)
		}
	})

	t.Run("Previous session is forgotten", func(t *testing.T) {
		f := newFixture(t)
		f.at(session.BearerActive)
		preamble(f, "4")

		if err := f.d.Init(ctx); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if snap := f.d.Snapshot(); snap.Stage != session.PoweredOff || snap.Bearer != nil {
			t.Errorf("Expected a fresh powered off session, got %+v", snap)
		}
	})
}

func TestPowerOn(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		f := newFixture(t)
		f.expect("AT+CFUN=1", "OK")

		if err := f.d.PowerOn(ctx); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if got := f.d.Stage(); got != session.PoweredOn {
			t.Errorf("Expected %s, got %s", session.PoweredOn, got)
		}
		// already on, nothing is sent
		if err := f.d.PowerOn(ctx); err != nil {
			t.Errorf("Unexpected error: %v", err)
		}
	})

	t.Run("Refused by the chip", func(t *testing.T) {
		f := newFixture(t)
		f.expect("AT+CFUN=1", "ERROR")

		if err := f.d.PowerOn(ctx); !errors.Is(err, ErrHardwareFault) {
			t.Errorf("Expected ErrHardwareFault, got %v", err)
		}
		if got := f.d.Stage(); got != session.PoweredOff {
			t.Errorf("Expected %s, got %s", session.PoweredOff, got)
		}
	})

	t.Run("No answer", func(t *testing.T) {
		f := newFixture(t)
		issued := f.hang("AT+CFUN=1")

		done := async(func() error { return f.d.PowerOn(ctx) })
		f.wait(issued, "AT+CFUN=1")
		f.clock.Advance(codec.Timeout(codec.KindSetFunctionality))

		err := await(t, done)
		if !errors.Is(err, ErrHardwareFault) || !errors.Is(err, ErrTimeout) {
			t.Errorf("Expected ErrHardwareFault wrapping ErrTimeout, got %v", err)
		}
	})
}

func TestPowerOff(t *testing.T) {
	ctx := context.Background()

	t.Run("Always ends powered off", func(t *testing.T) {
		f := newFixture(t)
		f.at(session.BearerActive)
		h, err := f.d.sockets.Reserve(codec.TCP, "example.com:80")
		if err != nil {
			t.Fatal(err)
		}
		f.d.sockets.Opened(h)
		f.expect("AT+CFUN=0", "ERROR")

		if err := f.d.PowerOff(ctx); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if got := f.d.Stage(); got != session.PoweredOff {
			t.Errorf("Expected %s, got %s", session.PoweredOff, got)
		}
		if _, err := f.d.sockets.Get(h); !errors.Is(err, socket.ErrClosed) {
			t.Errorf("Expected socket to be invalidated, got %v", err)
		}
	})

	t.Run("Leaves Degraded", func(t *testing.T) {
		f := newFixture(t)
		f.at(session.Degraded)
		f.expect("AT+CFUN=0", "OK")

		if err := f.d.PowerOff(ctx); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if got := f.d.Stage(); got != session.PoweredOff {
			t.Errorf("Expected %s, got %s", session.PoweredOff, got)
		}
	})
}

func TestWaitSimReady(t *testing.T) {
	ctx := context.Background()

	t.Run("PIN entered once", func(t *testing.T) {
		f := newFixture(t, WithSimPIN("1234"))
		f.at(session.PoweredOn)
		gomock.InOrder(
			f.expect("AT+CPIN?", "+CPIN: SIM PIN", "OK"),
			f.expect(`AT+CPIN="1234"`, "OK"),
			f.expect("AT+CPIN?", "+CPIN: READY", "OK"),
		)

		if err := f.d.WaitSimReady(ctx, 10*time.Second); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if got := f.d.Stage(); got != session.SimReady {
			t.Errorf("Expected %s, got %s", session.SimReady, got)
		}
	})

	t.Run("PIN required without PIN", func(t *testing.T) {
		f := newFixture(t)
		f.at(session.PoweredOn)
		f.expect("AT+CPIN?", "+CME ERROR: 11")

		if err := f.d.WaitSimReady(ctx, 10*time.Second); !errors.Is(err, ErrSIMPinRequired) {
			t.Errorf("Expected ErrSIMPinRequired, got %v", err)
		}
	})

	t.Run("Wrong PIN is not retried", func(t *testing.T) {
		f := newFixture(t, WithSimPIN("0000"))
		f.at(session.PoweredOn)
		gomock.InOrder(
			f.expect("AT+CPIN?", "+CPIN: SIM PIN", "OK"),
			f.expect(`AT+CPIN="0000"`, "+CME ERROR: 16"),
		)

		if err := f.d.WaitSimReady(ctx, 10*time.Second); !errors.Is(err, ErrSIMPinRequired) {
			t.Errorf("Expected ErrSIMPinRequired, got %v", err)
		}
	})

	t.Run("Ready event ends the wait", func(t *testing.T) {
		f := newFixture(t)
		f.at(session.PoweredOn)
		issued := f.signal("AT+CPIN?", "+CME ERROR: 14")

		done := async(func() error { return f.d.WaitSimReady(ctx, 10*time.Second) })
		f.wait(issued, "AT+CPIN?")
		f.event("+CPIN: READY")

		if err := await(t, done); err != nil {
			t.Errorf("Unexpected error: %v", err)
		}
	})

	t.Run("Timeout leaves the stage", func(t *testing.T) {
		f := newFixture(t)
		f.at(session.PoweredOn)
		f.expect("AT+CPIN?", "+CME ERROR: 14").AnyTimes()

		done := async(func() error { return f.d.WaitSimReady(ctx, 10*time.Second) })
		if err := f.advanceUntil(done, time.Second); !errors.Is(err, ErrTimeout) {
			t.Errorf("Expected ErrTimeout, got %v", err)
		}
		if got := f.d.Stage(); got != session.PoweredOn {
			t.Errorf("Expected %s, got %s", session.PoweredOn, got)
		}
	})
}

func TestRegister(t *testing.T) {
	ctx := context.Background()

	t.Run("Registration event", func(t *testing.T) {
		f := newFixture(t)
		f.at(session.SimReady)
		f.expect("AT+COPS=0", "OK")
		polled := f.signal("AT+CEREG?", "+CEREG: 3,2", "OK")

		done := async(func() error { return f.d.Register(ctx, 3*time.Minute) })
		f.wait(polled, "AT+CEREG?")
		f.event(`+CEREG: 5,"1A2B","01A2B3C4",7`)

		if err := await(t, done); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if got := f.d.Stage(); got != session.Registered {
			t.Errorf("Expected %s, got %s", session.Registered, got)
		}
	})

	t.Run("Already registered when polled", func(t *testing.T) {
		f := newFixture(t)
		f.at(session.SimReady)
		f.expect("AT+COPS=0", "OK")
		f.expect("AT+CEREG?", `+CEREG: 3,1,"1A2B","01A2B3C4",7`, "OK")

		if err := f.d.Register(ctx, 3*time.Minute); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if got := f.d.Stage(); got != session.Registered {
			t.Errorf("Expected %s, got %s", session.Registered, got)
		}
	})

	t.Run("Poll answer behind a report", func(t *testing.T) {
		f := newFixture(t)
		f.at(session.SimReady)
		f.expect("AT+COPS=0", "OK")
		f.expect("AT+CEREG?", `+CEREG: 2,"1A2B","01A2B3C4",7`, `+CEREG: 3,1,"1A2B","01A2B3C4",7`, "OK")

		if err := f.d.Register(ctx, 3*time.Minute); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if got := f.d.Stage(); got != session.Registered {
			t.Errorf("Expected %s, got %s", session.Registered, got)
		}
	})

	t.Run("Report during the poll", func(t *testing.T) {
		f := newFixture(t)
		f.at(session.SimReady)
		f.expect("AT+COPS=0", "OK")
		issued, release := make(chan struct{}), make(chan struct{})
		f.cmd.EXPECT().Exec(gomock.Any(), lineMatcher("AT+CEREG?")).DoAndReturn(
			func(context.Context, at.Command) ([]string, error) {
				close(issued)
				<-release
				return []string{"+CEREG: 3,2", "OK"}, nil
			})

		done := async(func() error { return f.d.Register(ctx, 3*time.Minute) })
		f.wait(issued, "AT+CEREG?")
		f.event(`+CEREG: 1,"1A2B","01A2B3C4",7`)
		close(release)

		if err := await(t, done); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if got := f.d.Stage(); got != session.Registered {
			t.Errorf("Expected %s, got %s", session.Registered, got)
		}
	})

	t.Run("Denied with reject cause", func(t *testing.T) {
		f := newFixture(t)
		f.at(session.SimReady)
		f.expect("AT+COPS=0", "OK")
		polled := f.signal("AT+CEREG?", "+CEREG: 3,2", "OK")

		done := async(func() error { return f.d.Register(ctx, 3*time.Minute) })
		f.wait(polled, "AT+CEREG?")
		f.event(`+CEREG: 3,"","",7,0,15`)

		var denied *RegistrationDeniedError
		if err := await(t, done); !errors.As(err, &denied) {
			t.Fatalf("Expected RegistrationDeniedError, got %v", err)
		}
		if denied.Cause != 15 {
			t.Errorf("Expected cause 15, got %d", denied.Cause)
		}
		if got := f.d.Stage(); got != session.SimReady {
			t.Errorf("Expected %s, got %s", session.SimReady, got)
		}
	})

	t.Run("Retried after no service", func(t *testing.T) {
		f := newFixture(t)
		f.at(session.SimReady)
		gomock.InOrder(
			f.expect("AT+COPS=0", "+CME ERROR: 30"),
			f.expect("AT+COPS=0", "OK"),
			f.expect("AT+CEREG?", "+CEREG: 3,5", "OK"),
		)

		done := async(func() error { return f.d.Register(ctx, 10*time.Minute) })
		if err := f.advanceUntil(done, time.Second); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if got := f.d.Stage(); got != session.Registered {
			t.Errorf("Expected %s, got %s", session.Registered, got)
		}
	})

	t.Run("Timeout without event", func(t *testing.T) {
		f := newFixture(t)
		f.at(session.SimReady)
		f.expect("AT+COPS=0", "OK")
		polled := f.signal("AT+CEREG?", "+CEREG: 3,2", "OK")

		done := async(func() error { return f.d.Register(ctx, 5*time.Second) })
		f.wait(polled, "AT+CEREG?")
		f.clock.Advance(5 * time.Second)

		if err := await(t, done); !errors.Is(err, ErrTimeout) {
			t.Errorf("Expected ErrTimeout, got %v", err)
		}
		if got := f.d.Stage(); got != session.SimReady {
			t.Errorf("Expected %s, got %s", session.SimReady, got)
		}
	})

	t.Run("SIM not ready", func(t *testing.T) {
		f := newFixture(t)
		f.at(session.PoweredOn)

		if err := f.d.Register(ctx, time.Minute); !errors.Is(err, ErrStageLost) {
			t.Errorf("Expected ErrStageLost, got %v", err)
		}
	})
}

func TestActivateBearer(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		f := newFixture(t)
		f.at(session.Registered)
		gomock.InOrder(
			f.expect(`AT+CGDCONT=1,"IP","iot.test"`, "OK"),
			f.expect("AT+CGACT=1,1", "OK"),
			f.expect("AT+CGPADDR=1", `+CGPADDR: 1,"10.64.1.9"`, "OK"),
		)

		if err := f.d.ActivateBearer(ctx, "iot.test", time.Minute); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		snap := f.d.Snapshot()
		if snap.Stage != session.BearerActive {
			t.Fatalf("Expected %s, got %s", session.BearerActive, snap.Stage)
		}
		if snap.Bearer.APN != "iot.test" || snap.Bearer.Address != netip.MustParseAddr("10.64.1.9") {
			t.Errorf("Unexpected bearer %+v", snap.Bearer)
		}

		if err := f.d.ActivateBearer(ctx, "iot.test", time.Minute); err != nil {
			t.Errorf("Same APN must be a no-op, got %v", err)
		}
		if err := f.d.ActivateBearer(ctx, "other.apn", time.Minute); !errors.Is(err, codec.ErrInvalidArgument) {
			t.Errorf("Expected ErrInvalidArgument for another APN, got %v", err)
		}
	})

	t.Run("Unknown APN", func(t *testing.T) {
		f := newFixture(t)
		f.at(session.Registered)
		gomock.InOrder(
			f.expect(`AT+CGDCONT=1,"IP","nope"`, "OK"),
			f.expect("AT+CGACT=1,1", "+CME ERROR: 533"),
		)

		err := f.d.ActivateBearer(ctx, "nope", time.Minute)
		var bearerErr *BearerActivationError
		if !errors.As(err, &bearerErr) {
			t.Fatalf("Expected BearerActivationError, got %v", err)
		}
		if bearerErr.Code != 533 || bearerErr.Cause != codec.CauseUnknownAPN {
			t.Errorf("Unexpected error %+v", bearerErr)
		}
		if got := f.d.Stage(); got != session.Registered {
			t.Errorf("Expected %s, got %s", session.Registered, got)
		}
	})

	t.Run("Registration lost while activating", func(t *testing.T) {
		f := newFixture(t)
		f.at(session.Registered)
		f.expect(`AT+CGDCONT=1,"IP","iot.test"`, "OK")
		issued := f.hang("AT+CGACT=1,1")

		done := async(func() error { return f.d.ActivateBearer(ctx, "iot.test", time.Minute) })
		f.wait(issued, "AT+CGACT=1,1")
		f.event("+CEREG: 4")

		if err := await(t, done); !errors.Is(err, ErrStageLost) {
			t.Errorf("Expected ErrStageLost, got %v", err)
		}
		if got := f.d.Stage(); got != session.SimReady {
			t.Errorf("Expected %s, got %s", session.SimReady, got)
		}
	})

	t.Run("Deactivate", func(t *testing.T) {
		f := newFixture(t)
		f.at(session.BearerActive)
		f.expect("AT+CGACT=0,1", "OK")

		if err := f.d.DeactivateBearer(ctx); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if snap := f.d.Snapshot(); snap.Stage != session.Registered || snap.Bearer != nil {
			t.Errorf("Expected registered without bearer, got %+v", snap)
		}
	})
}

type pulseCounter struct {
	pulses int
	err    error
}

func (p *pulseCounter) Pulse(context.Context) error {
	p.pulses++
	return p.err
}

func TestShutdownAndReset(t *testing.T) {
	ctx := context.Background()

	t.Run("Shutdown", func(t *testing.T) {
		f := newFixture(t)
		f.at(session.Registered)
		f.expect("AT+SQNSSHDN", "OK")

		if err := f.d.Shutdown(ctx); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if got := f.d.Stage(); got != session.PoweredOff {
			t.Errorf("Expected %s, got %s", session.PoweredOff, got)
		}
	})

	t.Run("Reset without line", func(t *testing.T) {
		f := newFixture(t)
		if err := f.d.Reset(ctx); !errors.Is(err, ErrNoResetLine) {
			t.Errorf("Expected ErrNoResetLine, got %v", err)
		}
	})

	t.Run("Reset leaves Degraded", func(t *testing.T) {
		line := &pulseCounter{}
		f := newFixture(t, WithResetLine(line))
		f.at(session.Degraded)

		if err := f.d.Reset(ctx); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if line.pulses != 1 {
			t.Errorf("Expected one pulse, got %d", line.pulses)
		}
		if got := f.d.Stage(); got != session.PoweredOff {
			t.Errorf("Expected %s, got %s", session.PoweredOff, got)
		}
	})
}
