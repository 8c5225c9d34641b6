// Package urc classifies unsolicited result codes into typed events.
//
// Classification is a pure function of the line. Patterns are tried in a
// fixed order, most specific first, and the first match wins.
package urc

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"i4.energy/across/cellink/codec"
)

// ErrNoMatch is returned for lines that match no known event pattern.
var ErrNoMatch = errors.New("no event pattern matches")

// ParseError is returned when a line carries a known event prefix but its
// parameters are malformed.
type ParseError struct {
	Prefix string
	Line   string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed %s event %q: %v", e.Prefix, e.Line, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Event is an unsolicited notification from the chip.
type Event interface {
	// Name is a short stable identifier, used for logging and topics.
	Name() string
}

// RegistrationChanged reports a new EPS registration status.
type RegistrationChanged struct {
	codec.Registration
}

func (RegistrationChanged) Name() string { return "registration" }

// DataReady reports bytes waiting in a chip socket.
type DataReady struct {
	ConnID int
	// Bytes is the amount buffered by the chip, or -1 when the chip only
	// signals that data arrived.
	Bytes int
}

func (DataReady) Name() string { return "data-ready" }

// SocketClosed reports that the peer or the network closed a chip socket.
type SocketClosed struct {
	ConnID int
}

func (SocketClosed) Name() string { return "socket-closed" }

// PositionFix carries the result of a GNSS fix.
type PositionFix struct {
	ID         int
	Time       time.Time
	TimeToFix  time.Duration
	Confidence float64
	Latitude   float64
	Longitude  float64
	Elevation  float64
}

func (PositionFix) Name() string { return "position-fix" }

// Fault reports a chip condition that invalidates the session.
type Fault struct {
	Code string
}

func (Fault) Name() string { return "fault" }

// Restarted reports that the chip finished booting. While powered this
// means all session state on the chip was lost.
type Restarted struct{}

func (Restarted) Name() string { return "restarted" }

// SimStatus reports a SIM state change.
type SimStatus struct {
	State string
}

func (SimStatus) Name() string { return "sim" }

// Ready reports whether the SIM is unlocked.
func (s SimStatus) Ready() bool { return s.State == codec.SimReady }

type pattern struct {
	prefix string
	// bare patterns match the whole line, without parameters
	bare  bool
	parse func(p []string) (Event, error)
}

// patterns is ordered most specific first.
var patterns = []pattern{
	{prefix: "+LPGNSSFIXREADY", parse: parseFix},
	{prefix: "+SQNSRING", parse: parseRing},
	{prefix: "+SQNSH", parse: parseClosed},
	{prefix: "+CEREG", parse: parseRegistration},
	{prefix: "+CPIN", parse: parseSim},
	{prefix: "+SQNSSHDN", bare: true, parse: fault("SQNSSHDN")},
	{prefix: "+SHUTDOWN", bare: true, parse: fault("SHUTDOWN")},
	{prefix: "+SYSSTART", bare: true, parse: func([]string) (Event, error) { return Restarted{}, nil }},
}

func (p pattern) match(line string) ([]string, bool) {
	if p.bare {
		return nil, line == p.prefix
	}
	return codec.Params(line, p.prefix)
}

// Match reports whether line carries a known event prefix. It does not
// validate the parameters.
func Match(line string) bool {
	line = strings.TrimSpace(line)
	for _, p := range patterns {
		if _, ok := p.match(line); ok {
			return true
		}
	}
	return false
}

// Classify turns a line into at most one event.
func Classify(line string) (Event, error) {
	line = strings.TrimSpace(line)
	for _, p := range patterns {
		params, ok := p.match(line)
		if !ok {
			continue
		}
		ev, err := p.parse(params)
		if err != nil {
			return nil, &ParseError{Prefix: p.prefix, Line: line, Err: err}
		}
		return ev, nil
	}
	return nil, ErrNoMatch
}

func fault(code string) func([]string) (Event, error) {
	return func([]string) (Event, error) { return Fault{Code: code}, nil }
}

func connID(s string) (int, error) {
	id, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if id < 1 || id > codec.MaxConnID {
		return 0, fmt.Errorf("connection id %d out of range", id)
	}
	return id, nil
}

func parseRing(p []string) (Event, error) {
	if len(p) == 0 {
		return nil, errors.New("missing connection id")
	}
	id, err := connID(p[0])
	if err != nil {
		return nil, err
	}
	ev := DataReady{ConnID: id, Bytes: -1}
	if len(p) > 1 && p[1] != "" {
		if ev.Bytes, err = strconv.Atoi(p[1]); err != nil || ev.Bytes < 0 {
			return nil, fmt.Errorf("bad byte count %q", p[1])
		}
	}
	return ev, nil
}

func parseClosed(p []string) (Event, error) {
	if len(p) == 0 {
		return nil, errors.New("missing connection id")
	}
	id, err := connID(p[0])
	if err != nil {
		return nil, err
	}
	return SocketClosed{ConnID: id}, nil
}

func parseRegistration(p []string) (Event, error) {
	r, err := codec.ParseRegistration(p, false)
	if err != nil {
		return nil, err
	}
	return RegistrationChanged{Registration: r}, nil
}

func parseSim(p []string) (Event, error) {
	if len(p) == 0 || p[0] == "" {
		return nil, errors.New("missing SIM state")
	}
	return SimStatus{State: p[0]}, nil
}

var fixLayouts = []string{
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05",
	"2006/01/02,15:04:05",
}

func parseFix(p []string) (Event, error) {
	if len(p) < 7 {
		return nil, fmt.Errorf("want at least 7 parameters, got %d", len(p))
	}
	id, err := strconv.Atoi(p[0])
	if err != nil {
		return nil, fmt.Errorf("bad fix id %q", p[0])
	}
	fix := PositionFix{ID: id}
	for _, layout := range fixLayouts {
		if t, err := time.Parse(layout, p[1]); err == nil {
			fix.Time = t
			break
		}
	}
	ttf, err := strconv.Atoi(p[2])
	if err != nil {
		return nil, fmt.Errorf("bad time to fix %q", p[2])
	}
	fix.TimeToFix = time.Duration(ttf) * time.Millisecond
	floats := []*float64{&fix.Confidence, &fix.Latitude, &fix.Longitude, &fix.Elevation}
	for i, dst := range floats {
		v, err := strconv.ParseFloat(p[3+i], 64)
		if err != nil {
			return nil, fmt.Errorf("bad coordinate %q", p[3+i])
		}
		*dst = v
	}
	if fix.Latitude < -90 || fix.Latitude > 90 || fix.Longitude < -180 || fix.Longitude > 180 {
		return nil, fmt.Errorf("coordinates %v,%v out of range", fix.Latitude, fix.Longitude)
	}
	return fix, nil
}
