package codec

import (
	"encoding/hex"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

// Functionality is the answer to AT+CFUN?.
type Functionality struct {
	Mode FunctionalMode
}

func (Functionality) Kind() Kind { return KindGetFunctionality }

func decodeFunctionality(k Kind, lines []string) (Response, error) {
	p, line, err := single(k, lines)
	if err != nil {
		return nil, err
	}
	mode, ok := param(p, 0, -1)
	if !ok || mode < 0 {
		return nil, &ProtocolError{Kind: k, Line: line, Reason: "bad functionality level"}
	}
	return Functionality{Mode: FunctionalMode(mode)}, nil
}

// SimStatus is the answer to AT+CPIN?.
type SimStatus struct {
	State string
}

func (SimStatus) Kind() Kind { return KindGetSimStatus }

// Ready reports whether the SIM is unlocked.
func (s SimStatus) Ready() bool { return s.State == SimReady }

func decodeSimStatus(k Kind, lines []string) (Response, error) {
	p, line, err := single(k, lines)
	if err != nil {
		return nil, err
	}
	if len(p) == 0 || p[0] == "" {
		return nil, &ProtocolError{Kind: k, Line: line, Reason: "empty SIM state"}
	}
	return SimStatus{State: p[0]}, nil
}

// NoRejectCause marks a registration record without an EMM cause.
const NoRejectCause = -1

// Registration is a +CEREG record, solicited or not.
type Registration struct {
	Status      RegStatus
	TAC         string
	CellID      string
	AcT         int
	RejectCause int
}

func (Registration) Kind() Kind { return KindGetRegistration }

// ParseRegistration parses the parameters of a +CEREG line. A solicited
// answer to AT+CEREG? carries the report mode first, an unsolicited report
// starts with the status.
func ParseRegistration(p []string, solicited bool) (Registration, error) {
	if solicited {
		if len(p) < 2 {
			return Registration{}, fmt.Errorf("want at least 2 parameters, got %d", len(p))
		}
		p = p[1:]
	}
	if len(p) == 0 {
		return Registration{}, fmt.Errorf("missing status")
	}
	stat, ok := atoi(p[0])
	if !ok || !validRegStatus(stat) {
		return Registration{}, fmt.Errorf("bad status %q", p[0])
	}
	r := Registration{Status: RegStatus(stat), AcT: -1, RejectCause: NoRejectCause}
	if len(p) > 1 {
		r.TAC = p[1]
	}
	if len(p) > 2 {
		r.CellID = p[2]
	}
	if r.AcT, ok = param(p, 3, -1); !ok {
		return Registration{}, fmt.Errorf("bad access technology %q", p[3])
	}
	// p[4] is the cause type, 0 for an EMM cause
	if r.RejectCause, ok = param(p, 5, NoRejectCause); !ok {
		return Registration{}, fmt.Errorf("bad reject cause %q", p[5])
	}
	return r, nil
}

// SolicitedRegistration reports whether line is the answer to AT+CEREG?
// rather than a report. The answer starts with the report mode and an
// unquoted status, a report with the status followed by a quoted area code
// or nothing.
func SolicitedRegistration(line string) bool {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "+CEREG:") {
		return false
	}
	f := splitParams(strings.TrimPrefix(line, "+CEREG:"), true)
	if len(f) < 2 {
		return false
	}
	n, ok := atoi(f[0])
	if !ok || n < 0 || n > 5 {
		return false
	}
	stat, ok := atoi(f[1])
	return ok && validRegStatus(stat)
}

func decodeRegistration(k Kind, lines []string) (Response, error) {
	var solicited []string
	for _, l := range lines {
		if SolicitedRegistration(l) {
			solicited = append(solicited, l)
		}
	}
	if len(solicited) == 0 && len(lines) > 0 {
		// keep the grammar error of the line that was there
		solicited = lines
	}
	p, line, err := single(k, solicited)
	if err != nil {
		return nil, err
	}
	r, err := ParseRegistration(p, true)
	if err != nil {
		return nil, &ProtocolError{Kind: k, Line: line, Reason: err.Error()}
	}
	return r, nil
}

// SignalQuality is the answer to AT+CSQ.
type SignalQuality struct {
	RSSI int
	BER  int
}

func (SignalQuality) Kind() Kind { return KindGetSignalQuality }

// Known reports whether the chip could measure the signal.
func (s SignalQuality) Known() bool { return s.RSSI >= 0 && s.RSSI <= 31 }

// DBm converts the RSSI index to dBm. The result is only meaningful when
// Known returns true.
func (s SignalQuality) DBm() int { return -113 + 2*s.RSSI }

func decodeSignalQuality(k Kind, lines []string) (Response, error) {
	p, line, err := single(k, lines)
	if err != nil {
		return nil, err
	}
	if len(p) != 2 {
		return nil, &ProtocolError{Kind: k, Line: line, Reason: "want rssi,ber"}
	}
	rssi, ok1 := atoi(p[0])
	ber, ok2 := atoi(p[1])
	if !ok1 || !ok2 || rssi < 0 || (rssi > 31 && rssi != 99) {
		return nil, &ProtocolError{Kind: k, Line: line, Reason: "bad rssi,ber"}
	}
	return SignalQuality{RSSI: rssi, BER: ber}, nil
}

// ContextStates is the answer to AT+CGACT?, keyed by context id.
type ContextStates map[int]bool

func (ContextStates) Kind() Kind { return KindGetContextStates }

func decodeContextStates(k Kind, lines []string) (Response, error) {
	states := ContextStates{}
	for _, l := range lines {
		p, ok := Params(l, k.Prefix())
		if !ok {
			continue
		}
		if len(p) != 2 {
			return nil, &ProtocolError{Kind: k, Line: l, Reason: "want cid,state"}
		}
		cid, ok1 := atoi(p[0])
		state, ok2 := atoi(p[1])
		if !ok1 || !ok2 {
			return nil, &ProtocolError{Kind: k, Line: l, Reason: "bad cid,state"}
		}
		states[cid] = state == 1
	}
	return states, nil
}

// Address is the answer to AT+CGPADDR.
type Address struct {
	CID  int
	Addr netip.Addr
}

func (Address) Kind() Kind { return KindGetAddress }

func decodeAddress(k Kind, lines []string) (Response, error) {
	p, line, err := single(k, lines)
	if err != nil {
		return nil, err
	}
	if len(p) < 1 {
		return nil, &ProtocolError{Kind: k, Line: line, Reason: "missing cid"}
	}
	cid, ok := atoi(p[0])
	if !ok {
		return nil, &ProtocolError{Kind: k, Line: line, Reason: "bad cid"}
	}
	a := Address{CID: cid}
	for _, s := range p[1:] {
		if s == "" {
			continue
		}
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, &ProtocolError{Kind: k, Line: line, Reason: err.Error()}
		}
		a.Addr = addr
		break
	}
	return a, nil
}

// SocketData is the answer to AT+SQNSRECV.
type SocketData struct {
	ConnID int
	Data   []byte
}

func (SocketData) Kind() Kind { return KindSocketRecv }

func decodeSocketData(k Kind, lines []string) (Response, error) {
	for i, l := range lines {
		p, ok := Params(l, k.Prefix())
		if !ok {
			continue
		}
		if len(p) != 2 {
			return nil, &ProtocolError{Kind: k, Line: l, Reason: "want connId,length"}
		}
		id, ok1 := atoi(p[0])
		n, ok2 := atoi(p[1])
		if !ok1 || !ok2 || n < 0 {
			return nil, &ProtocolError{Kind: k, Line: l, Reason: "bad connId,length"}
		}
		d := SocketData{ConnID: id, Data: []byte{}}
		if n == 0 {
			return d, nil
		}
		if i+1 >= len(lines) {
			return nil, &ProtocolError{Kind: k, Line: l, Reason: "missing payload line"}
		}
		data, err := hex.DecodeString(strings.TrimSpace(lines[i+1]))
		if err != nil {
			return nil, &ProtocolError{Kind: k, Line: lines[i+1], Reason: "payload is not hex"}
		}
		if len(data) != n {
			return nil, &ProtocolError{Kind: k, Line: lines[i+1],
				Reason: fmt.Sprintf("payload has %d bytes, header says %d", len(data), n)}
		}
		d.Data = data
		return d, nil
	}
	return nil, &ProtocolError{Kind: k, Reason: "no +SQNSRECV line"}
}

// SocketStatus is the answer to AT+SQNSI.
type SocketStatus struct {
	ConnID     int
	Sent       int
	Received   int
	Buffered   int
	AckWaiting int
}

func (SocketStatus) Kind() Kind { return KindSocketInfo }

func decodeSocketStatus(k Kind, lines []string) (Response, error) {
	p, line, err := single(k, lines)
	if err != nil {
		return nil, err
	}
	if len(p) != 5 {
		return nil, &ProtocolError{Kind: k, Line: line, Reason: "want 5 counters"}
	}
	var v [5]int
	for i := range v {
		n, ok := atoi(p[i])
		if !ok || n < 0 {
			return nil, &ProtocolError{Kind: k, Line: line, Reason: fmt.Sprintf("bad counter %q", p[i])}
		}
		v[i] = n
	}
	return SocketStatus{ConnID: v[0], Sent: v[1], Received: v[2], Buffered: v[3], AckWaiting: v[4]}, nil
}

// NetworkTime is the answer to AT+CCLK?.
type NetworkTime struct {
	Time time.Time
}

func (NetworkTime) Kind() Kind { return KindGetClock }

// validSince is the earliest time the chip reports once it learned the
// time from the network. Anything before is the power-on default.
var validSince = time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

// Valid reports whether the chip clock has been set by the network.
func (t NetworkTime) Valid() bool { return !t.Time.Before(validSince) }

// ParseClock parses the "yy/MM/dd,hh:mm:ss±zz" format where zz counts
// quarter hours.
func ParseClock(s string) (time.Time, error) {
	if len(s) < 17 {
		return time.Time{}, fmt.Errorf("clock %q too short", s)
	}
	base, tz := s[:17], s[17:]
	t, err := time.Parse("06/01/02,15:04:05", base)
	if err != nil {
		return time.Time{}, err
	}
	if tz == "" {
		return t, nil
	}
	q, err := strconv.Atoi(tz)
	if err != nil || q < -96 || q > 96 {
		return time.Time{}, fmt.Errorf("bad time zone %q", tz)
	}
	offset := q * 15 * 60
	loc := time.FixedZone("", offset)
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, loc), nil
}

func decodeClock(k Kind, lines []string) (Response, error) {
	p, line, err := single(k, lines)
	if err != nil {
		return nil, err
	}
	// the quoted clock contains a comma, so splitParams keeps it whole
	if len(p) != 1 {
		return nil, &ProtocolError{Kind: k, Line: line, Reason: "want one clock value"}
	}
	t, err := ParseClock(p[0])
	if err != nil {
		return nil, &ProtocolError{Kind: k, Line: line, Reason: err.Error()}
	}
	return NetworkTime{Time: t}, nil
}

// OperatingMode is the answer to AT+SQNMODEACTIVE?.
type OperatingMode struct {
	RAT RAT
}

func (OperatingMode) Kind() Kind { return KindGetOperatingMode }

func decodeOperatingMode(k Kind, lines []string) (Response, error) {
	p, line, err := single(k, lines)
	if err != nil {
		return nil, err
	}
	n, ok := param(p, 0, -1)
	if !ok || (RAT(n) != RATLTEM && RAT(n) != RATNBIoT) {
		return nil, &ProtocolError{Kind: k, Line: line, Reason: "bad mode"}
	}
	return OperatingMode{RAT: RAT(n)}, nil
}

// Assistance describes one stored GNSS assistance data set.
type Assistance struct {
	Type      AssistanceType
	Available bool
	// Age is the time since the last download.
	Age time.Duration
	// UpdateIn is the time left before the data degrades accuracy.
	UpdateIn time.Duration
	// ExpiresIn is the time left before the data becomes unusable.
	ExpiresIn time.Duration
}

// Stale reports whether the data set should be downloaded again.
func (a Assistance) Stale() bool {
	return !a.Available || a.UpdateIn <= 0
}

// GnssAssistance is the answer to AT+LPGNSSASSISTANCE?.
type GnssAssistance []Assistance

func (GnssAssistance) Kind() Kind { return KindGetGnssAssistance }

// Get returns the entry of type t. A type the chip did not list is
// reported as unavailable.
func (g GnssAssistance) Get(t AssistanceType) Assistance {
	for _, a := range g {
		if a.Type == t {
			return a
		}
	}
	return Assistance{Type: t}
}

func decodeGnssAssistance(k Kind, lines []string) (Response, error) {
	var out GnssAssistance
	for _, l := range lines {
		p, ok := Params(l, k.Prefix())
		if !ok {
			continue
		}
		if len(p) != 5 {
			return nil, &ProtocolError{Kind: k, Line: l, Reason: "want type,available,age,update,expiry"}
		}
		var n [5]int
		for i := range p {
			if n[i], ok = atoi(p[i]); !ok {
				return nil, &ProtocolError{Kind: k, Line: l, Reason: fmt.Sprintf("bad field %q", p[i])}
			}
		}
		if n[0] < int(AssistAlmanac) || n[0] > int(AssistPredictedEphemeris) {
			return nil, &ProtocolError{Kind: k, Line: l, Reason: "unknown assistance type"}
		}
		out = append(out, Assistance{
			Type:      AssistanceType(n[0]),
			Available: n[1] == 1,
			Age:       time.Duration(n[2]) * time.Second,
			UpdateIn:  time.Duration(n[3]) * time.Second,
			ExpiresIn: time.Duration(n[4]) * time.Second,
		})
	}
	return out, nil
}
