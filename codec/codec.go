// Package codec translates typed modem requests into AT command lines and
// the lines the modem answers with into typed responses.
//
// The codec is pure: it never blocks, never retries and holds no state.
package codec

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"i4.energy/across/cellink/at"
)

// Kind identifies a command family and therefore the grammar of its
// response.
type Kind int

const (
	KindPing Kind = iota
	KindEchoOff
	KindErrorReports
	KindRegistrationReports
	KindSetFunctionality
	KindGetFunctionality
	KindGetSimStatus
	KindEnterPin
	KindSelectOperator
	KindGetRegistration
	KindGetSignalQuality
	KindDefineContext
	KindActivateContext
	KindGetContextStates
	KindGetAddress
	KindSocketConfig
	KindSocketConfigExt
	KindSocketDial
	KindSocketSend
	KindSocketRecv
	KindSocketInfo
	KindSocketClose
	KindGetClock
	KindGetOperatingMode
	KindSetOperatingMode
	KindGnssConfig
	KindGnssProgram
	KindGetGnssAssistance
	KindUpdateGnssAssistance
	KindSecurityProfile
	KindSocketSecurity
	KindNVMWrite
	KindShutdown
)

type kindInfo struct {
	name    string
	prefix  string
	timeout time.Duration
	decode  func(k Kind, info []string) (Response, error)
}

// kinds is filled in init: its decoders look prefixes up through it.
var kinds map[Kind]kindInfo

func init() {
	kinds = map[Kind]kindInfo{
		KindPing:                 {name: "AT", timeout: time.Second},
		KindEchoOff:              {name: "ATE0", timeout: time.Second},
		KindErrorReports:         {name: "+CMEE", timeout: time.Second},
		KindRegistrationReports:  {name: "+CEREG=", timeout: time.Second},
		KindSetFunctionality:     {name: "+CFUN=", timeout: 15 * time.Second},
		KindGetFunctionality:     {name: "+CFUN?", prefix: "+CFUN", timeout: 2 * time.Second, decode: decodeFunctionality},
		KindGetSimStatus:         {name: "+CPIN?", prefix: "+CPIN", timeout: 2 * time.Second, decode: decodeSimStatus},
		KindEnterPin:             {name: "+CPIN=", timeout: 5 * time.Second},
		KindSelectOperator:       {name: "+COPS", timeout: 30 * time.Second},
		KindGetRegistration:      {name: "+CEREG?", prefix: "+CEREG", timeout: 2 * time.Second, decode: decodeRegistration},
		KindGetSignalQuality:     {name: "+CSQ", prefix: "+CSQ", timeout: 2 * time.Second, decode: decodeSignalQuality},
		KindDefineContext:        {name: "+CGDCONT", timeout: 5 * time.Second},
		KindActivateContext:      {name: "+CGACT=", timeout: 150 * time.Second},
		KindGetContextStates:     {name: "+CGACT?", prefix: "+CGACT", timeout: 5 * time.Second, decode: decodeContextStates},
		KindGetAddress:           {name: "+CGPADDR", prefix: "+CGPADDR", timeout: 5 * time.Second, decode: decodeAddress},
		KindSocketConfig:         {name: "+SQNSCFG", timeout: 2 * time.Second},
		KindSocketConfigExt:      {name: "+SQNSCFGEXT", timeout: 2 * time.Second},
		KindSocketDial:           {name: "+SQNSD", timeout: 65 * time.Second},
		KindSocketSend:           {name: "+SQNSSENDEXT", timeout: 10 * time.Second},
		KindSocketRecv:           {name: "+SQNSRECV", prefix: "+SQNSRECV", timeout: 5 * time.Second, decode: decodeSocketData},
		KindSocketInfo:           {name: "+SQNSI", prefix: "+SQNSI", timeout: 2 * time.Second, decode: decodeSocketStatus},
		KindSocketClose:          {name: "+SQNSH", timeout: 10 * time.Second},
		KindGetClock:             {name: "+CCLK?", prefix: "+CCLK", timeout: 2 * time.Second, decode: decodeClock},
		KindGetOperatingMode:     {name: "+SQNMODEACTIVE?", prefix: "+SQNMODEACTIVE", timeout: 2 * time.Second, decode: decodeOperatingMode},
		KindSetOperatingMode:     {name: "+SQNMODEACTIVE=", timeout: 2 * time.Second},
		KindGnssConfig:           {name: "+LPGNSSCFG", timeout: 2 * time.Second},
		KindGnssProgram:          {name: "+LPGNSSFIXPROG", timeout: 5 * time.Second},
		KindGetGnssAssistance:    {name: "+LPGNSSASSISTANCE?", prefix: "+LPGNSSASSISTANCE", timeout: 2 * time.Second, decode: decodeGnssAssistance},
		KindUpdateGnssAssistance: {name: "+LPGNSSASSISTANCE=", timeout: 5 * time.Second},
		KindSecurityProfile:      {name: "+SQNSPCFG", timeout: 2 * time.Second},
		KindSocketSecurity:       {name: "+SQNSSCFG", timeout: 2 * time.Second},
		KindNVMWrite:             {name: "+SQNSNVW", timeout: 10 * time.Second},
		KindShutdown:             {name: "+SQNSSHDN", timeout: time.Second},
	}
}

func (k Kind) String() string {
	if ki, ok := kinds[k]; ok {
		return ki.name
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Prefix returns the information response prefix of the kind, if any.
func (k Kind) Prefix() string {
	return kinds[k].prefix
}

// Timeout returns how long the chip may take to answer a command of the
// given kind.
func Timeout(k Kind) time.Duration {
	if ki, ok := kinds[k]; ok {
		return ki.timeout
	}
	return 5 * time.Second
}

// Request is a typed command. Encode validates the parameters and returns
// the command line together with its response grammar.
type Request interface {
	Kind() Kind
	Encode() (at.Command, error)
}

// Response is a decoded command response. Commands answered only with a
// final result code decode to Empty.
type Response interface {
	Kind() Kind
}

// Empty is the response of commands without information lines.
type Empty struct {
	kind Kind
}

func (e Empty) Kind() Kind { return e.kind }

// Decode interprets the raw lines collected for a command of the given kind.
// The lines are expected to end with the final result code; echo lines,
// blank lines and the input prompt are ignored.
//
// A refusal by the chip returns *ChipRejected, output that does not match
// the grammar of kind returns *ProtocolError.
func Decode(k Kind, lines []string) (Response, error) {
	infoLines, err := Status(k, lines)
	if err != nil {
		return nil, err
	}
	ki, ok := kinds[k]
	if !ok {
		return nil, &ProtocolError{Kind: k, Reason: "unknown command kind"}
	}
	if ki.decode == nil {
		return Empty{kind: k}, nil
	}
	return ki.decode(k, infoLines)
}

// Status strips the framing around a response and interprets its final
// result code. It returns the information lines of a successful command.
func Status(k Kind, lines []string) ([]string, error) {
	var out []string
	for _, raw := range lines {
		line := strings.TrimSpace(raw)
		switch {
		case line == "":
			continue
		case at.Classify(raw) == at.TypePrompt:
			continue
		case at.IsEcho(line, k.echo()):
			continue
		}
		if at.Classify(line) == at.TypeFinal {
			if line == at.OK {
				return out, nil
			}
			return nil, rejected(line)
		}
		out = append(out, line)
	}
	return nil, &ProtocolError{Kind: k, Reason: "missing final result code"}
}

// echo returns the start of the command line the chip echoes for k.
func (k Kind) echo() string {
	name := kinds[k].name
	if name == "" || strings.HasPrefix(name, "AT") {
		return name
	}
	return "AT" + name
}

func rejected(line string) error {
	var text string
	switch {
	case strings.HasPrefix(line, at.CmeError):
		text = strings.TrimSpace(strings.TrimPrefix(line, at.CmeError))
	case strings.HasPrefix(line, at.CmsError):
		text = strings.TrimSpace(strings.TrimPrefix(line, at.CmsError))
	case line == at.ERROR:
		return &ChipRejected{Code: CodeGeneric}
	default:
		return &ChipRejected{Code: CodeGeneric, Text: line}
	}
	if code, ok := atoi(text); ok {
		return &ChipRejected{Code: code, Cause: CauseOf(code)}
	}
	return &ChipRejected{Code: CodeGeneric, Text: text}
}

func single(k Kind, lines []string) ([]string, string, error) {
	prefix := k.Prefix()
	for _, l := range lines {
		if p, ok := Params(l, prefix); ok {
			return p, l, nil
		}
	}
	return nil, "", &ProtocolError{Kind: k, Reason: fmt.Sprintf("no %s line", prefix)}
}
