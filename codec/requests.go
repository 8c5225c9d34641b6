package codec

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"i4.energy/across/cellink/at"
)

func plain(line string) (at.Command, error) {
	return at.Command{Line: line}, nil
}

func query(line string, k Kind) (at.Command, error) {
	return at.Command{Line: line, Prefix: k.Prefix()}, nil
}

func validConnID(id int) error {
	if id < 1 || id > MaxConnID {
		return invalid("connection id %d out of range 1..%d", id, MaxConnID)
	}
	return nil
}

func validCID(cid int) error {
	if cid < 1 || cid > MaxCID {
		return invalid("context id %d out of range 1..%d", cid, MaxCID)
	}
	return nil
}

// Ping checks the chip answers at all.
type Ping struct{}

func (Ping) Kind() Kind                  { return KindPing }
func (Ping) Encode() (at.Command, error) { return plain("AT") }

// EchoOff disables command echo.
type EchoOff struct{}

func (EchoOff) Kind() Kind                  { return KindEchoOff }
func (EchoOff) Encode() (at.Command, error) { return plain("ATE0") }

// ErrorReports selects how +CME ERROR results are reported. The driver
// relies on numeric codes (mode 1).
type ErrorReports struct {
	Mode int
}

func (ErrorReports) Kind() Kind { return KindErrorReports }

func (r ErrorReports) Encode() (at.Command, error) {
	if r.Mode < 0 || r.Mode > 2 {
		return at.Command{}, invalid("CMEE mode %d", r.Mode)
	}
	return plain(fmt.Sprintf("AT+CMEE=%d", r.Mode))
}

// RegistrationReports enables +CEREG unsolicited reports. Mode 3 includes
// the location fields and the EMM reject cause.
type RegistrationReports struct {
	Mode int
}

func (RegistrationReports) Kind() Kind { return KindRegistrationReports }

func (r RegistrationReports) Encode() (at.Command, error) {
	if r.Mode < 0 || r.Mode > 5 {
		return at.Command{}, invalid("CEREG mode %d", r.Mode)
	}
	return plain(fmt.Sprintf("AT+CEREG=%d", r.Mode))
}

// SetFunctionality switches the radio functionality level.
type SetFunctionality struct {
	Mode FunctionalMode
}

func (SetFunctionality) Kind() Kind { return KindSetFunctionality }

func (r SetFunctionality) Encode() (at.Command, error) {
	switch r.Mode {
	case ModeMinimum, ModeFull, ModeAirplane:
		return plain(fmt.Sprintf("AT+CFUN=%d", r.Mode))
	}
	return at.Command{}, invalid("functionality mode %d", r.Mode)
}

type GetFunctionality struct{}

func (GetFunctionality) Kind() Kind { return KindGetFunctionality }
func (GetFunctionality) Encode() (at.Command, error) {
	return query("AT+CFUN?", KindGetFunctionality)
}

type GetSimStatus struct{}

func (GetSimStatus) Kind() Kind { return KindGetSimStatus }
func (GetSimStatus) Encode() (at.Command, error) {
	return query("AT+CPIN?", KindGetSimStatus)
}

// EnterPin unlocks the SIM.
type EnterPin struct {
	PIN string
}

func (EnterPin) Kind() Kind { return KindEnterPin }

func (r EnterPin) Encode() (at.Command, error) {
	if len(r.PIN) < 4 || len(r.PIN) > 8 {
		return at.Command{}, invalid("PIN must have 4 to 8 digits")
	}
	for _, c := range r.PIN {
		if c < '0' || c > '9' {
			return at.Command{}, invalid("PIN must be numeric")
		}
	}
	return plain("AT+CPIN=" + quote(r.PIN))
}

// SelectOperator starts network selection. An empty Operator selects
// automatically, otherwise Operator is a numeric MCC+MNC.
type SelectOperator struct {
	Operator string
}

func (SelectOperator) Kind() Kind { return KindSelectOperator }

func (r SelectOperator) Encode() (at.Command, error) {
	if r.Operator == "" {
		return plain("AT+COPS=0")
	}
	if len(r.Operator) < 5 || len(r.Operator) > 6 {
		return at.Command{}, invalid("operator %q must be 5 or 6 digits", r.Operator)
	}
	for _, c := range r.Operator {
		if c < '0' || c > '9' {
			return at.Command{}, invalid("operator %q must be numeric", r.Operator)
		}
	}
	return plain("AT+COPS=1,2," + quote(r.Operator))
}

type GetRegistration struct{}

func (GetRegistration) Kind() Kind { return KindGetRegistration }
func (GetRegistration) Encode() (at.Command, error) {
	cmd, err := query("AT+CEREG?", KindGetRegistration)
	cmd.Solicited = SolicitedRegistration
	return cmd, err
}

type GetSignalQuality struct{}

func (GetSignalQuality) Kind() Kind { return KindGetSignalQuality }
func (GetSignalQuality) Encode() (at.Command, error) {
	return query("AT+CSQ", KindGetSignalQuality)
}

// DefineContext sets the APN of a PDP context.
type DefineContext struct {
	CID  int
	Type PDPType
	APN  string
}

func (DefineContext) Kind() Kind { return KindDefineContext }

func (r DefineContext) Encode() (at.Command, error) {
	if err := validCID(r.CID); err != nil {
		return at.Command{}, err
	}
	typ := r.Type
	if typ == "" {
		typ = PDPIPv4
	}
	switch typ {
	case PDPIPv4, PDPIPv6, PDPIPv4v6:
	default:
		return at.Command{}, invalid("PDP type %q", r.Type)
	}
	if r.APN == "" || len(r.APN) > MaxAPNLen || !validText(r.APN) || strings.ContainsRune(r.APN, ' ') {
		return at.Command{}, invalid("APN %q", r.APN)
	}
	return plain(fmt.Sprintf("AT+CGDCONT=%d,%s,%s", r.CID, quote(string(typ)), quote(r.APN)))
}

// ActivateContext activates or deactivates a PDP context.
type ActivateContext struct {
	CID    int
	Active bool
}

func (ActivateContext) Kind() Kind { return KindActivateContext }

func (r ActivateContext) Encode() (at.Command, error) {
	if err := validCID(r.CID); err != nil {
		return at.Command{}, err
	}
	state := 0
	if r.Active {
		state = 1
	}
	return plain(fmt.Sprintf("AT+CGACT=%d,%d", state, r.CID))
}

type GetContextStates struct{}

func (GetContextStates) Kind() Kind { return KindGetContextStates }
func (GetContextStates) Encode() (at.Command, error) {
	return query("AT+CGACT?", KindGetContextStates)
}

// GetAddress reads the address assigned to a context.
type GetAddress struct {
	CID int
}

func (GetAddress) Kind() Kind { return KindGetAddress }

func (r GetAddress) Encode() (at.Command, error) {
	if err := validCID(r.CID); err != nil {
		return at.Command{}, err
	}
	return query(fmt.Sprintf("AT+CGPADDR=%d", r.CID), KindGetAddress)
}

// SocketConfig binds a chip socket to a PDP context. Timeouts follow the
// chip units: MaxTimeout in seconds, ConnTimeout and TxTimeout in
// hundreds of milliseconds.
type SocketConfig struct {
	ConnID      int
	CID         int
	PacketSize  int
	MaxTimeout  int
	ConnTimeout int
	TxTimeout   int
}

func (SocketConfig) Kind() Kind { return KindSocketConfig }

func (r SocketConfig) Encode() (at.Command, error) {
	if err := validConnID(r.ConnID); err != nil {
		return at.Command{}, err
	}
	if err := validCID(r.CID); err != nil {
		return at.Command{}, err
	}
	switch {
	case r.PacketSize < 0 || r.PacketSize > MaxPayload:
		return at.Command{}, invalid("packet size %d", r.PacketSize)
	case r.MaxTimeout < 0 || r.MaxTimeout > 65535:
		return at.Command{}, invalid("inactivity timeout %d", r.MaxTimeout)
	case r.ConnTimeout < 10 || r.ConnTimeout > 1200:
		return at.Command{}, invalid("connect timeout %d", r.ConnTimeout)
	case r.TxTimeout < 1 || r.TxTimeout > 255:
		return at.Command{}, invalid("transmit timeout %d", r.TxTimeout)
	}
	return plain(fmt.Sprintf("AT+SQNSCFG=%d,%d,%d,%d,%d,%d",
		r.ConnID, r.CID, r.PacketSize, r.MaxTimeout, r.ConnTimeout, r.TxTimeout))
}

// SocketConfigExt selects ring and data modes of a chip socket. The driver
// always uses hex data modes so payloads never collide with line framing.
type SocketConfigExt struct {
	ConnID        int
	RingMode      int
	HexRecv       bool
	KeepAlive     int
	ListenAutoRsp bool
	HexSend       bool
}

func (SocketConfigExt) Kind() Kind { return KindSocketConfigExt }

func (r SocketConfigExt) Encode() (at.Command, error) {
	if err := validConnID(r.ConnID); err != nil {
		return at.Command{}, err
	}
	if r.RingMode < 0 || r.RingMode > 2 {
		return at.Command{}, invalid("ring mode %d", r.RingMode)
	}
	if r.KeepAlive < 0 || r.KeepAlive > 240 {
		return at.Command{}, invalid("keepalive %d", r.KeepAlive)
	}
	return plain(fmt.Sprintf("AT+SQNSCFGEXT=%d,%d,%d,%d,%d,%d",
		r.ConnID, r.RingMode, b2i(r.HexRecv), r.KeepAlive, b2i(r.ListenAutoRsp), b2i(r.HexSend)))
}

// SocketDial opens a chip socket in command mode.
type SocketDial struct {
	ConnID    int
	Protocol  Protocol
	Host      string
	Port      int
	LocalPort int
}

func (SocketDial) Kind() Kind { return KindSocketDial }

func (r SocketDial) Encode() (at.Command, error) {
	if err := validConnID(r.ConnID); err != nil {
		return at.Command{}, err
	}
	if r.Protocol != TCP && r.Protocol != UDP {
		return at.Command{}, invalid("protocol %d", r.Protocol)
	}
	if r.Host == "" || len(r.Host) > maxHostLen || !validText(r.Host) {
		return at.Command{}, invalid("host %q", r.Host)
	}
	if r.Port < 1 || r.Port > 65535 {
		return at.Command{}, invalid("port %d", r.Port)
	}
	if r.LocalPort < 0 || r.LocalPort > 65535 {
		return at.Command{}, invalid("local port %d", r.LocalPort)
	}
	// closure type 0, connection mode 1 (command mode)
	return plain(fmt.Sprintf("AT+SQNSD=%d,%d,%d,%s,0,%d,1",
		r.ConnID, r.Protocol, r.Port, quote(r.Host), r.LocalPort))
}

// SocketSend writes Data through a socket configured with hex send mode.
type SocketSend struct {
	ConnID int
	Data   []byte
}

func (SocketSend) Kind() Kind { return KindSocketSend }

func (r SocketSend) Encode() (at.Command, error) {
	if err := validConnID(r.ConnID); err != nil {
		return at.Command{}, err
	}
	if len(r.Data) == 0 || len(r.Data) > MaxPayload {
		return at.Command{}, invalid("payload of %d bytes, want 1..%d", len(r.Data), MaxPayload)
	}
	return at.Command{
		Line:    fmt.Sprintf("AT+SQNSSENDEXT=%d,%d", r.ConnID, len(r.Data)),
		Payload: []byte(strings.ToUpper(hex.EncodeToString(r.Data))),
	}, nil
}

// SocketRecv reads at most Max buffered bytes from a socket configured with
// hex receive mode.
type SocketRecv struct {
	ConnID int
	Max    int
}

func (SocketRecv) Kind() Kind { return KindSocketRecv }

func (r SocketRecv) Encode() (at.Command, error) {
	if err := validConnID(r.ConnID); err != nil {
		return at.Command{}, err
	}
	if r.Max < 1 || r.Max > MaxPayload {
		return at.Command{}, invalid("receive size %d, want 1..%d", r.Max, MaxPayload)
	}
	return at.Command{
		Line:     fmt.Sprintf("AT+SQNSRECV=%d,%d", r.ConnID, r.Max),
		Prefix:   KindSocketRecv.Prefix(),
		RawLines: 1,
	}, nil
}

// SocketInfo queries the byte counters of a socket.
type SocketInfo struct {
	ConnID int
}

func (SocketInfo) Kind() Kind { return KindSocketInfo }

func (r SocketInfo) Encode() (at.Command, error) {
	if err := validConnID(r.ConnID); err != nil {
		return at.Command{}, err
	}
	return query(fmt.Sprintf("AT+SQNSI=%d", r.ConnID), KindSocketInfo)
}

type SocketClose struct {
	ConnID int
}

func (SocketClose) Kind() Kind { return KindSocketClose }

func (r SocketClose) Encode() (at.Command, error) {
	if err := validConnID(r.ConnID); err != nil {
		return at.Command{}, err
	}
	return plain(fmt.Sprintf("AT+SQNSH=%d", r.ConnID))
}

type GetClock struct{}

func (GetClock) Kind() Kind                  { return KindGetClock }
func (GetClock) Encode() (at.Command, error) { return query("AT+CCLK?", KindGetClock) }

type GetOperatingMode struct{}

func (GetOperatingMode) Kind() Kind { return KindGetOperatingMode }
func (GetOperatingMode) Encode() (at.Command, error) {
	return query("AT+SQNMODEACTIVE?", KindGetOperatingMode)
}

// SetOperatingMode selects LTE-M or NB-IoT. The chip only accepts it at
// minimum functionality.
type SetOperatingMode struct {
	RAT RAT
}

func (SetOperatingMode) Kind() Kind { return KindSetOperatingMode }

func (r SetOperatingMode) Encode() (at.Command, error) {
	if r.RAT != RATLTEM && r.RAT != RATNBIoT {
		return at.Command{}, invalid("radio access technology %d", r.RAT)
	}
	return plain(fmt.Sprintf("AT+SQNMODEACTIVE=%d", r.RAT))
}

// GnssConfig configures the positioning engine. The fourth chip parameter
// is reserved and always empty.
type GnssConfig struct {
	LocationMode int
	Sensitivity  int
	URCSettings  int
	Metrics      bool
	AcqMode      int
	EarlyAbort   bool
}

func (GnssConfig) Kind() Kind { return KindGnssConfig }

func (r GnssConfig) Encode() (at.Command, error) {
	switch {
	case r.LocationMode < 0 || r.LocationMode > 3:
		return at.Command{}, invalid("location mode %d", r.LocationMode)
	case r.Sensitivity < 1 || r.Sensitivity > 3:
		return at.Command{}, invalid("sensitivity %d", r.Sensitivity)
	case r.URCSettings < 0 || r.URCSettings > 2:
		return at.Command{}, invalid("urc settings %d", r.URCSettings)
	case r.AcqMode < 0 || r.AcqMode > 3:
		return at.Command{}, invalid("acquisition mode %d", r.AcqMode)
	}
	return plain(fmt.Sprintf("AT+LPGNSSCFG=%d,%d,%d,,%d,%d,%d",
		r.LocationMode, r.Sensitivity, r.URCSettings, b2i(r.Metrics), r.AcqMode, b2i(r.EarlyAbort)))
}

type GnssProgram struct {
	Action GnssAction
}

func (GnssProgram) Kind() Kind { return KindGnssProgram }

func (r GnssProgram) Encode() (at.Command, error) {
	if r.Action != GnssSingle && r.Action != GnssStop {
		return at.Command{}, invalid("gnss action %q", r.Action)
	}
	return plain("AT+LPGNSSFIXPROG=" + quote(string(r.Action)))
}

// GetGnssAssistance asks which assistance data sets are stored and how
// fresh they are.
type GetGnssAssistance struct{}

func (GetGnssAssistance) Kind() Kind { return KindGetGnssAssistance }
func (GetGnssAssistance) Encode() (at.Command, error) {
	return query("AT+LPGNSSASSISTANCE?", KindGetGnssAssistance)
}

// UpdateGnssAssistance downloads an assistance data set from the GNSS
// cloud. The chip needs an LTE connection for it and reports completion
// only through the next query.
type UpdateGnssAssistance struct {
	Type AssistanceType
}

func (UpdateGnssAssistance) Kind() Kind { return KindUpdateGnssAssistance }

func (r UpdateGnssAssistance) Encode() (at.Command, error) {
	if r.Type < AssistAlmanac || r.Type > AssistPredictedEphemeris {
		return at.Command{}, invalid("assistance type %d", r.Type)
	}
	return plain(fmt.Sprintf("AT+LPGNSSASSISTANCE=%d", r.Type))
}

// SecurityProfile configures a TLS profile for secure sockets. The
// certificate and key fields name NVM slots written with NVMWrite, 0
// references none. An empty cipher list leaves the choice to the chip.
type SecurityProfile struct {
	ID          int
	Version     TLSVersion
	Ciphers     []uint16
	Validation  int
	CACert      int
	ClientCert  int
	ClientKey   int
	PSK         string
	PSKIdentity string
	Resume      bool
	Lifetime    int
}

func (SecurityProfile) Kind() Kind { return KindSecurityProfile }

func (r SecurityProfile) Encode() (at.Command, error) {
	if r.ID < 1 || r.ID > MaxSecurityProfile {
		return at.Command{}, invalid("security profile %d out of range 1..%d", r.ID, MaxSecurityProfile)
	}
	if r.Version < TLS10 || r.Version > TLS13 {
		return at.Command{}, invalid("tls version %d", r.Version)
	}
	if r.Validation < 0 || r.Validation > 0xff {
		return at.Command{}, invalid("validation level %#x", r.Validation)
	}
	ids := make([]string, 3)
	for i, id := range []int{r.CACert, r.ClientCert, r.ClientKey} {
		switch {
		case id == 0:
		case !UserNVMIndex(id):
			return at.Command{}, invalid("nvm slot %d", id)
		default:
			ids[i] = strconv.Itoa(id)
		}
	}
	if _, err := hex.DecodeString(r.PSK); err != nil || len(r.PSK) > maxPSKLen {
		return at.Command{}, invalid("pre-shared key is not hex of at most %d digits", maxPSKLen)
	}
	if len(r.PSKIdentity) > maxPSKLen || !validText(r.PSKIdentity) {
		return at.Command{}, invalid("pre-shared key identity %q", r.PSKIdentity)
	}
	if r.Lifetime < 0 {
		return at.Command{}, invalid("session lifetime %d", r.Lifetime)
	}
	ciphers := make([]string, len(r.Ciphers))
	for i, c := range r.Ciphers {
		ciphers[i] = fmt.Sprintf("0x%X", c)
	}
	// storage id 0 keeps private keys in NVM
	return plain(fmt.Sprintf("AT+SQNSPCFG=%d,%d,%s,%d,%s,%s,%s,%s,%s,0,%d,%d",
		r.ID, r.Version, quote(strings.Join(ciphers, ";")), r.Validation,
		ids[0], ids[1], ids[2], quote(r.PSK), quote(r.PSKIdentity), b2i(r.Resume), r.Lifetime))
}

// SocketSecurity binds a chip socket to a security profile before it is
// dialed. Profile 0 turns TLS off.
type SocketSecurity struct {
	ConnID  int
	Profile int
}

func (SocketSecurity) Kind() Kind { return KindSocketSecurity }

func (r SocketSecurity) Encode() (at.Command, error) {
	if err := validConnID(r.ConnID); err != nil {
		return at.Command{}, err
	}
	switch {
	case r.Profile == 0:
		return plain(fmt.Sprintf("AT+SQNSSCFG=%d,0", r.ConnID))
	case r.Profile < 0 || r.Profile > MaxSecurityProfile:
		return at.Command{}, invalid("security profile %d out of range 1..%d", r.Profile, MaxSecurityProfile)
	}
	return plain(fmt.Sprintf("AT+SQNSSCFG=%d,1,%d", r.ConnID, r.Profile))
}

// NVMWrite stores a PEM certificate or private key in a chip NVM slot. The
// data follows the input prompt; an empty Data deletes the slot. Carriage
// returns are dropped since the chip does not count them.
type NVMWrite struct {
	Type  NVMData
	Index int
	Data  []byte
}

func (NVMWrite) Kind() Kind { return KindNVMWrite }

func (r NVMWrite) Encode() (at.Command, error) {
	var limit int
	switch r.Type {
	case NVMCertificate:
		limit = MaxCertificateSize
	case NVMPrivateKey:
		limit = MaxPrivateKeySize
	default:
		return at.Command{}, invalid("nvm data type %q", r.Type)
	}
	if !UserNVMIndex(r.Index) {
		return at.Command{}, invalid("nvm slot %d is reserved or out of range", r.Index)
	}
	data := bytes.ReplaceAll(r.Data, []byte("\r"), nil)
	if len(data) > limit {
		return at.Command{}, invalid("%s of %d bytes, want at most %d", r.Type, len(data), limit)
	}
	cmd := at.Command{Line: fmt.Sprintf("AT+SQNSNVW=%s,%d,%d", quote(string(r.Type)), r.Index, len(data))}
	if len(data) > 0 {
		cmd.Payload = data
	}
	return cmd, nil
}

// Shutdown powers the chip down. Only a reset brings it back.
type Shutdown struct{}

func (Shutdown) Kind() Kind                  { return KindShutdown }
func (Shutdown) Encode() (at.Command, error) { return plain("AT+SQNSSHDN") }

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}
