package codec

import "fmt"

// FunctionalMode is the AT+CFUN level.
type FunctionalMode int

const (
	ModeMinimum  FunctionalMode = 0
	ModeFull     FunctionalMode = 1
	ModeAirplane FunctionalMode = 4
)

func (m FunctionalMode) String() string {
	switch m {
	case ModeMinimum:
		return "minimum"
	case ModeFull:
		return "full"
	case ModeAirplane:
		return "airplane"
	default:
		return fmt.Sprintf("cfun(%d)", int(m))
	}
}

// RegStatus is the <stat> value of +CEREG.
type RegStatus int

const (
	RegNotRegistered RegStatus = 0
	RegHome          RegStatus = 1
	RegSearching     RegStatus = 2
	RegDenied        RegStatus = 3
	RegUnknown       RegStatus = 4
	RegRoaming       RegStatus = 5
	RegEmergencyOnly RegStatus = 8
	RegTempConnLost  RegStatus = 80
)

// Registered reports whether the status means the device is attached.
func (s RegStatus) Registered() bool {
	return s == RegHome || s == RegRoaming || s == RegTempConnLost
}

func (s RegStatus) String() string {
	switch s {
	case RegNotRegistered:
		return "not-registered"
	case RegHome:
		return "registered-home"
	case RegSearching:
		return "searching"
	case RegDenied:
		return "denied"
	case RegUnknown:
		return "unknown"
	case RegRoaming:
		return "registered-roaming"
	case RegEmergencyOnly:
		return "emergency-only"
	case RegTempConnLost:
		return "temporary-connection-lost"
	default:
		return fmt.Sprintf("cereg(%d)", int(s))
	}
}

func validRegStatus(n int) bool {
	switch RegStatus(n) {
	case RegNotRegistered, RegHome, RegSearching, RegDenied, RegUnknown, RegRoaming, RegEmergencyOnly, RegTempConnLost:
		return true
	}
	return false
}

// PDPType is the packet data protocol of a context.
type PDPType string

const (
	PDPIPv4   PDPType = "IP"
	PDPIPv6   PDPType = "IPV6"
	PDPIPv4v6 PDPType = "IPV4V6"
)

// Protocol is the transport protocol of a chip socket.
type Protocol int

const (
	TCP Protocol = 0
	UDP Protocol = 1
)

func (p Protocol) String() string {
	switch p {
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	default:
		return fmt.Sprintf("protocol(%d)", int(p))
	}
}

// RAT is the radio access technology selected by AT+SQNMODEACTIVE.
type RAT int

const (
	RATLTEM  RAT = 1
	RATNBIoT RAT = 2
)

func (r RAT) String() string {
	switch r {
	case RATLTEM:
		return "lte-m"
	case RATNBIoT:
		return "nb-iot"
	default:
		return fmt.Sprintf("rat(%d)", int(r))
	}
}

// GnssAction programs the positioning engine.
type GnssAction string

const (
	GnssSingle GnssAction = "single"
	GnssStop   GnssAction = "stop"
)

// SIM states reported by +CPIN.
const (
	SimReady = "READY"
	SimPIN   = "SIM PIN"
	SimPUK   = "SIM PUK"
)

// Limits of the chip socket layer.
const (
	MaxConnID  = 6
	MaxPayload = 1500
	MaxCID     = 16
	MaxAPNLen  = 63
	maxHostLen = 255
)

// TLSVersion is the protocol version of a security profile.
type TLSVersion int

const (
	TLS10 TLSVersion = 0
	TLS11 TLSVersion = 1
	TLS12 TLSVersion = 2
	TLS13 TLSVersion = 3
)

// Certificate validation bits of a security profile.
const (
	ValidateCert     = 1 << 0
	ValidateHostname = 1 << 2
)

// NVMData is the kind of object stored in a chip NVM slot.
type NVMData string

const (
	NVMCertificate NVMData = "certificate"
	NVMPrivateKey  NVMData = "privatekey"
)

// Limits of the chip security layer. NVM slots 0..4 and 7..10 belong to
// the chip firmware.
const (
	MaxSecurityProfile = 6
	MaxNVMIndex        = 19
	MaxCertificateSize = 8192
	MaxPrivateKeySize  = 2048
	maxPSKLen          = 64
)

// UserNVMIndex reports whether slot i may be written.
func UserNVMIndex(i int) bool {
	return i >= 0 && i <= MaxNVMIndex && !(i <= 4 || (i >= 7 && i <= 10))
}

// AssistanceType names a GNSS assistance data set.
type AssistanceType int

const (
	AssistAlmanac            AssistanceType = 0
	AssistRealTimeEphemeris  AssistanceType = 1
	AssistPredictedEphemeris AssistanceType = 2
)

func (a AssistanceType) String() string {
	switch a {
	case AssistAlmanac:
		return "almanac"
	case AssistRealTimeEphemeris:
		return "real-time-ephemeris"
	case AssistPredictedEphemeris:
		return "predicted-ephemeris"
	default:
		return fmt.Sprintf("assistance(%d)", int(a))
	}
}
