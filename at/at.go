package at

import "strings"

const (
	// Terminal Control
	CRLF   = "\r\n"
	CR     = "\r"
	Prompt = "> "

	// Response Codes
	OK         = "OK"
	ERROR      = "ERROR"
	NoCarrier  = "NO CARRIER"
	NoDialtone = "NO DIALTONE"
	Busy       = "BUSY"
	NoAnswer   = "NO ANSWER"
	CmeError   = "+CME ERROR:"
	CmsError   = "+CMS ERROR:"
)

type ResponseType int

const (
	TypeFinal  ResponseType = iota // OK, ERROR, +CME ERROR
	TypeData                       // Intermediate command output (+CSQ: ...)
	TypePrompt                     // Payload input prompt
)

func (t ResponseType) String() string {
	switch t {
	case TypeFinal:
		return "final"
	case TypeData:
		return "data"
	case TypePrompt:
		return "prompt"
	default:
		return "unknown"
	}
}

// Command is a single AT command line together with the grammar needed to
// correlate the modem output that belongs to it.
type Command struct {
	// Line is the command text without terminator, e.g. "AT+CEREG?".
	Line string
	// Payload is written after the modem answers Line with the input prompt.
	Payload []byte
	// Prefix is the information response prefix, e.g. "+CEREG". Lines
	// starting with Prefix+":" that Solicited accepts belong to the command
	// even if they look like unsolicited result codes.
	Prefix string
	// Solicited tells a Prefix line answering the command apart from an
	// unsolicited report sharing the prefix. Nil claims every Prefix line.
	Solicited func(line string) bool
	// RawLines is the number of lines following a Prefix line that are
	// passed through verbatim (socket data in hex mode).
	RawLines int
}

// Answers reports whether line is information output of the command.
func (c Command) Answers(line string) bool {
	if c.Prefix == "" || !strings.HasPrefix(strings.TrimSpace(line), c.Prefix+":") {
		return false
	}
	return c.Solicited == nil || c.Solicited(line)
}

// Wire returns the bytes sent to the modem for the command line.
func (c Command) Wire() []byte {
	return []byte(c.Line + CR)
}

func (c Command) String() string {
	return c.Line
}
