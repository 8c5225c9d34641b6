package at

import (
	"bufio"
	"bytes"
	"strings"
)

// Splitter is used for tokenizing AT command modem responses. It uses
// the signature of bufio.SplitFunc so it can be directly used with bufio.Scanner.
//
// It splits the input by CRLF line endings (a lone LF is accepted too) and
// also recognizes the payload input prompt ("> ") the modem emits before
// accepting socket data.
//
// The atEOF parameter indicates whether any more data will be available.
// When true, any remaining data is returned as the final token.
func Splitter(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	// 1. Match payload prompt
	if bytes.HasPrefix(data, []byte(Prompt)) {
		return len(Prompt), data[0:len(Prompt)], nil
	}

	// 2. Match line ending, CRLF or a lone LF
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return i + 1, bytes.TrimSuffix(data[0:i], []byte(CR)), nil
	}

	if atEOF {
		return len(data), bytes.TrimSuffix(data, []byte(CR)), nil
	}
	return 0, nil, nil
}

var _ bufio.SplitFunc = Splitter

// Classify identifies the nature of the modem output. Whether a data line is
// a command response or an unsolicited result code depends on the pending
// command and is decided by the caller.
func Classify(line string) ResponseType {
	if line == Prompt || line == strings.TrimSpace(Prompt) {
		return TypePrompt
	}

	line = strings.TrimSpace(line)

	// Direct matches for final results
	switch line {
	case OK, ERROR, NoCarrier, NoDialtone, Busy, NoAnswer:
		return TypeFinal
	}

	// Prefix matches
	switch {
	case strings.HasPrefix(line, CmeError), strings.HasPrefix(line, CmsError):
		return TypeFinal
	default:
		return TypeData
	}
}

// IsEcho reports whether line is the modem echoing back a command line
// that starts with cmd, e.g. "AT+CFUN=1" for "AT+CFUN".
func IsEcho(line, cmd string) bool {
	line, cmd = strings.TrimSpace(line), strings.TrimSpace(cmd)
	return cmd != "" && len(line) >= len(cmd) && strings.EqualFold(line[:len(cmd)], cmd)
}
