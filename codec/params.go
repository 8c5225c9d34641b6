package codec

import (
	"strconv"
	"strings"

	"github.com/warthog618/modem/info"
)

// Params returns the comma separated parameters of an information line
// carrying the given prefix. Quoted parameters may contain commas; quotes
// are removed.
func Params(line, prefix string) ([]string, bool) {
	line = strings.TrimSpace(line)
	if !info.HasPrefix(line, prefix) {
		return nil, false
	}
	return splitParams(info.TrimPrefix(line, prefix), false), true
}

// splitParams splits s at commas outside quotes. The quotes are kept when
// keepQuotes is set.
func splitParams(s string, keepQuotes bool) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var (
		out    []string
		cur    strings.Builder
		quoted bool
	)
	for _, r := range s {
		switch {
		case r == '"':
			quoted = !quoted
			if keepQuotes {
				cur.WriteRune(r)
			}
		case r == ',' && !quoted:
			out = append(out, strings.TrimSpace(cur.String()))
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	return append(out, strings.TrimSpace(cur.String()))
}

func atoi(s string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	return n, err == nil
}

// param returns the i-th parameter as an int, or def when it is absent or
// empty.
func param(p []string, i, def int) (int, bool) {
	if i >= len(p) || p[i] == "" {
		return def, true
	}
	return atoi(p[i])
}

func quote(s string) string {
	return `"` + s + `"`
}

func validText(s string) bool {
	for _, r := range s {
		if r == '"' || r < 0x20 || r > 0x7e {
			return false
		}
	}
	return true
}
