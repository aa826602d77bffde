// Package httphead tokenizes an HTTP/1.1 start line and header block the way
// the probe engines need it: a start line of exactly three space-separated
// tokens, followed by "key: value" attribute lines that may be continued
// with leading-whitespace folding, terminated by a blank line. It is used
// both for parsing response status lines ("HTTP/1.1 200 OK") and, in
// principle, request lines — the three start-line tokens carry the same
// generic meaning (method/target/version, or version/status/reason)
// regardless of direction.
package httphead

import (
	"fmt"
	"strconv"
	"strings"
)

// HeaderField is one ordered, case-preserved attribute line.
type HeaderField struct {
	Key   string
	Value string
}

// Header is a parsed start line plus its ordered attribute list.
type Header struct {
	// Method, URI and Version hold the three start-line tokens in order.
	// For a response status line these are the version, status code, and
	// reason phrase respectively.
	Method  string
	URI     string
	Version string
	Attrs   []HeaderField
}

func isCtl(b byte) bool {
	return b < 32 || b >= 127
}

// splitLines splits buf on "\n", trimming a trailing "\r" from each line, and
// stops at (and discards) the first blank line, which terminates the header
// block.
func splitLines(buf []byte) []string {
	var lines []string
	s := string(buf)
	for {
		nl := strings.IndexByte(s, '\n')
		if nl < 0 {
			if s != "" {
				lines = append(lines, strings.TrimSuffix(s, "\r"))
			}
			break
		}
		line := strings.TrimSuffix(s[:nl], "\r")
		s = s[nl+1:]
		if line == "" {
			break
		}
		lines = append(lines, line)
	}
	return lines
}

// Parse tokenizes an HTTP start line and header block. buf should contain the
// start line, all attribute lines (with folding), and the blank line that
// terminates the block; any bytes after the terminating blank line are
// ignored (they belong to the message body, not the header).
func Parse(buf []byte) (Header, error) {
	var h Header

	lines := splitLines(buf)
	if len(lines) == 0 {
		return h, fmt.Errorf("httphead: empty header block")
	}

	tok := strings.SplitN(lines[0], " ", 3)
	if len(tok) != 3 {
		return h, fmt.Errorf("httphead: start line %q does not have 3 tokens", lines[0])
	}
	h.Method, h.URI, h.Version = tok[0], tok[1], tok[2]

	for _, line := range lines[1:] {
		if line[0] == ' ' || line[0] == '\t' {
			if len(h.Attrs) == 0 {
				return h, fmt.Errorf("httphead: continuation line with no preceding attribute")
			}
			last := &h.Attrs[len(h.Attrs)-1]
			last.Value = strings.TrimSpace(last.Value) + " " + strings.TrimSpace(line)
			continue
		}

		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			return h, fmt.Errorf("httphead: attribute line %q has no ':'", line)
		}
		key := strings.TrimRight(line[:colon], " \t")
		for i := 0; i < len(key); i++ {
			if isCtl(key[i]) {
				return h, fmt.Errorf("httphead: control character in attribute key %q", key)
			}
		}
		value := strings.TrimLeft(line[colon+1:], " \t")
		h.Attrs = append(h.Attrs, HeaderField{Key: key, Value: value})
	}

	return h, nil
}

// Get returns the value of the first attribute matching key, case
// insensitively.
func (h Header) Get(key string) (string, bool) {
	for _, f := range h.Attrs {
		if strings.EqualFold(f.Key, key) {
			return f.Value, true
		}
	}
	return "", false
}

// ContentLength returns the parsed Content-Length value, or -1 if the header
// is absent or its value is not a clean base-10 signed integer (trailing
// characters, e.g. "1x", count as malformed). A literal negative value such
// as "-1" parses through unchanged.
func (h Header) ContentLength() int64 {
	v, ok := h.Get("Content-Length")
	if !ok {
		return -1
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return -1
	}
	return n
}
