package main

import (
	"strings"

	"github.com/pkg/errors"
)

// IRCLine is one parsed protocol line, per RFC 1459 §2.3.1.
type IRCLine struct {
	Prefix   string // empty if absent
	Command  string
	Params   []string // middle parameters, not including Trailing
	Trailing string   // the final ":"-prefixed parameter; "" if absent
	HasTrail bool
}

// ParseIRCLine parses a single line (without its trailing CRLF).
func ParseIRCLine(raw string) (*IRCLine, error) {
	raw = strings.TrimRight(raw, "\r\n")
	if raw == "" {
		return nil, errors.Wrap(ErrProtocolViolation, "empty line")
	}

	line := &IRCLine{}
	if raw[0] == ':' {
		sp := strings.IndexByte(raw, ' ')
		if sp < 0 {
			return nil, errors.Wrap(ErrProtocolViolation, "prefix with no command")
		}
		line.Prefix = raw[1:sp]
		raw = strings.TrimLeft(raw[sp+1:], " ")
	}

	if trailStart := strings.Index(raw, " :"); trailStart >= 0 {
		line.HasTrail = true
		line.Trailing = raw[trailStart+2:]
		raw = raw[:trailStart]
	} else if strings.HasPrefix(raw, ":") {
		line.HasTrail = true
		line.Trailing = raw[1:]
		raw = ""
	}

	fields := strings.Fields(raw)
	if len(fields) == 0 {
		return nil, errors.Wrap(ErrProtocolViolation, "no command")
	}
	line.Command = strings.ToUpper(fields[0])
	line.Params = fields[1:]
	return line, nil
}

// LastParam returns Trailing if present, else the last middle parameter, or
// "" if the line has no parameters at all. Useful for commands like PART
// where the reason may or may not use the trailing form.
func (l *IRCLine) LastParam() string {
	if l.HasTrail {
		return l.Trailing
	}
	if len(l.Params) == 0 {
		return ""
	}
	return l.Params[len(l.Params)-1]
}

// PrefixNick returns the nickname portion of an nick!user@host prefix.
func (l *IRCLine) PrefixNick() string {
	if i := strings.IndexByte(l.Prefix, '!'); i >= 0 {
		return l.Prefix[:i]
	}
	return l.Prefix
}

// FormatLine renders an outgoing command line, truncating params/trailing
// so the total payload never exceeds maxIRCLine bytes, per §3's invariant.
// It does not append the terminating CRLF; callers write that separately.
func FormatLine(command string, params []string, trailing string) string {
	var b strings.Builder
	b.WriteString(command)
	for _, p := range params {
		b.WriteByte(' ')
		b.WriteString(p)
	}
	if trailing != "" {
		b.WriteString(" :")
		b.WriteString(trailing)
	}
	out := b.String()
	if len(out) > maxIRCLine {
		out = out[:maxIRCLine]
	}
	return out
}
