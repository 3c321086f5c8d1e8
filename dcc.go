package main

import (
	"encoding/binary"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// DCCKind distinguishes the CTCP/DCC message shapes accepted and emitted
// by the decoder, per §4.2.
type DCCKind int

const (
	DCCSend DCCKind = iota
	DCCSSend
	DCCAccept
)

func (k DCCKind) String() string {
	switch k {
	case DCCSend:
		return "SEND"
	case DCCSSend:
		return "SSEND"
	case DCCAccept:
		return "ACCEPT"
	default:
		return "UNKNOWN"
	}
}

// DCCOffer is a parsed `DCC SEND`/`DCC SSEND` message.
type DCCOffer struct {
	Secure   bool // true for SSEND: wrap the data connection in TLS
	Filename string
	IP       net.IP
	Port     uint16 // 0 means passive/reverse DCC
	Size     uint64
	Token    string // opaque, echoed back; empty if absent
}

// Passive reports whether this offer requests reverse DCC (we connect out
// only after listening and telling the peer our address).
func (o *DCCOffer) Passive() bool { return o.Port == 0 }

// DCCAcceptMsg is a parsed `DCC ACCEPT` message, sent by a peer to confirm
// a resume at a given byte position.
type DCCAcceptMsg struct {
	Filename string
	Port     uint16
	Position uint64
	Token    string
}

const ctcpDelim = '\x01'

// lowLevelQuote escapes NUL, LF, CR and the DLE quote character itself
// with CTCP's "low level" quoting mechanism, so the result is safe to place
// inside a single IRC line. See §9 "CTCP escaping".
func lowLevelQuote(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case 0x10:
			b.WriteByte(0x10)
			b.WriteByte(0x10)
		case '\x00':
			b.WriteByte(0x10)
			b.WriteByte('0')
		case '\n':
			b.WriteByte(0x10)
			b.WriteByte('n')
		case '\r':
			b.WriteByte(0x10)
			b.WriteByte('r')
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// lowLevelDequote reverses lowLevelQuote.
func lowLevelDequote(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == 0x10 && i+1 < len(s) {
			i++
			switch s[i] {
			case 0x10:
				b.WriteByte(0x10)
			case '0':
				b.WriteByte('\x00')
			case 'n':
				b.WriteByte('\n')
			case 'r':
				b.WriteByte('\r')
			default:
				b.WriteByte(s[i])
			}
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// ctcpQuote escapes the CTCP delimiter and backslash within a CTCP payload
// (the "CTCP level" quoting, orthogonal to lowLevelQuote).
func ctcpQuote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, string(ctcpDelim), `\a`)
	return s
}

func ctcpDequote(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
			switch s[i] {
			case 'a':
				b.WriteByte(ctcpDelim)
			case '\\':
				b.WriteByte('\\')
			default:
				b.WriteByte(s[i])
			}
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// ExtractCTCP pulls the first \x01-delimited CTCP payload out of an IRC
// trailing parameter. ok is false if none is present.
func ExtractCTCP(trailing string) (payload string, ok bool) {
	dequoted := lowLevelDequote(trailing)
	start := strings.IndexByte(dequoted, ctcpDelim)
	if start < 0 {
		return "", false
	}
	end := strings.IndexByte(dequoted[start+1:], ctcpDelim)
	if end < 0 {
		return "", false
	}
	return ctcpDequote(dequoted[start+1 : start+1+end]), true
}

// EncodeCTCP wraps command as a complete CTCP-quoted, low-level-quoted
// payload ready to follow "PRIVMSG <target> :".
func EncodeCTCP(command string) string {
	return lowLevelQuote(string(ctcpDelim) + ctcpQuote(command) + string(ctcpDelim))
}

// splitDCCArgs tokenizes a DCC command's arguments, honoring a single pair
// of double quotes around the filename (the only field in the grammar that
// may contain spaces).
func splitDCCArgs(s string) []string {
	s = strings.TrimSpace(s)
	if len(s) == 0 {
		return nil
	}
	if s[0] == '"' {
		if end := strings.IndexByte(s[1:], '"'); end >= 0 {
			args := []string{s[1 : 1+end]}
			rest := strings.TrimSpace(s[1+end+1:])
			return append(args, strings.Fields(rest)...)
		}
	}
	return strings.Fields(s)
}

// ParseDCC parses the CTCP payload of a `DCC SEND`/`DCC SSEND` message.
// payload is the dequoted text between the \x01 delimiters, e.g.
// `DCC SEND "a file.mkv" 2130706433 5000 1048576 tok1`.
func ParseDCC(payload string) (*DCCOffer, error) {
	fields := strings.Fields(payload)
	if len(fields) < 2 || fields[0] != "DCC" {
		return nil, errors.Wrap(ErrProtocolViolation, "not a DCC message")
	}

	var kind DCCKind
	switch strings.ToUpper(fields[1]) {
	case "SEND":
		kind = DCCSend
	case "SSEND":
		kind = DCCSSend
	default:
		return nil, errors.Wrapf(ErrProtocolViolation, "unsupported DCC subcommand %q", fields[1])
	}

	rest := strings.TrimSpace(payload[strings.Index(payload, fields[1])+len(fields[1]):])
	args := splitDCCArgs(rest)
	if len(args) < 4 {
		return nil, errors.Wrap(ErrProtocolViolation, "DCC SEND: too few arguments")
	}

	ip, err := parseDCCAddr(args[1])
	if err != nil {
		return nil, errors.Wrap(ErrProtocolViolation, err.Error())
	}
	port, err := strconv.ParseUint(args[2], 10, 16)
	if err != nil {
		return nil, errors.Wrap(ErrProtocolViolation, "DCC SEND: bad port")
	}
	size, err := strconv.ParseUint(args[3], 10, 64)
	if err != nil {
		return nil, errors.Wrap(ErrProtocolViolation, "DCC SEND: bad size")
	}

	offer := &DCCOffer{
		Secure:   kind == DCCSSend,
		Filename: normalizeFilename(args[0]),
		IP:       ip,
		Port:     uint16(port),
		Size:     size,
	}
	if len(args) > 4 {
		offer.Token = args[4]
	}
	if offer.Filename == "" {
		return nil, errors.Wrap(ErrProtocolViolation, "empty filename")
	}
	return offer, nil
}

// ParseDCCAccept parses a `DCC ACCEPT "<filename>" <port> <position> [<token>]` message.
func ParseDCCAccept(payload string) (*DCCAcceptMsg, error) {
	fields := strings.Fields(payload)
	if len(fields) < 2 || fields[0] != "DCC" || strings.ToUpper(fields[1]) != "ACCEPT" {
		return nil, errors.Wrap(ErrProtocolViolation, "not a DCC ACCEPT message")
	}
	rest := strings.TrimSpace(payload[strings.Index(payload, fields[1])+len(fields[1]):])
	args := splitDCCArgs(rest)
	if len(args) < 3 {
		return nil, errors.Wrap(ErrProtocolViolation, "DCC ACCEPT: too few arguments")
	}
	port, err := strconv.ParseUint(args[1], 10, 16)
	if err != nil {
		return nil, errors.Wrap(ErrProtocolViolation, "DCC ACCEPT: bad port")
	}
	pos, err := strconv.ParseUint(args[2], 10, 64)
	if err != nil {
		return nil, errors.Wrap(ErrProtocolViolation, "DCC ACCEPT: bad position")
	}
	msg := &DCCAcceptMsg{
		Filename: normalizeFilename(args[0]),
		Port:     uint16(port),
		Position: pos,
	}
	if len(args) > 3 {
		msg.Token = args[3]
	}
	return msg, nil
}

// parseDCCAddr accepts either a dotted quad or a legacy 32-bit host-byte-order
// integer, per §4.2.
func parseDCCAddr(s string) (net.IP, error) {
	if ip := net.ParseIP(s); ip != nil && strings.Contains(s, ".") {
		return ip.To4(), nil
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid DCC address %q", s)
	}
	return uint32ToIP(uint32(n)), nil
}

func uint32ToIP(n uint32) net.IP {
	b := make(net.IP, 4)
	binary.BigEndian.PutUint32(b, n)
	return b
}

func ipToUint32(ip net.IP) uint32 {
	v4 := ip.To4()
	if v4 == nil {
		return 0
	}
	return binary.BigEndian.Uint32(v4)
}

// normalizeFilename trims quoting and reduces the filename to its basename.
// A result of "" signals the filename was empty, ".", "..", or otherwise
// invalid and must be rejected by the caller.
func normalizeFilename(raw string) string {
	raw = strings.Trim(raw, `"`)
	raw = strings.ReplaceAll(raw, "\\", "/")
	base := filepath.Base(raw)
	if base == "." || base == ".." || base == "/" {
		return ""
	}
	return base
}

// ValidateOffer enforces the size/IP/filename constraints from §4.2 given
// the active GlobalConfig. It does not consult the Registry for duplicate
// keys; that check is the Transfer Engine's responsibility (§4.3 step 1).
func ValidateOffer(offer *DCCOffer, maxFileSize uint64, allowPrivateIPs bool) error {
	if offer.Filename == "" {
		return errors.Wrap(ErrProtocolViolation, "filename is empty or a path traversal")
	}
	if strings.ContainsAny(offer.Filename, "/\\") {
		return errors.Wrap(ErrProtocolViolation, "filename contains a path separator")
	}
	if offer.Size > maxFileSize {
		return errors.Wrap(ErrFileSizeExceeded, fmt.Sprintf("%d > max %d", offer.Size, maxFileSize))
	}
	if !offer.Passive() && !allowPrivateIPs && isPrivateOrLoopback(offer.IP) {
		return errors.Wrap(ErrProtocolViolation, "offer address is private/loopback")
	}
	return nil
}

func isPrivateOrLoopback(ip net.IP) bool {
	if ip == nil {
		return true
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() || ip.IsLinkLocalUnicast()
}

// EncodeDCCResume builds the CTCP payload for a `DCC RESUME` reply we send
// when a partial file already exists locally (§4.2 "Encoding").
func EncodeDCCResume(filename string, port uint16, offset uint64, token string) string {
	if token != "" {
		return fmt.Sprintf(`DCC RESUME "%s" %d %d %s`, filename, port, offset, token)
	}
	return fmt.Sprintf(`DCC RESUME "%s" %d %d`, filename, port, offset)
}

// EncodeDCCSendReply builds the CTCP payload we send back to a peer to
// complete passive/reverse DCC negotiation: we listened, and this tells the
// peer where to connect. The address is legacy-encoded (32-bit host byte
// order) for maximum compatibility with XDCC bots.
func EncodeDCCSendReply(filename string, ip net.IP, port uint16, size uint64, token string) string {
	addr := ipToUint32(ip)
	if token != "" {
		return fmt.Sprintf(`DCC SEND "%s" %d %d %d %s`, filename, addr, port, size, token)
	}
	return fmt.Sprintf(`DCC SEND "%s" %d %d %d`, filename, addr, port, size)
}
