// Package preamble parses the textual PROXY protocol (v1) header that a TCP load
// balancer may prepend to a connection before any SSH bytes are sent.
package preamble

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

const (
	// MaxLength is the longest valid v1 header, CRLF included.
	MaxLength = 107

	signature = "PROXY "
)

const (
	ProtocolTCP4    = "TCP4"
	ProtocolTCP6    = "TCP6"
	ProtocolUnknown = "UNKNOWN"
)

var (
	// ErrNoPreamble is returned when the stream does not start with a header.
	// Nothing has been consumed from the reader in that case.
	ErrNoPreamble = errors.New("no proxy preamble")

	// ErrMalformed is returned for input that starts like a header but is not one.
	ErrMalformed = errors.New("malformed proxy preamble")
)

// Header is a decoded PROXY v1 line.
type Header struct {
	Protocol    string
	Source      netip.AddrPort
	Destination netip.AddrPort
}

// HasSource reports whether the header carries a usable client address.
// UNKNOWN headers do not.
func (h Header) HasSource() bool {
	return h.Protocol != ProtocolUnknown && h.Source.IsValid()
}

// Parse consumes a PROXY header from r if one is present.
//
// Only the first byte is peeked to decide: an SSH client always starts with "SSH-",
// so a leading 'P' commits the stream to being a header and anything that does not
// complete one is rejected with ErrMalformed.
func Parse(r *bufio.Reader) (Header, error) {
	first, err := r.Peek(1)
	if err != nil {
		return Header{}, fmt.Errorf("peek preamble: %w", err)
	}
	if first[0] != signature[0] {
		return Header{}, ErrNoPreamble
	}

	line, err := readLine(r)
	if err != nil {
		return Header{}, err
	}
	return parseLine(line)
}

// readLine reads up to and including CRLF, never more than MaxLength bytes.
func readLine(r *bufio.Reader) ([]byte, error) {
	var line []byte
	for len(line) < MaxLength {
		b, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		line = append(line, b)
		if len(line) <= len(signature) && line[len(line)-1] != signature[len(line)-1] {
			return nil, fmt.Errorf("%w: bad signature %q", ErrMalformed, line)
		}
		if bytes.HasSuffix(line, []byte("\r\n")) {
			return line[:len(line)-2], nil
		}
	}
	return nil, fmt.Errorf("%w: header longer than %d bytes", ErrMalformed, MaxLength)
}

func parseLine(line []byte) (Header, error) {
	if bytes.ContainsAny(line, "\r\n") {
		return Header{}, fmt.Errorf("%w: stray line break", ErrMalformed)
	}
	fields := strings.Split(string(line[len(signature):]), " ")

	switch fields[0] {
	case ProtocolUnknown:
		// Everything after UNKNOWN is ignored by receivers.
		return Header{Protocol: ProtocolUnknown}, nil
	case ProtocolTCP4, ProtocolTCP6:
	default:
		return Header{}, fmt.Errorf("%w: unsupported protocol %q", ErrMalformed, fields[0])
	}

	if len(fields) != 5 {
		return Header{}, fmt.Errorf("%w: expected 5 fields, got %d", ErrMalformed, len(fields))
	}

	h := Header{Protocol: fields[0]}
	src, err := parseAddr(h.Protocol, fields[1])
	if err != nil {
		return Header{}, err
	}
	dst, err := parseAddr(h.Protocol, fields[2])
	if err != nil {
		return Header{}, err
	}
	srcPort, err := parsePort(fields[3])
	if err != nil {
		return Header{}, err
	}
	dstPort, err := parsePort(fields[4])
	if err != nil {
		return Header{}, err
	}

	h.Source = netip.AddrPortFrom(src, srcPort)
	h.Destination = netip.AddrPortFrom(dst, dstPort)
	return h, nil
}

func parseAddr(protocol, s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: invalid address %q", ErrMalformed, s)
	}
	if addr.Zone() != "" {
		return netip.Addr{}, fmt.Errorf("%w: zoned address %q", ErrMalformed, s)
	}
	switch {
	case protocol == ProtocolTCP4 && !addr.Is4():
		return netip.Addr{}, fmt.Errorf("%w: %q is not an IPv4 address", ErrMalformed, s)
	case protocol == ProtocolTCP6 && !addr.Is6():
		return netip.Addr{}, fmt.Errorf("%w: %q is not an IPv6 address", ErrMalformed, s)
	}
	return addr, nil
}

func parsePort(s string) (uint16, error) {
	if s == "" || s[0] < '0' || s[0] > '9' {
		return 0, fmt.Errorf("%w: invalid port %q", ErrMalformed, s)
	}
	if len(s) > 1 && s[0] == '0' {
		return 0, fmt.Errorf("%w: port %q has a leading zero", ErrMalformed, s)
	}
	p, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid port %q", ErrMalformed, s)
	}
	return uint16(p), nil
}

// String renders the header in wire format, CRLF included.
func (h Header) String() string {
	if h.Protocol == ProtocolUnknown || h.Protocol == "" {
		return "PROXY UNKNOWN\r\n"
	}
	return fmt.Sprintf("PROXY %s %s %s %d %d\r\n",
		h.Protocol,
		h.Source.Addr(), h.Destination.Addr(),
		h.Source.Port(), h.Destination.Port(),
	)
}
