package preamble

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"time"
)

var _ net.Conn = (*Conn)(nil)

// Conn is a net.Conn that has been checked for a PROXY header. Reads are served
// from the buffered reader used for peeking so no SSH bytes are lost.
type Conn struct {
	net.Conn
	r      *bufio.Reader
	header *Header
}

// Accept inspects conn for a PROXY header. The timeout bounds how long the peer may
// take to send its first bytes; zero disables it. A malformed header is an error
// and the caller should drop the connection.
func Accept(conn net.Conn, timeout time.Duration) (*Conn, error) {
	c := &Conn{Conn: conn, r: bufio.NewReaderSize(conn, 512)}

	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, fmt.Errorf("set preamble deadline: %w", err)
		}
	}

	h, err := Parse(c.r)
	switch {
	case errors.Is(err, ErrNoPreamble):
	case err != nil:
		return nil, err
	default:
		c.header = &h
	}

	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Time{}); err != nil {
			return nil, fmt.Errorf("clear preamble deadline: %w", err)
		}
	}
	return c, nil
}

func (c *Conn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// Header returns the parsed header, or nil when the connection had none.
func (c *Conn) Header() *Header {
	return c.header
}

// RemoteAddr reports the originating client address when the header carried one.
func (c *Conn) RemoteAddr() net.Addr {
	if c.header != nil && c.header.HasSource() {
		return net.TCPAddrFromAddrPort(c.header.Source)
	}
	return c.Conn.RemoteAddr()
}

// LocalAddr reports the address the client originally connected to when known.
func (c *Conn) LocalAddr() net.Addr {
	if c.header != nil && c.header.HasSource() {
		return net.TCPAddrFromAddrPort(c.header.Destination)
	}
	return c.Conn.LocalAddr()
}
