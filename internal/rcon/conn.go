package rcon

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"
)

// DefaultWriteTimeout bounds a single frame write.
const DefaultWriteTimeout = 5 * time.Second

// Conn is the transport connection: one stream socket with frame-level send/receive.
// Send is not safe for concurrent use; the Client serializes writers.
type Conn struct {
	netConn      net.Conn
	reader       *bufio.Reader
	writeTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

// Dial opens a TCP connection to address. Dial errors are classified into
// ErrConnectionRefused or ErrNetworkUnreachable.
func Dial(ctx context.Context, address string, timeout time.Duration) (*Conn, error) {
	dialer := net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	nc, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, classifyDialError(err)
	}
	return NewConn(nc), nil
}

// NewConn wraps an established stream.
func NewConn(nc net.Conn) *Conn {
	return &Conn{
		netConn:      nc,
		reader:       bufio.NewReader(nc),
		writeTimeout: DefaultWriteTimeout,
	}
}

// Send writes one packet.
func (c *Conn) Send(p Packet) error {
	if c.writeTimeout > 0 {
		if err := c.netConn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	return WritePacket(c.netConn, p)
}

// Receive blocks until a full packet has been read or the socket fails.
func (c *Conn) Receive() (Packet, error) {
	return ReadPacket(c.reader)
}

// SetReadDeadline bounds the next Receive calls. A zero time clears it.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.netConn.SetReadDeadline(t)
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() string {
	return c.netConn.RemoteAddr().String()
}

// Close closes the socket. Safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.netConn.Close()
	})
	return c.closeErr
}
