package mailbox

import (
	"net"
	"sync"
	"time"
)

// boundedConn caps every deadline the IMAP client sets on the socket at the limit of the
// command in flight. The client clears its read deadline between responses, so without
// the cap a server that stops answering mid-command blocks the reader forever.
type boundedConn struct {
	net.Conn

	mu    sync.Mutex
	limit time.Time
	read  time.Time
	write time.Time
}

func (c *boundedConn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}

func (c *boundedConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.read = t
	return c.Conn.SetReadDeadline(earliest(t, c.limit))
}

func (c *boundedConn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.write = t
	return c.Conn.SetWriteDeadline(earliest(t, c.limit))
}

// Limit bounds reads and writes until it is called again with the zero time.
func (c *boundedConn) Limit(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.limit = t
	if err := c.Conn.SetReadDeadline(earliest(c.read, t)); err != nil {
		return err
	}
	return c.Conn.SetWriteDeadline(earliest(c.write, t))
}

// earliest treats the zero time as no deadline.
func earliest(a, b time.Time) time.Time {
	switch {
	case a.IsZero():
		return b
	case b.IsZero(), a.Before(b):
		return a
	default:
		return b
	}
}
