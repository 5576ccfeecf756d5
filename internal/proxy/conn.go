package proxy

import (
	"bufio"
	"errors"
	"io"
	"net"
	"os"
	"time"

	"github.com/die-net/fortify/internal/metrics"
)

// trackedConn extends its deadline on every read or write so that only
// idle connections time out, and optionally counts client bytes.
type trackedConn struct {
	net.Conn
	idle    time.Duration
	metrics *metrics.Collector

	// limit caps the idle deadline while set.
	limit time.Time
}

func newTrackedConn(c net.Conn, idle time.Duration, m *metrics.Collector) *trackedConn {
	return &trackedConn{Conn: c, idle: idle, metrics: m}
}

// setLimit caps every deadline at t until cleared with the zero time. It
// must not be called while another goroutine uses the conn.
func (c *trackedConn) setLimit(t time.Time) {
	c.limit = t
	_ = c.Conn.SetDeadline(c.deadline())
}

func (c *trackedConn) deadline() time.Time {
	var dl time.Time
	if c.idle > 0 {
		dl = time.Now().Add(c.idle)
	}
	if !c.limit.IsZero() && (dl.IsZero() || c.limit.Before(dl)) {
		dl = c.limit
	}
	return dl
}

func (c *trackedConn) touch() {
	if c.idle > 0 || !c.limit.IsZero() {
		_ = c.Conn.SetDeadline(c.deadline())
	}
}

func (c *trackedConn) Read(b []byte) (int, error) {
	c.touch()
	n, err := c.Conn.Read(b)
	if n > 0 && c.metrics != nil {
		c.metrics.AddBytesIn(int64(n))
	}
	return n, err
}

func (c *trackedConn) Write(b []byte) (int, error) {
	c.touch()
	n, err := c.Conn.Write(b)
	if n > 0 && c.metrics != nil {
		c.metrics.AddBytesOut(int64(n))
	}
	return n, err
}

// bufferedConn reads through r, which may already hold bytes the client
// sent after its request head.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(b []byte) (int, error) {
	return c.r.Read(b)
}

// isNetError reports whether err came from the transport rather than from
// the content of a message.
func isNetError(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, io.ErrClosedPipe)
}
