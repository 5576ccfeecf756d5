package testutil

import (
	"context"
	"io"
	"net"
	"sync/atomic"
	"testing"

	"github.com/die-net/fortify/internal/socks5"
)

// SOCKS5Server is a no-auth SOCKS5 server for tests. It connects to the
// requested destination directly unless a fixed reply code is configured.
type SOCKS5Server struct {
	ln       net.Listener
	connects atomic.Int64
	reply    byte
}

// StartSOCKS5Server starts a SOCKS5 server that relays CONNECT requests.
func StartSOCKS5Server(t *testing.T) *SOCKS5Server {
	return StartFailingSOCKS5Server(t, 0)
}

// StartFailingSOCKS5Server starts a SOCKS5 server that answers every
// CONNECT with reply code rep. A zero rep relays normally.
func StartFailingSOCKS5Server(t *testing.T, rep byte) *SOCKS5Server {
	t.Helper()

	s := &SOCKS5Server{reply: rep}
	s.ln = StartServer(t, s.handle)
	return s
}

// Addr returns the server's host:port.
func (s *SOCKS5Server) Addr() string {
	return s.ln.Addr().String()
}

// Connects returns how many CONNECT requests the server has received.
func (s *SOCKS5Server) Connects() int64 {
	return s.connects.Load()
}

func (s *SOCKS5Server) handle(c net.Conn) {
	if err := socks5.ServerNegotiate(c); err != nil {
		return
	}
	req, err := socks5.ServerReadRequest(c)
	if err != nil {
		return
	}
	s.connects.Add(1)

	if s.reply != 0 {
		_ = socks5.WriteReply(c, s.reply, req.Atyp)
		return
	}

	d := net.Dialer{}
	dst, err := d.DialContext(context.Background(), "tcp", req.Address())
	if err != nil {
		_ = socks5.WriteReply(c, 0x04, req.Atyp)
		return
	}
	defer dst.Close()

	if err := socks5.WriteSuccessReply(c, dst.LocalAddr()); err != nil {
		return
	}

	go func() {
		_, _ = io.Copy(dst, c)
		_ = dst.Close()
	}()
	_, _ = io.Copy(c, dst)
}
