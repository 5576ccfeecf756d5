package dialer

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/die-net/fortify/internal/socks5"
)

// SOCKS5ProxyDialer dials outbound TCP connections through a SOCKS5 server
// using the CONNECT command without authentication.
type SOCKS5ProxyDialer struct {
	cfg       Config
	proxyAddr string
	direct    Dialer
}

// NewSOCKS5ProxyDialer constructs a dialer that reaches targets via the
// SOCKS5 server at proxyAddr (host:port).
func NewSOCKS5ProxyDialer(cfg Config, proxyAddr string) *SOCKS5ProxyDialer {
	return &SOCKS5ProxyDialer{cfg: cfg, proxyAddr: proxyAddr, direct: NewDirectDialer(cfg)}
}

// ProxyAddr returns the SOCKS5 server address.
func (f *SOCKS5ProxyDialer) ProxyAddr() string {
	return f.proxyAddr
}

// DialContext connects to the SOCKS5 server and asks it to CONNECT to
// address. The handshake is bounded by NegotiationTimeout and aborted if
// ctx is canceled.
func (f *SOCKS5ProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("socks5 proxy dial %s %s: unsupported network", network, address)
	}

	c, err := f.direct.DialContext(ctx, "tcp", f.proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("socks5 proxy: %w", err)
	}

	if f.cfg.NegotiationTimeout > 0 {
		_ = c.SetDeadline(time.Now().Add(f.cfg.NegotiationTimeout))
	}

	// Unblock the handshake if the caller gives up.
	stop := context.AfterFunc(ctx, func() {
		_ = c.SetDeadline(time.Unix(1, 0))
	})

	err = socks5.ClientDial(c, address)
	if !stop() {
		_ = c.Close()
		return nil, fmt.Errorf("socks5 proxy dial %s %s: %w", network, address, ctx.Err())
	}
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("socks5 proxy dial %s %s: %w", network, address, err)
	}

	_ = c.SetDeadline(time.Time{})
	return c, nil
}
