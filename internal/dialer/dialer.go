package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Dialer mirrors the net.Dialer interface.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// New constructs the outbound Dialer for an optional SOCKS5 upstream.
//
// An empty socks5Addr dials directly. Otherwise it may be a bare host:port
// or a socks5://host[:port] URL; the port defaults to 1080.
func New(cfg Config, socks5Addr string) (Dialer, error) {
	if socks5Addr == "" {
		return NewDirectDialer(cfg), nil
	}

	if !strings.Contains(socks5Addr, "://") {
		socks5Addr = "socks5://" + socks5Addr
	}

	u, err := url.Parse(socks5Addr)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "socks5" {
		return nil, fmt.Errorf("invalid url scheme: %q", u.Scheme)
	}
	if u.Path != "" && u.Path != "/" {
		return nil, errors.New("invalid URL: path should be empty")
	}
	if u.User != nil {
		return nil, errors.New("invalid URL: socks5 authentication is not supported")
	}

	host := u.Hostname()
	if host == "" {
		return nil, errors.New("invalid URL: missing host")
	}
	port := u.Port()
	if port == "" {
		port = "1080"
	}

	return NewSOCKS5ProxyDialer(cfg, net.JoinHostPort(host, port)), nil
}
