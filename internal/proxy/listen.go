package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/die-net/fortify/internal/config"
)

// Listen binds the proxy's listening socket as described by pc, wrapping
// it in TLS when HTTPS mode is enabled.
func Listen(pc config.ProxyConfig, keepAliveConfig net.KeepAliveConfig) (net.Listener, error) {
	ln, err := ListenTCP("tcp", pc.Addr(), keepAliveConfig)
	if err != nil {
		return nil, err
	}
	if !pc.HTTPSEnabled {
		return ln, nil
	}

	tln, err := NewTLSListener(ln, pc.CertificatePath, pc.PrivateKeyPath)
	if err != nil {
		_ = ln.Close()
		return nil, err
	}
	return tln, nil
}

// ListenTCP listens on the given network/address and returns a net.Listener
// that applies keepAliveConfig to accepted TCP connections.
func ListenTCP(network, addr string, keepAliveConfig net.KeepAliveConfig) (net.Listener, error) {
	lc := net.ListenConfig{}

	ln, err := lc.Listen(context.Background(), network, addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", network, addr, err)
	}

	return &KeepAliveListener{Listener: ln, KeepAliveConfig: keepAliveConfig}, nil
}

// NewTLSListener terminates TLS on connections accepted from ln using the
// certificate and key at the given PEM paths. The handshake itself is
// performed by the connection handler.
func NewTLSListener(ln net.Listener, certFile, keyFile string) (net.Listener, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}

	return tls.NewListener(ln, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}), nil
}

// KeepAliveListener wraps a net.Listener and applies KeepAliveConfig to any
// accepted *net.TCPConn.
type KeepAliveListener struct {
	net.Listener
	net.KeepAliveConfig
}

// Accept accepts the next connection and applies KeepAliveConfig if the
// connection is a *net.TCPConn.
func (l *KeepAliveListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}

	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAliveConfig(l.KeepAliveConfig)
	}

	return conn, nil
}
