package dialer

import (
	"net"
	"time"
)

type Config struct {
	DialTimeout time.Duration
	// NegotiationTimeout bounds the SOCKS5 handshake after the TCP connect.
	NegotiationTimeout time.Duration
	KeepAlive          net.KeepAliveConfig
}
