package proxy

import (
	"crypto/tls"
	"time"

	"github.com/rs/zerolog"

	"github.com/die-net/fortify/internal/cache"
	"github.com/die-net/fortify/internal/dialer"
	"github.com/die-net/fortify/internal/metrics"
)

type Config struct {
	Authentication bool
	Username       string
	Password       string

	// TargetAddress, if set, replaces the destination of every non-CONNECT
	// request.
	TargetAddress string

	// NegotiationTimeout bounds the TLS handshake and reading the request
	// head.
	NegotiationTimeout time.Duration
	// MaxBodyBytes caps buffered request bodies; 0 means no limit.
	MaxBodyBytes int64

	// IdleTimeout closes client and upstream connections that see no
	// traffic for this long.
	IdleTimeout time.Duration

	// Dialer opens upstream connections. A *dialer.SOCKS5ProxyDialer makes
	// plain requests take the SOCKS5 route.
	Dialer dialer.Dialer

	// Cache enables response caching for GET and HEAD when non-nil.
	Cache   *cache.Cache
	Metrics *metrics.Collector
	Logger  zerolog.Logger

	// OriginTLSConfig is used for absolute https:// request targets.
	OriginTLSConfig *tls.Config
}
