package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/die-net/fortify/internal/cache"
	"github.com/die-net/fortify/internal/metrics"
)

// forward relays a plain HTTP request to its origin and the complete
// response back to the client, consulting the cache for GET and HEAD.
func (s *Server) forward(cc *connContext) error {
	req := cc.req
	fetch := func() ([]byte, error) {
		return s.roundTrip(req, cc.dest)
	}

	if s.cfg.Cache == nil || !cache.Cacheable(req.Method) {
		resp, err := fetch()
		if err != nil {
			return err
		}
		return cc.write(resp)
	}

	key := cache.Key(req.Method, req.Target, req.Header.Get("Host"))
	if e, ok := s.cfg.Cache.Get(key); ok {
		cc.cache = metrics.CacheHit
		cc.log.Debug().Str("key", key).Msg("cache hit")
		return cc.write(e.Response)
	}

	e, fetched, err := s.cfg.Cache.Do(key, fetch)
	if fetched {
		cc.cache = metrics.CacheMiss
	} else {
		cc.cache = metrics.CacheHit
	}
	if err != nil {
		return err
	}
	return cc.write(e.Response)
}

// roundTrip sends req to dest over a fresh upstream connection and reads
// one complete response.
func (s *Server) roundTrip(req *Request, dest destination) ([]byte, error) {
	up, err := s.dialOrigin(dest)
	if err != nil {
		return nil, newError(KindUpstreamUnreachable, err)
	}
	defer up.Close()

	stop := context.AfterFunc(s.ctx, func() { _ = up.Close() })
	defer stop()

	if _, err := up.Write(req.wireBytes()); err != nil {
		return nil, newError(KindUpstreamUnreachable, fmt.Errorf("write to %s: %w", dest, err))
	}

	resp, err := readResponse(bufio.NewReader(up), req.Method)
	if err != nil {
		return nil, newError(KindUpstreamUnreachable, fmt.Errorf("read from %s: %w", dest, err))
	}
	return resp, nil
}

func (s *Server) dialOrigin(dest destination) (net.Conn, error) {
	c, err := s.cfg.Dialer.DialContext(s.ctx, "tcp", dest.String())
	if err != nil {
		return nil, err
	}
	if !dest.tls {
		return newTrackedConn(c, s.cfg.IdleTimeout, nil), nil
	}

	var cfg *tls.Config
	if s.cfg.OriginTLSConfig != nil {
		cfg = s.cfg.OriginTLSConfig.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = dest.host
	}

	ctx := s.ctx
	if t := s.cfg.NegotiationTimeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	tc := tls.Client(c, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("tls handshake with %s: %w", dest, err)
	}
	return newTrackedConn(tc, s.cfg.IdleTimeout, nil), nil
}
