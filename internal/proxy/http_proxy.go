package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/die-net/fortify/internal/metrics"
)

// connContext is the per-connection state threaded through the dispatcher.
// It never outlives conn.
type connContext struct {
	conn *trackedConn
	br   *bufio.Reader
	log  zerolog.Logger

	req   *Request
	route Route
	dest  destination

	start time.Time
	cache metrics.CacheOutcome
	// wrote is set once any response byte has been sent to the client.
	wrote bool
}

func (cc *connContext) write(b []byte) error {
	cc.wrote = true
	if _, err := cc.conn.Write(b); err != nil {
		return newError(KindInternalIO, fmt.Errorf("write to client: %w", err))
	}
	return nil
}

// handleConn serves exactly one request on c and closes it.
func (s *Server) handleConn(c net.Conn) {
	s.cfg.Metrics.ConnOpened()
	defer s.cfg.Metrics.ConnClosed()

	cc := &connContext{
		conn:  newTrackedConn(c, s.cfg.IdleTimeout, s.cfg.Metrics),
		log:   s.log.With().Stringer("client", c.RemoteAddr()).Logger(),
		start: time.Now(),
	}
	cc.br = bufio.NewReader(cc.conn)
	defer cc.conn.Close()

	err := s.dispatch(cc)
	if errors.Is(err, io.EOF) && cc.req == nil {
		// Connected and closed without sending a request.
		return
	}

	if err != nil {
		kind := KindOf(err)
		if code := kind.StatusCode(); code != 0 && !cc.wrote {
			cc.conn.setLimit(time.Now().Add(s.negotiationTimeout()))
			_, _ = writeError(cc.conn, err)
		}
		ev := cc.log.Debug()
		if cc.req != nil {
			ev = ev.Str("method", cc.req.Method).Str("target", cc.req.Target)
		}
		ev.Err(err).Stringer("kind", kind).Msg("request failed")
	}

	s.cfg.Metrics.Record(metrics.Result{
		Cache:   cc.cache,
		Failed:  err != nil,
		Elapsed: time.Since(cc.start),
	})
}

// dispatch runs the connection through handshake, request parsing,
// authentication, and routing, then hands off to the forwarder or tunnel.
func (s *Server) dispatch(cc *connContext) error {
	if tc, ok := cc.conn.Conn.(*tls.Conn); ok {
		if err := s.handshake(tc); err != nil {
			return newError(KindTLSHandshake, err)
		}
	}

	// Only the head is bounded by the negotiation timeout. The body is read
	// under the idle timeout, and only once the client is authenticated.
	if t := s.cfg.NegotiationTimeout; t > 0 {
		cc.conn.setLimit(time.Now().Add(t))
	}
	req, err := readRequestHead(cc.br)
	if err != nil {
		return err
	}
	cc.conn.setLimit(time.Time{})
	cc.req = req

	if err := s.auth.check(req); err != nil {
		return err
	}

	cc.route = chooseRoute(req, s.cfg.Dialer)
	if cc.route != RouteTunnel {
		if err := req.readBody(cc.br, s.cfg.MaxBodyBytes); err != nil {
			return err
		}
	}
	cc.dest, err = resolveDestination(req, cc.route, s.cfg.TargetAddress)
	if err != nil {
		return err
	}
	cc.log = cc.log.With().Stringer("route", cc.route).Stringer("dest", cc.dest).Logger()

	if cc.route == RouteTunnel {
		return s.handleConnect(cc)
	}
	return s.forward(cc)
}

func (s *Server) handshake(tc *tls.Conn) error {
	ctx := s.ctx
	if t := s.cfg.NegotiationTimeout; t > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t)
		defer cancel()
	}
	return tc.HandshakeContext(ctx)
}

func (s *Server) negotiationTimeout() time.Duration {
	if s.cfg.NegotiationTimeout > 0 {
		return s.cfg.NegotiationTimeout
	}
	return 10 * time.Second
}

// handleConnect tunnels opaque bytes between the client and the CONNECT
// target until either side closes.
func (s *Server) handleConnect(cc *connContext) error {
	up, err := s.cfg.Dialer.DialContext(s.ctx, "tcp", cc.dest.String())
	if err != nil {
		return newError(KindUpstreamUnreachable, err)
	}
	upstream := newTrackedConn(up, s.cfg.IdleTimeout, nil)

	if err := cc.write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		_ = upstream.Close()
		return err
	}
	cc.log.Debug().Msg("tunnel established")

	// The client may have pipelined tunnel bytes behind its CONNECT head.
	client := &bufferedConn{Conn: cc.conn, r: cc.br}
	if err := CopyBidirectional(s.ctx, client, upstream); err != nil && !isNetError(err) {
		return newError(KindInternalIO, err)
	}
	return nil
}
