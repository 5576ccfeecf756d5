package proxy

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/die-net/fortify/internal/dialer"
	"github.com/die-net/fortify/internal/metrics"
)

// Server is the forwarding proxy. Its configuration is fixed at
// construction; the cache and metrics handles in it are the only state
// shared between connections.
type Server struct {
	cfg  Config
	auth authGate
	log  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	inShutdown atomic.Bool

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	conns     map[net.Conn]struct{}
	wg        sync.WaitGroup
}

// NewServer constructs a proxy server. ctx bounds the lifetime of every
// connection the server handles.
func NewServer(ctx context.Context, cfg Config) *Server {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = dialer.NewDirectDialer(dialer.Config{})
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewCollector()
	}

	s := &Server{
		cfg: cfg,
		auth: authGate{
			enabled:  cfg.Authentication,
			username: cfg.Username,
			password: cfg.Password,
		},
		log:       cfg.Logger,
		listeners: make(map[net.Listener]struct{}),
		conns:     make(map[net.Conn]struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	return s
}

// Metrics returns a snapshot of the server's traffic counters.
func (s *Server) Metrics() metrics.Snapshot {
	return s.cfg.Metrics.Snapshot()
}

// Serve accepts connections on ln and handles each in its own goroutine.
// Transient accept errors are logged and retried. Serve returns
// ErrServerClosed after Shutdown or Close.
func (s *Server) Serve(ln net.Listener) error {
	if !s.trackListener(ln, true) {
		_ = ln.Close()
		return ErrServerClosed
	}
	defer s.trackListener(ln, false)

	var tempDelay time.Duration
	for {
		c, err := ln.Accept()
		if err != nil {
			if s.inShutdown.Load() {
				return ErrServerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}

			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else {
				tempDelay = min(2*tempDelay, time.Second)
			}
			s.log.Warn().Err(err).Dur("retry_in", tempDelay).Msg("accept failed")

			t := time.NewTimer(tempDelay)
			select {
			case <-t.C:
			case <-s.ctx.Done():
				t.Stop()
			}
			continue
		}
		tempDelay = 0

		if !s.trackConn(c) {
			_ = c.Close()
			continue
		}
		go func() {
			defer s.untrackConn(c)
			s.handleConn(c)
		}()
	}
}

// Shutdown stops accepting new connections and waits for in-flight
// connections to finish. If ctx expires first, the remaining connections
// are closed and ctx's error is returned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.inShutdown.Store(true)
	s.closeListenersLocked()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.log.Warn().Msg("shutdown grace period expired, closing remaining connections")
		s.closeAll()
		return ctx.Err()
	}
}

// Close immediately closes all listeners and connections.
func (s *Server) Close() error {
	s.mu.Lock()
	s.inShutdown.Store(true)
	s.closeListenersLocked()
	s.mu.Unlock()

	s.closeAll()
	return nil
}

func (s *Server) closeAll() {
	s.cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_ = c.Close()
	}
}

func (s *Server) closeListenersLocked() {
	for ln := range s.listeners {
		_ = ln.Close()
	}
}

func (s *Server) trackListener(ln net.Listener, add bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !add {
		delete(s.listeners, ln)
		return true
	}
	if s.inShutdown.Load() {
		return false
	}
	s.listeners[ln] = struct{}{}
	return true
}

// trackConn registers c unless the server is shutting down. The WaitGroup
// is incremented under mu so Shutdown never waits on a stale count.
func (s *Server) trackConn(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inShutdown.Load() {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrackConn(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.wg.Done()
}
