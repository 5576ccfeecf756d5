// Package socks5 implements the SOCKS5 handshake used by fortify to route
// outbound connections through an upstream SOCKS5 server.
//
// It wraps the low-level protocol types in github.com/txthinking/socks5.
// The client side offers only the "no authentication required" method and
// maps every non-success CONNECT reply to a distinct error, so callers can
// tell a refused connection from an unreachable network with errors.Is.
// A minimal server side is provided for tests and local tooling.
package socks5
