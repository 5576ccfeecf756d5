// Package dialer provides outbound dialing implementations used by fortify.
//
// Dialers implement a small interface (DialContext) and are used by the
// proxy to establish upstream connections either directly or through an
// upstream SOCKS5 server.
package dialer
