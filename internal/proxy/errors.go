package proxy

import (
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrServerClosed is returned by Serve after Shutdown or Close.
var ErrServerClosed = errors.New("proxy: server closed")

// Kind classifies a per-connection failure.
type Kind int

const (
	KindInternalIO Kind = iota
	KindMalformedRequest
	KindMissingHost
	KindAuthRequired
	KindAuthFailed
	KindUpstreamUnreachable
	KindTLSHandshake
	KindBodyTooLarge
)

func (k Kind) String() string {
	switch k {
	case KindMalformedRequest:
		return "malformed request"
	case KindMissingHost:
		return "missing host"
	case KindAuthRequired:
		return "authentication required"
	case KindAuthFailed:
		return "authentication failed"
	case KindUpstreamUnreachable:
		return "upstream unreachable"
	case KindTLSHandshake:
		return "tls handshake failure"
	case KindBodyTooLarge:
		return "request body too large"
	default:
		return "internal i/o error"
	}
}

// StatusCode returns the HTTP status reported to the client for k, or 0 if
// no response can be sent at the protocol stage where k occurs.
func (k Kind) StatusCode() int {
	switch k {
	case KindMalformedRequest, KindMissingHost:
		return http.StatusBadRequest
	case KindAuthRequired:
		return http.StatusProxyAuthRequired
	case KindAuthFailed:
		return http.StatusForbidden
	case KindUpstreamUnreachable:
		return http.StatusBadGateway
	case KindTLSHandshake:
		return 0
	case KindBodyTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

// Error is a failure confined to one client connection.
type Error struct {
	Kind  Kind
	Cause error
}

func newError(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// KindOf returns the Kind of err, defaulting to KindInternalIO.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternalIO
}

// writeError writes a complete error response for err, closing the
// exchange.
func writeError(w io.Writer, err error) (int, error) {
	kind := KindOf(err)
	code := kind.StatusCode()

	extra := ""
	body := err.Error()
	switch kind {
	case KindAuthRequired:
		extra = "Proxy-Authenticate: Basic realm=\"" + authRealm + "\"\r\n"
		body = kind.String()
	case KindAuthFailed:
		body = kind.String()
	}
	body += "\r\n"

	return fmt.Fprintf(w, "HTTP/1.1 %d %s\r\n%sContent-Type: text/plain; charset=utf-8\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		code, http.StatusText(code), extra, len(body), body)
}
