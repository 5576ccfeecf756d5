package proxy

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Request is a client request as read from the wire. Header preserves the
// received order and spelling of every field.
type Request struct {
	Method  string
	Target  string
	Version string
	Header  headerList

	// Body holds the request body exactly as received, including chunk
	// framing.
	Body []byte

	line string
}

// hopByHop lists request fields that describe the client-to-proxy hop and
// are not forwarded upstream.
var hopByHop = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authorization",
	"Proxy-Connection",
}

// readRequestHead reads the request line and headers. A client that closes
// the connection before sending anything yields io.EOF. The body, if any,
// is left in br for readBody.
func readRequestHead(br *bufio.Reader) (*Request, error) {
	start, header, err := readHead(br, nil)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if errors.Is(err, errHeaderTooLarge) || !isNetError(err) {
			return nil, newError(KindMalformedRequest, err)
		}
		return nil, newError(KindInternalIO, err)
	}

	parts := strings.Fields(start)
	if len(parts) != 3 {
		return nil, newError(KindMalformedRequest, fmt.Errorf("request line %q: want 3 fields, got %d", start, len(parts)))
	}
	req := &Request{
		Method:  parts[0],
		Target:  parts[1],
		Version: parts[2],
		Header:  header,
		line:    start,
	}
	if !strings.HasPrefix(req.Version, "HTTP/") {
		return nil, newError(KindMalformedRequest, fmt.Errorf("unsupported protocol version %q", req.Version))
	}

	if req.Method != http.MethodConnect && req.Header.Get("Host") == "" && !isAbsoluteURI(req.Target) {
		return nil, newError(KindMissingHost, fmt.Errorf("no Host header for %q", req.Target))
	}

	return req, nil
}

// readBody reads the body announced by r's headers from br into r.Body.
// A positive limit caps the body size; larger bodies fail with
// KindBodyTooLarge before more than limit bytes are buffered.
func (r *Request) readBody(br *bufio.Reader, limit int64) error {
	if limit > 0 {
		n, err := r.Header.contentLength()
		if err == nil && n > limit {
			return newError(KindBodyTooLarge, fmt.Errorf("%w: Content-Length %d exceeds %d", errBodyTooLarge, n, limit))
		}
	}

	var body bytes.Buffer
	var dst io.Writer = &body
	if limit > 0 {
		dst = &cappedWriter{w: &body, remaining: limit}
	}
	if err := copyBody(dst, br, r.Header, false); err != nil {
		switch {
		case errors.Is(err, errBodyTooLarge):
			return newError(KindBodyTooLarge, err)
		case isNetError(err):
			return newError(KindInternalIO, err)
		default:
			return newError(KindMalformedRequest, err)
		}
	}
	r.Body = body.Bytes()
	return nil
}

var errBodyTooLarge = errors.New("request body too large")

// cappedWriter fails once more than remaining bytes have been written.
type cappedWriter struct {
	w         io.Writer
	remaining int64
}

func (c *cappedWriter) Write(p []byte) (int, error) {
	if int64(len(p)) > c.remaining {
		return 0, errBodyTooLarge
	}
	c.remaining -= int64(len(p))
	return c.w.Write(p)
}

func isAbsoluteURI(target string) bool {
	scheme, _, ok := strings.Cut(target, "://")
	return ok && scheme != "" && !strings.ContainsAny(scheme, "/?#")
}

// wireBytes returns the request as sent upstream: the original request line
// and header lines, minus hop-by-hop fields, with Connection: close so the
// origin ends the response by closing when it has no explicit length.
func (r *Request) wireBytes() []byte {
	drop := func(name string) bool {
		for _, h := range hopByHop {
			if strings.EqualFold(name, h) {
				return true
			}
		}
		return r.Header.hasToken("Connection", name)
	}

	var b bytes.Buffer
	b.WriteString(r.line)
	b.WriteString("\r\n")
	for _, f := range r.Header {
		if drop(f.Name) {
			continue
		}
		b.WriteString(f.raw)
		b.WriteString("\r\n")
	}
	b.WriteString("Connection: close\r\n\r\n")
	b.Write(r.Body)
	return b.Bytes()
}
