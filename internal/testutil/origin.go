package testutil

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// OriginRequest is a request as received by an Origin, with its raw bytes.
type OriginRequest struct {
	Method string
	Target string
	Header http.Header
	Raw    []byte
}

// Origin is a raw HTTP/1.1 server that answers every request with a fixed
// response and records what it received.
type Origin struct {
	ln       net.Listener
	hits     atomic.Int64
	response []byte
	delay    time.Duration

	mu       sync.Mutex
	requests []OriginRequest
}

// StartOrigin serves response (written verbatim) to every request after
// waiting delay, then closes the connection.
func StartOrigin(t *testing.T, response []byte, delay time.Duration) *Origin {
	t.Helper()

	o := &Origin{response: response, delay: delay}
	o.ln = StartServer(t, o.handle)
	return o
}

// Addr returns the origin's host:port.
func (o *Origin) Addr() string {
	return o.ln.Addr().String()
}

// Hits returns how many requests the origin has answered.
func (o *Origin) Hits() int64 {
	return o.hits.Load()
}

// Requests returns the requests received so far.
func (o *Origin) Requests() []OriginRequest {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]OriginRequest(nil), o.requests...)
}

func (o *Origin) handle(c net.Conn) {
	br := bufio.NewReader(c)
	req, err := ReadRawRequest(br)
	if err != nil {
		return
	}
	o.hits.Add(1)
	o.mu.Lock()
	o.requests = append(o.requests, req)
	o.mu.Unlock()

	if o.delay > 0 {
		time.Sleep(o.delay)
	}
	_, _ = c.Write(o.response)
}

// ReadRawRequest reads one request head and Content-Length body from br,
// keeping the raw bytes.
func ReadRawRequest(br *bufio.Reader) (OriginRequest, error) {
	var raw strings.Builder
	line, err := br.ReadString('\n')
	if err != nil {
		return OriginRequest{}, err
	}
	raw.WriteString(line)

	parts := strings.Fields(line)
	if len(parts) != 3 {
		return OriginRequest{}, fmt.Errorf("bad request line %q", line)
	}
	req := OriginRequest{Method: parts[0], Target: parts[1], Header: http.Header{}}

	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return OriginRequest{}, err
		}
		raw.WriteString(line)
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return OriginRequest{}, fmt.Errorf("bad header line %q", line)
		}
		req.Header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}

	if cl := req.Header.Get("Content-Length"); cl != "" {
		n, err := strconv.ParseInt(cl, 10, 64)
		if err != nil {
			return OriginRequest{}, err
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(br, body); err != nil {
			return OriginRequest{}, err
		}
		raw.Write(body)
	}

	req.Raw = []byte(raw.String())
	return req, nil
}
