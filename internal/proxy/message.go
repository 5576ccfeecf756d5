package proxy

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

const maxHeaderBytes = 1 << 20

var errHeaderTooLarge = errors.New("header block too large")

// HeaderField is one header line, in the order it was received.
type HeaderField struct {
	Name  string
	Value string

	raw string
}

type headerList []HeaderField

// Get returns the trimmed value of the first field named name.
func (h headerList) Get(name string) string {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

func (h headerList) values(name string) []string {
	var vs []string
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			vs = append(vs, f.Value)
		}
	}
	return vs
}

// hasToken reports whether any comma-separated element of the named fields
// equals token, case-insensitively.
func (h headerList) hasToken(name, token string) bool {
	for _, v := range h.values(name) {
		for _, t := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(t), token) {
				return true
			}
		}
	}
	return false
}

// contentLength returns the declared body length, or -1 if none.
func (h headerList) contentLength() (int64, error) {
	vs := h.values("Content-Length")
	if len(vs) == 0 {
		return -1, nil
	}
	n, err := strconv.ParseInt(vs[0], 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid Content-Length %q", vs[0])
	}
	for _, v := range vs[1:] {
		if v != vs[0] {
			return 0, errors.New("conflicting Content-Length values")
		}
	}
	return n, nil
}

// headReader reads the start line and header block of an HTTP/1.x message,
// enforcing maxHeaderBytes across the whole block.
type headReader struct {
	br *bufio.Reader
	n  int
}

// line returns the next raw line including its terminator.
func (hr *headReader) line() ([]byte, error) {
	var buf []byte
	for {
		chunk, err := hr.br.ReadSlice('\n')
		hr.n += len(chunk)
		if hr.n > maxHeaderBytes {
			return nil, errHeaderTooLarge
		}
		buf = append(buf, chunk...)
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) && len(buf) > 0 {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		return buf, nil
	}
}

// readHead reads a start line and headers. When raw is non-nil the exact
// bytes consumed are appended to it. io.EOF is returned only if the peer
// closed before sending anything.
func readHead(br *bufio.Reader, raw *bytes.Buffer) (start string, header headerList, err error) {
	hr := headReader{br: br}

	line, err := hr.line()
	if err != nil {
		return "", nil, err
	}
	if raw != nil {
		raw.Write(line)
	}
	start = trimEOL(line)

	for {
		line, err := hr.line()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return "", nil, err
		}
		if raw != nil {
			raw.Write(line)
		}

		s := trimEOL(line)
		if s == "" {
			return start, header, nil
		}
		if s[0] == ' ' || s[0] == '\t' {
			return "", nil, fmt.Errorf("obsolete line folding in %q", s)
		}
		name, value, ok := strings.Cut(s, ":")
		if !ok || name == "" || strings.TrimSpace(name) != name {
			return "", nil, fmt.Errorf("malformed header line %q", s)
		}
		header = append(header, HeaderField{Name: name, Value: strings.TrimSpace(value), raw: s})
	}
}

func trimEOL(b []byte) string {
	return strings.TrimRight(string(b), "\r\n")
}

// copyChunked copies one chunked body from br to dst without decoding it:
// chunk-size lines, data, and trailers are passed through byte for byte.
func copyChunked(dst io.Writer, br *bufio.Reader) error {
	hr := headReader{br: br}
	for {
		line, err := hr.line()
		if err != nil {
			return fmt.Errorf("chunk size: %w", err)
		}
		if _, err := dst.Write(line); err != nil {
			return err
		}
		// The line limit applies per chunk-size line, not per body.
		hr.n = 0

		sizeStr, _, _ := strings.Cut(trimEOL(line), ";")
		size, err := strconv.ParseInt(strings.TrimSpace(sizeStr), 16, 64)
		if err != nil || size < 0 {
			return fmt.Errorf("invalid chunk size %q", sizeStr)
		}

		if size == 0 {
			// Trailer section up to and including the final empty line.
			for {
				line, err := hr.line()
				if err != nil {
					return fmt.Errorf("chunk trailer: %w", err)
				}
				if _, err := dst.Write(line); err != nil {
					return err
				}
				if trimEOL(line) == "" {
					return nil
				}
			}
		}

		if _, err := io.CopyN(dst, br, size); err != nil {
			return fmt.Errorf("chunk data: %w", err)
		}
		line, err = hr.line()
		if err != nil {
			return fmt.Errorf("chunk terminator: %w", err)
		}
		if trimEOL(line) != "" {
			return errors.New("missing CRLF after chunk data")
		}
		if _, err := dst.Write(line); err != nil {
			return err
		}
	}
}

// copyBody copies a message body framed by header from br to dst. If the
// body is neither chunked nor length-delimited and untilEOF is set, it is
// read until the peer closes the connection; otherwise it is empty.
func copyBody(dst io.Writer, br *bufio.Reader, header headerList, untilEOF bool) error {
	if header.hasToken("Transfer-Encoding", "chunked") {
		return copyChunked(dst, br)
	}

	n, err := header.contentLength()
	if err != nil {
		return err
	}
	if n >= 0 {
		if _, err := io.CopyN(dst, br, n); err != nil {
			return fmt.Errorf("body: %w", err)
		}
		return nil
	}

	if untilEOF {
		_, err := io.Copy(dst, br)
		return err
	}
	return nil
}

// readResponse reads one complete response to a request with the given
// method and returns its raw bytes. Interim 1xx responses are kept in front
// of the final response.
func readResponse(br *bufio.Reader, method string) ([]byte, error) {
	var raw bytes.Buffer
	for {
		start, header, err := readHead(br, &raw)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("response head: %w", err)
		}

		code, err := parseStatusLine(start)
		if err != nil {
			return nil, err
		}
		if code >= 100 && code < 200 && code != http.StatusSwitchingProtocols {
			continue
		}

		if !responseHasBody(method, code) {
			return raw.Bytes(), nil
		}
		if err := copyBody(&raw, br, header, true); err != nil {
			return nil, fmt.Errorf("response body: %w", err)
		}
		return raw.Bytes(), nil
	}
}

func parseStatusLine(line string) (int, error) {
	proto, rest, ok := strings.Cut(line, " ")
	if !ok || !strings.HasPrefix(proto, "HTTP/") {
		return 0, fmt.Errorf("malformed status line %q", line)
	}
	codeStr, _, _ := strings.Cut(strings.TrimLeft(rest, " "), " ")
	code, err := strconv.Atoi(codeStr)
	if err != nil || code < 100 || code > 999 {
		return 0, fmt.Errorf("malformed status code in %q", line)
	}
	return code, nil
}

func responseHasBody(method string, code int) bool {
	if method == http.MethodHead {
		return false
	}
	switch {
	case code >= 100 && code < 200:
		return false
	case code == http.StatusNoContent, code == http.StatusNotModified:
		return false
	}
	return true
}
