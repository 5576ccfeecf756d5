package proxy

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reader(s string) *bufio.Reader {
	return bufio.NewReader(strings.NewReader(s))
}

// readFullRequest reads a request head and its body with no size limit.
func readFullRequest(br *bufio.Reader) (*Request, error) {
	req, err := readRequestHead(br)
	if err != nil {
		return nil, err
	}
	if err := req.readBody(br, 0); err != nil {
		return nil, err
	}
	return req, nil
}

func TestReadRequest(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantKind Kind
		wantErr  bool
		check    func(t *testing.T, req *Request)
	}{
		{
			name: "origin_form",
			raw:  "GET /a?b=c HTTP/1.1\r\nHost: example.com\r\nAccept: */*\r\n\r\n",
			check: func(t *testing.T, req *Request) {
				assert.Equal(t, "GET", req.Method)
				assert.Equal(t, "/a?b=c", req.Target)
				assert.Equal(t, "HTTP/1.1", req.Version)
				assert.Equal(t, "example.com", req.Header.Get("host"))
				assert.Len(t, req.Header, 2)
				assert.Empty(t, req.Body)
			},
		},
		{
			name: "absolute_form_without_host",
			raw:  "GET http://example.com/ HTTP/1.1\r\n\r\n",
			check: func(t *testing.T, req *Request) {
				assert.Equal(t, "http://example.com/", req.Target)
			},
		},
		{
			name: "connect_without_host",
			raw:  "CONNECT example.com:443 HTTP/1.1\r\n\r\n",
			check: func(t *testing.T, req *Request) {
				assert.Equal(t, "CONNECT", req.Method)
			},
		},
		{
			name: "content_length_body",
			raw:  "POST / HTTP/1.1\r\nHost: h\r\nContent-Length: 3\r\n\r\nabcEXTRA",
			check: func(t *testing.T, req *Request) {
				assert.Equal(t, "abc", string(req.Body))
			},
		},
		{
			name: "chunked_body_kept_raw",
			raw:  "POST / HTTP/1.1\r\nHost: h\r\nTransfer-Encoding: chunked\r\n\r\n3\r\nabc\r\n0\r\n\r\n",
			check: func(t *testing.T, req *Request) {
				assert.Equal(t, "3\r\nabc\r\n0\r\n\r\n", string(req.Body))
			},
		},
		{
			name: "bare_lf_line_endings",
			raw:  "GET / HTTP/1.0\nHost: h\n\n",
			check: func(t *testing.T, req *Request) {
				assert.Equal(t, "h", req.Header.Get("Host"))
			},
		},
		{name: "missing_host", raw: "GET / HTTP/1.1\r\n\r\n", wantErr: true, wantKind: KindMissingHost},
		{name: "empty_host", raw: "GET / HTTP/1.1\r\nHost: \r\n\r\n", wantErr: true, wantKind: KindMissingHost},
		{name: "too_few_tokens", raw: "GET /\r\nHost: h\r\n\r\n", wantErr: true, wantKind: KindMalformedRequest},
		{name: "too_many_tokens", raw: "GET / HTTP/1.1 x\r\nHost: h\r\n\r\n", wantErr: true, wantKind: KindMalformedRequest},
		{name: "bad_version", raw: "GET / FTP/1.0\r\nHost: h\r\n\r\n", wantErr: true, wantKind: KindMalformedRequest},
		{name: "header_without_colon", raw: "GET / HTTP/1.1\r\nHost h\r\n\r\n", wantErr: true, wantKind: KindMalformedRequest},
		{name: "header_space_before_colon", raw: "GET / HTTP/1.1\r\nHost : h\r\n\r\n", wantErr: true, wantKind: KindMalformedRequest},
		{name: "obs_fold", raw: "GET / HTTP/1.1\r\nHost: h\r\n continued\r\n\r\n", wantErr: true, wantKind: KindMalformedRequest},
		{name: "truncated_head", raw: "GET / HTTP/1.1\r\nHost: h\r\n", wantErr: true, wantKind: KindMalformedRequest},
		{name: "short_body", raw: "POST / HTTP/1.1\r\nHost: h\r\nContent-Length: 10\r\n\r\nabc", wantErr: true, wantKind: KindMalformedRequest},
		{name: "bad_content_length", raw: "POST / HTTP/1.1\r\nHost: h\r\nContent-Length: -1\r\n\r\n", wantErr: true, wantKind: KindMalformedRequest},
		{name: "conflicting_content_length", raw: "POST / HTTP/1.1\r\nHost: h\r\nContent-Length: 1\r\nContent-Length: 2\r\n\r\nab", wantErr: true, wantKind: KindMalformedRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := readFullRequest(reader(tt.raw))
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, tt.wantKind, KindOf(err), err.Error())
				return
			}
			require.NoError(t, err)
			tt.check(t, req)
		})
	}
}

func TestReadRequestEOF(t *testing.T) {
	_, err := readFullRequest(reader(""))
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadRequestHeaderTooLarge(t *testing.T) {
	raw := "GET / HTTP/1.1\r\nHost: h\r\nX-Big: " + strings.Repeat("a", maxHeaderBytes) + "\r\n\r\n"
	_, err := readFullRequest(reader(raw))
	require.Error(t, err)
	assert.Equal(t, KindMalformedRequest, KindOf(err))
	assert.ErrorIs(t, err, errHeaderTooLarge)
}

func TestReadRequestHeadLeavesBody(t *testing.T) {
	br := reader("POST / HTTP/1.1\r\nHost: h\r\nContent-Length: 4\r\n\r\nbody")
	req, err := readRequestHead(br)
	require.NoError(t, err)
	assert.Empty(t, req.Body)
	assert.Equal(t, 4, br.Buffered())

	require.NoError(t, req.readBody(br, 0))
	assert.Equal(t, "body", string(req.Body))
}

func TestReadBodyLimit(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		limit    int64
		wantKind Kind
		wantErr  bool
	}{
		{name: "content_length_at_limit", raw: "POST / HTTP/1.1\r\nHost: h\r\nContent-Length: 4\r\n\r\nbody", limit: 4},
		{name: "content_length_over_limit", raw: "POST / HTTP/1.1\r\nHost: h\r\nContent-Length: 5\r\n\r\n", limit: 4, wantErr: true, wantKind: KindBodyTooLarge},
		{name: "chunked_over_limit", raw: "POST / HTTP/1.1\r\nHost: h\r\nTransfer-Encoding: chunked\r\n\r\n10\r\n0123456789abcdef\r\n0\r\n\r\n", limit: 16, wantErr: true, wantKind: KindBodyTooLarge},
		{name: "no_limit", raw: "POST / HTTP/1.1\r\nHost: h\r\nContent-Length: 5\r\n\r\nhello", limit: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			br := reader(tt.raw)
			req, err := readRequestHead(br)
			require.NoError(t, err)

			err = req.readBody(br, tt.limit)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, tt.wantKind, KindOf(err))
				assert.ErrorIs(t, err, errBodyTooLarge)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestWireBytes(t *testing.T) {
	raw := "GET http://example.com/x HTTP/1.1\r\n" +
		"Host: example.com\r\n" +
		"X-First:  spaced \r\n" +
		"proxy-authorization: Basic Zm9vOmJhcg==\r\n" +
		"Proxy-Connection: keep-alive\r\n" +
		"Keep-Alive: timeout=5\r\n" +
		"Connection: Upgrade, X-Hop\r\n" +
		"x-hop: 1\r\n" +
		"Upgrade: websocket\r\n" +
		"X-Last: z\r\n" +
		"Content-Length: 2\r\n" +
		"\r\n" +
		"hi"
	req, err := readFullRequest(reader(raw))
	require.NoError(t, err)

	want := "GET http://example.com/x HTTP/1.1\r\n" +
		"Host: example.com\r\n" +
		"X-First:  spaced \r\n" +
		"X-Last: z\r\n" +
		"Content-Length: 2\r\n" +
		"Connection: close\r\n" +
		"\r\n" +
		"hi"
	assert.Equal(t, want, string(req.wireBytes()))
}

func TestReadResponse(t *testing.T) {
	tests := []struct {
		name   string
		method string
		raw    string
		want   string
	}{
		{
			name:   "content_length",
			method: "GET",
			raw:    "HTTP/1.1 200 OK\r\nContent-Length: 3\r\n\r\nabcTRAILING",
			want:   "HTTP/1.1 200 OK\r\nContent-Length: 3\r\n\r\nabc",
		},
		{
			name:   "chunked",
			method: "GET",
			raw:    "HTTP/1.1 200 OK\r\nTransfer-Encoding: gzip, chunked\r\n\r\n3\r\nabc\r\n0\r\n\r\nTRAILING",
			want:   "HTTP/1.1 200 OK\r\nTransfer-Encoding: gzip, chunked\r\n\r\n3\r\nabc\r\n0\r\n\r\n",
		},
		{
			name:   "until_eof",
			method: "GET",
			raw:    "HTTP/1.1 200 OK\r\n\r\nall of it",
			want:   "HTTP/1.1 200 OK\r\n\r\nall of it",
		},
		{
			name:   "head_ignores_length",
			method: "HEAD",
			raw:    "HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\n",
			want:   "HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\n",
		},
		{
			name:   "not_modified",
			method: "GET",
			raw:    "HTTP/1.1 304 Not Modified\r\nETag: x\r\n\r\nTRAILING",
			want:   "HTTP/1.1 304 Not Modified\r\nETag: x\r\n\r\n",
		},
		{
			name:   "interim_responses",
			method: "POST",
			raw:    "HTTP/1.1 100 Continue\r\n\r\nHTTP/1.1 103 Early Hints\r\nLink: </a>\r\n\r\nHTTP/1.1 201 Created\r\nContent-Length: 0\r\n\r\n",
			want:   "HTTP/1.1 100 Continue\r\n\r\nHTTP/1.1 103 Early Hints\r\nLink: </a>\r\n\r\nHTTP/1.1 201 Created\r\nContent-Length: 0\r\n\r\n",
		},
		{
			name:   "switching_protocols",
			method: "GET",
			raw:    "HTTP/1.1 101 Switching Protocols\r\nUpgrade: x\r\n\r\n",
			want:   "HTTP/1.1 101 Switching Protocols\r\nUpgrade: x\r\n\r\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readResponse(reader(tt.raw), tt.method)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestReadResponseErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "empty", raw: ""},
		{name: "bad_status_line", raw: "HTTP/1.1 OK\r\n\r\n"},
		{name: "not_http", raw: "SSH-2.0-OpenSSH\r\n\r\n"},
		{name: "truncated_body", raw: "HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\nabc"},
		{name: "bad_chunk_size", raw: "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\nzz\r\n"},
		{name: "missing_chunk_crlf", raw: "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n3\r\nabcX\r\n0\r\n\r\n"},
		{name: "truncated_chunked", raw: "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n3\r\nabc\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := readResponse(reader(tt.raw), "GET")
			assert.Error(t, err)
		})
	}
}

func TestCopyChunkedStopsAtTerminator(t *testing.T) {
	br := reader("a\r\n0123456789\r\n0\r\n\r\nnext")
	var out bytes.Buffer
	require.NoError(t, copyChunked(&out, br))
	assert.Equal(t, "a\r\n0123456789\r\n0\r\n\r\n", out.String())

	rest, err := io.ReadAll(br)
	require.NoError(t, err)
	assert.Equal(t, "next", string(rest))
}

func TestHeaderListHasToken(t *testing.T) {
	h := headerList{
		{Name: "Connection", Value: "keep-alive, Upgrade"},
		{Name: "connection", Value: "X-Other"},
	}
	assert.True(t, h.hasToken("Connection", "upgrade"))
	assert.True(t, h.hasToken("CONNECTION", "x-other"))
	assert.False(t, h.hasToken("Connection", "close"))
	assert.Equal(t, "keep-alive, Upgrade", h.Get("connection"))
}

func TestIsNetError(t *testing.T) {
	assert.False(t, isNetError(errors.New("plain")))
	assert.False(t, isNetError(io.ErrUnexpectedEOF))
	assert.True(t, isNetError(io.ErrClosedPipe))
}
