package proxy

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthGate(t *testing.T) {
	gate := authGate{enabled: true, username: "user", password: "pa:ss"}
	encode := func(s string) string {
		return base64.StdEncoding.EncodeToString([]byte(s))
	}

	tests := []struct {
		name   string
		header string
		want   Kind
		ok     bool
	}{
		{name: "valid", header: "Basic " + encode("user:pa:ss"), ok: true},
		{name: "scheme_case_insensitive", header: "BASIC " + encode("user:pa:ss"), ok: true},
		{name: "missing", header: "", want: KindAuthRequired},
		{name: "digest_scheme", header: "Digest username=\"user\"", want: KindAuthRequired},
		{name: "bad_base64", header: "Basic not-base64!", want: KindAuthRequired},
		{name: "no_colon", header: "Basic " + encode("userpass"), want: KindAuthRequired},
		{name: "wrong_password", header: "Basic " + encode("user:pa"), want: KindAuthFailed},
		{name: "wrong_user", header: "Basic " + encode("User:pa:ss"), want: KindAuthFailed},
		{name: "empty_credentials", header: "Basic " + encode(":"), want: KindAuthFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &Request{Method: "GET", Target: "/"}
			if tt.header != "" {
				req.Header = headerList{{Name: "Proxy-Authorization", Value: tt.header}}
			}

			err := gate.check(req)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.want, KindOf(err))
		})
	}
}

func TestAuthGateDisabled(t *testing.T) {
	gate := authGate{username: "user", password: "pass"}
	assert.NoError(t, gate.check(&Request{Method: "GET", Target: "/"}))
}
