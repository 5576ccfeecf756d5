package proxy

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"strings"
)

const authRealm = "fortify"

// authGate enforces Basic Proxy-Authorization when enabled.
type authGate struct {
	enabled  bool
	username string
	password string
}

func (a authGate) check(req *Request) error {
	if !a.enabled {
		return nil
	}

	h := req.Header.Get("Proxy-Authorization")
	if h == "" {
		return newError(KindAuthRequired, errors.New("missing Proxy-Authorization"))
	}

	scheme, payload, _ := strings.Cut(h, " ")
	if !strings.EqualFold(scheme, "Basic") {
		return newError(KindAuthRequired, errors.New("unsupported authorization scheme"))
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
	if err != nil {
		return newError(KindAuthRequired, errors.New("malformed Basic credentials"))
	}
	user, pass, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return newError(KindAuthRequired, errors.New("malformed Basic credentials"))
	}

	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(a.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(a.password)) == 1
	if !userOK || !passOK {
		return newError(KindAuthFailed, errors.New("invalid credentials"))
	}
	return nil
}
