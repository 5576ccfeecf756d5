package proxy

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/die-net/fortify/internal/dialer"
)

// Route is how a connection's request is handled, decided once per
// connection.
type Route int

const (
	// RouteDirect forwards a plain request over a direct TCP connection.
	RouteDirect Route = iota
	// RouteSOCKS5 forwards a plain request through the SOCKS5 upstream.
	RouteSOCKS5
	// RouteTunnel relays opaque bytes after CONNECT.
	RouteTunnel
)

func (r Route) String() string {
	switch r {
	case RouteDirect:
		return "direct"
	case RouteSOCKS5:
		return "socks5"
	case RouteTunnel:
		return "tunnel"
	default:
		return fmt.Sprintf("Route(%d)", int(r))
	}
}

func chooseRoute(req *Request, d dialer.Dialer) Route {
	if req.Method == http.MethodConnect {
		return RouteTunnel
	}
	if _, ok := d.(*dialer.SOCKS5ProxyDialer); ok {
		return RouteSOCKS5
	}
	return RouteDirect
}

// destination is where a request is sent.
type destination struct {
	host string
	port string
	// tls is set for absolute https:// targets.
	tls bool
}

func (d destination) String() string {
	return net.JoinHostPort(d.host, d.port)
}

// resolveDestination determines the upstream for req. targetOverride, if
// set, wins for everything except tunnels.
func resolveDestination(req *Request, route Route, targetOverride string) (destination, error) {
	if route == RouteTunnel {
		d, err := splitHostPort(req.Target, "443")
		if err != nil {
			return destination{}, newError(KindMalformedRequest, fmt.Errorf("CONNECT target: %w", err))
		}
		return d, nil
	}

	if targetOverride != "" {
		d, err := splitHostPort(targetOverride, "80")
		if err != nil {
			return destination{}, newError(KindInternalIO, fmt.Errorf("target address: %w", err))
		}
		return d, nil
	}

	if isAbsoluteURI(req.Target) {
		u, err := url.Parse(req.Target)
		if err != nil {
			return destination{}, newError(KindMalformedRequest, err)
		}
		var d destination
		switch strings.ToLower(u.Scheme) {
		case "http":
			d.port = "80"
		case "https":
			d.port = "443"
			d.tls = true
		default:
			return destination{}, newError(KindMalformedRequest, fmt.Errorf("unsupported scheme %q", u.Scheme))
		}
		d.host = u.Hostname()
		if p := u.Port(); p != "" {
			d.port = p
		}
		if d.host == "" {
			return destination{}, newError(KindMissingHost, fmt.Errorf("no host in %q", req.Target))
		}
		return d, nil
	}

	d, err := splitHostPort(req.Header.Get("Host"), "80")
	if err != nil {
		return destination{}, newError(KindMissingHost, err)
	}
	return d, nil
}

// splitHostPort splits host[:port], applying defPort when the port is
// absent. IPv6 literals must be bracketed.
func splitHostPort(hostport, defPort string) (destination, error) {
	if hostport == "" {
		return destination{}, errors.New("empty host")
	}
	u := url.URL{Host: hostport}
	d := destination{host: u.Hostname(), port: u.Port()}
	if d.host == "" {
		return destination{}, fmt.Errorf("invalid host %q", hostport)
	}
	if d.port == "" {
		d.port = defPort
	}
	if n, err := strconv.Atoi(d.port); err != nil || n < 1 || n > 65535 {
		return destination{}, fmt.Errorf("invalid port in %q", hostport)
	}
	return d, nil
}
