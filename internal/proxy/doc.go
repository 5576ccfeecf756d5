// Package proxy implements the fortify forwarding proxy.
//
// A Server accepts client connections and handles exactly one request per
// connection: it reads the request head, runs the optional Basic
// authentication gate, and then either relays a plain HTTP request to its
// origin (optionally through the response cache and an upstream SOCKS5
// server) or establishes an opaque CONNECT tunnel. Shared plumbing such as
// keepalive and TLS listeners and bidirectional copy lives here as well.
package proxy
