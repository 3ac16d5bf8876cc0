// Package endpoint implements the typed network/shm address model (C2): a
// tagged Endpoint value plus its URI grammar, per spec.md §4.2.
/*
 * Copyright (c) 2024-2026, nprpc authors.
 */
package endpoint

import (
	"fmt"
	"strconv"
	"strings"
)

// Transport names the scheme an Endpoint routes over.
type Transport uint8

const (
	TCP Transport = iota
	WebSocket
	SecureWebSocket
	SharedMemory
	HTTP
	SecureHTTP
)

func (t Transport) String() string {
	switch t {
	case TCP:
		return "tcp" // tethered endpoints reuse this scheme too; Tethered is carried out of band on the Endpoint, not the Transport
	case WebSocket:
		return "ws"
	case SecureWebSocket:
		return "wss"
	case SharedMemory:
		return "shm"
	case HTTP:
		return "http"
	case SecureHTTP:
		return "https"
	default:
		return "unknown"
	}
}

func schemeToTransport(scheme string) (Transport, error) {
	switch scheme {
	case "tcp":
		return TCP, nil
	case "ws":
		return WebSocket, nil
	case "wss":
		return SecureWebSocket, nil
	case "http":
		return HTTP, nil
	case "https":
		return SecureHTTP, nil
	case "shm":
		return SharedMemory, nil
	default:
		return 0, fmt.Errorf("endpoint: unknown scheme %q", scheme)
	}
}

// Endpoint is a tagged network/shm address: transport, hostname, port, and
// an optional URL path (used by the http/ws transports to pick a route).
// Tethered marks a child-process session sharing the parent's OS handle,
// independent of the wire scheme it otherwise resembles.
type Endpoint struct {
	Transport Transport
	Hostname  string
	Port      uint16
	Path      string
	Tethered  bool
}

// Parse decodes a URL of the form <scheme>://<host>:<port>[/<path>].
func Parse(s string) (Endpoint, error) {
	scheme, rest, ok := strings.Cut(s, "://")
	if !ok {
		return Endpoint{}, fmt.Errorf("endpoint: malformed url %q: missing scheme", s)
	}
	transport, err := schemeToTransport(scheme)
	if err != nil {
		return Endpoint{}, err
	}

	hostport := rest
	path := ""
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		hostport = rest[:i]
		path = rest[i+1:]
	}

	host, portStr, ok := strings.Cut(hostport, ":")
	if !ok || host == "" || portStr == "" {
		return Endpoint{}, fmt.Errorf("endpoint: malformed url %q: missing host or port", s)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Endpoint{}, fmt.Errorf("endpoint: malformed url %q: bad port: %w", s, err)
	}

	ep := Endpoint{Transport: transport, Hostname: host, Port: uint16(port), Path: path}
	ep.Tethered = scheme == "tcp" && strings.HasPrefix(path, "tethered")
	return ep, nil
}

// ToURL is Parse's inverse.
func (e Endpoint) ToURL() string {
	var b strings.Builder
	b.WriteString(e.Transport.String())
	b.WriteString("://")
	b.WriteString(e.Hostname)
	b.WriteByte(':')
	b.WriteString(strconv.FormatUint(uint64(e.Port), 10))
	if e.Path != "" {
		b.WriteByte('/')
		b.WriteString(e.Path)
	}
	return b.String()
}

func (e Endpoint) Equal(o Endpoint) bool {
	return e.Transport == o.Transport && e.Hostname == o.Hostname &&
		e.Port == o.Port && e.Path == o.Path && e.Tethered == o.Tethered
}

func (e Endpoint) String() string { return e.ToURL() }
