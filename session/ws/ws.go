// Package ws implements the WebSocket transport (C6): one binary frame
// per message, permessage-deflate disabled, cookies captured at upgrade
// and exposed through the per-call Context, per spec.md §4.7.
/*
 * Copyright (c) 2024-2026, nprpc authors.
 */
package ws

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nprpc/nprpc/endpoint"
	"github.com/nprpc/nprpc/session"
)

const (
	handshakeTimeout = 30 * time.Second
	idleTimeout       = 300 * time.Second
	pingInterval      = idleTimeout / 3
)

// upgrader is shared by every inbound WebSocket session; compression is
// explicitly off, per spec.md §4.7: "payloads are already binary flat
// buffers and compression hurts latency".
var upgrader = websocket.Upgrader{
	HandshakeTimeout: handshakeTimeout,
	EnableCompression: false,
	CheckOrigin:       func(r *http.Request) bool { return true },
}

// Conn adapts a *websocket.Conn to session.Conn. gorilla/websocket
// serializes concurrent writers internally via its own documented
// contract of "one writer at a time", which Session's writeMu already
// guarantees from the caller's side; WriteFrame here adds no extra lock.
type Conn struct {
	wsc     *websocket.Conn
	remote  endpoint.Endpoint
	cookies []*http.Cookie
}

func (c *Conn) RemoteEndpoint() endpoint.Endpoint { return c.remote }

// Cookies returns the Cookie headers captured at upgrade time, exposed to
// servant code via callctx.Context.Extras for the session's lifetime.
func (c *Conn) Cookies() []*http.Cookie { return c.cookies }

func (c *Conn) Close() error { return c.wsc.Close() }

func (c *Conn) ReadFrame(ctx context.Context) ([]byte, error) {
	msgType, data, err := c.wsc.ReadMessage()
	if err != nil {
		return nil, err
	}
	if msgType != websocket.BinaryMessage {
		return nil, fmt.Errorf("ws: unexpected message type %d, want binary", msgType)
	}
	return data, nil
}

func (c *Conn) WriteFrame(ctx context.Context, p []byte) error {
	if dl, ok := ctx.Deadline(); ok {
		c.wsc.SetWriteDeadline(dl)
	}
	return c.wsc.WriteMessage(websocket.BinaryMessage, p)
}

// startKeepAlive installs gorilla's ping/pong liveness handlers, matching
// spec.md §4.7's "idle timeout 300s; keep-alive pings enabled".
func startKeepAlive(wsc *websocket.Conn) {
	wsc.SetReadDeadline(time.Now().Add(idleTimeout))
	wsc.SetPongHandler(func(string) error {
		wsc.SetReadDeadline(time.Now().Add(idleTimeout))
		return nil
	})
	go func() {
		t := time.NewTicker(pingInterval)
		defer t.Stop()
		for range t.C {
			if err := wsc.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}()
}

// Upgrade handles one HTTP upgrade request, wires up a Session, and
// invokes onSession before starting the session's read loop, mirroring
// the tcp.Listener.Serve calling convention.
func Upgrade(w http.ResponseWriter, r *http.Request, dispatcher session.Dispatcher, onSession func(*session.Session)) error {
	wsc, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("ws: upgrade: %w", err)
	}
	startKeepAlive(wsc)

	host, port := splitHostPort(r.RemoteAddr)
	transport := endpoint.WebSocket
	if r.TLS != nil {
		transport = endpoint.SecureWebSocket
	}
	conn := &Conn{
		wsc:     wsc,
		remote:  endpoint.Endpoint{Transport: transport, Hostname: host, Port: port, Path: r.URL.Path},
		cookies: r.Cookies(),
	}

	sess := session.New(conn, dispatcher, transport)
	sess.Activate()
	onSession(sess)
	go sess.ReadLoop(r.Context())
	return nil
}

// Dial opens a client-side WebSocket session to ep.
func Dial(ctx context.Context, ep endpoint.Endpoint, dispatcher session.Dispatcher) (*session.Session, error) {
	scheme := "ws"
	if ep.Transport == endpoint.SecureWebSocket {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: fmt.Sprintf("%s:%d", ep.Hostname, ep.Port), Path: "/" + ep.Path}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout, EnableCompression: false}
	wsc, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("ws: dial %s: %w", u.String(), err)
	}
	startKeepAlive(wsc)

	conn := &Conn{wsc: wsc, remote: ep}
	sess := session.New(conn, dispatcher, ep.Transport)
	sess.Activate()
	go sess.ReadLoop(ctx)
	return sess, nil
}

func splitHostPort(addr string) (string, uint16) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return host, 0
	}
	return host, uint16(port)
}
