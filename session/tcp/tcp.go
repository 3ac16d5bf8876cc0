// Package tcp implements the framed-TCP transport (C6): Nagle disabled,
// the Header's size field doubling as the frame length, per spec.md §4.7.
/*
 * Copyright (c) 2024-2026, nprpc authors.
 */
package tcp

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/nprpc/nprpc/endpoint"
	"github.com/nprpc/nprpc/nlog"
	"github.com/nprpc/nprpc/session"
)

// Conn adapts a *net.TCPConn to session.Conn.
type Conn struct {
	nc     *net.TCPConn
	remote endpoint.Endpoint
}

// Wrap configures conn the way every nprpc TCP session expects (Nagle
// off) and pairs it with the endpoint it was accepted from/dialed to.
func Wrap(nc *net.TCPConn, remote endpoint.Endpoint) (*Conn, error) {
	if err := nc.SetNoDelay(true); err != nil {
		return nil, fmt.Errorf("tcp: SetNoDelay: %w", err)
	}
	return &Conn{nc: nc, remote: remote}, nil
}

// Dial connects to ep and wraps the resulting connection.
func Dial(ctx context.Context, ep endpoint.Endpoint) (*Conn, error) {
	d := net.Dialer{}
	addr := fmt.Sprintf("%s:%d", ep.Hostname, ep.Port)
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tcp: dial %s: %w", addr, err)
	}
	tc, ok := raw.(*net.TCPConn)
	if !ok {
		raw.Close()
		return nil, fmt.Errorf("tcp: dial %s did not yield a TCPConn", addr)
	}
	return Wrap(tc, ep)
}

func (c *Conn) RemoteEndpoint() endpoint.Endpoint { return c.remote }

func (c *Conn) Close() error { return c.nc.Close() }

// ReadFrame reads the 4-byte size prefix then the rest of the message,
// per spec.md §4.7's "length-prefixed, the Header's size field doubles as
// the frame length".
func (c *Conn) ReadFrame(ctx context.Context) ([]byte, error) {
	if dl, ok := ctx.Deadline(); ok {
		c.nc.SetReadDeadline(dl)
	} else {
		c.nc.SetReadDeadline(time.Time{})
	}

	var sizeBuf [4]byte
	if _, err := io.ReadFull(c.nc, sizeBuf[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(sizeBuf[:])
	if size < 4 {
		return nil, fmt.Errorf("tcp: impossible frame size %d", size)
	}

	frame := make([]byte, size)
	copy(frame[:4], sizeBuf[:])
	if _, err := io.ReadFull(c.nc, frame[4:]); err != nil {
		return nil, err
	}
	return frame, nil
}

func (c *Conn) WriteFrame(ctx context.Context, p []byte) error {
	if dl, ok := ctx.Deadline(); ok {
		c.nc.SetWriteDeadline(dl)
	} else {
		c.nc.SetWriteDeadline(time.Time{})
	}
	_, err := c.nc.Write(p)
	return err
}

// Listener accepts inbound TCP connections and hands each a Session
// wired to dispatcher, mirroring the teacher's acceptor-loop idiom of one
// goroutine per accepted connection.
type Listener struct {
	ln         *net.TCPListener
	dispatcher session.Dispatcher
}

func Listen(addr string, dispatcher session.Dispatcher) (*Listener, error) {
	a, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, err
	}
	ln, err := net.ListenTCP("tcp", a)
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln, dispatcher: dispatcher}, nil
}

func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

func (l *Listener) Close() error { return l.ln.Close() }

// Serve accepts connections until the listener is closed; cancelling ctx
// alone does not interrupt a blocked accept, it only makes Serve return
// nil rather than the accept error once Close has been called. Each
// accepted connection is handed to onSession before its read loop
// starts, so the Rpc core (C8) can register it in the session table.
func (l *Listener) Serve(ctx context.Context, onSession func(*session.Session)) error {
	for {
		nc, err := l.ln.AcceptTCP()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		remoteAddr := nc.RemoteAddr().(*net.TCPAddr)
		remote := endpoint.Endpoint{
			Transport: endpoint.TCP,
			Hostname:  remoteAddr.IP.String(),
			Port:      uint16(remoteAddr.Port),
		}
		conn, err := Wrap(nc, remote)
		if err != nil {
			nlog.Warningf("tcp: %v", err)
			nc.Close()
			continue
		}
		sess := session.New(conn, l.dispatcher, endpoint.TCP)
		sess.Activate()
		go func() {
			onSession(sess)
			sess.ReadLoop(ctx)
		}()
	}
}
