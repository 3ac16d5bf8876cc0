//go:build linux

package shm

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nprpc/nprpc/endpoint"
	"github.com/nprpc/nprpc/session"
)

const (
	defaultRingSize = 1 << 20 // 1 MiB per direction, sized at build time per spec.md §4.7
	pollInterval    = 200 * time.Microsecond
)

// Channel is a POSIX shm segment holding two SPSC rings: request
// (client→server) and response (server→client). Channel identity is a
// string name; a client opens an existing segment, a server creates it,
// per spec.md §4.7.
type Channel struct {
	name    string
	fd      int
	mem     []byte
	request  *ring // client writes, server reads
	response *ring // server writes, client reads
	owner    bool  // true if this side created (and must unlink) the segment
}

func segmentSize() int { return 2 * defaultRingSize }

// shmPath follows glibc's shm_open convention of backing named shared
// memory with a file under /dev/shm, since x/sys/unix exposes the
// underlying open/mmap syscalls but not glibc's shm_open wrapper itself.
func shmPath(channel string) string { return "/dev/shm/nprpc-" + channel }

// Create makes a new shm segment for channel; the server side of a
// connection calls this.
func Create(channel string) (*Channel, error) {
	path := shmPath(channel)
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_EXCL|unix.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shm: open create %s: %w", path, err)
	}
	if err := unix.Ftruncate(fd, int64(segmentSize())); err != nil {
		unix.Close(fd)
		unix.Unlink(path)
		return nil, fmt.Errorf("shm: ftruncate %s: %w", path, err)
	}
	mem, err := unix.Mmap(fd, 0, segmentSize(), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		unix.Unlink(path)
		return nil, fmt.Errorf("shm: mmap %s: %w", path, err)
	}
	return &Channel{
		name:     channel,
		fd:       fd,
		mem:      mem,
		request:  newRing(mem[:defaultRingSize]),
		response: newRing(mem[defaultRingSize:]),
		owner:    true,
	}, nil
}

// Open attaches to an existing shm segment; the client side calls this.
func Open(channel string) (*Channel, error) {
	path := shmPath(channel)
	fd, err := unix.Open(path, unix.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("shm: open %s: %w", path, err)
	}
	mem, err := unix.Mmap(fd, 0, segmentSize(), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shm: mmap %s: %w", path, err)
	}
	// Same ring layout as Create: the client writes request and reads
	// response (see clientConn), the server does the reverse.
	return &Channel{
		name:     channel,
		fd:       fd,
		mem:      mem,
		request:  newRing(mem[:defaultRingSize]),
		response: newRing(mem[defaultRingSize:]),
		owner:    false,
	}, nil
}

// IsOpen reports whether the segment's backing mapping is still live.
func (c *Channel) IsOpen() bool { return c.mem != nil }

func (c *Channel) Close() error {
	if c.mem == nil {
		return nil
	}
	unix.Munmap(c.mem)
	unix.Close(c.fd)
	c.mem = nil
	if c.owner {
		unix.Unlink(shmPath(c.name))
	}
	return nil
}

// clientConn is the client-side session.Conn: writes go to request,
// reads come from response.
type clientConn struct {
	ch   *Channel
	stop chan struct{}
}

func DialClient(channel string) (session.Conn, error) {
	ch, err := Open(channel)
	if err != nil {
		return nil, err
	}
	return &clientConn{ch: ch, stop: make(chan struct{})}, nil
}

func (c *clientConn) RemoteEndpoint() endpoint.Endpoint {
	return endpoint.Endpoint{Transport: endpoint.SharedMemory, Hostname: "local", Path: c.ch.name}
}

func (c *clientConn) WriteFrame(ctx context.Context, p []byte) error {
	return pollSend(ctx, c.ch.request, p)
}

func (c *clientConn) ReadFrame(ctx context.Context) ([]byte, error) {
	return pollReceive(ctx, c.ch.response, c.stop)
}

// ReplyInPlace implements callctx.ShmChannel, so a dispatch over this
// transport sees a non-nil Context.ShmChannel; it always reports true.
// The answer itself is still built in TxBuffer and copied into the ring
// by WriteFrame like any other frame.
func (c *clientConn) ReplyInPlace() bool { return true }

func (c *clientConn) Close() error {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
	return c.ch.Close()
}

// serverConn is the server-side counterpart: writes go to response, reads
// come from request.
type serverConn struct {
	ch   *Channel
	stop chan struct{}
}

func Accept(channel string) (session.Conn, error) {
	ch, err := Create(channel)
	if err != nil {
		return nil, err
	}
	return &serverConn{ch: ch, stop: make(chan struct{})}, nil
}

func (s *serverConn) RemoteEndpoint() endpoint.Endpoint {
	return endpoint.Endpoint{Transport: endpoint.SharedMemory, Hostname: "local", Path: s.ch.name}
}

func (s *serverConn) WriteFrame(ctx context.Context, p []byte) error {
	return pollSend(ctx, s.ch.response, p)
}

func (s *serverConn) ReadFrame(ctx context.Context) ([]byte, error) {
	return pollReceive(ctx, s.ch.request, s.stop)
}

// ReplyInPlace implements callctx.ShmChannel; see clientConn.ReplyInPlace.
func (s *serverConn) ReplyInPlace() bool { return true }

func (s *serverConn) Close() error {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	return s.ch.Close()
}

// pollSend retries Send on a short poll interval until the ring drains
// enough to fit p or ctx is done. It polls on a ticker in the calling
// goroutine; no dedicated OS thread is involved and no futex is used.
func pollSend(ctx context.Context, r *ring, p []byte) error {
	t := time.NewTicker(pollInterval)
	defer t.Stop()
	for {
		err := r.Send(p)
		if err == nil {
			return nil
		}
		if err != errRingFull {
			return err
		}
		select {
		case <-t.C:
			continue
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func pollReceive(ctx context.Context, r *ring, stop chan struct{}) ([]byte, error) {
	if !r.WaitDataCtx(ctx, stop) {
		select {
		case <-stop:
			return nil, fmt.Errorf("shm: channel closed")
		default:
			return nil, ctx.Err()
		}
	}
	frame, ok := r.TryReceive()
	if !ok {
		return nil, fmt.Errorf("shm: spurious wake with no data")
	}
	return frame, nil
}
