package rpc

import (
	"context"
	"fmt"

	"github.com/nprpc/nprpc/endpoint"
	"github.com/nprpc/nprpc/nlog"
	"github.com/nprpc/nprpc/session"
	"github.com/nprpc/nprpc/session/tcp"
	"github.com/nprpc/nprpc/session/ws"
)

// failedCandidateCapacity bounds the cuckoo filter tracking failed
// candidate URLs. Entries are never removed, so a candidate whose dial
// failed once is skipped by Connect for the rest of the Rpc's lifetime; a
// false positive likewise skips a candidate that never failed.
const failedCandidateCapacity = 4096

// Connect returns a live session to one of candidates, reusing a cached
// session when one already exists for a given endpoint and otherwise
// dialing them in order and skipping any candidate whose dial has failed
// before (see failedCandidateCapacity). HTTP POST candidates are
// skipped here: that transport has no persistent session to cache, and
// is dialed per call from the stub layer instead.
func (r *Rpc) Connect(ctx context.Context, candidates []string) (*session.Session, error) {
	var lastErr error
	for _, raw := range candidates {
		ep, err := endpoint.Parse(raw)
		if err != nil {
			lastErr = err
			continue
		}
		if ep.Transport == endpoint.HTTP || ep.Transport == endpoint.SecureHTTP {
			continue
		}

		if v, ok := r.sessions.Load(ep); ok {
			sess := v.(*session.Session)
			if sess.State() == session.Active {
				return sess, nil
			}
			r.sessions.Delete(ep)
		}

		if r.failedCandidates.Lookup([]byte(raw)) {
			continue
		}

		sess, err := r.dial(ctx, ep)
		if err != nil {
			nlog.Warningf("rpc: dial %s failed: %v", raw, err)
			r.failedCandidates.Insert([]byte(raw))
			lastErr = err
			continue
		}
		r.sessions.Store(ep, sess)
		return sess, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("rpc: no usable candidate among %v", candidates)
	}
	return nil, lastErr
}

func (r *Rpc) dial(ctx context.Context, ep endpoint.Endpoint) (*session.Session, error) {
	switch ep.Transport {
	case endpoint.TCP:
		conn, err := tcp.Dial(ctx, ep)
		if err != nil {
			return nil, err
		}
		sess := session.New(conn, r, ep.Transport)
		sess.Activate()
		go sess.ReadLoop(ctx)
		return sess, nil
	case endpoint.WebSocket, endpoint.SecureWebSocket:
		return ws.Dial(ctx, ep, r)
	default:
		return nil, fmt.Errorf("rpc: no dialer for transport %s", ep.Transport)
	}
}

// Forget evicts a cached session, called by the stub layer when a call on
// it comes back with CommFailure so the next Connect redials instead of
// reusing the broken session. It does not mark the endpoint's candidate
// URL as failed: Connect's own dial attempt already does that the next
// time it's tried and fails, and this session may simply have idled out
// rather than the peer being unreachable.
func (r *Rpc) Forget(ep endpoint.Endpoint) {
	r.sessions.Delete(ep)
}
