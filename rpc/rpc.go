package rpc

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/seiflotfy/cuckoofilter"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"golang.org/x/sync/errgroup"

	"github.com/nprpc/nprpc/callctx"
	"github.com/nprpc/nprpc/endpoint"
	"github.com/nprpc/nprpc/hk"
	"github.com/nprpc/nprpc/nlog"
	"github.com/nprpc/nprpc/objectid"
	"github.com/nprpc/nprpc/poa"
	"github.com/nprpc/nprpc/proto"
	"github.com/nprpc/nprpc/reflist"
	"github.com/nprpc/nprpc/session"
	"github.com/nprpc/nprpc/session/httprpc"
	"github.com/nprpc/nprpc/session/tcp"
	"github.com/nprpc/nprpc/session/ws"
	"github.com/nprpc/nprpc/wire"
)

type poaEntry struct {
	poa *poa.Poa
}

// Rpc is the process-wide singleton: it owns the POA vector, every
// listener, the outbound connection cache, and the call counters, per
// spec.md §3's "Rpc (core)".
type Rpc struct {
	cfg    Config
	origin uuid.UUID

	mu         sync.RWMutex
	poas       map[uint16]poaEntry
	nextPoaIdx uint16

	// sessions is the outbound connection cache: established sessions
	// keyed by the remote endpoint they were dialed to, reused across
	// calls to the same object's candidate URLs instead of reconnecting.
	sessions sync.Map // endpoint.Endpoint -> *session.Session

	// failedCandidates suppresses repeat connect attempts to candidate
	// URLs whose dial has failed before (entries are never removed),
	// consulted while walking an ObjectId's Urls list looking for a
	// reachable one.
	failedCandidates *cuckoo.Filter

	tcpListener *tcp.Listener

	// registry holds callsTotal/callsFailed/classCalls and is what
	// /metrics (see httpHandler, serveHTTP3) actually scrapes, satisfying
	// the "exported as a prometheus.Collector" requirement through the
	// standard registry+promhttp path rather than Rpc implementing
	// Collector itself.
	registry    *prometheus.Registry
	callsTotal  prometheus.Counter
	callsFailed prometheus.Counter

	// classCalls shards per-class_id call counts across a fixed bucket
	// count (poa.ClassShard) rather than keying a map by class_id
	// directly, so an adversarial client can't grow the metric's
	// cardinality by minting new class names.
	classCalls [classShardBuckets]prometheus.Counter

	cancel context.CancelFunc
}

const classShardBuckets = 16

// metricsPath is served on both the fasthttp (HTTP/1.1) and HTTP/3
// listeners, scraping the same registry Build() populated.
const metricsPath = "/metrics"

// Origin is the local process's identity, embedded in every ObjectId this
// Rpc instance mints.
func (r *Rpc) Origin() uuid.UUID { return r.origin }

// NewPOA registers a POA under the next free poa_idx, matching spec.md
// §3's "vector of POAs indexed by poa_idx".
func (r *Rpc) NewPOA(name string, policy poa.Policy) (*poa.Poa, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.nextPoaIdx
	r.nextPoaIdx++
	p := poa.New(name, idx, r.origin, policy)
	r.poas[idx] = poaEntry{poa: p}
	return p, nil
}

// PoaRefcounter implements session.PoaResolver, letting a Session's
// ReferenceList route an inbound AddReference/ReleaseObject control
// message (spec.md §4.4) to the actual POA it names.
func (r *Rpc) PoaRefcounter(poaIdx uint16) (reflist.Refcounter, bool) {
	p, err := r.poaByIdx(poaIdx)
	if err != nil {
		return nil, false
	}
	return p, true
}

func (r *Rpc) poaByIdx(idx uint16) (*poa.Poa, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.poas[idx]
	if !ok {
		// Kind stays ObjectNotExist (FromErrorMessageId decodes
		// Error_PoaNotExist back to the same kind the caller would see for
		// Error_ObjectNotExist); the wire override is what lets the two
		// cases carry distinct msg_ids per spec.md §3.
		return nil, proto.NewSystemException(proto.ObjectNotExist, "poa_idx %d does not exist", idx).
			WithWireMsgId(proto.ErrorPoaNotExist)
	}
	return e.poa, nil
}

// transportFlag maps the transport a call arrived over to the
// ActivationFlag the target object's flags must include, per spec.md
// §4.3's "a call arriving over a transport not in the flag set MUST be
// rejected with BadAccess".
func transportFlag(t endpoint.Transport) objectid.ActivationFlag {
	switch t {
	case endpoint.TCP:
		return objectid.AllowTCP
	case endpoint.WebSocket, endpoint.SecureWebSocket:
		return objectid.AllowWebSocket
	case endpoint.SharedMemory:
		return objectid.AllowSHM
	case endpoint.HTTP, endpoint.SecureHTTP:
		return objectid.AllowHTTP
	default:
		return 0
	}
}

// Dispatch implements session.Dispatcher: it resolves call.PoaIdx to a
// registered POA and forwards to its Dispatch, translating a missing POA
// into the protocol's Error_PoaNotExist rather than a generic
// ObjectNotExist, per spec.md §4.4's error taxonomy. ctx may be nil (the
// HTTP POST transport has no persistent session to carry one); a minimal
// one is built on demand.
func (r *Rpc) Dispatch(call proto.CallHeader, transport endpoint.Transport, ctx *callctx.Context) (uint32, []byte, error) {
	p, err := r.poaByIdx(call.PoaIdx)
	if err != nil {
		r.callsFailed.Inc()
		return 0, nil, err
	}

	if ctx == nil {
		ctx = callctx.New(endpoint.Endpoint{Transport: transport}, nil, nil, wire.NewBuffer(0))
	} else if ctx.TxBuffer == nil {
		ctx.TxBuffer = wire.NewBuffer(0)
	}

	if classId, ok := p.ClassOf(call.ObjectId); ok {
		r.classCalls[poa.ClassShard(classId, classShardBuckets)].Inc()
	}

	if err := p.Dispatch(call, transportFlag(transport), ctx); err != nil {
		r.callsFailed.Inc()
		return 0, nil, err
	}
	r.callsTotal.Inc()
	return proto.MsgTypeAnswer, ctx.TxBuffer.Data(), nil
}

// Start opens every listener the builder configured: framed TCP, HTTP/1.1
// (with an optional static file root), HTTP/3 and the QUIC datagram
// listener, then blocks until every listener goroutine has returned.
func (r *Rpc) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)

	if r.cfg.TCPPort != 0 {
		ln, err := tcp.Listen(fmt.Sprintf(":%d", r.cfg.TCPPort), r)
		if err != nil {
			cancel()
			return fmt.Errorf("rpc: tcp listen: %w", err)
		}
		r.tcpListener = ln
		g.Go(func() error {
			return ln.Serve(gctx, func(*session.Session) {})
		})
	}

	if r.cfg.HTTPPort != 0 {
		handler := r.httpHandler()
		g.Go(func() error {
			return httprpc.Serve(fmt.Sprintf(":%d", r.cfg.HTTPPort), handler)
		})
	}

	if r.cfg.EnableHTTP3 && r.cfg.QUICPort != 0 {
		tlsConf, err := r.cfg.tlsConfig()
		if err != nil {
			cancel()
			return err
		}
		if tlsConf == nil {
			cancel()
			return fmt.Errorf("rpc: enable_http3 requires SSL() to be configured")
		}
		g.Go(func() error {
			return httprpc.Serve3(fmt.Sprintf(":%d", r.cfg.QUICPort), http.HandlerFunc(r.serveHTTP3), tlsConf)
		})
	}

	if r.cfg.UDPPort != 0 {
		tlsConf, err := r.cfg.tlsConfig()
		if err != nil {
			cancel()
			return err
		}
		if tlsConf == nil {
			cancel()
			return fmt.Errorf("rpc: with_udp requires SSL() to be configured")
		}
		g.Go(func() error {
			return httprpc.ServeUDP(gctx, fmt.Sprintf(":%d", r.cfg.UDPPort), tlsConf, r.handleDatagram)
		})
	}

	nlog.Infof("rpc: started (origin=%s, tcp=%d, http=%d, quic=%d)", r.origin, r.cfg.TCPPort, r.cfg.HTTPPort, r.cfg.QUICPort)
	go hk.Run()
	return g.Wait()
}

// httpHandler wires the /rpc POST handler and an optional static file
// server rooted at cfg.RootDir, matching spec.md §6's `with_http`/
// `root_dir` options.
func (r *Rpc) httpHandler() fasthttp.RequestHandler {
	var staticFallback fasthttp.RequestHandler
	if r.cfg.RootDir != "" {
		fs := &fasthttp.FS{Root: r.cfg.RootDir, IndexNames: []string{"index.html"}}
		staticFallback = fs.NewRequestHandler()
	}
	rpcHandler := httprpc.Handler(r.dispatchHTTPFrame, staticFallback)
	metricsHandler := fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))
	return func(ctx *fasthttp.RequestCtx) {
		if string(ctx.Path()) == metricsPath {
			metricsHandler(ctx)
			return
		}
		rpcHandler(ctx)
	}
}

// dispatchHTTPFrame handles one HTTP POST call: decode Header+CallHeader,
// dispatch through the same POA routing path framed transports use, and
// re-wrap the answer (or Error_* code) with a fresh Header carrying the
// same request_id, matching the one-call-per-request shape spec.md §4.7
// gives the HTTP POST transport.
func (r *Rpc) dispatchHTTPFrame(frame []byte) ([]byte, error) {
	if len(frame) < proto.HeaderSize+proto.CallHeaderSize {
		return nil, proto.NewSystemException(proto.BadInput, "frame too short")
	}
	rd := wire.NewReader(wire.WrapBuffer(frame))
	hdr := proto.ReadHeader(rd, 0)
	call := proto.ReadCallHeader(rd, proto.HeaderSize)

	msgType, body, dispatchErr := r.Dispatch(call, endpoint.HTTP, nil)
	msgId := proto.Success
	if dispatchErr != nil {
		if se, ok := dispatchErr.(*proto.SystemException); ok {
			if mid, ok := se.ErrorMessageId(); ok {
				msgId = mid
			} else {
				msgId = proto.ErrorCommFailure
			}
		} else {
			msgId = proto.ErrorCommFailure
		}
		body = nil
		msgType = proto.MsgTypeAnswer
	}

	out := wire.NewBuffer(proto.HeaderSize + len(body))
	w := wire.NewWriter(out)
	answerHdr := proto.Header{
		Size:      uint32(proto.HeaderSize + len(body)),
		MsgId:     msgId,
		MsgType:   msgType,
		RequestId: hdr.RequestId,
	}
	answerHdr.Write(w)
	out.Append(body)
	return out.Data(), nil
}

// serveHTTP3 is the HTTP/3 counterpart of httpHandler's fasthttp route: the
// QUIC transport speaks net/http rather than fasthttp, but both funnel
// into the same dispatchHTTPFrame.
func (r *Rpc) serveHTTP3(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path == metricsPath {
		promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}).ServeHTTP(w, req)
		return
	}
	if req.URL.Path != "/rpc" || req.Method != http.MethodPost {
		http.NotFound(w, req)
		return
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	answer, err := r.dispatchHTTPFrame(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(answer)
}

// handleDatagram decodes one QUIC datagram as a Header plus an
// ObjectIdLocal body and applies it directly against the named POA's
// refcounter. Unlike the session-carried AddReference/ReleaseObject path,
// there is no per-peer ReferenceList to auto-release on disconnect here:
// a client choosing the datagram transport for these messages is trusting
// the network enough to accept that trade-off in exchange for not paying
// for a framed session just to keep a reference alive.
func (r *Rpc) handleDatagram(data []byte) {
	if len(data) < proto.HeaderSize {
		return
	}
	rd := wire.NewReader(wire.WrapBuffer(data))
	hdr := proto.ReadHeader(rd, 0)
	if hdr.MsgId != proto.AddReference && hdr.MsgId != proto.ReleaseObject {
		return
	}
	body := data[proto.HeaderSize:]
	oidR := wire.NewReader(wire.WrapBuffer(body))
	oid := proto.ReadObjectIdLocal(oidR, 0)

	p, err := r.poaByIdx(oid.PoaIdx)
	if err != nil {
		return
	}
	if hdr.MsgId == proto.AddReference {
		p.AddRef(oid.ObjectId)
	} else {
		p.Release(oid.ObjectId)
	}
}

// UpgradeWebSocket adapts an inbound HTTP request to a WebSocket session,
// reachable from an http.Handler registered alongside the fasthttp POST
// listener on a net/http mux (the two listeners share a port in
// deployments fronted by a single reverse proxy).
func (r *Rpc) UpgradeWebSocket(w http.ResponseWriter, req *http.Request) error {
	return ws.Upgrade(w, req, r, func(*session.Session) {})
}

// Shutdown stops every listener and the housekeeper, and is idempotent.
func (r *Rpc) Shutdown() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.tcpListener != nil {
		r.tcpListener.Close()
	}
	hk.Stop()
	nlog.Flush(true)
}
