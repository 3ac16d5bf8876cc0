package httprpc

import (
	"context"
	"crypto/tls"
	"net/http"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"

	"github.com/nprpc/nprpc/nlog"
)

// Serve3 starts an HTTP/3 listener on addr, per spec.md §4.7's "Supports
// HTTP/1.1 and HTTP/3 over QUIC". tlsConf is mandatory: QUIC has no
// cleartext mode. http3.Server speaks net/http's Handler interface, so
// handler is a net/http Handler, not the fasthttp Handler the HTTP/1.1
// path serves.
func Serve3(addr string, handler http.Handler, tlsConf *tls.Config) error {
	srv := &http3.Server{
		Addr:      addr,
		TLSConfig: tlsConf,
		Handler:   handler,
	}
	nlog.Infof("httprpc: http/3 listening on %s", addr)
	return srv.ListenAndServe()
}

// ServeUDP opens the raw QUIC datagram listener spec.md's `with_udp(port)`
// names: no HTTP framing, just unreliable datagrams handed to onDatagram
// one at a time per connection. This is the cheap path for the
// already-fire-and-forget AddReference/ReleaseObject control messages
// (spec.md §4.4), which tolerate an occasional dropped datagram far better
// than they'd tolerate the connection-setup cost of a framed session.
func ServeUDP(ctx context.Context, addr string, tlsConf *tls.Config, onDatagram func(data []byte)) error {
	ln, err := quic.ListenAddr(addr, tlsConf, &quic.Config{EnableDatagrams: true})
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	nlog.Infof("httprpc: quic datagram listener on %s", addr)
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go serveDatagrams(ctx, conn, onDatagram)
	}
}

func serveDatagrams(ctx context.Context, conn quic.Connection, onDatagram func(data []byte)) {
	for {
		data, err := conn.ReceiveDatagram(ctx)
		if err != nil {
			return
		}
		onDatagram(data)
	}
}
