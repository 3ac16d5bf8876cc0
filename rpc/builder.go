// Package rpc implements the process-wide Rpc singleton (C8): listeners,
// the POA vector, the outbound connection cache, and the builder surface
// that configures them, per spec.md §6/§4.8.
/*
 * Copyright (c) 2024-2026, nprpc authors.
 */
package rpc

import (
	"crypto/tls"
	"fmt"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/seiflotfy/cuckoofilter"

	"github.com/nprpc/nprpc/nlog"
)

// LogLevel mirrors the builder's set_log_level option.
type LogLevel int

const (
	LogTrace LogLevel = iota
	LogDebug
	LogInfo
	LogWarn
	LogError
)

// Config collects every recognized builder option from spec.md §6's
// "Configuration (builder surface)" table.
type Config struct {
	Hostnames []string

	TCPPort  int
	HTTPPort int
	QUICPort int
	UDPPort  int

	SSLCert, SSLKey string
	EnableHTTP3     bool
	RootDir         string

	LogLevel LogLevel
}

// Builder constructs a Config fluently, mirroring the teacher's chained
// functional-option builders (cf. `cmn/config` usage throughout aistore).
type Builder struct {
	cfg Config
}

func NewBuilder() *Builder { return &Builder{} }

func (b *Builder) Hostname(h ...string) *Builder { b.cfg.Hostnames = append(b.cfg.Hostnames, h...); return b }
func (b *Builder) WithTCP(port int) *Builder     { b.cfg.TCPPort = port; return b }
func (b *Builder) WithHTTP(port int) *Builder    { b.cfg.HTTPPort = port; return b }
func (b *Builder) WithQUIC(port int) *Builder    { b.cfg.QUICPort = port; return b }
func (b *Builder) WithUDP(port int) *Builder     { b.cfg.UDPPort = port; return b }

func (b *Builder) SSL(cert, key string) *Builder { b.cfg.SSLCert, b.cfg.SSLKey = cert, key; return b }
func (b *Builder) EnableHTTP3() *Builder         { b.cfg.EnableHTTP3 = true; return b }
func (b *Builder) RootDir(path string) *Builder  { b.cfg.RootDir = path; return b }
func (b *Builder) SetLogLevel(l LogLevel) *Builder { b.cfg.LogLevel = l; return b }

// Build finalizes the Rpc singleton: it does not open any listeners
// itself (see Rpc.Start), matching spec.md's lifecycle split between
// "created by a builder" and the listeners that come up afterward.
func (b *Builder) Build() (*Rpc, error) {
	cfg := b.cfg
	if len(cfg.Hostnames) == 0 {
		cfg.Hostnames = []string{"127.0.0.1"}
	}
	if cfg.TCPPort == 0 && cfg.HTTPPort == 0 && cfg.QUICPort == 0 {
		return nil, fmt.Errorf("rpc: at least one of with_tcp/with_http/with_quic must be configured")
	}
	applyLogLevel(cfg.LogLevel)

	r := &Rpc{
		cfg:              cfg,
		origin:           uuid.New(),
		poas:             make(map[uint16]poaEntry),
		failedCandidates: cuckoo.NewFilter(failedCandidateCapacity),
		registry:         prometheus.NewRegistry(),
		callsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nprpc_calls_total",
			Help: "Total number of dispatched RPC calls.",
		}),
		callsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nprpc_calls_failed_total",
			Help: "Total number of RPC calls that ended in an exception.",
		}),
	}
	for i := range r.classCalls {
		r.classCalls[i] = prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "nprpc_class_calls_total",
			Help:        "Dispatched call count, sharded by class_id hash bucket.",
			ConstLabels: prometheus.Labels{"shard": fmt.Sprintf("%d", i)},
		})
	}
	// Registering here, rather than against the global DefaultRegisterer,
	// is what lets Rpc be built more than once in a test binary without
	// a duplicate-registration panic; /metrics (see httpHandler) serves
	// from this same registry.
	r.registry.MustRegister(r.callsTotal, r.callsFailed)
	for i := range r.classCalls {
		r.registry.MustRegister(r.classCalls[i])
	}
	nlog.Infof("rpc: built with config %s", cfg.DiagnosticJSON())
	return r, nil
}

// DiagnosticJSON renders cfg for a startup log line; jsoniter is used
// instead of encoding/json purely because it's already on the dependency
// graph for the rest of the runtime's diagnostic payloads and its
// ConfigCompatibleWithStandardLibrary mode needs no struct tag changes.
func (c Config) DiagnosticJSON() string {
	b, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(c)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func (c Config) tlsConfig() (*tls.Config, error) {
	if c.SSLCert == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(c.SSLCert, c.SSLKey)
	if err != nil {
		return nil, fmt.Errorf("rpc: load TLS material: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

func applyLogLevel(l LogLevel) {
	switch l {
	case LogTrace, LogDebug:
		nlog.ToStderr(true)
	default:
	}
}
