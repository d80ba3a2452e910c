package proxy

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"go.uber.org/zap"
)

// CertIssuer mints a leaf certificate for a specific host, signed by the
// process-wide root authority. The issuer is shared by every intercepted
// connection and must be safe for concurrent use.
type CertIssuer interface {
	Leaf(host string) (*tls.Certificate, error)
}

// Options are the knobs for a Server.
//
// DefaultOptions contains values that should work for most setups; consider
// using it as a starting point before customizing.
type Options struct {
	// Addr is the listening endpoint, loopback on port 8080 by default.
	Addr string
	// Workers is the number of connection-handling goroutines.
	Workers int
	// QueueDepth bounds the dispatch queue between the accept loop and
	// the workers. A full queue blocks the accept loop, so backpressure
	// is queuing at the listener instead of busy-retry or drops.
	QueueDepth int
	// ShutdownGrace is how long Shutdown waits for in-flight connections
	// before force-closing them.
	ShutdownGrace time.Duration
	// UpstreamTimeout bounds the whole origin exchange: dial, TLS
	// handshake, request write and response read.
	UpstreamTimeout time.Duration
	// DialContext opens upstream connections. The default uses a plain
	// net.Dialer; wire a resolver-backed dialer here to control name
	// resolution.
	DialContext func(ctx context.Context, network, addr string) (net.Conn, error)
	// Issuer provides leaf certificates for TLS interception. Required.
	Issuer CertIssuer
	// Sink receives the finished record of every initialized connection.
	Sink TraceSink
	// Logger receives structured server and per-connection events.
	Logger *zap.Logger
	// Metrics is optional; nil disables instrumentation.
	Metrics *Metrics
}

// DefaultOptions returns the recommended initial options. Issuer and Sink
// still have to be provided by the caller.
func DefaultOptions() Options {
	return Options{
		Addr:            "127.0.0.1:8080",
		Workers:         64,
		QueueDepth:      128,
		ShutdownGrace:   5 * time.Second,
		UpstreamTimeout: 15 * time.Second,
		Logger:          zap.NewNop(),
	}
}

func (o *Options) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	if o.DialContext != nil {
		return o.DialContext(ctx, network, addr)
	}
	d := net.Dialer{Timeout: o.UpstreamTimeout}
	return d.DialContext(ctx, network, addr)
}
