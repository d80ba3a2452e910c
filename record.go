package proxy

import (
	"time"

	"go.uber.org/zap"
)

// Record describes one proxied exchange. A Record is created when a
// connection is accepted, filled in while the request is parsed and relayed,
// and handed to the trace sink exactly once when the connection is done.
// It is owned by a single connection and never shared.
type Record struct {
	// ClientAddr is the IP address of the connecting client, without port.
	ClientAddr string
	// StartedAt is the time the connection was accepted.
	StartedAt time.Time
	// Method is the HTTP method of the (possibly TLS-intercepted) request.
	Method string
	// RemoteURI is the absolute, scheme-qualified target of the request.
	RemoteURI string
	// VersionMajor and VersionMinor are taken from the HTTP/x.y token of
	// the request line.
	VersionMajor int
	VersionMinor int
	// ContentLength is the declared request body length in bytes, 0 when
	// the client declared none.
	ContentLength int64
	// IsHTTPS reports whether a CONNECT tunnel was established and the
	// connection was TLS-intercepted.
	IsHTTPS bool
	// Initialized reports whether the request line (and, for intercepted
	// connections, the inner request line) parsed successfully.
	Initialized bool
	// StatusCode is the origin's response status. Set only when the
	// exchange completed successfully.
	StatusCode int
}

// TraceSink consumes finished records. Implementations must be safe for
// concurrent use; they receive every record whose initialization succeeded,
// whether or not the upstream exchange worked out. A sink must not block
// connection teardown, and a panic inside it is contained by the handler.
type TraceSink interface {
	TraceProxyRequest(*Record)
}

// TraceSinkFunc adapts a function to the TraceSink interface.
type TraceSinkFunc func(*Record)

func (f TraceSinkFunc) TraceProxyRequest(r *Record) { f(r) }

// LogSink is a TraceSink writing one structured line per finished exchange.
type LogSink struct {
	Logger *zap.Logger
}

func (s *LogSink) TraceProxyRequest(r *Record) {
	s.Logger.Info("request",
		zap.String("client", r.ClientAddr),
		zap.Time("started_at", r.StartedAt),
		zap.String("method", r.Method),
		zap.String("uri", r.RemoteURI),
		zap.String("proto", protoString(r.VersionMajor, r.VersionMinor)),
		zap.Int64("content_length", r.ContentLength),
		zap.Bool("https", r.IsHTTPS),
		zap.Int("status", r.StatusCode),
	)
}
