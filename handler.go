package proxy

import (
	"context"
	"net"

	"go.uber.org/zap"
)

// handleConn wraps one engine with its lifecycle guarantees: the transport
// is closed on every exit path, panics are contained here and never reach
// the accept loop, and the finished record goes to the trace sink unless
// initialization failed.
func (srv *Server) handleConn(ctx context.Context, conn net.Conn) {
	srv.opt.Metrics.connAccepted()
	defer srv.opt.Metrics.connDone()

	log := srv.log.With(zap.Int64("session", srv.nextSession()))
	eng := NewEngine(NewTransport(conn), &srv.opt, log)
	srv.track(conn)

	defer func() {
		if r := recover(); r != nil {
			srv.opt.Metrics.requestFailed(failPanic)
			log.Error("panic handling connection", zap.Any("panic", r))
		}
		eng.Close()
		srv.untrack(conn)
	}()

	if err := eng.ParseRequest(); err != nil {
		// Malformed or empty request line, or nothing after the TLS
		// handshake. Closed silently, nothing traced.
		return
	}

	// Errors are already logged by the engine; the record is traced
	// either way so failed exchanges still show up in the log.
	_ = eng.Execute(ctx)
	srv.trace(eng.Record())
}

// handleTransparentConn runs the engine against a connection whose target
// was sniffed from the TLS ClientHello.
func (srv *Server) handleTransparentConn(ctx context.Context, conn net.Conn, target string) {
	srv.opt.Metrics.connAccepted()
	defer srv.opt.Metrics.connDone()

	log := srv.log.With(zap.Int64("session", srv.nextSession()))
	eng := NewEngine(NewTransport(conn), &srv.opt, log)
	srv.track(conn)

	defer func() {
		if r := recover(); r != nil {
			srv.opt.Metrics.requestFailed(failPanic)
			log.Error("panic handling connection", zap.Any("panic", r))
		}
		eng.Close()
		srv.untrack(conn)
	}()

	if err := eng.ParseTransparent(target); err != nil {
		return
	}
	_ = eng.Execute(ctx)
	srv.trace(eng.Record())
}

// trace hands the record to the sink. A sink failure must not take the
// handler down with it.
func (srv *Server) trace(rec *Record) {
	if srv.opt.Sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			srv.log.Error("trace sink panicked", zap.Any("panic", r))
		}
	}()
	srv.opt.Sink.TraceProxyRequest(rec)
}
