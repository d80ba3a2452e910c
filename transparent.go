package proxy

import (
	"errors"
	"net"

	"github.com/inconshreveable/go-vhost"
	"go.uber.org/zap"
)

// ServeTransparent accepts raw TLS connections (typically port 443 traffic
// redirected at the firewall), peeks the ClientHello for its SNI and drives
// the interception engine as if the client had issued a CONNECT for
// host:443. No tunnel acknowledgement is written because the client never
// asked for one. Connections without SNI cannot be routed and are dropped.
func (srv *Server) ServeTransparent(ln net.Listener) error {
	srv.addListener(ln)
	srv.startWorkers()
	defer ln.Close()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			srv.log.Warn("transparent accept failed", zap.Error(err))
			continue
		}

		// Sniff the SNI before dispatching; go-vhost buffers the
		// ClientHello so the TLS handshake can replay it afterwards.
		tlsConn, err := vhost.TLS(conn)
		if err != nil {
			srv.log.Warn("cannot parse ClientHello", zap.Error(err))
			conn.Close()
			continue
		}
		host := tlsConn.Host()
		if host == "" {
			srv.log.Warn("client did not send SNI, dropping connection")
			tlsConn.Close()
			continue
		}

		srv.submit(task{conn: tlsConn, target: net.JoinHostPort(host, "443")})
	}
}

// ListenAndServeTransparent binds addr and serves transparent TLS
// connections on it until the listener is closed.
func (srv *Server) ListenAndServeTransparent(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return srv.ServeTransparent(ln)
}
