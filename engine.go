package proxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/oxtoacart/bpool"
	"github.com/valyala/bytebufferpool"
	"go.uber.org/zap"
	"golang.org/x/net/http/httpguts"

	"github.com/http-logger/proxy/internal/http1"
)

// Buffers for the unsized response relay loop.
var copyBufPool = bpool.NewBytePool(64, 8*1024)

// Engine owns one client connection end-to-end: request parsing, optional
// TLS interception, header translation, body forwarding and response relay.
// It is created per connection and never shared.
type Engine struct {
	transport Transport
	opt       *Options
	log       *zap.Logger
	record    *Record
	outbound  outboundRequest
}

// NewEngine binds an engine to an accepted transport and the shared options
// (certificate issuer, upstream dialer, logger).
func NewEngine(t Transport, opt *Options, log *zap.Logger) *Engine {
	return &Engine{
		transport: t,
		opt:       opt,
		log:       log,
		record: &Record{
			ClientAddr: addrHost(t.RemoteAddr()),
			StartedAt:  time.Now(),
		},
	}
}

// Record returns the connection's record. It is only meaningful to the trace
// sink once the engine is done with the connection.
func (e *Engine) Record() *Record { return e.record }

// Close releases the transport, including a TLS layer if one was
// established.
func (e *Engine) Close() error { return e.transport.Close() }

// ParseRequest reads and parses the request line, performing TLS
// interception when the method is CONNECT. On error the record's
// Initialized flag stays false and the caller must emit nothing to the
// trace sink.
func (e *Engine) ParseRequest() error {
	line, err := e.transport.ReadLine()
	if err != nil || line == "" {
		e.log.Warn("empty request line", zap.Error(err))
		e.opt.Metrics.requestFailed(failInit)
		return errBadRequestLine
	}
	rl, err := http1.ParseRequestLine(line)
	if err != nil {
		e.log.Warn("malformed request line", zap.String("line", line))
		e.opt.Metrics.requestFailed(failInit)
		return errBadRequestLine
	}
	e.record.Method = rl.Method
	e.record.VersionMajor = rl.Major
	e.record.VersionMinor = rl.Minor

	if rl.Method == http.MethodConnect {
		if err := e.intercept(rl.Target, true); err != nil {
			e.opt.Metrics.requestFailed(failInit)
			return err
		}
	} else {
		e.record.RemoteURI = rl.Target
	}
	e.record.Initialized = true
	return nil
}

// ParseTransparent drives interception for a connection whose target host
// was learned from the TLS ClientHello SNI instead of a CONNECT request.
// No "200 Connection established" reply is written: the client never asked
// for a tunnel and is already mid-handshake.
func (e *Engine) ParseTransparent(target string) error {
	if err := e.intercept(target, false); err != nil {
		e.opt.Metrics.requestFailed(failInit)
		return err
	}
	e.record.Initialized = true
	return nil
}

// intercept terminates TLS on the client leg: it mints a leaf certificate
// for the target host, acknowledges the tunnel, upgrades the transport and
// re-reads the request line over the decrypted stream.
func (e *Engine) intercept(target string, sendEstablished bool) error {
	e.record.IsHTTPS = true
	e.record.RemoteURI = "https://" + target

	cert, err := e.opt.Issuer.Leaf(stripPort(target))
	if err != nil {
		e.log.Warn("cannot sign leaf certificate", zap.String("host", target), zap.Error(err))
		return err
	}

	if sendEstablished {
		// The CONNECT header block is neither forwarded nor inspected.
		for {
			line, err := e.transport.ReadLine()
			if err != nil {
				return err
			}
			if line == "" {
				break
			}
		}

		buf := bytebufferpool.Get()
		fmt.Fprintf(buf, "%s 200 Connection established\r\n", protoString(e.record.VersionMajor, e.record.VersionMinor))
		fmt.Fprintf(buf, "Timestamp: %s\r\n", time.Now().Format(time.RFC1123))
		fmt.Fprintf(buf, "Proxy-agent: %s\r\n\r\n", proxyAgent)
		_, err = e.transport.Write(buf.B)
		bytebufferpool.Put(buf)
		if err != nil {
			return err
		}
		if err := e.transport.Flush(); err != nil {
			return err
		}
	}

	tlsTransport, err := e.transport.UpgradeTLS(cert)
	if err != nil {
		e.log.Warn("TLS handshake with client failed", zap.String("host", target), zap.Error(err))
		return err
	}
	e.transport = tlsTransport

	inner, err := e.transport.ReadLine()
	if err != nil || inner == "" {
		return errTunnelClosed
	}
	rl, err := http1.ParseRequestLine(inner)
	if err != nil {
		e.log.Warn("malformed request line in tunnel", zap.String("line", inner))
		return errBadRequestLine
	}
	e.record.Method = rl.Method
	e.record.RemoteURI += rl.Target
	if !sendEstablished {
		e.record.VersionMajor = rl.Major
		e.record.VersionMinor = rl.Minor
	}
	return nil
}

// Execute runs the remainder of the exchange: header translation, request
// body forwarding, the upstream call and the response relay. It does its own
// error logging; callers should not log the returned error again.
func (e *Engine) Execute(ctx context.Context) error {
	if err := e.readHeaders(); err != nil {
		e.log.Error("reading request headers", zap.Error(err))
		e.opt.Metrics.requestFailed(failUpstream)
		return err
	}

	resp, err := e.roundTrip(ctx)
	if err != nil {
		e.log.Error("upstream request failed",
			zap.String("uri", e.record.RemoteURI), zap.Error(err))
		e.opt.Metrics.requestFailed(failUpstream)
		return err
	}
	defer resp.Close()

	if err := e.relay(resp); err != nil {
		return err
	}
	e.opt.Metrics.requestCompleted(e.record.IsHTTPS, e.record.StartedAt)
	return nil
}

// readHeaders consumes the client's header block and translates it onto the
// outbound request: a handful of headers map to dedicated fields, hop-by-hop
// headers are dropped, Content-Length is captured for body framing but not
// copied literally, and everything else is forwarded verbatim in order.
func (e *Engine) readHeaders() error {
	for {
		line, err := e.transport.ReadLine()
		if err != nil {
			return err
		}
		if line == "" {
			break
		}
		name, value, ok := http1.CutHeaderLine(line)
		if !ok {
			e.log.Debug("skipping malformed header line", zap.String("line", line))
			continue
		}
		if isHopByHop(name) {
			// Meaningful only on the client leg, never forwarded.
			continue
		}
		switch strings.ToLower(name) {
		case "host":
			e.outbound.Host = value
		case "user-agent":
			e.outbound.UserAgent = value
		case "accept":
			e.outbound.Accept = value
		case "referer":
			e.outbound.Referer = value
		case "content-type":
			e.outbound.ContentType = value
		case "expect":
			e.outbound.Expect = value
		case "if-modified-since":
			// Only the leading date token counts; some clients append
			// a length hint after a semicolon. Unparsable dates are
			// silently ignored.
			date, _, _ := strings.Cut(value, ";")
			if t, err := http.ParseTime(strings.TrimSpace(date)); err == nil {
				e.outbound.IfModifiedSince = t
			}
		case "cookie":
			e.outbound.Cookie = value
		case "content-length":
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil || n < 0 {
				n = 0
			}
			e.record.ContentLength = n
			e.outbound.ContentLength = n
		default:
			if !httpguts.ValidHeaderFieldName(name) || !httpguts.ValidHeaderFieldValue(value) {
				e.log.Warn("dropping invalid header", zap.String("name", name))
				continue
			}
			e.outbound.Extra.Add(name, value)
		}
	}

	// Only POST bodies are forwarded, framed by the declared length.
	if e.record.Method == http.MethodPost && e.outbound.ContentLength > 0 {
		e.outbound.Body = io.LimitReader(e.transport, e.outbound.ContentLength)
	}
	return nil
}

// relay writes the origin's response back to the client: an HTTP/1.0 status
// line, the transformed header block, then the body. A client that resets
// the connection mid-write is not an error worth logging; anything else is
// logged exactly once and tears the connection down.
func (e *Engine) relay(resp *upstreamResponse) error {
	head := bytebufferpool.Get()
	defer bytebufferpool.Put(head)
	fmt.Fprintf(head, "HTTP/1.0 %d %s\r\n", resp.Code, resp.Reason)
	writeHeaderList(head, transformResponseHeaders(resp.Headers))
	head.WriteString("\r\n")
	if _, err := e.transport.Write(head.B); err != nil {
		return e.relayError(err)
	}

	var relayed int64
	if cl := resp.ContentLength(); cl > 0 {
		// Sized bodies are copied in one shot through a buffer of the
		// declared size; an origin that closes early truncates the copy.
		body := make([]byte, cl)
		n, rerr := io.ReadFull(resp.Body, body)
		if n > 0 {
			if _, werr := e.transport.Write(body[:n]); werr != nil {
				return e.relayError(werr)
			}
			relayed = int64(n)
		}
		if rerr != nil && rerr != io.ErrUnexpectedEOF && rerr != io.EOF {
			e.opt.Metrics.requestFailed(failRelay)
			e.log.Error("reading response body", zap.Error(rerr))
			return rerr
		}
	} else if !resp.HasDeclaredLength() {
		buf := copyBufPool.Get()
		defer copyBufPool.Put(buf)
		for {
			n, rerr := resp.Body.Read(buf)
			if n > 0 {
				if _, werr := e.transport.Write(buf[:n]); werr != nil {
					return e.relayError(werr)
				}
				relayed += int64(n)
			}
			if rerr == io.EOF {
				break
			}
			if rerr != nil {
				e.opt.Metrics.requestFailed(failRelay)
				e.log.Error("reading response body", zap.Error(rerr))
				return rerr
			}
		}
	}

	if err := e.transport.Flush(); err != nil {
		return e.relayError(err)
	}
	e.opt.Metrics.relayedBytes(relayed)
	e.record.StatusCode = resp.Code
	return nil
}

func (e *Engine) relayError(err error) error {
	if isConnReset(err) {
		// The client walked away mid-write. Expected during normal
		// browsing, suppressed.
		return err
	}
	e.opt.Metrics.requestFailed(failRelay)
	e.log.Error("writing response to client", zap.Error(err))
	return err
}

func stripPort(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return hostport
}

func addrHost(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return stripPort(addr.String())
}
