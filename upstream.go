package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/bytebufferpool"

	"github.com/http-logger/proxy/internal/http1"
)

// outboundRequest is the translated client request, ready to be written to
// the origin. The handful of headers the engine treats specially live in
// dedicated fields; everything else rides along in Extra, order preserved.
type outboundRequest struct {
	Host            string
	UserAgent       string
	Accept          string
	Referer         string
	ContentType     string
	Expect          string
	Cookie          string
	IfModifiedSince time.Time
	ContentLength   int64
	Extra           HeaderList
	Body            io.Reader
}

// upstreamResponse is the origin's reply with its header order intact.
// net/http's Header map cannot preserve order, so the response head is read
// off the wire by hand.
type upstreamResponse struct {
	Code    int
	Reason  string
	Headers HeaderList
	Body    *bufio.Reader
	conn    net.Conn
}

func (r *upstreamResponse) Close() error { return r.conn.Close() }

// HasDeclaredLength reports whether the origin sent a Content-Length header.
func (r *upstreamResponse) HasDeclaredLength() bool {
	return r.Headers.Get("Content-Length") != ""
}

// ContentLength returns the declared response length, or 0 when absent or
// unparsable.
func (r *upstreamResponse) ContentLength() int64 {
	v := r.Headers.Get("Content-Length")
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// roundTrip issues the outbound request over a fresh connection and reads
// the response head. The whole exchange shares one fixed deadline. The
// request always carries "Connection: close": the proxy never reuses
// upstream connections, never follows redirects and never asks for
// compressed bodies, so the origin's response is observed unmodified.
func (e *Engine) roundTrip(ctx context.Context) (*upstreamResponse, error) {
	u, err := url.Parse(e.record.RemoteURI)
	if err != nil {
		return nil, fmt.Errorf("parse target %q: %w", e.record.RemoteURI, err)
	}

	conn, err := e.opt.dial(ctx, "tcp", hostPort(u))
	if err != nil {
		return nil, err
	}
	if err := conn.SetDeadline(time.Now().Add(e.opt.UpstreamTimeout)); err != nil {
		conn.Close()
		return nil, err
	}

	if u.Scheme == "https" {
		tlsConn := tls.Client(conn, &tls.Config{
			ServerName: stripPort(u.Host),
			// The proxy impersonates the origin towards the client; it
			// relays whatever the origin presents rather than vouching
			// for it.
			InsecureSkipVerify: true,
		})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, err
		}
		conn = tlsConn
	}

	if err := e.writeRequest(conn, u); err != nil {
		conn.Close()
		return nil, err
	}

	resp, err := readResponseHead(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return resp, nil
}

func (e *Engine) writeRequest(conn net.Conn, u *url.URL) error {
	out := &e.outbound
	host := out.Host
	if host == "" {
		host = u.Host
	}

	head := bytebufferpool.Get()
	defer bytebufferpool.Put(head)

	fmt.Fprintf(head, "%s %s HTTP/1.1\r\n", e.record.Method, u.RequestURI())
	fmt.Fprintf(head, "Host: %s\r\n", host)
	writeIfSet(head, "User-Agent", out.UserAgent)
	writeIfSet(head, "Accept", out.Accept)
	writeIfSet(head, "Referer", out.Referer)
	writeIfSet(head, "Content-Type", out.ContentType)
	writeIfSet(head, "Expect", out.Expect)
	writeIfSet(head, "Cookie", out.Cookie)
	if !out.IfModifiedSince.IsZero() {
		writeIfSet(head, "If-Modified-Since", out.IfModifiedSince.UTC().Format(http.TimeFormat))
	}
	if out.Body != nil {
		fmt.Fprintf(head, "Content-Length: %d\r\n", out.ContentLength)
	}
	writeHeaderList(head, out.Extra)
	head.WriteString("Connection: close\r\n\r\n")

	if _, err := conn.Write(head.B); err != nil {
		return err
	}

	if out.Body != nil {
		// An early client close surfaces as EOF and simply stops the
		// copy short of the declared length.
		buf := copyBufPool.Get()
		defer copyBufPool.Put(buf)
		if _, err := io.CopyBuffer(conn, out.Body, buf); err != nil {
			return err
		}
	}
	return nil
}

func writeIfSet(buf *bytebufferpool.ByteBuffer, name, value string) {
	if value == "" {
		return
	}
	buf.WriteString(name)
	buf.WriteString(": ")
	buf.WriteString(value)
	buf.WriteString("\r\n")
}

// readResponseHead parses the status line and the full header block,
// keeping the origin's header order.
func readResponseHead(conn net.Conn) (*upstreamResponse, error) {
	br := bufio.NewReader(conn)
	line, err := readWireLine(br)
	if err != nil {
		return nil, err
	}
	sl, err := http1.ParseStatusLine(line)
	if err != nil {
		return nil, err
	}

	resp := &upstreamResponse{
		Code:   sl.Code,
		Reason: sl.Reason,
		Body:   br,
		conn:   conn,
	}
	for {
		line, err := readWireLine(br)
		if err != nil {
			return nil, err
		}
		if line == "" {
			break
		}
		name, value, ok := http1.CutHeaderLine(line)
		if !ok {
			// Tolerate "Name:value" without the space.
			name, value, ok = strings.Cut(line, ":")
			if !ok {
				continue
			}
			value = strings.TrimLeft(value, " ")
		}
		resp.Headers.Add(name, value)
	}
	return resp, nil
}

func readWireLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return strings.TrimRight(line, "\r\n"), nil
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func hostPort(u *url.URL) string {
	host := u.Host
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	if u.Scheme == "https" {
		return net.JoinHostPort(host, "443")
	}
	return net.JoinHostPort(host, "80")
}
