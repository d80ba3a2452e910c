package proxy

import (
	"bufio"
	"crypto/tls"
	"io"
	"net"
	"strings"
)

// Transport abstracts the client-facing byte stream of one connection. It is
// chosen once at connection start (plain) and swapped exactly once when a
// CONNECT tunnel upgrades to TLS; after that the engine never needs to know
// which variant it is talking to. A Transport is owned by a single
// connection and is not safe for concurrent use.
type Transport interface {
	// ReadLine reads one CRLF- (or LF-) terminated line, without the
	// terminator. A final unterminated line before EOF is returned as-is.
	ReadLine() (string, error)
	io.Reader
	io.Writer
	// Flush forces buffered writes onto the wire.
	Flush() error
	// Close releases the TLS layer (if any) and the underlying socket.
	Close() error
	// RemoteAddr is the address of the connected client.
	RemoteAddr() net.Addr
	// UpgradeTLS flushes pending writes and starts serving TLS over the
	// same underlying socket with the given leaf certificate. The
	// returned Transport replaces the receiver, which must not be used
	// afterwards.
	UpgradeTLS(cert *tls.Certificate) (Transport, error)
}

type streamTransport struct {
	conn net.Conn // TLS layer once upgraded
	raw  net.Conn // underlying socket, kept for teardown
	br   *bufio.Reader
	bw   *bufio.Writer
}

// NewTransport wraps an accepted connection in a plain Transport.
func NewTransport(conn net.Conn) Transport {
	return &streamTransport{
		conn: conn,
		raw:  conn,
		br:   bufio.NewReader(conn),
		bw:   bufio.NewWriter(conn),
	}
}

func (t *streamTransport) ReadLine() (string, error) {
	line, err := t.br.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return strings.TrimRight(line, "\r\n"), nil
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (t *streamTransport) Read(p []byte) (int, error)  { return t.br.Read(p) }
func (t *streamTransport) Write(p []byte) (int, error) { return t.bw.Write(p) }
func (t *streamTransport) Flush() error                { return t.bw.Flush() }

func (t *streamTransport) RemoteAddr() net.Addr { return t.raw.RemoteAddr() }

func (t *streamTransport) Close() error {
	err := t.conn.Close()
	if t.conn != t.raw {
		// tls.Conn.Close closes the socket too, but be explicit in case
		// the handshake never completed.
		t.raw.Close()
	}
	return err
}

func (t *streamTransport) UpgradeTLS(cert *tls.Certificate) (Transport, error) {
	if err := t.bw.Flush(); err != nil {
		return nil, err
	}
	// The client does not start the handshake before it has seen the
	// "200 Connection established" reply, so the plaintext read buffer is
	// drained by now and no bytes are lost in the swap.
	tlsConn := tls.Server(t.conn, &tls.Config{
		Certificates: []tls.Certificate{*cert},
		MinVersion:   tls.VersionTLS12,
	})
	if err := tlsConn.Handshake(); err != nil {
		return nil, err
	}
	return &streamTransport{
		conn: tlsConn,
		raw:  t.raw,
		br:   bufio.NewReader(tlsConn),
		bw:   bufio.NewWriter(tlsConn),
	}, nil
}
