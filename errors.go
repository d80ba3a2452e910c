package proxy

import (
	"errors"
	"fmt"
	"syscall"
)

// Failure kinds, used for logging and metrics labels. They mirror how a
// failed connection is handled: initialization failures are silent, header
// rejections are non-fatal, everything else tears the connection down.
const (
	failInit     = "init"
	failUpstream = "upstream"
	failRelay    = "relay"
	failPanic    = "panic"
)

var (
	// errBadRequestLine is returned when the request line is empty or has
	// fewer than three space-separated tokens.
	errBadRequestLine = errors.New("malformed request line")
	// errTunnelClosed is returned when the client never sends a request
	// over the freshly established TLS layer.
	errTunnelClosed = errors.New("no request after TLS handshake")
)

func protoString(major, minor int) string {
	return fmt.Sprintf("HTTP/%d.%d", major, minor)
}

// isConnReset recognizes the low-level reset a client produces when it
// abandons the connection mid-write. Resets are expected during normal
// browsing and are suppressed rather than logged.
func isConnReset(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE)
}
