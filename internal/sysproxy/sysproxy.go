// Package sysproxy registers the running process as the operating system's
// active HTTP/HTTPS proxy. Registration is strictly best-effort: when it
// fails, clients can still be pointed at the proxy by hand.
package sysproxy

// Configurator toggles the OS-level proxy setting. Implementations are
// platform-specific; Noop serves platforms without support.
type Configurator interface {
	// SetProxy enables or disables the system proxy registration for the
	// given address and port. Disabling ignores addr/port.
	SetProxy(enabled bool, addr string, port int) error
}

// New returns the configurator for the current platform.
func New() Configurator {
	return newPlatform()
}

// Noop is a Configurator that does nothing and always succeeds.
type Noop struct{}

func (Noop) SetProxy(bool, string, int) error { return nil }
