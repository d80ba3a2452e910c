package proxy

import (
	"strings"

	"github.com/valyala/bytebufferpool"
)

// HeaderField is a single name/value pair. Unlike net/http's Header map,
// a slice of fields keeps the origin's header order intact, which matters
// because the relayed response must reproduce it byte for byte.
type HeaderField struct {
	Name  string
	Value string
}

// HeaderList is an ordered list of header fields.
type HeaderList []HeaderField

// Add appends a field, preserving insertion order.
func (h *HeaderList) Add(name, value string) {
	*h = append(*h, HeaderField{Name: name, Value: value})
}

// Get returns the value of the first field matching name case-insensitively,
// or "" when absent.
func (h HeaderList) Get(name string) string {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Identification header appended to every relayed response.
const (
	proxiedByHeader = "X-Proxied-By"
	proxyAgent      = "http-logger.net"
)

// Hop-by-hop headers, never forwarded upstream.
// http://www.w3.org/Protocols/rfc2616/rfc2616-sec13.html
var hopByHopHeaders = map[string]bool{
	"proxy-connection": true,
	"connection":       true,
	"keep-alive":       true,
	"100-continue":     true,
}

func isHopByHop(name string) bool {
	return hopByHopHeaders[strings.ToLower(name)]
}

// splitSetCookie splits a folded Set-Cookie value into per-cookie fragments.
// Cookies folded into one value are joined with a bare comma, while commas
// inside a cookie's Expires date are always followed by a space, so a comma
// NOT followed by a space is the only safe split point.
func splitSetCookie(value string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(value); i++ {
		if value[i] != ',' {
			continue
		}
		if i+1 < len(value) && value[i+1] == ' ' {
			continue
		}
		parts = append(parts, value[start:i])
		start = i + 1
	}
	parts = append(parts, value[start:])
	return parts
}

// transformResponseHeaders rewrites the origin's header list for the client:
// folded Set-Cookie values are expanded into one field per cookie, everything
// else passes through in origin order, and the identification header is
// appended last.
func transformResponseHeaders(in HeaderList) HeaderList {
	out := make(HeaderList, 0, len(in)+1)
	for _, f := range in {
		if strings.EqualFold(f.Name, "Set-Cookie") {
			for _, c := range splitSetCookie(f.Value) {
				out.Add(f.Name, c)
			}
			continue
		}
		out = append(out, f)
	}
	out.Add(proxiedByHeader, proxyAgent)
	return out
}

func writeHeaderList(buf *bytebufferpool.ByteBuffer, h HeaderList) {
	for _, f := range h {
		buf.WriteString(f.Name)
		buf.WriteString(": ")
		buf.WriteString(f.Value)
		buf.WriteString("\r\n")
	}
}
