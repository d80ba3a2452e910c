package proxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitSetCookie(t *testing.T) {
	// The comma inside the Expires date is followed by a space and must
	// not split; the comma between the folded cookies must.
	folded := "a=1; Expires=Wed, 21 Oct 2025 07:28:00 GMT,b=2"
	parts := splitSetCookie(folded)
	require.Len(t, parts, 2)
	assert.Equal(t, "a=1; Expires=Wed, 21 Oct 2025 07:28:00 GMT", parts[0])
	assert.Equal(t, "b=2", parts[1])
}

func TestSplitSetCookieSingle(t *testing.T) {
	single := "session=abc; Path=/; HttpOnly"
	assert.Equal(t, []string{single}, splitSetCookie(single))
}

func TestSplitSetCookieThreeWay(t *testing.T) {
	parts := splitSetCookie("a=1,b=2,c=3")
	assert.Equal(t, []string{"a=1", "b=2", "c=3"}, parts)
}

func TestTransformResponseHeadersOrderAndIdentity(t *testing.T) {
	var in HeaderList
	in.Add("Date", "Mon, 01 Jan 2024 00:00:00 GMT")
	in.Add("Content-Type", "text/html")
	in.Add("Set-Cookie", "a=1; Expires=Wed, 21 Oct 2025 07:28:00 GMT,b=2")
	in.Add("Server", "origin/1.0")

	out := transformResponseHeaders(in)
	require.Len(t, out, 6)
	assert.Equal(t, "Date", out[0].Name)
	assert.Equal(t, "Content-Type", out[1].Name)
	assert.Equal(t, "Set-Cookie", out[2].Name)
	assert.Equal(t, "a=1; Expires=Wed, 21 Oct 2025 07:28:00 GMT", out[2].Value)
	assert.Equal(t, "Set-Cookie", out[3].Name)
	assert.Equal(t, "b=2", out[3].Value)
	assert.Equal(t, "Server", out[4].Name)

	last := out[len(out)-1]
	assert.Equal(t, "X-Proxied-By", last.Name)
	assert.Equal(t, "http-logger.net", last.Value)
}

func TestTransformResponseHeadersAlwaysAppendsIdentity(t *testing.T) {
	out := transformResponseHeaders(nil)
	require.Len(t, out, 1)
	assert.Equal(t, "X-Proxied-By", out[0].Name)
}

func TestIsHopByHop(t *testing.T) {
	for _, name := range []string{
		"Connection", "connection", "CONNECTION",
		"Proxy-Connection", "proxy-connection",
		"Keep-Alive", "keep-alive",
		"100-Continue", "100-continue",
	} {
		assert.True(t, isHopByHop(name), name)
	}
	assert.False(t, isHopByHop("Cookie"))
	assert.False(t, isHopByHop("X-Custom"))
}

func TestHeaderListGet(t *testing.T) {
	var h HeaderList
	h.Add("Content-Length", "42")
	assert.Equal(t, "42", h.Get("content-length"))
	assert.Equal(t, "", h.Get("Missing"))
}
