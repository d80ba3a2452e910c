package certauthority

import (
	"crypto/tls"
	"crypto/x509"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeafVerifiesAgainstRoot(t *testing.T) {
	authority, err := New()
	require.NoError(t, err)

	leaf, err := authority.Leaf("example.com")
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(leaf.Certificate[0])
	require.NoError(t, err)
	require.NoError(t, cert.VerifyHostname("example.com"))
	require.NoError(t, cert.CheckSignatureFrom(authority.Root()))

	roots := x509.NewCertPool()
	roots.AddCert(authority.Root())
	_, err = cert.Verify(x509.VerifyOptions{DNSName: "example.com", Roots: roots})
	require.NoError(t, err)
}

func TestLeafForIPGetsIPSAN(t *testing.T) {
	authority, err := New()
	require.NoError(t, err)

	leaf, err := authority.Leaf("127.0.0.1")
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(leaf.Certificate[0])
	require.NoError(t, err)
	require.Len(t, cert.IPAddresses, 1)
	assert.Equal(t, "127.0.0.1", cert.IPAddresses[0].String())
	assert.Empty(t, cert.DNSNames)
}

func TestLeafServesTLS(t *testing.T) {
	authority, err := New()
	require.NoError(t, err)

	leaf, err := authority.Leaf("127.0.0.1")
	require.NoError(t, err)

	server := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "key verifies with Go")
	}))
	server.TLS = &tls.Config{Certificates: []tls.Certificate{*leaf}}
	server.StartTLS()
	defer server.Close()

	roots := x509.NewCertPool()
	roots.AddCert(authority.Root())
	client := &http.Client{Transport: &http.Transport{
		TLSClientConfig: &tls.Config{RootCAs: roots},
	}}

	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "key verifies with Go", string(body))
}

func TestStableSerialPerHost(t *testing.T) {
	authority, err := New()
	require.NoError(t, err)

	a, err := authority.Leaf("stable.example")
	require.NoError(t, err)
	b, err := authority.Leaf("stable.example")
	require.NoError(t, err)

	certA, err := x509.ParseCertificate(a.Certificate[0])
	require.NoError(t, err)
	certB, err := x509.ParseCertificate(b.Certificate[0])
	require.NoError(t, err)
	assert.Zero(t, certA.SerialNumber.Cmp(certB.SerialNumber))
}

func TestCachingIssuerReusesLeaves(t *testing.T) {
	authority, err := New()
	require.NoError(t, err)
	issuer := NewCachingIssuer(authority, time.Hour)

	first, err := issuer.Leaf("example.com")
	require.NoError(t, err)
	second, err := issuer.Leaf("example.com")
	require.NoError(t, err)
	assert.Same(t, first, second)

	other, err := issuer.Leaf("other.example")
	require.NoError(t, err)
	assert.NotSame(t, first, other)
}

func TestCachingIssuerExpires(t *testing.T) {
	authority, err := New()
	require.NoError(t, err)
	issuer := NewCachingIssuer(authority, time.Millisecond)

	first, err := issuer.Leaf("example.com")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	second, err := issuer.Leaf("example.com")
	require.NoError(t, err)
	assert.NotSame(t, first, second)
}

func TestFromKeyPairRoundTrip(t *testing.T) {
	authority, err := New()
	require.NoError(t, err)

	key, err := authority.KeyPEM()
	require.NoError(t, err)
	loaded, err := FromKeyPair(authority.CertPEM(), key)
	require.NoError(t, err)
	assert.Equal(t, authority.Root().SerialNumber, loaded.Root().SerialNumber)
}
