package resolver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeExchange(t *testing.T, answers map[string][]dns.RR, calls *int) func(*dns.Msg, string) (*dns.Msg, error) {
	t.Helper()
	return func(msg *dns.Msg, server string) (*dns.Msg, error) {
		*calls++
		require.Len(t, msg.Question, 1)
		q := msg.Question[0]

		reply := new(dns.Msg)
		reply.SetReply(msg)
		for _, rr := range answers[q.Name] {
			if rr.Header().Rrtype == q.Qtype {
				reply.Answer = append(reply.Answer, rr)
			}
		}
		return reply, nil
	}
}

func aRecord(t *testing.T, name, ip string, ttl uint32) dns.RR {
	t.Helper()
	return &dns.A{
		Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ttl},
		A:   net.ParseIP(ip),
	}
}

func TestLookupHostIPLiteralPassesThrough(t *testing.T) {
	r := New("192.0.2.53")
	addrs, err := r.LookupHost(context.Background(), "10.1.2.3")
	require.NoError(t, err)
	assert.Equal(t, []string{"10.1.2.3"}, addrs)

	addrs, err = r.LookupHost(context.Background(), "::1")
	require.NoError(t, err)
	assert.Equal(t, []string{"::1"}, addrs)
}

func TestLookupHostQueriesConfiguredServer(t *testing.T) {
	r := New("192.0.2.53")
	var calls int
	r.exchange = fakeExchange(t, map[string][]dns.RR{
		"origin.example.": {aRecord(t, "origin.example.", "198.51.100.7", 300)},
	}, &calls)

	addrs, err := r.LookupHost(context.Background(), "origin.example")
	require.NoError(t, err)
	assert.Equal(t, []string{"198.51.100.7"}, addrs)
	assert.Equal(t, 1, calls)
}

func TestLookupHostCachesByTTL(t *testing.T) {
	r := New("192.0.2.53")
	var calls int
	r.exchange = fakeExchange(t, map[string][]dns.RR{
		"origin.example.": {aRecord(t, "origin.example.", "198.51.100.7", 300)},
	}, &calls)

	_, err := r.LookupHost(context.Background(), "origin.example")
	require.NoError(t, err)
	_, err = r.LookupHost(context.Background(), "origin.example")
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "second lookup should hit the cache")
}

func TestLookupHostExpiredEntryRequeries(t *testing.T) {
	r := New("192.0.2.53")
	var calls int
	r.exchange = fakeExchange(t, map[string][]dns.RR{
		"origin.example.": {aRecord(t, "origin.example.", "198.51.100.7", 300)},
	}, &calls)

	_, err := r.LookupHost(context.Background(), "origin.example")
	require.NoError(t, err)

	r.mu.Lock()
	e := r.cache["origin.example"]
	e.expiresAt = time.Now().Add(-time.Second)
	r.cache["origin.example"] = e
	r.mu.Unlock()

	_, err = r.LookupHost(context.Background(), "origin.example")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestLookupHostFallsBackToAAAA(t *testing.T) {
	r := New("192.0.2.53")
	var calls int
	r.exchange = fakeExchange(t, map[string][]dns.RR{
		"v6only.example.": {&dns.AAAA{
			Hdr:  dns.RR_Header{Name: "v6only.example.", Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: 60},
			AAAA: net.ParseIP("2001:db8::1"),
		}},
	}, &calls)

	addrs, err := r.LookupHost(context.Background(), "v6only.example")
	require.NoError(t, err)
	assert.Equal(t, []string{"2001:db8::1"}, addrs)
	assert.Equal(t, 2, calls, "expected an A query followed by an AAAA query")
}

func TestLookupHostNoAnswer(t *testing.T) {
	r := New("192.0.2.53")
	var calls int
	r.exchange = fakeExchange(t, nil, &calls)

	_, err := r.LookupHost(context.Background(), "missing.example")
	assert.ErrorIs(t, err, ErrNoAnswer)
}

func TestNewDefaultsPort(t *testing.T) {
	assert.Equal(t, "192.0.2.53:53", New("192.0.2.53").server)
	assert.Equal(t, "192.0.2.53:5353", New("192.0.2.53:5353").server)
	assert.Equal(t, "", New("").server)
}

func TestDialContextUsesResolvedAddress(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	_, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)

	r := New("192.0.2.53")
	var calls int
	r.exchange = fakeExchange(t, map[string][]dns.RR{
		"origin.example.": {aRecord(t, "origin.example.", "127.0.0.1", 300)},
	}, &calls)

	dial := r.DialContext(2 * time.Second)
	conn, err := dial(context.Background(), "tcp", net.JoinHostPort("origin.example", port))
	require.NoError(t, err)
	conn.Close()
}
