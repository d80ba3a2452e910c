// Package resolver resolves origin host names for the upstream dialer.
// When a DNS server is configured it queries it directly and caches answers
// by their TTL; otherwise it falls back to the system resolver.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
)

var ErrNoAnswer = errors.New("resolver: no address records")

// Resolver looks up A/AAAA records with a TTL cache.
type Resolver struct {
	server string // "ip:port" of the DNS server, empty for system resolver

	// exchange is swappable for tests.
	exchange func(msg *dns.Msg, server string) (*dns.Msg, error)

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	addrs     []string
	expiresAt time.Time
}

// New builds a resolver against the given DNS server address. The port
// defaults to 53 when missing. An empty server means the system resolver.
func New(server string) *Resolver {
	if server != "" {
		if _, _, err := net.SplitHostPort(server); err != nil {
			server = net.JoinHostPort(server, "53")
		}
	}
	client := &dns.Client{Timeout: 5 * time.Second}
	return &Resolver{
		server: server,
		exchange: func(msg *dns.Msg, srv string) (*dns.Msg, error) {
			in, _, err := client.Exchange(msg, srv)
			return in, err
		},
		cache: make(map[string]cacheEntry),
	}
}

// LookupHost resolves host to one or more addresses. IP literals pass
// through untouched.
func (r *Resolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []string{host}, nil
	}
	if r.server == "" {
		return net.DefaultResolver.LookupHost(ctx, host)
	}

	r.mu.Lock()
	if e, ok := r.cache[host]; ok && e.expiresAt.After(time.Now()) {
		addrs := e.addrs
		r.mu.Unlock()
		return addrs, nil
	}
	r.mu.Unlock()

	addrs, ttl, err := r.query(host)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[host] = cacheEntry{addrs: addrs, expiresAt: time.Now().Add(ttl)}
	r.mu.Unlock()
	return addrs, nil
}

func (r *Resolver) query(host string) (addrs []string, ttl time.Duration, err error) {
	fqdn := dns.Fqdn(host)
	minTTL := uint32(300)

	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(fqdn, qtype)
		msg.RecursionDesired = true

		in, err := r.exchange(msg, r.server)
		if err != nil {
			return nil, 0, fmt.Errorf("resolver: query %s: %w", host, err)
		}
		for _, rr := range in.Answer {
			switch a := rr.(type) {
			case *dns.A:
				addrs = append(addrs, a.A.String())
			case *dns.AAAA:
				addrs = append(addrs, a.AAAA.String())
			default:
				continue
			}
			if h := rr.Header().Ttl; h < minTTL {
				minTTL = h
			}
		}
		// A answers are enough; skip the AAAA round trip.
		if qtype == dns.TypeA && len(addrs) > 0 {
			break
		}
	}

	if len(addrs) == 0 {
		return nil, 0, ErrNoAnswer
	}
	if minTTL == 0 {
		minTTL = 1
	}
	return addrs, time.Duration(minTTL) * time.Second, nil
}

// DialContext returns a dial function that resolves host names through the
// resolver before dialing, trying each address in turn.
func (r *Resolver) DialContext(timeout time.Duration) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		addrs, err := r.LookupHost(ctx, host)
		if err != nil {
			return nil, err
		}
		d := net.Dialer{Timeout: timeout}
		var lastErr error
		for _, a := range addrs {
			conn, err := d.DialContext(ctx, network, net.JoinHostPort(a, port))
			if err == nil {
				return conn, nil
			}
			lastErr = err
		}
		return nil, lastErr
	}
}
