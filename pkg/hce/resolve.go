package hce

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
)

// resolveCacheTTL bounds how long a resolved name is trusted before
// Resolve issues a fresh query, independent of the record's own TTL --
// health checks need a ceiling even against misconfigured authoritative
// answers.
const resolveCacheTTL = 30 * time.Second

type resolveCacheEntry struct {
	addr    netip.Addr
	expires time.Time
}

// Resolver resolves a configured host name to an address, caching
// answers briefly so a host probed every few seconds does not also
// issue a DNS query every few seconds. Literal addresses bypass DNS
// entirely.
type Resolver struct {
	mu     sync.Mutex
	cache  map[string]resolveCacheEntry
	client *dns.Client
}

// NewResolver returns a Resolver backed by the system resolv.conf.
func NewResolver() *Resolver {
	return &Resolver{
		cache:  make(map[string]resolveCacheEntry),
		client: &dns.Client{Net: "udp", Timeout: 3 * time.Second},
	}
}

// Resolve returns an address for name. Literal IPv4/IPv6 addresses are
// returned immediately without touching the cache or the network.
func (r *Resolver) Resolve(ctx context.Context, name string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(name); err == nil {
		return addr, nil
	}

	r.mu.Lock()
	if e, ok := r.cache[name]; ok && time.Now().Before(e.expires) {
		addr := e.addr
		r.mu.Unlock()
		return addr, nil
	}
	r.mu.Unlock()

	addr, err := r.lookup(ctx, name)
	if err != nil {
		return netip.Addr{}, err
	}

	r.mu.Lock()
	r.cache[name] = resolveCacheEntry{addr: addr, expires: time.Now().Add(resolveCacheTTL)}
	r.mu.Unlock()
	return addr, nil
}

func (r *Resolver) lookup(ctx context.Context, name string) (netip.Addr, error) {
	servers, err := resolvConfServers()
	if err != nil || len(servers) == 0 {
		servers = []string{"127.0.0.1:53"}
	}

	fqdn := dns.Fqdn(name)
	for _, t := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(fqdn, t)
		msg.RecursionDesired = true

		for _, server := range servers {
			in, _, err := r.client.ExchangeContext(ctx, msg, server)
			if err != nil || in == nil {
				continue
			}
			for _, rr := range in.Answer {
				switch rec := rr.(type) {
				case *dns.A:
					if addr, ok := netip.AddrFromSlice(rec.A); ok {
						return addr.Unmap(), nil
					}
				case *dns.AAAA:
					if addr, ok := netip.AddrFromSlice(rec.AAAA); ok {
						return addr, nil
					}
				}
			}
		}
	}
	return netip.Addr{}, fmt.Errorf("no address found for %q", name)
}

// resolvConfServers reads nameserver lines from /etc/resolv.conf,
// formatted as dns.Client.ExchangeContext expects ("host:port").
func resolvConfServers() ([]string, error) {
	data, err := os.ReadFile("/etc/resolv.conf")
	if err != nil {
		return nil, err
	}
	var servers []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == "nameserver" {
			ip := fields[1]
			if strings.Contains(ip, ":") && !strings.HasPrefix(ip, "[") {
				ip = "[" + ip + "]"
			}
			servers = append(servers, ip+":53")
		}
	}
	return servers, nil
}
