package resolver

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"
	"github.com/patrickmn/go-cache"
)

// SystemNameserver is the chain entry that selects the operating system's
// own resolver instead of a direct DNS query.
const SystemNameserver = "system"

const (
	defaultTimeout  = 3 * time.Second
	defaultCacheTTL = 60 * time.Second
)

// DefaultNameservers is the chain used when none is configured: the system
// resolver first, then public resolvers.
var DefaultNameservers = []string{SystemNameserver, "1.1.1.1", "8.8.8.8", "9.9.9.9"}

type Config struct {
	// Nameservers are tried strictly in order. Entries are either
	// SystemNameserver or a DNS server address; a missing port defaults
	// to 53.
	Nameservers []string `json:"nameservers"`

	// Timeout bounds each individual resolution attempt.
	Timeout time.Duration `json:"timeout"`

	// CacheTTL caps how long a positive answer may be reused. The record's
	// own TTL wins when it is shorter.
	CacheTTL time.Duration `json:"cache_ttl"`
}

// ResolveError reports that every configured nameserver failed for a host.
type ResolveError struct {
	Host string
	Err  error // last underlying cause
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolve %s: %v", e.Host, e.Err)
}

func (e *ResolveError) Unwrap() error { return e.Err }

// Resolver resolves hostnames through a fallback chain of nameservers.
// It is safe for concurrent use.
type Resolver struct {
	cfg    Config
	client *dns.Client
	cache  *cache.Cache
}

func New(cfg Config) *Resolver {
	if len(cfg.Nameservers) == 0 {
		cfg.Nameservers = DefaultNameservers
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}

	return &Resolver{
		cfg:    cfg,
		client: &dns.Client{Timeout: cfg.Timeout},
		cache:  cache.New(cfg.CacheTTL, 2*cfg.CacheTTL),
	}
}

// Resolve returns an address for host, trying each nameserver in configured
// order and returning the first answer. Literal IP addresses are returned
// as-is without any query. If every nameserver fails, the returned error is
// a *ResolveError wrapping the last cause.
func (r *Resolver) Resolve(ctx context.Context, host string) (netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr, nil
	}

	if v, ok := r.cache.Get(host); ok {
		return v.(netip.Addr), nil
	}

	var lastErr error
	for _, ns := range r.cfg.Nameservers {
		addr, ttl, err := r.query(ctx, ns, host)
		if err != nil {
			lastErr = err
			continue
		}

		r.cache.Set(host, addr, min(ttl, r.cfg.CacheTTL))
		return addr, nil
	}

	return netip.Addr{}, &ResolveError{Host: host, Err: lastErr}
}

func (r *Resolver) query(ctx context.Context, ns, host string) (netip.Addr, time.Duration, error) {
	if ns == SystemNameserver {
		return r.querySystem(ctx, host)
	}

	if _, _, err := net.SplitHostPort(ns); err != nil {
		ns = net.JoinHostPort(ns, "53")
	}

	var lastErr error
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(host), qtype)
		m.RecursionDesired = true

		resp, _, err := r.client.ExchangeContext(ctx, m, ns)
		if err != nil {
			return netip.Addr{}, 0, fmt.Errorf("query %s: %w", ns, err)
		}

		for _, rr := range resp.Answer {
			var ip net.IP
			switch a := rr.(type) {
			case *dns.A:
				ip = a.A.To4()
			case *dns.AAAA:
				ip = a.AAAA.To16()
			default:
				continue
			}
			addr, ok := netip.AddrFromSlice(ip)
			if !ok {
				continue
			}
			return addr, time.Duration(rr.Header().Ttl) * time.Second, nil
		}
		lastErr = fmt.Errorf("query %s: no address records for %s", ns, host)
	}

	return netip.Addr{}, 0, lastErr
}

func (r *Resolver) querySystem(ctx context.Context, host string) (netip.Addr, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.Addr{}, 0, fmt.Errorf("system resolver: %w", err)
	}
	if len(addrs) == 0 {
		return netip.Addr{}, 0, fmt.Errorf("system resolver: no addresses for %s", host)
	}

	// The system resolver does not expose record TTLs; let the cache bound
	// apply.
	return addrs[0].Unmap(), r.cfg.CacheTTL, nil
}
