package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// DefaultTimeout bounds a single upstream exchange.
const DefaultTimeout = 5 * time.Second

// HostLookuper is the subset of *net.Resolver used as the fallback path.
type HostLookuper interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Server names one DNS server. Addr is an IP, optionally with a port.
type Server struct {
	Name string
	Addr string
}

// hostPort returns s.Addr with the default DNS port applied.
func (s Server) hostPort() string {
	if _, _, err := net.SplitHostPort(s.Addr); err == nil {
		return s.Addr
	}
	return net.JoinHostPort(s.Addr, "53")
}

func (s Server) String() string {
	if s.Name == "" {
		return s.Addr
	}
	return fmt.Sprintf("%s (%s)", s.Name, s.Addr)
}

// ResolutionError reports that every resolver failed for Domain.
type ResolutionError struct {
	Domain string
	Err    error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s: %v", e.Domain, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// Config configures a Resolver.
type Config struct {
	// Upstreams are queried in order. Empty means only the system resolver.
	Upstreams []Server
	// Timeout bounds each upstream exchange.
	Timeout time.Duration
	// TTL is the cache lifetime of a resolved address.
	TTL time.Duration
	// System is the fallback resolver. Nil means net.DefaultResolver.
	System HostLookuper
}

// Resolver is a caching, fallback-capable A-record resolver. It is safe for
// concurrent use.
type Resolver struct {
	log    *zap.Logger
	cache  *Cache
	client *dns.Client
	system HostLookuper

	mu        sync.RWMutex
	upstreams []Server

	upstreamQueries atomic.Int64
}

// New returns a Resolver for cfg.
func New(cfg Config, log *zap.Logger) *Resolver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.System == nil {
		cfg.System = net.DefaultResolver
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{
		log:       log,
		cache:     NewCache(cfg.TTL),
		client:    &dns.Client{Net: "udp", Timeout: cfg.Timeout},
		system:    cfg.System,
		upstreams: append([]Server(nil), cfg.Upstreams...),
	}
}

// Cache exposes the resolver's cache.
func (r *Resolver) Cache() *Cache {
	return r.cache
}

// SetUpstreams replaces the upstream server list.
func (r *Resolver) SetUpstreams(servers ...Server) {
	r.mu.Lock()
	r.upstreams = append([]Server(nil), servers...)
	r.mu.Unlock()
}

// Upstreams returns a copy of the upstream server list.
func (r *Resolver) Upstreams() []Server {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Server(nil), r.upstreams...)
}

// UpstreamQueries returns how many upstream exchanges have been attempted.
func (r *Resolver) UpstreamQueries() int64 {
	return r.upstreamQueries.Load()
}

// Resolve returns an address for domain. IP literals are returned as is.
func (r *Resolver) Resolve(ctx context.Context, domain string) (string, error) {
	if ip := net.ParseIP(domain); ip != nil {
		return ip.String(), nil
	}

	if e, ok := r.cache.Get(domain); ok {
		return e.Addr, nil
	}

	addr, err := r.queryUpstreams(ctx, domain)
	if err == nil {
		r.cache.Set(domain, addr)
		r.log.Debug("resolver: resolved via upstream", zap.String("domain", domain), zap.String("addr", addr))
		return addr, nil
	}
	r.log.Debug("resolver: upstream lookup failed", zap.String("domain", domain), zap.Error(err))

	addr, sysErr := r.querySystem(ctx, domain)
	if sysErr != nil {
		return "", &ResolutionError{Domain: domain, Err: errors.Join(err, sysErr)}
	}
	r.cache.Set(domain, addr)
	r.log.Debug("resolver: resolved via system", zap.String("domain", domain), zap.String("addr", addr))
	return addr, nil
}

var errNoUpstreams = errors.New("no upstream servers configured")

func (r *Resolver) queryUpstreams(ctx context.Context, domain string) (string, error) {
	servers := r.Upstreams()
	if len(servers) == 0 {
		return "", errNoUpstreams
	}

	var errs []error
	for _, s := range servers {
		addr, err := r.exchangeA(ctx, s, domain)
		if err == nil {
			return addr, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", s.Addr, err))
		if ctx.Err() != nil {
			break
		}
	}
	return "", errors.Join(errs...)
}

func (r *Resolver) exchangeA(ctx context.Context, s Server, domain string) (string, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(domain), dns.TypeA)

	r.upstreamQueries.Inc()
	resp, _, err := r.client.ExchangeContext(ctx, m, s.hostPort())
	if err != nil {
		return "", err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return "", fmt.Errorf("rcode %s", dns.RcodeToString[resp.Rcode])
	}
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			return a.A.String(), nil
		}
	}
	return "", errors.New("no A record in answer")
}

func (r *Resolver) querySystem(ctx context.Context, domain string) (string, error) {
	addrs, err := r.system.LookupIPAddr(ctx, domain)
	if err != nil {
		return "", err
	}
	for _, a := range addrs {
		if a.IP.To4() != nil {
			return a.IP.String(), nil
		}
	}
	if len(addrs) > 0 {
		return addrs[0].IP.String(), nil
	}
	return "", errors.New("no addresses")
}
