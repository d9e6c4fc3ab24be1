package resolver

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/atomic"
	"go.uber.org/zap/zaptest"
)

func startDNSServer(t *testing.T, h dns.HandlerFunc) Server {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	started := make(chan struct{})
	srv := &dns.Server{PacketConn: pc, Handler: h, NotifyStartedFunc: func() { close(started) }}
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })

	return Server{Name: "test", Addr: pc.LocalAddr().String()}
}

func answerA(ip string, queries *atomic.Int64) dns.HandlerFunc {
	return func(w dns.ResponseWriter, r *dns.Msg) {
		if queries != nil {
			queries.Inc()
		}
		m := new(dns.Msg)
		m.SetReply(r)
		m.Answer = append(m.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: r.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
			A:   net.ParseIP(ip).To4(),
		})
		_ = w.WriteMsg(m)
	}
}

func serverFailure(w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetRcode(r, dns.RcodeServerFailure)
	_ = w.WriteMsg(m)
}

type fakeSystem struct {
	addrs []net.IPAddr
	err   error
	calls atomic.Int64
}

func (f *fakeSystem) LookupIPAddr(context.Context, string) ([]net.IPAddr, error) {
	f.calls.Inc()
	return f.addrs, f.err
}

func TestResolveCachesWithinTTL(t *testing.T) {
	var queries atomic.Int64
	srv := startDNSServer(t, answerA("10.1.2.3", &queries))

	sys := &fakeSystem{err: errors.New("system disabled")}
	r := New(Config{Upstreams: []Server{srv}, TTL: 200 * time.Millisecond, Timeout: time.Second, System: sys}, zaptest.NewLogger(t))
	ctx := context.Background()

	for range 2 {
		addr, err := r.Resolve(ctx, "example.test")
		if err != nil {
			t.Fatal(err)
		}
		if addr != "10.1.2.3" {
			t.Fatalf("addr=%q want 10.1.2.3", addr)
		}
	}
	if got := queries.Load(); got != 1 {
		t.Fatalf("upstream queries=%d want 1", got)
	}

	time.Sleep(300 * time.Millisecond)
	if _, err := r.Resolve(ctx, "example.test"); err != nil {
		t.Fatal(err)
	}
	if got := queries.Load(); got != 2 {
		t.Fatalf("upstream queries after expiry=%d want 2", got)
	}
	if got := sys.calls.Load(); got != 0 {
		t.Fatalf("system lookups=%d want 0", got)
	}
}

func TestResolveFallsBackToSystem(t *testing.T) {
	srv := startDNSServer(t, serverFailure)
	sys := &fakeSystem{addrs: []net.IPAddr{{IP: net.ParseIP("2001:db8::1")}, {IP: net.ParseIP("192.0.2.7")}}}

	r := New(Config{Upstreams: []Server{srv}, Timeout: time.Second, System: sys}, zaptest.NewLogger(t))
	addr, err := r.Resolve(context.Background(), "fallback.test")
	if err != nil {
		t.Fatal(err)
	}
	if addr != "192.0.2.7" {
		t.Fatalf("addr=%q want IPv4 preferred 192.0.2.7", addr)
	}

	// Cached: neither path is consulted again.
	if _, err := r.Resolve(context.Background(), "fallback.test"); err != nil {
		t.Fatal(err)
	}
	if got := sys.calls.Load(); got != 1 {
		t.Fatalf("system lookups=%d want 1", got)
	}
}

func TestResolveAllFail(t *testing.T) {
	srv := startDNSServer(t, serverFailure)
	sys := &fakeSystem{err: errors.New("nxdomain")}

	r := New(Config{Upstreams: []Server{srv}, Timeout: time.Second, System: sys}, zaptest.NewLogger(t))
	_, err := r.Resolve(context.Background(), "missing.test")

	var resErr *ResolutionError
	if !errors.As(err, &resErr) {
		t.Fatalf("err=%v want *ResolutionError", err)
	}
	if resErr.Domain != "missing.test" {
		t.Fatalf("domain=%q", resErr.Domain)
	}
	if r.Cache().Len() != 0 {
		t.Fatal("failure must not be cached")
	}
}

func TestResolveLiteral(t *testing.T) {
	t.Parallel()

	sys := &fakeSystem{err: errors.New("unused")}
	r := New(Config{System: sys}, zaptest.NewLogger(t))
	for _, lit := range []string{"127.0.0.1", "::1"} {
		addr, err := r.Resolve(context.Background(), lit)
		if err != nil {
			t.Fatal(err)
		}
		if addr != lit {
			t.Fatalf("addr=%q want %q", addr, lit)
		}
	}
	if r.UpstreamQueries() != 0 || sys.calls.Load() != 0 {
		t.Fatal("literal must not be looked up")
	}
}

func TestCacheClear(t *testing.T) {
	t.Parallel()

	c := NewCache(time.Minute)
	c.Set("a.test", "10.0.0.1")
	e, ok := c.Get("a.test")
	if !ok || e.Addr != "10.0.0.1" || e.Inserted.IsZero() {
		t.Fatalf("got %+v ok=%v", e, ok)
	}
	c.Clear()
	if _, ok := c.Get("a.test"); ok {
		t.Fatal("entry survived Clear")
	}
}
