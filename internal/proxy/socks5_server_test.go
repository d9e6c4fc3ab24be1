package proxy

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/txthinking/socks5"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/die-net/tunnelbridge/internal/pool"
	"github.com/die-net/tunnelbridge/internal/resolver"
	internalsocks5 "github.com/die-net/tunnelbridge/internal/socks5"
	"github.com/die-net/tunnelbridge/internal/stats"
	"github.com/die-net/tunnelbridge/internal/testutil"
	"github.com/die-net/tunnelbridge/internal/transport"
)

// directTunnel dials destinations itself and counts channel opens.
type directTunnel struct {
	opens atomic.Int64
	err   error
}

func (d *directTunnel) OpenChannel(ctx context.Context, host string, port int, _ net.Addr, _ time.Duration) (net.Conn, error) {
	d.opens.Inc()
	if d.err != nil {
		return nil, d.err
	}
	var nd net.Dialer
	return nd.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
}

type mapResolver map[string]string

func (m mapResolver) Resolve(_ context.Context, domain string) (string, error) {
	if addr, ok := m[domain]; ok {
		return addr, nil
	}
	return "", &resolver.ResolutionError{Domain: domain, Err: errors.New("no such host")}
}

type rttSink struct {
	n atomic.Int64
}

func (r *rttSink) AddSample(time.Duration) { r.n.Inc() }

type testServer struct {
	addr    string
	tunnel  *directTunnel
	health  *rttSink
	stats   *stats.Stats
	history *stats.History
	pool    *pool.Pool
}

func startSOCKS5(ctx context.Context, t *testing.T, tunnelErr error, events func(string)) *testServer {
	t.Helper()

	ln, err := ListenTCP(ctx, "127.0.0.1:0", net.KeepAliveConfig{Enable: false})
	if err != nil {
		t.Fatal(err)
	}

	ts := &testServer{
		addr:    ln.Addr().String(),
		tunnel:  &directTunnel{err: tunnelErr},
		health:  &rttSink{},
		stats:   stats.New(),
		history: stats.NewHistory(10),
		pool:    pool.New(10),
	}
	t.Cleanup(ts.pool.Close)

	srv := NewSOCKS5Server(Config{LogTraffic: events != nil}, Deps{
		Tunnel:   ts.tunnel,
		Resolver: mapResolver{"echo.test": "127.0.0.1"},
		Health:   ts.health,
		Pool:     ts.pool,
		Stats:    ts.stats,
		History:  ts.history,
		Events:   events,
	}, zap.NewNop())
	go func() { _ = srv.Serve(ctx, ln) }()

	return ts
}

func dialRaw(ctx context.Context, t *testing.T, addr string) net.Conn {
	t.Helper()

	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	_ = c.SetDeadline(time.Now().Add(3 * time.Second))
	return c
}

func TestSOCKS5ConnectIPv4(t *testing.T) {
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	ts := startSOCKS5(ctx, t, nil, nil)

	c := dialRaw(ctx, t, ts.addr)
	defer c.Close()

	// Read the raw reply so the first two bytes can be checked.
	if err := internalsocks5.ClientNegotiate(c); err != nil {
		t.Fatal(err)
	}
	a, addr, port, err := socks5.ParseAddress(echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := socks5.NewRequest(socks5.CmdConnect, a, addr, port).WriteTo(c); err != nil {
		t.Fatal(err)
	}
	reply := make([]byte, 10)
	if _, err := io.ReadFull(c, reply); err != nil {
		t.Fatal(err)
	}
	if reply[0] != 5 || reply[1] != 0 {
		t.Fatalf("reply = %v, want 5 0 ...", reply[:2])
	}

	testutil.AssertEcho(t, c, c, []byte("hello"))

	if n := ts.tunnel.opens.Load(); n != 1 {
		t.Errorf("channels opened = %d, want 1", n)
	}
	if n := ts.health.n.Load(); n != 1 {
		t.Errorf("rtt samples = %d, want 1", n)
	}
	if snap := ts.stats.Snapshot(); snap.BytesSent != 5 || snap.BytesReceived != 5 {
		t.Errorf("bytes = %d/%d, want 5/5", snap.BytesSent, snap.BytesReceived)
	}
	if got := ts.history.Recent(); len(got) != 1 || got[0].Destination != echoLn.Addr().String() {
		t.Errorf("history = %+v", got)
	}
}

func TestSOCKS5ConnectDomain(t *testing.T) {
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)

	events := make(chan string, 4)
	ts := startSOCKS5(ctx, t, nil, func(s string) { events <- s })

	client, err := socks5.NewClient(ts.addr, "", "", 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	port := echoLn.Addr().(*net.TCPAddr).Port
	c, err := client.Dial("tcp", net.JoinHostPort("echo.test", strconv.Itoa(port)))
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	msg := []byte("via domain")
	if _, err := c.Write(msg); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(c, buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, msg) {
		t.Fatalf("expected %q got %q", msg, buf)
	}

	select {
	case ev := <-events:
		if !strings.HasPrefix(ev, "[Traffic] ") {
			t.Errorf("event = %q", ev)
		}
	default:
		t.Error("expected a traffic event")
	}
}

func TestSOCKS5ReplyCodes(t *testing.T) {
	tests := []struct {
		name      string
		tunnelErr error
		address   string
		wantRep   byte
		wantOpens int64
	}{
		{
			name:      "unresolvable domain",
			address:   "nowhere.test:80",
			wantRep:   internalsocks5.RepHostUnreachable,
			wantOpens: 0,
		},
		{
			name:      "destination refused",
			tunnelErr: &transport.ChannelOpenError{Addr: "10.0.0.1:80", Err: &ssh.OpenChannelError{Reason: ssh.ConnectionFailed}},
			address:   "10.0.0.1:80",
			wantRep:   internalsocks5.RepConnectionRefused,
			wantOpens: 1,
		},
		{
			name:      "transport down",
			tunnelErr: transport.ErrTransportClosed,
			address:   "10.0.0.1:80",
			wantRep:   internalsocks5.RepServerFailure,
			wantOpens: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
			defer cancel()

			ts := startSOCKS5(ctx, t, tt.tunnelErr, nil)
			c := dialRaw(ctx, t, ts.addr)
			defer c.Close()

			rep, err := internalsocks5.ClientDial(c, tt.address)
			if err != nil {
				t.Fatal(err)
			}
			if rep != tt.wantRep {
				t.Errorf("reply = %d, want %d", rep, tt.wantRep)
			}
			if n := ts.tunnel.opens.Load(); n != tt.wantOpens {
				t.Errorf("channels opened = %d, want %d", n, tt.wantOpens)
			}
			if tt.wantOpens > 0 {
				if n := ts.stats.Snapshot().ConnectionsFailed; n != 1 {
					t.Errorf("failed = %d, want 1", n)
				}
			}
		})
	}
}

func TestSOCKS5AddressTypeNotSupported(t *testing.T) {
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	ts := startSOCKS5(ctx, t, nil, nil)
	c := dialRaw(ctx, t, ts.addr)
	defer c.Close()

	if err := internalsocks5.ClientNegotiate(c); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Write([]byte{0x05, 0x01, 0x00, 0x02, 1, 2, 3, 4, 0, 80}); err != nil {
		t.Fatal(err)
	}
	reply := make([]byte, 2)
	if _, err := io.ReadFull(c, reply); err != nil {
		t.Fatal(err)
	}
	if reply[0] != 5 || reply[1] != 8 {
		t.Errorf("reply = %v, want [5 8]", reply)
	}
	if n := ts.tunnel.opens.Load(); n != 0 {
		t.Errorf("channels opened = %d, want 0", n)
	}
}

func TestSOCKS5EmptyDomain(t *testing.T) {
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	ts := startSOCKS5(ctx, t, nil, nil)
	c := dialRaw(ctx, t, ts.addr)
	defer c.Close()

	if err := internalsocks5.ClientNegotiate(c); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Write([]byte{0x05, 0x01, 0x00, 0x03, 0x00, 0, 80}); err != nil {
		t.Fatal(err)
	}
	reply := make([]byte, 10)
	if _, err := io.ReadFull(c, reply); err != nil {
		t.Fatal(err)
	}
	if reply[0] != 5 || reply[1] != internalsocks5.RepHostUnreachable {
		t.Errorf("reply = %v, want [5 4 ...]", reply)
	}
	if n := ts.tunnel.opens.Load(); n != 0 {
		t.Errorf("channels opened = %d, want 0", n)
	}
}

func TestSOCKS5DropsNonConnect(t *testing.T) {
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	ts := startSOCKS5(ctx, t, nil, nil)
	c := dialRaw(ctx, t, ts.addr)
	defer c.Close()

	if err := internalsocks5.ClientNegotiate(c); err != nil {
		t.Fatal(err)
	}
	// UDP ASSOCIATE
	if _, err := c.Write([]byte{0x05, 0x03, 0x00, 0x01, 127, 0, 0, 1, 0, 80}); err != nil {
		t.Fatal(err)
	}
	if n, err := c.Read(make([]byte, 10)); err == nil {
		t.Errorf("expected the connection to be closed without a reply, read %d bytes", n)
	}
	if n := ts.tunnel.opens.Load(); n != 0 {
		t.Errorf("channels opened = %d, want 0", n)
	}
}

func TestSOCKS5PoolResetEndsRelay(t *testing.T) {
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)
	ts := startSOCKS5(ctx, t, nil, nil)

	c := dialRaw(ctx, t, ts.addr)
	defer c.Close()

	rep, err := internalsocks5.ClientDial(c, echoLn.Addr().String())
	if err != nil || rep != internalsocks5.RepSuccess {
		t.Fatalf("dial: rep=%d err=%v", rep, err)
	}
	testutil.AssertEcho(t, c, c, []byte("before reset"))

	if n := ts.pool.Count(); n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
	ts.pool.Reset()

	if _, err := c.Read(make([]byte, 1)); err == nil {
		t.Error("expected relay to be closed by reset")
	}
	if n := ts.pool.Count(); n != 0 {
		t.Errorf("Count() after reset = %d, want 0", n)
	}

	deadline := time.Now().Add(2 * time.Second)
	for ts.stats.Snapshot().ConnectionsActive != 0 {
		if time.Now().After(deadline) {
			t.Fatal("active connections never returned to 0")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
