package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/die-net/tunnelbridge/internal/dialer"
	internalssh "github.com/die-net/tunnelbridge/internal/ssh"
)

const (
	DefaultConnectTimeout       = 30 * time.Second
	DefaultKeepaliveInterval    = 15 * time.Second
	DefaultKeepaliveMaxFailures = 3
)

// Config controls how a Manager brings up chains.
type Config struct {
	// ConnectTimeout bounds the whole chain: every dial, channel open and
	// handshake. Zero means DefaultConnectTimeout.
	ConnectTimeout time.Duration

	// HostKeyCallback verifies every hop. Nil accepts any host key.
	HostKeyCallback ssh.HostKeyCallback

	KeepaliveInterval    time.Duration
	KeepaliveMaxFailures int
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if c.KeepaliveMaxFailures <= 0 {
		c.KeepaliveMaxFailures = DefaultKeepaliveMaxFailures
	}
	return c
}

// Manager connects chains. The first hop is dialed with the given dialer.
type Manager struct {
	cfg    Config
	dialer dialer.Dialer
	log    *zap.Logger

	// Hop sessions currently open across all transports from this manager.
	live atomic.Int64
}

func NewManager(cfg Config, d dialer.Dialer, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{cfg: cfg.withDefaults(), dialer: d, log: log}
}

// LiveSessions returns the number of open hop sessions. A connected chain of
// N hops contributes N.
func (m *Manager) LiveSessions() int64 {
	return m.live.Load()
}

// hopSession is an authenticated session to one hop.
type hopSession struct {
	hop    Hop
	client *ssh.Client
}

// Connect brings up every hop in chain, in order, and returns a Transport
// whose channels are opened at the last hop. On failure every hop that was
// already up is closed in reverse order and a *ConnectError is returned.
func (m *Manager) Connect(ctx context.Context, chain Chain) (*Transport, error) {
	if len(chain) == 0 {
		return nil, errors.New("transport: empty chain")
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	hops := make([]*hopSession, 0, len(chain))
	for i, hop := range chain {
		client, err := m.connectHop(ctx, hops, hop)
		if err != nil {
			m.teardown(hops)
			cerr := newConnectError(i+1, hop.Addr(), err)
			m.log.Warn("transport: hop failed",
				zap.Int("hop", i+1),
				zap.String("addr", hop.Addr()),
				zap.Stringer("kind", cerr.Kind),
				zap.Error(err))
			return nil, cerr
		}

		hops = append(hops, &hopSession{hop: hop, client: client})
		m.live.Inc()
		m.log.Info("transport: hop connected", zap.Int("hop", i+1), zap.Stringer("hop_spec", hop))
	}

	t := newTransport(m, hops)
	if !t.IsActive() {
		t.Close()
		return nil, newConnectError(len(chain), chain[len(chain)-1].Addr(), errors.New("session inactive after handshake"))
	}

	go t.keepalive(m.cfg.KeepaliveInterval, m.cfg.KeepaliveMaxFailures)
	return t, nil
}

// connectHop dials hop directly when it is first, or through the last
// established hop otherwise, and authenticates over that conn.
func (m *Manager) connectHop(ctx context.Context, up []*hopSession, hop Hop) (*ssh.Client, error) {
	var (
		conn net.Conn
		err  error
	)
	if len(up) == 0 {
		conn, err = m.dialer.DialContext(ctx, "tcp", hop.Addr())
	} else {
		conn, err = openDirect(ctx, up[len(up)-1].client, hop.Host, hop.port(), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	return internalssh.NewClient(ctx, conn, internalssh.ClientConfig{
		Username:        hop.Username,
		Password:        hop.Password,
		Signers:         internalssh.HopSigners(hop.KeyFile, m.log),
		HostKeyCallback: m.cfg.HostKeyCallback,
	}, hop.Addr())
}

// teardown closes hops last to first, logging but otherwise ignoring errors.
func (m *Manager) teardown(hops []*hopSession) {
	for i := len(hops) - 1; i >= 0; i-- {
		if err := hops[i].client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			m.log.Debug("transport: closing hop", zap.Stringer("hop_spec", hops[i].hop), zap.Error(err))
		}
		m.live.Dec()
	}
}
