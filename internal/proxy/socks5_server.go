package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http/httputil"
	"strconv"
	"time"

	txsocks5 "github.com/txthinking/socks5"
	"go.uber.org/zap"

	"github.com/die-net/tunnelbridge/internal/pool"
	"github.com/die-net/tunnelbridge/internal/resolver"
	"github.com/die-net/tunnelbridge/internal/socks5"
	"github.com/die-net/tunnelbridge/internal/stats"
	"github.com/die-net/tunnelbridge/internal/transport"
)

// Tunnel opens a stream to host:port through the remote end.
type Tunnel interface {
	OpenChannel(ctx context.Context, host string, port int, origin net.Addr, timeout time.Duration) (net.Conn, error)
}

// Resolver turns a domain name into an address.
type Resolver interface {
	Resolve(ctx context.Context, domain string) (string, error)
}

// RTTRecorder receives the time each successful channel open took.
type RTTRecorder interface {
	AddSample(rtt time.Duration)
}

// Scheduler runs relay tasks, usually a *pool.Pool.
type Scheduler interface {
	Go(task pool.Task)
}

// Deps are the collaborators of a SOCKS5Server. Tunnel, Resolver and Pool
// are required.
type Deps struct {
	Tunnel   Tunnel
	Resolver Resolver
	Health   RTTRecorder
	Pool     Scheduler
	Stats    *stats.Stats
	History  *stats.History

	// Events receives human-readable lines, e.g. traffic entries.
	Events func(string)
}

type SOCKS5Server struct {
	cfg  Config
	deps Deps
	bufs httputil.BufferPool
	log  *zap.Logger
}

func NewSOCKS5Server(cfg Config, deps Deps, log *zap.Logger) *SOCKS5Server {
	if log == nil {
		log = zap.NewNop()
	}
	if deps.Stats == nil {
		deps.Stats = stats.New()
	}
	cfg = cfg.withDefaults()
	return &SOCKS5Server{
		cfg:  cfg,
		deps: deps,
		bufs: NewBufferPool(cfg.BufferSize),
		log:  log,
	}
}

// Serve accepts clients until ctx is done or ln fails. Each client runs as
// a pool task. It returns nil when stopped through ctx.
func (s *SOCKS5Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
	})
	defer stop()

	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("socks5 accept: %w", err)
		}

		s.deps.Stats.ConnOpened()
		s.deps.Pool.Go(func(ctx context.Context) {
			defer s.deps.Stats.ConnClosed()
			s.handleConn(ctx, c)
		})
	}
}

func (s *SOCKS5Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	// The task context ends on pool reset or shutdown.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	client := conn.RemoteAddr().String()
	log := s.log.With(zap.String("client", client))

	_ = conn.SetDeadline(time.Now().Add(s.cfg.NegotiationTimeout))

	if err := socks5.ServerNegotiate(conn); err != nil {
		log.Debug("socks5: negotiation failed", zap.Error(err))
		return
	}

	req, err := socks5.ServerReadRequest(conn)
	if err != nil {
		switch {
		case errors.Is(err, socks5.ErrAddressNotSupported):
			_ = socks5.WriteReply(conn, socks5.RepAddressNotSupported)
		case errors.Is(err, socks5.ErrEmptyDomain):
			_ = socks5.WriteReply(conn, socks5.RepHostUnreachable)
		}
		log.Debug("socks5: bad request", zap.Error(err))
		return
	}

	host, portStr, err := net.SplitHostPort(req.Address())
	if err != nil {
		_ = socks5.WriteReply(conn, socks5.RepServerFailure)
		return
	}
	port, _ := strconv.Atoi(portStr)

	if req.Atyp == txsocks5.ATYPDomain {
		addr, err := s.deps.Resolver.Resolve(ctx, host)
		if err != nil {
			log.Warn("socks5: resolution failed", zap.String("domain", host), zap.Error(err))
			_ = socks5.WriteReply(conn, replyCode(err))
			return
		}
		host = addr
	}

	dest := net.JoinHostPort(host, portStr)
	if s.deps.History != nil {
		s.deps.History.Add(client, dest)
	}
	if s.cfg.LogTraffic {
		log.Info("socks5: traffic", zap.String("dest", dest))
		s.event(fmt.Sprintf("[Traffic] %s -> %s", client, dest))
	}

	start := time.Now()
	up, err := s.deps.Tunnel.OpenChannel(ctx, host, port, conn.RemoteAddr(), s.cfg.ChannelOpenTimeout)
	if err != nil {
		s.deps.Stats.ConnFailed()
		log.Debug("socks5: channel open failed", zap.String("dest", dest), zap.Error(err))
		_ = socks5.WriteReply(conn, replyCode(err))
		return
	}
	if s.deps.Health != nil {
		s.deps.Health.AddSample(time.Since(start))
	}
	defer up.Close()

	_ = conn.SetDeadline(time.Time{})
	if err := socks5.WriteReply(conn, socks5.RepSuccess); err != nil {
		return
	}

	err = CopyBidirectional(ctx, conn, up, s.bufs, s.deps.Stats.AddSent, s.deps.Stats.AddReceived)
	if err != nil && ctx.Err() == nil {
		log.Debug("socks5: relay ended", zap.String("dest", dest), zap.Error(err))
	}
}

func (s *SOCKS5Server) event(msg string) {
	if s.deps.Events != nil {
		s.deps.Events(msg)
	}
}

// replyCode maps a failure to the SOCKS5 reply sent to the client.
func replyCode(err error) byte {
	var resErr *resolver.ResolutionError
	var openErr *transport.ChannelOpenError
	switch {
	case errors.As(err, &resErr):
		return socks5.RepHostUnreachable
	case errors.As(err, &openErr):
		return socks5.RepConnectionRefused
	default:
		return socks5.RepServerFailure
	}
}
