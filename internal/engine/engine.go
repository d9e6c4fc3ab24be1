package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/die-net/tunnelbridge/internal/dialer"
	"github.com/die-net/tunnelbridge/internal/egress"
	"github.com/die-net/tunnelbridge/internal/health"
	"github.com/die-net/tunnelbridge/internal/pool"
	"github.com/die-net/tunnelbridge/internal/proxy"
	"github.com/die-net/tunnelbridge/internal/resolver"
	internalssh "github.com/die-net/tunnelbridge/internal/ssh"
	"github.com/die-net/tunnelbridge/internal/stats"
	"github.com/die-net/tunnelbridge/internal/transport"
)

var (
	ErrRecoveryInProgress = errors.New("engine: recovery already in progress")
	ErrNotRunning         = errors.New("engine: not running")
	ErrAlreadyRunning     = errors.New("engine: already running")
	ErrConnectFailed      = errors.New("engine: connection failed")
)

// StatusFunc is called on every connected/disconnected transition. t is nil
// when disconnected.
type StatusFunc func(connected bool, t *transport.Transport)

type Option func(*Engine)

func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) { e.log = log }
}

func WithStatusFunc(fn StatusFunc) Option {
	return func(e *Engine) { e.onStatus = fn }
}

// WithLogFunc receives human-readable event lines.
func WithLogFunc(fn func(string)) Option {
	return func(e *Engine) { e.onLog = fn }
}

// WithSelector supplies the egress selector used when WAN bonding is on.
// Without it the engine scans interfaces itself.
func WithSelector(sel *egress.Selector) Option {
	return func(e *Engine) { e.selector = sel }
}

func WithStats(s *stats.Stats) Option {
	return func(e *Engine) { e.stats = s }
}

func WithHistory(h *stats.History) Option {
	return func(e *Engine) { e.history = h }
}

// WithKeepAlive sets TCP keepalive for the SOCKS5 listener and the first hop.
func WithKeepAlive(ka net.KeepAliveConfig) Option {
	return func(e *Engine) { e.keepAlive = ka }
}

// Engine ties the SOCKS5 front to a tunnel chain and keeps the chain up.
type Engine struct {
	cfg   Config
	chain transport.Chain
	log   *zap.Logger

	onStatus StatusFunc
	onLog    func(string)

	keepAlive net.KeepAliveConfig
	selector  *egress.Selector
	manager   *transport.Manager
	resolver  *resolver.Resolver
	optimizer *resolver.Optimizer
	health    *health.Monitor
	pool      *pool.Pool
	stats     *stats.Stats
	history   *stats.History

	initialDelay time.Duration
	maxDelay     time.Duration

	recovering atomic.Bool
	reconnects singleflight.Group

	mu        sync.Mutex
	runCtx    context.Context
	transport *transport.Transport
	changed   chan struct{}
	addr      net.Addr
	current   resolver.Server
	cancel    context.CancelFunc
	done      chan struct{}

	statusMu  sync.Mutex
	connected bool
	statusT   *transport.Transport
}

// New builds an engine for chain. Nothing is dialed until Run.
func New(cfg Config, chain transport.Chain, opts ...Option) (*Engine, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := chain.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:     cfg,
		chain:   append(transport.Chain(nil), chain...),
		changed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	if e.stats == nil {
		e.stats = stats.New()
	}
	if e.history == nil {
		e.history = stats.NewHistory(cfg.ConnectionHistory)
	}
	e.initialDelay = cfg.ReconnectInitialDelay.Duration()
	e.maxDelay = cfg.ReconnectMaxDelay.Duration()

	hostKeys, err := internalssh.NewHostKeyCallback(cfg.KnownHosts, e.log)
	if err != nil {
		return nil, fmt.Errorf("engine: known hosts: %w", err)
	}

	policy, _ := egress.ParsePolicy(cfg.LoadBalancingMode)
	var sel *egress.Selector
	if cfg.WANBondingEnabled {
		sel = e.selector
		if sel == nil {
			sel = egress.NewSelector()
			if _, err := sel.Scan(); err != nil {
				return nil, fmt.Errorf("engine: scan interfaces: %w", err)
			}
		}
		if len(sel.Enabled()) == 0 {
			n := sel.EnableNames(cfg.WANInterfaces...)
			e.log.Info("engine: wan bonding", zap.Int("interfaces", n), zap.String("policy", string(policy)))
		}
		e.selector = sel
	}

	d := dialer.New(dialer.Config{
		DialTimeout: cfg.ConnectionTimeout.Duration(),
		KeepAlive:   e.keepAlive,
		Policy:      policy,
	}, sel, e.log)

	e.manager = transport.NewManager(transport.Config{
		ConnectTimeout:       cfg.ConnectionTimeout.Duration(),
		HostKeyCallback:      hostKeys,
		KeepaliveInterval:    cfg.KeepaliveInterval.Duration(),
		KeepaliveMaxFailures: cfg.KeepaliveMaxFailures,
	}, d, e.log)

	var upstreams []resolver.Server
	if cfg.DNSPrimary != "" {
		upstreams = append(upstreams, resolver.Server{Name: "Primary", Addr: cfg.DNSPrimary})
	}
	if cfg.DNSSecondary != "" {
		upstreams = append(upstreams, resolver.Server{Name: "Secondary", Addr: cfg.DNSSecondary})
	}
	e.resolver = resolver.New(resolver.Config{
		Upstreams: upstreams,
		Timeout:   cfg.DNSTimeout.Duration(),
		TTL:       cfg.DNSCacheTTL.Duration(),
	}, e.log)
	e.optimizer = resolver.NewOptimizer(cfg.DNSTestRounds, e.log)

	e.health = health.NewMonitor(health.Config{
		Threshold: time.Duration(cfg.HealthThresholdMS) * time.Millisecond,
		Interval:  cfg.HealthCheckInterval.Duration(),
	}, e.log)

	e.pool = pool.New(cfg.MaxThreads)
	return e, nil
}

// Run connects the chain, serves SOCKS5 and keeps the chain up until ctx is
// done. It returns nil when stopped through ctx and an error wrapping
// ErrConnectFailed once the reconnect attempts are used up.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mu.Lock()
	if e.runCtx != nil {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	e.runCtx = ctx
	e.mu.Unlock()

	err := e.run(ctx)
	if ctx.Err() != nil && !errors.Is(err, ErrConnectFailed) {
		err = nil
	}
	cancel()
	e.shutdown()
	return err
}

func (e *Engine) run(ctx context.Context) error {
	if e.cfg.DNSOptimization {
		if _, err := e.OptimizeDNS(ctx); err != nil {
			return err
		}
	}

	if err := e.connectWithRetry(ctx); err != nil {
		return err
	}

	ln, err := proxy.ListenTCP(ctx, e.cfg.ListenAddr(), e.keepAlive)
	if err != nil {
		e.emit(fmt.Sprintf("[!] Failed to start SOCKS5 server: %v", err))
		return fmt.Errorf("engine: listen: %w", err)
	}
	e.mu.Lock()
	e.addr = ln.Addr()
	e.mu.Unlock()
	e.emit(fmt.Sprintf("[*] SOCKS5 Server listening on %s", ln.Addr()))

	srv := proxy.NewSOCKS5Server(proxy.Config{
		ChannelOpenTimeout: e.cfg.ChannelOpenTimeout.Duration(),
		KeepAlive:          e.keepAlive,
		LogTraffic:         e.cfg.LogTraffic,
	}, proxy.Deps{
		Tunnel:   tunnel{e},
		Resolver: e.resolver,
		Health:   e.health,
		Pool:     e.pool,
		Stats:    e.stats,
		History:  e.history,
		Events:   e.emit,
	}, e.log)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(ctx, ln)
	})
	g.Go(func() error {
		e.health.Supervise(ctx, func(mean time.Duration) {
			e.emit(fmt.Sprintf("[!] Connection unhealthy (avg RTT %dms)", mean.Milliseconds()))
		})
		return nil
	})
	g.Go(func() error {
		e.stats.Run(ctx, stats.DefaultSampleInterval)
		return nil
	})
	if e.cfg.AutoResetInterval > 0 {
		g.Go(func() error {
			e.autoReset(ctx, e.cfg.AutoResetInterval.Duration())
			return nil
		})
	}
	g.Go(func() error {
		return e.watch(ctx)
	})
	return g.Wait()
}

func (e *Engine) shutdown() {
	e.pool.Reset()

	e.mu.Lock()
	t := e.transport
	e.transport = nil
	e.runCtx = nil
	e.addr = nil
	e.notifyLocked()
	e.mu.Unlock()

	if t != nil {
		t.Close()
	}
	e.setStatus(false, nil)
	e.emit("[*] Proxy server stopped")
}

// Start runs the engine in the background. After a terminal failure, Stop
// and Start again to retry.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.done != nil {
		select {
		case <-e.done:
		default:
			e.mu.Unlock()
			return ErrAlreadyRunning
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	e.cancel, e.done = cancel, done
	e.mu.Unlock()

	go func() {
		defer close(done)
		if err := e.Run(ctx); err != nil {
			e.log.Error("engine: stopped", zap.Error(err))
		}
	}()
	return nil
}

// Stop ends a run begun with Start and waits for it to wind down.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Addr returns the bound SOCKS5 address, or nil when not listening.
func (e *Engine) Addr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.addr
}

func (e *Engine) Connected() bool {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	return e.connected
}

// Transport returns the current transport, which may be inactive or nil.
func (e *Engine) Transport() *transport.Transport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transport
}

// GetThreadCount returns the number of queued or running relay tasks.
func (e *Engine) GetThreadCount() int {
	return e.pool.Count()
}

func (e *Engine) Stats() *stats.Stats          { return e.stats }
func (e *Engine) History() *stats.History      { return e.history }
func (e *Engine) Health() *health.Monitor      { return e.health }
func (e *Engine) Resolver() *resolver.Resolver { return e.resolver }

// CurrentResolver returns the optimized resolver if one was picked, else the
// first configured upstream, else the system resolver.
func (e *Engine) CurrentResolver() resolver.Server {
	e.mu.Lock()
	current := e.current
	e.mu.Unlock()
	if current.Addr != "" {
		return current
	}
	if ups := e.resolver.Upstreams(); len(ups) > 0 {
		return ups[0]
	}
	return resolver.Server{Name: "System"}
}

// OptimizeDNS probes the public resolvers and switches to the best one.
func (e *Engine) OptimizeDNS(ctx context.Context) (resolver.OptimizeResult, error) {
	e.emit("[*] Optimizing DNS servers...")
	res := e.optimizer.Optimize(ctx)
	if err := ctx.Err(); err != nil {
		return res, err
	}

	e.resolver.SetUpstreams(res.Best)
	e.mu.Lock()
	e.current = res.Best
	e.mu.Unlock()
	e.emit(fmt.Sprintf("[✓] Using DNS: %s (%s)", res.Best.Name, res.Best.Addr))
	return res, nil
}

func (e *Engine) emit(msg string) {
	if e.onLog != nil {
		e.onLog(msg)
	}
}

func (e *Engine) setStatus(connected bool, t *transport.Transport) {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	if connected == e.connected && t == e.statusT {
		return
	}
	e.connected, e.statusT = connected, t
	if e.onStatus != nil {
		e.onStatus(connected, t)
	}
}

// notifyLocked wakes everything waiting for the transport to change.
func (e *Engine) notifyLocked() {
	close(e.changed)
	e.changed = make(chan struct{})
}

func (e *Engine) notify() {
	e.mu.Lock()
	e.notifyLocked()
	e.mu.Unlock()
}

func (e *Engine) snapshot() (*transport.Transport, <-chan struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transport, e.changed
}

func (e *Engine) baseContext() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runCtx
}

func (e *Engine) autoReset(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if err := e.ResetConnections(ctx); err != nil && ctx.Err() == nil {
			e.log.Warn("engine: auto reset", zap.Error(err))
		}
	}
}
