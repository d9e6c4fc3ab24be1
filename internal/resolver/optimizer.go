package resolver

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultProbeHost is the name looked up by every probe.
	DefaultProbeHost = "google.com"
	// DefaultRounds is the number of probes sent per server.
	DefaultRounds = 3
	// DefaultMaxLatency discards slower samples as failures.
	DefaultMaxLatency = 5 * time.Second

	passRate = 50.0
)

// PublicServers are the resolvers the optimizer chooses between.
var PublicServers = []Server{
	{Name: "Google Primary", Addr: "8.8.8.8"},
	{Name: "Google Secondary", Addr: "8.8.4.4"},
	{Name: "Cloudflare Primary", Addr: "1.1.1.1"},
	{Name: "Cloudflare Secondary", Addr: "1.0.0.1"},
	{Name: "OpenDNS Primary", Addr: "208.67.222.222"},
	{Name: "OpenDNS Secondary", Addr: "208.67.220.220"},
	{Name: "Shecan Primary", Addr: "178.22.122.100"},
	{Name: "Shecan Secondary", Addr: "185.51.200.2"},
}

// DefaultServer is reported when no server passes.
var DefaultServer = Server{Name: "Default", Addr: "8.8.8.8"}

// ServerResult is the outcome of probing one server.
type ServerResult struct {
	Server      Server
	AvgLatency  time.Duration
	SuccessRate float64 // percent of rounds answered
	Passed      bool
}

// OptimizeResult is the chosen server and every server's measurements.
type OptimizeResult struct {
	Best        Server
	AvgLatency  time.Duration
	SuccessRate float64
	Results     []ServerResult
}

// Optimizer measures public resolvers.
type Optimizer struct {
	Servers    []Server
	Hostname   string
	Rounds     int
	Timeout    time.Duration
	MaxLatency time.Duration

	Log *zap.Logger
}

// NewOptimizer returns an Optimizer over PublicServers with default settings.
func NewOptimizer(rounds int, log *zap.Logger) *Optimizer {
	return &Optimizer{Rounds: rounds, Log: log}
}

func (o *Optimizer) withDefaults() Optimizer {
	c := *o
	if len(c.Servers) == 0 {
		c.Servers = PublicServers
	}
	if c.Hostname == "" {
		c.Hostname = DefaultProbeHost
	}
	if c.Rounds <= 0 {
		c.Rounds = DefaultRounds
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultProbeTimeout
	}
	if c.MaxLatency <= 0 {
		c.MaxLatency = DefaultMaxLatency
	}
	if c.Log == nil {
		c.Log = zap.NewNop()
	}
	return c
}

// Optimize probes every server and picks the passing one with the lowest
// mean latency. Servers are probed concurrently; each server's rounds run
// one after another. If none pass, Best is DefaultServer with zero latency.
func (o *Optimizer) Optimize(ctx context.Context) OptimizeResult {
	opt := o.withDefaults()
	opt.Log.Info("resolver: testing dns servers", zap.Int("servers", len(opt.Servers)), zap.Int("rounds", opt.Rounds))

	results := make([]ServerResult, len(opt.Servers))
	var g errgroup.Group
	for i, s := range opt.Servers {
		g.Go(func() error {
			results[i] = opt.measure(ctx, s)
			return nil
		})
	}
	_ = g.Wait()

	best := -1
	for i, r := range results {
		if !r.Passed {
			opt.Log.Info("resolver: server failed", zap.Stringer("server", r.Server), zap.Float64("success_rate", r.SuccessRate))
			continue
		}
		opt.Log.Info("resolver: server passed", zap.Stringer("server", r.Server), zap.Duration("avg", r.AvgLatency), zap.Float64("success_rate", r.SuccessRate))
		if best < 0 || r.AvgLatency < results[best].AvgLatency {
			best = i
		}
	}

	if best < 0 {
		opt.Log.Warn("resolver: no reliable dns servers found, using default", zap.Stringer("server", DefaultServer))
		return OptimizeResult{Best: DefaultServer, Results: results}
	}

	r := results[best]
	opt.Log.Info("resolver: best dns server", zap.Stringer("server", r.Server), zap.Duration("avg", r.AvgLatency))
	return OptimizeResult{
		Best:        r.Server,
		AvgLatency:  r.AvgLatency,
		SuccessRate: r.SuccessRate,
		Results:     results,
	}
}

func (o *Optimizer) measure(ctx context.Context, s Server) ServerResult {
	var total time.Duration
	ok := 0
	for range o.Rounds {
		if ctx.Err() != nil {
			break
		}
		rtt, err := Probe(ctx, s, o.Hostname, o.Timeout)
		if err != nil {
			o.Log.Debug("resolver: probe failed", zap.Stringer("server", s), zap.Error(err))
			continue
		}
		if rtt >= o.MaxLatency {
			continue
		}
		total += rtt
		ok++
	}

	res := ServerResult{Server: s}
	if ok == 0 {
		return res
	}
	res.AvgLatency = total / time.Duration(ok)
	res.SuccessRate = float64(ok) / float64(o.Rounds) * 100
	res.Passed = res.SuccessRate >= passRate
	return res
}
