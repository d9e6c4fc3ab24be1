package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultWindow is the number of samples kept.
	DefaultWindow = 10
	// DefaultThreshold is the mean RTT above which an evaluation is a breach.
	DefaultThreshold = 2000 * time.Millisecond
	// DefaultInterval is the supervisor evaluation period.
	DefaultInterval = 10 * time.Second

	minSamples     = 3
	breachesToTrip = 3
)

// Config configures a Monitor. Zero fields take the package defaults.
type Config struct {
	Window    int
	Threshold time.Duration
	Interval  time.Duration
}

// Monitor is a ring of recent RTT samples plus an unhealthy streak counter.
type Monitor struct {
	cfg Config
	log *zap.Logger

	mu      sync.Mutex
	samples []time.Duration
	next    int
	full    bool
	streak  int
}

// NewMonitor returns a Monitor with an empty window.
func NewMonitor(cfg Config, log *zap.Logger) *Monitor {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{
		cfg:     cfg,
		log:     log,
		samples: make([]time.Duration, cfg.Window),
	}
}

// AddSample records one channel-open RTT. A sample at or under the threshold
// clears the unhealthy streak.
func (m *Monitor) AddSample(rtt time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.samples[m.next] = rtt
	m.next = (m.next + 1) % len(m.samples)
	if m.next == 0 {
		m.full = true
	}
	if rtt <= m.cfg.Threshold {
		m.streak = 0
	}
}

// IsHealthy evaluates the window. It reports true until at least three
// samples exist, and false once three consecutive evaluations have seen a
// mean above the threshold.
func (m *Monitor) IsHealthy() bool {
	healthy, _ := m.evaluate()
	return healthy
}

func (m *Monitor) evaluate() (bool, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.lenLocked()
	if n < minSamples {
		return true, 0
	}

	var sum time.Duration
	for _, s := range m.samples[:n] {
		sum += s
	}
	mean := sum / time.Duration(n)

	if mean <= m.cfg.Threshold {
		m.streak = 0
		return true, mean
	}
	m.streak++
	return m.streak < breachesToTrip, mean
}

func (m *Monitor) lenLocked() int {
	if m.full {
		return len(m.samples)
	}
	return m.next
}

// Len returns the number of samples currently in the window.
func (m *Monitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lenLocked()
}

// Streak returns the current count of consecutive breaching evaluations.
func (m *Monitor) Streak() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streak
}

// Reset empties the window and clears the streak.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.samples)
	m.next = 0
	m.full = false
	m.streak = 0
}

// Supervise evaluates health every configured interval until ctx is done.
// Degradation is logged and reported to onDegraded (which may be nil); it
// never forces a reconnect.
func (m *Monitor) Supervise(ctx context.Context, onDegraded func(mean time.Duration)) {
	t := time.NewTicker(m.cfg.Interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		healthy, mean := m.evaluate()
		if healthy {
			continue
		}
		m.log.Warn("health: connection unhealthy", zap.Duration("mean_rtt", mean))
		if onDegraded != nil {
			onDegraded(mean)
		}
	}
}
