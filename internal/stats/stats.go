package stats

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/atomic"
)

// DefaultSampleInterval is how often Run recomputes speeds.
const DefaultSampleInterval = time.Second

// Stats holds traffic counters. All methods are safe for concurrent use.
//
// Sent is client-to-destination traffic, Received is destination-to-client.
type Stats struct {
	sent     atomic.Uint64
	received atomic.Uint64

	total  atomic.Int64
	active atomic.Int64
	failed atomic.Int64

	start atomic.Time

	// Bytes per second over the last sample interval.
	upload   atomic.Float64
	download atomic.Float64
}

// Snapshot is a point-in-time copy of Stats.
type Snapshot struct {
	BytesSent         uint64
	BytesReceived     uint64
	ConnectionsTotal  int64
	ConnectionsActive int64
	ConnectionsFailed int64
	Uptime            time.Duration
	UploadSpeed       float64
	DownloadSpeed     float64
}

func New() *Stats {
	s := &Stats{}
	s.start.Store(time.Now())
	return s
}

func (s *Stats) AddSent(n int64) {
	if n > 0 {
		s.sent.Add(uint64(n))
	}
}

func (s *Stats) AddReceived(n int64) {
	if n > 0 {
		s.received.Add(uint64(n))
	}
}

// ConnOpened counts a new client connection.
func (s *Stats) ConnOpened() {
	s.total.Inc()
	s.active.Inc()
}

// ConnClosed marks a client connection as finished. Active never goes
// below zero, even across a Reset.
func (s *Stats) ConnClosed() {
	for {
		cur := s.active.Load()
		if cur <= 0 || s.active.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// ConnFailed counts a client whose channel could not be opened.
func (s *Stats) ConnFailed() {
	s.failed.Inc()
}

func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		BytesSent:         s.sent.Load(),
		BytesReceived:     s.received.Load(),
		ConnectionsTotal:  s.total.Load(),
		ConnectionsActive: s.active.Load(),
		ConnectionsFailed: s.failed.Load(),
		Uptime:            time.Since(s.start.Load()),
		UploadSpeed:       s.upload.Load(),
		DownloadSpeed:     s.download.Load(),
	}
}

// Reset zeroes every counter and restarts the uptime clock.
func (s *Stats) Reset() {
	s.sent.Store(0)
	s.received.Store(0)
	s.total.Store(0)
	s.active.Store(0)
	s.failed.Store(0)
	s.upload.Store(0)
	s.download.Store(0)
	s.start.Store(time.Now())
}

// Run recomputes upload and download speed every interval until ctx is
// done, then zeroes both.
func (s *Stats) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastSent, lastReceived := s.sent.Load(), s.received.Load()
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			s.upload.Store(0)
			s.download.Store(0)
			return
		case now := <-ticker.C:
			sent, received := s.sent.Load(), s.received.Load()
			s.sample(sent, received, lastSent, lastReceived, now.Sub(last))
			lastSent, lastReceived, last = sent, received, now
		}
	}
}

func (s *Stats) sample(sent, received, lastSent, lastReceived uint64, elapsed time.Duration) {
	secs := elapsed.Seconds()
	if secs <= 0 {
		return
	}
	// A Reset between samples makes the counters go backwards.
	var up, down float64
	if sent >= lastSent {
		up = float64(sent-lastSent) / secs
	}
	if received >= lastReceived {
		down = float64(received-lastReceived) / secs
	}
	s.upload.Store(up)
	s.download.Store(down)
}

var units = []string{"B", "KB", "MB", "GB", "TB"}

// FormatBytes renders n with two decimals in binary units, e.g. "1.50 KB".
func FormatBytes(n float64) string {
	for _, unit := range units {
		if n < 1024 {
			return fmt.Sprintf("%.2f %s", n, unit)
		}
		n /= 1024
	}
	return fmt.Sprintf("%.2f PB", n)
}
