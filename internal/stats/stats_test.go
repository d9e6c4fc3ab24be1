package stats

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	t.Parallel()

	s := New()
	s.ConnOpened()
	s.ConnOpened()
	s.ConnClosed()
	s.ConnFailed()
	s.AddSent(100)
	s.AddReceived(2048)
	s.AddSent(-1)

	snap := s.Snapshot()
	if snap.ConnectionsTotal != 2 || snap.ConnectionsActive != 1 || snap.ConnectionsFailed != 1 {
		t.Errorf("connections = %d/%d/%d, want 2/1/1", snap.ConnectionsTotal, snap.ConnectionsActive, snap.ConnectionsFailed)
	}
	if snap.BytesSent != 100 || snap.BytesReceived != 2048 {
		t.Errorf("bytes = %d/%d, want 100/2048", snap.BytesSent, snap.BytesReceived)
	}

	s.Reset()
	s.ConnClosed()
	snap = s.Snapshot()
	if snap.ConnectionsActive != 0 {
		t.Errorf("active after reset = %d, want 0", snap.ConnectionsActive)
	}
	if snap.BytesSent != 0 || snap.ConnectionsTotal != 0 {
		t.Errorf("counters not reset: %+v", snap)
	}
}

func TestSample(t *testing.T) {
	t.Parallel()

	s := New()
	s.sample(3000, 1000, 1000, 0, 2*time.Second)
	snap := s.Snapshot()
	if snap.UploadSpeed != 1000 || snap.DownloadSpeed != 500 {
		t.Errorf("speeds = %v/%v, want 1000/500", snap.UploadSpeed, snap.DownloadSpeed)
	}

	// Counters went backwards after a reset.
	s.sample(0, 0, 3000, 1000, time.Second)
	snap = s.Snapshot()
	if snap.UploadSpeed != 0 || snap.DownloadSpeed != 0 {
		t.Errorf("speeds after reset = %v/%v, want 0/0", snap.UploadSpeed, snap.DownloadSpeed)
	}
}

func TestRunSamplesUntilCanceled(t *testing.T) {
	t.Parallel()

	s := New()
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, 10*time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for s.Snapshot().UploadSpeed == 0 {
		if time.Now().After(deadline) {
			t.Fatal("speed never sampled")
		}
		s.AddSent(1024)
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	<-done
	if snap := s.Snapshot(); snap.UploadSpeed != 0 {
		t.Errorf("speed after stop = %v, want 0", snap.UploadSpeed)
	}
}

func TestFormatBytes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   float64
		want string
	}{
		{0, "0.00 B"},
		{1023, "1023.00 B"},
		{1536, "1.50 KB"},
		{5 * 1024 * 1024, "5.00 MB"},
		{3 * 1024 * 1024 * 1024 * 1024, "3.00 TB"},
		{2048 * 1024 * 1024 * 1024 * 1024, "2.00 PB"},
	}
	for _, tt := range tests {
		if got := FormatBytes(tt.in); got != tt.want {
			t.Errorf("FormatBytes(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestHistory(t *testing.T) {
	t.Parallel()

	h := NewHistory(3)
	if got := h.Recent(); len(got) != 0 {
		t.Fatalf("empty history returned %d entries", len(got))
	}

	for _, d := range []string{"a:1", "b:2", "c:3", "d:4"} {
		h.Add("127.0.0.1:5000", d)
	}
	if h.Len() != 3 {
		t.Errorf("Len() = %d, want 3", h.Len())
	}

	got := h.Recent()
	var dests []string
	for _, c := range got {
		dests = append(dests, c.Destination)
	}
	if strings.Join(dests, ",") != "b:2,c:3,d:4" {
		t.Errorf("Recent() = %v, want oldest-first b,c,d", dests)
	}

	h.Clear()
	if h.Len() != 0 || len(h.Recent()) != 0 {
		t.Error("history not cleared")
	}
}

func TestCollector(t *testing.T) {
	t.Parallel()

	s := New()
	s.ConnOpened()
	s.AddSent(42)

	c := NewCollector(s, func() int { return 7 })
	if n := testutil.CollectAndCount(c); n != 9 {
		t.Errorf("CollectAndCount = %d, want 9", n)
	}

	expected := `
# HELP tunnelbridge_sent_bytes_total Bytes relayed from clients to destinations.
# TYPE tunnelbridge_sent_bytes_total counter
tunnelbridge_sent_bytes_total 42
# HELP tunnelbridge_relay_tasks Relay tasks in flight in the worker pool.
# TYPE tunnelbridge_relay_tasks gauge
tunnelbridge_relay_tasks 7
`
	if err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"tunnelbridge_sent_bytes_total", "tunnelbridge_relay_tasks"); err != nil {
		t.Error(err)
	}
}
