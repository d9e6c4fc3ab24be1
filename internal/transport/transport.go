package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	internalssh "github.com/die-net/tunnelbridge/internal/ssh"
)

// Transport is a connected chain. Channels are opened at the last hop.
type Transport struct {
	m    *Manager
	hops []*hopSession
	log  *zap.Logger

	mu       sync.Mutex
	channels map[*Channel]struct{}
	closed   bool

	closeOnce sync.Once
	closing   chan struct{}
	// dead is closed when the final session's connection ends.
	dead chan struct{}
}

func newTransport(m *Manager, hops []*hopSession) *Transport {
	t := &Transport{
		m:        m,
		hops:     hops,
		log:      m.log,
		channels: make(map[*Channel]struct{}),
		closing:  make(chan struct{}),
		dead:     make(chan struct{}),
	}
	go func() {
		_ = t.final().Wait()
		close(t.dead)
	}()
	return t
}

func (t *Transport) final() *ssh.Client {
	return t.hops[len(t.hops)-1].client
}

// Hops returns the number of hops in the chain.
func (t *Transport) Hops() int {
	return len(t.hops)
}

// Done is closed once the transport can no longer open channels.
func (t *Transport) Done() <-chan struct{} {
	return t.dead
}

// IsActive reports whether the transport is open and its final session is
// still connected.
func (t *Transport) IsActive() bool {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return false
	}
	select {
	case <-t.dead:
		return false
	default:
		return true
	}
}

// OpenChannel opens a channel from the final hop to host:port. origin is
// reported to the final hop as the originator and may be nil. A positive
// timeout bounds the open.
//
// A *ChannelOpenError means the final hop refused; any other error means
// the transport itself is in trouble.
func (t *Transport) OpenChannel(ctx context.Context, host string, port int, origin net.Addr, timeout time.Duration) (*Channel, error) {
	if !t.IsActive() {
		return nil, ErrTransportClosed
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	ch, err := openDirect(ctx, t.final(), host, port, origin)
	if err != nil {
		var openErr *ssh.OpenChannelError
		if errors.As(err, &openErr) {
			return nil, &ChannelOpenError{Addr: addr, Err: err}
		}
		return nil, fmt.Errorf("transport: open channel to %s: %w", addr, err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = ch.Close()
		return nil, ErrTransportClosed
	}
	ch.onClose = t.untrack
	t.channels[ch] = struct{}{}
	t.mu.Unlock()

	return ch, nil
}

func (t *Transport) untrack(ch *Channel) {
	t.mu.Lock()
	delete(t.channels, ch)
	t.mu.Unlock()
}

// ChannelCount returns the size of the live-set.
func (t *Transport) ChannelCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.channels)
}

// CloseChannels empties the live-set and closes every channel that was in
// it. It returns how many were closed.
func (t *Transport) CloseChannels() int {
	t.mu.Lock()
	channels := t.channels
	t.channels = make(map[*Channel]struct{})
	t.mu.Unlock()

	for ch := range channels {
		if err := ch.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			t.log.Debug("transport: closing channel", zap.Stringer("addr", ch.RemoteAddr()), zap.Error(err))
		}
	}
	return len(channels)
}

// Close closes all channels, then every hop from last to first. Safe to
// call more than once.
func (t *Transport) Close() {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		close(t.closing)

		t.CloseChannels()
		t.m.teardown(t.hops)
		t.log.Info("transport: closed", zap.Int("hops", len(t.hops)))
	})
}

// keepalive probes the final session every interval and closes the
// transport after maxFailures consecutive failures.
func (t *Transport) keepalive(interval time.Duration, maxFailures int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-t.closing:
			return
		case <-t.dead:
			t.log.Warn("transport: session lost")
			t.Close()
			return
		case <-ticker.C:
		}

		if err := t.ping(interval); err != nil {
			failures++
			t.log.Debug("transport: keepalive failed", zap.Int("failures", failures), zap.Error(err))
			if failures >= maxFailures {
				t.log.Warn("transport: keepalive failed, closing", zap.Int("failures", failures))
				t.Close()
				return
			}
			continue
		}
		failures = 0
	}
}

var errKeepaliveTimeout = errors.New("keepalive timed out")

func (t *Transport) ping(timeout time.Duration) error {
	errc := make(chan error, 1)
	go func() {
		_, _, err := t.final().SendRequest(internalssh.KeepaliveRequest, true, nil)
		errc <- err
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-errc:
		return err
	case <-timer.C:
		return errKeepaliveTimeout
	case <-t.closing:
		return nil
	}
}
