package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/die-net/tunnelbridge/internal/transport"
)

// connect brings the chain up once and installs it as the current
// transport.
func (e *Engine) connect(ctx context.Context) error {
	e.emit(fmt.Sprintf("[*] Connecting to %s...", e.chain))

	t, err := e.manager.Connect(ctx, e.chain)
	if err != nil {
		e.emitConnectError(err)
		return err
	}

	e.mu.Lock()
	if e.runCtx == nil || e.runCtx.Err() != nil {
		e.mu.Unlock()
		t.Close()
		return ErrNotRunning
	}
	e.transport = t
	e.notifyLocked()
	e.mu.Unlock()

	e.setStatus(true, t)
	e.emit(fmt.Sprintf("[✓] SSH tunnel established (Keepalive: %s)", e.cfg.KeepaliveInterval.Duration()))
	return nil
}

func (e *Engine) emitConnectError(err error) {
	var cerr *transport.ConnectError
	if errors.As(err, &cerr) {
		switch cerr.Kind {
		case transport.KindTimeout:
			e.emit("[!] Connection timeout - Check network/firewall")
		case transport.KindAuth:
			e.emit("[!] Authentication failed - Check credentials")
		case transport.KindRefused:
			e.emit("[!] Connection refused - Check port/server status")
		}
	}
	e.emit(fmt.Sprintf("[!] Connection error: %v", err))
}

// Recover closes the current transport and connects the chain once. Only
// one recovery runs at a time; a concurrent call gets
// ErrRecoveryInProgress.
func (e *Engine) Recover(ctx context.Context) error {
	if !e.recovering.CompareAndSwap(false, true) {
		return ErrRecoveryInProgress
	}
	defer func() {
		e.recovering.Store(false)
		e.notify()
	}()

	if e.baseContext() == nil {
		return ErrNotRunning
	}

	old, _ := e.snapshot()
	if old != nil {
		e.emit("[*] Attempting to recover SSH connection...")
		old.Close()
		e.setStatus(false, nil)
	}

	if err := e.connect(ctx); err != nil {
		if old != nil {
			e.emit(fmt.Sprintf("[!] Recovery failed: %v", err))
		}
		return err
	}
	if old != nil {
		e.emit("[✓] Connection recovered successfully")
	}
	return nil
}

// reconnect returns an active transport, recovering if needed. Concurrent
// callers share one attempt, which runs under the run context so a caller
// giving up does not abort it for the others.
func (e *Engine) reconnect(ctx context.Context) (*transport.Transport, error) {
	base := e.baseContext()
	if base == nil {
		return nil, ErrNotRunning
	}

	ch := e.reconnects.DoChan("reconnect", func() (any, error) {
		t, changed := e.snapshot()
		if t != nil && t.IsActive() {
			return t, nil
		}

		err := e.Recover(base)
		if errors.Is(err, ErrRecoveryInProgress) {
			select {
			case <-base.Done():
				return nil, base.Err()
			case <-changed:
			}
			if t, _ := e.snapshot(); t != nil && t.IsActive() {
				return t, nil
			}
			return nil, errors.New("engine: concurrent recovery failed")
		}
		if err != nil {
			return nil, err
		}
		t, _ = e.snapshot()
		return t, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		t, _ := res.Val.(*transport.Transport)
		if t == nil {
			return nil, ErrNotRunning
		}
		return t, nil
	}
}

// connectWithRetry reconnects until it succeeds or the attempt ceiling is
// reached. Without auto reconnect only one attempt is made. The delay
// doubles after each failure, capped at the configured maximum.
func (e *Engine) connectWithRetry(ctx context.Context) error {
	attempts := e.cfg.ReconnectMaxAttempts
	if !e.cfg.AutoReconnect {
		attempts = 1
	}

	delay := e.initialDelay
	for attempt := 1; ; attempt++ {
		_, err := e.reconnect(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt >= attempts {
			e.setStatus(false, nil)
			e.emit("[!] Connection failed")
			return fmt.Errorf("%w after %d attempts: %w", ErrConnectFailed, attempt, err)
		}

		e.emit(fmt.Sprintf("[*] Retrying in %s (attempt %d/%d)", delay, attempt+1, attempts))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay = min(delay*2, e.maxDelay)
	}
}

// watch notices a lost transport and, with auto reconnect, brings it back.
// It returns an error once reconnecting gives up.
func (e *Engine) watch(ctx context.Context) error {
	for {
		t, changed := e.snapshot()
		switch {
		case e.recovering.Load():
			select {
			case <-ctx.Done():
				return nil
			case <-changed:
			}
			continue
		case t != nil && t.IsActive():
			select {
			case <-ctx.Done():
				return nil
			case <-changed:
			case <-t.Done():
			}
			continue
		}

		e.setStatus(false, nil)
		if !e.cfg.AutoReconnect {
			e.emit("[!] SSH connection lost")
			select {
			case <-ctx.Done():
				return nil
			case <-changed:
			}
			continue
		}

		e.emit("[!] SSH connection lost, reconnecting...")
		if err := e.connectWithRetry(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// ResetConnections closes every channel, cancels every relay task, clears
// the DNS cache and the health window. The transport is reconnected only
// when it is found inactive.
func (e *Engine) ResetConnections(ctx context.Context) error {
	e.emit("[*] Resetting connections...")

	t, _ := e.snapshot()
	closed := 0
	if t != nil {
		closed = t.CloseChannels()
	}
	e.pool.Reset()
	e.resolver.Cache().Clear()
	e.health.Reset()
	e.log.Info("engine: connections reset", zap.Int("channels", closed))

	if t != nil && t.IsActive() {
		e.emit("[*] SSH transport active, no need to reconnect")
	} else {
		e.emit("[*] SSH transport inactive, reconnecting...")
		if _, err := e.reconnect(ctx); err != nil {
			e.emit(fmt.Sprintf("[!] Reset failed: %v", err))
			return err
		}
	}

	e.emit("[✓] Connections reset completed")
	return nil
}

// tunnel opens channels on the engine's current transport. A transport
// found dead gets one inline reconnect before the open fails.
type tunnel struct {
	e *Engine
}

func (tn tunnel) OpenChannel(ctx context.Context, host string, port int, origin net.Addr, timeout time.Duration) (net.Conn, error) {
	e := tn.e
	for retried := false; ; retried = true {
		t, _ := e.snapshot()
		if t != nil && t.IsActive() {
			ch, err := t.OpenChannel(ctx, host, port, origin, timeout)
			if err == nil {
				return ch, nil
			}
			var openErr *transport.ChannelOpenError
			if errors.As(err, &openErr) || t.IsActive() || retried || ctx.Err() != nil {
				return nil, err
			}
		} else if retried {
			return nil, transport.ErrTransportClosed
		}

		e.emit("[!] SSH transport inactive, reconnecting...")
		if _, err := e.reconnect(ctx); err != nil {
			return nil, fmt.Errorf("inline reconnect: %w", err)
		}
	}
}
