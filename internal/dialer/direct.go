package dialer

import (
	"context"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/die-net/tunnelbridge/internal/egress"
)

type directDialer struct {
	cfg Config
}

func NewDirectDialer(cfg Config) Dialer {
	return &directDialer{cfg: cfg}
}

func (f *directDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return dial(ctx, f.cfg, network, address, nil, nil)
}

// dial connects to address, binding the source to iface when non-nil.
func dial(ctx context.Context, cfg Config, network, address string, iface *egress.Interface, log *zap.Logger) (net.Conn, error) {
	dd := net.Dialer{Timeout: cfg.DialTimeout, KeepAliveConfig: cfg.KeepAlive}
	if iface != nil {
		dd.LocalAddr = &net.TCPAddr{IP: iface.Addr.AsSlice()}
		dd.Control = egress.Control(*iface, log)
	}

	conn, err := dd.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", network, address, err)
	}

	return conn, nil
}
