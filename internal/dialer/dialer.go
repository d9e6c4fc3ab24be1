package dialer

import (
	"context"
	"net"

	"go.uber.org/zap"

	"github.com/die-net/tunnelbridge/internal/egress"
)

// Dialer mirrors the net.Dialer interface.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// New returns a bonded dialer when sel is non-nil, else a direct one.
func New(cfg Config, sel *egress.Selector, log *zap.Logger) Dialer {
	if sel == nil {
		return NewDirectDialer(cfg)
	}
	return NewBondedDialer(cfg, sel, log)
}
