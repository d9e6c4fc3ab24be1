package dialer

import (
	"context"
	"net"

	"go.uber.org/zap"

	"github.com/die-net/tunnelbridge/internal/egress"
)

// BondedDialer binds each outbound connection to a local path chosen by an
// egress.Selector.
//
// Next is called exactly once per DialContext. If the selector has no
// enabled paths, or the bound dial fails, the dial falls back to the default
// route.
type BondedDialer struct {
	cfg Config
	sel *egress.Selector
	log *zap.Logger
}

func NewBondedDialer(cfg Config, sel *egress.Selector, log *zap.Logger) *BondedDialer {
	if log == nil {
		log = zap.NewNop()
	}
	return &BondedDialer{cfg: cfg, sel: sel, log: log}
}

func (f *BondedDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	iface, ok := f.sel.Next(f.cfg.Policy)
	if !ok {
		f.log.Debug("dialer: no egress path enabled, using default route", zap.String("addr", address))
		return dial(ctx, f.cfg, network, address, nil, nil)
	}

	conn, err := dial(ctx, f.cfg, network, address, &iface, f.log)
	if err == nil {
		f.log.Info("dialer: using interface",
			zap.String("iface", iface.Name),
			zap.String("type", string(iface.Type)),
			zap.Stringer("local", iface.Addr))
		return conn, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}

	f.log.Warn("dialer: bound dial failed, using default route", zap.String("iface", iface.Name), zap.Error(err))
	return dial(ctx, f.cfg, network, address, nil, nil)
}
