package dialer

import (
	"net"
	"time"

	"github.com/die-net/tunnelbridge/internal/egress"
)

type Config struct {
	DialTimeout time.Duration
	KeepAlive   net.KeepAliveConfig

	// Policy selects the egress path for bonded dials.
	Policy egress.Policy
}
