//go:build !linux

package egress

import (
	"syscall"

	"go.uber.org/zap"
)

// Control is a no-op outside Linux; the source address alone selects the path.
func Control(Interface, *zap.Logger) func(network, address string, c syscall.RawConn) error {
	return nil
}
