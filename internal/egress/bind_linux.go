//go:build linux

package egress

import (
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Control returns a net.Dialer Control hook that pins the socket to iface's
// device. Failure to bind the device (usually missing privileges) is logged
// and the dial continues with only the source address bound.
func Control(iface Interface, log *zap.Logger) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var bindErr error
		err := c.Control(func(fd uintptr) {
			bindErr = unix.BindToDevice(int(fd), iface.Name)
		})
		if err != nil {
			return err
		}
		if bindErr != nil && log != nil {
			log.Debug("egress: bind to device failed", zap.String("iface", iface.Name), zap.Error(bindErr))
		}
		return nil
	}
}
