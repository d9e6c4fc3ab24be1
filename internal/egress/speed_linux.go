//go:build linux

package egress

import (
	"os"
	"strconv"
	"strings"
)

// linkSpeed reads the advertised link speed in Mb/s from sysfs. Virtual and
// wireless links often report -1 or nothing; those map to 0.
func linkSpeed(name string) int {
	b, err := os.ReadFile("/sys/class/net/" + name + "/speed") //nolint:gosec // Name comes from net.Interfaces.
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
