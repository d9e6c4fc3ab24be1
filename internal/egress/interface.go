// Package egress tracks the local network paths available for outbound
// dials and picks one per new transport connection.
package egress

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// Type is a heuristic classification of an interface by its name.
type Type string

const (
	Ethernet Type = "Ethernet"
	WiFi     Type = "Wi-Fi"
	Cellular Type = "LTE/4G"
	Unknown  Type = "Unknown"
)

// Interface is one local egress path.
type Interface struct {
	Name      string
	Index     int
	Addr      netip.Addr
	Type      Type
	MTU       int
	SpeedMbps int
	Up        bool
	Enabled   bool
}

func (i Interface) String() string {
	return fmt.Sprintf("%s (%s) - %s", i.Name, i.Type, i.Addr)
}

// Classify guesses the link type from an interface name.
func Classify(name string) Type {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(name, "Wi-Fi"), strings.Contains(lower, "wlan"), strings.HasPrefix(lower, "wl"):
		return WiFi
	case strings.Contains(name, "LTE"), strings.Contains(lower, "wwan"), strings.HasPrefix(lower, "rmnet"):
		return Cellular
	case strings.Contains(name, "Ethernet"), strings.Contains(lower, "eth"), strings.HasPrefix(lower, "en"):
		return Ethernet
	default:
		return Unknown
	}
}

// Scan enumerates up, non-loopback interfaces that carry an IPv4 address.
// An interface with several IPv4 addresses yields one entry per address.
func Scan() ([]Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}

	var out []Interface
	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := ifi.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipn, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip, ok := netip.AddrFromSlice(ipn.IP)
			if !ok {
				continue
			}
			ip = ip.Unmap()
			if !ip.Is4() {
				continue
			}
			out = append(out, Interface{
				Name:      ifi.Name,
				Index:     ifi.Index,
				Addr:      ip,
				Type:      Classify(ifi.Name),
				MTU:       ifi.MTU,
				SpeedMbps: linkSpeed(ifi.Name),
				Up:        true,
			})
		}
	}
	return out, nil
}
