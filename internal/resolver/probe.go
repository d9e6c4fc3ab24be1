package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

const (
	probeID = 0xaabb

	// DefaultProbeTimeout bounds one probe round trip.
	DefaultProbeTimeout = 2 * time.Second
	// MaxProbeTimeout is the ceiling applied to any configured probe timeout.
	MaxProbeTimeout = 3 * time.Second

	headerLen = 12
)

var errBadReply = errors.New("invalid dns reply")

// BuildProbe returns a minimal recursive A/IN query for hostname with a
// fixed transaction id and a single question.
func BuildProbe(hostname string) ([]byte, error) {
	m := &dns.Msg{
		MsgHdr: dns.MsgHdr{
			Id:               probeID,
			Opcode:           dns.OpcodeQuery,
			RecursionDesired: true,
		},
		Question: []dns.Question{{
			Name:   dns.Fqdn(hostname),
			Qtype:  dns.TypeA,
			Qclass: dns.ClassINET,
		}},
	}
	b, err := m.Pack()
	if err != nil {
		return nil, fmt.Errorf("build probe for %q: %w", hostname, err)
	}
	return b, nil
}

// ValidReply reports whether b is longer than a bare header and carries a
// zero response code.
func ValidReply(b []byte) bool {
	return len(b) > headerLen && b[3]&0x0f == 0
}

// Probe sends one raw query for hostname to server and returns the round
// trip time of a valid reply.
func Probe(ctx context.Context, server Server, hostname string, timeout time.Duration) (time.Duration, error) {
	if timeout <= 0 || timeout > MaxProbeTimeout {
		timeout = MaxProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	query, err := BuildProbe(hostname)
	if err != nil {
		return 0, err
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", server.hostPort())
	if err != nil {
		return 0, fmt.Errorf("probe %s: %w", server.Addr, err)
	}
	defer conn.Close()

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}

	start := time.Now()
	if _, err := conn.Write(query); err != nil {
		return 0, fmt.Errorf("probe %s: %w", server.Addr, err)
	}
	buf := make([]byte, 512)
	n, err := conn.Read(buf)
	if err != nil {
		return 0, fmt.Errorf("probe %s: %w", server.Addr, err)
	}
	rtt := time.Since(start)

	if !ValidReply(buf[:n]) {
		return 0, fmt.Errorf("probe %s: %w", server.Addr, errBadReply)
	}
	return rtt, nil
}
