package transport

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

var errDeadlineUnsupported = errors.New("transport: deadline not supported on ssh channel")

// directTCPIP is the RFC 4254 section 7.2 channel open payload.
type directTCPIP struct {
	Host       string
	Port       uint32
	OriginHost string
	OriginPort uint32
}

// Channel is one "direct-tcpip" stream over an SSH session, usable as a
// net.Conn. Deadlines are not supported; close the channel to unblock
// readers and writers.
type Channel struct {
	ssh.Channel

	laddr, raddr net.Addr

	once    sync.Once
	onClose func(*Channel)
}

func (c *Channel) LocalAddr() net.Addr  { return c.laddr }
func (c *Channel) RemoteAddr() net.Addr { return c.raddr }

func (c *Channel) SetDeadline(time.Time) error      { return errDeadlineUnsupported }
func (c *Channel) SetReadDeadline(time.Time) error  { return errDeadlineUnsupported }
func (c *Channel) SetWriteDeadline(time.Time) error { return errDeadlineUnsupported }

// Close closes the channel and removes it from its transport's live-set.
// It is safe to call more than once.
func (c *Channel) Close() error {
	err := net.ErrClosed
	c.once.Do(func() {
		err = c.Channel.Close()
		if c.onClose != nil {
			c.onClose(c)
		}
	})
	return err
}

type openResult struct {
	ch   ssh.Channel
	reqs <-chan *ssh.Request
	err  error
}

// openDirect opens a direct-tcpip channel to host:port through client.
//
// ssh.Client.OpenChannel has no context, so the open runs in its own
// goroutine. If ctx ends first, the channel is closed whenever it arrives.
func openDirect(ctx context.Context, client *ssh.Client, host string, port int, origin net.Addr) (*Channel, error) {
	originHost, originPort := "127.0.0.1", 0
	if origin != nil {
		if h, p, err := net.SplitHostPort(origin.String()); err == nil {
			originHost = h
			originPort, _ = strconv.Atoi(p)
		}
	}

	payload := ssh.Marshal(&directTCPIP{
		Host:       host,
		Port:       uint32(port), //nolint:gosec // Port range is validated by callers.
		OriginHost: originHost,
		OriginPort: uint32(originPort), //nolint:gosec // Parsed from a net.Addr.
	})

	done := make(chan openResult, 1)
	go func() {
		ch, reqs, err := client.OpenChannel("direct-tcpip", payload)
		done <- openResult{ch: ch, reqs: reqs, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		go ssh.DiscardRequests(r.reqs)
		return &Channel{
			Channel: r.ch,
			laddr:   client.LocalAddr(),
			raddr:   &net.TCPAddr{IP: net.ParseIP(host), Port: port},
		}, nil
	case <-ctx.Done():
		go func() {
			r := <-done
			if r.err == nil {
				go ssh.DiscardRequests(r.reqs)
				_ = r.ch.Close()
			}
		}()
		return nil, ctx.Err()
	}
}
