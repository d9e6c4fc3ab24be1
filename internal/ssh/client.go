package ssh

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// ClientConfig holds configuration for establishing an SSH client connection.
type ClientConfig struct {
	// Username for SSH authentication.
	Username string
	// Password for password authentication (optional if Signers is set).
	Password string
	// Signers for public key authentication (optional if Password is set).
	Signers []ssh.Signer
	// HostKeyCallback verifies the server's host key.
	HostKeyCallback ssh.HostKeyCallback
	// HandshakeTimeout bounds the SSH handshake. Zero means no timeout.
	HandshakeTimeout time.Duration
}

func (c *ClientConfig) validate(addr string) error {
	switch {
	case addr == "":
		return errors.New("missing ssh address")
	case c.Username == "":
		return errors.New("missing username")
	case c.Password == "" && len(c.Signers) == 0:
		return errors.New("missing password or key")
	}
	return nil
}

// AuthMethods returns the ssh.AuthMethod slice for this configuration.
// Public key authentication is offered first if available, followed by password.
func (c *ClientConfig) AuthMethods() []ssh.AuthMethod {
	var methods []ssh.AuthMethod
	if len(c.Signers) > 0 {
		methods = append(methods, ssh.PublicKeys(c.Signers...))
	}
	if c.Password != "" {
		methods = append(methods, ssh.Password(c.Password))
	}
	return methods
}

// NewClient establishes an SSH client connection over the given net.Conn.
//
// The conn may be a TCP connection or a channel of another SSH session. The
// addr parameter is used for host key verification and should match the
// server's address.
//
// The handshake is abandoned (and conn closed) when ctx is done or
// cfg.HandshakeTimeout elapses, whichever is first. Closing conn is what
// unblocks the handshake, so this works for conns without deadline support.
//
// On error, conn is closed.
func NewClient(ctx context.Context, conn net.Conn, cfg ClientConfig, addr string) (*ssh.Client, error) {
	if err := cfg.validate(addr); err != nil {
		_ = conn.Close()
		return nil, err
	}

	hostKeyCallback := cfg.HostKeyCallback
	if hostKeyCallback == nil {
		hostKeyCallback = ssh.InsecureIgnoreHostKey() //nolint:gosec // Caller opted out of host key checking.
	}
	sshConfig := &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            cfg.AuthMethods(),
		HostKeyCallback: hostKeyCallback,
	}

	if cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.HandshakeTimeout)
		defer cancel()
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})

	cc, chans, reqs, err := ssh.NewClientConn(conn, addr, sshConfig)
	if !stop() && err == nil {
		// The deadline fired just as the handshake completed; conn is gone.
		_ = cc.Close()
		err = ctx.Err()
	}
	if err != nil {
		_ = conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("ssh handshake: %w (%w)", ctxErr, err)
		}
		return nil, fmt.Errorf("ssh handshake: %w", err)
	}

	return ssh.NewClient(cc, chans, reqs), nil
}

// IsAuthError reports whether err came from a rejected authentication.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods remain")
}
