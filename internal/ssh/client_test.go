package ssh

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestNewClientValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		addr    string
		config  ClientConfig
		wantErr string
	}{
		{
			name:    "missing address",
			addr:    "",
			config:  ClientConfig{Username: "user", Password: "pass"},
			wantErr: "missing ssh address",
		},
		{
			name:    "missing username",
			addr:    "localhost:22",
			config:  ClientConfig{Password: "pass"},
			wantErr: "missing username",
		},
		{
			name:    "missing auth method",
			addr:    "localhost:22",
			config:  ClientConfig{Username: "user"},
			wantErr: "missing password or key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c1, c2 := net.Pipe()
			defer c2.Close()

			_, err := NewClient(t.Context(), c1, tt.config, tt.addr)
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestNewClientHandshakeTimeout(t *testing.T) {
	t.Parallel()

	// The peer never speaks, so only the timeout can end the handshake.
	c1, c2 := net.Pipe()
	defer c2.Close()
	go func() {
		buf := make([]byte, 512)
		for {
			if _, err := c2.Read(buf); err != nil {
				return
			}
		}
	}()

	start := time.Now()
	_, err := NewClient(t.Context(), c1, ClientConfig{
		Username:         "user",
		Password:         "pass",
		HandshakeTimeout: 100 * time.Millisecond,
	}, "pipe:22")
	if err == nil {
		t.Fatal("expected handshake to fail")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error, got: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("handshake took %v", elapsed)
	}
}

func TestHopSignersFallsBack(t *testing.T) {
	t.Parallel()

	if s := HopSigners("", zap.NewNop()); s != nil {
		t.Errorf("empty key path: got %d signers", len(s))
	}
	if s := HopSigners(t.TempDir()+"/missing", zap.NewNop()); s != nil {
		t.Errorf("missing key: got %d signers", len(s))
	}
}

func TestIsAuthError(t *testing.T) {
	t.Parallel()

	if IsAuthError(nil) {
		t.Error("nil is not an auth error")
	}
	if !IsAuthError(errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none password]")) {
		t.Error("expected auth error")
	}
	if IsAuthError(errors.New("connection refused")) {
		t.Error("refused is not an auth error")
	}
}
