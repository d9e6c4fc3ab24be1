package ssh

import (
	"encoding/base64"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
)

// hostCheck is one host key presented to a callback. reload rebuilds the
// callback from disk first.
type hostCheck struct {
	host    string
	key     int
	reload  bool
	wantErr string
}

func TestHostKeyCallbackTOFU(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		seed   []int // keys written to known_hosts for 192.0.2.1 up front
		checks []hostCheck
	}{
		{
			name: "learns then accepts after reload",
			checks: []hostCheck{
				{host: "192.0.2.1", key: 0},
				{host: "192.0.2.1", key: 0, reload: true},
			},
		},
		{
			name: "mismatch after reload",
			checks: []hostCheck{
				{host: "192.0.2.1", key: 0},
				{host: "192.0.2.1", key: 1, reload: true, wantErr: "mismatch"},
			},
		},
		{
			name: "mismatch within one process",
			checks: []hostCheck{
				{host: "192.0.2.1", key: 0},
				{host: "192.0.2.1", key: 0},
				{host: "192.0.2.1", key: 1, wantErr: "mismatch"},
			},
		},
		{
			name: "hosts are independent",
			checks: []hostCheck{
				{host: "192.0.2.1", key: 0},
				{host: "192.0.2.2", key: 1},
				{host: "192.0.2.1", key: 0, reload: true},
				{host: "192.0.2.2", key: 1},
			},
		},
		{
			name: "seeded entry",
			seed: []int{0},
			checks: []hostCheck{
				{host: "192.0.2.1", key: 0},
				{host: "192.0.2.1", key: 1, wantErr: "mismatch"},
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			keys := []ssh.PublicKey{mustGenerateKey(t).PublicKey(), mustGenerateKey(t).PublicKey()}
			path := filepath.Join(t.TempDir(), "known_hosts")

			var seed strings.Builder
			for _, k := range tc.seed {
				seed.WriteString("192.0.2.1 " + keys[k].Type() + " " + base64.StdEncoding.EncodeToString(keys[k].Marshal()) + "\n")
			}
			if len(tc.seed) > 0 {
				if err := os.WriteFile(path, []byte(seed.String()), 0o600); err != nil {
					t.Fatal(err)
				}
			}

			cb, err := NewHostKeyCallback(path, zap.NewNop())
			if err != nil {
				t.Fatal(err)
			}

			for i, c := range tc.checks {
				if c.reload {
					if cb, err = NewHostKeyCallback(path, zap.NewNop()); err != nil {
						t.Fatal(err)
					}
				}
				addr := &net.TCPAddr{IP: net.ParseIP(c.host), Port: 22}
				err := cb(net.JoinHostPort(c.host, "22"), addr, keys[c.key])
				switch {
				case c.wantErr == "" && err != nil:
					t.Fatalf("check %d (%s): unexpected error: %v", i, c.host, err)
				case c.wantErr != "" && (err == nil || !strings.Contains(err.Error(), c.wantErr)):
					t.Fatalf("check %d (%s): expected error containing %q, got %v", i, c.host, c.wantErr, err)
				}
			}
		})
	}
}

func TestHostKeyCallbackInsecure(t *testing.T) {
	t.Parallel()

	cb, err := NewHostKeyCallback("", zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	addr := &net.TCPAddr{IP: net.ParseIP("192.0.2.1"), Port: 22}
	for range 2 {
		if err := cb("example.com:22", addr, mustGenerateKey(t).PublicKey()); err != nil {
			t.Fatalf("expected any key to be accepted: %v", err)
		}
	}
}

func TestHostKeyCallbackWritesFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "dir", "known_hosts")
	cb, err := NewHostKeyCallback(path, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("known_hosts not created: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("expected mode 0600, got %o", info.Mode().Perm())
	}

	key := mustGenerateKey(t).PublicKey()
	addr := &net.TCPAddr{IP: net.ParseIP("192.0.2.7"), Port: 2222}
	if err := cb("192.0.2.7:2222", addr, key); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path) //nolint:gosec // Test path from t.TempDir().
	if err != nil {
		t.Fatal(err)
	}
	// Non-default ports are recorded in bracket form.
	if !strings.HasPrefix(string(data), "[192.0.2.7]:2222 ") {
		t.Errorf("unexpected known_hosts line %q", data)
	}
}

func TestExpandHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	tests := []struct {
		in   string
		want string
	}{
		{in: "~/.ssh/known_hosts", want: filepath.Join(home, ".ssh", "known_hosts")},
		{in: "~/", want: home},
		{in: "/etc/ssh/known_hosts", want: "/etc/ssh/known_hosts"},
		{in: "relative/known_hosts", want: "relative/known_hosts"},
		{in: "~other/known_hosts", want: "~other/known_hosts"},
		{in: "~", want: "~"},
	}

	for _, tc := range tests {
		got, err := expandHome(tc.in)
		if err != nil {
			t.Errorf("%q: unexpected error: %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%q: expected %q, got %q", tc.in, tc.want, got)
		}
	}

	// The callback resolves "~/" before creating the file.
	if _, err := NewHostKeyCallback("~/.ssh/known_hosts", zap.NewNop()); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(home, ".ssh", "known_hosts")); err != nil {
		t.Errorf("expected known_hosts under HOME: %v", err)
	}
}
