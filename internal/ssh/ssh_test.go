package ssh

import (
	"context"
	"net"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/die-net/tunnelbridge/internal/testutil"
)

func mustGenerateKey(t *testing.T) ssh.Signer {
	t.Helper()

	key, err := GenerateHostKey()
	if err != nil {
		t.Fatal(err)
	}
	return key
}

func dialTestServer(ctx context.Context, t *testing.T, srv *Server, password string) (*ssh.Client, error) {
	t.Helper()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", srv.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	return NewClient(ctx, conn, ClientConfig{
		Username:         "user",
		Password:         password,
		HandshakeTimeout: 2 * time.Second,
	}, srv.Addr().String())
}

func TestClientServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	echoLn := testutil.StartEchoTCPServer(t, ctx)

	sshSrv, err := StartTestServer(ctx, "user", "pass")
	if err != nil {
		t.Fatal(err)
	}

	client, err := dialTestServer(ctx, t, sshSrv, "pass")
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	c1, err := client.DialContext(ctx, "tcp", echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEcho(t, c1, c1, []byte("hello"))
	_ = c1.Close()

	c2, err := client.DialContext(ctx, "tcp", echoLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer c2.Close()
	testutil.AssertEcho(t, c2, c2, []byte("hello2"))

	if n := sshSrv.Sessions(); n != 1 {
		t.Errorf("Sessions() = %d, want 1", n)
	}
}

func TestClientWrongPassword(t *testing.T) {
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()

	sshSrv, err := StartTestServer(ctx, "user", "pass")
	if err != nil {
		t.Fatal(err)
	}

	_, err = dialTestServer(ctx, t, sshSrv, "wrong")
	if err == nil {
		t.Fatal("expected authentication failure")
	}
	if !IsAuthError(err) {
		t.Errorf("expected auth error, got: %v", err)
	}
}
