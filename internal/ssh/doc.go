// Package ssh holds the SSH building blocks used by the tunnel transport.
//
// [NewClient] runs the client handshake over any net.Conn, so a session can
// ride on a plain TCP socket or inside a "direct-tcpip" channel of another
// session. That is what makes multi-hop chains possible.
//
// Features:
//   - Multiple auth methods: password, private key files, SSH agent
//   - Host key verification: known_hosts with trust-on-first-use (TOFU)
//   - A small direct-tcpip [Server], used to exercise chains in tests
//
// Example usage:
//
//	signers, _ := ssh.LoadSigners("/home/me/.ssh/id_ed25519")
//	hostKeyCallback, _ := ssh.NewHostKeyCallback("~/.ssh/known_hosts", log)
//
//	client, err := ssh.NewClient(ctx, conn, ssh.ClientConfig{
//	    Username:        "user",
//	    Signers:         signers,
//	    HostKeyCallback: hostKeyCallback,
//	}, "ssh.example.com:22")
package ssh
