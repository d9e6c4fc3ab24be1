// Package proxy implements the SOCKS5 front of the tunnel.
//
// Each accepted client is handed to a worker pool. The relay task does the
// handshake, resolves the destination, opens a channel through the tunnel
// and copies bytes both ways until either side closes or the task's
// context is canceled. Failures are contained to that one client.
package proxy
