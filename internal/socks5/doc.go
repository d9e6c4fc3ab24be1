// Package socks5 holds the SOCKS5 handshake used by the tunnel front.
//
// It wraps the protocol types in github.com/txthinking/socks5. Only the
// no-authentication method and the CONNECT command are supported, and
// replies always carry a zero IPv4 bound address.
package socks5
