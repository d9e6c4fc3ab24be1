// Package engine runs a SOCKS5 front over an SSH chain and keeps the chain
// connected.
//
// Run connects the chain with bounded retries, then serves SOCKS5 clients
// until its context ends. A lost transport is reconnected by the run loop
// when auto reconnect is on; independently, a client whose channel open
// finds the transport dead triggers one inline reconnect. Concurrent
// reconnects are collapsed into a single attempt and Recover is mutually
// exclusive.
package engine
