// Package transport establishes authenticated SSH sessions to the last hop
// of a Chain and opens per-destination channels over them.
//
// A chain of N hops is N nested sessions: hop 1 is dialed directly (through
// the configured dialer, which may bind to an egress path), and every later
// hop's handshake runs inside a "direct-tcpip" channel opened through the
// hop before it. Hops are connected strictly in order. If any hop fails the
// hops already up are closed in reverse order, so a failed Connect never
// leaves a partial chain behind.
//
// Every channel handed out by [Transport.OpenChannel] is tracked in a
// live-set until it is closed, so [Transport.CloseChannels] can tear all of
// them down at once.
package transport
