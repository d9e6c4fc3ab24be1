// Package dialer provides the outbound TCP dialers used to reach the first
// tunnel hop.
//
// A direct dialer uses the default route. A bonded dialer asks an
// egress.Selector for one local path per dial and binds the socket to it,
// spreading new transport connections across several uplinks.
package dialer
