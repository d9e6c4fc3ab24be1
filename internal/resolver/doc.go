// Package resolver resolves destination host names for the tunnel.
//
// Lookups go to the configured upstream servers over plain DNS (via
// github.com/miekg/dns) and fall back to the host's own resolver. Every
// successful answer is cached for a fixed TTL. An [Optimizer] probes a set of
// well-known public resolvers with raw A queries and picks the fastest
// reliable one.
package resolver
