// Package health tracks channel-open latency for a tunnel transport.
//
// A [Monitor] keeps a bounded window of recent round-trip samples and derives
// a healthy/unhealthy verdict with hysteresis: a single slow sample never
// flips the verdict, only a sustained run of slow evaluations does.
package health
