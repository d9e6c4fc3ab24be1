// Package stats counts tunnel traffic and connections, keeps a short
// history of recent connections, and exports both to Prometheus.
package stats
