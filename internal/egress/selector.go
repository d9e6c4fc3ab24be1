package egress

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
)

// Policy decides which enabled interface the next dial uses.
type Policy string

const (
	RoundRobin Policy = "round_robin"
	Random     Policy = "random"
	Fastest    Policy = "fastest"
)

// ParsePolicy parses a load balancing mode name. Empty means RoundRobin.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return RoundRobin, nil
	case RoundRobin, Random, Fastest:
		return p, nil
	default:
		return "", fmt.Errorf("unknown load balancing mode %q", s)
	}
}

// Selector holds the scanned interfaces and the enabled pool.
type Selector struct {
	mu         sync.Mutex
	interfaces []Interface
	enabled    []Interface
	cursor     int
}

// NewSelector returns an empty selector.
func NewSelector() *Selector {
	return &Selector{}
}

// Scan refreshes the known interfaces. The enabled set is left alone.
func (s *Selector) Scan() ([]Interface, error) {
	found, err := Scan()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.interfaces = found
	s.mu.Unlock()
	return append([]Interface(nil), found...), nil
}

// Interfaces returns the last scan result.
func (s *Selector) Interfaces() []Interface {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Interface(nil), s.interfaces...)
}

// SetEnabled replaces the enabled set. Interfaces that are down are dropped.
// The rotation cursor restarts at the first entry.
func (s *Selector) SetEnabled(subset []Interface) {
	enabled := make([]Interface, 0, len(subset))
	for _, i := range subset {
		if !i.Up {
			continue
		}
		i.Enabled = true
		enabled = append(enabled, i)
	}

	s.mu.Lock()
	s.enabled = enabled
	s.cursor = 0
	s.mu.Unlock()
}

// EnableNames enables the scanned interfaces whose names are listed. No
// names enables every scanned interface. It returns the enabled count.
func (s *Selector) EnableNames(names ...string) int {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}

	var subset []Interface
	for _, i := range s.Interfaces() {
		if len(names) == 0 || want[i.Name] {
			subset = append(subset, i)
		}
	}
	s.SetEnabled(subset)
	return len(subset)
}

// Enabled returns the enabled set.
func (s *Selector) Enabled() []Interface {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Interface(nil), s.enabled...)
}

// Next picks an enabled interface under policy. It reports false when the
// enabled set is empty. Unknown policies use the first enabled entry.
func (s *Selector) Next(policy Policy) (Interface, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.enabled) == 0 {
		return Interface{}, false
	}

	switch policy {
	case RoundRobin:
		i := s.enabled[s.cursor%len(s.enabled)]
		s.cursor = (s.cursor + 1) % len(s.enabled)
		return i, true
	case Random:
		return s.enabled[rand.IntN(len(s.enabled))], true
	case Fastest:
		best := s.enabled[0]
		for _, i := range s.enabled[1:] {
			if i.SpeedMbps > best.SpeedMbps {
				best = i
			}
		}
		return best, true
	default:
		return s.enabled[0], true
	}
}
