package stats

import (
	"sync"
	"time"
)

// DefaultHistorySize is the number of connections History keeps.
const DefaultHistorySize = 50

// Connection is one accepted client and where it asked to go.
type Connection struct {
	Time        time.Time
	Client      string
	Destination string
}

// History is a bounded, in-memory record of recent connections. Once full,
// each Add drops the oldest entry.
type History struct {
	mu      sync.Mutex
	entries []Connection
	next    int
	full    bool
}

func NewHistory(size int) *History {
	if size <= 0 {
		size = DefaultHistorySize
	}
	return &History{entries: make([]Connection, size)}
}

func (h *History) Add(client, destination string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.entries[h.next] = Connection{Time: time.Now(), Client: client, Destination: destination}
	h.next++
	if h.next == len(h.entries) {
		h.next = 0
		h.full = true
	}
}

// Recent returns the recorded connections, oldest first.
func (h *History) Recent() []Connection {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.full {
		return append([]Connection(nil), h.entries[:h.next]...)
	}
	out := make([]Connection, 0, len(h.entries))
	out = append(out, h.entries[h.next:]...)
	return append(out, h.entries[:h.next]...)
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.full {
		return len(h.entries)
	}
	return h.next
}

func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()

	clear(h.entries)
	h.next = 0
	h.full = false
}
