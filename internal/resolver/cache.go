package resolver

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// DefaultTTL is how long a resolved address is served from the cache.
const DefaultTTL = 300 * time.Second

// Entry is one cached resolution.
type Entry struct {
	Domain   string
	Addr     string
	Inserted time.Time
}

// Cache maps domains to resolved addresses. Expiry is checked on every read,
// so an entry is never returned once its TTL has elapsed; a background sweep
// every TTL only reclaims memory.
type Cache struct {
	ttl time.Duration
	c   *gocache.Cache
}

// NewCache returns an empty cache with the given TTL.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{ttl: ttl, c: gocache.New(ttl, ttl)}
}

// Get returns the cached entry for domain if it has not expired.
func (c *Cache) Get(domain string) (Entry, bool) {
	v, ok := c.c.Get(domain)
	if !ok {
		return Entry{}, false
	}
	return v.(Entry), true
}

// Set caches addr for domain, stamped with the current time.
func (c *Cache) Set(domain, addr string) {
	c.c.Set(domain, Entry{Domain: domain, Addr: addr, Inserted: time.Now()}, gocache.DefaultExpiration)
}

// Len returns the number of stored entries, including expired ones not yet
// swept.
func (c *Cache) Len() int {
	return c.c.ItemCount()
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.c.Flush()
}

// TTL returns the configured time-to-live.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}
