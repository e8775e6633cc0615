package replica

import (
	"sync"
	"time"
)

// DefaultCacheTTL bounds how long an applied-write stamp is remembered.
// A record idle for longer than the TTL falls out of the gate; by then
// any in-flight duplicate of its last write has long since arrived.
const DefaultCacheTTL = 5 * time.Minute

// stamp records the newest write applied (or published) for a record.
type stamp struct {
	ts     int64
	seq    int64
	source string
	seen   time.Time
}

// stampCache is the TTL-bounded per-record memory behind the
// last-writer-wins gate. Entries expire lazily on read and in bulk via
// prune, so the cache never grows with the full record population.
type stampCache struct {
	mu      sync.Mutex
	entries map[string]stamp
	ttl     time.Duration
	now     func() time.Time
}

func newStampCache(ttl time.Duration, now func() time.Time) *stampCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if now == nil {
		now = time.Now
	}
	return &stampCache{
		entries: make(map[string]stamp),
		ttl:     ttl,
		now:     now,
	}
}

// get returns the live stamp for a record ID, if any.
func (c *stampCache) get(id string) (stamp, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.entries[id]
	if !ok {
		return stamp{}, false
	}
	if c.now().Sub(s.seen) > c.ttl {
		delete(c.entries, id)
		return stamp{}, false
	}
	return s, true
}

// put records a stamp for a record ID, replacing any older one.
func (c *stampCache) put(id string, s stamp) {
	s.seen = c.now()
	c.mu.Lock()
	c.entries[id] = s
	c.mu.Unlock()
}

// prune drops expired entries and returns how many were removed.
func (c *stampCache) prune() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for id, s := range c.entries {
		if now.Sub(s.seen) > c.ttl {
			delete(c.entries, id)
			removed++
		}
	}
	return removed
}

// len returns the number of entries, counting expired ones not yet
// pruned.
func (c *stampCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
