// Package cache holds permitted upstream answers keyed by query name and
// type, expiring on the minimum answer TTL. Blocked domains never reach the
// cache: the policy check runs before the cache serve.
package cache

import (
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
)

const cleanupInterval = time.Minute

// Cache is a concurrent response cache. Writes are last-writer-wins per key;
// there is no invalidation on policy change within a TTL.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry

	maxEntries int
	stopChan   chan struct{}
	stopOnce   sync.Once
}

type entry struct {
	msg       *dns.Msg
	expiresAt time.Time
}

// New creates the cache and starts the expiry sweeper.
func New(maxEntries int) *Cache {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	c := &Cache{
		entries:    make(map[string]entry),
		maxEntries: maxEntries,
		stopChan:   make(chan struct{}),
	}
	go c.sweep()
	return c
}

// Key builds the cache key for a question.
func Key(name string, qtype uint16) string {
	return strings.ToLower(name) + "|" + dns.TypeToString[qtype]
}

// Get returns a copy of the cached response with the request's ID, or nil.
func (c *Cache) Get(key string, reqID uint16) *dns.Msg {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || time.Now().After(e.expiresAt) {
		return nil
	}
	msg := e.msg.Copy()
	msg.Id = reqID
	return msg
}

// Set stores a response for the minimum TTL across its answers. A zero
// minimum TTL means the response is not cacheable.
func (c *Cache) Set(key string, msg *dns.Msg) {
	ttl := minTTL(msg)
	if ttl == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxEntries {
		c.evictExpiredLocked()
		if len(c.entries) >= c.maxEntries {
			return
		}
	}
	c.entries[key] = entry{
		msg:       msg.Copy(),
		expiresAt: time.Now().Add(time.Duration(ttl) * time.Second),
	}
}

// Len returns the number of live entries, expired included until swept.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
}

// Close stops the sweeper.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stopChan) })
}

func (c *Cache) sweep() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.mu.Lock()
			c.evictExpiredLocked()
			c.mu.Unlock()
		}
	}
}

func (c *Cache) evictExpiredLocked() {
	now := time.Now()
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
		}
	}
}

// minTTL is the smallest TTL across answer records; 0 when there is no
// answer or any record carries a zero TTL.
func minTTL(msg *dns.Msg) uint32 {
	if len(msg.Answer) == 0 {
		return 0
	}
	min := msg.Answer[0].Header().Ttl
	for _, rr := range msg.Answer[1:] {
		if ttl := rr.Header().Ttl; ttl < min {
			min = ttl
		}
	}
	return min
}
