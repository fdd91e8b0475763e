// Package cache holds the caching layers: an in-memory LRU content cache
// keyed by canonical URL + extraction mode, an IdempotencyStore port
// adapter (Redis in production, in-memory for tests), and an extractor
// cache that memoizes extraction by content hash.
package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/riptide-run/riptide/models"
)

// Config bounds the content cache by entry count and total payload bytes.
type Config struct {
	MaxEntries   int
	MaxSizeBytes int64
	DefaultTTL   time.Duration
}

func DefaultConfig() Config {
	return Config{MaxEntries: 10_000, MaxSizeBytes: 256 * 1024 * 1024, DefaultTTL: 30 * time.Minute}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxEntries <= 0 {
		c.MaxEntries = d.MaxEntries
	}
	if c.MaxSizeBytes <= 0 {
		c.MaxSizeBytes = d.MaxSizeBytes
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = d.DefaultTTL
	}
	return c
}

// Stats is a point-in-time snapshot of hit/miss/eviction counters.
type Stats struct {
	Entries    int
	SizeBytes  int64
	Hits       uint64
	Misses     uint64
	Evictions  map[models.EvictionReason]uint64
}

// Content is the bounded LRU content cache keyed by (canonical URL,
// extraction mode).
type Content struct {
	cfg Config

	mu        sync.Mutex
	lru       *list.List
	index     map[string]*list.Element
	sizeBytes int64

	hits      uint64
	misses    uint64
	evictions map[models.EvictionReason]uint64

	now func() time.Time
}

type contentNode struct {
	key   string
	entry models.CacheEntry
}

// New constructs a Content cache that reads time from time.Now.
func New(cfg Config) *Content {
	cfg = cfg.withDefaults()
	return &Content{
		cfg:       cfg,
		lru:       list.New(),
		index:     make(map[string]*list.Element),
		evictions: make(map[models.EvictionReason]uint64),
		now:       time.Now,
	}
}

// Key builds the cache key from a canonical URL and extraction mode.
func Key(canonicalURL string, mode models.ExtractionMode) string {
	h := sha256.Sum256([]byte(canonicalURL + "|" + string(mode)))
	return hex.EncodeToString(h[:16])
}

// Get returns the entry for key if present and not expired. Expired entries
// are evicted lazily on lookup.
func (c *Content) Get(key string) (models.CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[key]
	if !ok {
		c.misses++
		return models.CacheEntry{}, false
	}
	node := el.Value.(*contentNode)
	if node.entry.Expired(c.now()) {
		c.removeElement(el, models.EvictionTTLExpired)
		c.misses++
		return models.CacheEntry{}, false
	}
	node.entry.LastAccessed = c.now()
	c.lru.MoveToFront(el)
	c.hits++
	return node.entry, true
}

// Insert stores an entry, evicting LRU entries first as needed to stay
// under MaxEntries / MaxSizeBytes.
func (c *Content) Insert(key string, entry models.CacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry.TTL <= 0 {
		entry.TTL = c.cfg.DefaultTTL
	}
	now := c.now()
	entry.InsertedAt = now
	entry.LastAccessed = now

	if el, ok := c.index[key]; ok {
		old := el.Value.(*contentNode).entry
		c.sizeBytes -= old.SizeBytes
		el.Value.(*contentNode).entry = entry
		c.sizeBytes += entry.SizeBytes
		c.lru.MoveToFront(el)
		c.evictToFit()
		return
	}

	el := c.lru.PushFront(&contentNode{key: key, entry: entry})
	c.index[key] = el
	c.sizeBytes += entry.SizeBytes
	c.evictToFit()
}

// Remove deletes key unconditionally.
func (c *Content) Remove(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.index[key]
	if !ok {
		return false
	}
	c.removeElement(el, models.EvictionManual)
	return true
}

func (c *Content) evictToFit() {
	for len(c.index) > c.cfg.MaxEntries || c.sizeBytes > c.cfg.MaxSizeBytes {
		back := c.lru.Back()
		if back == nil {
			return
		}
		c.removeElement(back, models.EvictionLRUCapacity)
	}
}

// removeElement must be called under c.mu.
func (c *Content) removeElement(el *list.Element, reason models.EvictionReason) {
	node := el.Value.(*contentNode)
	c.sizeBytes -= node.entry.SizeBytes
	delete(c.index, node.key)
	c.lru.Remove(el)
	c.evictions[reason]++
}

// Stats returns a snapshot of cache counters.
func (c *Content) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := Stats{
		Entries:   len(c.index),
		SizeBytes: c.sizeBytes,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: make(map[models.EvictionReason]uint64, len(c.evictions)),
	}
	for k, v := range c.evictions {
		out.Evictions[k] = v
	}
	return out
}

// PurgeExpired evicts every expired entry and returns the count removed.
// Intended to be called from a background sweeper.
func (c *Content) PurgeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	var next *list.Element
	for el := c.lru.Front(); el != nil; el = next {
		next = el.Next()
		if el.Value.(*contentNode).entry.Expired(now) {
			c.removeElement(el, models.EvictionTTLExpired)
			removed++
		}
	}
	return removed
}

// PurgeDomain removes every entry belonging to domain.
func (c *Content) PurgeDomain(domain string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	var next *list.Element
	for el := c.lru.Front(); el != nil; el = next {
		next = el.Next()
		if el.Value.(*contentNode).entry.Domain == domain {
			c.removeElement(el, models.EvictionManual)
			removed++
		}
	}
	return removed
}
