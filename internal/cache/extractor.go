package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"github.com/riptide-run/riptide/models"
)

// Extractor memoizes extraction results by (content_hash, mode) so
// identical HTML fetched via different URLs is extracted only once. It is
// intentionally unbounded by TTL (content-addressed) but capped by entry
// count like the content cache.
type Extractor struct {
	mu       sync.RWMutex
	entries  map[string]models.ExtractedDoc
	order    []string
	maxEntries int
}

// NewExtractor constructs an extractor memoization cache bounded at
// maxEntries (FIFO eviction once full; content-addressed caches rarely
// benefit from LRU recency since every key is already a content fingerprint).
func NewExtractor(maxEntries int) *Extractor {
	if maxEntries <= 0 {
		maxEntries = 5_000
	}
	return &Extractor{entries: make(map[string]models.ExtractedDoc), maxEntries: maxEntries}
}

// HashContent computes the content hash used as part of the memoization key.
func HashContent(html []byte) string {
	h := sha256.Sum256(html)
	return hex.EncodeToString(h[:])
}

func (e *Extractor) key(contentHash string, mode models.ExtractionMode) string {
	return contentHash + "|" + string(mode)
}

// Get returns a memoized extraction for (contentHash, mode), if any.
func (e *Extractor) Get(contentHash string, mode models.ExtractionMode) (models.ExtractedDoc, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	doc, ok := e.entries[e.key(contentHash, mode)]
	return doc, ok
}

// Put stores a memoized extraction, evicting the oldest entry (FIFO) once
// maxEntries is exceeded.
func (e *Extractor) Put(contentHash string, mode models.ExtractionMode, doc models.ExtractedDoc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := e.key(contentHash, mode)
	if _, exists := e.entries[key]; !exists {
		e.order = append(e.order, key)
	}
	e.entries[key] = doc
	for len(e.order) > e.maxEntries {
		oldest := e.order[0]
		e.order = e.order[1:]
		delete(e.entries, oldest)
	}
}

// Len returns the number of memoized entries.
func (e *Extractor) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.entries)
}
