// Package cache is the process-local topic content cache (spec §4.1.3):
// bounded, evicting, and strictly optional — its absence never affects
// correctness, only how often the delivery path re-reads from the store.
package cache

import (
	"sync"

	"github.com/maypok86/otter"

	"github.com/cuemby/hubsub/pkg/metrics"
)

// Entry is the cached snapshot of a topic's deliverable content.
type Entry struct {
	ContentUpdated int64 // unix nanos, used as a cheap freshness check
	Content        []byte
	ContentType    string
}

// ContentCache is a bounded, thread-safe map keyed by topic id, backed by
// an otter cache the same way Resinat's node.LatencyTable is: entries
// each cost 1, and otter evicts entries once maxEntries is exceeded.
type ContentCache struct {
	mu    sync.Mutex
	cache otter.Cache[string, Entry]
}

// New builds a ContentCache bounded to maxEntries topics.
func New(maxEntries int) *ContentCache {
	c, err := otter.MustBuilder[string, Entry](maxEntries).
		Cost(func(_ string, _ Entry) uint32 { return 1 }).
		Build()
	if err != nil {
		panic("cache: failed to create content cache: " + err.Error())
	}
	return &ContentCache{cache: c}
}

// Get returns the cached entry for topicID, if present.
func (c *ContentCache) Get(topicID string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Get(topicID)
}

// Set populates or replaces the cached entry for topicID.
func (c *ContentCache) Set(topicID string, entry Entry) {
	c.mu.Lock()
	c.cache.Set(topicID, entry)
	size := c.cache.Size()
	c.mu.Unlock()
	metrics.ContentCacheSize.Set(float64(size))
}

// Invalidate clears topicID's entry, called by the notification listener
// or a local write that supersedes it.
func (c *ContentCache) Invalidate(topicID string) {
	c.mu.Lock()
	c.cache.Delete(topicID)
	size := c.cache.Size()
	c.mu.Unlock()
	metrics.ContentCacheSize.Set(float64(size))
}

// Size reports the current entry count, mainly for tests and metrics.
func (c *ContentCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cache.Size()
}
