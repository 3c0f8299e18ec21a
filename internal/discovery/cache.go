// ABOUTME: Thread-safe TTL cache of per-connector tool lists with single-flight refresh.
// ABOUTME: Concurrent refreshes for one connector coalesce into a single discovery fetch.

package discovery

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/2389/toolgate/internal/connector"
)

// DefaultTTL is how long a discovered tool list is considered fresh.
const DefaultTTL = 300 * time.Second

// Fetcher retrieves the current tool list for a connector, typically by asking
// the registry to perform a live discovery round trip.
type Fetcher func(ctx context.Context) ([]connector.Tool, error)

// cacheEntry stores one connector's tool list and when it was fetched.
type cacheEntry struct {
	tools     []connector.Tool
	fetchedAt time.Time
}

// Cache is a TTL map keyed by connector ID. Stale entries trigger re-discovery
// before first use; a cache stampede on one key produces exactly one fetch.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
	group   singleflight.Group
	done    chan struct{}
	closed  bool
}

// New creates a cache with the given TTL (DefaultTTL if ttl <= 0). A background
// goroutine periodically evicts expired entries.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		entries: make(map[string]*cacheEntry),
		ttl:     ttl,
		done:    make(chan struct{}),
	}
	go c.sweep()
	return c
}

// GetOrRefresh returns the cached tool list when fresh, otherwise calls fetcher
// and atomically swaps the entry. Concurrent calls for the same connector ID
// during a cold or stale cache share a single in-flight fetch.
func (c *Cache) GetOrRefresh(ctx context.Context, connectorID string, fetcher Fetcher) ([]connector.Tool, error) {
	c.mu.RLock()
	entry, ok := c.entries[connectorID]
	c.mu.RUnlock()

	if ok && time.Since(entry.fetchedAt) < c.ttl {
		return entry.tools, nil
	}

	result, err, _ := c.group.Do(connectorID, func() (any, error) {
		// Re-check under the flight: a concurrent winner may have refreshed.
		c.mu.RLock()
		entry, ok := c.entries[connectorID]
		c.mu.RUnlock()
		if ok && time.Since(entry.fetchedAt) < c.ttl {
			return entry.tools, nil
		}

		tools, err := fetcher(ctx)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.entries[connectorID] = &cacheEntry{tools: tools, fetchedAt: time.Now()}
		c.mu.Unlock()
		return tools, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]connector.Tool), nil
}

// Invalidate drops the cached entry for a connector, forcing the next
// GetOrRefresh to fetch.
func (c *Cache) Invalidate(connectorID string) {
	c.mu.Lock()
	delete(c.entries, connectorID)
	c.mu.Unlock()
}

// sweep evicts expired entries so the map doesn't grow with dead connectors.
func (c *Cache) sweep() {
	ticker := time.NewTicker(c.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for id, entry := range c.entries {
				if now.Sub(entry.fetchedAt) >= c.ttl {
					delete(c.entries, id)
				}
			}
			c.mu.Unlock()
		}
	}
}

// Close stops the background sweeper. Idempotent.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}
