package dictionary

import (
	"context"
	"sync"
	"time"
)

type cachedScan struct {
	entries  []MetadataEntry
	cachedAt time.Time
}

// InMemoryScanCache is a process-local ScanCache. Thread-safe.
type InMemoryScanCache struct {
	mu          sync.RWMutex
	tables      map[string]map[string]cachedScan
	generations map[string]int64
	config      CacheConfig
	now         func() time.Time
}

var _ ScanCache = (*InMemoryScanCache)(nil)

// NewInMemoryScanCache creates an empty in-memory scan cache.
func NewInMemoryScanCache(config CacheConfig) *InMemoryScanCache {
	return &InMemoryScanCache{
		tables:      make(map[string]map[string]cachedScan),
		generations: make(map[string]int64),
		config:      config,
		now:         time.Now,
	}
}

// Get implements ScanCache. The returned entries are a copy.
func (c *InMemoryScanCache) Get(_ context.Context, table string, scope Scope) ([]MetadataEntry, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	scan, ok := c.tables[table][scopeKey(scope)]
	if !ok {
		return nil, false, nil
	}
	if c.config.TTL > 0 && c.now().Sub(scan.cachedAt) > c.config.TTL {
		return nil, false, nil
	}
	return cloneEntries(scan.entries), true, nil
}

// Generation implements ScanCache.
func (c *InMemoryScanCache) Generation(_ context.Context, table string) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.generations[table], nil
}

// Set implements ScanCache.
func (c *InMemoryScanCache) Set(_ context.Context, table string, scope Scope, generation int64, entries []MetadataEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.generations[table] != generation {
		return nil
	}

	scans, ok := c.tables[table]
	if !ok {
		scans = make(map[string]cachedScan)
		c.tables[table] = scans
	}
	scans[scopeKey(scope)] = cachedScan{entries: cloneEntries(entries), cachedAt: c.now()}
	return nil
}

// Invalidate implements ScanCache.
func (c *InMemoryScanCache) Invalidate(_ context.Context, table string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.tables, table)
	c.generations[table]++
	return nil
}
