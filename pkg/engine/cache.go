package engine

import (
	"fmt"
	"sort"
	"sync"
)

// CacheKey identifies a resolved graph.
type CacheKey struct {
	Scope   string
	Reverse bool
}

// String formats the key as "scope:reverse".
func (k CacheKey) String() string {
	return fmt.Sprintf("%s:%t", k.Scope, k.Reverse)
}

// MemoryCache is an in-process GraphCache.
type MemoryCache struct {
	mu     sync.RWMutex
	graphs map[CacheKey]*DependencyGraph
}

// NewMemoryCache creates an empty in-memory graph cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{graphs: make(map[CacheKey]*DependencyGraph)}
}

// Get returns a copy of the cached graph for key.
func (c *MemoryCache) Get(key CacheKey) (*DependencyGraph, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	g, ok := c.graphs[key]
	if !ok {
		return nil, false
	}
	return g.Clone(), true
}

// Set stores a copy of graph under key.
func (c *MemoryCache) Set(key CacheKey, graph *DependencyGraph) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.graphs[key] = graph.Clone()
}

// Delete removes key.
func (c *MemoryCache) Delete(key CacheKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.graphs, key)
}

// Clear removes every key.
func (c *MemoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.graphs = make(map[CacheKey]*DependencyGraph)
}

// Keys returns the cached keys sorted by scope, forward before reverse.
func (c *MemoryCache) Keys() []CacheKey {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]CacheKey, 0, len(c.graphs))
	for k := range c.graphs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Scope != keys[j].Scope {
			return keys[i].Scope < keys[j].Scope
		}
		return !keys[i].Reverse && keys[j].Reverse
	})
	return keys
}
