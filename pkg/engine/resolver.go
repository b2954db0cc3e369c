package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Resolver builds dependency graphs from Describer declarations and caches
// them by (scope, reverse).
//
// A single lock is held for the whole resolution, so at most one resolution
// is in flight at a time and concurrent requests for the same key reuse the
// first result instead of querying the Describer again.
type Resolver struct {
	describer Describer
	cache     GraphCache
	metrics   MetricsRecorder
	logger    zerolog.Logger

	mu sync.Mutex
}

// NewResolver creates a resolver. A nil cache gets a fresh MemoryCache.
func NewResolver(describer Describer, cache GraphCache, logger zerolog.Logger) *Resolver {
	if cache == nil {
		cache = NewMemoryCache()
	}
	return &Resolver{
		describer: describer,
		cache:     cache,
		logger:    logger.With().Str("component", "resolver").Logger(),
	}
}

// SetMetrics attaches a metrics recorder.
func (r *Resolver) SetMetrics(m MetricsRecorder) {
	r.metrics = m
}

// Cache returns the resolver's graph cache.
func (r *Resolver) Cache() GraphCache {
	return r.cache
}

// Resolve returns the dependency graph over unitIDs in scope.
//
// Declared dependencies outside unitIDs are dropped. An edge dep -> unit is
// added for every retained dependency, inverted when reverse is true. A
// Describe failure is logged and the unit is treated as having no
// dependencies. The only error returned is context cancellation.
func (r *Resolver) Resolve(ctx context.Context, scope string, unitIDs []string, reverse bool) (*DependencyGraph, error) {
	key := CacheKey{Scope: scope, Reverse: reverse}

	r.mu.Lock()
	defer r.mu.Unlock()

	if g, ok := r.cache.Get(key); ok {
		r.recordCacheLookup(true)
		r.logger.Debug().Str("key", key.String()).Msg("Using cached dependency graph")
		return g, nil
	}
	r.recordCacheLookup(false)

	known := make(map[string]bool, len(unitIDs))
	for _, id := range unitIDs {
		known[id] = true
	}

	graph := NewDependencyGraph(scope, reverse)
	for _, id := range unitIDs {
		graph.AddNode(id)
	}

	for _, id := range unitIDs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		start := time.Now()
		decl, err := r.describer.Describe(ctx, scope, id)
		r.recordDescribe(scope, err != nil, time.Since(start))
		if err != nil {
			r.logger.Warn().
				Err(err).
				Str("scope", scope).
				Str("unit", id).
				Msg("Failed to describe unit, assuming no dependencies")
			continue
		}

		for _, dep := range decl.Dependencies() {
			if !known[dep] {
				continue
			}
			if reverse {
				graph.AddEdge(id, dep)
			} else {
				graph.AddEdge(dep, id)
			}
		}
	}

	r.cache.Set(key, graph)
	r.logger.Info().
		Str("key", key.String()).
		Int("nodes", graph.Len()).
		Int("edges", graph.EdgeCount()).
		Msg("Resolved dependency graph")

	return graph.Clone(), nil
}

// ClearCache removes cached graphs for scope in both directions, or every
// cached graph when scope is empty.
func (r *Resolver) ClearCache(scope string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if scope == "" {
		r.cache.Clear()
		r.logger.Info().Msg("Cleared all cached dependency graphs")
		return
	}
	r.cache.Delete(CacheKey{Scope: scope, Reverse: false})
	r.cache.Delete(CacheKey{Scope: scope, Reverse: true})
	r.logger.Info().Str("scope", scope).Msg("Cleared cached dependency graphs")
}

// ClearCacheKey removes exactly one cached graph.
func (r *Resolver) ClearCacheKey(key CacheKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache.Delete(key)
}

func (r *Resolver) recordCacheLookup(hit bool) {
	if r.metrics != nil {
		r.metrics.RecordCacheLookup(hit)
	}
}

func (r *Resolver) recordDescribe(scope string, failed bool, d time.Duration) {
	if r.metrics != nil {
		r.metrics.RecordDescribe(scope, failed, d)
	}
}
