package bench

import (
	"context"
	"fmt"

	"github.com/traitlab/biasbench/bench/store"
)

// ResultCache is a best-effort cache for derived analytics payloads
// (summaries, aggregates) keyed by run and kind.
//
// Invalidation is by construction: the cache key embeds the current
// result row count of the run, so any insert or delete changes the key
// and stale entries simply stop being read. Explicit invalidation is
// only needed on run deletion, which drops the rows anyway.
//
// All operations are best-effort. Store failures degrade to cache
// misses and no-op writes; the cache never fails a caller.
type ResultCache struct {
	store store.Store
}

// NewResultCache creates a cache over the given store.
func NewResultCache(st store.Store) *ResultCache {
	return &ResultCache{store: st}
}

// Get returns the cached payload for (run, kind) at the run's current
// row count, or false on miss.
func (c *ResultCache) Get(ctx context.Context, runID, kind string) ([]byte, bool) {
	key, ok := c.key(ctx, runID)
	if !ok {
		return nil, false
	}
	payload, found, err := c.store.CacheGet(ctx, runID, kind, key)
	if err != nil || !found {
		return nil, false
	}
	return payload, true
}

// Put stores the payload under the run's current row count.
func (c *ResultCache) Put(ctx context.Context, runID, kind string, payload []byte) {
	key, ok := c.key(ctx, runID)
	if !ok {
		return
	}
	_ = c.store.CachePut(ctx, runID, kind, key, payload)
}

// Clear drops all cache entries of a run. Used by delete paths.
func (c *ResultCache) Clear(ctx context.Context, runID string) {
	_ = c.store.CacheClear(ctx, runID)
}

func (c *ResultCache) key(ctx context.Context, runID string) (string, bool) {
	n, err := c.store.CountResults(ctx, runID)
	if err != nil {
		return "", false
	}
	return fmt.Sprintf("rows=%d", n), true
}
