package wbcache

import (
	"context"
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/vinodismyname/sheetforge/internal/workspace"
)

// Stats exposes the lock-free operation counters spec.md §4.2 requires.
type Stats struct {
	Ops    uint64
	Hits   uint64
	Misses uint64
	Size   int
}

// Cache is a bounded LRU of parsed workbook contexts, shared by canonical
// workbook id. It is the only public entry point for opening a workbook:
// callers never construct a Context directly.
type Cache struct {
	indexer *workspace.Indexer
	lru     *lru.Cache[string, *Context]

	maxFormulaEntries int

	ops    atomic.Uint64
	hits   atomic.Uint64
	misses atomic.Uint64
}

// New constructs a Cache bounded to capacity entries, backed by indexer for
// id resolution. Evicted contexts are closed by the LRU's eviction callback,
// synchronously within the Add or Remove call that evicts them.
func New(indexer *workspace.Indexer, capacity, maxFormulaEntries int) (*Cache, error) {
	if capacity <= 0 {
		capacity = 10
	}
	c := &Cache{indexer: indexer, maxFormulaEntries: maxFormulaEntries}
	inner, err := lru.NewWithEvict(capacity, func(_ string, wc *Context) {
		_ = wc.Close()
	})
	if err != nil {
		return nil, fmt.Errorf("wbcache: construct lru: %w", err)
	}
	c.lru = inner
	return c, nil
}

// Open resolves userID to a canonical workbook id and returns its shared
// Context, parsing the workbook on a cache miss. The cache lock is never
// held across the blocking parse: callers observe a miss, release, load,
// then reacquire to insert (spec.md §5's lock-never-held-across-await rule).
func (c *Cache) Open(ctx context.Context, userID string) (*Context, error) {
	c.ops.Add(1)

	entry, err := c.indexer.Resolve(ctx, userID)
	if err != nil {
		return nil, err
	}

	if wc, ok := c.lru.Get(entry.WorkbookID); ok {
		c.hits.Add(1)
		return wc, nil
	}
	c.misses.Add(1)

	path, err := c.indexer.ResolvedPath(entry)
	if err != nil {
		return nil, err
	}

	wc, err := Load(path, entry.WorkbookID, c.maxFormulaEntries)
	if err != nil {
		return nil, err
	}

	// A concurrent second miss may load a duplicate Context; spec.md §4.2
	// explicitly allows this race. The lru.Add below keeps whichever insert
	// lands last and both callers still have equivalent, independent,
	// immutable contexts to work with.
	evicted := c.lru.Add(entry.WorkbookID, wc)
	_ = evicted
	return wc, nil
}

// Stats returns a snapshot of the cache's operation counters and size.
func (c *Cache) Stats() Stats {
	return Stats{
		Ops:    c.ops.Load(),
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Size:   c.lru.Len(),
	}
}

// Remove evicts and closes the context for canonical, if present, so the
// next Open of that workbook parses it again.
func (c *Cache) Remove(canonical string) {
	c.lru.Remove(canonical)
}
