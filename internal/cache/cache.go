// Package cache implements the bounded LRU resource cache shared by the
// overlay and vector-index stores. Metadata bookkeeping is guarded by a single
// mutex per cache; loader execution never runs under that mutex, so slow loads
// do not block unrelated reads. Concurrent loads for the same tenant coalesce.
package cache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ent0n29/switchyard/internal/observability"
	"github.com/ent0n29/switchyard/internal/tenant"
)

var (
	// ErrResourceTooLarge reports an entry that cannot fit even in an empty
	// cache. The resource is released, never inserted, and the load is not
	// retried automatically.
	ErrResourceTooLarge = errors.New("resource exceeds cache budget")

	// ErrLoadTimeout reports a loader that ran past the configured bound. The
	// in-flight load is abandoned; no partial entry becomes visible.
	ErrLoadTimeout = errors.New("resource load timed out")
)

// Loader materializes a tenant's resource and reports its memory footprint.
// Loaders may be slow; they run outside the cache lock and must honor ctx.
type Loader[V any] func(ctx context.Context) (V, int64, error)

// Config bounds a cache instance.
type Config struct {
	// Name labels metrics and log lines ("overlay", "vecindex").
	Name string
	// MaxBytes is the hard memory budget across all entries.
	MaxBytes int64
	// MaxEntries caps the entry count regardless of size.
	MaxEntries int
	// LoadTimeout bounds each loader invocation. Zero means no bound.
	LoadTimeout time.Duration
}

// EntryInfo is a point-in-time view of one cached entry.
type EntryInfo struct {
	Key        tenant.ID `json:"key"`
	SizeBytes  int64     `json:"size_bytes"`
	LastAccess time.Time `json:"last_access"`
}

type entry[V any] struct {
	key        tenant.ID
	value      V
	size       int64
	lastAccess time.Time
}

// Cache is a thread-safe LRU cache keyed by tenant id with byte and entry
// budgets. An entry present in the cache is always fully loaded; eviction is
// strict LRU with insertion order breaking last-access ties.
type Cache[V any] struct {
	cfg     Config
	onEvict func(tenant.ID, V) error
	metrics *observability.Metrics

	group singleflight.Group

	mu      sync.Mutex
	order   *list.List // front = most recent, back = eviction candidate
	entries map[tenant.ID]*list.Element
	bytes   int64
}

// New creates a cache. onEvict releases a value's resources once it leaves the
// cache; it may be nil. onEvict errors are logged and swallowed so eviction
// always frees capacity. metrics may be nil.
func New[V any](cfg Config, onEvict func(tenant.ID, V) error, metrics *observability.Metrics) *Cache[V] {
	if cfg.Name == "" {
		cfg.Name = "cache"
	}
	return &Cache[V]{
		cfg:     cfg,
		onEvict: onEvict,
		metrics: metrics,
		order:   list.New(),
		entries: make(map[tenant.ID]*list.Element),
	}
}

// Get returns the cached value for key, refreshing its recency. It never
// invokes a loader.
func (c *Cache[V]) Get(key tenant.ID) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		ent := el.Value.(*entry[V])
		ent.lastAccess = time.Now().UTC()
		c.order.MoveToFront(el)
		return ent.value, true
	}
	var zero V
	return zero, false
}

// GetOrLoad returns the cached value for key or materializes it with loader.
// On a hit the loader is not invoked and recency is refreshed. Concurrent
// calls for the same missing key share a single loader invocation; callers
// that abandon the wait (ctx done) leave the load running so its result can
// still be cached for later reuse. Loader failures are propagated and never
// cached.
func (c *Cache[V]) GetOrLoad(ctx context.Context, key tenant.ID, loader Loader[V]) (V, error) {
	var zero V

	if v, ok := c.Get(key); ok {
		c.metrics.ObserveCacheHit(c.cfg.Name)
		return v, nil
	}
	c.metrics.ObserveCacheMiss(c.cfg.Name)

	ch := c.group.DoChan(string(key), func() (any, error) {
		// Re-check under the singleflight barrier: a previous winner may have
		// inserted the entry between our miss and this call.
		if v, ok := c.Get(key); ok {
			return v, nil
		}

		loadCtx := context.Background()
		if c.cfg.LoadTimeout > 0 {
			var cancel context.CancelFunc
			loadCtx, cancel = context.WithTimeout(loadCtx, c.cfg.LoadTimeout)
			defer cancel()
		}

		start := time.Now()
		v, size, err := loader(loadCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w after %s: %v", ErrLoadTimeout, time.Since(start).Round(time.Millisecond), err)
			}
			return nil, err
		}
		if err := c.insert(key, v, size); err != nil {
			return nil, err
		}
		return v, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(V), nil
	case <-ctx.Done():
		// The shared load continues in the background and may still populate
		// the cache; this caller just stops waiting for it.
		return zero, ctx.Err()
	}
}

// insert adds a fully-loaded value, evicting LRU entries until it fits. The
// value is released and ErrResourceTooLarge returned if it cannot fit at all.
func (c *Cache[V]) insert(key tenant.ID, value V, size int64) error {
	if size < 0 {
		size = 0
	}
	if size > c.cfg.MaxBytes {
		c.release(key, value)
		return fmt.Errorf("%w: %s needs %d bytes, budget is %d", ErrResourceTooLarge, key, size, c.cfg.MaxBytes)
	}

	var evicted []*entry[V]
	c.mu.Lock()
	if el, ok := c.entries[key]; ok {
		// Replace a stale entry for the same tenant (invalidate raced a load).
		old := el.Value.(*entry[V])
		c.order.Remove(el)
		delete(c.entries, key)
		c.bytes -= old.size
		evicted = append(evicted, old)
	}
	for c.bytes+size > c.cfg.MaxBytes || c.order.Len()+1 > c.cfg.MaxEntries {
		el := c.order.Back()
		if el == nil {
			break
		}
		ent := el.Value.(*entry[V])
		c.order.Remove(el)
		delete(c.entries, ent.key)
		c.bytes -= ent.size
		evicted = append(evicted, ent)
	}
	ent := &entry[V]{key: key, value: value, size: size, lastAccess: time.Now().UTC()}
	c.entries[key] = c.order.PushFront(ent)
	c.bytes += size
	bytes, count := c.bytes, c.order.Len()
	c.mu.Unlock()

	for _, ev := range evicted {
		c.metrics.ObserveCacheEviction(c.cfg.Name)
		c.release(ev.key, ev.value)
	}
	c.metrics.SetCacheUsage(c.cfg.Name, bytes, count)
	return nil
}

// Invalidate removes and releases the entry for key if present. Safe to call
// concurrently with GetOrLoad.
func (c *Cache[V]) Invalidate(key tenant.ID) bool {
	c.mu.Lock()
	el, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return false
	}
	ent := el.Value.(*entry[V])
	c.order.Remove(el)
	delete(c.entries, key)
	c.bytes -= ent.size
	bytes, count := c.bytes, c.order.Len()
	c.mu.Unlock()

	c.release(ent.key, ent.value)
	c.metrics.SetCacheUsage(c.cfg.Name, bytes, count)
	return true
}

// Snapshot returns a point-in-time view of all entries, most recent first.
// It waits a bounded time for the metadata lock and returns nil on timeout
// rather than blocking a health probe. The lock is never held across loader
// calls, so in practice the wait is microseconds.
func (c *Cache[V]) Snapshot() []EntryInfo {
	deadline := time.Now().Add(250 * time.Millisecond)
	for !c.mu.TryLock() {
		if time.Now().After(deadline) {
			return nil
		}
		time.Sleep(time.Millisecond)
	}
	defer c.mu.Unlock()

	out := make([]EntryInfo, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		ent := el.Value.(*entry[V])
		out = append(out, EntryInfo{Key: ent.key, SizeBytes: ent.size, LastAccess: ent.lastAccess})
	}
	return out
}

// Purge releases every entry. Used on shutdown.
func (c *Cache[V]) Purge() {
	c.mu.Lock()
	var all []*entry[V]
	for el := c.order.Front(); el != nil; el = el.Next() {
		all = append(all, el.Value.(*entry[V]))
	}
	c.order.Init()
	c.entries = make(map[tenant.ID]*list.Element)
	c.bytes = 0
	c.mu.Unlock()

	for _, ent := range all {
		c.release(ent.key, ent.value)
	}
	c.metrics.SetCacheUsage(c.cfg.Name, 0, 0)
}

func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *Cache[V]) SizeBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

func (c *Cache[V]) Name() string    { return c.cfg.Name }
func (c *Cache[V]) MaxBytes() int64 { return c.cfg.MaxBytes }
func (c *Cache[V]) MaxEntries() int { return c.cfg.MaxEntries }

func (c *Cache[V]) release(key tenant.ID, value V) {
	if c.onEvict == nil {
		return
	}
	if err := c.onEvict(key, value); err != nil {
		// Release failures must never block freeing cache capacity.
		log.Printf("cache %s: release %s failed: %v", c.cfg.Name, key, err)
	}
}
