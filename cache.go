package opalmind

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/authorityab/OpalMind-sub001/internal/singleflight"
)

// CacheEntry is a stored value with its expiry. Entries are immutable once
// stored; a refresh replaces the entry instead of mutating it.
type CacheEntry struct {
	Value     interface{}
	ExpiresAt time.Time
}

// CacheBackend is the raw storage under ResponseCache. It holds entries
// verbatim; TTL judgement and eviction live in ResponseCache so stale
// evictions stay observable.
type CacheBackend interface {
	Get(key string) (*CacheEntry, bool)
	Set(key string, entry *CacheEntry)
	Delete(key string)
	Clear()
}

// CacheEventType identifies a cache state transition.
type CacheEventType string

const (
	CacheHit        CacheEventType = "hit"
	CacheMiss       CacheEventType = "miss"
	CacheSet        CacheEventType = "set"
	CacheStaleEvict CacheEventType = "stale_evict"
)

// CacheEvent is emitted to observers on every cache transition.
type CacheEvent struct {
	Type      CacheEventType
	Feature   string
	Key       string
	ExpiresAt time.Time
}

// CacheObserver receives cache events. Observers run synchronously on the
// calling goroutine and must not block.
type CacheObserver func(CacheEvent)

// FeatureStats holds cumulative counters for one feature.
type FeatureStats struct {
	Hits   uint64
	Misses uint64
	Sets   uint64
}

// CacheStats maps feature name to its counters. Snapshots are deep copies.
type CacheStats map[string]FeatureStats

// Loader fetches the value for a cache key on miss.
type Loader func(ctx context.Context) (interface{}, error)

// ResponseCache is a TTL key-value cache with per-feature stats and typed
// events. Expired entries are treated as absent on lookup; no background
// sweep runs. Concurrent loads for the same key do not coalesce unless
// WithLoadCoalescing is set.
type ResponseCache struct {
	backend  CacheBackend
	now      func() time.Time
	coalesce *singleflight.Group
	logger   Logger

	mu        sync.Mutex
	stats     map[string]*FeatureStats
	observers []CacheObserver
}

// CacheOption configures a ResponseCache.
type CacheOption func(*ResponseCache)

// WithCacheBackend swaps the storage backend (default in-memory sharded map).
func WithCacheBackend(backend CacheBackend) CacheOption {
	return func(c *ResponseCache) {
		c.backend = backend
	}
}

// WithCacheClock overrides the time source; tests use it to cross TTL
// boundaries without sleeping.
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *ResponseCache) {
		c.now = now
	}
}

// WithLoadCoalescing merges concurrent loads for the same key onto one
// loader invocation. Off by default: observable semantics are unchanged
// either way, coalescing only reduces duplicate loader work.
func WithLoadCoalescing() CacheOption {
	return func(c *ResponseCache) {
		c.coalesce = singleflight.New()
	}
}

// WithCacheLogger sets the cache logger.
func WithCacheLogger(logger Logger) CacheOption {
	return func(c *ResponseCache) {
		c.logger = logger
	}
}

// NewResponseCache creates a ResponseCache.
func NewResponseCache(opts ...CacheOption) *ResponseCache {
	c := &ResponseCache{
		backend: NewInMemoryCacheBackend(),
		now:     time.Now,
		stats:   make(map[string]*FeatureStats),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe registers an observer for cache events.
func (c *ResponseCache) Subscribe(observer CacheObserver) {
	c.mu.Lock()
	c.observers = append(c.observers, observer)
	c.mu.Unlock()
}

// GetOrLoad returns the cached value for feature+key when fresh, otherwise
// runs loader and stores its result for ttl. A loader failure caches
// nothing and is returned as-is.
func (c *ResponseCache) GetOrLoad(ctx context.Context, feature, key string, ttl time.Duration, loader Loader) (interface{}, error) {
	composite := feature + ":" + key

	if entry, found := c.backend.Get(composite); found {
		if c.now().Before(entry.ExpiresAt) {
			c.bump(feature, func(fs *FeatureStats) { fs.Hits++ })
			c.emit(CacheEvent{Type: CacheHit, Feature: feature, Key: key, ExpiresAt: entry.ExpiresAt})
			return entry.Value, nil
		}
		c.backend.Delete(composite)
		c.emit(CacheEvent{Type: CacheStaleEvict, Feature: feature, Key: key, ExpiresAt: entry.ExpiresAt})
		if c.logger != nil {
			c.logger.Debug("evicted stale entry", "feature", feature, "key", key)
		}
	}

	c.bump(feature, func(fs *FeatureStats) { fs.Misses++ })
	c.emit(CacheEvent{Type: CacheMiss, Feature: feature, Key: key})

	load := func() (interface{}, error) {
		value, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		expiresAt := c.now().Add(ttl)
		c.backend.Set(composite, &CacheEntry{Value: value, ExpiresAt: expiresAt})
		c.bump(feature, func(fs *FeatureStats) { fs.Sets++ })
		c.emit(CacheEvent{Type: CacheSet, Feature: feature, Key: key, ExpiresAt: expiresAt})
		return value, nil
	}

	if c.coalesce != nil {
		return c.coalesce.Do(composite, load)
	}
	return load()
}

// Stats returns a deep-copied snapshot of the per-feature counters.
func (c *ResponseCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	snapshot := make(CacheStats, len(c.stats))
	for feature, fs := range c.stats {
		snapshot[feature] = *fs
	}
	return snapshot
}

// Invalidate drops a single entry.
func (c *ResponseCache) Invalidate(feature, key string) {
	c.backend.Delete(feature + ":" + key)
}

// Clear drops all entries. Counters are not reset; they are cumulative for
// the process lifetime.
func (c *ResponseCache) Clear() {
	c.backend.Clear()
}

func (c *ResponseCache) bump(feature string, update func(*FeatureStats)) {
	c.mu.Lock()
	fs, ok := c.stats[feature]
	if !ok {
		fs = &FeatureStats{}
		c.stats[feature] = fs
	}
	update(fs)
	c.mu.Unlock()
}

func (c *ResponseCache) emit(event CacheEvent) {
	c.mu.Lock()
	observers := make([]CacheObserver, len(c.observers))
	copy(observers, c.observers)
	c.mu.Unlock()

	for _, observer := range observers {
		observer(event)
	}
}

// InMemoryCacheBackend is a sharded in-memory CacheBackend.
type InMemoryCacheBackend struct {
	shards    []*cacheShard
	numShards int
}

type cacheShard struct {
	mu    sync.RWMutex
	store map[string]*CacheEntry
}

// NewInMemoryCacheBackend creates the default backend.
func NewInMemoryCacheBackend() *InMemoryCacheBackend {
	numShards := 16
	shards := make([]*cacheShard, numShards)
	for i := range shards {
		shards[i] = &cacheShard{
			store: make(map[string]*CacheEntry),
		}
	}
	return &InMemoryCacheBackend{
		shards:    shards,
		numShards: numShards,
	}
}

func (c *InMemoryCacheBackend) getShard(key string) *cacheShard {
	hash := fnv.New32a()
	hash.Write([]byte(key))
	return c.shards[hash.Sum32()%uint32(c.numShards)]
}

// Get returns the entry for key regardless of expiry; the cache layer above
// decides staleness.
func (c *InMemoryCacheBackend) Get(key string) (*CacheEntry, bool) {
	shard := c.getShard(key)
	shard.mu.RLock()
	defer shard.mu.RUnlock()

	entry, exists := shard.store[key]
	return entry, exists
}

// Set stores an entry.
func (c *InMemoryCacheBackend) Set(key string, entry *CacheEntry) {
	shard := c.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	shard.store[key] = entry
}

// Delete removes an entry.
func (c *InMemoryCacheBackend) Delete(key string) {
	shard := c.getShard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	delete(shard.store, key)
}

// Clear removes all entries.
func (c *InMemoryCacheBackend) Clear() {
	for _, shard := range c.shards {
		shard.mu.Lock()
		shard.store = make(map[string]*CacheEntry)
		shard.mu.Unlock()
	}
}

// Len reports the total entry count across shards.
func (c *InMemoryCacheBackend) Len() int {
	total := 0
	for _, shard := range c.shards {
		shard.mu.RLock()
		total += len(shard.store)
		shard.mu.RUnlock()
	}
	return total
}
