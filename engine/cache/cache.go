// Package cache memoizes reasoning results by input fingerprint. Every entry
// records the versions of the graph entities it was computed from; a lookup
// is a hit only while all of them are unchanged. Entries also expire by TTL
// and are evicted least-recently-used beyond capacity.
package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/WessleyAI/wessley-diagnostics/pkg/metrics"
)

// VersionSource reports the current version behind a dependency key.
// A missing entity reports 0.
type VersionSource interface {
	EntityVersion(key string) int64
}

// Backend is an optional shared second level. Entries are stored as opaque
// JSON with their dependency keys for cross-replica invalidation.
type Backend interface {
	Get(ctx context.Context, fingerprint string) ([]byte, bool, error)
	Set(ctx context.Context, fingerprint string, data []byte, deps []string, ttl time.Duration) error
	Delete(ctx context.Context, fingerprints ...string) error
	InvalidateByEntity(ctx context.Context, key string) ([]string, error)
}

// Entry is a cached value with its bookkeeping.
type Entry[V any] struct {
	Fingerprint string           `json:"fingerprint"`
	Value       V                `json:"value"`
	Deps        map[string]int64 `json:"deps"`
	CreatedAt   time.Time        `json:"created_at"`
	ExpiresAt   time.Time        `json:"expires_at"`
	LastHit     time.Time        `json:"last_hit,omitempty"`
	Hits        int64            `json:"hits"`
	Latency     time.Duration    `json:"latency"`
}

// Stats are cumulative cache counters.
type Stats struct {
	Entries     int   `json:"entries"`
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Stale       int64 `json:"stale"`
	Expired     int64 `json:"expired"`
	Evicted     int64 `json:"evicted"`
	Invalidated int64 `json:"invalidated"`
}

// HitRate returns hits over lookups, or 0 before the first lookup.
func (s Stats) HitRate() float64 {
	if total := s.Hits + s.Misses; total > 0 {
		return float64(s.Hits) / float64(total)
	}
	return 0
}

type config struct {
	capacity int
	ttl      time.Duration
	backend  Backend
	metrics  *metrics.Registry
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Cache.
type Option func(*config)

// WithCapacity bounds the number of local entries (default 1024).
func WithCapacity(n int) Option { return func(c *config) { c.capacity = n } }

// WithTTL sets the entry lifetime (default 10m).
func WithTTL(d time.Duration) Option { return func(c *config) { c.ttl = d } }

// WithBackend adds a shared second level.
func WithBackend(b Backend) Option { return func(c *config) { c.backend = b } }

// WithMetrics exports cache events.
func WithMetrics(m *metrics.Registry) Option { return func(c *config) { c.metrics = m } }

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option { return func(c *config) { c.now = now } }

// WithLogger sets the cache logger.
func WithLogger(l *slog.Logger) Option { return func(c *config) { c.logger = l } }

// Cache is a concurrency-safe LRU+TTL cache with version-checked entries.
type Cache[V any] struct {
	cfg      config
	versions VersionSource

	mu    sync.Mutex
	ll    *list.List // front = most recently used
	items map[string]*list.Element
	byDep map[string]map[string]struct{}
	stats Stats
}

// New creates a cache validating entries against versions.
func New[V any](versions VersionSource, opts ...Option) *Cache[V] {
	cfg := config{capacity: 1024, ttl: 10 * time.Minute, now: time.Now}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.capacity <= 0 {
		cfg.capacity = 1024
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	return &Cache[V]{
		cfg:      cfg,
		versions: versions,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
		byDep:    make(map[string]map[string]struct{}),
	}
}

// Get returns the entry for fingerprint when it is unexpired and every
// dependency still has its recorded version. Stale and expired entries are
// dropped and reported as misses.
func (c *Cache[V]) Get(ctx context.Context, fingerprint string) (Entry[V], bool) {
	c.mu.Lock()
	if el, ok := c.items[fingerprint]; ok {
		e := el.Value.(*Entry[V])
		if ev := c.check(e); ev != "" {
			c.removeLocked(fingerprint)
			c.missLocked(ev)
			c.mu.Unlock()
			c.deleteBackend(ctx, fingerprint)
			return Entry[V]{}, false
		}
		e.Hits++
		e.LastHit = c.cfg.now()
		c.ll.MoveToFront(el)
		c.stats.Hits++
		out := *e
		c.mu.Unlock()
		c.cfg.metrics.CacheEvent("hit")
		return out, true
	}
	c.mu.Unlock()

	if e, ok := c.getBackend(ctx, fingerprint); ok {
		c.mu.Lock()
		e.Hits++
		e.LastHit = c.cfg.now()
		c.removeLocked(fingerprint)
		c.insertLocked(e)
		c.stats.Hits++
		out := *e
		c.mu.Unlock()
		c.cfg.metrics.CacheEvent("hit")
		return out, true
	}

	c.mu.Lock()
	c.missLocked("miss")
	c.mu.Unlock()
	return Entry[V]{}, false
}

// check returns the reason e is unusable, or "" when it is valid.
func (c *Cache[V]) check(e *Entry[V]) string {
	if !c.cfg.now().Before(e.ExpiresAt) {
		return "expired"
	}
	for key, v := range e.Deps {
		if c.versions.EntityVersion(key) != v {
			return "stale"
		}
	}
	return ""
}

func (c *Cache[V]) missLocked(event string) {
	c.stats.Misses++
	switch event {
	case "stale":
		c.stats.Stale++
	case "expired":
		c.stats.Expired++
	}
	c.cfg.metrics.CacheEvent(event)
}

// Put stores value under fingerprint with the dependency versions it was
// computed from, replacing any previous entry.
func (c *Cache[V]) Put(ctx context.Context, fingerprint string, value V, deps map[string]int64, latency time.Duration) {
	now := c.cfg.now()
	e := &Entry[V]{
		Fingerprint: fingerprint,
		Value:       value,
		Deps:        make(map[string]int64, len(deps)),
		CreatedAt:   now,
		ExpiresAt:   now.Add(c.cfg.ttl),
		Latency:     latency,
	}
	for k, v := range deps {
		e.Deps[k] = v
	}

	c.mu.Lock()
	c.removeLocked(fingerprint)
	c.insertLocked(e)
	c.mu.Unlock()

	if c.cfg.backend == nil {
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		c.cfg.logger.Warn("cache: encode entry", "fingerprint", fingerprint, "err", err)
		return
	}
	if err := c.cfg.backend.Set(ctx, fingerprint, data, sortedKeys(e.Deps), c.cfg.ttl); err != nil {
		c.cfg.logger.Warn("cache: backend set", "fingerprint", fingerprint, "err", err)
	}
}

// InvalidateByEntity drops every entry depending on any of the given
// dependency keys, locally and in the backend. It returns how many local
// entries were removed.
func (c *Cache[V]) InvalidateByEntity(ctx context.Context, keys ...string) int {
	c.mu.Lock()
	var n int
	for _, key := range keys {
		for fp := range c.byDep[key] {
			if c.removeLocked(fp) {
				n++
			}
		}
	}
	c.stats.Invalidated += int64(n)
	c.mu.Unlock()
	for i := 0; i < n; i++ {
		c.cfg.metrics.CacheEvent("invalidated")
	}
	c.cfg.metrics.CacheEntries(c.Len())

	if c.cfg.backend != nil {
		for _, key := range keys {
			if _, err := c.cfg.backend.InvalidateByEntity(ctx, key); err != nil {
				c.cfg.logger.Warn("cache: backend invalidate", "key", key, "err", err)
			}
		}
	}
	return n
}

// Len returns the number of local entries.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Stats returns a snapshot of the counters.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = c.ll.Len()
	return s
}

func (c *Cache[V]) insertLocked(e *Entry[V]) {
	c.items[e.Fingerprint] = c.ll.PushFront(e)
	for key := range e.Deps {
		set, ok := c.byDep[key]
		if !ok {
			set = make(map[string]struct{})
			c.byDep[key] = set
		}
		set[e.Fingerprint] = struct{}{}
	}
	for c.ll.Len() > c.cfg.capacity {
		oldest := c.ll.Back().Value.(*Entry[V])
		c.removeLocked(oldest.Fingerprint)
		c.stats.Evicted++
		c.cfg.metrics.CacheEvent("evicted")
	}
	c.cfg.metrics.CacheEntries(c.ll.Len())
}

func (c *Cache[V]) removeLocked(fingerprint string) bool {
	el, ok := c.items[fingerprint]
	if !ok {
		return false
	}
	e := el.Value.(*Entry[V])
	c.ll.Remove(el)
	delete(c.items, fingerprint)
	for key := range e.Deps {
		if set := c.byDep[key]; set != nil {
			delete(set, fingerprint)
			if len(set) == 0 {
				delete(c.byDep, key)
			}
		}
	}
	return true
}

func (c *Cache[V]) getBackend(ctx context.Context, fingerprint string) (*Entry[V], bool) {
	if c.cfg.backend == nil {
		return nil, false
	}
	data, ok, err := c.cfg.backend.Get(ctx, fingerprint)
	if err != nil {
		c.cfg.logger.Warn("cache: backend get", "fingerprint", fingerprint, "err", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var e Entry[V]
	if err := json.Unmarshal(data, &e); err != nil {
		c.cfg.logger.Warn("cache: decode entry", "fingerprint", fingerprint, "err", err)
		c.deleteBackend(ctx, fingerprint)
		return nil, false
	}
	if ev := c.check(&e); ev != "" {
		c.deleteBackend(ctx, fingerprint)
		c.mu.Lock()
		if ev == "stale" {
			c.stats.Stale++
		} else {
			c.stats.Expired++
		}
		c.mu.Unlock()
		return nil, false
	}
	return &e, true
}

func (c *Cache[V]) deleteBackend(ctx context.Context, fingerprint string) {
	if c.cfg.backend == nil {
		return
	}
	if err := c.cfg.backend.Delete(ctx, fingerprint); err != nil {
		c.cfg.logger.Warn("cache: backend delete", "fingerprint", fingerprint, "err", err)
	}
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
