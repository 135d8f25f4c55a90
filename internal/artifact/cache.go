// SPDX-License-Identifier: MIT

package artifact

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// StatusCache holds per-file kind->state maps with a bounded TTL and
// event-driven invalidation. It never writes to disk.
type StatusCache interface {
	// Get returns the cached states for mediaPath, or ok=false when the
	// entry is missing, expired, or partially invalidated.
	Get(ctx context.Context, mediaPath string) (map[Kind]State, bool)
	// Put stores a full kind->state record for mediaPath.
	Put(ctx context.Context, mediaPath string, states map[Kind]State) error
	// Invalidate marks one (mediaPath, kind) pair stale so the next read
	// re-probes.
	Invalidate(ctx context.Context, mediaPath string, kind Kind) error
	// Drop removes the entire entry for mediaPath.
	Drop(ctx context.Context, mediaPath string) error
	Close() error
}

// DefaultCacheTTL bounds how long a cached status record may be served.
const DefaultCacheTTL = 30 * time.Second

// NewStatusCache constructs a status cache for the configured backend.
// Supported backends: "memory" (default) and "redis".
func NewStatusCache(backend, redisAddr string, ttl time.Duration) (StatusCache, error) {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	switch backend {
	case "", "memory":
		return NewMemoryCache(ttl), nil
	case "redis":
		if redisAddr == "" {
			return nil, fmt.Errorf("redis status cache requires an address")
		}
		return NewRedisCache(redisAddr, ttl), nil
	default:
		return nil, fmt.Errorf("unknown status cache backend: %s (supported: memory, redis)", backend)
	}
}

type memoryEntry struct {
	states  map[Kind]State
	checked time.Time
}

// MemoryCache is the default in-process StatusCache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryCache returns a memory-backed cache with the given TTL.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, mediaPath string) (map[Kind]State, bool) {
	c.mu.RLock()
	e, ok := c.entries[mediaPath]
	c.mu.RUnlock()
	if !ok || c.now().Sub(e.checked) > c.ttl {
		return nil, false
	}
	out := make(map[Kind]State, len(e.states))
	for k, v := range e.states {
		out[k] = v
	}
	return out, true
}

func (c *MemoryCache) Put(_ context.Context, mediaPath string, states map[Kind]State) error {
	cp := make(map[Kind]State, len(states))
	for k, v := range states {
		cp[k] = v
	}
	c.mu.Lock()
	c.entries[mediaPath] = memoryEntry{states: cp, checked: c.now()}
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Invalidate(_ context.Context, mediaPath string, kind Kind) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[mediaPath]
	if !ok {
		return nil
	}
	delete(e.states, kind)
	if len(e.states) == 0 {
		delete(c.entries, mediaPath)
	}
	return nil
}

func (c *MemoryCache) Drop(_ context.Context, mediaPath string) error {
	c.mu.Lock()
	delete(c.entries, mediaPath)
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Close() error { return nil }

var _ StatusCache = (*MemoryCache)(nil)

// CachedProbe reads artifact states through the cache, probing on miss.
// Concurrent readers of the same path share one probe pass (single writer
// lane per key).
type CachedProbe struct {
	probe *Probe
	cache StatusCache
	group singleflight.Group
}

// NewCachedProbe wires a probe to a cache.
func NewCachedProbe(probe *Probe, cache StatusCache) *CachedProbe {
	return &CachedProbe{probe: probe, cache: cache}
}

// States returns the kind->state map for mediaPath, serving from cache when
// fresh. Partial invalidation (a missing kind) forces a full re-probe of the
// file so the record stays complete.
func (cp *CachedProbe) States(ctx context.Context, mediaPath string) (map[Kind]State, error) {
	if states, ok := cp.cache.Get(ctx, mediaPath); ok {
		if len(states) == len(AllKinds()) {
			return states, nil
		}
	}

	v, err, _ := cp.group.Do(mediaPath, func() (any, error) {
		states := make(map[Kind]State, len(AllKinds()))
		for _, k := range AllKinds() {
			states[k] = cp.probe.Check(mediaPath, k).State
		}
		if err := cp.cache.Put(ctx, mediaPath, states); err != nil {
			return nil, err
		}
		return states, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[Kind]State), nil
}

// State returns the state of a single (mediaPath, kind) pair through the cache.
func (cp *CachedProbe) State(ctx context.Context, mediaPath string, kind Kind) (State, error) {
	states, err := cp.States(ctx, mediaPath)
	if err != nil {
		return StateFailed, err
	}
	return states[kind], nil
}

// Invalidate forwards a finished-event invalidation to the cache.
func (cp *CachedProbe) Invalidate(ctx context.Context, mediaPath string, kind Kind) {
	_ = cp.cache.Invalidate(ctx, mediaPath, kind)
}

// Drop forwards a file-removed invalidation to the cache.
func (cp *CachedProbe) Drop(ctx context.Context, mediaPath string) {
	_ = cp.cache.Drop(ctx, mediaPath)
}
