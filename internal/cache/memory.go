package cache

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	count     int64
	expiresAt time.Time // zero means no expiry
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryCache is an in-process Cache with lazy expiry. It backs the service
// when Redis is disabled and serves as the cache double in tests.
type MemoryCache struct {
	mu       sync.Mutex
	urls     map[string]memoryEntry
	visits   map[string]memoryEntry
	visitTTL time.Duration
	now      func() time.Time
}

// NewMemoryCache creates an empty cache. visitTTL applies to new visit counters;
// zero keeps them forever.
func NewMemoryCache(visitTTL time.Duration) *MemoryCache {
	return &MemoryCache{
		urls:     make(map[string]memoryEntry),
		visits:   make(map[string]memoryEntry),
		visitTTL: visitTTL,
		now:      time.Now,
	}
}

// WithClock replaces the time source, for tests that move time forward.
func (c *MemoryCache) WithClock(now func() time.Time) *MemoryCache {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
	return c
}

func (c *MemoryCache) Get(_ context.Context, code string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.urls[urlKey(code)]
	if !ok {
		return "", ErrMiss
	}
	if e.expired(c.now()) {
		delete(c.urls, urlKey(code))
		return "", ErrMiss
	}
	return e.value, nil
}

func (c *MemoryCache) Set(_ context.Context, code, targetURL string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := memoryEntry{value: targetURL}
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}
	c.urls[urlKey(code)] = e
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, code string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.urls[urlKey(code)]
	delete(c.urls, urlKey(code))
	return ok && !e.expired(c.now()), nil
}

func (c *MemoryCache) IncrementVisits(_ context.Context, code string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	e, ok := c.visits[visitsKey(code)]
	if !ok || e.expired(now) {
		e = memoryEntry{}
		if c.visitTTL > 0 {
			e.expiresAt = now.Add(c.visitTTL)
		}
	}
	e.count++
	c.visits[visitsKey(code)] = e
	return e.count, nil
}

func (c *MemoryCache) GetVisits(_ context.Context, code string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.visits[visitsKey(code)]
	if !ok || e.expired(c.now()) {
		return 0, ErrMiss
	}
	return e.count, nil
}

func (c *MemoryCache) Ping(_ context.Context) error { return nil }

var _ Cache = (*MemoryCache)(nil)
