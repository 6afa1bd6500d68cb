package waittime

import (
	"context"
	"sync"
	"time"
)

// Cache maps a location to its most recently observed average service
// duration in minutes. Values are written whole and expire; they are never
// updated in place.
type Cache interface {
	Get(ctx context.Context, locationID string) (float64, bool, error)
	Set(ctx context.Context, locationID string, minutes float64) error
}

type cacheEntry struct {
	minutes    float64
	insertedAt time.Time
	ttl        time.Duration
}

func (e *cacheEntry) expired(now time.Time) bool {
	return !now.Before(e.insertedAt.Add(e.ttl))
}

// MemoryCache is an in-process Cache. A zero or negative ttl disables caching.
type MemoryCache struct {
	ttl     time.Duration
	now     func() time.Time
	entries sync.Map
}

func NewMemoryCache(ttl time.Duration, now func() time.Time) *MemoryCache {
	if now == nil {
		now = time.Now
	}
	return &MemoryCache{ttl: ttl, now: now}
}

func (c *MemoryCache) Get(_ context.Context, locationID string) (float64, bool, error) {
	value, ok := c.entries.Load(locationID)
	if !ok {
		return 0, false, nil
	}
	entry := value.(*cacheEntry)
	if entry.expired(c.now()) {
		c.entries.CompareAndDelete(locationID, entry)
		return 0, false, nil
	}
	return entry.minutes, true, nil
}

func (c *MemoryCache) Set(_ context.Context, locationID string, minutes float64) error {
	if c.ttl <= 0 {
		return nil
	}
	c.entries.Store(locationID, &cacheEntry{minutes: minutes, insertedAt: c.now(), ttl: c.ttl})
	return nil
}
