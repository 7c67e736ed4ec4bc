package cache

import (
	"context"
	"sync"
	"time"

	"dexflow/internal/models"
)

type memoryEntry struct {
	order     models.Order
	expiresAt time.Time
}

// MemoryCache is the redis-less OrderCache. Entries expire lazily on read and
// eagerly via Sweep, which is meant to run on a schedule.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

func NewMemoryCache(ttl time.Duration) *MemoryCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *MemoryCache) Set(ctx context.Context, order *models.Order) error {
	if c == nil || order == nil || order.ID == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[order.ID] = memoryEntry{
		order:     *order,
		expiresAt: c.now().Add(c.ttl),
	}
	return nil
}

func (c *MemoryCache) Get(ctx context.Context, id string) (*models.Order, error) {
	if c == nil || id == "" {
		return nil, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[id]
	if !ok {
		return nil, nil
	}
	if c.now().After(entry.expiresAt) {
		delete(c.entries, id)
		return nil, nil
	}
	order := entry.order
	return &order, nil
}

func (c *MemoryCache) Delete(ctx context.Context, id string) error {
	if c == nil || id == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
	return nil
}

// Sweep drops expired entries and returns how many were removed.
func (c *MemoryCache) Sweep() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for id, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, id)
			removed++
		}
	}
	return removed
}

func (c *MemoryCache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
