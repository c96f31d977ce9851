package cache

import (
	"context"
	"sync"
	"time"

	"retailpos/internal/domain"
)

// MemorySettingsCache is a process-local cache used when no Redis is
// configured but repeated settings reads should still be avoided.
type MemorySettingsCache struct {
	mu        sync.Mutex
	value     *domain.Settings
	expiresAt time.Time
	now       func() time.Time
}

func NewMemorySettingsCache() *MemorySettingsCache {
	return &MemorySettingsCache{now: time.Now}
}

func (c *MemorySettingsCache) Get(_ context.Context) (*domain.Settings, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.value == nil || !c.now().Before(c.expiresAt) {
		return nil, false, nil
	}
	copySettings := *c.value
	return &copySettings, true, nil
}

func (c *MemorySettingsCache) Set(_ context.Context, value domain.Settings, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.value = &value
	c.expiresAt = c.now().Add(ttl)
	return nil
}

func (c *MemorySettingsCache) Invalidate(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.value = nil
	return nil
}
