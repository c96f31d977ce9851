package cache

import (
	"context"
	"time"

	"retailpos/internal/domain"
)

// SettingsCache fronts the store settings row, which every settlement reads.
type SettingsCache interface {
	Get(ctx context.Context) (*domain.Settings, bool, error)
	Set(ctx context.Context, value domain.Settings, ttl time.Duration) error
	Invalidate(ctx context.Context) error
}

type NoopSettingsCache struct{}

func (NoopSettingsCache) Get(_ context.Context) (*domain.Settings, bool, error) {
	return nil, false, nil
}

func (NoopSettingsCache) Set(_ context.Context, _ domain.Settings, _ time.Duration) error {
	return nil
}

func (NoopSettingsCache) Invalidate(_ context.Context) error {
	return nil
}
