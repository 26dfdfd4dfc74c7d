package cache

import (
	"context"
	"time"

	"github.com/parash93/kdm-procurex-backend/internal/domain"
)

type DashboardCache interface {
	Get(ctx context.Context, key string) (*domain.DashboardStats, bool, error)
	Set(ctx context.Context, key string, value *domain.DashboardStats, ttl time.Duration) error
	Invalidate(ctx context.Context, key string) error
}

type NoopDashboardCache struct{}

func (NoopDashboardCache) Get(_ context.Context, _ string) (*domain.DashboardStats, bool, error) {
	return nil, false, nil
}

func (NoopDashboardCache) Set(_ context.Context, _ string, _ *domain.DashboardStats, _ time.Duration) error {
	return nil
}

func (NoopDashboardCache) Invalidate(_ context.Context, _ string) error {
	return nil
}

type ReorderCache interface {
	GetSuggestions(ctx context.Context, key string) ([]domain.ReorderSuggestion, bool, error)
	SetSuggestions(ctx context.Context, key string, value []domain.ReorderSuggestion, ttl time.Duration) error
}

type NoopReorderCache struct{}

func (NoopReorderCache) GetSuggestions(_ context.Context, _ string) ([]domain.ReorderSuggestion, bool, error) {
	return nil, false, nil
}

func (NoopReorderCache) SetSuggestions(_ context.Context, _ string, _ []domain.ReorderSuggestion, _ time.Duration) error {
	return nil
}
