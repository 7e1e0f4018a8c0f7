// Package settings holds the single global inventory configuration consulted
// by the stock ledger on every costed operation.
package settings

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/meridian-erp/meridian-erp/internal/costing"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

const cacheKey = "meridian:settings:cost_update_method"

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	GetCostMethod(ctx context.Context) (costing.Method, error)
	SetCostMethod(ctx context.Context, method costing.Method) error
}

// AuditPort records settings changes.
type AuditPort interface {
	Record(ctx context.Context, record shared.AuditRecord) error
}

// Service serves the cost update method with a short-TTL redis cache in front
// of the database row. Implements the settings port of the stock ledger.
type Service struct {
	repo   RepositoryPort
	cache  *redis.Client
	audit  AuditPort
	logger *slog.Logger
	ttl    time.Duration
}

// NewService constructs the settings service. cache may be nil, in which case
// every read hits the database.
func NewService(repo RepositoryPort, cache *redis.Client, audit AuditPort, logger *slog.Logger, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Service{repo: repo, cache: cache, audit: audit, logger: logger, ttl: ttl}
}

// CostMethod returns the active cost attribution policy.
func (s *Service) CostMethod(ctx context.Context) (costing.Method, error) {
	if s.cache != nil {
		cached, err := s.cache.Get(ctx, cacheKey).Result()
		if err == nil {
			method, parseErr := costing.ParseMethod(cached)
			if parseErr == nil {
				return method, nil
			}
			// poisoned entry, drop it and fall through
			_ = s.cache.Del(ctx, cacheKey).Err()
		} else if !errors.Is(err, redis.Nil) {
			s.logger.Warn("settings cache read failed", slog.Any("error", err))
		}
	}
	method, err := s.repo.GetCostMethod(ctx)
	if err != nil {
		return "", err
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, cacheKey, string(method), s.ttl).Err(); err != nil {
			s.logger.Warn("settings cache write failed", slog.Any("error", err))
		}
	}
	return method, nil
}

// UpdateCostMethod validates and stores a new policy, then invalidates the
// cache so the next ledger operation observes it.
func (s *Service) UpdateCostMethod(ctx context.Context, raw string, actorID int64) (costing.Method, error) {
	method, err := costing.ParseMethod(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidMethod, raw)
	}
	previous, err := s.repo.GetCostMethod(ctx)
	if err != nil {
		return "", err
	}
	if err := s.repo.SetCostMethod(ctx, method); err != nil {
		return "", err
	}
	if s.cache != nil {
		if err := s.cache.Del(ctx, cacheKey).Err(); err != nil {
			s.logger.Warn("settings cache invalidation failed", slog.Any("error", err))
		}
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditRecord{
			EntityType: "inventory_settings",
			EntityID:   "cost_update_method",
			Action:     "settings.update",
			Changes:    map[string]any{"from": string(previous), "to": string(method)},
			ActorID:    actorID,
		})
	}
	return method, nil
}

// ErrInvalidMethod rejects unknown cost method names.
var ErrInvalidMethod = errors.New("settings: invalid cost update method")
