package tenantconfig

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/lanternforge/ragcore/internal/tenantkeys"
)

// Service is the Redis-backed tenant config store.
type Service struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// NewService creates a tenant config Service.
func NewService(rdb *redis.Client, logger *slog.Logger) *Service {
	return &Service{rdb: rdb, logger: logger}
}

func key(tenantID uuid.UUID) string {
	return tenantkeys.Cache(tenantID, "config", "default")
}

// Get returns the tenant's current configuration, or the zero-value
// Config (personalization disabled, no overrides) if none is stored —
// spec §4.10's "_is_personalization_enabled" defaults to disabled on a
// missing record.
func (s *Service) Get(ctx context.Context, tenantID uuid.UUID) (Response, error) {
	raw, err := s.rdb.Get(ctx, key(tenantID)).Result()
	if errors.Is(err, redis.Nil) {
		return Response{}, nil
	}
	if err != nil {
		return Response{}, err
	}

	var stored storedConfig
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		s.logger.Error("corrupt tenant config, treating as default", "tenant_id", tenantID, "error", err)
		return Response{}, nil
	}

	return Response{Config: stored.Config, UpdatedAt: stored.UpdatedAt.Format(time.RFC3339)}, nil
}

// Update merges req into the stored Config (unset fields are left
// unchanged) and persists it.
func (s *Service) Update(ctx context.Context, tenantID uuid.UUID, req UpdateRequest) (Response, error) {
	current, err := s.Get(ctx, tenantID)
	if err != nil {
		return Response{}, err
	}

	cfg := current.Config
	if req.PersonalizationEnabled != nil {
		cfg.PersonalizationEnabled = *req.PersonalizationEnabled
	}
	if req.RateLimitPerMinute != nil {
		cfg.RateLimitPerMinute = *req.RateLimitPerMinute
	}
	if req.ToolAllowlist != nil {
		cfg.ToolAllowlist = req.ToolAllowlist
	}

	now := time.Now()
	stored := storedConfig{Config: cfg, UpdatedAt: now}
	payload, err := json.Marshal(stored)
	if err != nil {
		return Response{}, err
	}
	if err := s.rdb.Set(ctx, key(tenantID), payload, 0).Err(); err != nil {
		return Response{}, err
	}

	return Response{Config: cfg, UpdatedAt: now.Format(time.RFC3339)}, nil
}

type storedConfig struct {
	Config
	UpdatedAt time.Time `json:"updated_at"`
}
