package client

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/pesio-ai/be-lifecycle-engine/internal/lifecycle"
)

// ThresholdStore is the durable source of tenant threshold overrides.
type ThresholdStore interface {
	TenantThresholds(ctx context.Context, tenantID string) (lifecycle.Thresholds, error)
	SetTenantThreshold(ctx context.Context, tenantID string, t lifecycle.EntityType, threshold decimal.Decimal) error
}

const thresholdKeyPrefix = "thresholds:"

// ThresholdCache is a Redis read-through cache in front of a ThresholdStore.
// Redis failures degrade to reading the store directly.
type ThresholdCache struct {
	rdb   *redis.Client
	store ThresholdStore
	ttl   time.Duration
	log   zerolog.Logger
}

// NewThresholdCache creates a cache. A nil rdb disables caching.
func NewThresholdCache(rdb *redis.Client, store ThresholdStore, ttl time.Duration, log zerolog.Logger) *ThresholdCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ThresholdCache{rdb: rdb, store: store, ttl: ttl, log: log}
}

// TenantThresholds returns the overrides of a tenant.
func (c *ThresholdCache) TenantThresholds(ctx context.Context, tenantID string) (lifecycle.Thresholds, error) {
	if c.rdb == nil {
		return c.store.TenantThresholds(ctx, tenantID)
	}

	key := thresholdKeyPrefix + tenantID
	raw, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var th lifecycle.Thresholds
		if err := json.Unmarshal(raw, &th); err == nil {
			return th, nil
		}
		c.log.Warn().Str("tenant_id", tenantID).Msg("threshold cache: dropping undecodable entry")
	case errors.Is(err, redis.Nil):
	default:
		c.log.Warn().Err(err).Str("tenant_id", tenantID).Msg("threshold cache: redis get failed, reading store")
	}

	th, err := c.store.TenantThresholds(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(th)
	if err == nil {
		err = c.rdb.Set(ctx, key, data, c.ttl).Err()
	}
	if err != nil {
		c.log.Warn().Err(err).Str("tenant_id", tenantID).Msg("threshold cache: failed to populate")
	}
	return th, nil
}

// SetTenantThreshold writes through to the store and drops the cached entry.
func (c *ThresholdCache) SetTenantThreshold(ctx context.Context, tenantID string, t lifecycle.EntityType, threshold decimal.Decimal) error {
	if err := c.store.SetTenantThreshold(ctx, tenantID, t, threshold); err != nil {
		return err
	}
	c.Invalidate(ctx, tenantID)
	return nil
}

// Invalidate drops the cached overrides of a tenant.
func (c *ThresholdCache) Invalidate(ctx context.Context, tenantID string) {
	if c.rdb == nil {
		return
	}
	if err := c.rdb.Del(ctx, thresholdKeyPrefix+tenantID).Err(); err != nil {
		c.log.Warn().Err(err).Str("tenant_id", tenantID).Msg("threshold cache: failed to invalidate")
	}
}
