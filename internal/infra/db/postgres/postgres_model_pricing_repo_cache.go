package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"email-triage-pipeline/internal/domain/model"
	"email-triage-pipeline/internal/domain/ports/repository"
	"email-triage-pipeline/internal/infra/metrics"
	red "email-triage-pipeline/internal/infra/redis"
)

var _ repository.ModelPricingRepository = (*modelPricingRepoCacheDecorator)(nil)

// modelPricingRepoCacheDecorator caches pricing rows in Redis; the cost
// estimator hits this on every flush, the table changes almost never.
type modelPricingRepoCacheDecorator struct {
	inner repository.ModelPricingRepository
	cache red.RedisClient
	ttl   time.Duration
}

func NewModelPricingRepoCacheDecorator(inner repository.ModelPricingRepository, cache red.RedisClient, ttl time.Duration) repository.ModelPricingRepository {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &modelPricingRepoCacheDecorator{inner: inner, cache: cache, ttl: ttl}
}

func (d *modelPricingRepoCacheDecorator) GetByModelName(ctx context.Context, tx repository.Tx, modelName string) (*model.ModelPricing, error) {
	key := fmt.Sprintf("model_pricing:%s", modelName)
	val, err := d.cache.Get(ctx, key)
	if err == nil {
		var p model.ModelPricing
		if json.Unmarshal([]byte(val), &p) == nil {
			metrics.IncCacheRequest("model_pricing", "hit")
			return &p, nil
		}
	} else if err != redis.Nil {
		// Redis trouble is not a reason to fail a lookup; fall through to the DB.
	}

	metrics.IncCacheRequest("model_pricing", "miss")
	p, err := d.inner.GetByModelName(ctx, tx, modelName)
	if err != nil {
		return nil, err
	}
	if p != nil {
		b, _ := json.Marshal(p)
		_ = d.cache.Set(ctx, key, b, d.ttl)
	}
	return p, nil
}

// Write operations must invalidate the cache.

func (d *modelPricingRepoCacheDecorator) Create(ctx context.Context, tx repository.Tx, p *model.ModelPricing) error {
	_ = d.cache.Del(ctx, "model_pricing:all_active")
	return d.inner.Create(ctx, tx, p)
}

func (d *modelPricingRepoCacheDecorator) Update(ctx context.Context, tx repository.Tx, p *model.ModelPricing) error {
	_ = d.cache.Del(ctx, fmt.Sprintf("model_pricing:%s", p.ModelName))
	_ = d.cache.Del(ctx, "model_pricing:all_active")
	return d.inner.Update(ctx, tx, p)
}

func (d *modelPricingRepoCacheDecorator) ListActive(ctx context.Context, tx repository.Tx) ([]*model.ModelPricing, error) {
	key := "model_pricing:all_active"
	val, err := d.cache.Get(ctx, key)
	if err == nil {
		var prices []*model.ModelPricing
		if json.Unmarshal([]byte(val), &prices) == nil {
			metrics.IncCacheRequest("model_pricing_list", "hit")
			return prices, nil
		}
	}
	metrics.IncCacheRequest("model_pricing_list", "miss")
	prices, err := d.inner.ListActive(ctx, tx)
	if err != nil {
		return nil, err
	}
	if len(prices) > 0 {
		b, _ := json.Marshal(prices)
		_ = d.cache.Set(ctx, key, b, d.ttl)
	}
	return prices, nil
}
