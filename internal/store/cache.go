package store

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"

	"phaseforge/internal/logging"
)

// planCacheTTL bounds staleness between the cache and the database; plan
// saves refresh the entry, so the TTL only matters for external writers.
const planCacheTTL = 5 * time.Minute

// PlanCache is a redis read-through cache for serialized plans. Cache
// errors degrade to database reads, never to request failures.
type PlanCache struct {
	client *redis.Client
}

// NewPlanCache connects to redis and verifies the connection.
func NewPlanCache(redisURL string) (*PlanCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &PlanCache{client: client}, nil
}

func planKey(planID string) string {
	return "phaseforge:plan:" + planID
}

// GetPlan returns the cached serialized plan, if present.
func (c *PlanCache) GetPlan(ctx context.Context, planID string) ([]byte, bool) {
	raw, err := c.client.Get(ctx, planKey(planID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			logging.S().Debugw("Store: plan cache read failed", "plan_id", planID, "error", err)
		}
		return nil, false
	}
	return raw, true
}

// SetPlan caches a serialized plan.
func (c *PlanCache) SetPlan(ctx context.Context, planID string, raw []byte) {
	if err := c.client.Set(ctx, planKey(planID), raw, planCacheTTL).Err(); err != nil {
		logging.S().Debugw("Store: plan cache write failed", "plan_id", planID, "error", err)
	}
}

// InvalidatePlan drops a plan's cache entry.
func (c *PlanCache) InvalidatePlan(ctx context.Context, planID string) {
	if err := c.client.Del(ctx, planKey(planID)).Err(); err != nil {
		logging.S().Debugw("Store: plan cache invalidate failed", "plan_id", planID, "error", err)
	}
}

// Close releases the redis connection.
func (c *PlanCache) Close() {
	_ = c.client.Close()
}
