package statuscache

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/drejom/rbiocverse-sub003/internal/adapter/observability"
	"github.com/drejom/rbiocverse-sub003/internal/domain"
)

// redisCell is the stored JSON blob. InsertedAt travels inside the
// value because the age must survive the round trip.
type redisCell struct {
	Data       domain.ClusterSnapshot `json:"data"`
	InsertedAt time.Time              `json:"insertedAt"`
}

// Redis implements domain.StatusCache on a shared Redis so every
// replica sees one cache. Redis trouble degrades to misses; callers
// refresh over SSH as if the cell were stale.
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedis builds the shared cache. TTL semantics match Memory: zero
// disables, negative never expires.
func NewRedis(rdb *redis.Client, ttl time.Duration) *Redis {
	return &Redis{rdb: rdb, ttl: ttl}
}

func redisKey(user, cluster string) string { return "status:" + user + ":" + cluster }

// Get implements domain.StatusCache.
func (r *Redis) Get(ctx domain.Context, user, cluster string) domain.CacheResult {
	if r.ttl == 0 {
		observability.CacheMiss(cluster)
		return domain.CacheResult{}
	}
	raw, err := r.rdb.Get(ctx, redisKey(user, cluster)).Bytes()
	if err != nil {
		if err != redis.Nil {
			slog.Error("status cache get failed", slog.String("cluster", cluster), slog.Any("error", err))
		}
		observability.CacheMiss(cluster)
		return domain.CacheResult{}
	}
	var c redisCell
	if err := json.Unmarshal(raw, &c); err != nil {
		slog.Error("status cache cell corrupt", slog.String("cluster", cluster), slog.Any("error", err))
		observability.CacheMiss(cluster)
		return domain.CacheResult{}
	}
	age := time.Since(c.InsertedAt)
	if r.ttl > 0 && age >= r.ttl {
		// Redis expiry lags a little; treat it as gone either way.
		observability.CacheMiss(cluster)
		return domain.CacheResult{Age: age}
	}
	observability.CacheHit(cluster)
	return domain.CacheResult{Valid: true, Age: age, Data: c.Data}
}

// Set implements domain.StatusCache. Expiring cells carry a Redis TTL
// so dead cells clean themselves up.
func (r *Redis) Set(ctx domain.Context, user, cluster string, data domain.ClusterSnapshot) {
	if r.ttl == 0 {
		return
	}
	raw, err := json.Marshal(redisCell{Data: data, InsertedAt: time.Now().UTC()})
	if err != nil {
		slog.Error("status cache marshal failed", slog.String("cluster", cluster), slog.Any("error", err))
		return
	}
	var expiry time.Duration
	if r.ttl > 0 {
		expiry = r.ttl
	}
	if err := r.rdb.Set(ctx, redisKey(user, cluster), raw, expiry).Err(); err != nil {
		slog.Error("status cache set failed", slog.String("cluster", cluster), slog.Any("error", err))
	}
}

// Invalidate implements domain.StatusCache.
func (r *Redis) Invalidate(ctx domain.Context, user, cluster string) {
	if cluster != "" {
		if err := r.rdb.Del(ctx, redisKey(user, cluster)).Err(); err != nil {
			slog.Error("status cache invalidate failed", slog.String("cluster", cluster), slog.Any("error", err))
		}
		return
	}
	iter := r.rdb.Scan(ctx, 0, "status:"+user+":*", 0).Iterator()
	for iter.Next(ctx) {
		if err := r.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			slog.Error("status cache invalidate failed", slog.String("key", iter.Val()), slog.Any("error", err))
		}
	}
	if err := iter.Err(); err != nil {
		slog.Error("status cache scan failed", slog.String("user", user), slog.Any("error", err))
	}
}
