package compliance

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/spaceai-paygate/internal/domain"
	"github.com/xela07ax/spaceai-paygate/internal/infra"
	"go.uber.org/zap"
)

// Cache хранит вердикты до их ExpiresAt. Просроченный вердикт не отдается.
type Cache interface {
	Get(ctx context.Context, subject string, now time.Time) (*domain.Verdict, bool)
	Put(ctx context.Context, subject string, v domain.Verdict, now time.Time)
}

type MemoryCache struct {
	mu       sync.RWMutex
	verdicts map[string]domain.Verdict
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{verdicts: make(map[string]domain.Verdict)}
}

func (c *MemoryCache) Get(_ context.Context, subject string, now time.Time) (*domain.Verdict, bool) {
	c.mu.RLock()
	v, ok := c.verdicts[subject]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !v.FreshAt(now) {
		c.mu.Lock()
		delete(c.verdicts, subject)
		c.mu.Unlock()
		return nil, false
	}
	return &v, true
}

func (c *MemoryCache) Put(_ context.Context, subject string, v domain.Verdict, now time.Time) {
	if !v.FreshAt(now) {
		return
	}
	c.mu.Lock()
	c.verdicts[subject] = v
	c.mu.Unlock()
}

// RedisCache — общий кэш инстансов; TTL ключа равен остатку жизни вердикта.
type RedisCache struct {
	rdb    *redis.Client
	logger *zap.Logger
}

func NewRedisCache(rdb *redis.Client, logger *zap.Logger) *RedisCache {
	return &RedisCache{rdb: rdb, logger: logger.Named("verdict-cache")}
}

func (c *RedisCache) Get(ctx context.Context, subject string, now time.Time) (*domain.Verdict, bool) {
	raw, err := c.rdb.Get(ctx, infra.VerdictKey(subject)).Bytes()
	if err != nil {
		// redis.Nil и сетевые ошибки одинаково означают промах
		return nil, false
	}
	var v domain.Verdict
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false
	}
	// Часы Redis и наши могут расходиться: свежесть проверяется здесь
	if !v.FreshAt(now) {
		return nil, false
	}
	return &v, true
}

func (c *RedisCache) Put(ctx context.Context, subject string, v domain.Verdict, now time.Time) {
	ttl := v.ExpiresAt.Sub(now)
	if ttl <= 0 {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, infra.VerdictKey(subject), raw, ttl).Err(); err != nil {
		c.logger.Warn("verdict cache write failed", zap.String("subject", subject), zap.Error(err))
	}
}
