package redisdb

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	domainrag "ragweave/internal/domain/rag"
	applog "ragweave/internal/platform/log"
)

// AnswerCache 应答 Redis 缓存，多实例部署时共享命中。
// 键已含语料版本号，摄入后旧键靠 TTL 自然过期。
type AnswerCache struct {
	redis  *redis.Client
	ttl    time.Duration
	prefix string
}

// NewAnswerCache 创建应答缓存
func NewAnswerCache(rdb *redis.Client, ttlSeconds int) *AnswerCache {
	ttl := 5 * time.Minute
	if ttlSeconds > 0 {
		ttl = time.Duration(ttlSeconds) * time.Second
	}
	return &AnswerCache{
		redis:  rdb,
		ttl:    ttl,
		prefix: "rag:answer:",
	}
}

func (c *AnswerCache) key(tenantID, fp string) string {
	return c.prefix + tenantID + ":" + fp
}

func (c *AnswerCache) tenantPattern(tenantID string) string {
	return c.prefix + tenantID + ":*"
}

// Get 查询缓存
func (c *AnswerCache) Get(ctx context.Context, tenantID, fp string) (*domainrag.CachedAnswer, bool) {
	data, err := c.redis.Get(ctx, c.key(tenantID, fp)).Bytes()
	if err != nil {
		return nil, false
	}

	var ans domainrag.CachedAnswer
	if err := json.Unmarshal(data, &ans); err != nil {
		applog.Warn("[RAG/AnswerCache] Failed to unmarshal cached answer", "error", err)
		return nil, false
	}
	applog.Debug("[RAG/AnswerCache] Hit", "tenant_id", tenantID)
	return &ans, true
}

// Set 写入缓存，失败只记日志
func (c *AnswerCache) Set(ctx context.Context, tenantID, fp string, ans *domainrag.CachedAnswer) {
	data, err := json.Marshal(ans)
	if err != nil {
		applog.Warn("[RAG/AnswerCache] Failed to marshal answer", "error", err)
		return
	}
	if err := c.redis.Set(ctx, c.key(tenantID, fp), data, c.ttl).Err(); err != nil {
		applog.Warn("[RAG/AnswerCache] Failed to set cache", "error", err)
	}
}

// Invalidate 清空租户缓存（SCAN 渐进删除，不阻塞 Redis）
func (c *AnswerCache) Invalidate(ctx context.Context, tenantID string) {
	iter := c.redis.Scan(ctx, 0, c.tenantPattern(tenantID), 200).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) >= 200 {
			c.redis.Del(ctx, keys...)
			keys = keys[:0]
		}
	}
	if len(keys) > 0 {
		c.redis.Del(ctx, keys...)
	}
	if err := iter.Err(); err != nil {
		applog.Warn("[RAG/AnswerCache] Invalidate scan failed", "tenant_id", tenantID, "error", err)
	}
}

// Size 返回租户缓存条数
func (c *AnswerCache) Size(ctx context.Context, tenantID string) int {
	iter := c.redis.Scan(ctx, 0, c.tenantPattern(tenantID), 200).Iterator()
	count := 0
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		applog.Warn("[RAG/AnswerCache] Size scan failed", "tenant_id", tenantID, "error", err)
	}
	return count
}
