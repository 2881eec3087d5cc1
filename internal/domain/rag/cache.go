package rag

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"
)

// ── 应答指纹 ──────────────────────────────────────────────────

// normalizeQuestion 小写并折叠空白，使同义书写命中同一缓存键
func normalizeQuestion(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}

// fingerprint 计算应答缓存键。键包含语料版本号，摄入后旧键自然失效，
// 无需显式清理。检索参数参与哈希，参数变更不会串用旧答案。
func fingerprint(tenantID string, version int64, question string, alpha float64, kDense, kSparse, topK int, rerank bool) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%s|%g|%d|%d|%d|%t",
		tenantID, version, normalizeQuestion(question),
		alpha, kDense, kSparse, topK, rerank,
	)
	return hex.EncodeToString(h.Sum(nil))
}

// ── 进程内 LRU 缓存 ──────────────────────────────────────────

// MemoryCache 进程内应答缓存，每租户独立 LRU，并发安全。
// 未配置 Redis 时的默认实现。
type MemoryCache struct {
	capacity int
	ttl      time.Duration

	mu      sync.Mutex
	tenants map[string]*tenantCache
}

type tenantCache struct {
	order *list.List // front 为最近使用
	items map[string]*list.Element
}

type cacheEntry struct {
	key       string
	ans       *CachedAnswer
	expiresAt time.Time
}

// NewMemoryCache 创建进程内缓存。ttl<=0 表示不过期。
func NewMemoryCache(capacity int, ttl time.Duration) *MemoryCache {
	if capacity <= 0 {
		capacity = 256
	}
	return &MemoryCache{
		capacity: capacity,
		ttl:      ttl,
		tenants:  make(map[string]*tenantCache),
	}
}

// Get 查询缓存
func (c *MemoryCache) Get(_ context.Context, tenantID, key string) (*CachedAnswer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tc, ok := c.tenants[tenantID]
	if !ok {
		return nil, false
	}
	el, ok := tc.items[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*cacheEntry)
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		tc.order.Remove(el)
		delete(tc.items, key)
		return nil, false
	}
	tc.order.MoveToFront(el)
	return entry.ans, true
}

// Set 写入缓存，超出容量从尾部淘汰
func (c *MemoryCache) Set(_ context.Context, tenantID, key string, ans *CachedAnswer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tc, ok := c.tenants[tenantID]
	if !ok {
		tc = &tenantCache{order: list.New(), items: make(map[string]*list.Element)}
		c.tenants[tenantID] = tc
	}

	var expiresAt time.Time
	if c.ttl > 0 {
		expiresAt = time.Now().Add(c.ttl)
	}

	if el, ok := tc.items[key]; ok {
		entry := el.Value.(*cacheEntry)
		entry.ans = ans
		entry.expiresAt = expiresAt
		tc.order.MoveToFront(el)
		return
	}

	el := tc.order.PushFront(&cacheEntry{key: key, ans: ans, expiresAt: expiresAt})
	tc.items[key] = el

	for tc.order.Len() > c.capacity {
		back := tc.order.Back()
		if back == nil {
			break
		}
		tc.order.Remove(back)
		delete(tc.items, back.Value.(*cacheEntry).key)
	}
}

// Invalidate 清空租户缓存
func (c *MemoryCache) Invalidate(_ context.Context, tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tenants, tenantID)
}

// Size 返回租户存活缓存条数，顺带清扫已过期项
func (c *MemoryCache) Size(_ context.Context, tenantID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	tc, ok := c.tenants[tenantID]
	if !ok {
		return 0
	}
	now := time.Now()
	for el := tc.order.Front(); el != nil; {
		next := el.Next()
		entry := el.Value.(*cacheEntry)
		if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
			tc.order.Remove(el)
			delete(tc.items, entry.key)
		}
		el = next
	}
	return tc.order.Len()
}
