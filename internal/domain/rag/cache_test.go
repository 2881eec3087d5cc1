package rag

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestFingerprintNormalization(t *testing.T) {
	a := fingerprint("t1", 3, "What IS   the refund policy?", 0.5, 10, 10, 5, false)
	b := fingerprint("t1", 3, "what is the refund policy?", 0.5, 10, 10, 5, false)
	if a != b {
		t.Fatal("normalized questions must share a fingerprint")
	}
}

func TestFingerprintDiscriminators(t *testing.T) {
	base := fingerprint("t1", 3, "question", 0.5, 10, 10, 5, false)
	cases := map[string]string{
		"tenant":   fingerprint("t2", 3, "question", 0.5, 10, 10, 5, false),
		"version":  fingerprint("t1", 4, "question", 0.5, 10, 10, 5, false),
		"question": fingerprint("t1", 3, "other", 0.5, 10, 10, 5, false),
		"alpha":    fingerprint("t1", 3, "question", 0.7, 10, 10, 5, false),
		"top_k":    fingerprint("t1", 3, "question", 0.5, 10, 10, 3, false),
		"rerank":   fingerprint("t1", 3, "question", 0.5, 10, 10, 5, true),
	}
	for name, fp := range cases {
		if fp == base {
			t.Fatalf("%s change must change the fingerprint", name)
		}
	}
}

func TestMemoryCacheGetSet(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(4, 0)

	if _, ok := c.Get(ctx, "t1", "k1"); ok {
		t.Fatal("expected miss on empty cache")
	}

	c.Set(ctx, "t1", "k1", &CachedAnswer{Answer: "hello"})
	got, ok := c.Get(ctx, "t1", "k1")
	if !ok || got.Answer != "hello" {
		t.Fatalf("expected hit with answer hello, got %v ok=%v", got, ok)
	}

	// 租户隔离
	if _, ok := c.Get(ctx, "t2", "k1"); ok {
		t.Fatal("key must not leak across tenants")
	}
}

func TestMemoryCacheLRUEviction(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(2, 0)

	c.Set(ctx, "t1", "k1", &CachedAnswer{Answer: "a1"})
	c.Set(ctx, "t1", "k2", &CachedAnswer{Answer: "a2"})
	c.Get(ctx, "t1", "k1") // k1 变为最近使用
	c.Set(ctx, "t1", "k3", &CachedAnswer{Answer: "a3"})

	if _, ok := c.Get(ctx, "t1", "k2"); ok {
		t.Fatal("least recently used entry must be evicted")
	}
	if _, ok := c.Get(ctx, "t1", "k1"); !ok {
		t.Fatal("recently used entry must survive")
	}
	if n := c.Size(ctx, "t1"); n != 2 {
		t.Fatalf("expected size 2, got %d", n)
	}
}

func TestMemoryCacheTTL(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(4, 10*time.Millisecond)

	c.Set(ctx, "t1", "k1", &CachedAnswer{Answer: "a"})
	time.Sleep(25 * time.Millisecond)
	if _, ok := c.Get(ctx, "t1", "k1"); ok {
		t.Fatal("expired entry must miss")
	}
}

func TestMemoryCacheSizeSweepsExpired(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(4, 10*time.Millisecond)

	c.Set(ctx, "t1", "k1", &CachedAnswer{Answer: "a"})
	c.Set(ctx, "t1", "k2", &CachedAnswer{Answer: "b"})
	time.Sleep(25 * time.Millisecond)

	// 未经 Get 触达，Size 也不得把过期项算作存活
	if n := c.Size(ctx, "t1"); n != 0 {
		t.Fatalf("expected 0 live entries, got %d", n)
	}
}

func TestMemoryCacheInvalidate(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(4, 0)

	c.Set(ctx, "t1", "k1", &CachedAnswer{Answer: "a"})
	c.Set(ctx, "t2", "k1", &CachedAnswer{Answer: "b"})
	c.Invalidate(ctx, "t1")

	if n := c.Size(ctx, "t1"); n != 0 {
		t.Fatalf("expected empty cache after invalidate, got %d", n)
	}
	if _, ok := c.Get(ctx, "t2", "k1"); !ok {
		t.Fatal("invalidate must not touch other tenants")
	}
}

func TestMemoryCacheConcurrent(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(16, 0)

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i%8)
			c.Set(ctx, "t1", key, &CachedAnswer{Answer: key})
			c.Get(ctx, "t1", key)
			c.Size(ctx, "t1")
		}(i)
	}
	wg.Wait()

	if n := c.Size(ctx, "t1"); n != 8 {
		t.Fatalf("expected 8 entries, got %d", n)
	}
}
