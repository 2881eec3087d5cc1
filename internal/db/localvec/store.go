// Package localvec 提供嵌入式余弦相似度向量存储。
// 默认后端，单机部署无需外部向量数据库。支持并发读，
// 写入由引擎的租户摄入锁串行化。
package localvec

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"ragweave/internal/domain/rag"
	applog "ragweave/internal/platform/log"
)

// Store 进程内向量存储，按租户分桶。
// dataDir 非空时每租户落一个 JSON 快照，进程重启可恢复。
type Store struct {
	dataDir string

	mu      sync.RWMutex
	tenants map[string]map[string][]float32 // tenantID → chunkID → vector
}

// New 创建存储。dataDir 非空时加载已有快照。
func New(dataDir string) (*Store, error) {
	s := &Store{
		dataDir: dataDir,
		tenants: make(map[string]map[string][]float32),
	}
	if dataDir != "" {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		if err := s.loadSnapshots(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add 写入向量记录，同 ID 覆盖
func (s *Store) Add(_ context.Context, tenantID string, recs []rag.VectorRecord) error {
	s.mu.Lock()
	bucket, ok := s.tenants[tenantID]
	if !ok {
		bucket = make(map[string][]float32)
		s.tenants[tenantID] = bucket
	}
	for _, r := range recs {
		vec := make([]float32, len(r.Vector))
		copy(vec, r.Vector)
		bucket[r.ChunkID] = vec
	}
	s.mu.Unlock()

	return s.persist(tenantID)
}

// Query 余弦相似度 top-k。同分按 chunkID 升序，结果确定。
func (s *Store) Query(_ context.Context, tenantID string, vector []float32, k int) ([]rag.VectorMatch, error) {
	if k <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	bucket := s.tenants[tenantID]
	matches := make([]rag.VectorMatch, 0, len(bucket))
	for chunkID, vec := range bucket {
		matches = append(matches, rag.VectorMatch{
			ChunkID: chunkID,
			Score:   cosineSimilarity(vector, vec),
		})
	}
	s.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ChunkID < matches[j].ChunkID
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// DeleteChunks 删除指定块
func (s *Store) DeleteChunks(_ context.Context, tenantID string, chunkIDs []string) error {
	s.mu.Lock()
	bucket := s.tenants[tenantID]
	for _, id := range chunkIDs {
		delete(bucket, id)
	}
	s.mu.Unlock()

	return s.persist(tenantID)
}

// DeleteTenant 删除租户全部向量
func (s *Store) DeleteTenant(_ context.Context, tenantID string) error {
	s.mu.Lock()
	delete(s.tenants, tenantID)
	s.mu.Unlock()

	if s.dataDir != "" {
		path := s.snapshotPath(tenantID)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove snapshot: %w", err)
		}
	}
	return nil
}

// Count 返回租户向量条数
func (s *Store) Count(_ context.Context, tenantID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tenants[tenantID]), nil
}

// ── 快照 ──────────────────────────────────────────────────────

type snapshot struct {
	TenantID string               `json:"tenant_id"`
	Vectors  map[string][]float32 `json:"vectors"`
}

func (s *Store) snapshotPath(tenantID string) string {
	return filepath.Join(s.dataDir, fmt.Sprintf("vectors_%s.json", tenantID))
}

// persist 写出租户快照。写临时文件后改名，避免半写状态。
func (s *Store) persist(tenantID string) error {
	if s.dataDir == "" {
		return nil
	}

	s.mu.RLock()
	bucket, ok := s.tenants[tenantID]
	snap := snapshot{TenantID: tenantID, Vectors: make(map[string][]float32, len(bucket))}
	if ok {
		for id, vec := range bucket {
			snap.Vectors[id] = vec
		}
	}
	s.mu.RUnlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	path := s.snapshotPath(tenantID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return os.Rename(tmp, path)
}

// loadSnapshots 启动时恢复全部租户快照，损坏的跳过
func (s *Store) loadSnapshots() error {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return fmt.Errorf("read data dir: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dataDir, name))
		if err != nil {
			applog.Warn("[LocalVec] Failed to read snapshot", "file", name, "error", err)
			continue
		}
		var snap snapshot
		if err := json.Unmarshal(data, &snap); err != nil || snap.TenantID == "" {
			applog.Warn("[LocalVec] Skipping corrupt snapshot", "file", name, "error", err)
			continue
		}
		s.tenants[snap.TenantID] = snap.Vectors
		applog.Info("[LocalVec] Snapshot loaded", "tenant_id", snap.TenantID, "vectors", len(snap.Vectors))
	}
	return nil
}

// cosineSimilarity 余弦相似度，零向量得 0
func cosineSimilarity(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
