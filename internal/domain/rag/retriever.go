package rag

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	applog "ragweave/internal/platform/log"
)

// ── 混合检索 ──────────────────────────────────────────────────

// retrieve 执行混合检索：Embed → 并行 dense + sparse → 归一化加权融合。
// 查询路径不持有摄入锁，只做索引读。空语料返回空序列而非错误。
func (e *Engine) retrieve(ctx context.Context, col *collection, query string, topK int) ([]Candidate, error) {
	start := time.Now()

	col.mu.RLock()
	corpusEmpty := len(col.chunks) == 0
	col.mu.RUnlock()
	if corpusEmpty {
		return nil, nil
	}

	// 1. Embed query（失败即该次查询失败，不降级为单路检索）
	vectors, err := e.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	queryVector := vectors[0]

	// 2. 并行执行 dense 与 sparse
	type denseResult struct {
		matches []VectorMatch
		err     error
	}

	var wg sync.WaitGroup
	denseCh := make(chan denseResult, 1)
	sparseCh := make(chan []sparseHit, 1)

	wg.Add(2)
	go func() {
		defer wg.Done()
		matches, err := e.vectors.Query(ctx, col.tenantID, queryVector, e.cfg.KDense)
		denseCh <- denseResult{matches, err}
	}()
	go func() {
		defer wg.Done()
		col.mu.RLock()
		hits := col.sparse.Search(query, e.cfg.KSparse)
		col.mu.RUnlock()
		sparseCh <- hits
	}()

	wg.Wait()
	close(denseCh)
	close(sparseCh)

	dense := <-denseCh
	sparseHits := <-sparseCh

	if dense.err != nil {
		return nil, fmt.Errorf("dense query: %w", dense.err)
	}

	// 3. 归一化加权融合
	merged := e.fuse(col, dense.matches, sparseHits)

	applog.Debug("[RAG] Hybrid retrieve merged",
		"tenant_id", col.tenantID,
		"dense_count", len(dense.matches),
		"sparse_count", len(sparseHits),
		"merged_count", len(merged),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)

	if len(merged) > topK {
		merged = merged[:topK]
	}
	return merged, nil
}

// fuse 各自 min-max 归一化后线性加权：combined = α·dense + (1-α)·sparse。
// 只出现在单路的候选，另一路贡献 0。同分按块长、序号、块 ID 决定顺序。
func (e *Engine) fuse(col *collection, dense []VectorMatch, sparse []sparseHit) []Candidate {
	alpha := e.cfg.FusionAlpha

	denseNorm := make(map[string]float64, len(dense))
	{
		scores := make([]float64, len(dense))
		for i, m := range dense {
			scores[i] = m.Score
		}
		norm := minMaxNormalize(scores)
		for i, m := range dense {
			denseNorm[m.ChunkID] = norm[i]
		}
	}

	sparseNorm := make(map[string]float64, len(sparse))
	{
		scores := make([]float64, len(sparse))
		for i, h := range sparse {
			scores[i] = h.Score
		}
		norm := minMaxNormalize(scores)
		for i, h := range sparse {
			sparseNorm[h.ChunkID] = norm[i]
		}
	}

	combined := make(map[string]float64, len(denseNorm)+len(sparseNorm))
	for id, s := range denseNorm {
		combined[id] = alpha * s
	}
	for id, s := range sparseNorm {
		combined[id] += (1 - alpha) * s
	}

	col.mu.RLock()
	candidates := make([]Candidate, 0, len(combined))
	for id, score := range combined {
		chunk, ok := col.chunks[id]
		if !ok || chunk.IsParent {
			continue
		}
		candidates = append(candidates, Candidate{Chunk: chunk, Score: score})
	}
	col.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Chunk.Length != b.Chunk.Length {
			return a.Chunk.Length < b.Chunk.Length
		}
		if a.Chunk.Ordinal != b.Chunk.Ordinal {
			return a.Chunk.Ordinal < b.Chunk.Ordinal
		}
		return a.Chunk.ID < b.Chunk.ID
	})
	return candidates
}

// minMaxNormalize 在列表内做 min-max 归一化。
// 所有得分相同（含单元素列表）时归一为 1，保留该路的全部权重。
func minMaxNormalize(scores []float64) []float64 {
	if len(scores) == 0 {
		return nil
	}
	min, max := scores[0], scores[0]
	for _, s := range scores[1:] {
		if s < min {
			min = s
		}
		if s > max {
			max = s
		}
	}
	norm := make([]float64, len(scores))
	if max == min {
		for i := range norm {
			norm[i] = 1
		}
		return norm
	}
	for i, s := range scores {
		norm[i] = (s - min) / (max - min)
	}
	return norm
}
