package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	applog "ragweave/internal/platform/log"
	"ragweave/internal/provider"
)

// ── Reranker 接口 ─────────────────────────────────────────────

// Reranker 重排序接口。失败返回 error，由编排方回退到检索顺序。
type Reranker interface {
	// Rerank 对候选块按与 query 的相关性重新排序
	Rerank(ctx context.Context, query string, candidates []Candidate) ([]Candidate, error)
}

// ── LLM Prompt-based Reranker 实现 ───────────────────────────

// LLMReranker 使用 LLM 做 prompt-based 相关性重排
type LLMReranker struct {
	providerName string
	model        string
}

// NewLLMReranker 创建 LLM Reranker
func NewLLMReranker(providerName, model string) *LLMReranker {
	return &LLMReranker{
		providerName: providerName,
		model:        model,
	}
}

// Rerank 使用 LLM 对候选做相关性评分并稳定排序，同分保持检索顺序。
func (r *LLMReranker) Rerank(ctx context.Context, query string, candidates []Candidate) ([]Candidate, error) {
	if len(candidates) == 0 {
		return candidates, nil
	}

	start := time.Now()

	p, err := provider.GetProvider(r.providerName)
	if err != nil {
		return nil, fmt.Errorf("get provider %s: %w", r.providerName, err)
	}

	prompt := r.buildRerankPrompt(query, candidates)

	resp, err := p.Complete(ctx, &provider.CompletionRequest{
		Model: r.model,
		Messages: []provider.Message{
			{Role: "system", Content: "你是文档相关性评分专家。根据用户查询，对每个文档给出 0.0-1.0 的相关性分数。仅返回 JSON 数组，不要输出其他内容。"},
			{Role: "user", Content: prompt},
		},
		Temperature: 0,
		MaxTokens:   512,
	})
	if err != nil {
		return nil, fmt.Errorf("rerank completion: %w", err)
	}

	scores, err := r.parseScores(resp.Content, len(candidates))
	if err != nil {
		return nil, err
	}

	reranked := make([]Candidate, len(candidates))
	copy(reranked, candidates)
	for i := range reranked {
		if i < len(scores) {
			reranked[i].Score = scores[i]
		}
	}

	sort.SliceStable(reranked, func(i, j int) bool {
		return reranked[i].Score > reranked[j].Score
	})

	applog.Debug("[RAG/Reranker] Reranked",
		"count", len(reranked),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)

	return reranked, nil
}

// buildRerankPrompt 构建评分 prompt
func (r *LLMReranker) buildRerankPrompt(query string, candidates []Candidate) string {
	prompt := fmt.Sprintf("查询：%s\n\n请为以下 %d 个文档片段评分（0.0-1.0），返回 JSON 数组 [score1, score2, ...]：\n\n", query, len(candidates))
	for i, c := range candidates {
		content := c.Chunk.Text
		// 截断过长内容
		if len([]rune(content)) > 300 {
			content = string([]rune(content)[:300]) + "..."
		}
		prompt += fmt.Sprintf("[文档 %d]\n%s\n\n", i+1, content)
	}
	return prompt
}

// ── Cross-Encoder 服务 Reranker 实现 ─────────────────────────

// HTTPReranker 调用外部 cross-encoder 打分服务。
// 请求 POST {endpoint}，body {"query": ..., "documents": [...]}，
// 响应 {"scores": [...]}，分数与 documents 一一对应。
type HTTPReranker struct {
	endpoint string
	client   *http.Client
}

// NewHTTPReranker 创建 cross-encoder 服务 Reranker
func NewHTTPReranker(endpoint string) *HTTPReranker {
	return &HTTPReranker{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 15 * time.Second},
	}
}

type rerankHTTPRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankHTTPResponse struct {
	Scores []float64 `json:"scores"`
}

// Rerank 调用打分服务并按分数稳定排序
func (r *HTTPReranker) Rerank(ctx context.Context, query string, candidates []Candidate) ([]Candidate, error) {
	if len(candidates) == 0 {
		return candidates, nil
	}

	docs := make([]string, len(candidates))
	for i, c := range candidates {
		docs[i] = c.Chunk.Text
	}

	body, err := json.Marshal(&rerankHTTPRequest{Query: query, Documents: docs})
	if err != nil {
		return nil, fmt.Errorf("marshal rerank request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rerank service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("rerank service status %d: %s", resp.StatusCode, string(data))
	}

	var parsed rerankHTTPResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode rerank response: %w", err)
	}
	if len(parsed.Scores) != len(candidates) {
		return nil, fmt.Errorf("rerank service returned %d scores for %d documents", len(parsed.Scores), len(candidates))
	}

	reranked := make([]Candidate, len(candidates))
	copy(reranked, candidates)
	for i := range reranked {
		reranked[i].Score = parsed.Scores[i]
	}

	sort.SliceStable(reranked, func(i, j int) bool {
		return reranked[i].Score > reranked[j].Score
	})

	return reranked, nil
}

// parseScores 解析 LLM 返回的评分 JSON，容忍数组前后的多余文本
func (r *LLMReranker) parseScores(content string, expectedCount int) ([]float64, error) {
	var scores []float64
	if err := json.Unmarshal([]byte(content), &scores); err != nil {
		start := -1
		for i, ch := range content {
			if ch == '[' {
				start = i
				break
			}
		}
		if start >= 0 {
			end := -1
			for i := len(content) - 1; i >= start; i-- {
				if content[i] == ']' {
					end = i + 1
					break
				}
			}
			if end > start {
				if err2 := json.Unmarshal([]byte(content[start:end]), &scores); err2 == nil {
					if len(scores) > expectedCount {
						scores = scores[:expectedCount]
					}
					return scores, nil
				}
			}
		}
		return nil, fmt.Errorf("parse rerank scores: %w", err)
	}
	if len(scores) > expectedCount {
		scores = scores[:expectedCount]
	}
	return scores, nil
}
