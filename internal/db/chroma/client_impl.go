// Package chroma 实现基于 Chroma REST API 的向量存储。
// 每个租户映射为一个独立 collection，名称 = 前缀 + 租户 ID。
package chroma

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	domainrag "ragweave/internal/domain/rag"
	applog "ragweave/internal/platform/log"
)

// Client Chroma HTTP 客户端
type Client struct {
	baseURL    string
	prefix     string
	httpClient *http.Client

	mu          sync.Mutex
	collections map[string]string // tenantID → collection UUID
}

// NewClient 创建 Chroma 客户端
func NewClient(cfg *domainrag.Config) *Client {
	prefix := cfg.ChromaPrefix
	if prefix == "" {
		prefix = "rag_tenant_"
	}
	return &Client{
		baseURL:     strings.TrimRight(cfg.ChromaURL, "/"),
		prefix:      prefix,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		collections: make(map[string]string),
	}
}

// Ping 探活
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.doRequest(ctx, "GET", "/api/v1/heartbeat", nil)
	if err != nil {
		return fmt.Errorf("chroma heartbeat: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("chroma heartbeat status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) collectionName(tenantID string) string {
	return c.prefix + tenantID
}

// ensureCollection 取或建租户 collection，返回其 UUID
func (c *Client) ensureCollection(ctx context.Context, tenantID string) (string, error) {
	c.mu.Lock()
	if id, ok := c.collections[tenantID]; ok {
		c.mu.Unlock()
		return id, nil
	}
	c.mu.Unlock()

	body, _ := json.Marshal(map[string]interface{}{
		"name":          c.collectionName(tenantID),
		"get_or_create": true,
		"metadata":      map[string]string{"hnsw:space": "cosine"},
	})
	resp, err := c.doRequest(ctx, "POST", "/api/v1/collections", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create collection: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("create collection status %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("parse collection response: %w", err)
	}

	c.mu.Lock()
	c.collections[tenantID] = result.ID
	c.mu.Unlock()

	applog.Info("[Chroma] Collection ready", "tenant_id", tenantID, "collection_id", result.ID)
	return result.ID, nil
}

// Add 写入向量记录，同 ID 覆盖（upsert 语义）
func (c *Client) Add(ctx context.Context, tenantID string, recs []domainrag.VectorRecord) error {
	if len(recs) == 0 {
		return nil
	}
	colID, err := c.ensureCollection(ctx, tenantID)
	if err != nil {
		return err
	}

	ids := make([]string, len(recs))
	embeddings := make([][]float32, len(recs))
	for i, r := range recs {
		ids[i] = r.ChunkID
		embeddings[i] = r.Vector
	}

	body, _ := json.Marshal(map[string]interface{}{
		"ids":        ids,
		"embeddings": embeddings,
	})
	resp, err := c.doRequest(ctx, "POST", "/api/v1/collections/"+colID+"/upsert", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("upsert vectors: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("upsert status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// Query 最近邻检索。Chroma 返回 cosine 距离，换算为相似度 1-distance。
func (c *Client) Query(ctx context.Context, tenantID string, vector []float32, k int) ([]domainrag.VectorMatch, error) {
	if k <= 0 {
		return nil, nil
	}
	colID, err := c.ensureCollection(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	body, _ := json.Marshal(map[string]interface{}{
		"query_embeddings": [][]float32{vector},
		"n_results":        k,
		"include":          []string{"distances"},
	})
	resp, err := c.doRequest(ctx, "POST", "/api/v1/collections/"+colID+"/query", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("query vectors: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("query status %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		IDs       [][]string  `json:"ids"`
		Distances [][]float64 `json:"distances"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("parse query response: %w", err)
	}
	if len(result.IDs) == 0 {
		return nil, nil
	}

	matches := make([]domainrag.VectorMatch, 0, len(result.IDs[0]))
	for i, id := range result.IDs[0] {
		score := 0.0
		if len(result.Distances) > 0 && i < len(result.Distances[0]) {
			score = 1 - result.Distances[0][i]
		}
		matches = append(matches, domainrag.VectorMatch{ChunkID: id, Score: score})
	}
	return matches, nil
}

// DeleteChunks 删除指定块
func (c *Client) DeleteChunks(ctx context.Context, tenantID string, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	colID, err := c.ensureCollection(ctx, tenantID)
	if err != nil {
		return err
	}

	body, _ := json.Marshal(map[string]interface{}{"ids": chunkIDs})
	resp, err := c.doRequest(ctx, "POST", "/api/v1/collections/"+colID+"/delete", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("delete vectors: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("delete status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// DeleteTenant 删除租户 collection
func (c *Client) DeleteTenant(ctx context.Context, tenantID string) error {
	resp, err := c.doRequest(ctx, "DELETE", "/api/v1/collections/"+c.collectionName(tenantID), nil)
	if err != nil {
		return fmt.Errorf("delete collection: %w", err)
	}
	defer resp.Body.Close()

	// 不存在视为已删除
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("delete collection status %d: %s", resp.StatusCode, string(respBody))
	}

	c.mu.Lock()
	delete(c.collections, tenantID)
	c.mu.Unlock()
	return nil
}

// Count 返回租户向量条数
func (c *Client) Count(ctx context.Context, tenantID string) (int, error) {
	colID, err := c.ensureCollection(ctx, tenantID)
	if err != nil {
		return 0, err
	}

	resp, err := c.doRequest(ctx, "GET", "/api/v1/collections/"+colID+"/count", nil)
	if err != nil {
		return 0, fmt.Errorf("count vectors: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("count status %d: %s", resp.StatusCode, string(respBody))
	}

	var count int
	if err := json.Unmarshal(respBody, &count); err != nil {
		return 0, fmt.Errorf("parse count response: %w", err)
	}
	return count, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.httpClient.Do(req)
}
