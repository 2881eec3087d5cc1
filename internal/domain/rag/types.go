package rag

import "time"

// DocumentState 文档处理状态
type DocumentState string

const (
	StatePending    DocumentState = "pending"
	StateProcessing DocumentState = "processing"
	StateReady      DocumentState = "ready"
	StateFailed     DocumentState = "failed"
)

// Document 租户文档记录。仅由摄入管线修改，查询路径只读。
type Document struct {
	ID          string        `json:"id"`
	TenantID    string        `json:"tenant_id"`
	Title       string        `json:"title"`
	Source      string        `json:"source,omitempty"`
	ContentHash string        `json:"content_hash"`
	ByteSize    int           `json:"byte_size"`
	State       DocumentState `json:"state"`
	ChunkCount  int           `json:"chunk_count"`
	Error       string        `json:"error,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Chunk 文档分块。Ordinal 在同一文档内从 0 连续递增。
// 层级模式下 ParentID 指向父块（单向引用，父块不参与检索）。
type Chunk struct {
	ID       string `json:"id"`
	DocID    string `json:"doc_id"`
	Ordinal  int    `json:"ordinal"`
	Text     string `json:"text"`
	Length   int    `json:"length"` // rune 数
	ParentID string `json:"parent_id,omitempty"`
	IsParent bool   `json:"is_parent,omitempty"`
}

// IngestRequest 文档摄入请求
type IngestRequest struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	Source  string `json:"source,omitempty"`
}

// IngestResult 摄入结果。Deduplicated 表示命中内容哈希去重，返回已有记录。
type IngestResult struct {
	DocID        string   `json:"doc_id"`
	ChunkCount   int      `json:"chunk_count"`
	Deduplicated bool     `json:"deduplicated,omitempty"`
	ChunkErrors  []string `json:"chunk_errors,omitempty"`
}

// AnswerRequest 问答请求
type AnswerRequest struct {
	SessionID     string `json:"session_id,omitempty"`
	Question      string `json:"question"`
	TopK          int    `json:"top_k,omitempty"`
	DisableRerank bool   `json:"disable_rerank,omitempty"`
}

// SourceRef 答案引用的知识块
type SourceRef struct {
	ChunkID string  `json:"chunk_id"`
	DocID   string  `json:"doc_id"`
	Ordinal int     `json:"ordinal"`
	Score   float64 `json:"score"`
	Snippet string  `json:"snippet,omitempty"`
}

// LatencyBreakdown 各阶段耗时（毫秒）
type LatencyBreakdown struct {
	FoldMS     int64 `json:"fold_ms"`
	CacheMS    int64 `json:"cache_ms"`
	RetrieveMS int64 `json:"retrieve_ms"`
	RerankMS   int64 `json:"rerank_ms"`
	GenerateMS int64 `json:"generate_ms"`
	TotalMS    int64 `json:"total_ms"`
}

// AnswerResult 问答结果
type AnswerResult struct {
	Answer  string           `json:"answer"`
	Sources []SourceRef      `json:"sources"`
	Cached  bool             `json:"cached"`
	Latency LatencyBreakdown `json:"latency"`
}

// Candidate 检索候选
type Candidate struct {
	Chunk Chunk   `json:"chunk"`
	Score float64 `json:"score"`
}

// Stats 租户引擎统计
type Stats struct {
	TenantID       string `json:"tenant_id"`
	DocumentCount  int    `json:"document_count"`
	ChunkCount     int    `json:"chunk_count"`
	CacheSize      int    `json:"cache_size"`
	ActiveSessions int    `json:"active_sessions"`
	CorpusVersion  int64  `json:"corpus_version"`
	RerankEnabled  bool   `json:"rerank_enabled"`
}
