package rag

// Config RAG 引擎配置
type Config struct {
	// 分块
	ChunkSize    int  `json:"chunk_size"`    // 单块最大 rune 数
	ChunkOverlap int  `json:"chunk_overlap"` // 相邻块重叠 rune 数
	Hierarchical bool `json:"hierarchical"`  // 层级分块（父块 3×ChunkSize）

	// 混合检索
	FusionAlpha float64 `json:"fusion_alpha"` // 稠密分数权重 α，稀疏为 1-α
	KDense      int     `json:"k_dense"`      // 稠密召回候选数
	KSparse     int     `json:"k_sparse"`     // 稀疏召回候选数
	TopK        int     `json:"top_k"`        // 最终返回条数
	BM25K1      float64 `json:"bm25_k1"`
	BM25B       float64 `json:"bm25_b"`

	// 重排序
	EnableRerank bool `json:"enable_rerank"`
	RerankTopN   int  `json:"rerank_top_n"`

	// 应答缓存
	CacheCapacity int `json:"cache_capacity"` // 每租户 LRU 容量，0=禁用
	CacheTTL      int `json:"cache_ttl"`      // Redis 缓存 TTL（秒）

	// 会话记忆
	SessionMaxTurns   int `json:"session_max_turns"`
	SessionFoldTurns  int `json:"session_fold_turns"`
	SessionTTLSeconds int `json:"session_ttl_seconds"`

	// 摄入
	IngestLockTimeoutSeconds int `json:"ingest_lock_timeout_seconds"` // 0=无限等待
	EmbedBatchSize           int `json:"embed_batch_size"`
	MaxFileSize              int `json:"max_file_size"` // 上传文件上限（MB）

	// 生成
	ContextTokenBudget int    `json:"context_token_budget"`
	NoInfoAnswer       string `json:"no_info_answer"`

	// Embedding
	EmbeddingBaseURL string `json:"embedding_base_url,omitempty"`
	EmbeddingAPIKey  string `json:"-"`
	EmbeddingModel   string `json:"embedding_model,omitempty"`
	EmbeddingDims    int    `json:"embedding_dims,omitempty"`

	// Rerank（cross-encoder 服务或 LLM prompt 评分）
	RerankEndpoint string `json:"rerank_endpoint,omitempty"`
	RerankProvider string `json:"rerank_provider,omitempty"`
	RerankModel    string `json:"rerank_model,omitempty"`

	// 向量存储：local | chroma
	VectorBackend string `json:"vector_backend"`
	ChromaURL     string `json:"chroma_url,omitempty"`
	ChromaPrefix  string `json:"chroma_prefix,omitempty"`
	DataDir       string `json:"data_dir,omitempty"` // local 后端快照目录，空=纯内存
}

// DefaultConfig 默认配置。α 与 BM25 参数沿用线上调优值，可按产品需要覆盖。
func DefaultConfig() *Config {
	return &Config{
		ChunkSize:          500,
		ChunkOverlap:       50,
		FusionAlpha:        0.5,
		KDense:             10,
		KSparse:            10,
		TopK:               5,
		BM25K1:             1.5,
		BM25B:              0.75,
		EnableRerank:       false,
		RerankTopN:         5,
		CacheCapacity:      256,
		CacheTTL:           300,
		SessionMaxTurns:    5,
		SessionFoldTurns:   3,
		SessionTTLSeconds:  1800,
		EmbedBatchSize:     64,
		MaxFileSize:        50,
		ContextTokenBudget: 3072,
		NoInfoAnswer:       "I don't have that information in my knowledge base. Please contact us directly for assistance.",
		EmbeddingModel:     "text-embedding-3-small",
		EmbeddingDims:      1536,
		VectorBackend:      "local",
		ChromaPrefix:       "rag_tenant_",
	}
}

// HasRerank 是否配置了重排序
func (c *Config) HasRerank() bool {
	return c.EnableRerank && (c.RerankEndpoint != "" || (c.RerankProvider != "" && c.RerankModel != ""))
}

// HasCache 是否启用应答缓存
func (c *Config) HasCache() bool {
	return c.CacheCapacity > 0
}
