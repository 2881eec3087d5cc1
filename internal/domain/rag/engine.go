package rag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	applog "ragweave/internal/platform/log"
)

// ── 引擎 ──────────────────────────────────────────────────────

// Engine 多租户 RAG 引擎。查询路径只读索引可全并发；
// 摄入路径按租户经 ingestLock 互斥，跨租户完全并行。
type Engine struct {
	cfg       *Config
	chunker   *Chunker
	embedder  Embedder
	generator Generator
	vectors   VectorStore
	reranker  Reranker      // 可选
	cache     ResponseCache // 可选
	docRepo   DocumentRepo  // 可选，元数据镜像
	memory    *ConversationMemory
	prompt    *promptBuilder

	mu          sync.Mutex
	collections map[string]*collection
	closed      atomic.Bool
}

// collection 单租户内存态：稀疏索引、块注册表与摄入锁。
// 底层索引实现不支持并发写（并发写时一方事务使另一方失效，
// 表现为存储层写入错误），因此写入全部经 ingestLock 串行。
type collection struct {
	tenantID   string
	ingestLock chan struct{} // cap=1，持有者写入
	version    atomic.Int64

	mu         sync.RWMutex
	sparse     *sparseIndex
	chunks     map[string]Chunk
	docsByID   map[string]*Document
	docsByHash map[string]string // contentHash → docID
}

// NewEngine 创建引擎。reranker/cache/docRepo 按需通过 Set* 注入。
func NewEngine(cfg *Config, embedder Embedder, generator Generator, vectors VectorStore) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Engine{
		cfg:         cfg,
		chunker:     NewChunker(cfg.ChunkSize, cfg.ChunkOverlap, cfg.Hierarchical),
		embedder:    embedder,
		generator:   generator,
		vectors:     vectors,
		memory:      NewConversationMemory(cfg.SessionMaxTurns, cfg.SessionFoldTurns, time.Duration(cfg.SessionTTLSeconds)*time.Second),
		prompt:      newPromptBuilder(cfg.ContextTokenBudget),
		collections: make(map[string]*collection),
	}
}

// SetReranker 设置重排序器
func (e *Engine) SetReranker(r Reranker) { e.reranker = r }

// SetCache 设置应答缓存
func (e *Engine) SetCache(c ResponseCache) { e.cache = c }

// SetDocumentRepo 设置文档元数据镜像存储
func (e *Engine) SetDocumentRepo(repo DocumentRepo) { e.docRepo = repo }

// Close 关闭引擎，丢弃进程内会话与租户状态。进行中的调用不被打断。
func (e *Engine) Close() error {
	e.closed.Store(true)
	e.mu.Lock()
	e.collections = make(map[string]*collection)
	e.mu.Unlock()
	return nil
}

// col 取或建租户集合
func (e *Engine) col(tenantID string) *collection {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.collections[tenantID]
	if !ok {
		c = &collection{
			tenantID:   tenantID,
			ingestLock: make(chan struct{}, 1),
			sparse:     newSparseIndex(e.cfg.BM25K1, e.cfg.BM25B),
			chunks:     make(map[string]Chunk),
			docsByID:   make(map[string]*Document),
			docsByHash: make(map[string]string),
		}
		e.collections[tenantID] = c
	}
	return c
}

// acquireIngestLock 获取租户摄入锁。ctx 取消即放弃；
// 配置了等待上限时超时返回 ErrLockTimeout 而非无限挂起。
func (e *Engine) acquireIngestLock(ctx context.Context, col *collection) error {
	var timeout <-chan time.Time
	if e.cfg.IngestLockTimeoutSeconds > 0 {
		t := time.NewTimer(time.Duration(e.cfg.IngestLockTimeoutSeconds) * time.Second)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case col.ingestLock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timeout:
		return ErrLockTimeout
	}
}

func (e *Engine) releaseIngestLock(col *collection) {
	<-col.ingestLock
}

func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// ── 摄入 ──────────────────────────────────────────────────────

// Ingest 摄入一篇文档：分块 → 嵌入 → 索引提交。
// 嵌入在锁外执行，CPU 密集部分跨文档重叠；索引写入持锁。
// 单块嵌入失败跳过并记录，全部失败才算文档失败。
func (e *Engine) Ingest(ctx context.Context, tenantID string, req *IngestRequest) (*IngestResult, error) {
	if e.closed.Load() {
		return nil, fmt.Errorf("engine closed")
	}
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, ErrEmptyDocument
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = "Untitled"
	}

	col := e.col(tenantID)
	hash := contentHash(content)

	// 去重快路径：同内容直接返回已有记录，不再嵌入
	if result := e.lookupDedup(col, hash); result != nil {
		return result, nil
	}

	doc := &Document{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		Title:       title,
		Source:      req.Source,
		ContentHash: hash,
		ByteSize:    len(content),
		State:       StateProcessing,
		CreatedAt:   time.Now().UTC(),
	}
	e.mirrorSave(ctx, doc)

	chunks, err := e.chunker.Chunk(doc.ID, content)
	if err != nil {
		e.failDocument(ctx, col, doc, err.Error())
		return nil, err
	}

	children := make([]Chunk, 0, len(chunks))
	parents := make([]Chunk, 0)
	for _, ch := range chunks {
		if ch.IsParent {
			parents = append(parents, ch)
		} else {
			children = append(children, ch)
		}
	}

	// 锁外嵌入
	embedded, chunkErrs := e.embedChunks(ctx, children)
	if len(embedded) == 0 {
		reason := "all chunks failed to embed"
		e.failDocument(ctx, col, doc, reason)
		return nil, &IngestionError{Reason: reason}
	}

	if err := e.acquireIngestLock(ctx, col); err != nil {
		e.failDocument(ctx, col, doc, err.Error())
		return nil, err
	}
	defer e.releaseIngestLock(col)

	// 持锁后复查去重：同内容可能在嵌入期间被并发摄入提交
	if result := e.lookupDedup(col, hash); result != nil {
		e.mirrorDelete(ctx, doc.ID)
		return result, nil
	}

	recs := make([]VectorRecord, len(embedded))
	okChunks := make([]Chunk, len(embedded))
	for i, ev := range embedded {
		recs[i] = VectorRecord{ChunkID: ev.chunk.ID, Vector: ev.vector}
		okChunks[i] = ev.chunk
	}
	if err := e.vectors.Add(ctx, tenantID, recs); err != nil {
		e.failDocument(ctx, col, doc, err.Error())
		return nil, &IngestionError{Reason: "vector store write", Err: err}
	}

	doc.State = StateReady
	doc.ChunkCount = len(okChunks)
	if len(chunkErrs) > 0 {
		doc.Error = fmt.Sprintf("%d/%d chunks failed to embed", len(chunkErrs), len(children))
	}

	col.mu.Lock()
	for _, ch := range okChunks {
		col.chunks[ch.ID] = ch
		col.sparse.Add(ch.ID, ch.Text)
	}
	for _, p := range parents {
		col.chunks[p.ID] = p
	}
	col.docsByID[doc.ID] = doc
	col.docsByHash[hash] = doc.ID
	col.mu.Unlock()

	version := col.version.Add(1)
	e.mirrorUpdate(ctx, doc)

	applog.Info("[RAG/Engine] Document ingested",
		"tenant_id", tenantID,
		"doc_id", doc.ID,
		"chunks", doc.ChunkCount,
		"chunk_errors", len(chunkErrs),
		"corpus_version", version,
	)

	return &IngestResult{
		DocID:       doc.ID,
		ChunkCount:  doc.ChunkCount,
		ChunkErrors: chunkErrs,
	}, nil
}

// lookupDedup 命中内容哈希返回已有文档的结果
func (e *Engine) lookupDedup(col *collection, hash string) *IngestResult {
	col.mu.RLock()
	defer col.mu.RUnlock()
	docID, ok := col.docsByHash[hash]
	if !ok {
		return nil
	}
	doc := col.docsByID[docID]
	return &IngestResult{
		DocID:        doc.ID,
		ChunkCount:   doc.ChunkCount,
		Deduplicated: true,
	}
}

type embeddedChunk struct {
	chunk  Chunk
	vector []float32
}

// embedChunks 批量嵌入，批次失败退化为逐块嵌入，失败块记录后跳过
func (e *Engine) embedChunks(ctx context.Context, chunks []Chunk) ([]embeddedChunk, []string) {
	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Text
	}

	vectors, err := e.embedder.Embed(ctx, texts)
	if err == nil && len(vectors) == len(chunks) {
		out := make([]embeddedChunk, len(chunks))
		for i := range chunks {
			out[i] = embeddedChunk{chunk: chunks[i], vector: vectors[i]}
		}
		return out, nil
	}

	applog.Warn("[RAG/Engine] Batch embedding failed, retrying per chunk", "error", err)

	var out []embeddedChunk
	var chunkErrs []string
	for i, ch := range chunks {
		v, err := e.embedder.Embed(ctx, []string{ch.Text})
		if err != nil || len(v) != 1 {
			chunkErrs = append(chunkErrs, fmt.Sprintf("%s: %v", ch.ID, err))
			continue
		}
		out = append(out, embeddedChunk{chunk: chunks[i], vector: v[0]})
	}
	return out, chunkErrs
}

// failDocument 标记文档失败并镜像状态
func (e *Engine) failDocument(ctx context.Context, col *collection, doc *Document, reason string) {
	doc.State = StateFailed
	doc.Error = reason
	e.mirrorUpdate(ctx, doc)
	applog.Warn("[RAG/Engine] Document ingestion failed",
		"tenant_id", col.tenantID,
		"doc_id", doc.ID,
		"reason", reason,
	)
}

// ── 问答 ──────────────────────────────────────────────────────

// Answer 处理一次问答：记忆折叠 → 缓存 → 混合检索 → 重排 → 生成。
// 重排失败回退到检索顺序；空语料返回兜底答案而非错误。
func (e *Engine) Answer(ctx context.Context, tenantID string, req *AnswerRequest) (*AnswerResult, error) {
	if e.closed.Load() {
		return nil, fmt.Errorf("engine closed")
	}
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return nil, fmt.Errorf("%w: empty question", ErrInvalidInput)
	}

	totalStart := time.Now()
	var lat LatencyBreakdown

	col := e.col(tenantID)

	topK := req.TopK
	if topK <= 0 {
		topK = e.cfg.TopK
	}
	rerankOn := e.reranker != nil && e.cfg.EnableRerank && !req.DisableRerank

	foldStart := time.Now()
	history := e.memory.Fold(tenantID, req.SessionID)
	lat.FoldMS = time.Since(foldStart).Milliseconds()

	fp := fingerprint(tenantID, col.version.Load(), question,
		e.cfg.FusionAlpha, e.cfg.KDense, e.cfg.KSparse, topK, rerankOn)

	if e.cache != nil {
		cacheStart := time.Now()
		cached, ok := e.cache.Get(ctx, tenantID, fp)
		lat.CacheMS = time.Since(cacheStart).Milliseconds()
		if ok {
			lat.TotalMS = time.Since(totalStart).Milliseconds()
			e.memory.Append(tenantID, req.SessionID, question, cached.Answer)
			return &AnswerResult{
				Answer:  cached.Answer,
				Sources: cached.Sources,
				Cached:  true,
				Latency: lat,
			}, nil
		}
	}

	retrieveStart := time.Now()
	candidates, err := e.retrieve(ctx, col, question, topK)
	lat.RetrieveMS = time.Since(retrieveStart).Milliseconds()
	if err != nil {
		return nil, err
	}

	// 空语料或零命中：兜底答案，不调用 LLM，不写缓存
	if len(candidates) == 0 {
		lat.TotalMS = time.Since(totalStart).Milliseconds()
		e.memory.Append(tenantID, req.SessionID, question, e.cfg.NoInfoAnswer)
		return &AnswerResult{
			Answer:  e.cfg.NoInfoAnswer,
			Sources: []SourceRef{},
			Latency: lat,
		}, nil
	}

	// 重排步骤收敛到 top_n：无论重排开关与否，配置了重排器就截断
	if e.reranker != nil {
		head := e.cfg.RerankTopN
		if head <= 0 || head > len(candidates) {
			head = len(candidates)
		}
		if rerankOn {
			rerankStart := time.Now()
			reranked, err := e.reranker.Rerank(ctx, question, candidates[:head])
			if err != nil {
				applog.Warn("[RAG/Engine] Rerank failed, keeping retriever order", "error", err)
				candidates = candidates[:head]
			} else {
				candidates = reranked
			}
			lat.RerankMS = time.Since(rerankStart).Milliseconds()
		} else {
			candidates = candidates[:head]
		}
	}

	prompt := e.prompt.Build(question, history, candidates, func(parentID string) (Chunk, bool) {
		col.mu.RLock()
		defer col.mu.RUnlock()
		p, ok := col.chunks[parentID]
		return p, ok
	})

	genStart := time.Now()
	answer, err := e.generator.Generate(ctx, prompt)
	lat.GenerateMS = time.Since(genStart).Milliseconds()
	if err != nil {
		return nil, &GenerationError{Err: err}
	}

	sources := make([]SourceRef, len(candidates))
	for i, c := range candidates {
		sources[i] = SourceRef{
			ChunkID: c.Chunk.ID,
			DocID:   c.Chunk.DocID,
			Ordinal: c.Chunk.Ordinal,
			Score:   c.Score,
			Snippet: snippet(c.Chunk.Text, 160),
		}
	}

	if e.cache != nil {
		e.cache.Set(ctx, tenantID, fp, &CachedAnswer{
			Answer:    answer,
			Sources:   sources,
			CreatedAt: time.Now().Unix(),
		})
	}
	e.memory.Append(tenantID, req.SessionID, question, answer)

	lat.TotalMS = time.Since(totalStart).Milliseconds()
	return &AnswerResult{
		Answer:  answer,
		Sources: sources,
		Latency: lat,
	}, nil
}

func snippet(text string, max int) string {
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max]) + "..."
}

// ── 管理操作 ──────────────────────────────────────────────────

// Stats 返回租户引擎统计
func (e *Engine) Stats(ctx context.Context, tenantID string) (*Stats, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	col := e.col(tenantID)

	col.mu.RLock()
	docCount := len(col.docsByID)
	chunkCount := 0
	for _, ch := range col.chunks {
		if !ch.IsParent {
			chunkCount++
		}
	}
	col.mu.RUnlock()

	cacheSize := 0
	if e.cache != nil {
		cacheSize = e.cache.Size(ctx, tenantID)
	}

	return &Stats{
		TenantID:       tenantID,
		DocumentCount:  docCount,
		ChunkCount:     chunkCount,
		CacheSize:      cacheSize,
		ActiveSessions: e.memory.ActiveSessions(tenantID),
		CorpusVersion:  col.version.Load(),
		RerankEnabled:  e.reranker != nil && e.cfg.EnableRerank,
	}, nil
}

// Documents 返回租户文档列表，按创建时间倒序
func (e *Engine) Documents(_ context.Context, tenantID string) ([]*Document, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}
	col := e.col(tenantID)

	col.mu.RLock()
	docs := make([]*Document, 0, len(col.docsByID))
	for _, d := range col.docsByID {
		docs = append(docs, d)
	}
	col.mu.RUnlock()

	sort.Slice(docs, func(i, j int) bool {
		if !docs[i].CreatedAt.Equal(docs[j].CreatedAt) {
			return docs[i].CreatedAt.After(docs[j].CreatedAt)
		}
		return docs[i].ID < docs[j].ID
	})
	return docs, nil
}

// DeleteDocument 删除文档及其全部索引数据，走摄入锁
func (e *Engine) DeleteDocument(ctx context.Context, tenantID, docID string) error {
	if tenantID == "" {
		return ErrTenantRequired
	}
	col := e.col(tenantID)

	if err := e.acquireIngestLock(ctx, col); err != nil {
		return err
	}
	defer e.releaseIngestLock(col)

	col.mu.RLock()
	doc, ok := col.docsByID[docID]
	var chunkIDs []string
	if ok {
		for id, ch := range col.chunks {
			if ch.DocID == docID {
				chunkIDs = append(chunkIDs, id)
			}
		}
	}
	col.mu.RUnlock()
	if !ok {
		return ErrDocumentNotFound
	}

	if err := e.vectors.DeleteChunks(ctx, tenantID, chunkIDs); err != nil {
		return &IngestionError{Reason: "vector store delete", Err: err}
	}

	col.mu.Lock()
	for _, id := range chunkIDs {
		col.sparse.Remove(id)
		delete(col.chunks, id)
	}
	delete(col.docsByID, docID)
	delete(col.docsByHash, doc.ContentHash)
	col.mu.Unlock()

	col.version.Add(1)
	e.mirrorDelete(ctx, docID)
	return nil
}

// PurgeTenant 清空租户全部数据（索引、缓存、会话）
func (e *Engine) PurgeTenant(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return ErrTenantRequired
	}
	col := e.col(tenantID)

	if err := e.acquireIngestLock(ctx, col); err != nil {
		return err
	}
	defer e.releaseIngestLock(col)

	if err := e.vectors.DeleteTenant(ctx, tenantID); err != nil {
		return &IngestionError{Reason: "vector store purge", Err: err}
	}

	col.mu.Lock()
	docIDs := make([]string, 0, len(col.docsByID))
	for id := range col.docsByID {
		docIDs = append(docIDs, id)
	}
	col.sparse = newSparseIndex(e.cfg.BM25K1, e.cfg.BM25B)
	col.chunks = make(map[string]Chunk)
	col.docsByID = make(map[string]*Document)
	col.docsByHash = make(map[string]string)
	col.mu.Unlock()

	col.version.Add(1)
	if e.cache != nil {
		e.cache.Invalidate(ctx, tenantID)
	}
	e.memory.DropTenant(tenantID)
	for _, id := range docIDs {
		e.mirrorDelete(ctx, id)
	}
	return nil
}

// ClearCache 清空租户应答缓存
func (e *Engine) ClearCache(ctx context.Context, tenantID string) error {
	if tenantID == "" {
		return ErrTenantRequired
	}
	if e.cache != nil {
		e.cache.Invalidate(ctx, tenantID)
	}
	return nil
}

// ── 元数据镜像（尽力而为，失败只记日志） ──────────────────────

func (e *Engine) mirrorSave(ctx context.Context, doc *Document) {
	if e.docRepo == nil {
		return
	}
	if err := e.docRepo.SaveDocument(ctx, doc); err != nil {
		applog.Warn("[RAG/Engine] Document mirror save failed", "doc_id", doc.ID, "error", err)
	}
}

func (e *Engine) mirrorUpdate(ctx context.Context, doc *Document) {
	if e.docRepo == nil {
		return
	}
	if err := e.docRepo.UpdateDocument(ctx, doc); err != nil {
		applog.Warn("[RAG/Engine] Document mirror update failed", "doc_id", doc.ID, "error", err)
	}
}

func (e *Engine) mirrorDelete(ctx context.Context, docID string) {
	if e.docRepo == nil {
		return
	}
	if err := e.docRepo.DeleteDocument(ctx, docID); err != nil {
		applog.Warn("[RAG/Engine] Document mirror delete failed", "doc_id", docID, "error", err)
	}
}
