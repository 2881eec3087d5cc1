package rag

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// ── 测试替身 ──────────────────────────────────────────────────

// fakeEmbedder 词袋向量，相同文本恒得相同向量
type fakeEmbedder struct {
	mu      sync.Mutex
	failOn  string // 含该子串的文本嵌入失败
	failAll bool
	calls   int
}

var fakeVocab = []string{"refund", "policy", "shipping", "warranty", "return", "days", "支持", "退款"}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.failAll {
		return nil, errors.New("embedder down")
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if f.failOn != "" && strings.Contains(text, f.failOn) {
			return nil, fmt.Errorf("cannot embed %q", f.failOn)
		}
		lower := strings.ToLower(text)
		vec := make([]float32, len(fakeVocab)+1)
		vec[len(fakeVocab)] = 0.1 // 全零向量兜底分量
		for j, word := range fakeVocab {
			vec[j] = float32(strings.Count(lower, word))
		}
		out[i] = vec
	}
	return out, nil
}

func (f *fakeEmbedder) Dims() int { return len(fakeVocab) + 1 }

// fakeVectorStore 进程内余弦检索
type fakeVectorStore struct {
	mu      sync.Mutex
	tenants map[string]map[string][]float32
	addErr  error
}

func newFakeVectorStore() *fakeVectorStore {
	return &fakeVectorStore{tenants: make(map[string]map[string][]float32)}
}

func (s *fakeVectorStore) Add(_ context.Context, tenantID string, recs []VectorRecord) error {
	if s.addErr != nil {
		return s.addErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.tenants[tenantID]
	if !ok {
		m = make(map[string][]float32)
		s.tenants[tenantID] = m
	}
	for _, r := range recs {
		m[r.ChunkID] = r.Vector
	}
	return nil
}

func (s *fakeVectorStore) Query(_ context.Context, tenantID string, vector []float32, k int) ([]VectorMatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []VectorMatch
	for id, v := range s.tenants[tenantID] {
		out = append(out, VectorMatch{ChunkID: id, Score: cosine(vector, v)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (s *fakeVectorStore) DeleteChunks(_ context.Context, tenantID string, chunkIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range chunkIDs {
		delete(s.tenants[tenantID], id)
	}
	return nil
}

func (s *fakeVectorStore) DeleteTenant(_ context.Context, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tenants, tenantID)
	return nil
}

func (s *fakeVectorStore) Count(_ context.Context, tenantID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tenants[tenantID]), nil
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		if i >= len(b) {
			break
		}
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// fakeGenerator 固定应答并计数
type fakeGenerator struct {
	calls  atomic.Int64
	answer string
	err    error
	mu     sync.Mutex
	prompt string
}

func (g *fakeGenerator) Generate(_ context.Context, prompt string) (string, error) {
	g.calls.Add(1)
	g.mu.Lock()
	g.prompt = prompt
	g.mu.Unlock()
	if g.err != nil {
		return "", g.err
	}
	if g.answer == "" {
		return "generated answer", nil
	}
	return g.answer, nil
}

// fakeReranker 按配置反转顺序或报错
type fakeReranker struct {
	err     error
	reverse bool
}

func (r *fakeReranker) Rerank(_ context.Context, _ string, candidates []Candidate) ([]Candidate, error) {
	if r.err != nil {
		return nil, r.err
	}
	out := make([]Candidate, len(candidates))
	copy(out, candidates)
	if r.reverse {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

func newTestEngine(t *testing.T, mutate func(*Config)) (*Engine, *fakeEmbedder, *fakeGenerator, *fakeVectorStore) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ChunkSize = 120
	cfg.ChunkOverlap = 10
	if mutate != nil {
		mutate(cfg)
	}
	emb := &fakeEmbedder{}
	gen := &fakeGenerator{}
	store := newFakeVectorStore()
	e := NewEngine(cfg, emb, gen, store)
	e.SetCache(NewMemoryCache(cfg.CacheCapacity, 0))
	return e, emb, gen, store
}

const refundDoc = "Our refund policy allows full refunds within 30 days of purchase.\n\nShipping costs are covered for defective items under warranty."
const petsDoc = "Office plants need watering twice a week.\n\nThe cafeteria opens at nine in the morning."

// ── 摄入 ──────────────────────────────────────────────────────

func TestIngestValidation(t *testing.T) {
	e, _, _, _ := newTestEngine(t, nil)
	ctx := context.Background()

	if _, err := e.Ingest(ctx, "", &IngestRequest{Content: "x"}); !errors.Is(err, ErrTenantRequired) {
		t.Fatalf("expected ErrTenantRequired, got %v", err)
	}
	if _, err := e.Ingest(ctx, "t1", &IngestRequest{Content: "   "}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestIngestAndStats(t *testing.T) {
	e, _, _, store := newTestEngine(t, nil)
	ctx := context.Background()

	res, err := e.Ingest(ctx, "t1", &IngestRequest{Title: "Refunds", Content: refundDoc})
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	if res.ChunkCount == 0 || res.Deduplicated {
		t.Fatalf("unexpected result %+v", res)
	}

	stats, err := e.Stats(ctx, "t1")
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.DocumentCount != 1 || stats.ChunkCount != res.ChunkCount || stats.CorpusVersion != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	n, _ := store.Count(ctx, "t1")
	if n != res.ChunkCount {
		t.Fatalf("vector store holds %d records, expected %d", n, res.ChunkCount)
	}
}

func TestIngestDeduplication(t *testing.T) {
	e, emb, _, _ := newTestEngine(t, nil)
	ctx := context.Background()

	first, err := e.Ingest(ctx, "t1", &IngestRequest{Title: "a", Content: refundDoc})
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	callsAfterFirst := emb.calls

	second, err := e.Ingest(ctx, "t1", &IngestRequest{Title: "b", Content: refundDoc})
	if err != nil {
		t.Fatalf("dedup ingest failed: %v", err)
	}
	if !second.Deduplicated || second.DocID != first.DocID {
		t.Fatalf("expected dedup hit on %s, got %+v", first.DocID, second)
	}
	if emb.calls != callsAfterFirst {
		t.Fatal("dedup hit must not re-embed")
	}

	stats, _ := e.Stats(ctx, "t1")
	if stats.CorpusVersion != 1 || stats.DocumentCount != 1 {
		t.Fatalf("dedup must not bump version or add documents: %+v", stats)
	}

	// 相同内容对其他租户不算重复
	other, err := e.Ingest(ctx, "t2", &IngestRequest{Title: "c", Content: refundDoc})
	if err != nil {
		t.Fatalf("cross-tenant ingest failed: %v", err)
	}
	if other.Deduplicated {
		t.Fatal("dedup must be tenant-scoped")
	}
}

func TestIngestPartialEmbedFailure(t *testing.T) {
	e, emb, _, _ := newTestEngine(t, func(c *Config) {
		c.ChunkSize = 80
		c.ChunkOverlap = 0
	})
	emb.failOn = "warranty"
	ctx := context.Background()

	res, err := e.Ingest(ctx, "t1", &IngestRequest{Title: "r", Content: refundDoc})
	if err != nil {
		t.Fatalf("partial failure must not fail the document: %v", err)
	}
	if len(res.ChunkErrors) == 0 {
		t.Fatal("expected recorded chunk errors")
	}
	if res.ChunkCount == 0 {
		t.Fatal("expected surviving chunks")
	}

	docs, _ := e.Documents(ctx, "t1")
	if len(docs) != 1 || docs[0].State != StateReady || docs[0].Error == "" {
		t.Fatalf("expected ready document with error annotation, got %+v", docs)
	}
}

func TestIngestAllChunksFail(t *testing.T) {
	e, emb, _, _ := newTestEngine(t, nil)
	emb.failAll = true
	ctx := context.Background()

	_, err := e.Ingest(ctx, "t1", &IngestRequest{Title: "r", Content: refundDoc})
	var ingErr *IngestionError
	if !errors.As(err, &ingErr) {
		t.Fatalf("expected IngestionError, got %v", err)
	}

	docs, _ := e.Documents(ctx, "t1")
	if len(docs) != 0 {
		t.Fatalf("failed document must not join the registry, got %+v", docs)
	}
	stats, _ := e.Stats(ctx, "t1")
	if stats.CorpusVersion != 0 {
		t.Fatal("failed ingestion must not bump the corpus version")
	}
}

func TestIngestVectorWriteFailure(t *testing.T) {
	e, _, _, store := newTestEngine(t, nil)
	store.addErr = errors.New("index writer conflict")
	ctx := context.Background()

	_, err := e.Ingest(ctx, "t1", &IngestRequest{Title: "r", Content: refundDoc})
	var ingErr *IngestionError
	if !errors.As(err, &ingErr) {
		t.Fatalf("expected IngestionError, got %v", err)
	}
	if stats, _ := e.Stats(ctx, "t1"); stats.ChunkCount != 0 {
		t.Fatal("failed write must leave the sparse index untouched")
	}
}

func TestIngestLockCancellation(t *testing.T) {
	e, _, _, _ := newTestEngine(t, nil)
	col := e.col("t1")
	col.ingestLock <- struct{}{} // 占住锁

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := e.Ingest(ctx, "t1", &IngestRequest{Title: "r", Content: refundDoc})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline, got %v", err)
	}
	<-col.ingestLock
}

func TestIngestLockTimeout(t *testing.T) {
	e, _, _, _ := newTestEngine(t, func(c *Config) {
		c.IngestLockTimeoutSeconds = 1
	})
	col := e.col("t1")
	col.ingestLock <- struct{}{}

	_, err := e.Ingest(context.Background(), "t1", &IngestRequest{Title: "r", Content: refundDoc})
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
	<-col.ingestLock
}

func TestIngestLocksAreTenantLocal(t *testing.T) {
	e, _, _, _ := newTestEngine(t, nil)
	ctx := context.Background()

	// 占住 t1 的锁，t2 的摄入不得受阻
	col := e.col("t1")
	col.ingestLock <- struct{}{}
	defer func() { <-col.ingestLock }()

	ctx2, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	res, err := e.Ingest(ctx2, "t2", &IngestRequest{Title: "p", Content: petsDoc})
	if err != nil {
		t.Fatalf("ingest into another tenant must not contend: %v", err)
	}
	if res.ChunkCount == 0 || len(res.ChunkErrors) != 0 {
		t.Fatalf("expected clean ingest, got %d chunks, errors %v", res.ChunkCount, res.ChunkErrors)
	}
}

func TestConcurrentIngestAcrossTenants(t *testing.T) {
	e, _, _, _ := newTestEngine(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 12)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tenant := fmt.Sprintf("t%d", i%3)
			content := fmt.Sprintf("Document %d body about refund policy variant %d.", i, i)
			_, err := e.Ingest(ctx, tenant, &IngestRequest{Title: "doc", Content: content})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent ingest failed: %v", err)
		}
	}

	for i := 0; i < 3; i++ {
		stats, _ := e.Stats(ctx, fmt.Sprintf("t%d", i))
		if stats.DocumentCount != 4 || stats.CorpusVersion != 4 {
			t.Fatalf("tenant t%d stats inconsistent: %+v", i, stats)
		}
	}
}

// ── 问答 ──────────────────────────────────────────────────────

func TestAnswerValidation(t *testing.T) {
	e, _, _, _ := newTestEngine(t, nil)
	ctx := context.Background()

	if _, err := e.Answer(ctx, "", &AnswerRequest{Question: "q"}); !errors.Is(err, ErrTenantRequired) {
		t.Fatalf("expected ErrTenantRequired, got %v", err)
	}
	if _, err := e.Answer(ctx, "t1", &AnswerRequest{Question: "  "}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestAnswerEmptyCorpus(t *testing.T) {
	e, _, gen, _ := newTestEngine(t, nil)

	res, err := e.Answer(context.Background(), "t1", &AnswerRequest{Question: "what is the refund policy?"})
	if err != nil {
		t.Fatalf("empty corpus must not error: %v", err)
	}
	if res.Answer != e.cfg.NoInfoAnswer {
		t.Fatalf("expected no-info answer, got %q", res.Answer)
	}
	if len(res.Sources) != 0 || res.Cached {
		t.Fatalf("unexpected result %+v", res)
	}
	if gen.calls.Load() != 0 {
		t.Fatal("no-info path must not call the LLM")
	}
}

func TestAnswerEndToEnd(t *testing.T) {
	e, _, gen, _ := newTestEngine(t, nil)
	gen.answer = "Refunds are available within 30 days."
	ctx := context.Background()

	if _, err := e.Ingest(ctx, "t1", &IngestRequest{Title: "refunds", Content: refundDoc}); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	if _, err := e.Ingest(ctx, "t1", &IngestRequest{Title: "office", Content: petsDoc}); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}

	res, err := e.Answer(ctx, "t1", &AnswerRequest{Question: "What is the refund policy?"})
	if err != nil {
		t.Fatalf("answer failed: %v", err)
	}
	if res.Answer != gen.answer || res.Cached {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(res.Sources) == 0 {
		t.Fatal("expected source references")
	}

	// 首个来源应指向退款文档的块
	gen.mu.Lock()
	prompt := gen.prompt
	gen.mu.Unlock()
	if !strings.Contains(prompt, "refund policy") {
		t.Fatalf("prompt missing retrieved context: %q", prompt)
	}
	if !strings.Contains(prompt, res.Sources[0].Snippet[:20]) {
		t.Fatal("first source must appear in the prompt")
	}
}

func TestAnswerCacheHitAndInvalidation(t *testing.T) {
	e, _, gen, _ := newTestEngine(t, nil)
	ctx := context.Background()

	if _, err := e.Ingest(ctx, "t1", &IngestRequest{Title: "r", Content: refundDoc}); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}

	q := &AnswerRequest{Question: "What is the refund policy?"}
	first, err := e.Answer(ctx, "t1", q)
	if err != nil {
		t.Fatalf("answer failed: %v", err)
	}
	if first.Cached {
		t.Fatal("first answer must be a cache miss")
	}

	// 大小写与空白不同的同义问题命中缓存
	second, err := e.Answer(ctx, "t1", &AnswerRequest{Question: "  what is THE refund policy? "})
	if err != nil {
		t.Fatalf("answer failed: %v", err)
	}
	if !second.Cached || second.Answer != first.Answer {
		t.Fatalf("expected cache hit, got %+v", second)
	}
	if gen.calls.Load() != 1 {
		t.Fatalf("cache hit must not call the LLM, calls=%d", gen.calls.Load())
	}

	// 摄入新文档后版本号变化，旧缓存键失效
	if _, err := e.Ingest(ctx, "t1", &IngestRequest{Title: "o", Content: petsDoc}); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	third, err := e.Answer(ctx, "t1", q)
	if err != nil {
		t.Fatalf("answer failed: %v", err)
	}
	if third.Cached {
		t.Fatal("ingestion must invalidate cached answers")
	}
	if gen.calls.Load() != 2 {
		t.Fatalf("expected fresh generation after ingest, calls=%d", gen.calls.Load())
	}
}

func TestAnswerCacheTenantIsolation(t *testing.T) {
	e, _, gen, _ := newTestEngine(t, nil)
	ctx := context.Background()

	for _, tenant := range []string{"t1", "t2"} {
		if _, err := e.Ingest(ctx, tenant, &IngestRequest{Title: "r", Content: refundDoc}); err != nil {
			t.Fatalf("ingest failed: %v", err)
		}
	}

	q := &AnswerRequest{Question: "What is the refund policy?"}
	if _, err := e.Answer(ctx, "t1", q); err != nil {
		t.Fatalf("answer failed: %v", err)
	}
	res, err := e.Answer(ctx, "t2", q)
	if err != nil {
		t.Fatalf("answer failed: %v", err)
	}
	if res.Cached {
		t.Fatal("cache must not leak across tenants")
	}
	if gen.calls.Load() != 2 {
		t.Fatalf("expected 2 generations, got %d", gen.calls.Load())
	}
}

func TestAnswerRerankFallback(t *testing.T) {
	e, _, _, _ := newTestEngine(t, func(c *Config) {
		c.EnableRerank = true
	})
	e.SetReranker(&fakeReranker{err: errors.New("reranker down")})
	ctx := context.Background()

	if _, err := e.Ingest(ctx, "t1", &IngestRequest{Title: "r", Content: refundDoc}); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}

	res, err := e.Answer(ctx, "t1", &AnswerRequest{Question: "What is the refund policy?"})
	if err != nil {
		t.Fatalf("rerank failure must fall back, got %v", err)
	}
	if len(res.Sources) == 0 {
		t.Fatal("expected sources from retriever order")
	}
}

func TestAnswerRerankReordering(t *testing.T) {
	e, _, _, _ := newTestEngine(t, func(c *Config) {
		c.EnableRerank = true
		c.ChunkSize = 60
		c.ChunkOverlap = 0
	})
	e.SetReranker(&fakeReranker{reverse: true})
	ctx := context.Background()

	if _, err := e.Ingest(ctx, "t1", &IngestRequest{Title: "r", Content: refundDoc}); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}

	baseline, err := e.Answer(ctx, "t1", &AnswerRequest{Question: "refund policy shipping warranty", DisableRerank: true})
	if err != nil {
		t.Fatalf("answer failed: %v", err)
	}
	reranked, err := e.Answer(ctx, "t1", &AnswerRequest{Question: "refund policy shipping warranty"})
	if err != nil {
		t.Fatalf("answer failed: %v", err)
	}
	if len(baseline.Sources) < 2 {
		t.Skipf("need at least 2 candidates, got %d", len(baseline.Sources))
	}
	if baseline.Sources[0].ChunkID == reranked.Sources[0].ChunkID {
		t.Fatal("reversing reranker must change the top source")
	}
}

func TestAnswerRerankBoundsSourcesToTopN(t *testing.T) {
	e, _, _, _ := newTestEngine(t, func(c *Config) {
		c.EnableRerank = true
		c.RerankTopN = 2
		c.ChunkSize = 30
		c.ChunkOverlap = 0
	})
	e.SetReranker(&fakeReranker{reverse: true})
	ctx := context.Background()

	if _, err := e.Ingest(ctx, "t1", &IngestRequest{Title: "r", Content: refundDoc}); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}

	// 语料须产出多于 top_n 的候选，截断才有意义
	stats, _ := e.Stats(ctx, "t1")
	if stats.ChunkCount <= 2 {
		t.Fatalf("fixture must yield more than 2 chunks, got %d", stats.ChunkCount)
	}

	res, err := e.Answer(ctx, "t1", &AnswerRequest{Question: "refund policy shipping warranty"})
	if err != nil {
		t.Fatalf("answer failed: %v", err)
	}
	if len(res.Sources) == 0 || len(res.Sources) > 2 {
		t.Fatalf("reranked sources must be capped at top_n=2, got %d", len(res.Sources))
	}

	disabled, err := e.Answer(ctx, "t1", &AnswerRequest{Question: "refund policy shipping warranty", DisableRerank: true})
	if err != nil {
		t.Fatalf("answer failed: %v", err)
	}
	if len(disabled.Sources) == 0 || len(disabled.Sources) > 2 {
		t.Fatalf("disabled rerank must still cap sources at top_n=2, got %d", len(disabled.Sources))
	}
}

func TestAnswerGenerationError(t *testing.T) {
	e, _, gen, _ := newTestEngine(t, nil)
	gen.err = errors.New("llm timeout")
	ctx := context.Background()

	if _, err := e.Ingest(ctx, "t1", &IngestRequest{Title: "r", Content: refundDoc}); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}

	_, err := e.Answer(ctx, "t1", &AnswerRequest{Question: "What is the refund policy?"})
	var genErr *GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("expected GenerationError, got %v", err)
	}

	// 失败结果不得写入缓存
	gen.err = nil
	res, err := e.Answer(ctx, "t1", &AnswerRequest{Question: "What is the refund policy?"})
	if err != nil {
		t.Fatalf("answer failed: %v", err)
	}
	if res.Cached {
		t.Fatal("failed generation must not populate the cache")
	}
}

func TestAnswerEmbedFailureIsTerminal(t *testing.T) {
	e, emb, _, _ := newTestEngine(t, nil)
	ctx := context.Background()

	if _, err := e.Ingest(ctx, "t1", &IngestRequest{Title: "r", Content: refundDoc}); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}

	emb.failAll = true
	if _, err := e.Answer(ctx, "t1", &AnswerRequest{Question: "refund?"}); err == nil {
		t.Fatal("query embedding failure must fail the answer")
	}
}

func TestAnswerSessionMemoryFoldIn(t *testing.T) {
	e, _, gen, _ := newTestEngine(t, nil)
	ctx := context.Background()

	if _, err := e.Ingest(ctx, "t1", &IngestRequest{Title: "r", Content: refundDoc}); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}

	req1 := &AnswerRequest{SessionID: "s1", Question: "What is the refund policy?"}
	if _, err := e.Answer(ctx, "t1", req1); err != nil {
		t.Fatalf("answer failed: %v", err)
	}

	req2 := &AnswerRequest{SessionID: "s1", Question: "Does that cover shipping costs?"}
	if _, err := e.Answer(ctx, "t1", req2); err != nil {
		t.Fatalf("answer failed: %v", err)
	}

	gen.mu.Lock()
	prompt := gen.prompt
	gen.mu.Unlock()
	if !strings.Contains(prompt, "What is the refund policy?") {
		t.Fatalf("previous turn missing from prompt: %q", prompt)
	}

	stats, _ := e.Stats(ctx, "t1")
	if stats.ActiveSessions != 1 {
		t.Fatalf("expected 1 active session, got %d", stats.ActiveSessions)
	}
}

func TestConcurrentAnswers(t *testing.T) {
	e, _, _, _ := newTestEngine(t, nil)
	ctx := context.Background()

	if _, err := e.Ingest(ctx, "t1", &IngestRequest{Title: "r", Content: refundDoc}); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.Answer(ctx, "t1", &AnswerRequest{
				SessionID: fmt.Sprintf("s%d", i%4),
				Question:  fmt.Sprintf("refund question %d", i),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent answer failed: %v", err)
		}
	}
}

// ── 文档管理 ──────────────────────────────────────────────────

func TestDeleteDocument(t *testing.T) {
	e, _, _, store := newTestEngine(t, nil)
	ctx := context.Background()

	res, err := e.Ingest(ctx, "t1", &IngestRequest{Title: "r", Content: refundDoc})
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}

	if err := e.DeleteDocument(ctx, "t1", res.DocID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	stats, _ := e.Stats(ctx, "t1")
	if stats.DocumentCount != 0 || stats.ChunkCount != 0 {
		t.Fatalf("delete left residue: %+v", stats)
	}
	if n, _ := store.Count(ctx, "t1"); n != 0 {
		t.Fatalf("vector store still holds %d records", n)
	}
	if stats.CorpusVersion != 2 {
		t.Fatalf("delete must bump the corpus version, got %d", stats.CorpusVersion)
	}

	// 删除后同内容可重新摄入
	again, err := e.Ingest(ctx, "t1", &IngestRequest{Title: "r", Content: refundDoc})
	if err != nil {
		t.Fatalf("re-ingest failed: %v", err)
	}
	if again.Deduplicated {
		t.Fatal("deleted content must not hit dedup")
	}

	if err := e.DeleteDocument(ctx, "t1", "missing"); !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}
}

func TestPurgeTenant(t *testing.T) {
	e, _, _, _ := newTestEngine(t, nil)
	ctx := context.Background()

	if _, err := e.Ingest(ctx, "t1", &IngestRequest{Title: "r", Content: refundDoc}); err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	if _, err := e.Answer(ctx, "t1", &AnswerRequest{SessionID: "s1", Question: "refund?"}); err != nil {
		t.Fatalf("answer failed: %v", err)
	}

	if err := e.PurgeTenant(ctx, "t1"); err != nil {
		t.Fatalf("purge failed: %v", err)
	}

	stats, _ := e.Stats(ctx, "t1")
	if stats.DocumentCount != 0 || stats.ChunkCount != 0 || stats.CacheSize != 0 || stats.ActiveSessions != 0 {
		t.Fatalf("purge left residue: %+v", stats)
	}

	res, err := e.Answer(ctx, "t1", &AnswerRequest{Question: "refund?"})
	if err != nil {
		t.Fatalf("answer after purge failed: %v", err)
	}
	if res.Answer != e.cfg.NoInfoAnswer {
		t.Fatal("purged tenant must answer with the no-info fallback")
	}
}
