package rag

import "context"

// VectorRecord is a chunk embedding to be stored.
type VectorRecord struct {
	ChunkID string
	Vector  []float32
}

// VectorMatch is a nearest-neighbor hit. Score is a similarity (higher is better).
type VectorMatch struct {
	ChunkID string
	Score   float64
}

// VectorStore defines the dense index operations required by the engine.
// Implementations must tolerate concurrent readers; the engine serializes
// writers per tenant.
type VectorStore interface {
	Add(ctx context.Context, tenantID string, recs []VectorRecord) error
	Query(ctx context.Context, tenantID string, vector []float32, k int) ([]VectorMatch, error)
	DeleteChunks(ctx context.Context, tenantID string, chunkIDs []string) error
	DeleteTenant(ctx context.Context, tenantID string) error
	Count(ctx context.Context, tenantID string) (int, error)
}

// Generator produces an answer from a fully assembled prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// ResponseCache memoizes (answer, sources) per fingerprint. Keys already embed
// the tenant corpus version, so Invalidate only serves explicit cache clears.
type ResponseCache interface {
	Get(ctx context.Context, tenantID, key string) (*CachedAnswer, bool)
	Set(ctx context.Context, tenantID, key string, ans *CachedAnswer)
	Invalidate(ctx context.Context, tenantID string)
	Size(ctx context.Context, tenantID string) int
}

// CachedAnswer is the cached payload for one answer fingerprint.
type CachedAnswer struct {
	Answer    string      `json:"answer"`
	Sources   []SourceRef `json:"sources"`
	CreatedAt int64       `json:"created_at"`
}

// DocumentRepo mirrors document metadata to durable storage. The engine keeps
// the authoritative in-process registry; mirror failures are logged, not fatal.
type DocumentRepo interface {
	SaveDocument(ctx context.Context, doc *Document) error
	UpdateDocument(ctx context.Context, doc *Document) error
	DeleteDocument(ctx context.Context, id string) error
}
