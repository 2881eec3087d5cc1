// Package postgres 提供租户与文档元数据的持久化镜像。
// 引擎内存态为权威，这里只做可观测与重启后的对账。
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	domainrag "ragweave/internal/domain/rag"
	"ragweave/internal/domain/tenant"
)

type Repository struct {
	db *sql.DB
}

// NewRepository 创建 PostgreSQL 存储
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// EnsureTables 确保租户与文档表存在
func (r *Repository) EnsureTables(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS tenants (
		id         UUID PRIMARY KEY,
		name       VARCHAR(255) NOT NULL,
		plan       VARCHAR(64) NOT NULL DEFAULT 'free',
		status     VARCHAR(32) NOT NULL DEFAULT 'active',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS documents (
		id           UUID PRIMARY KEY,
		tenant_id    UUID NOT NULL,
		title        VARCHAR(512) NOT NULL,
		source       VARCHAR(512),
		content_hash CHAR(64) NOT NULL,
		byte_size    INTEGER NOT NULL DEFAULT 0,
		state        VARCHAR(32) NOT NULL,
		chunk_count  INTEGER NOT NULL DEFAULT 0,
		error        TEXT,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_documents_tenant ON documents(tenant_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_documents_hash ON documents(tenant_id, content_hash);
	`
	_, err := r.db.ExecContext(ctx, ddl)
	return err
}

// ── 租户 ──────────────────────────────────────────────────────

func (r *Repository) Create(ctx context.Context, t *tenant.Tenant) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO tenants (id, name, plan, status, created_at) VALUES ($1, $2, $3, $4, $5)`,
		t.ID, t.Name, t.Plan, t.Status, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert tenant: %w", err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (*tenant.Tenant, error) {
	var t tenant.Tenant
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, plan, status, created_at FROM tenants WHERE id = $1`, id,
	).Scan(&t.ID, &t.Name, &t.Plan, &t.Status, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, tenant.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query tenant: %w", err)
	}
	return &t, nil
}

func (r *Repository) List(ctx context.Context) ([]*tenant.Tenant, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, plan, status, created_at FROM tenants ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var out []*tenant.Tenant
	for rows.Next() {
		var t tenant.Tenant
		if err := rows.Scan(&t.ID, &t.Name, &t.Plan, &t.Status, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// ── 文档镜像 ──────────────────────────────────────────────────

func (r *Repository) SaveDocument(ctx context.Context, doc *domainrag.Document) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO documents (id, tenant_id, title, source, content_hash, byte_size, state, chunk_count, error, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10)
		 ON CONFLICT (id) DO NOTHING`,
		doc.ID, doc.TenantID, doc.Title, doc.Source, doc.ContentHash,
		doc.ByteSize, doc.State, doc.ChunkCount, doc.Error, doc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (r *Repository) UpdateDocument(ctx context.Context, doc *domainrag.Document) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE documents SET state = $2, chunk_count = $3, error = NULLIF($4, '') WHERE id = $1`,
		doc.ID, doc.State, doc.ChunkCount, doc.Error,
	)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	return nil
}

func (r *Repository) DeleteDocument(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	return nil
}
