package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	"ragweave/internal/domain/rag"
	applog "ragweave/internal/platform/log"
)

// EngineHandler 检索问答引擎 API
type EngineHandler struct {
	engine    *rag.Engine
	parsers   *rag.ParserRegistry
	maxFileMB int
}

// NewEngineHandler 创建引擎处理器
func NewEngineHandler(engine *rag.Engine, parsers *rag.ParserRegistry, maxFileMB int) *EngineHandler {
	if maxFileMB <= 0 {
		maxFileMB = 50
	}
	return &EngineHandler{
		engine:    engine,
		parsers:   parsers,
		maxFileMB: maxFileMB,
	}
}

// RegisterRoutes 注册引擎路由
func (h *EngineHandler) RegisterRoutes(r chi.Router) {
	r.Route("/engine", func(r chi.Router) {
		r.Post("/answer", h.Answer)
		r.Post("/ingest", h.Ingest)
		r.Post("/ingest/upload", h.UploadDocument)
		r.Get("/stats", h.Stats)
		r.Post("/cache/clear", h.ClearCache)
		r.Delete("/corpus", h.PurgeCorpus)

		r.Route("/documents", func(r chi.Router) {
			r.Get("/", h.ListDocuments)
			r.Delete("/{docID}", h.DeleteDocument)
		})
	})
}

// --- 问答 ---

func (h *EngineHandler) Answer(w http.ResponseWriter, r *http.Request) {
	scope := MustScopeFrom(r.Context())

	var req rag.AnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.engine.Answer(r.Context(), scope.TenantID, &req)
	if err != nil {
		h.writeEngineError(w, "Answer", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// --- 文档摄入 ---

func (h *EngineHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	scope := MustScopeFrom(r.Context())

	var req rag.IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.engine.Ingest(r.Context(), scope.TenantID, &req)
	if err != nil {
		h.writeEngineError(w, "Ingest", err)
		return
	}

	status := http.StatusCreated
	if result.Deduplicated {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

// UploadDocument 文件上传摄入（multipart/form-data）
func (h *EngineHandler) UploadDocument(w http.ResponseWriter, r *http.Request) {
	scope := MustScopeFrom(r.Context())

	limitBytes := int64(h.maxFileMB) << 20

	if err := r.ParseMultipartForm(limitBytes); err != nil {
		writeError(w, http.StatusBadRequest, "failed to parse multipart form")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	if header.Size > 0 && header.Size > limitBytes {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("file size exceeds limit (%dMB)", h.maxFileMB))
		return
	}

	filename := header.Filename
	title := r.FormValue("title")
	if title == "" {
		title = filename
	}
	source := r.FormValue("source")
	if source == "" {
		source = filename
	}

	parser, err := h.parsers.Get(filename)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unsupported file type: %s (supported: %s)", filepath.Ext(filename), h.parsers.SupportedTypes()))
		return
	}

	parsed, err := parser.Parse(file, filename)
	if err != nil {
		applog.Error("[Engine] File parse failed", "filename", filename, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to parse file")
		return
	}
	if parsed.Content == "" {
		writeError(w, http.StatusBadRequest, "no text content extracted from file")
		return
	}

	result, err := h.engine.Ingest(r.Context(), scope.TenantID, &rag.IngestRequest{
		Title:   title,
		Content: parsed.Content,
		Source:  source,
	})
	if err != nil {
		h.writeEngineError(w, "Upload", err)
		return
	}

	status := http.StatusCreated
	if result.Deduplicated {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

// --- 管理 ---

func (h *EngineHandler) Stats(w http.ResponseWriter, r *http.Request) {
	scope := MustScopeFrom(r.Context())

	stats, err := h.engine.Stats(r.Context(), scope.TenantID)
	if err != nil {
		h.writeEngineError(w, "Stats", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *EngineHandler) ClearCache(w http.ResponseWriter, r *http.Request) {
	scope := MustScopeFrom(r.Context())

	if err := h.engine.ClearCache(r.Context(), scope.TenantID); err != nil {
		h.writeEngineError(w, "ClearCache", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// PurgeCorpus 清空当前租户的全部语料、缓存与会话
func (h *EngineHandler) PurgeCorpus(w http.ResponseWriter, r *http.Request) {
	scope := MustScopeFrom(r.Context())

	if err := h.engine.PurgeTenant(r.Context(), scope.TenantID); err != nil {
		h.writeEngineError(w, "PurgeCorpus", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "purged"})
}

func (h *EngineHandler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	scope := MustScopeFrom(r.Context())

	docs, err := h.engine.Documents(r.Context(), scope.TenantID)
	if err != nil {
		h.writeEngineError(w, "ListDocuments", err)
		return
	}
	writeJSON(w, http.StatusOK, docs)
}

func (h *EngineHandler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	scope := MustScopeFrom(r.Context())
	docID := chi.URLParam(r, "docID")

	if err := h.engine.DeleteDocument(r.Context(), scope.TenantID, docID); err != nil {
		h.writeEngineError(w, "DeleteDocument", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// writeEngineError 引擎错误到 HTTP 状态码的统一映射
func (h *EngineHandler) writeEngineError(w http.ResponseWriter, op string, err error) {
	var genErr *rag.GenerationError
	var ingErr *rag.IngestionError

	switch {
	case errors.Is(err, rag.ErrInvalidInput), errors.Is(err, rag.ErrTenantRequired):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, rag.ErrDocumentNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, rag.ErrLockTimeout):
		writeError(w, http.StatusConflict, "ingestion is busy, retry later")
	case errors.As(err, &genErr):
		applog.Error("[Engine] Generation failed", "op", op, "error", err)
		writeError(w, http.StatusBadGateway, "answer generation failed")
	case errors.As(err, &ingErr):
		applog.Error("[Engine] Ingestion failed", "op", op, "error", err)
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, "request timed out")
	default:
		applog.Error("[Engine] Request failed", "op", op, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
