package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"ragweave/internal/domain/tenant"
	applog "ragweave/internal/platform/log"
)

// TenantHandler 租户注册与查询 API
type TenantHandler struct {
	repo   tenant.Repo
	jwtCfg *JWTConfig
}

func NewTenantHandler(repo tenant.Repo, jwtCfg *JWTConfig) *TenantHandler {
	return &TenantHandler{repo: repo, jwtCfg: jwtCfg}
}

// RegisterPublicRoutes 注册无需鉴权的路由（租户自助开通）
func (h *TenantHandler) RegisterPublicRoutes(r chi.Router) {
	r.Post("/tenants", h.CreateTenant)
}

// RegisterProtectedRoutes 注册需要鉴权的路由
func (h *TenantHandler) RegisterProtectedRoutes(r chi.Router) {
	r.Get("/tenants", h.ListTenants)
	r.Get("/tenants/{id}", h.GetTenant)
}

type createTenantRequest struct {
	Name string `json:"name"`
	Plan string `json:"plan,omitempty"`
}

type createTenantResponse struct {
	Tenant *tenant.Tenant `json:"tenant"`
	Token  string         `json:"token"`
}

func (h *TenantHandler) CreateTenant(w http.ResponseWriter, r *http.Request) {
	var req createTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Plan == "" {
		req.Plan = "free"
	}

	t := &tenant.Tenant{
		ID:        uuid.New().String(),
		Name:      req.Name,
		Plan:      req.Plan,
		Status:    tenant.StatusActive,
		CreatedAt: time.Now(),
	}
	if err := h.repo.Create(r.Context(), t); err != nil {
		applog.Error("[Tenant] Create failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create tenant")
		return
	}

	token, err := h.signToken(t)
	if err != nil {
		applog.Error("[Tenant] Token signing failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	writeJSON(w, http.StatusCreated, &createTenantResponse{Tenant: t, Token: token})
}

// signToken 为新租户签发访问令牌（HS256，1 年有效期）
func (h *TenantHandler) signToken(t *tenant.Tenant) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"tenant_id": t.ID,
		"sub":       t.ID,
		"iat":       now.Unix(),
		"exp":       now.Add(365 * 24 * time.Hour).Unix(),
	}
	if h.jwtCfg.Issuer != "" {
		claims["iss"] = h.jwtCfg.Issuer
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(h.jwtCfg.Secret))
}

func (h *TenantHandler) GetTenant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	scope := MustScopeFrom(r.Context())
	// 仅允许查询自身租户
	if scope.TenantID != id {
		writeError(w, http.StatusForbidden, "cannot access other tenants")
		return
	}

	t, err := h.repo.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, tenant.ErrNotFound) {
			writeError(w, http.StatusNotFound, "tenant not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get tenant")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *TenantHandler) ListTenants(w http.ResponseWriter, r *http.Request) {
	scope := MustScopeFrom(r.Context())

	tenants, err := h.repo.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list tenants")
		return
	}
	// 非管理员只能看到自己
	if !hasRole(scope, "admin") {
		filtered := tenants[:0]
		for _, t := range tenants {
			if t.ID == scope.TenantID {
				filtered = append(filtered, t)
			}
		}
		tenants = filtered
	}
	writeJSON(w, http.StatusOK, tenants)
}

func hasRole(scope *Scope, role string) bool {
	for _, r := range scope.Roles {
		if r == role {
			return true
		}
	}
	return false
}
