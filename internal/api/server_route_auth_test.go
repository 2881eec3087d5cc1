package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"ragweave/internal/domain/tenant"
)

func newTestServer(t *testing.T) (*Server, tenant.Repo) {
	t.Helper()
	cfg := DefaultServerConfig()
	cfg.JWTSecret = "test-secret"
	repo := tenant.NewMemoryRepo()
	return NewServer(cfg, nil, nil, repo), repo
}

func signTestToken(t *testing.T, secret, tenantID string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"tenant_id": tenantID,
		"sub":       tenantID,
		"exp":       time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func TestCreateTenantBypassesJWT(t *testing.T) {
	server, _ := newTestServer(t)
	handler := server.Handler()

	req := httptest.NewRequest(http.MethodPost, "/tenants", strings.NewReader(`{"name":"acme"}`))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201 for public tenant creation, got %d: %s", rr.Code, rr.Body.String())
	}

	var resp struct {
		Data struct {
			Tenant struct {
				ID string `json:"id"`
			} `json:"tenant"`
			Token string `json:"token"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Data.Tenant.ID == "" || resp.Data.Token == "" {
		t.Fatalf("expected tenant id and token in response, got %s", rr.Body.String())
	}
}

func TestProtectedRoutesRequireJWT(t *testing.T) {
	server, _ := newTestServer(t)
	handler := server.Handler()

	tests := []struct {
		name   string
		method string
		path   string
	}{
		{name: "answer requires jwt", method: http.MethodPost, path: "/engine/answer"},
		{name: "ingest requires jwt", method: http.MethodPost, path: "/engine/ingest"},
		{name: "stats requires jwt", method: http.MethodGet, path: "/engine/stats"},
		{name: "documents requires jwt", method: http.MethodGet, path: "/engine/documents"},
		{name: "cache clear requires jwt", method: http.MethodPost, path: "/engine/cache/clear"},
		{name: "get tenant requires jwt", method: http.MethodGet, path: "/tenants/some-id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			rr := httptest.NewRecorder()

			handler.ServeHTTP(rr, req)

			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401 for protected route %s, got %d", tt.path, rr.Code)
			}
		})
	}
}

func TestValidTokenReachesProtectedRoute(t *testing.T) {
	server, repo := newTestServer(t)
	handler := server.Handler()

	tn := &tenant.Tenant{ID: "t-1", Name: "acme", Status: tenant.StatusActive, CreatedAt: time.Now()}
	if err := repo.Create(context.Background(), tn); err != nil {
		t.Fatalf("create tenant: %v", err)
	}

	token := signTestToken(t, "test-secret", "t-1")
	req := httptest.NewRequest(http.MethodGet, "/tenants/t-1", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid token, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestTokenForUnknownTenantRejected(t *testing.T) {
	server, _ := newTestServer(t)
	handler := server.Handler()

	token := signTestToken(t, "test-secret", "ghost")
	req := httptest.NewRequest(http.MethodGet, "/tenants/ghost", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for unknown tenant, got %d", rr.Code)
	}
}

func TestSuspendedTenantRejected(t *testing.T) {
	server, repo := newTestServer(t)
	handler := server.Handler()

	tn := &tenant.Tenant{ID: "t-2", Name: "frozen", Status: tenant.StatusSuspended, CreatedAt: time.Now()}
	if err := repo.Create(context.Background(), tn); err != nil {
		t.Fatalf("create tenant: %v", err)
	}

	token := signTestToken(t, "test-secret", "t-2")
	req := httptest.NewRequest(http.MethodGet, "/tenants/t-2", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for suspended tenant, got %d", rr.Code)
	}
}

func TestCrossTenantAccessForbidden(t *testing.T) {
	server, repo := newTestServer(t)
	handler := server.Handler()

	for _, id := range []string{"t-a", "t-b"} {
		if err := repo.Create(context.Background(), &tenant.Tenant{ID: id, Name: id, Status: tenant.StatusActive, CreatedAt: time.Now()}); err != nil {
			t.Fatalf("create tenant: %v", err)
		}
	}

	token := signTestToken(t, "test-secret", "t-a")
	req := httptest.NewRequest(http.MethodGet, "/tenants/t-b", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for cross-tenant access, got %d", rr.Code)
	}
}

func TestHealthIsPublic(t *testing.T) {
	server, _ := newTestServer(t)
	handler := server.Handler()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 for /health, got %d", rr.Code)
	}
}
