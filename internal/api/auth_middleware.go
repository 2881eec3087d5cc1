package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"ragweave/internal/domain/tenant"
	applog "ragweave/internal/platform/log"
)

// JWTConfig JWT 鉴权配置
type JWTConfig struct {
	Secret string // HMAC 签名密钥
	Issuer string // 可选签发者校验
}

// authMiddleware JWT 鉴权中间件
// 验证 Authorization: Bearer <token>，提取 tenant_id 并校验租户状态。
func authMiddleware(cfg *JWTConfig, tenants tenant.Repo) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeErrorCode(w, http.StatusUnauthorized, "unauthorized", "Missing Authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				writeErrorCode(w, http.StatusUnauthorized, "unauthorized", "Invalid Authorization header format")
				return
			}
			tokenStr := parts[1]

			parserOpts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"})}
			if cfg.Issuer != "" {
				parserOpts = append(parserOpts, jwt.WithIssuer(cfg.Issuer))
			}

			token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
				}
				return []byte(cfg.Secret), nil
			}, parserOpts...)

			if err != nil || !token.Valid {
				applog.Warn("[Auth] Invalid JWT token", "error", err)
				writeErrorCode(w, http.StatusUnauthorized, "unauthorized", "Invalid or expired token")
				return
			}

			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok {
				writeErrorCode(w, http.StatusUnauthorized, "unauthorized", "Invalid token claims")
				return
			}

			tenantID, _ := claims["tenant_id"].(string)
			subject, _ := claims["sub"].(string)

			if tenantID == "" {
				writeErrorCode(w, http.StatusForbidden, "forbidden_scope", "Missing tenant_id in token")
				return
			}
			if err := validateTenantClaim(r.Context(), tenants, tenantID); err != nil {
				if errors.Is(err, tenant.ErrNotFound) || strings.Contains(err.Error(), "not active") {
					writeErrorCode(w, http.StatusForbidden, "forbidden_scope", err.Error())
					return
				}
				applog.Error("[Auth] Tenant validation failed", "error", err)
				writeErrorCode(w, http.StatusInternalServerError, "scope_validation_failed", "Failed to validate auth scope")
				return
			}

			var roles []string
			if rolesRaw, ok := claims["roles"].([]interface{}); ok {
				for _, r := range rolesRaw {
					if s, ok := r.(string); ok {
						roles = append(roles, s)
					}
				}
			}

			scope := &Scope{
				TenantID: tenantID,
				Subject:  subject,
				Roles:    roles,
			}
			ctx := WithScope(r.Context(), scope)

			applog.Debug("[Auth] Scope injected", "tenant_id", tenantID, "subject", subject)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func validateTenantClaim(ctx context.Context, tenants tenant.Repo, tenantID string) error {
	if tenants == nil {
		return fmt.Errorf("tenant repository is not configured")
	}

	t, err := tenants.Get(ctx, tenantID)
	if err != nil {
		if errors.Is(err, tenant.ErrNotFound) {
			return fmt.Errorf("invalid tenant_id in token: %w", tenant.ErrNotFound)
		}
		return err
	}
	if t.Status != "" && t.Status != tenant.StatusActive {
		return fmt.Errorf("tenant is not active")
	}
	return nil
}
