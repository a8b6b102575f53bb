// Package auth resolves an incoming request's API key to a tenant,
// enforces key-type write protection, and rate-limits per key.
package auth

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/jcolano/hiveboard-sub000/internal/eventmodel"
	"github.com/jcolano/hiveboard-sub000/internal/storage"
)

type contextKey string

const (
	tenantContextKey contextKey = "tenant"
	apiKeyContextKey contextKey = "api_key"
)

// Middleware extracts and validates the API key on every request,
// attaching the resolved tenant and key to the request context.
type Middleware struct {
	logger    zerolog.Logger
	store     storage.Storage
	headerKey string
	devKey    string
	devTenant string
}

// New constructs the auth Middleware. devKey, when non-empty, bypasses
// storage lookup for exactly that raw key value and resolves to
// devTenant — the HIVEBOARD_DEV_KEY bootstrap convenience.
func New(logger zerolog.Logger, store storage.Storage, headerKey, devKey, devTenant string) *Middleware {
	if headerKey == "" {
		headerKey = "Authorization"
	}
	return &Middleware{
		logger:    logger.With().Str("component", "auth").Logger(),
		store:     store,
		headerKey: headerKey,
		devKey:    devKey,
		devTenant: devTenant,
	}
}

// Authenticate is the chi-compatible middleware. It rejects with 401
// when no/invalid key is presented; tenant and key-type checks for
// specific write operations are applied by RequireWrite downstream.
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := extractKey(r.Header.Get(m.headerKey))
		if raw == "" {
			writeAuthError(w, http.StatusUnauthorized, "missing_api_key", "an API key is required")
			return
		}

		if m.devKey != "" && raw == m.devKey {
			ctx := withTenant(r.Context(), eventmodel.Tenant{TenantID: m.devTenant}, eventmodel.APIKey{TenantID: m.devTenant, Type: eventmodel.KeyLive, Active: true})
			next.ServeHTTP(w, r.WithContext(ctx))
			return
		}

		tenant, key, err := m.store.GetTenantByAPIKeyValue(r.Context(), raw)
		if err != nil {
			writeAuthError(w, http.StatusUnauthorized, "invalid_api_key", "the API key is invalid or has been revoked")
			return
		}

		_ = m.store.TouchAPIKeyLastUsed(r.Context(), tenant.TenantID, key.KeyID, time.Now().UTC())

		ctx := withTenant(r.Context(), tenant, key)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ResolveKey authenticates a raw key value outside the header-based
// middleware chain, for transports (WebSocket) that authenticate via a
// query-parameter token instead of a request header.
func (m *Middleware) ResolveKey(ctx context.Context, raw string) (eventmodel.Tenant, eventmodel.APIKey, error) {
	if m.devKey != "" && raw == m.devKey {
		return eventmodel.Tenant{TenantID: m.devTenant}, eventmodel.APIKey{TenantID: m.devTenant, Type: eventmodel.KeyLive, Active: true}, nil
	}
	tenant, key, err := m.store.GetTenantByAPIKeyValue(ctx, raw)
	if err != nil {
		return eventmodel.Tenant{}, eventmodel.APIKey{}, err
	}
	_ = m.store.TouchAPIKeyLastUsed(ctx, tenant.TenantID, key.KeyID, time.Now().UTC())
	return tenant, key, nil
}

// RequireWrite rejects with 403 when the resolved key is a read-only
// key attempting a write operation.
func (m *Middleware) RequireWrite(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, ok := KeyFromContext(r.Context())
		if !ok || key.Type == eventmodel.KeyRead {
			writeAuthError(w, http.StatusForbidden, "read_only_key", "this API key is read-only")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func extractKey(header string) string {
	if header == "" {
		return ""
	}
	if strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return strings.TrimSpace(header[len("bearer "):])
	}
	return strings.TrimSpace(header)
}

func withTenant(ctx context.Context, tenant eventmodel.Tenant, key eventmodel.APIKey) context.Context {
	ctx = context.WithValue(ctx, tenantContextKey, tenant)
	return context.WithValue(ctx, apiKeyContextKey, key)
}

// TenantFromContext returns the tenant resolved by Authenticate.
func TenantFromContext(ctx context.Context) (eventmodel.Tenant, bool) {
	t, ok := ctx.Value(tenantContextKey).(eventmodel.Tenant)
	return t, ok
}

// KeyFromContext returns the API key resolved by Authenticate.
func KeyFromContext(ctx context.Context) (eventmodel.APIKey, bool) {
	k, ok := ctx.Value(apiKeyContextKey).(eventmodel.APIKey)
	return k, ok
}

func writeAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + code + `","message":"` + message + `","status":` + strconv.Itoa(status) + `}`))
}
