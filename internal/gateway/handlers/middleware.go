package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/keyfleet/gemini-gateway/internal/shared/database"
	"github.com/keyfleet/gemini-gateway/internal/shared/models"
	"github.com/keyfleet/gemini-gateway/internal/shared/redis"
)

type proxyKeyCtxKey struct{}

// ProxyKeyFrom returns the authenticated proxy key stored by the auth
// middleware.
func ProxyKeyFrom(ctx context.Context) *models.ProxyKey {
	pk, _ := ctx.Value(proxyKeyCtxKey{}).(*models.ProxyKey)
	return pk
}

type Middleware struct {
	db           *database.DB
	redis        *redis.Client
	defaultLimit int
}

func NewMiddleware(db *database.DB, redis *redis.Client, defaultLimit int) *Middleware {
	return &Middleware{
		db:           db,
		redis:        redis,
		defaultLimit: defaultLimit,
	}
}

// Auth validates the proxy key and stores it on the request context.
// Errors are written in the wire format of the surface the middleware
// guards. The proxy key travels as a Bearer token on the OpenAI surface
// and as x-goog-api-key or ?key= on the native one; all three are accepted
// everywhere so native SDKs work against either prefix.
func (m *Middleware) Auth(format string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawKey := extractProxyKey(r)
			if rawKey == "" {
				writeFormatError(w, format, &models.AttemptError{
					Kind:       models.ErrValidation,
					StatusCode: http.StatusUnauthorized,
					Code:       "missing_key",
					Message:    "missing proxy key",
				})
				return
			}

			pk, err := m.db.GetProxyKey(r.Context(), rawKey)
			if err != nil {
				writeFormatError(w, format, &models.AttemptError{
					Kind:       models.ErrValidation,
					StatusCode: http.StatusUnauthorized,
					Code:       "invalid_key",
					Message:    "invalid proxy key",
				})
				return
			}

			ctx := context.WithValue(r.Context(), proxyKeyCtxKey{}, pk)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RateLimit enforces the proxy key's per-minute request limit.
func (m *Middleware) RateLimit(format string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			pk := ProxyKeyFrom(r.Context())
			if pk == nil || m.redis == nil {
				next.ServeHTTP(w, r)
				return
			}

			limit := pk.RateLimitPerMinute
			if limit <= 0 {
				limit = m.defaultLimit
			}

			exceeded, remaining, err := m.redis.CheckRateLimit(r.Context(), pk.ID, limit)
			if err != nil {
				// Rate limiting is best effort; an unavailable counter
				// never blocks traffic.
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", limit))
			w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))

			if exceeded {
				w.Header().Set("Retry-After", "60")
				writeFormatError(w, format, &models.AttemptError{
					Kind:       models.ErrRateLimit,
					StatusCode: http.StatusTooManyRequests,
					Code:       "proxy_rate_limited",
					Message:    "proxy key rate limit exceeded",
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// CORSMiddleware handles CORS
func (m *Middleware) CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, x-goog-api-key")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func extractProxyKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return parts[1]
		}
	}
	if key := r.Header.Get("x-goog-api-key"); key != "" {
		return key
	}
	return r.URL.Query().Get("key")
}
