package auth

import (
	"log/slog"
	"net/http"

	"github.com/rhuss/sandout/pkg/api"
	"github.com/rhuss/sandout/pkg/debug"
	"github.com/rhuss/sandout/pkg/observability"
	"github.com/rhuss/sandout/pkg/storage"
	"github.com/rhuss/sandout/pkg/transport"
)

// DefaultBypassEndpoints lists endpoints that skip authentication.
var DefaultBypassEndpoints = []string{"/healthz", "/readyz", "/metrics"}

// Middleware authenticates every request not on the bypass list, applies
// the rate limiter when one is given, and stores the identity and tenant
// in the request context.
func Middleware(chain *Chain, limiter RateLimiter, bypassEndpoints []string) func(http.Handler) http.Handler {
	bypass := make(map[string]bool, len(bypassEndpoints))
	for _, ep := range bypassEndpoints {
		bypass[ep] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if bypass[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			result := chain.Authenticate(r.Context(), r)
			if result.Decision != Yes || result.Identity == nil {
				slog.Warn("authentication failed",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
					"error", result.Err,
				)
				w.Header().Set("WWW-Authenticate", `Bearer realm="sandout"`)
				transport.WriteErrorResponse(w,
					&api.APIError{Type: api.ErrorTypeInvalidRequest, Code: "unauthenticated", Message: ErrUnauthenticated.Error()},
					http.StatusUnauthorized,
				)
				return
			}

			id := result.Identity
			if id.Subject == "" {
				slog.Error("authenticator returned identity with empty subject")
				transport.WriteAPIError(w, api.NewServerError("internal authentication error"))
				return
			}
			debug.Log("auth", "authenticated", "subject", id.Subject, "tier", id.Tier, "path", r.URL.Path)

			if limiter != nil {
				if err := limiter.Allow(r.Context(), id); err != nil {
					slog.Warn("rate limit exceeded", "subject", id.Subject, "tier", id.Tier)
					observability.RateLimitRejectedTotal.WithLabelValues(id.Tier).Inc()
					w.Header().Set("Retry-After", "60")
					transport.WriteAPIError(w, api.NewTooManyRequestsError(err.Error()))
					return
				}
			}

			ctx := SetIdentity(r.Context(), id)
			if id.Tenant != "" {
				ctx = storage.SetTenant(ctx, id.Tenant)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
