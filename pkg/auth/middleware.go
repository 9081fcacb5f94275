package auth

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/rhuss/codexgate/pkg/api"
	"github.com/rhuss/codexgate/pkg/debug"
	"github.com/rhuss/codexgate/pkg/observability"
	"github.com/rhuss/codexgate/pkg/transport"
)

// DefaultBypassEndpoints lists endpoints that skip authentication.
var DefaultBypassEndpoints = []string{"/healthz", "/readyz", "/metrics"}

// Middleware authenticates every request not on the bypass list, applies
// the rate limiter when one is given, and stores the identity in the
// request context. Rejections use the standard JSON error body.
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

			res := chain.Authenticate(r.Context(), r)
			if res.Decision != Yes || res.Identity == nil {
				slog.Warn("authentication failed",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
					"error", res.Err,
				)
				transport.WriteAPIError(w, api.NewAuthenticationError("authentication required"))
				return
			}
			id := res.Identity
			if id.Subject == "" {
				slog.Error("authenticator returned identity with empty subject")
				transport.WriteAPIError(w, api.NewServerError("internal authentication error"))
				return
			}
			debug.Log("auth", "authenticated", "subject", id.Subject, "tier", id.Tier(), "path", r.URL.Path)

			if limiter != nil {
				if err := limiter.Allow(r.Context(), id); err != nil {
					slog.Warn("rate limit exceeded", "subject", id.Subject, "tier", id.Tier())
					observability.RateLimitRejectedTotal.WithLabelValues(id.Tier()).Inc()
					apiErr := api.NewRateLimitError("rate limit exceeded")
					var le *LimitError
					if errors.As(err, &le) {
						apiErr.RetryAfter = retryAfterSeconds(le.RetryAfter)
					}
					transport.WriteAPIError(w, apiErr)
					return
				}
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}
