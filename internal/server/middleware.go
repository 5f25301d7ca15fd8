package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/zeketx/limitguard/internal/enforcer"
	"github.com/zeketx/limitguard/internal/engine"
)

// Middleware wraps an http.Handler and enforces rate limits on every
// request. The endpoint key is "METHOD /path" and the identifier comes
// from clientIdentifier, so embedding applications get limiting without
// touching their handlers.
func Middleware(next http.Handler, enf *enforcer.Enforcer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decision := enf.Evaluate(r.Context(), enforcer.RequestContext{
			Identifier: clientIdentifier(r),
			Endpoint:   r.Method + " " + r.URL.Path,
			Tier:       callerTier(r),
			Outcome:    engine.OutcomePending,
			Metadata: map[string]string{
				"user_agent": r.UserAgent(),
			},
		})

		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", decision.Limit))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", decision.Remaining))
		w.Header().Set("X-RateLimit-Reset", decision.ResetAt.Format(time.RFC3339))

		if !decision.Allowed {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(decision.RetryAfter.Seconds())+1))
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
