package mw

import (
	"net/http"
	"time"

	"github.com/vango-go/studylive/pkg/gateway/apierror"
	"github.com/vango-go/studylive/pkg/gateway/auth"
	"github.com/vango-go/studylive/pkg/gateway/config"
	"github.com/vango-go/studylive/pkg/gateway/principal"
	"github.com/vango-go/studylive/pkg/gateway/ratelimit"
)

func RateLimit(cfg config.Config, limiter *ratelimit.Limiter, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health endpoints must remain cheap and reliable.
		if r.URL.Path == "/healthz" || r.URL.Path == "/readyz" {
			next.ServeHTTP(w, r)
			return
		}
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		p := principal.Resolve(r, cfg)
		dec := limiter.AcquireRequest(p.Key, time.Now())
		if !dec.Allowed {
			reqID, _ := RequestIDFrom(r.Context())
			var retryAfter *int
			if dec.RetryAfter > 0 {
				v := dec.RetryAfter
				retryAfter = &v
			}
			apierror.Write(w, http.StatusTooManyRequests, &apierror.Error{
				Type:       apierror.ErrRateLimit,
				Message:    "rate limit exceeded",
				RequestID:  reqID,
				RetryAfter: retryAfter,
			})
			return
		}
		if dec.Permit != nil {
			// Live sessions hold their own permit for the session lifetime.
			if auth.IsWebSocketUpgrade(r) {
				dec.Permit.Release()
			} else {
				defer dec.Permit.Release()
			}
		}

		next.ServeHTTP(w, r)
	})
}
