package mw

import (
	"net/http"
	"strings"

	"github.com/vango-go/studylive/pkg/gateway/config"
)

const corsAllowedMethods = "GET, POST, OPTIONS"

// Identity headers must be listed so browser callers can meter usage.
var corsAllowedHeaders = strings.Join([]string{
	"Authorization",
	"Content-Type",
	"X-Request-ID",
	"X-User-ID",
	"X-Session-Token",
	"X-Device-Fingerprint",
}, ", ")

var corsExposedHeaders = strings.Join([]string{
	"X-Request-ID",
	"Retry-After",
}, ", ")

// OriginAllowlist matches an Origin against the tutoring app's registered
// domains, subdomains included.
type OriginAllowlist interface {
	AllowedOrigin(origin string) (bool, error)
}

// CORS allows exact origins from config plus any origin on a domain the
// allowlist accepts. An allowlist that is not loaded yet allows nothing extra.
func CORS(cfg config.Config, domains OriginAllowlist, next http.Handler) http.Handler {
	exact := cfg.CORSAllowedOrigins
	allowed := func(origin string) bool {
		if origin == "" {
			return false
		}
		if _, ok := exact[origin]; ok {
			return true
		}
		if domains == nil {
			return false
		}
		ok, err := domains.AllowedOrigin(origin)
		return err == nil && ok
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))

		if r.Method == http.MethodOptions && strings.TrimSpace(r.Header.Get("Access-Control-Request-Method")) != "" {
			if !allowed(origin) {
				http.Error(w, "cors preflight not allowed", http.StatusForbidden)
				return
			}
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Methods", corsAllowedMethods)
			h.Set("Access-Control-Allow-Headers", corsAllowedHeaders)
			h.Set("Access-Control-Max-Age", "600")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if allowed(origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Expose-Headers", corsExposedHeaders)
		}
		next.ServeHTTP(w, r)
	})
}
