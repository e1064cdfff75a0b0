package principal

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vango-go/studylive/pkg/gateway/auth"
	"github.com/vango-go/studylive/pkg/gateway/config"
	"github.com/vango-go/studylive/pkg/gateway/ratelimit"
)

func TestResolve_APIKeyWins(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/v1/usage", nil)
	r = r.WithContext(auth.WithPrincipal(r.Context(), &auth.Principal{APIKey: "k1"}))
	got := Resolve(r, config.Config{})
	if got.Kind != KindAPIKey || got.Key != ratelimit.PrincipalKey("k", "k1") {
		t.Fatalf("resolved=%+v", got)
	}
}

func TestResolve_IPFallback(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/v1/usage", nil)
	r.RemoteAddr = "198.51.100.7:5555"
	r.Header.Set("X-Forwarded-For", "203.0.113.1")

	got := Resolve(r, config.Config{})
	if got.Kind != KindIP || got.Raw != "198.51.100.7" {
		t.Fatalf("untrusted resolved=%+v", got)
	}

	got = Resolve(r, config.Config{TrustProxyHeaders: true})
	if got.Raw != "203.0.113.1" {
		t.Fatalf("trusted resolved=%+v", got)
	}
}

func TestResolveClientIP_HeaderPrecedence(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:1"
	r.Header.Set("X-Forwarded-For", "203.0.113.3, 10.0.0.2")
	r.Header.Set("X-Real-IP", "203.0.113.2")
	r.Header.Set("CF-Connecting-IP", "203.0.113.1")
	if got := resolveClientIP(r, true); got != "203.0.113.1" {
		t.Fatalf("got %q", got)
	}
	r.Header.Del("CF-Connecting-IP")
	if got := resolveClientIP(r, true); got != "203.0.113.2" {
		t.Fatalf("got %q", got)
	}
	r.Header.Del("X-Real-IP")
	if got := resolveClientIP(r, true); got != "203.0.113.3" {
		t.Fatalf("got %q", got)
	}
	r.Header.Set("X-Forwarded-For", "garbage")
	if got := resolveClientIP(r, true); got != "10.0.0.1" {
		t.Fatalf("got %q", got)
	}
}

func TestIdentityInput_UserHeaderNeedsTrust(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/v1/usage", nil)
	r.RemoteAddr = "198.51.100.7:5555"
	r.Header.Set(HeaderUserID, "u_1")
	r.Header.Set(HeaderSessionToken, " tok ")
	r.Header.Set(HeaderDeviceFingerprint, "fp")

	in := IdentityInput(r, config.Config{})
	if in.UserID != "" {
		t.Fatalf("untrusted user id accepted: %+v", in)
	}
	if in.SessionToken != "tok" || in.DeviceFingerprint != "fp" || in.ClientIP != "198.51.100.7" {
		t.Fatalf("input=%+v", in)
	}

	in = IdentityInput(r, config.Config{TrustProxyHeaders: true})
	if in.UserID != "u_1" {
		t.Fatalf("trusted user id dropped: %+v", in)
	}

	authed := r.WithContext(auth.WithPrincipal(r.Context(), &auth.Principal{APIKey: "k"}))
	if in := IdentityInput(authed, config.Config{}); in.UserID != "u_1" {
		t.Fatalf("api key caller user id dropped: %+v", in)
	}
}
