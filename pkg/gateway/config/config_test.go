package config

import (
	"strings"
	"testing"
	"time"
)

var studyliveEnvKeys = []string{
	"STUDYLIVE_ADDR",
	"STUDYLIVE_LOG_FORMAT",
	"STUDYLIVE_AUTH_MODE",
	"STUDYLIVE_API_KEYS",
	"STUDYLIVE_TRUST_PROXY_HEADERS",
	"STUDYLIVE_MAX_BODY_BYTES",
	"STUDYLIVE_CORS_ORIGINS",
	"STUDYLIVE_ALLOWED_ORIGIN_DOMAINS",
	"STUDYLIVE_ENFORCE_ORIGIN_ALLOWLIST",
	"STUDYLIVE_ALLOWLIST_REFRESH_INTERVAL",
	"STUDYLIVE_LIVE_ENDPOINT",
	"STUDYLIVE_GEMINI_API_KEY",
	"GEMINI_API_KEY",
	"STUDYLIVE_GEMINI_MODEL",
	"STUDYLIVE_GEMINI_VOICE",
	"STUDYLIVE_RELAY_URL",
	"STUDYLIVE_RELAY_API_KEY",
	"STUDYLIVE_LIVE_TOOLS",
	"STUDYLIVE_LIVE_CONNECT_TIMEOUT",
	"STUDYLIVE_LIVE_USER_SPEAKING_HOLD",
	"STUDYLIVE_LIVE_FRAME_SIZE",
	"STUDYLIVE_LIVE_SAMPLE_RATE_HZ",
	"STUDYLIVE_LIVE_OUTBOUND_QUEUE_SIZE",
	"STUDYLIVE_LIVE_IMAGE_MIN_INTERVAL",
	"STUDYLIVE_LIVE_MAX_AUDIO_FRAME_BYTES",
	"STUDYLIVE_LIVE_MAX_JSON_MESSAGE_BYTES",
	"STUDYLIVE_LIVE_WS_PING_INTERVAL",
	"STUDYLIVE_LIVE_WS_WRITE_TIMEOUT",
	"STUDYLIVE_LIVE_WS_READ_TIMEOUT",
	"STUDYLIVE_LIVE_HANDSHAKE_TIMEOUT",
	"STUDYLIVE_LIVE_MAX_SESSIONS_PER_CLIENT",
	"STUDYLIVE_LIVE_MAX_SESSIONS_PER_GUEST",
	"STUDYLIVE_DATABASE_URL",
	"DATABASE_URL",
	"STUDYLIVE_REDIS_URL",
	"STUDYLIVE_LEDGER_BACKEND",
	"STUDYLIVE_PLANS_FILE",
	"STUDYLIVE_STRIPE_SECRET_KEY",
	"STUDYLIVE_STRIPE_PRICE_PLANS",
	"STUDYLIVE_STRICT_QUOTA",
	"STUDYLIVE_RATE_LIMIT_RPS",
	"STUDYLIVE_RATE_LIMIT_BURST",
	"STUDYLIVE_MAX_CONCURRENT_REQUESTS",
	"STUDYLIVE_READ_HEADER_TIMEOUT",
	"STUDYLIVE_READ_TIMEOUT",
	"STUDYLIVE_TOTAL_REQUEST_TIMEOUT",
	"STUDYLIVE_SHUTDOWN_GRACE_PERIOD",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range studyliveEnvKeys {
		t.Setenv(key, "")
	}
}

func TestLoadFromEnv_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.Addr != ":8080" {
		t.Fatalf("Addr = %q, want :8080", cfg.Addr)
	}
	if cfg.AuthMode != AuthModeDisabled {
		t.Fatalf("AuthMode = %q, want disabled", cfg.AuthMode)
	}
	if cfg.LiveEndpoint != LiveEndpointGemini {
		t.Fatalf("LiveEndpoint = %q, want gemini", cfg.LiveEndpoint)
	}
	if cfg.LedgerBackend != LedgerMemory {
		t.Fatalf("LedgerBackend = %q, want memory", cfg.LedgerBackend)
	}
	if cfg.LiveConnectTimeout != 15*time.Second {
		t.Fatalf("LiveConnectTimeout = %v, want 15s", cfg.LiveConnectTimeout)
	}
	if cfg.LiveUserSpeakingHold != 500*time.Millisecond {
		t.Fatalf("LiveUserSpeakingHold = %v, want 500ms", cfg.LiveUserSpeakingHold)
	}
	if cfg.LiveFrameSize != 4096 {
		t.Fatalf("LiveFrameSize = %d, want 4096", cfg.LiveFrameSize)
	}
	if cfg.LiveOutboundQueueSize != 128 {
		t.Fatalf("LiveOutboundQueueSize = %d, want 128", cfg.LiveOutboundQueueSize)
	}
	if !cfg.StrictQuota {
		t.Fatalf("StrictQuota = false, want true")
	}
	if cfg.OriginCheckEnabled() {
		t.Fatalf("origin check should be off by default")
	}
}

func TestLoadFromEnv_ParsesLists(t *testing.T) {
	clearEnv(t)
	t.Setenv("STUDYLIVE_API_KEYS", "k1, k2")
	t.Setenv("STUDYLIVE_AUTH_MODE", "required")
	t.Setenv("STUDYLIVE_ALLOWED_ORIGIN_DOMAINS", "school.example, tutor.example")
	t.Setenv("STUDYLIVE_STRIPE_PRICE_PLANS", "pro_monthly=pro,pro_yearly=pro")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if len(cfg.APIKeys) != 2 {
		t.Fatalf("APIKeys = %v", cfg.APIKeys)
	}
	if len(cfg.AllowedOriginDomains) != 2 || !cfg.OriginCheckEnabled() {
		t.Fatalf("AllowedOriginDomains = %v", cfg.AllowedOriginDomains)
	}
	if cfg.StripePriceToPlan["pro_yearly"] != "pro" {
		t.Fatalf("StripePriceToPlan = %v", cfg.StripePriceToPlan)
	}
}

func TestLoadFromEnv_GeminiKeyFallback(t *testing.T) {
	clearEnv(t)
	t.Setenv("GEMINI_API_KEY", "g-key")
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.GeminiAPIKey != "g-key" {
		t.Fatalf("GeminiAPIKey = %q", cfg.GeminiAPIKey)
	}
}

func TestLoadFromEnv_Invalid(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"auth mode", map[string]string{"STUDYLIVE_AUTH_MODE": "sometimes"}, "STUDYLIVE_AUTH_MODE"},
		{"required without keys", map[string]string{"STUDYLIVE_AUTH_MODE": "required"}, "STUDYLIVE_API_KEYS"},
		{"endpoint", map[string]string{"STUDYLIVE_LIVE_ENDPOINT": "carrier-pigeon"}, "STUDYLIVE_LIVE_ENDPOINT"},
		{"relay without url", map[string]string{"STUDYLIVE_LIVE_ENDPOINT": "relay"}, "STUDYLIVE_RELAY_URL"},
		{"relay http url", map[string]string{"STUDYLIVE_LIVE_ENDPOINT": "relay", "STUDYLIVE_RELAY_URL": "http://x"}, "ws://"},
		{"ledger", map[string]string{"STUDYLIVE_LEDGER_BACKEND": "sqlite"}, "STUDYLIVE_LEDGER_BACKEND"},
		{"redis without url", map[string]string{"STUDYLIVE_LEDGER_BACKEND": "redis"}, "STUDYLIVE_REDIS_URL"},
		{"postgres without url", map[string]string{"STUDYLIVE_LEDGER_BACKEND": "postgres"}, "STUDYLIVE_DATABASE_URL"},
		{"frame size", map[string]string{"STUDYLIVE_LIVE_FRAME_SIZE": "0"}, "STUDYLIVE_LIVE_FRAME_SIZE"},
		{"price plans", map[string]string{"STUDYLIVE_STRIPE_PRICE_PLANS": "broken"}, "STUDYLIVE_STRIPE_PRICE_PLANS"},
		{"log format", map[string]string{"STUDYLIVE_LOG_FORMAT": "xml"}, "STUDYLIVE_LOG_FORMAT"},
		{"connect timeout", map[string]string{"STUDYLIVE_LIVE_CONNECT_TIMEOUT": "-1s"}, "STUDYLIVE_LIVE_CONNECT_TIMEOUT"},
		{"guest sessions", map[string]string{"STUDYLIVE_LIVE_MAX_SESSIONS_PER_GUEST": "-1"}, "STUDYLIVE_LIVE_MAX_SESSIONS_PER_GUEST"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := LoadFromEnv()
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error = %q, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestLoadFromEnv_BadNumbersFallBackToDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("STUDYLIVE_LIVE_OUTBOUND_QUEUE_SIZE", "lots")
	t.Setenv("STUDYLIVE_LIVE_CONNECT_TIMEOUT", "soon")
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LiveOutboundQueueSize != 128 || cfg.LiveConnectTimeout != 15*time.Second {
		t.Fatalf("cfg = %+v", cfg)
	}
}
