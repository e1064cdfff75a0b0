package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeOptional AuthMode = "optional"
	AuthModeDisabled AuthMode = "disabled"
)

type LiveEndpointKind string

const (
	LiveEndpointGemini LiveEndpointKind = "gemini"
	LiveEndpointRelay  LiveEndpointKind = "relay"
)

type LedgerBackend string

const (
	LedgerMemory   LedgerBackend = "memory"
	LedgerRedis    LedgerBackend = "redis"
	LedgerPostgres LedgerBackend = "postgres"
)

type Config struct {
	Addr string

	LogFormat string

	AuthMode AuthMode
	APIKeys  map[string]struct{}

	// If true, client identity may be derived from proxy headers like X-Forwarded-For
	// and the upstream-verified X-User-ID header is trusted.
	// Only enable behind a trusted proxy/LB.
	TrustProxyHeaders bool

	MaxBodyBytes int64

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// Origin domains allowed to open /v1/live. The database allowed_domains table is merged in when
	// configured. Empty and not enforced => check disabled.
	AllowedOriginDomains     []string
	EnforceOriginAllowlist   bool
	AllowlistRefreshInterval time.Duration

	// Inference endpoint.
	LiveEndpoint    LiveEndpointKind
	GeminiAPIKey    string
	GeminiModel     string
	GeminiVoice     string
	RelayURL        string
	RelayAPIKey     string
	LiveToolsEnable bool

	// Live session.
	LiveConnectTimeout     time.Duration
	LiveUserSpeakingHold   time.Duration
	LiveFrameSize          int
	LiveSampleRateHz       int
	LiveOutboundQueueSize  int
	LiveImageMinInterval   time.Duration
	LiveMaxAudioFrameBytes int
	// Inbound audio budget per session; 0 disables.
	LiveMaxAudioFPS            int
	LiveMaxAudioBytesPerSecond int64
	LiveInboundBurstSeconds    int
	LiveMaxJSONMessageBytes    int64
	LiveWSPingInterval         time.Duration
	LiveWSWriteTimeout         time.Duration
	LiveWSReadTimeout          time.Duration
	LiveHandshakeTimeout       time.Duration
	LiveMaxSessionsPerClient   int
	// Guest cap; zero falls back to LiveMaxSessionsPerClient.
	LiveMaxSessionsPerGuest int

	// Storage.
	DatabaseURL   string
	RedisURL      string
	LedgerBackend LedgerBackend

	// Usage.
	PlansFile       string
	StripeSecretKey string
	// Price lookup key => plan name.
	StripePriceToPlan map[string]string
	// If true, a ledger failure denies session start instead of letting it through.
	StrictQuota bool

	// In-memory limits (per principal).
	LimitRPS                   float64
	LimitBurst                 int
	LimitMaxConcurrentRequests int

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	HandlerTimeout      time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                       envOr("STUDYLIVE_ADDR", ":8080"),
		LogFormat:                  strings.ToLower(envOr("STUDYLIVE_LOG_FORMAT", "text")),
		AuthMode:                   AuthMode(envOr("STUDYLIVE_AUTH_MODE", string(AuthModeDisabled))),
		APIKeys:                    make(map[string]struct{}),
		TrustProxyHeaders:          envBoolOr("STUDYLIVE_TRUST_PROXY_HEADERS", false),
		MaxBodyBytes:               envInt64Or("STUDYLIVE_MAX_BODY_BYTES", 64<<10),
		CORSAllowedOrigins:         make(map[string]struct{}),
		AllowedOriginDomains:       splitCSV(os.Getenv("STUDYLIVE_ALLOWED_ORIGIN_DOMAINS")),
		EnforceOriginAllowlist:     envBoolOr("STUDYLIVE_ENFORCE_ORIGIN_ALLOWLIST", false),
		AllowlistRefreshInterval:   envDurationOr("STUDYLIVE_ALLOWLIST_REFRESH_INTERVAL", 5*time.Minute),
		LiveEndpoint:               LiveEndpointKind(strings.ToLower(envOr("STUDYLIVE_LIVE_ENDPOINT", string(LiveEndpointGemini)))),
		GeminiAPIKey:               envOr("STUDYLIVE_GEMINI_API_KEY", os.Getenv("GEMINI_API_KEY")),
		GeminiModel:                envOr("STUDYLIVE_GEMINI_MODEL", ""),
		GeminiVoice:                envOr("STUDYLIVE_GEMINI_VOICE", "Puck"),
		RelayURL:                   envOr("STUDYLIVE_RELAY_URL", ""),
		RelayAPIKey:                envOr("STUDYLIVE_RELAY_API_KEY", ""),
		LiveToolsEnable:            envBoolOr("STUDYLIVE_LIVE_TOOLS", true),
		LiveConnectTimeout:         envDurationOr("STUDYLIVE_LIVE_CONNECT_TIMEOUT", 15*time.Second),
		LiveUserSpeakingHold:       envDurationOr("STUDYLIVE_LIVE_USER_SPEAKING_HOLD", 500*time.Millisecond),
		LiveFrameSize:              envIntOr("STUDYLIVE_LIVE_FRAME_SIZE", 4096),
		LiveSampleRateHz:           envIntOr("STUDYLIVE_LIVE_SAMPLE_RATE_HZ", 16000),
		LiveOutboundQueueSize:      envIntOr("STUDYLIVE_LIVE_OUTBOUND_QUEUE_SIZE", 128),
		LiveImageMinInterval:       envDurationOr("STUDYLIVE_LIVE_IMAGE_MIN_INTERVAL", time.Second),
		LiveMaxAudioFrameBytes:     envIntOr("STUDYLIVE_LIVE_MAX_AUDIO_FRAME_BYTES", 64<<10),
		LiveMaxAudioFPS:            envIntOr("STUDYLIVE_LIVE_MAX_AUDIO_FPS", 0),
		LiveMaxAudioBytesPerSecond: envInt64Or("STUDYLIVE_LIVE_MAX_AUDIO_BYTES_PER_SECOND", 256<<10),
		LiveInboundBurstSeconds:    envIntOr("STUDYLIVE_LIVE_INBOUND_BURST_SECONDS", 2),
		LiveMaxJSONMessageBytes:    envInt64Or("STUDYLIVE_LIVE_MAX_JSON_MESSAGE_BYTES", 2<<20),
		LiveWSPingInterval:         envDurationOr("STUDYLIVE_LIVE_WS_PING_INTERVAL", 20*time.Second),
		LiveWSWriteTimeout:         envDurationOr("STUDYLIVE_LIVE_WS_WRITE_TIMEOUT", 5*time.Second),
		LiveWSReadTimeout:          envDurationOr("STUDYLIVE_LIVE_WS_READ_TIMEOUT", 0),
		LiveHandshakeTimeout:       envDurationOr("STUDYLIVE_LIVE_HANDSHAKE_TIMEOUT", 5*time.Second),
		LiveMaxSessionsPerClient:   envIntOr("STUDYLIVE_LIVE_MAX_SESSIONS_PER_CLIENT", 2),
		LiveMaxSessionsPerGuest:    envIntOr("STUDYLIVE_LIVE_MAX_SESSIONS_PER_GUEST", 0),
		DatabaseURL:                envOr("STUDYLIVE_DATABASE_URL", os.Getenv("DATABASE_URL")),
		RedisURL:                   envOr("STUDYLIVE_REDIS_URL", ""),
		LedgerBackend:              LedgerBackend(strings.ToLower(envOr("STUDYLIVE_LEDGER_BACKEND", string(LedgerMemory)))),
		PlansFile:                  envOr("STUDYLIVE_PLANS_FILE", ""),
		StripeSecretKey:            envOr("STUDYLIVE_STRIPE_SECRET_KEY", ""),
		StripePriceToPlan:          make(map[string]string),
		StrictQuota:                envBoolOr("STUDYLIVE_STRICT_QUOTA", true),
		LimitRPS:                   envFloat64Or("STUDYLIVE_RATE_LIMIT_RPS", 5.0),
		LimitBurst:                 envIntOr("STUDYLIVE_RATE_LIMIT_BURST", 10),
		LimitMaxConcurrentRequests: envIntOr("STUDYLIVE_MAX_CONCURRENT_REQUESTS", 20),
		ReadHeaderTimeout:          envDurationOr("STUDYLIVE_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:                envDurationOr("STUDYLIVE_READ_TIMEOUT", 30*time.Second),
		HandlerTimeout:             envDurationOr("STUDYLIVE_TOTAL_REQUEST_TIMEOUT", 30*time.Second),
		ShutdownGracePeriod:        envDurationOr("STUDYLIVE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeOptional, AuthModeDisabled:
	default:
		return Config{}, fmt.Errorf("STUDYLIVE_AUTH_MODE must be one of required|optional|disabled")
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return Config{}, fmt.Errorf("STUDYLIVE_LOG_FORMAT must be one of text|json")
	}

	for _, key := range splitCSV(os.Getenv("STUDYLIVE_API_KEYS")) {
		cfg.APIKeys[key] = struct{}{}
	}
	for _, origin := range splitCSV(os.Getenv("STUDYLIVE_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}
	for _, pair := range splitCSV(os.Getenv("STUDYLIVE_STRIPE_PRICE_PLANS")) {
		key, plan, ok := strings.Cut(pair, "=")
		key, plan = strings.TrimSpace(key), strings.TrimSpace(plan)
		if !ok || key == "" || plan == "" {
			return Config{}, fmt.Errorf("STUDYLIVE_STRIPE_PRICE_PLANS entries must be lookup_key=plan")
		}
		cfg.StripePriceToPlan[key] = plan
	}

	switch cfg.LiveEndpoint {
	case LiveEndpointGemini:
	case LiveEndpointRelay:
		if cfg.RelayURL == "" {
			return Config{}, fmt.Errorf("STUDYLIVE_RELAY_URL must be set when STUDYLIVE_LIVE_ENDPOINT=relay")
		}
		u, err := url.Parse(cfg.RelayURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return Config{}, fmt.Errorf("STUDYLIVE_RELAY_URL must be a ws:// or wss:// url")
		}
	default:
		return Config{}, fmt.Errorf("STUDYLIVE_LIVE_ENDPOINT must be one of gemini|relay")
	}

	switch cfg.LedgerBackend {
	case LedgerMemory:
	case LedgerRedis:
		if cfg.RedisURL == "" {
			return Config{}, fmt.Errorf("STUDYLIVE_REDIS_URL must be set when STUDYLIVE_LEDGER_BACKEND=redis")
		}
	case LedgerPostgres:
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("STUDYLIVE_DATABASE_URL must be set when STUDYLIVE_LEDGER_BACKEND=postgres")
		}
	default:
		return Config{}, fmt.Errorf("STUDYLIVE_LEDGER_BACKEND must be one of memory|redis|postgres")
	}

	if cfg.MaxBodyBytes <= 0 {
		return Config{}, fmt.Errorf("STUDYLIVE_MAX_BODY_BYTES must be > 0")
	}
	if cfg.AllowlistRefreshInterval < 0 {
		return Config{}, fmt.Errorf("STUDYLIVE_ALLOWLIST_REFRESH_INTERVAL must be >= 0")
	}
	if cfg.LiveConnectTimeout <= 0 {
		return Config{}, fmt.Errorf("STUDYLIVE_LIVE_CONNECT_TIMEOUT must be > 0")
	}
	if cfg.LiveUserSpeakingHold <= 0 {
		return Config{}, fmt.Errorf("STUDYLIVE_LIVE_USER_SPEAKING_HOLD must be > 0")
	}
	if cfg.LiveFrameSize <= 0 {
		return Config{}, fmt.Errorf("STUDYLIVE_LIVE_FRAME_SIZE must be > 0")
	}
	if cfg.LiveSampleRateHz <= 0 {
		return Config{}, fmt.Errorf("STUDYLIVE_LIVE_SAMPLE_RATE_HZ must be > 0")
	}
	if cfg.LiveOutboundQueueSize <= 0 {
		return Config{}, fmt.Errorf("STUDYLIVE_LIVE_OUTBOUND_QUEUE_SIZE must be > 0")
	}
	if cfg.LiveImageMinInterval < 0 {
		return Config{}, fmt.Errorf("STUDYLIVE_LIVE_IMAGE_MIN_INTERVAL must be >= 0")
	}
	if cfg.LiveMaxAudioFrameBytes <= 0 {
		return Config{}, fmt.Errorf("STUDYLIVE_LIVE_MAX_AUDIO_FRAME_BYTES must be > 0")
	}
	if cfg.LiveMaxAudioFPS < 0 || cfg.LiveMaxAudioBytesPerSecond < 0 || cfg.LiveInboundBurstSeconds < 0 {
		return Config{}, fmt.Errorf("STUDYLIVE_LIVE_MAX_AUDIO_FPS, STUDYLIVE_LIVE_MAX_AUDIO_BYTES_PER_SECOND and STUDYLIVE_LIVE_INBOUND_BURST_SECONDS must be >= 0")
	}
	if cfg.LiveMaxJSONMessageBytes <= 0 {
		return Config{}, fmt.Errorf("STUDYLIVE_LIVE_MAX_JSON_MESSAGE_BYTES must be > 0")
	}
	if cfg.LiveWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("STUDYLIVE_LIVE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.LiveWSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("STUDYLIVE_LIVE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.LiveWSReadTimeout < 0 {
		return Config{}, fmt.Errorf("STUDYLIVE_LIVE_WS_READ_TIMEOUT must be >= 0")
	}
	if cfg.LiveHandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("STUDYLIVE_LIVE_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.LiveMaxSessionsPerClient < 0 {
		return Config{}, fmt.Errorf("STUDYLIVE_LIVE_MAX_SESSIONS_PER_CLIENT must be >= 0")
	}
	if cfg.LiveMaxSessionsPerGuest < 0 {
		return Config{}, fmt.Errorf("STUDYLIVE_LIVE_MAX_SESSIONS_PER_GUEST must be >= 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("STUDYLIVE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return Config{}, fmt.Errorf("STUDYLIVE_READ_TIMEOUT must be > 0")
	}
	if cfg.HandlerTimeout <= 0 {
		return Config{}, fmt.Errorf("STUDYLIVE_TOTAL_REQUEST_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("STUDYLIVE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if cfg.LimitRPS < 0 {
		return Config{}, fmt.Errorf("STUDYLIVE_RATE_LIMIT_RPS must be >= 0")
	}
	if cfg.LimitBurst < 0 {
		return Config{}, fmt.Errorf("STUDYLIVE_RATE_LIMIT_BURST must be >= 0")
	}
	if cfg.LimitMaxConcurrentRequests < 0 {
		return Config{}, fmt.Errorf("STUDYLIVE_MAX_CONCURRENT_REQUESTS must be >= 0")
	}

	if cfg.AuthMode == AuthModeRequired && len(cfg.APIKeys) == 0 {
		return Config{}, fmt.Errorf("STUDYLIVE_API_KEYS must be set when STUDYLIVE_AUTH_MODE=required")
	}

	return cfg, nil
}

// OriginCheckEnabled reports whether /v1/live must check the Origin against the allowlist.
func (c Config) OriginCheckEnabled() bool {
	return c.EnforceOriginAllowlist || len(c.AllowedOriginDomains) > 0
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
