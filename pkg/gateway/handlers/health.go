package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/vango-go/studylive/pkg/allowlist"
	"github.com/vango-go/studylive/pkg/gateway/config"
	"github.com/vango-go/studylive/pkg/gateway/lifecycle"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
	Allowlist *allowlist.List
	// SessionCount reports live sessions in flight; optional.
	SessionCount func() int
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK               bool     `json:"ok"`
		Draining         bool     `json:"draining,omitempty"`
		AuthMode         string   `json:"auth_mode"`
		LiveEndpoint     string   `json:"live_endpoint"`
		LedgerBackend    string   `json:"ledger_backend"`
		AllowlistEnabled bool     `json:"allowlist_enabled"`
		AllowlistDomains int      `json:"allowlist_domains"`
		LimitsEnabled    bool     `json:"limits_enabled"`
		LiveSessions     int      `json:"live_sessions"`
		Issues           []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)

	switch h.Config.AuthMode {
	case config.AuthModeRequired, config.AuthModeOptional, config.AuthModeDisabled:
	default:
		issues = append(issues, "invalid auth_mode")
	}
	if h.Config.AuthMode == config.AuthModeRequired && len(h.Config.APIKeys) == 0 {
		issues = append(issues, "auth_mode=required but no api keys configured")
	}
	if h.Config.MaxBodyBytes <= 0 {
		issues = append(issues, "max_body_bytes must be > 0")
	}
	switch h.Config.LiveEndpoint {
	case config.LiveEndpointGemini:
		if h.Config.GeminiAPIKey == "" {
			issues = append(issues, "live_endpoint=gemini but no gemini api key configured")
		}
	case config.LiveEndpointRelay:
		if h.Config.RelayURL == "" {
			issues = append(issues, "live_endpoint=relay but no relay url configured")
		}
	default:
		issues = append(issues, "invalid live_endpoint")
	}
	if h.Config.LiveFrameSize <= 0 || h.Config.LiveSampleRateHz <= 0 {
		issues = append(issues, "live frame size and sample rate must be > 0")
	}
	if h.Config.LiveConnectTimeout <= 0 || h.Config.LiveHandshakeTimeout <= 0 {
		issues = append(issues, "live connect and handshake timeouts must be > 0")
	}
	if h.Config.ReadHeaderTimeout <= 0 || h.Config.ReadTimeout <= 0 || h.Config.HandlerTimeout <= 0 {
		issues = append(issues, "timeouts must be > 0")
	}

	allowlistEnabled := h.Config.OriginCheckEnabled()
	domains := 0
	if allowlistEnabled {
		if h.Allowlist == nil || !h.Allowlist.Loaded() {
			issues = append(issues, "origin allowlist not loaded")
		} else {
			domains = h.Allowlist.Len()
		}
	}

	draining := h.Lifecycle.IsDraining()
	starting := !draining && !h.Lifecycle.AcceptingTraffic()
	switch {
	case draining:
		issues = append(issues, "draining")
	case starting:
		issues = append(issues, "starting")
	}

	limitsEnabled := (h.Config.LimitRPS > 0 && h.Config.LimitBurst > 0) ||
		(h.Config.LimitMaxConcurrentRequests > 0) ||
		(h.Config.LiveMaxSessionsPerClient > 0)

	sessions := 0
	if h.SessionCount != nil {
		sessions = h.SessionCount()
	}

	ok := len(issues) == 0
	status := http.StatusOK
	switch {
	case draining, starting:
		status = http.StatusServiceUnavailable
	case !ok:
		status = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:               ok,
		Draining:         draining,
		AuthMode:         string(h.Config.AuthMode),
		LiveEndpoint:     string(h.Config.LiveEndpoint),
		LedgerBackend:    string(h.Config.LedgerBackend),
		AllowlistEnabled: allowlistEnabled,
		AllowlistDomains: domains,
		LimitsEnabled:    limitsEnabled,
		LiveSessions:     sessions,
		Issues:           issues,
	})
}
