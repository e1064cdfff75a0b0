package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/vango-go/studylive/pkg/gateway/apierror"
	"github.com/vango-go/studylive/pkg/gateway/config"
	"github.com/vango-go/studylive/pkg/gateway/principal"
	"github.com/vango-go/studylive/pkg/usage"
)

// UsageLedger is the slice of the usage ledger the HTTP surface needs.
type UsageLedger interface {
	Status(ctx context.Context, id usage.Identity) (usage.Status, error)
	Start(ctx context.Context, id usage.Identity) (usage.Status, error)
	RecordEnd(ctx context.Context, id usage.Identity, minutes float64) (usage.Status, error)
}

const (
	usageActionStart = "start"
	usageActionEnd   = "end"
)

type usageRequest struct {
	Action          string   `json:"action"`
	DurationMinutes *float64 `json:"durationMinutes,omitempty"`
}

type usageResponse struct {
	Action       string       `json:"action,omitempty"`
	IdentityKind string       `json:"identity_kind"`
	Degraded     bool         `json:"degraded,omitempty"`
	Usage        usage.Status `json:"usage"`
}

// UsageHandler serves GET /v1/usage (status) and POST /v1/usage
// ({"action":"start"|"end","durationMinutes":n}).
type UsageHandler struct {
	Config config.Config
	Ledger UsageLedger
	Logger *slog.Logger
}

func (h UsageHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Ledger == nil {
		writeAPIError(w, r, &apierror.Error{Type: apierror.ErrUnavailable, Message: "usage ledger is not configured", Code: "usage_unavailable"})
		return
	}
	switch r.Method {
	case http.MethodGet:
		h.serveStatus(w, r)
	case http.MethodPost:
		h.serveAction(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		writeAPIError(w, r, &apierror.Error{
			Type:    apierror.ErrInvalidRequest,
			Message: "method not allowed",
			Code:    "method_not_allowed",
		})
	}
}

func (h UsageHandler) serveStatus(w http.ResponseWriter, r *http.Request) {
	id, err := usage.ResolveIdentity(principal.IdentityInput(r, h.Config))
	if err != nil {
		writeError(w, r, err)
		return
	}
	st, err := h.Ledger.Status(r.Context(), id)
	if err != nil {
		h.logger().Error("usage status failed", "identity", id.Key, "error", err)
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, usageResponse{IdentityKind: string(id.Kind), Usage: st})
}

func (h UsageHandler) serveAction(w http.ResponseWriter, r *http.Request) {
	if h.Config.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.Config.MaxBodyBytes)
	}
	var req usageRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeAPIError(w, r, &apierror.Error{
			Type:    apierror.ErrInvalidRequest,
			Message: "invalid JSON body",
			Code:    "invalid_json",
		})
		return
	}

	id, err := usage.ResolveIdentity(principal.IdentityInput(r, h.Config))
	if err != nil {
		writeError(w, r, err)
		return
	}

	switch strings.ToLower(strings.TrimSpace(req.Action)) {
	case usageActionStart:
		h.start(w, r, id)
	case usageActionEnd:
		if req.DurationMinutes == nil {
			writeAPIError(w, r, &apierror.Error{
				Type:    apierror.ErrInvalidRequest,
				Message: "durationMinutes is required for action=end",
				Param:   "durationMinutes",
			})
			return
		}
		st, err := h.Ledger.RecordEnd(r.Context(), id, *req.DurationMinutes)
		if err != nil {
			if !errors.Is(err, usage.ErrNegativeDuration) {
				h.logger().Error("usage end failed", "identity", id.Key, "error", err)
			}
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, usageResponse{Action: usageActionEnd, IdentityKind: string(id.Kind), Usage: st})
	default:
		writeAPIError(w, r, &apierror.Error{
			Type:    apierror.ErrInvalidRequest,
			Message: `action must be "start" or "end"`,
			Param:   "action",
		})
	}
}

func (h UsageHandler) start(w http.ResponseWriter, r *http.Request, id usage.Identity) {
	st, err := h.Ledger.Start(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, usageResponse{Action: usageActionStart, IdentityKind: string(id.Kind), Usage: st})
	case errors.Is(err, usage.ErrLimitReached):
		writeAPIError(w, r, limitReachedError(st))
	case !h.Config.StrictQuota:
		h.logger().Warn("usage start failed; allowing (strict quota disabled)", "identity", id.Key, "error", err)
		writeJSON(w, http.StatusOK, usageResponse{
			Action:       usageActionStart,
			IdentityKind: string(id.Kind),
			Degraded:     true,
			Usage:        usage.DegradedStatus(),
		})
	default:
		h.logger().Error("usage start failed", "identity", id.Key, "error", err)
		writeError(w, r, err)
	}
}

func limitReachedError(st usage.Status) *apierror.Error {
	return &apierror.Error{
		Type:    apierror.ErrQuota,
		Message: "usage limit reached for the current period",
		Code:    "limit_reached",
		Details: map[string]any{
			"plan":               st.Plan,
			"period":             st.Period,
			"sessions_remaining": st.SessionsRemaining,
			"minutes_remaining":  st.MinutesRemaining,
		},
	}
}

func (h UsageHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
