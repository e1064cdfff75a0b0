package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/studylive/pkg/allowlist"
	"github.com/vango-go/studylive/pkg/gateway/apierror"
	"github.com/vango-go/studylive/pkg/gateway/config"
	"github.com/vango-go/studylive/pkg/gateway/lifecycle"
	"github.com/vango-go/studylive/pkg/gateway/live/bridge"
	"github.com/vango-go/studylive/pkg/gateway/live/sessions"
	"github.com/vango-go/studylive/pkg/gateway/mw"
	"github.com/vango-go/studylive/pkg/gateway/principal"
	"github.com/vango-go/studylive/pkg/gateway/ratelimit"
	"github.com/vango-go/studylive/pkg/live/client"
	"github.com/vango-go/studylive/pkg/live/endpoint"
	"github.com/vango-go/studylive/pkg/live/protocol"
	"github.com/vango-go/studylive/pkg/live/state"
	"github.com/vango-go/studylive/pkg/usage"
)

// LiveHandler handles /v1/live websocket sessions.
type LiveHandler struct {
	Config       config.Config
	Endpoint     endpoint.Endpoint
	Ledger       UsageLedger
	Persistence  state.Gateway
	Allowlist    *allowlist.List
	Logger       *slog.Logger
	Limiter      *ratelimit.Limiter
	Lifecycle    *lifecycle.Lifecycle
	LiveSessions *sessions.Tracker
}

func (h LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, r, &apierror.Error{Type: apierror.ErrInvalidRequest, Message: "method not allowed", Code: "method_not_allowed"})
		return
	}
	if !h.Lifecycle.AcceptingTraffic() {
		writeAPIError(w, r, &apierror.Error{Type: apierror.ErrOverloaded, Message: "gateway is not accepting new sessions", Code: "draining"})
		return
	}
	if h.Endpoint == nil || h.Ledger == nil {
		writeAPIError(w, r, &apierror.Error{Type: apierror.ErrUnavailable, Message: "live sessions are not configured", Code: "live_unavailable"})
		return
	}

	upgrader := websocket.Upgrader{
		// Origin is checked against the domain allowlist after hello.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	reqID := requestIDFromContext(r.Context())
	logger := h.logger().With("request_id", reqID)

	if h.Config.LiveMaxJSONMessageBytes > 0 {
		conn.SetReadLimit(h.Config.LiveMaxJSONMessageBytes)
	}

	handshakeTimeout := h.Config.LiveHandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 5 * time.Second
	}
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	messageType, firstFrame, err := conn.ReadMessage()
	if err != nil {
		h.writeWSError(conn, "bad_request", "failed to read hello", nil)
		return
	}
	if messageType != websocket.TextMessage {
		h.writeWSError(conn, "bad_request", "first frame must be hello", nil)
		return
	}
	decoded, err := protocol.DecodeClientMessage(firstFrame)
	if err != nil {
		var de *protocol.DecodeError
		if errors.As(err, &de) {
			h.writeWSError(conn, de.Code, de.Message, map[string]any{"param": de.Param})
			return
		}
		h.writeWSError(conn, "bad_request", "invalid hello frame", nil)
		return
	}
	hello, ok := decoded.(protocol.ClientHello)
	if !ok {
		h.writeWSError(conn, "bad_request", "first frame must be hello", nil)
		return
	}
	if hello.SampleRateHz > 0 && hello.SampleRateHz != h.sampleRate() {
		h.writeWSError(conn, "unsupported", "unsupported sample_rate_hz", map[string]any{"sample_rate_hz": h.sampleRate()})
		return
	}

	in := principal.IdentityInput(r, h.Config)
	if in.SessionToken == "" {
		in.SessionToken = strings.TrimSpace(hello.SessionToken)
	}
	if in.DeviceFingerprint == "" {
		in.DeviceFingerprint = strings.TrimSpace(hello.DeviceFingerprint)
	}
	identity, err := usage.ResolveIdentity(in)
	if err != nil {
		h.writeWSError(conn, "no_identity", "no identity to meter usage against", nil)
		return
	}
	logger = logger.With("identity", identity.Key)

	if code, msg := h.checkOrigin(r); code != "" {
		logger.Warn("live origin rejected", "origin", r.Header.Get("Origin"), "code", code)
		h.writeWSError(conn, code, msg, nil)
		return
	}

	if h.Limiter != nil {
		dec := h.Limiter.AcquireLiveSession(identity)
		if !dec.Allowed {
			h.writeWSError(conn, "rate_limited", "too many active live sessions", map[string]any{"max_sessions": dec.Limit, "identity_kind": string(identity.Kind)})
			return
		}
		defer dec.Permit.Release()
	}

	st, err := h.Ledger.Start(r.Context(), identity)
	switch {
	case err == nil:
	case errors.Is(err, usage.ErrLimitReached):
		h.writeWSError(conn, "limit_reached", "usage limit reached for the current period", limitReachedError(st).Details)
		return
	case !h.Config.StrictQuota:
		logger.Warn("usage start failed; allowing (strict quota disabled)", "error", err)
		st = usage.DegradedStatus()
	default:
		logger.Error("usage start failed", "error", err)
		h.writeWSError(conn, "usage_unavailable", "usage ledger unavailable", nil)
		return
	}

	var tools []protocol.ToolSpec
	if h.Config.LiveToolsEnable {
		tools = endpoint.DefaultTools()
	}

	br, err := bridge.New(bridge.Config{
		FrameSize:              h.Config.LiveFrameSize,
		ImageMinInterval:       h.Config.LiveImageMinInterval,
		MaxAudioFrameBytes:     h.Config.LiveMaxAudioFrameBytes,
		MaxAudioFPS:            h.Config.LiveMaxAudioFPS,
		MaxAudioBytesPerSecond: h.Config.LiveMaxAudioBytesPerSecond,
		AudioBurstSeconds:      h.Config.LiveInboundBurstSeconds,
		MaxJSONMessageBytes:    h.Config.LiveMaxJSONMessageBytes,
		PingInterval:           h.Config.LiveWSPingInterval,
		WriteTimeout:           h.Config.LiveWSWriteTimeout,
		ReadTimeout:            h.Config.LiveWSReadTimeout,
		MaxDuration:            maxSessionDuration(st),
		OutboundQueueSize:      h.Config.LiveOutboundQueueSize,
	}, bridge.Dependencies{Conn: conn, Logger: logger})
	if err != nil {
		h.writeWSError(conn, "internal", "failed to initialize live session", nil)
		return
	}

	machine := state.New(state.Config{
		Owner:          identity.Key,
		Language:       hello.Language,
		EducationLevel: hello.EducationLevel,
		Subject:        hello.Subject,
		Tools:          endpoint.ToolNames(tools),
	}, state.Dependencies{
		Gateway:  h.Persistence,
		Logger:   logger,
		Listener: br,
	})
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := machine.Close(ctx); err != nil {
			logger.Warn("live persistence did not drain", "error", err)
		}
	}()

	deps := client.Dependencies{
		Endpoint: h.Endpoint,
		Handler:  br.Events(machine),
		Logger:   logger,
	}
	if len(tools) > 0 {
		deps.Tools = br
	}
	live := client.New(client.Config{
		Setup: endpoint.Setup{
			Model:        h.Config.GeminiModel,
			SystemPrompt: endpoint.BuildSystemPrompt(hello.Language, hello.EducationLevel, hello.Subject),
			Language:     hello.Language,
			Tools:        tools,
		},
		ConnectTimeout:    h.Config.LiveConnectTimeout,
		UserSpeakingHold:  h.Config.LiveUserSpeakingHold,
		OutboundQueueSize: h.Config.LiveOutboundQueueSize,
		SampleRateHz:      h.sampleRate(),
	}, deps)

	if err := live.Connect(r.Context()); err != nil {
		logger.Warn("live connect failed", "error", err)
		h.writeWSErrorRetryable(conn, "connect_failed", "could not reach the tutoring model", machine.Snapshot().Error)
		return
	}

	sessionID := live.SessionID()
	logger = logger.With("session_id", sessionID)
	if err := conn.WriteJSON(protocol.ServerHelloAck{
		Type:              "hello_ack",
		ProtocolVersion:   protocol.ProtocolVersion1,
		SessionID:         sessionID,
		FrameSize:         h.frameSize(),
		SampleRateHz:      h.sampleRate(),
		MaxSessionMinutes: max(st.MaxSessionMinutes, 0),
	}); err != nil {
		_ = live.Disconnect(context.Background())
		return
	}
	_ = conn.SetReadDeadline(time.Time{})
	_ = br.SendUsage(st)

	unregister := func() {}
	if h.LiveSessions != nil {
		unregister = h.LiveSessions.Register(sessionID, sessions.Handle{
			Identity: identity.Key,
			Cancel:   br.Cancel,
			Warn:     br.SendWarning,
		})
	}
	defer unregister()

	logger.Info("live session started",
		"hello", hello.RedactedForLog(),
		"plan", st.Plan,
		"identity_sessions", h.LiveSessions.CountFor(identity.Key),
	)
	reason, runErr := br.Run(live)
	if runErr != nil {
		logger.Warn("live session ended with error", "reason", reason, "error", runErr)
	}

	h.recordEnd(logger, identity, machine)
}

// recordEnd charges the elapsed minutes once the session reached ended.
// Sessions that failed are not charged minutes.
func (h LiveHandler) recordEnd(logger *slog.Logger, identity usage.Identity, machine *state.Machine) {
	snap := machine.Snapshot()
	if snap.Status != protocol.StatusEnded || snap.StartedAt.IsZero() {
		logger.Info("live session closed without charge", "status", snap.Status)
		return
	}
	minutes := machine.DurationMinutes()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := h.Ledger.RecordEnd(ctx, identity, minutes)
	if err != nil {
		logger.Error("usage end failed", "minutes", minutes, "error", err)
		return
	}
	logger.Info("live session charged", "minutes", minutes, "minutes_remaining", st.MinutesRemaining)
}

// checkOrigin returns a close code and message when the Origin is refused.
func (h LiveHandler) checkOrigin(r *http.Request) (string, string) {
	if !h.Config.OriginCheckEnabled() {
		return "", ""
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if h.Config.EnforceOriginAllowlist {
			return "forbidden_origin", "origin is required"
		}
		return "", ""
	}
	if h.Allowlist == nil {
		return "allowlist_unavailable", "origin allowlist is not configured"
	}
	allowed, err := h.Allowlist.AllowedOrigin(origin)
	switch {
	case errors.Is(err, allowlist.ErrNotLoaded):
		return "allowlist_unavailable", "origin allowlist is not loaded yet"
	case err != nil:
		return "forbidden_origin", "origin is not valid"
	case !allowed:
		return "forbidden_origin", "origin is not allowed"
	}
	return "", ""
}

func maxSessionDuration(st usage.Status) time.Duration {
	if st.MaxSessionMinutes <= 0 {
		return 0
	}
	return time.Duration(st.MaxSessionMinutes * float64(time.Minute))
}

func (h LiveHandler) sampleRate() int {
	if h.Config.LiveSampleRateHz > 0 {
		return h.Config.LiveSampleRateHz
	}
	return client.DefaultSampleRateHz
}

func (h LiveHandler) frameSize() int {
	if h.Config.LiveFrameSize > 0 {
		return h.Config.LiveFrameSize
	}
	return 4096
}

func (h LiveHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h LiveHandler) writeWSError(conn *websocket.Conn, code, message string, details map[string]any) {
	_ = conn.WriteJSON(protocol.ServerError{Type: "error", Scope: "session", Code: code, Message: message, Close: true, Details: details})
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message), time.Now().Add(2*time.Second))
}

func (h LiveHandler) writeWSErrorRetryable(conn *websocket.Conn, code, message, cause string) {
	var details map[string]any
	if cause != "" {
		details = map[string]any{"cause": cause}
	}
	_ = conn.WriteJSON(protocol.ServerError{Type: "error", Scope: "session", Code: code, Message: message, Retryable: true, Close: true, Details: details})
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, message), time.Now().Add(2*time.Second))
}

func requestIDFromContext(ctx context.Context) string {
	if id, ok := mw.RequestIDFrom(ctx); ok {
		return id
	}
	return ""
}
