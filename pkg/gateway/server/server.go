package server

import (
	"log/slog"
	"net/http"

	"github.com/vango-go/studylive/pkg/allowlist"
	"github.com/vango-go/studylive/pkg/gateway/config"
	"github.com/vango-go/studylive/pkg/gateway/handlers"
	"github.com/vango-go/studylive/pkg/gateway/lifecycle"
	"github.com/vango-go/studylive/pkg/gateway/live/sessions"
	"github.com/vango-go/studylive/pkg/gateway/mw"
	"github.com/vango-go/studylive/pkg/gateway/ratelimit"
	"github.com/vango-go/studylive/pkg/live/endpoint"
	"github.com/vango-go/studylive/pkg/live/state"
)

// Dependencies are the collaborators the routes share. Nil Endpoint or
// Ledger leaves /v1/live and /v1/usage answering 503.
type Dependencies struct {
	Logger      *slog.Logger
	Endpoint    endpoint.Endpoint
	Ledger      handlers.UsageLedger
	Persistence state.Gateway
	Allowlist   *allowlist.List
	Lifecycle   *lifecycle.Lifecycle
	Sessions    *sessions.Tracker
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	deps    Dependencies
	limiter *ratelimit.Limiter
}

func New(cfg config.Config, deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Lifecycle == nil {
		deps.Lifecycle = &lifecycle.Lifecycle{}
		deps.Lifecycle.SetReady(true)
	}
	if deps.Sessions == nil {
		deps.Sessions = sessions.NewTracker()
	}

	s := &Server{
		cfg:    cfg,
		logger: deps.Logger,
		mux:    http.NewServeMux(),
		deps:   deps,
		limiter: ratelimit.New(ratelimit.Config{
			RPS:                   cfg.LimitRPS,
			Burst:                 cfg.LimitBurst,
			MaxConcurrentRequests: cfg.LimitMaxConcurrentRequests,
			LiveSessionsPerUser:   cfg.LiveMaxSessionsPerClient,
			LiveSessionsPerGuest:  cfg.LiveMaxSessionsPerGuest,
		}),
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Config:       s.cfg,
		Lifecycle:    s.deps.Lifecycle,
		Allowlist:    s.deps.Allowlist,
		SessionCount: s.deps.Sessions.Count,
	})

	s.mux.Handle("/v1/usage", handlers.UsageHandler{
		Config: s.cfg,
		Ledger: s.deps.Ledger,
		Logger: s.logger,
	})
	s.mux.Handle("/v1/live", handlers.LiveHandler{
		Config:       s.cfg,
		Endpoint:     s.deps.Endpoint,
		Ledger:       s.deps.Ledger,
		Persistence:  s.deps.Persistence,
		Allowlist:    s.deps.Allowlist,
		Logger:       s.logger,
		Limiter:      s.limiter,
		Lifecycle:    s.deps.Lifecycle,
		LiveSessions: s.deps.Sessions,
	})

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

// Sessions returns the tracker of active live sessions, used to drain on shutdown.
func (s *Server) Sessions() *sessions.Tracker { return s.deps.Sessions }

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.RateLimit(s.cfg, s.limiter, h)
	h = mw.Auth(s.cfg, h)
	var domains mw.OriginAllowlist
	if s.deps.Allowlist != nil {
		domains = s.deps.Allowlist
	}
	h = mw.CORS(s.cfg, domains, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}
