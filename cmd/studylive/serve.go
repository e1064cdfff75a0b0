package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/vango-go/studylive/pkg/allowlist"
	"github.com/vango-go/studylive/pkg/gateway/config"
	"github.com/vango-go/studylive/pkg/gateway/lifecycle"
	gatewayserver "github.com/vango-go/studylive/pkg/gateway/server"
	"github.com/vango-go/studylive/pkg/live/endpoint"
	"github.com/vango-go/studylive/pkg/live/endpoint/gemini"
	"github.com/vango-go/studylive/pkg/live/endpoint/relay"
	"github.com/vango-go/studylive/pkg/live/state"
	"github.com/vango-go/studylive/pkg/store/memstore"
	"github.com/vango-go/studylive/pkg/store/postgres"
	"github.com/vango-go/studylive/pkg/usage"
	"github.com/vango-go/studylive/pkg/usage/redisstore"
	"github.com/vango-go/studylive/pkg/usage/stripeplan"
)

type serveDeps struct {
	loadConfig   func() (config.Config, error)
	buildRuntime func(context.Context, config.Config, *slog.Logger) (*runtime, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultServeDeps() serveDeps {
	return serveDeps{
		loadConfig:   config.LoadFromEnv,
		buildRuntime: buildRuntime,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func newServeCmd(deps serveDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cmd.ErrOrStderr(), deps)
		},
	}
}

// runtime is the wired gateway plus everything that must be released on exit.
type runtime struct {
	server    *gatewayserver.Server
	lifecycle *lifecycle.Lifecycle
	closers   []func()
}

func (rt *runtime) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
	}
}

func buildRuntime(ctx context.Context, cfg config.Config, logger *slog.Logger) (*runtime, error) {
	rt := &runtime{lifecycle: &lifecycle.Lifecycle{}}
	ok := false
	defer func() {
		if !ok {
			rt.close()
		}
	}()

	pool, err := openPool(ctx, cfg, rt)
	if err != nil {
		return nil, err
	}

	ledger, err := buildLedger(ctx, cfg, pool, logger, rt)
	if err != nil {
		return nil, err
	}

	var persistence state.Gateway = memstore.New()
	if pool != nil {
		persistence = postgres.NewGateway(pool)
	}

	loaders := allowlist.MultiLoader{allowlist.StaticLoader(cfg.AllowedOriginDomains)}
	if pool != nil {
		loaders = append(loaders, postgres.NewDomainLoader(pool))
	}
	list := allowlist.New(loaders, logger)
	if cfg.OriginCheckEnabled() {
		if err := list.Refresh(ctx); err != nil {
			logger.Warn("initial allowlist refresh failed", "error", err)
		}
		runCtx, cancel := context.WithCancel(context.Background())
		go list.Run(runCtx, cfg.AllowlistRefreshInterval)
		rt.closers = append(rt.closers, cancel)
	}

	ep, err := buildEndpoint(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	rt.server = gatewayserver.New(cfg, gatewayserver.Dependencies{
		Logger:      logger,
		Endpoint:    ep,
		Ledger:      ledger,
		Persistence: persistence,
		Allowlist:   list,
		Lifecycle:   rt.lifecycle,
	})
	rt.lifecycle.SetReady(true)
	ok = true
	return rt, nil
}

// openPool returns nil when no database is configured.
func openPool(ctx context.Context, cfg config.Config, rt *runtime) (*pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		return nil, nil
	}
	pool, err := postgres.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, pool.Close)
	return pool, nil
}

func buildLedger(ctx context.Context, cfg config.Config, pool *pgxpool.Pool, logger *slog.Logger, rt *runtime) (*usage.Ledger, error) {
	catalog, err := usage.LoadCatalog(cfg.PlansFile)
	if err != nil {
		return nil, err
	}

	var plans usage.PlanResolver = usage.CatalogResolver{Catalog: catalog}
	if cfg.StripeSecretKey != "" {
		plans = stripeplan.New(stripeplan.NewStripeSource(cfg.StripeSecretKey, ""), catalog, stripeplan.Config{
			PriceToPlan: cfg.StripePriceToPlan,
		}, logger)
	}

	var store usage.Store
	switch cfg.LedgerBackend {
	case config.LedgerRedis:
		rs, err := redisstore.NewFromURL(ctx, cfg.RedisURL, 0)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, func() { _ = rs.Close() })
		store = rs
	case config.LedgerPostgres:
		if pool == nil {
			return nil, errors.New("postgres ledger requires STUDYLIVE_DATABASE_URL")
		}
		store = postgres.NewUsageStore(pool)
	default:
		store = usage.NewMemoryStore()
	}

	return usage.New(usage.Dependencies{Store: store, Plans: plans, Logger: logger})
}

// buildEndpoint returns nil when the endpoint credentials are missing so that
// /readyz can report the problem instead of the process refusing to start.
func buildEndpoint(ctx context.Context, cfg config.Config, logger *slog.Logger) (endpoint.Endpoint, error) {
	switch cfg.LiveEndpoint {
	case config.LiveEndpointRelay:
		return relay.New(relay.Config{
			URL:              cfg.RelayURL,
			APIKey:           cfg.RelayAPIKey,
			HandshakeTimeout: cfg.LiveConnectTimeout,
			WriteTimeout:     cfg.LiveWSWriteTimeout,
		})
	default:
		if cfg.GeminiAPIKey == "" {
			logger.Warn("gemini api key missing; /v1/live is unavailable")
			return nil, nil
		}
		return gemini.New(ctx, gemini.Config{
			APIKey: cfg.GeminiAPIKey,
			Model:  cfg.GeminiModel,
			Voice:  cfg.GeminiVoice,
		}, logger)
	}
}

func runServe(ctx context.Context, stderr io.Writer, deps serveDeps) error {
	if deps.loadConfig == nil {
		return errors.New("missing loadConfig dependency")
	}
	if deps.buildRuntime == nil {
		return errors.New("missing buildRuntime dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(stderr, cfg.LogFormat)

	rt, err := deps.buildRuntime(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build gateway: %w", err)
	}
	defer rt.close()

	httpSrv := buildHTTPServer(cfg, rt.server.Handler())

	logger.Info("starting gateway",
		"addr", cfg.Addr,
		"auth_mode", cfg.AuthMode,
		"live_endpoint", cfg.LiveEndpoint,
		"ledger_backend", cfg.LedgerBackend,
	)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutdown requested", "cause", ctx.Err())
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	rt.lifecycle.SetDraining(true)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer drainCancel()
	if canceled := rt.server.Sessions().Drain(drainCtx, "server_draining", "server is shutting down"); canceled > 0 {
		logger.Warn("canceled live sessions at shutdown", "count", canceled)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("gateway stopped", "drain_timeout", cfg.ShutdownGracePeriod.Round(time.Second))
	return nil
}
