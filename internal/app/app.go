// Package app wires every component built elsewhere in this module into
// a running process: configuration, infrastructure connections, the
// Request Pipeline (spec §5: Authenticate -> ExtractTenant -> Authorize
// -> RateLimit -> Audit(pre) -> Handler -> Audit(post)), and the tool
// catalog. Grounded on the teacher's internal/app/app.go (read config,
// connect infra, run global migrations, dispatch on cfg.Mode, start/stop
// an http.Server on a cancelable context) with the domain-specific
// incident/alert/roster/escalation wiring replaced by this service's
// memory/session/ranking/recognition/tools wiring.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/lanternforge/ragcore/internal/audit"
	"github.com/lanternforge/ragcore/internal/auth"
	"github.com/lanternforge/ragcore/internal/config"
	"github.com/lanternforge/ragcore/internal/db"
	"github.com/lanternforge/ragcore/internal/httpserver"
	"github.com/lanternforge/ragcore/internal/memory"
	"github.com/lanternforge/ragcore/internal/memoryclient"
	"github.com/lanternforge/ragcore/internal/platform"
	"github.com/lanternforge/ragcore/internal/ranking"
	"github.com/lanternforge/ragcore/internal/rbac"
	"github.com/lanternforge/ragcore/internal/ratelimit"
	"github.com/lanternforge/ragcore/internal/recognition"
	"github.com/lanternforge/ragcore/internal/session"
	"github.com/lanternforge/ragcore/internal/telemetry"
	"github.com/lanternforge/ragcore/internal/tenant"
	"github.com/lanternforge/ragcore/internal/tools"
	"github.com/lanternforge/ragcore/pkg/apikey"
	"github.com/lanternforge/ragcore/pkg/tenantconfig"
)

// serviceName/serviceVersion label this process's OTLP resource
// attributes. There is no release pipeline in this workspace to stamp a
// build version in, so serviceVersion is a fixed placeholder rather than
// the teacher's linker-injected internal/version.Version.
const (
	serviceName    = "ragcore"
	serviceVersion = "dev"
)

// Run is the process entry point once configuration is loaded: connect
// infrastructure, run global migrations, then dispatch on cfg.Mode.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting ragcore", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.OTLPEndpoint, serviceName, serviceVersion)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Error("shutting down tracer", "error", err)
		}
	}()

	pool, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	if err := platform.RunGlobalMigrations(cfg.DatabaseURL, cfg.MigrationsGlobalDir); err != nil {
		return fmt.Errorf("running global migrations: %w", err)
	}
	logger.Info("global migrations applied")

	metricsReg := telemetry.NewMetricsRegistry(telemetry.All()...)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, pool, rdb, metricsReg)
	default:
		return fmt.Errorf("unknown mode: %s (want \"api\")", cfg.Mode)
	}
}

// runAPI assembles the Request Pipeline and the tool catalog, then
// serves HTTP until ctx is cancelled.
func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, pool *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry) error {
	queries := db.New(pool)

	// --- Authenticator (spec §4.2) ---

	authCfg := auth.Config{
		Bearer: auth.BearerConfig{
			Enabled:          cfg.OIDCIssuerURL != "" && cfg.OIDCJWKSURI != "",
			Issuer:           cfg.OIDCIssuerURL,
			JWKSURI:          cfg.OIDCJWKSURI,
			Audience:         cfg.OIDCAudience,
			Claims:           auth.DefaultClaimNames,
			UserinfoEndpoint: cfg.OIDCUserinfoEndpoint,
			JWKSCacheTTL:     cfg.OIDCJWKSCacheTTL,
			Timeout:          5 * time.Second,
		},
		Opaque: auth.OpaqueKeyConfig{
			Enabled:    true,
			HeaderName: cfg.OpaqueKeyHeaderName,
			ScanCap:    cfg.OpaqueKeyScanCap,
		},
	}
	authenticator := auth.New(authCfg, queries)

	if authCfg.Bearer.Enabled {
		logger.Info("bearer authentication enabled", "issuer", cfg.OIDCIssuerURL)
	} else {
		logger.Info("bearer authentication disabled (OIDC_ISSUER_URL/OIDC_JWKS_URI not set)")
	}

	// --- Audit sink (spec §4.6) ---

	auditWriter := audit.NewWriter(pool, logger)
	auditWriter.Start(ctx)
	defer auditWriter.Close()

	// --- Rate limiting (spec §4.5) ---

	rateLimiter := ratelimit.New(rdb, cfg.RateLimitRequests, cfg.RateLimitWindow)

	// --- RBAC (spec §4.4) ---

	policy := rbac.DefaultPolicy()

	// --- Memory Coordinator (spec §4.8) ---

	primary := memoryclient.New(cfg.MemoryServiceBaseURL, cfg.MemoryServiceAPIKey, cfg.MemoryServiceTimeout)
	memCoordinator := memory.New(primary, rdb, logger, memory.Config{
		FallbackEnabled:     true,
		BreakerTimeout:      cfg.MemoryBreakerTimeout,
		BreakerInterval:     cfg.MemoryBreakerInterval,
		ConsecutiveFailures: cfg.MemoryBreakerConsecutiveFail,
	}, nil)

	// --- Session Store (spec §4.9) ---

	sessionSvc := session.New(rdb, logger, cfg.SessionMaxAge)

	// --- Ranking (spec §4.10) ---

	ranker := ranking.New(logger)

	// --- User Recognition (spec §4.11). Constructed after the
	// Coordinator since it reads through it; the Coordinator's own
	// cache-invalidation hook back into Recognition is therefore left
	// nil (memory.New's doc comment calls this optional) rather than
	// introduced as a setter that would only exist to break this cycle. ---

	recognitionSvc := recognition.New(memCoordinator, sessionSvc, rdb, logger)

	// --- Tenant configuration overrides (spec §4.7) ---

	tenantCfgSvc := tenantconfig.NewService(rdb, logger)

	// --- API key / PAT issuance (spec §4 supplemented features) ---

	apikeySvc := apikey.NewService(queries, logger)

	// --- Tool catalog (spec §4 "Tool handler") ---

	registry := tools.BuildRegistry(tenantCfgSvc)

	newToolContext := func(r *http.Request) *tools.ToolContext {
		return &tools.ToolContext{
			Logger:      logger,
			Memory:      memCoordinator,
			Session:     sessionSvc,
			Recognition: recognitionSvc,
			Ranker:      ranker,
			APIKeys:     apikeySvc,
			Conn:        tenant.ConnFromContext(r.Context()),
		}
	}

	// --- HTTP server + Request Pipeline (spec §5) ---

	srv := httpserver.NewServer(httpserver.Config{
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	}, logger, pool, rdb, metricsReg)

	pipeline := chainMiddleware(
		auth.Middleware(authenticator, httpserver.RequestIDOf, logger),
		tenant.Middleware(pool, httpserver.RequestIDOf, logger),
		rbac.Middleware(policy, tools.ToolNameOf, httpserver.RequestIDOf),
		ratelimit.Middleware(rateLimiter, httpserver.RequestIDOf),
		audit.Middleware(auditWriter, tools.ToolNameOf, tools.ResourceIDOf, httpserver.RequestIDOf),
	)

	srv.Router.Mount("/tools", pipeline(registry.Routes(newToolContext)))

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// chainMiddleware composes middlewares in the order spec §5 names them:
// the first argument runs outermost (closest to the raw request).
func chainMiddleware(mws ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(final http.Handler) http.Handler {
		h := final
		for i := len(mws) - 1; i >= 0; i-- {
			h = mws[i](h)
		}
		return h
	}
}
