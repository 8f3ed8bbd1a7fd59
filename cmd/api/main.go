// Package main is the entry point for the audit ledger API server.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/veridocs/ledger/internal/api"
	"github.com/veridocs/ledger/internal/archive"
	"github.com/veridocs/ledger/internal/audit"
	"github.com/veridocs/ledger/internal/auth"
	"github.com/veridocs/ledger/internal/config"
	"github.com/veridocs/ledger/internal/health"
	"github.com/veridocs/ledger/internal/idempotency"
	"github.com/veridocs/ledger/internal/jobs"
	"github.com/veridocs/ledger/internal/livetail"
	"github.com/veridocs/ledger/internal/middleware"
	"github.com/veridocs/ledger/internal/tracing"
)

// serviceName identifies this service in traces and logs.
const serviceName = "veridocs-ledger"

// webhookCleanupInterval is how often expired processed-event records are
// purged while the Stripe webhook route is mounted.
const webhookCleanupInterval = 1 * time.Hour

// routerDeps carries everything route construction needs. Keeping it apart
// from main lets tests build the real router over in-memory backends.
type routerDeps struct {
	cfg          *config.Config
	logger       *slog.Logger
	ledger       *audit.Ledger
	broadcaster  *livetail.Broadcaster
	archiver     api.ExportArchiver
	events       idempotency.Repository
	registry     *prometheus.Registry
	httpMetrics  *middleware.Metrics
	limitStore   middleware.RateLimitStore
	dbChecker    api.HealthChecker
	redisChecker api.HealthChecker
	validate     middleware.TokenValidatorFunc
}

// newRouter builds the HTTP handler tree: probe and metrics endpoints, the
// optional Stripe webhook mount, and the authenticated scope routes, wrapped
// in the shared middleware chain.
func newRouter(d routerDeps) http.Handler {
	scopes := api.NewScopeHandlers(d.ledger, d.archiver)
	tails := api.NewTailHandlers(d.broadcaster)
	probes := api.NewHealthHandlers(api.HealthHandlersConfig{
		DBChecker:    d.dbChecker,
		RedisChecker: d.redisChecker,
	})

	authn := middleware.BearerAuth(d.validate, d.logger)

	// Rate limit tiers. Verification and export walk whole chains, so they
	// get tighter budgets than plain reads. Zero config values keep the
	// tier's built-in default.
	globalCfg := middleware.DefaultGlobalLimit()
	if d.cfg.RateLimitGlobal > 0 {
		globalCfg.RequestsPerWindow = d.cfg.RateLimitGlobal
	}
	verifyCfg := middleware.DefaultVerifyLimit()
	if d.cfg.RateLimitVerify > 0 {
		verifyCfg.RequestsPerWindow = d.cfg.RateLimitVerify
	}
	exportCfg := middleware.DefaultExportLimit()
	if d.cfg.RateLimitExport > 0 {
		exportCfg.RequestsPerWindow = d.cfg.RateLimitExport
	}

	// Limiters key on the authenticated actor, so they sit inside BearerAuth.
	keyFunc := middleware.ActorKeyFunc()
	globalLimit := middleware.RateLimiter(d.limitStore, globalCfg, keyFunc, d.httpMetrics)
	verifyLimit := middleware.RateLimiter(d.limitStore, verifyCfg, keyFunc, d.httpMetrics)
	exportLimit := middleware.RateLimiter(d.limitStore, exportCfg, keyFunc, d.httpMetrics)

	logsHandler := globalLimit(http.HandlerFunc(scopes.Logs))
	verifyHandler := verifyLimit(http.HandlerFunc(scopes.Verify))
	exportHandler := exportLimit(http.HandlerFunc(scopes.Export))
	tailHandler := globalLimit(http.HandlerFunc(tails.Tail))

	mux := http.NewServeMux()

	// Probes and metrics stay outside authentication so load balancers and
	// scrapers need no tokens. The metrics handler applies its own gate.
	mux.HandleFunc("/health", probes.Health)
	mux.HandleFunc("/ready", probes.Ready)
	mux.Handle("/metrics", api.MetricsHandler(d.registry, d.cfg.MetricsToken))

	// Stripe authenticates with its signature header, not a bearer token,
	// and the route only exists when a signing secret is configured.
	if d.cfg.StripeWebhookSecret != "" {
		webhooks := api.NewWebhookHandlers(d.cfg.StripeWebhookSecret, d.ledger, d.events)
		mux.HandleFunc("/internal/stripe", webhooks.HandleStripeWebhook)
	}

	mux.Handle("/scopes", authn(globalLimit(http.HandlerFunc(scopes.ListScopes))))
	mux.Handle("/scopes/", authn(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/scopes/"), "/")
		switch {
		case len(parts) == 2 && parts[1] == "logs":
			logsHandler.ServeHTTP(w, r)
		case len(parts) == 2 && parts[1] == "verify":
			verifyHandler.ServeHTTP(w, r)
		case len(parts) == 2 && parts[1] == "export":
			exportHandler.ServeHTTP(w, r)
		case len(parts) == 3 && parts[1] == "tail" && parts[2] == "ws":
			tailHandler.ServeHTTP(w, r)
		default:
			ctx := middleware.SetErrorCode(r.Context(), api.ErrCodeNotFound)
			api.WriteError(w, ctx, http.StatusNotFound, api.ErrCodeNotFound, "The requested resource was not found")
		}
	})))

	// Root endpoint identifies the service; everything unrouted returns a
	// structured 404.
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			ctx := middleware.SetErrorCode(r.Context(), api.ErrCodeNotFound)
			api.WriteError(w, ctx, http.StatusNotFound, api.ErrCodeNotFound, "The requested resource was not found")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(`{"service":"` + serviceName + `","version":"0.1.0"}`)); err != nil {
			slog.Error("failed to write response", "error", err)
		}
	})

	// Apply middleware: RequestID -> Tracing -> Logging -> HTTPMetrics -> CORS
	var handler http.Handler = mux
	handler = middleware.CORS(middleware.CORSConfig{
		AllowedOrigins:   d.cfg.CORSAllowedOrigins,
		AllowCredentials: true,
		MaxAge:           300,
	})(handler)
	handler = middleware.HTTPMetrics(d.httpMetrics)(handler)
	handler = middleware.Logging(d.logger)(handler)
	handler = middleware.Tracing(serviceName)(handler)
	handler = middleware.RequestID(handler)
	return handler
}

func main() {
	help := flag.Bool("help", false, "display help message")
	configPath := flag.String("config", "", "path to an optional YAML config file")
	flag.Parse()

	if *help {
		fmt.Println("Veridocs Audit Ledger API Server")
		fmt.Println()
		fmt.Println("Usage: api [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		fmt.Println()
		fmt.Println("Configuration comes from environment variables; -config supplies")
		fmt.Println("YAML fallback values for anything the environment leaves unset.")
		os.Exit(0)
	}

	cfg, errs := config.Load(*configPath)
	if len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
		}
		os.Exit(1)
	}

	// Initialize logger
	logger := middleware.NewLogger(cfg.Env)
	slog.SetDefault(logger)
	logger.Info("configuration loaded", "config", cfg.LogSummary())

	tracerProvider, err := tracing.NewProvider(tracing.Config{
		ServiceName:  serviceName,
		Enabled:      cfg.OTelEnabled,
		Environment:  cfg.Env,
		ExporterType: cfg.OTelExporterType,
		OTLPEndpoint: cfg.OTelEndpoint,
		SamplingRate: cfg.OTelSamplingRate,
		InsecureMode: cfg.OTelInsecure,
	})
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	err = db.PingContext(pingCtx)
	cancelPing()
	if err != nil {
		logger.Error("failed to reach database", "error", err)
		os.Exit(1)
	}

	// One registry serves every metrics family on /metrics.
	registry := prometheus.NewRegistry()
	auditMetrics := audit.NewMetrics()
	if err := auditMetrics.Register(registry); err != nil {
		logger.Error("failed to register audit metrics", "error", err)
		os.Exit(1)
	}
	jobsMetrics := jobs.NewMetrics()
	if err := jobsMetrics.Register(registry); err != nil {
		logger.Error("failed to register job metrics", "error", err)
		os.Exit(1)
	}
	httpMetrics := middleware.NewMetrics()
	if err := httpMetrics.Register(registry); err != nil {
		logger.Error("failed to register http metrics", "error", err)
		os.Exit(1)
	}

	// Audit ledger stack: postgres store, CBOR hasher, chained appender,
	// verifier, and the facade business code appends through.
	store := audit.NewPostgresStore(db, logger)
	hasher, err := audit.NewContentHasher()
	if err != nil {
		logger.Error("failed to initialize content hasher", "error", err)
		os.Exit(1)
	}
	appender := audit.NewAppender(store, hasher, audit.AppenderConfig{
		RetryBudget:  cfg.AppendRetryBudget,
		RetryBackoff: cfg.AppendRetryBackoff,
		Logger:       logger,
		Metrics:      auditMetrics,
	})
	verifier := audit.NewVerifier(store, hasher, audit.VerifierConfig{
		Logger:  logger,
		Metrics: auditMetrics,
	})
	ledger := audit.NewLedger(store, appender, verifier, audit.LedgerConfig{
		Logger:  logger,
		Metrics: auditMetrics,
	})

	broadcaster := livetail.NewBroadcaster()
	ledger.AddListener(broadcaster)

	// Rate limit counters live in redis when an address is configured, so
	// limits hold across replicas. Otherwise each process counts alone.
	var limitStore middleware.RateLimitStore = middleware.NewInMemoryRateLimitStore()
	var redisChecker api.HealthChecker
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		defer redisClient.Close()
		limitStore = middleware.NewRedisRateLimitStore(redisClient).
			WithLogger(logger).
			WithMetrics(httpMetrics)
		redisChecker = health.NewRedisChecker(redisClient)
	}

	var archiver api.ExportArchiver
	if cfg.ArchiveEnabled() {
		svc, err := archive.NewService(archive.ServiceConfig{
			BucketName:      cfg.ArchiveBucket,
			AccessKeyID:     cfg.ArchiveAccessKeyID,
			SecretAccessKey: cfg.ArchiveSecretAccessKey,
			Endpoint:        cfg.ArchiveEndpoint,
			Region:          cfg.ArchiveRegion,
		})
		if err != nil {
			logger.Error("failed to initialize export archive", "error", err)
			os.Exit(1)
		}
		archiver = svc
	}

	// Webhook dedup state and its expiry sweep only run when the route is
	// mounted.
	var events idempotency.Repository
	var cleanupStop chan struct{}
	if cfg.StripeWebhookSecret != "" {
		events = idempotency.NewInMemoryRepository()
		cleanupStop = make(chan struct{})
		go idempotency.RunPeriodicCleanup(events, webhookCleanupInterval, idempotency.DefaultExpiry, cleanupStop)
	}

	jwtService := auth.NewJWTServiceWithRotation(cfg.JWTSecret, cfg.JWTSecretPrevious)

	handler := newRouter(routerDeps{
		cfg:          cfg,
		logger:       logger,
		ledger:       ledger,
		broadcaster:  broadcaster,
		archiver:     archiver,
		events:       events,
		registry:     registry,
		httpMetrics:  httpMetrics,
		limitStore:   limitStore,
		dbChecker:    health.NewDBChecker(db),
		redisChecker: redisChecker,
		validate:     jwtService.ValidateBearer,
	})

	var verifyJob *jobs.VerificationJob
	if cfg.VerifyInterval > 0 {
		verifyJob = jobs.NewVerificationJob(jobs.VerificationJobConfig{
			Interval: cfg.VerifyInterval,
			Logger:   logger,
			Metrics:  jobsMetrics,
		}, ledger)
		if err := verifyJob.Start(context.Background()); err != nil {
			logger.Error("failed to start verification job", "error", err)
			os.Exit(1)
		}
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting server", "port", cfg.Port, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	if verifyJob != nil {
		verifyJob.Stop()
	}
	if cleanupStop != nil {
		close(cleanupStop)
	}

	// Create context with timeout for shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	if err := tracerProvider.Shutdown(ctx); err != nil {
		logger.Error("failed to shut down tracing", "error", err)
	}

	logger.Info("server stopped")
}
