package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/aethergate/aethergate/config"
	"github.com/aethergate/aethergate/internal/audit"
	"github.com/aethergate/aethergate/internal/auth"
	"github.com/aethergate/aethergate/internal/catalog"
	"github.com/aethergate/aethergate/internal/gateway"
	"github.com/aethergate/aethergate/internal/ledger"
	"github.com/aethergate/aethergate/internal/relay"
	"github.com/aethergate/aethergate/internal/seeder"
	"github.com/aethergate/aethergate/internal/telemetry"
	"github.com/aethergate/aethergate/internal/upstream"
	"github.com/aethergate/aethergate/pkg/ratelimit"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load config")
	}

	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logrus.SetLevel(level)
	}
	logrus.SetFormatter(&logrus.JSONFormatter{})

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("aethergate", cfg)
	if err != nil {
		logrus.WithError(err).Fatal("failed to init tracer")
	}
	defer shutdownTracer()

	// 3. Connect PostgreSQL
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logrus.WithError(err).Fatal("failed to connect postgres")
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logrus.WithError(err).Fatal("failed to ping postgres")
	}
	logrus.Info("PostgreSQL connected")

	// 4. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		logrus.WithError(err).Fatal("failed to ping redis")
	}
	logrus.Info("Redis connected")

	// 5. Credential verifier
	authStore := auth.NewPostgresStore(pool)
	verifier := auth.NewVerifier(authStore, rdb, cfg.CredentialCacheTTL)
	authMiddleware := auth.NewMiddleware(verifier)

	// 6. Rate limiter
	defaultSpec, err := ratelimit.ParseSpec(cfg.DefaultRateLimit)
	if err != nil {
		logrus.WithError(err).Fatal("invalid DEFAULT_RATE_LIMIT")
	}
	limiter := ratelimit.NewLimiter(ratelimit.NewRedisStore(rdb), defaultSpec)

	// 7. Pricing resolver
	resolver := catalog.NewResolver(catalog.NewPostgresStore(pool), cfg.DefaultBackendID)

	// 8. Balance ledger
	ledgerStore := ledger.NewPostgresStore(pool)
	ldg := ledger.New(ledgerStore)

	// 9. Audit recorder
	auditStore := audit.NewPostgresStore(pool)
	recorder := audit.NewRecorder(auditStore, 256)
	defer recorder.Close()

	// 10. Stream meter dependencies
	tokenizer, err := relay.NewTokenizer()
	if err != nil {
		logrus.WithError(err).Fatal("failed to init tokenizer")
	}
	client := upstream.NewClient()

	// 11. Gateway handler
	tracer := otel.GetTracerProvider().Tracer("aethergate")
	handler := gateway.NewHandler(resolver, ldg, limiter, client, recorder, auditStore,
		tokenizer, cfg.StreamIdleTimeout, tracer)

	// 12. Seed test credential if RUN_SEED=true
	if os.Getenv("RUN_SEED") == "true" {
		seeder.SeedTestCredential(ctx, ledgerStore, authStore)
		seeder.SeedTestCatalog(ctx, pool, getEnvDefault("SEED_BACKEND_URL", "http://localhost:8000/v1"))
	}

	// 13. Routes
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"aethergate"}`))
	})

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/v1/chat/completions", handler.HandleCompletion)
		r.Get("/v1/usage", handler.HandleUsage)
	})

	// 14. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming responses manage their own lifetime
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logrus.Infof("AetherGate starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("server error")
		}
	}()

	<-quit
	logrus.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Fatal("forced shutdown")
	}
	logrus.Info("Server stopped")
}

func getEnvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
