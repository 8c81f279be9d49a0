package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/vnmchuo/llm-fanout/config"
	"github.com/vnmchuo/llm-fanout/internal/api"
	"github.com/vnmchuo/llm-fanout/internal/auth"
	"github.com/vnmchuo/llm-fanout/internal/dispatch"
	"github.com/vnmchuo/llm-fanout/internal/gateway"
	"github.com/vnmchuo/llm-fanout/internal/provider"
	"github.com/vnmchuo/llm-fanout/internal/provider/claude"
	"github.com/vnmchuo/llm-fanout/internal/provider/gemini"
	"github.com/vnmchuo/llm-fanout/internal/provider/openai"
	"github.com/vnmchuo/llm-fanout/internal/quota"
	"github.com/vnmchuo/llm-fanout/internal/seeder"
	"github.com/vnmchuo/llm-fanout/internal/telemetry"
	"github.com/vnmchuo/llm-fanout/internal/usage"
	"github.com/vnmchuo/llm-fanout/pkg/ratelimit"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer(cfg)
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}
	defer shutdownTracer()

	// 3. Connect PostgreSQL
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("failed to connect postgres: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("failed to ping postgres: %v", err)
	}
	log.Println("PostgreSQL connected")

	// 4. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("failed to ping redis: %v", err)
	}
	log.Println("Redis connected")

	// 5. Init auth
	authStore := auth.NewPostgresStore(pool)
	authMiddleware := auth.NewMiddleware(authStore, rdb)

	// 6. Init quota limiters
	userLimiter := quota.NewUserLimiter(quota.NewPostgresStore(pool))
	anonLimiter := quota.NewAnonLimiter()
	defer anonLimiter.Stop()

	// 7. Init usage store and burst limiter
	usageStore := usage.NewPostgresStore(pool)
	burstLimiter := ratelimit.NewLimiter(rdb, int(cfg.BurstRPM))

	// 8. Init upstreams and gateway
	upstreams := []provider.Upstream{
		gemini.New(cfg.GeminiAPIKey),
		openai.New(cfg.OpenAIAPIKey),
		claude.New(cfg.AnthropicAPIKey),
	}
	gw := gateway.New(upstreams, provider.NewMock())

	// 9. Init dispatcher
	dispatcher := dispatch.New(gw, cfg.Concurrency)

	// 10. Init handler
	tracer := otel.GetTracerProvider().Tracer("llm-fanout")
	handler := api.NewHandler(dispatcher, gw.Registry(), userLimiter, anonLimiter, usageStore, burstLimiter, tracer, cfg.AdminToken, cfg.MockUpstream)

	// 11. Seed test user if RUN_SEED=true
	if os.Getenv("RUN_SEED") == "true" {
		seeder.SeedTestUser(ctx, authStore)
	}

	// 12. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"llm-fanout"}`))
	})

	// Identified routes: authenticated users get their plan, everyone
	// else is metered anonymously by IP and fingerprint.
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/v1/compare", handler.HandleCompare)
		r.Post("/v1/compare/stream", handler.HandleCompareStream)
		r.Get("/v1/quota", handler.HandleQuota)
		r.Get("/v1/usage", handler.HandleUsage)
		r.Get("/v1/models", handler.HandleModels)
	})

	// Admin routes, gated by token inside the handler
	r.Post("/admin/quota/reset", handler.HandleAdminReset)

	// 13. Graceful shutdown
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		// Streaming comparisons can legitimately run for minutes.
		WriteTimeout: 330 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("llm-fanout starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-quit
	log.Println("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("forced shutdown: %v", err)
	}
	log.Println("Server stopped")
}
