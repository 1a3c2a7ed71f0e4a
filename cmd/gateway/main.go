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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/keyfleet/gemini-gateway/internal/gateway/dispatch"
	"github.com/keyfleet/gemini-gateway/internal/gateway/handlers"
	"github.com/keyfleet/gemini-gateway/internal/gateway/metrics"
	"github.com/keyfleet/gemini-gateway/internal/gateway/upstream"
	"github.com/keyfleet/gemini-gateway/internal/shared/config"
	"github.com/keyfleet/gemini-gateway/internal/shared/database"
	"github.com/keyfleet/gemini-gateway/internal/shared/redis"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.Printf("Starting Gemini gateway on port %s (env: %s)", cfg.Port, cfg.Env)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("✓ Connected to PostgreSQL")

	// Initialize Redis
	redisClient, err := redis.New(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Println("✓ Connected to Redis")

	// Initialize the dispatch engine
	client := upstream.NewClient(upstream.Config{
		BaseURL: cfg.GeminiBaseURL,
		RPS:     cfg.UpstreamRPS,
		Timeout: cfg.RequestTimeout,
	})
	orch := dispatch.NewOrchestrator(db, client, dispatch.NewSelector(nil), dispatch.Config{
		Provider:       cfg.Provider,
		MaxAttempts:    cfg.MaxAttempts,
		AttemptTimeout: cfg.AttemptTimeout,
		RequestTimeout: cfg.RequestTimeout,
		BackoffBase:    cfg.BackoffBase,
		BackoffMax:     cfg.BackoffMax,
	})
	recorder := dispatch.NewRecorder(db, cfg.LogBuffer)
	defer recorder.Close()
	log.Println("✓ Initialized dispatch engine")

	m := metrics.New(prometheus.DefaultRegisterer)
	handler := handlers.New(orch, recorder, m)
	middleware := handlers.NewMiddleware(db, redisClient, cfg.DefaultRateLimit)

	// Setup router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORSMiddleware)

	// Health check (no auth required)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	handler.Mount(r, middleware)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
		// Streams run long; only the read side is bounded here. Write
		// deadlines come from the dispatch engine's request timeout.
		ReadTimeout: 60 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: metricsMux,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf("🚀 Gateway listening on http://localhost:%s", cfg.Port)
		log.Println("   POST /v1/chat/completions                          - OpenAI-compatible surface")
		log.Println("   POST /v1beta/models/{model}:generateContent        - native surface")
		log.Println("   POST /v1beta/models/{model}:streamGenerateContent  - native streaming surface")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		log.Printf("   Metrics on http://localhost:%s/metrics", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		// Refresh the active key gauge off the request path.
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			keys, err := db.ListActiveKeys(gctx, cfg.Provider)
			if err == nil {
				m.SetKeysAvailable(cfg.Provider, len(keys))
			}
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})

	g.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

		select {
		case <-gctx.Done():
			return gctx.Err()
		case sig := <-sigChan:
			log.Printf("Received %v, shutting down gracefully...", sig)
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Metrics server shutdown error: %v", err)
		}
		cancel()
		return nil
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server stopped")
}
