package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"qrmenu/call-service/internal/config"
	"qrmenu/call-service/internal/httpapi"
	"qrmenu/call-service/internal/store/postgres"
	"qrmenu/call-service/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	cfg := config.Load()
	if cfg.JWTSecret == "" {
		log.Fatalf("JWT_SECRET is required")
	}
	shutdownTelemetry := telemetry.Setup("call-service")
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer pool.Close()

	store := postgres.NewStore(pool, postgres.Options{
		DuplicateWindow: cfg.DuplicateWindow,
		HistoryLimit:    cfg.HistoryLimit,
	})
	callLimiter := postgres.NewRateLimiter(pool, cfg.CallRateLimit, cfg.CallRateWindow)
	handler := httpapi.NewHandler(store, httpapi.Options{
		Limiter:      callLimiter,
		HistoryLimit: cfg.HistoryLimit,
		MenuBaseURL:  cfg.MenuBaseURL,
	})
	ipLimiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute: cfg.RateLimitPerMinute,
		IPBurst:     cfg.RateLimitBurst,
	})

	routes := httpapi.AuthMiddleware(cfg.JWTSecret, handler.Routes())
	otelHandler := otelhttp.NewHandler(httpapi.LoggingMiddleware(ipLimiter.Middleware(routes)), "call-service")
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelHandler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("call-service listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	go func() {
		if cfg.StaleCallGrace <= 0 || cfg.StaleCallInterval <= 0 {
			return
		}
		ticker := time.NewTicker(cfg.StaleCallInterval)
		defer ticker.Stop()
		for range ticker.C {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			count, err := store.AutoCancelStale(ctx, cfg.StaleCallGrace, cfg.StaleCallBatchSize)
			if err != nil {
				log.Printf("stale call sweep error: %v", err)
				cancel()
				continue
			}
			if count > 0 {
				log.Printf("stale call sweep cancelled %d calls", count)
			}
			if err := callLimiter.PruneRateLimits(ctx); err != nil {
				log.Printf("rate limit prune error: %v", err)
			}
			cancel()
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
