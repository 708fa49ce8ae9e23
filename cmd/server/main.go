package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/RenatoCabral2022/voicelink/internal/clock"
	"github.com/RenatoCabral2022/voicelink/internal/config"
	"github.com/RenatoCabral2022/voicelink/internal/credential"
	"github.com/RenatoCabral2022/voicelink/internal/handler"
	"github.com/RenatoCabral2022/voicelink/internal/logging"
	"github.com/RenatoCabral2022/voicelink/internal/metrics"
	"github.com/RenatoCabral2022/voicelink/internal/middleware"
	"github.com/RenatoCabral2022/voicelink/internal/ratelimit"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger, err := logging.New(logging.Options{
		Development: !cfg.IsProduction(),
		Level:       cfg.LogLevel,
		File:        cfg.LogFile,
	})
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if cfg.Upstream.APIKey == "" {
		logger.Fatal("OPENAI_API_KEY is required")
	}

	clk := clock.NewReal()
	limiter := ratelimit.New(ratelimit.Config{
		MaxRequests:           cfg.RateLimit.MaxRequests,
		Window:                cfg.RateLimit.Window,
		SuspiciousMaxRequests: cfg.RateLimit.SuspiciousMaxRequests,
		ViolationThreshold:    cfg.RateLimit.ViolationThreshold,
		TrackingPeriod:        cfg.RateLimit.TrackingPeriod,
		BlockDuration:         cfg.RateLimit.BlockDuration,
	}, clk, logger)
	issuer := credential.NewIssuer(credential.IssuerConfig{
		BaseURL:      cfg.Upstream.BaseURL,
		APIKey:       cfg.Upstream.APIKey,
		Model:        cfg.Upstream.Model,
		Voice:        cfg.Upstream.Voice,
		Instructions: cfg.Upstream.Instructions,
		TTL:          cfg.Upstream.CredentialTTL,
		Timeout:      cfg.Upstream.Timeout,
	}, limiter, clk, logger)
	h := handler.NewHandlers(issuer, limiter, logger)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(logger))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", middleware.RequestIDHeader},
		ExposedHeaders:   []string{"Retry-After", middleware.RequestIDHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/realtime/token", h.IssueToken)
		if !cfg.IsProduction() {
			r.With(middleware.AdminGuard(false, cfg.AdminToken)).Post("/admin/rate-limit", h.RateLimitAdmin)
		}
	})

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 20 * time.Second,
	}

	go func() {
		logger.Info("voicelink server listening",
			zap.String("addr", cfg.ListenAddr),
			zap.String("env", cfg.Env),
			zap.Bool("admin", !cfg.IsProduction()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown", zap.Error(err))
	}
}
