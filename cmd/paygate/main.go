package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/paygate/paygate/config"
	"github.com/paygate/paygate/internal/api"
	"github.com/paygate/paygate/internal/billing"
	"github.com/paygate/paygate/internal/gate"
	"github.com/paygate/paygate/internal/keystore"
	"github.com/paygate/paygate/internal/logger"
	"github.com/paygate/paygate/internal/meter"
	"github.com/paygate/paygate/internal/metrics"
	middlewares "github.com/paygate/paygate/internal/middleware"
	"github.com/paygate/paygate/internal/ratelimit"
	"github.com/paygate/paygate/internal/redissync"
	"github.com/paygate/paygate/internal/router"
	"github.com/paygate/paygate/internal/transport"
	"github.com/paygate/paygate/internal/webhook"
)

// Version information (set by build)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("Starting PayGate",
		"version", Version,
		"build_time", BuildTime,
		"git_commit", GitCommit,
	)

	// Initialize metrics
	if cfg.Metrics.Enabled {
		metrics.Init()
		logger.Info("Metrics enabled", "path", cfg.Metrics.Path)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Key store with persisted state
	store := keystore.New(keystore.NewPersister(cfg.State.FilePath, cfg.State.FlushDebounce))
	if records := keystore.LoadState(cfg.State.FilePath); records != nil {
		store.Load(records)
		logger.Info("State loaded", "file", cfg.State.FilePath, "keys", len(records))
	}

	// Optional Redis mirror; failure is not fatal, the instance runs local.
	var sync *redissync.Sync
	if cfg.Redis.URL != "" {
		sync, err = redissync.New(cfg.Redis.URL, cfg.Redis.Channel, cfg.Redis.HashKey, store)
		if err != nil {
			logger.Warn("Redis unavailable, continuing on local state", "error", err)
		} else if err := sync.Start(ctx); err != nil {
			logger.Warn("Redis sync failed to start, continuing on local state", "error", err)
			sync = nil
		}
	}

	// Webhook dispatcher (nil when no URL is configured)
	hooks := webhook.New(webhook.Config{
		URL:            cfg.Webhook.URL,
		Secret:         cfg.Webhook.Secret,
		QueueSize:      cfg.Webhook.QueueSize,
		MaxAttempts:    cfg.Webhook.MaxRetries,
		DeadLetterSize: cfg.Webhook.DeadLetters,
		Timeout:        cfg.Webhook.Timeout,
		BaseBackoff:    cfg.Webhook.BaseBackoff,
		MaxBackoff:     cfg.Webhook.MaxBackoff,
	})

	m := meter.New(cfg.Meter.UsageRingSize, cfg.Meter.AuditRingSize)
	limiter := ratelimit.New()

	g := gate.New(gate.Config{
		Maintenance:           cfg.Gate.Maintenance,
		ShadowMode:            cfg.Gate.ShadowMode,
		RefundOnFailure:       cfg.Gate.RefundOnFailure,
		DefaultCreditsPerCall: cfg.Pricing.DefaultCreditsPerCall,
		PerKBSurcharge:        cfg.Pricing.PerKBSurcharge,
		ToolCredits:           cfg.Pricing.ToolCredits,
		ToolRateLimits:        cfg.Pricing.ToolRateLimits,
		PerKeyPerMinute:       cfg.RateLim.PerKeyPerMinute,
	}, store, limiter, m, hooks, nil, nil)

	// Backends and router
	backends := make([]router.Backend, 0, len(cfg.Backends))
	for _, b := range cfg.Backends {
		var tr transport.Transport
		if b.Command != "" {
			st := transport.NewStdio(b.Prefix, b.Command, b.Args)
			st.Respawn = true
			tr = st
		} else {
			tr = transport.NewHTTP(b.Prefix, b.URL)
		}
		backends = append(backends, router.Backend{Prefix: b.Prefix, Transport: tr})
	}
	rt := router.New(backends)
	if err := rt.Start(ctx, 30*time.Second); err != nil {
		logger.Warn("Some backends failed to start", "error", err)
	}

	var bill *billing.Service
	if cfg.Stripe.SecretKey != "" || cfg.Stripe.WebhookSecret != "" {
		bill = billing.NewService(cfg.Stripe, store, m, hooks)
	}

	// HTTP server
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewares.Logging)
	r.Use(middlewares.Metrics)
	r.Use(middlewares.Security)
	r.Use(middlewares.CORS(cfg.Server.CORSOrigins))
	r.Use(middlewares.BodyLimit(cfg.Server.MaxBodyBytes))

	apiHandler := api.NewHandler(cfg, store, g, rt, m, hooks, bill, Version, BuildTime, GitCommit)
	apiHandler.RegisterRoutes(r)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("Starting HTTP server", "address", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failed", "error", err)
		}
	}()

	// Wait for interrupt; a second signal forces immediate exit.
	quit := make(chan os.Signal, 2)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")
	go func() {
		<-quit
		logger.Warn("Forced shutdown")
		os.Exit(1)
	}()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}
	apiHandler.Close()
	rt.Stop(shutdownCtx)
	if sync != nil {
		sync.Stop()
	}
	hooks.Stop()
	store.Close()

	logger.Info("Server exited")
}
