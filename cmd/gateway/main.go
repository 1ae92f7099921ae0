// Package main is the entry point for the inference gateway. It loads
// configuration, builds the provider registry and resilience state,
// assembles the middleware stack, starts the HTTP server, and handles
// graceful shutdown on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/tradewind/inference-gateway/internal/admin"
	"github.com/tradewind/inference-gateway/internal/auth"
	"github.com/tradewind/inference-gateway/internal/breaker"
	"github.com/tradewind/inference-gateway/internal/config"
	"github.com/tradewind/inference-gateway/internal/gateway"
	"github.com/tradewind/inference-gateway/internal/health"
	"github.com/tradewind/inference-gateway/internal/logging"
	"github.com/tradewind/inference-gateway/internal/metrics"
	"github.com/tradewind/inference-gateway/internal/middleware"
	"github.com/tradewind/inference-gateway/internal/ratelimit"
	"github.com/tradewind/inference-gateway/internal/registry"
	"github.com/tradewind/inference-gateway/internal/router"
	"github.com/tradewind/inference-gateway/internal/server"
	"github.com/tradewind/inference-gateway/internal/transport"
)

func main() {
	configPath := flag.String("config", "configs/gateway.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		os.Exit(1)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "message", w)
	}

	logger.Info("configuration loaded",
		"port", cfg.Server.Port,
		"providers", len(cfg.Providers),
		"strategy", cfg.Routing.Strategy,
		"auth_enabled", cfg.Auth.Enabled,
		"admin_enabled", cfg.Admin.Enabled,
		"metrics_enabled", cfg.Metrics.IsEnabled(),
	)

	if cfg.Metrics.IsEnabled() {
		metrics.Init()
	}

	bcfg := breaker.Config{
		FailureThreshold:   cfg.Breaker.FailureThreshold,
		Cooldown:           cfg.Breaker.Cooldown,
		CooldownMultiplier: cfg.Breaker.CooldownMultiplier,
		CooldownMax:        cfg.Breaker.CooldownMax,
		HalfOpenProbes:     cfg.Breaker.HalfOpenProbes,
	}

	reg := registry.New(cfg.Providers, bcfg, logger)
	if reg.Len() == 0 {
		logger.Error("no providers with usable keys; nothing to route to")
		os.Exit(1)
	}

	strategy, err := router.NewStrategy(cfg.Routing.Strategy)
	if err != nil {
		logger.Error("failed to create routing strategy", "error", err)
		os.Exit(1)
	}
	rt := router.New(reg, strategy, logger)

	reporter := health.New(reg, logger)
	gw := gateway.New(rt, transport.NewOpenAI(), reporter, logger)

	limiter := ratelimit.New(cfg.RateLimit, logger)
	defer limiter.Stop()

	// Assemble middleware stack:
	// Recovery → RequestID → Logging → Deadline → BodyLimit → Auth → Execute
	execMux := http.NewServeMux()
	server.New(gw, limiter, logger).RegisterRoutes(execMux)

	var handler http.Handler = execMux
	handler = auth.Middleware(cfg.Auth, logger)(handler)
	handler = middleware.BodyLimit(cfg.Server.MaxBodyBytes)(handler)
	handler = middleware.Deadline(cfg.Server.GlobalTimeout())(handler)
	handler = middleware.Logging(logger)(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recovery(logger)(handler)

	// Health, metrics, and admin endpoints bypass the caller middleware
	// stack.
	mux := http.NewServeMux()
	mux.HandleFunc("/health", reporter.LivenessHandler)
	mux.HandleFunc("/ready", reporter.ReadinessHandler)

	metricsPath := cfg.Metrics.Path
	if cfg.Metrics.IsEnabled() {
		mux.Handle(metricsPath, metrics.Handler())
		logger.Info("metrics endpoint registered", "path", metricsPath)
	}

	reloader := config.NewReloader(*configPath, cfg, logger)
	reloader.Start()
	defer reloader.Stop()

	reloader.OnReload(func(newCfg *config.Config) {
		limiter.UpdateConfig(newCfg.RateLimit)
		if s, err := router.NewStrategy(newCfg.Routing.Strategy); err == nil {
			rt.SetStrategy(s)
		}
	})

	if cfg.Admin.Enabled {
		admin.New(reloader, reporter, cfg.Admin.IPAllowlist, logger).RegisterRoutes(mux)
		logger.Info("admin endpoints registered", "allowlist", len(cfg.Admin.IPAllowlist))
	}

	combined := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/health") ||
			strings.HasPrefix(r.URL.Path, "/ready") ||
			strings.HasPrefix(r.URL.Path, "/admin/") ||
			(cfg.Metrics.IsEnabled() && r.URL.Path == metricsPath) {
			mux.ServeHTTP(w, r)
			return
		}
		handler.ServeHTTP(w, r)
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      combined,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("starting gateway", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutdown signal received", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	logger.Info("draining in-flight requests", "timeout", cfg.Server.ShutdownTimeout)
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("gateway stopped gracefully")
}
