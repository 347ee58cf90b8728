package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"workspace/internal/config"
	"workspace/internal/hawk"
	"workspace/internal/ipfilter"
	"workspace/internal/monitor"
	"workspace/internal/proxy"
	"workspace/internal/registry"
	"workspace/internal/sessions"
	"workspace/internal/sso"

	"github.com/redis/go-redis/v9"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.LoadProxy()
	if err != nil {
		logger.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	redisOpt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Error("Invalid redis url", "error", err)
		os.Exit(1)
	}
	cache := redis.NewClient(redisOpt)
	if err := cache.Ping(ctx).Err(); err != nil {
		logger.Error("Redis unreachable", "addr", redisOpt.Addr, "error", err)
		os.Exit(1)
	}
	defer cache.Close()

	store := sessions.NewStore(cache, cfg.SessionCookieName, cfg.ApplicationRootDomain, cfg.SessionCookieSecure, cfg.SessionTTL, logger)
	auth := sso.NewAuthenticator(cfg.AuthbrokerURL, cfg.AuthbrokerClientID, cfg.AuthbrokerSecret, cfg.ApplicationRootDomain, cache, store, logger)
	verifier := hawk.NewVerifier(cfg.HawkSenders, cache)
	filter := ipfilter.New(cfg.IPAllowlist, cfg.TrustedHops)
	reg := registry.NewClient(cfg.UpstreamRoot)

	srv := proxy.NewServer(cfg, auth, verifier, filter, reg, cache, logger)

	go func() {
		if err := monitor.StartMetricsServer(ctx, "proxy", cfg.MetricsAddr, logger); err != nil {
			logger.Error("Metrics server failed", "error", err)
		}
	}()

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: srv,
		// No write timeout: proxied responses stream for as long as the
		// application keeps sending.
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting proxy", "addr", httpServer.Addr, "root_domain", cfg.ApplicationRootDomain)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received, draining...")
	case err := <-errCh:
		logger.Error("Proxy server error", "error", err)
		os.Exit(1)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	logger.Info("Proxy stopped gracefully")
}
