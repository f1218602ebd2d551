// Package main is the entry point for the moderation gateway server.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"modgate/config"
	"modgate/internal/breaker"
	"modgate/internal/httpclient"
	"modgate/internal/moderation"
	"modgate/internal/observability"
	"modgate/internal/ratelimit"
	"modgate/internal/server"
	"modgate/internal/upstream"
	"modgate/internal/version"
)

// shutdownTimeout bounds the drain of in-flight requests after SIGINT or
// SIGTERM.
const shutdownTimeout = 10 * time.Second

func main() {
	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if len(cfg.Moderation.Models) == 0 {
		slog.Warn("no moderation models configured - moderated chat requests will be rejected",
			"recommendation", "set FIRST_PROVIDER_MODELS to a comma-separated model list")
	}

	// One pooled HTTP client backs both providers.
	httpClient := httpclient.New(nil)

	// Moderation and primary share one failure-window breaker, so a broken
	// review provider stops traffic to both stages at once.
	providerBreaker := breaker.New(breaker.Config{
		MaxErrors:   cfg.Breaker.MaxErrors,
		ErrorWindow: cfg.Breaker.ErrorWindow,
	})
	defer providerBreaker.Stop()

	hooks := observability.NewPrometheusHooks()

	moderationClient := upstream.NewClient(upstream.Config{
		Provider:       "moderation",
		BaseURL:        cfg.Moderation.URL,
		APIKey:         cfg.Moderation.Key,
		Breaker:        providerBreaker,
		AttemptTimeout: cfg.AttemptTimeout(),
		Hooks:          hooks,
		HTTPClient:     httpClient,
	})

	primaryClient := upstream.NewClient(upstream.Config{
		Provider: "primary",
		BaseURL:  cfg.Primary.URL,
		APIKey:   cfg.Primary.Key,
		Breaker:  providerBreaker,
		Retry: upstream.RetryPolicy{
			Enabled:       cfg.Retry.Enabled,
			MaxRetryTime:  cfg.Retry.MaxRetryTime,
			RetryDelay:    cfg.Retry.RetryDelay,
			MaxRetryCount: cfg.Retry.MaxRetryCount,
		},
		AttemptTimeout: cfg.AttemptTimeout(),
		Hooks:          hooks,
		HTTPClient:     httpClient,
	})

	engine := moderation.NewEngine(moderation.Config{
		Client:    moderationClient,
		Models:    cfg.Moderation.Models,
		Strategy:  cfg.Moderation.Strategy,
		Threshold: cfg.Moderation.RiskThreshold,
	})

	limiter := ratelimit.New(ratelimit.Config{
		Routes: map[string]int{
			server.RouteChat:   cfg.RateLimits.ChatRPM,
			server.RouteImages: cfg.RateLimits.ImagesRPM,
			server.RouteAudio:  cfg.RateLimits.AudioRPM,
			server.RouteModels: cfg.RateLimits.ModelsRPM,
		},
		GlobalIP: cfg.RateLimits.GlobalIPRPM,
	})
	defer limiter.Stop()

	burst := breaker.NewBurst(cfg.RateLimits.BurstRPS)

	srv := server.New(server.Deps{
		Primary:   primaryClient,
		Engine:    engine,
		Whitelist: moderation.NewWhitelist(cfg.Moderation.Whitelist),
		Breaker:   providerBreaker,
		Limiter:   limiter,
		Burst:     burst,
	}, &server.Config{
		AuthKey:         cfg.Auth.Key,
		MetricsEnabled:  cfg.Metrics.Enabled,
		MetricsEndpoint: cfg.Metrics.Endpoint,
		StreamTimeout:   cfg.Server.StreamTimeout,
	})

	addr := ":" + cfg.Server.Port
	slog.Info("starting server",
		"address", addr,
		"version", version.Version,
		"moderation_models", len(cfg.Moderation.Models),
		"moderation_strategy", cfg.Moderation.Strategy,
		"retry_enabled", cfg.Retry.Enabled,
		"metrics_enabled", cfg.Metrics.Enabled)

	go func() {
		if err := srv.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down", "timeout", shutdownTimeout)
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown did not complete cleanly", "error", err)
	}
}
