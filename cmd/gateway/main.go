package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"

	"github.com/ajo-platform/ajo/internal/auth"
	"github.com/ajo-platform/ajo/internal/config"
	"github.com/ajo-platform/ajo/internal/gateway"
	"github.com/ajo-platform/ajo/internal/gatewaysig"
	"github.com/ajo-platform/ajo/internal/infra"
	"github.com/ajo-platform/ajo/internal/logging"
	"github.com/ajo-platform/ajo/internal/middleware"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel).With("service", "gateway")

	var cache *redis.Client
	if cfg.RedisURL != "" {
		cache, err = infra.NewRedisClient(context.Background(), cfg.RedisURL, "ajo-gateway")
		if err != nil {
			logger.Error("connect redis", "error", err)
			os.Exit(1)
		}
		defer cache.Close()
	}

	bearer, err := auth.NewBearerValidator(auth.BearerConfig{
		Algorithm:    cfg.JWT.Algorithm,
		Secret:       cfg.JWT.Secret,
		PublicKeyPEM: cfg.JWT.PublicKeyPEM,
		Issuer:       cfg.JWT.Issuer,
		Audience:     cfg.JWT.Audience,
		Leeway:       5 * time.Second,
	})
	if err != nil {
		logger.Error("configure bearer validation", "error", err)
		os.Exit(1)
	}

	headers := gatewaysig.HeaderNames{
		Signature: cfg.Gateway.SignatureHeader,
		Timestamp: cfg.Gateway.TimestampHeader,
		Nonce:     cfg.Gateway.NonceHeader,
		UserID:    cfg.Gateway.UserIDHeader,
	}
	gw, err := gateway.New(gateway.Config{
		Routes: []gateway.Route{
			{Prefix: "/transactions", Upstream: cfg.Upstreams.TransactionService},
			{Prefix: "/investments", Upstream: cfg.Upstreams.InvestmentService},
			{Prefix: "/api", Upstream: cfg.Upstreams.UserService, BearerOptional: true},
		},
		Headers:         headers,
		RateLimitPerMin: cfg.Upstreams.RateLimitPerMin,
	}, gatewaysig.NewSigner(cfg.Gateway.Secret, gatewaysig.WithSignerHeaderNames(headers)), bearer, cache, logger)
	if err != nil {
		logger.Error("build gateway", "error", err)
		os.Exit(1)
	}

	app := fiber.New(fiber.Config{
		AppName:      "ajo-gateway",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		ErrorHandler: middleware.ErrorHandler(logger),
	})
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(middleware.Audit(logger))
	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "timestamp": time.Now().UTC().Format(time.RFC3339Nano)})
	})
	gw.Register(app)

	srvErrCh := make(chan error, 1)
	go func() {
		srvErrCh <- app.Listen(cfg.Address())
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-srvErrCh:
		if err != nil {
			logger.Error("gateway error", "error", err)
			os.Exit(1)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("gateway exited cleanly")
}
