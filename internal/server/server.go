package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/ajo-platform/ajo/internal/config"
	"github.com/ajo-platform/ajo/internal/logging"
	"github.com/ajo-platform/ajo/internal/middleware"
	"github.com/ajo-platform/ajo/internal/notification"
	"github.com/ajo-platform/ajo/internal/routes"
	"github.com/ajo-platform/ajo/internal/scheduler"
)

const schedulerLockKey = "ajo:scheduler:lock"

// Server wraps the Fiber application, the contribution scheduler and shared dependencies.
type Server struct {
	app       *fiber.App
	cfg       config.Config
	db        *pgxpool.Pool
	cache     *redis.Client
	scheduler *scheduler.Scheduler
	logger    *slog.Logger
}

// New instantiates the HTTP server and delegates route wiring to routes.Setup.
// notifier may be nil, in which case events are logged.
func New(cfg config.Config, db *pgxpool.Pool, cache *redis.Client, notifier notification.Notifier, logger *slog.Logger) (*Server, error) {
	if notifier == nil {
		notifier = notification.NewLoggerNotifier(logging.Component(logger, "notification"))
	}

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		ErrorHandler: middleware.ErrorHandler(logger),
	})

	backends := routes.NewBackends(db, cache)
	if err := routes.Setup(app, routes.Deps{
		Cfg:      cfg,
		DB:       db,
		Cache:    cache,
		Logger:   logger,
		Notifier: notifier,
		Backends: backends,
	}); err != nil {
		return nil, err
	}

	s := &Server{app: app, cfg: cfg, db: db, cache: cache, logger: logger}
	if cfg.Scheduler.Enabled {
		opts := []scheduler.Option{
			scheduler.WithSpec(cfg.Scheduler.Spec),
			scheduler.WithNotifier(notifier),
		}
		if cache != nil {
			opts = append(opts, scheduler.WithLocker(scheduler.NewRedisLocker(cache, schedulerLockKey, cfg.Scheduler.LockTTL)))
		}
		s.scheduler = scheduler.New(backends.Cycles, backends.Ledger, logging.Component(logger, "scheduler"), opts...)
	}

	return s, nil
}

// App exposes the Fiber application, mainly for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen starts the scheduler and then the HTTP server.
func (s *Server) Listen() error {
	if s.scheduler != nil {
		if err := s.scheduler.Start(); err != nil {
			return err
		}
	}
	return s.app.Listen(s.cfg.Address())
}

// Shutdown gracefully stops the HTTP server and waits for an in-flight
// scheduler run.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.app.ShutdownWithContext(ctx)
	if s.scheduler != nil {
		err = errors.Join(err, s.scheduler.Stop(ctx))
	}
	return err
}
