package routes

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/ajo-platform/ajo/internal/auth"
	"github.com/ajo-platform/ajo/internal/config"
	"github.com/ajo-platform/ajo/internal/cycles"
	"github.com/ajo-platform/ajo/internal/gatewaysig"
	"github.com/ajo-platform/ajo/internal/ledger"
	"github.com/ajo-platform/ajo/internal/middleware"
	"github.com/ajo-platform/ajo/internal/notification"
	"github.com/ajo-platform/ajo/internal/transfers"
	"github.com/ajo-platform/ajo/internal/wallet"
)

const nonceCleanupInterval = time.Minute

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg      config.Config
	DB       *pgxpool.Pool
	Cache    *redis.Client
	Logger   *slog.Logger
	Notifier notification.Notifier
	Backends Backends
}

// Backends are the stores behind the HTTP surface. The scheduler shares them.
type Backends struct {
	Ledger ledger.Ledger
	Cycles cycles.Repository
	Nonces gatewaysig.NonceStore
}

// NewBackends picks Postgres and Redis when connected and in-memory
// implementations otherwise.
func NewBackends(db *pgxpool.Pool, cache *redis.Client) Backends {
	var b Backends
	if db != nil {
		b.Ledger = ledger.NewPostgresLedger(db)
		b.Cycles = cycles.NewPostgresRepository(db)
	} else {
		b.Ledger = ledger.NewInMemory()
		b.Cycles = cycles.NewMemoryRepository()
	}
	if cache != nil {
		b.Nonces = gatewaysig.NewRedisNonceStore(cache)
	} else {
		b.Nonces = gatewaysig.NewMemoryNonceStore(nonceCleanupInterval)
	}
	return b
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) error {
	// Enforce DB/Redis presence outside of dev, even though main also checks.
	if !d.Cfg.IsDev() {
		if d.DB == nil {
			return fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}
	if d.Backends.Ledger == nil || d.Backends.Cycles == nil || d.Backends.Nonces == nil {
		d.Backends = NewBackends(d.DB, d.Cache)
	}
	if d.Notifier == nil {
		d.Notifier = notification.NewLoggerNotifier(d.Logger)
	}

	bearer, err := newBearerValidator(d.Cfg)
	if err != nil {
		return err
	}

	// Middlewares
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	if d.Cfg.IsDev() {
		// Plain text access log in desired format: [HH:MM:SS] 200 -  145ms METHOD /path
		app.Use(logger.New(logger.Config{
			Format:     "[${time}] ${status} -  ${latency} ${method} ${path}\n",
			TimeFormat: "15:04:05",
			TimeZone:   "Local",
		}))
	}
	app.Use(middleware.Audit(d.Logger))

	// Health
	RegisterHealthRoutes(app, d)

	// Services and handlers
	cycleSvc := cycles.NewService(d.Backends.Cycles, d.Backends.Ledger, d.Notifier, d.Logger, d.Cfg.Currency)
	walletSvc := wallet.NewService(d.Backends.Ledger, cycleSvc, d.Cfg.Currency)
	transferSvc := transfers.NewService(d.Backends.Ledger, walletSvc, d.Notifier, d.Logger, d.Cfg.Currency)

	verifier := gatewaysig.NewVerifier(gatewaysig.Options{
		Secret: d.Cfg.Gateway.Secret,
		Headers: gatewaysig.HeaderNames{
			Signature: d.Cfg.Gateway.SignatureHeader,
			Timestamp: d.Cfg.Gateway.TimestampHeader,
			Nonce:     d.Cfg.Gateway.NonceHeader,
			UserID:    d.Cfg.Gateway.UserIDHeader,
		},
		MaxSkew: d.Cfg.Gateway.MaxSkew,
		Logger:  d.Logger,
	}, d.Backends.Nonces)

	guard := middleware.GatewayOrBearer(middleware.GuardConfig{
		Verifier:       verifier,
		GatewayEnabled: d.Cfg.Gateway.Enabled,
		Bearer:         bearer,
		Logger:         d.Logger,
	})

	// Protected routes
	protected := app.Group("", guard)
	RegisterAuthRoutes(protected)
	RegisterWalletRoutes(protected, wallet.NewHandler(walletSvc))
	RegisterTransferRoutes(protected, transfers.NewHandler(transferSvc))
	RegisterCycleRoutes(protected, cycles.NewHandler(cycleSvc),
		middleware.Idempotency(d.Cache, d.Cfg.IdempotencyTTL, d.Logger))

	return nil
}

// newBearerValidator returns nil when no JWT key is configured, which leaves
// gateway signatures as the only accepted credential.
func newBearerValidator(cfg config.Config) (*auth.BearerValidator, error) {
	if cfg.JWT.Secret == "" && cfg.JWT.PublicKeyPEM == "" {
		return nil, nil
	}
	v, err := auth.NewBearerValidator(auth.BearerConfig{
		Algorithm:    cfg.JWT.Algorithm,
		Secret:       cfg.JWT.Secret,
		PublicKeyPEM: cfg.JWT.PublicKeyPEM,
		Issuer:       cfg.JWT.Issuer,
		Audience:     cfg.JWT.Audience,
		Leeway:       5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("configure bearer validation: %w", err)
	}
	return v, nil
}

// RegisterAuthRoutes wires the authentication probe.
func RegisterAuthRoutes(r fiber.Router) {
	r.Get("/auth/probe", func(c *fiber.Ctx) error {
		p, ok := auth.PrincipalFrom(c)
		if !ok {
			return fiber.NewError(http.StatusUnauthorized, "unauthorized")
		}
		return c.JSON(p)
	})
}
