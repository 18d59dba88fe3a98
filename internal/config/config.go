package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultAppName          = "AjoTransactions"
	defaultAppEnv           = "development"
	defaultPort             = "8080"
	defaultLogLevel         = "info"
	defaultShutdownDelay    = 10 * time.Second
	defaultIdempotencyTTL   = 24 * time.Hour
	defaultCurrency         = "NGN"
	defaultAMQPExchange     = "ajo.events"
	defaultMaxSkew          = 300 * time.Second
	defaultSchedulerSpec    = "@every 1m"
	defaultSchedulerLockTTL = 55 * time.Second
	defaultRateLimitPerMin  = 120

	// DevGatewaySecret is the shared secret used when GATEWAY_SIG_SECRET is unset.
	// It is rejected outside development.
	DevGatewaySecret = "local-gateway-secret"

	idemTTLSecondsEnvVar   = "IDEMPOTENCY_TTL_SECONDS"
	idemTTLDurEnvVar       = "IDEMPOTENCY_TTL"
	shutdownSecondsEnvVar  = "SHUTDOWN_TIMEOUT_SECONDS"
	shutdownDurationEnvVar = "SHUTDOWN_TIMEOUT"
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName        string
	AppEnv         string
	Port           string
	LogLevel       string
	DatabaseURL    string
	RedisURL       string
	AMQPURL        string
	AMQPExchange   string
	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration
	RunMigrations  bool
	Currency       string

	Gateway   GatewaySig
	JWT       JWT
	Scheduler Scheduler
	Upstreams Upstreams
}

// GatewaySig configures the signed trust channel between the gateway and backends.
type GatewaySig struct {
	Secret          string
	Enabled         bool
	MaxSkew         time.Duration
	SignatureHeader string
	TimestampHeader string
	NonceHeader     string
	UserIDHeader    string
}

// JWT configures bearer token validation.
type JWT struct {
	Algorithm    string
	Secret       string
	PublicKeyPEM string
	Issuer       string
	Audience     string
}

// Scheduler configures the contribution scheduler.
type Scheduler struct {
	Enabled bool
	Spec    string
	LockTTL time.Duration
}

// Upstreams lists the services the gateway proxies to.
type Upstreams struct {
	TransactionService string
	InvestmentService  string
	UserService        string
	RateLimitPerMin    int
}

// Load reads configuration values from the environment and populates a Config instance.
// A .env file in the working directory is loaded first when present.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		AppName:        getEnv("APP_NAME", defaultAppName),
		AppEnv:         getEnv("APP_ENV", defaultAppEnv),
		Port:           getEnv("PORT", defaultPort),
		LogLevel:       strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		RedisURL:       os.Getenv("REDIS_URL"),
		AMQPURL:        os.Getenv("AMQP_URL"),
		AMQPExchange:   getEnv("AMQP_EXCHANGE", defaultAMQPExchange),
		ShutdownPeriod: defaultShutdownDelay,
		IdempotencyTTL: defaultIdempotencyTTL,
		Currency:       strings.ToUpper(getEnv("DEFAULT_CURRENCY", defaultCurrency)),
		Gateway: GatewaySig{
			Secret:          getEnv("GATEWAY_SIG_SECRET", DevGatewaySecret),
			MaxSkew:         defaultMaxSkew,
			SignatureHeader: strings.ToLower(getEnv("GW_SIG_HEADER", "x-gw-sig")),
			TimestampHeader: strings.ToLower(getEnv("GW_TS_HEADER", "x-gw-ts")),
			NonceHeader:     strings.ToLower(getEnv("GW_NONCE_HEADER", "x-gw-nonce")),
			UserIDHeader:    strings.ToLower(getEnv("GW_USER_ID_HEADER", "x-user-id")),
		},
		JWT: JWT{
			Algorithm:    strings.ToUpper(getEnv("JWT_ALG", "HS256")),
			Secret:       os.Getenv("JWT_SECRET"),
			PublicKeyPEM: strings.ReplaceAll(os.Getenv("JWT_PUBLIC_KEY_PEM"), `\n`, "\n"),
			Issuer:       os.Getenv("JWT_ISSUER"),
			Audience:     os.Getenv("JWT_AUDIENCE"),
		},
		Scheduler: Scheduler{
			Spec:    getEnv("SCHEDULER_SPEC", defaultSchedulerSpec),
			LockTTL: defaultSchedulerLockTTL,
		},
		Upstreams: Upstreams{
			TransactionService: getEnv("TRANSACTION_SERVICE_URL", "http://localhost:8080"),
			InvestmentService:  getEnv("INVESTMENT_SERVICE_URL", "http://localhost:8082"),
			UserService:        getEnv("USER_SERVICE_URL", "http://localhost:8081"),
			RateLimitPerMin:    defaultRateLimitPerMin,
		},
	}

	var err error
	if cfg.ShutdownPeriod, err = durationFromEnv(shutdownSecondsEnvVar, shutdownDurationEnvVar, cfg.ShutdownPeriod); err != nil {
		return Config{}, err
	}
	if cfg.IdempotencyTTL, err = durationFromEnv(idemTTLSecondsEnvVar, idemTTLDurEnvVar, cfg.IdempotencyTTL); err != nil {
		return Config{}, err
	}
	if cfg.Gateway.MaxSkew, err = durationFromEnv("GW_MAX_SKEW_SEC", "GW_MAX_SKEW", cfg.Gateway.MaxSkew); err != nil {
		return Config{}, err
	}
	if cfg.Scheduler.LockTTL, err = durationFromEnv("SCHEDULER_LOCK_TTL_SECONDS", "SCHEDULER_LOCK_TTL", cfg.Scheduler.LockTTL); err != nil {
		return Config{}, err
	}
	if cfg.Gateway.Enabled, err = boolFromEnv("GATEWAY_SIG_ENABLED", true); err != nil {
		return Config{}, err
	}
	if cfg.Scheduler.Enabled, err = boolFromEnv("SCHEDULER_ENABLED", true); err != nil {
		return Config{}, err
	}
	if cfg.RunMigrations, err = boolFromEnv("RUN_MIGRATIONS", false); err != nil {
		return Config{}, err
	}
	if v := os.Getenv("GATEWAY_RATE_LIMIT_PER_MIN"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid GATEWAY_RATE_LIMIT_PER_MIN: %w", err)
		}
		cfg.Upstreams.RateLimitPerMin = n
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate enforces the settings that must be present outside development.
func (c Config) Validate() error {
	if c.Gateway.MaxSkew <= 0 {
		return fmt.Errorf("GW_MAX_SKEW_SEC must be positive")
	}
	if c.IsDev() {
		return nil
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL must be set")
	}
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL must be set")
	}
	if c.Gateway.Secret == "" || c.Gateway.Secret == DevGatewaySecret {
		return fmt.Errorf("GATEWAY_SIG_SECRET must be set to a non-default value when APP_ENV=%s", c.AppEnv)
	}
	if c.JWT.Secret == "" && c.JWT.PublicKeyPEM == "" {
		return fmt.Errorf("JWT_SECRET or JWT_PUBLIC_KEY_PEM must be set")
	}
	return nil
}

// IsDev reports whether the process runs in a development environment.
func (c Config) IsDev() bool {
	switch strings.ToLower(c.AppEnv) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// durationFromEnv reads a whole number of seconds from secondsKey, or a
// Go duration string from durationKey, in that order.
func durationFromEnv(secondsKey, durationKey string, fallback time.Duration) (time.Duration, error) {
	if v := os.Getenv(secondsKey); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", secondsKey, err)
		}
		return time.Duration(seconds) * time.Second, nil
	}
	if v := os.Getenv(durationKey); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", durationKey, err)
		}
		return d, nil
	}
	return fallback, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}
