// Package gateway is the edge proxy. It authenticates end users by bearer
// token once and forwards their requests to backend services with signed
// trust headers in place of the token check.
package gateway

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/proxy"
	"github.com/redis/go-redis/v9"

	"github.com/ajo-platform/ajo/internal/auth"
	"github.com/ajo-platform/ajo/internal/gatewaysig"
	"github.com/ajo-platform/ajo/internal/middleware"
)

const defaultUpstreamTimeout = 30 * time.Second

// Route maps a public path prefix onto an upstream service.
type Route struct {
	Prefix   string
	Upstream string
	// BearerOptional lets anonymous requests through, unsigned.
	BearerOptional bool
}

// Config configures a Gateway.
type Config struct {
	Routes          []Route
	Headers         gatewaysig.HeaderNames
	UpstreamTimeout time.Duration
	RateLimitPerMin int
}

// Gateway forwards authenticated requests to upstream services.
type Gateway struct {
	cfg    Config
	signer *gatewaysig.Signer
	bearer *auth.BearerValidator
	cache  *redis.Client
	logger *slog.Logger
}

// New builds a Gateway. cache may be nil, which disables rate limiting.
func New(cfg Config, signer *gatewaysig.Signer, bearer *auth.BearerValidator, cache *redis.Client, logger *slog.Logger) (*Gateway, error) {
	if cfg.UpstreamTimeout <= 0 {
		cfg.UpstreamTimeout = defaultUpstreamTimeout
	}
	for _, r := range cfg.Routes {
		if !strings.HasPrefix(r.Prefix, "/") {
			return nil, fmt.Errorf("route prefix %q must start with /", r.Prefix)
		}
		if _, err := url.ParseRequestURI(r.Upstream); err != nil {
			return nil, fmt.Errorf("upstream for %s: %w", r.Prefix, err)
		}
	}
	return &Gateway{cfg: cfg, signer: signer, bearer: bearer, cache: cache, logger: logger}, nil
}

// Register mounts every configured route on app.
func (g *Gateway) Register(app *fiber.App) {
	for _, r := range g.cfg.Routes {
		authn := middleware.RequireBearer(g.bearer)
		if r.BearerOptional {
			authn = middleware.OptionalBearer(g.bearer)
		}
		group := app.Group(r.Prefix, authn, middleware.RateLimit(g.cache, g.cfg.RateLimitPerMin))
		group.All("/*", g.forward(r))
	}
}

func (g *Gateway) forward(r Route) fiber.Handler {
	base := strings.TrimRight(r.Upstream, "/")
	basePath := ""
	if u, err := url.Parse(base); err == nil {
		basePath = u.Path
	}

	return func(c *fiber.Ctx) error {
		rest := strings.TrimPrefix(c.Path(), r.Prefix)
		if rest == "" || rest[0] != '/' {
			rest = "/" + rest
		}

		// Only the gateway may set trust headers.
		for _, name := range g.cfg.Headers.All() {
			c.Request().Header.Del(name)
		}
		if p, ok := auth.PrincipalFrom(c); ok {
			headers, _ := g.signer.Sign(c.Method(), basePath+rest, p.UserID)
			for k, v := range headers {
				c.Request().Header.Set(k, v)
			}
		}
		if id := middleware.RequestIDFrom(c); id != "" {
			c.Request().Header.Set(middleware.RequestIDHeader, id)
		}

		target := base + rest
		if q := c.Request().URI().QueryString(); len(q) > 0 {
			target += "?" + string(q)
		}

		if err := proxy.DoTimeout(c, target, g.cfg.UpstreamTimeout); err != nil {
			g.logger.Warn("upstream request failed",
				slog.String("prefix", r.Prefix),
				slog.String("target", target),
				slog.Any("error", err),
			)
			return fiber.NewError(fiber.StatusBadGateway, "upstream unavailable")
		}
		c.Response().Header.Del(fiber.HeaderServer)
		return nil
	}
}
