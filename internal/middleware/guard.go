package middleware

import (
	"log/slog"

	"github.com/gofiber/fiber/v2"

	"github.com/ajo-platform/ajo/internal/auth"
	"github.com/ajo-platform/ajo/internal/gatewaysig"
)

// unauthorizedMessage is the same for every failure so callers learn nothing
// about which check rejected them.
const unauthorizedMessage = "unauthorized"

// GuardConfig configures GatewayOrBearer.
type GuardConfig struct {
	Verifier       *gatewaysig.Verifier
	GatewayEnabled bool
	// Bearer may be nil, in which case only gateway signatures are accepted.
	Bearer *auth.BearerValidator
	Logger *slog.Logger
}

// GatewayOrBearer authenticates a request by gateway signature first and by
// bearer token second. The principal comes entirely from whichever check
// succeeded.
func GatewayOrBearer(cfg GuardConfig) fiber.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return func(c *fiber.Ctx) error {
		if cfg.GatewayEnabled && cfg.Verifier != nil {
			res := cfg.Verifier.Verify(c.UserContext(), FiberRequest(c))
			if res.Valid {
				auth.SetPrincipal(c, auth.Principal{UserID: res.UserID, Scheme: auth.SchemeGatewaySignature})
				return c.Next()
			}
		}

		if cfg.Bearer != nil {
			if token, ok := auth.BearerToken(c.Get(fiber.HeaderAuthorization)); ok {
				p, err := cfg.Bearer.Validate(token)
				if err == nil {
					auth.SetPrincipal(c, p)
					return c.Next()
				}
				logger.Debug("bearer token rejected", slog.String("path", c.Path()), slog.Any("error", err))
			}
		}

		return fiber.NewError(fiber.StatusUnauthorized, unauthorizedMessage)
	}
}

// FiberRequest adapts a Fiber request for the gateway signature verifier.
func FiberRequest(c *fiber.Ctx) gatewaysig.Request {
	return gatewaysig.Request{
		Method: c.Method(),
		Path:   c.Path(),
		Header: func(name string) string { return c.Get(name) },
	}
}
