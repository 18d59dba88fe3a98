package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ajo-platform/ajo/internal/auth"
)

// RequireBearer rejects requests without a valid bearer token.
func RequireBearer(v *auth.BearerValidator) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if v == nil {
			return fiber.NewError(fiber.StatusUnauthorized, unauthorizedMessage)
		}
		token, ok := auth.BearerToken(c.Get(fiber.HeaderAuthorization))
		if !ok {
			return fiber.NewError(fiber.StatusUnauthorized, unauthorizedMessage)
		}
		p, err := v.Validate(token)
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, unauthorizedMessage)
		}
		auth.SetPrincipal(c, p)
		return c.Next()
	}
}

// OptionalBearer attaches the principal when a valid bearer token is present
// and lets every request through.
func OptionalBearer(v *auth.BearerValidator) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if v == nil {
			return c.Next()
		}
		if token, ok := auth.BearerToken(c.Get(fiber.HeaderAuthorization)); ok {
			if p, err := v.Validate(token); err == nil {
				auth.SetPrincipal(c, p)
			}
		}
		return c.Next()
	}
}
