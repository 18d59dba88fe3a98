package auth

import "github.com/gofiber/fiber/v2"

const (
	// SchemeGatewaySignature marks principals authenticated by gateway trust headers.
	SchemeGatewaySignature = "GatewaySignature"
	// SchemeBearer marks principals authenticated by a bearer token.
	SchemeBearer = "Bearer"

	principalLocal = "principal"
	userIDLocal    = "user_id"
)

// Principal identifies the caller of a request.
type Principal struct {
	UserID string `json:"userId"`
	Scheme string `json:"authScheme"`
}

// SetPrincipal attaches p to the request.
func SetPrincipal(c *fiber.Ctx, p Principal) {
	c.Locals(principalLocal, p)
	c.Locals(userIDLocal, p.UserID)
}

// PrincipalFrom returns the principal attached to the request, if any.
func PrincipalFrom(c *fiber.Ctx) (Principal, bool) {
	p, ok := c.Locals(principalLocal).(Principal)
	if !ok || p.UserID == "" {
		return Principal{}, false
	}
	return p, true
}
