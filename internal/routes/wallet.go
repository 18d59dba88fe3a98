package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ajo-platform/ajo/internal/wallet"
)

// RegisterWalletRoutes wires wallet-related endpoints.
func RegisterWalletRoutes(r fiber.Router, h *wallet.Handler) {
	r.Get("/wallets/me", h.Me)
	r.Get("/accounts/:id", h.Get)
}
