package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ajo-platform/ajo/internal/transfers"
)

// RegisterTransferRoutes wires transfer endpoints.
func RegisterTransferRoutes(r fiber.Router, h *transfers.Handler) {
	r.Post("/transfers", h.Create)
	r.Get("/transfers/:requestId", h.Get)
}
