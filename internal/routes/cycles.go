package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ajo-platform/ajo/internal/cycles"
)

// RegisterCycleRoutes wires group and cycle endpoints. Handlers in create run
// before the group and cycle creation endpoints.
func RegisterCycleRoutes(r fiber.Router, h *cycles.Handler, create ...fiber.Handler) {
	withCreate := func(last fiber.Handler) []fiber.Handler {
		return append(append([]fiber.Handler{}, create...), last)
	}

	r.Post("/groups", withCreate(h.CreateGroup)...)
	r.Get("/groups/:id/members", h.ListMembers)
	r.Post("/groups/:id/members", h.AddMember)
	r.Patch("/groups/:id/members/:memberId", h.UpdateMember)
	r.Delete("/groups/:id/members/:memberId", h.RemoveMember)

	r.Post("/cycles", withCreate(h.CreateCycle)...)
	r.Post("/cycles/:id/start", h.StartCycle)
	r.Get("/cycles/:id/status", h.Status)
	r.Post("/cycles/:id/slots/:slotId/payout", h.Payout)
	r.Post("/cycles/:id/slots/:slotId/retry", h.RetrySlot)
}
