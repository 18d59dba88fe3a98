package wallet

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/ajo-platform/ajo/internal/auth"
	"github.com/ajo-platform/ajo/internal/ledger"
)

// Handler exposes wallet HTTP endpoints.
type Handler struct {
	service *Service
}

// NewHandler builds a wallet HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// Me returns the authenticated user's wallet for the requested currency.
func (h *Handler) Me(c *fiber.Ctx) error {
	p, ok := auth.PrincipalFrom(c)
	if !ok {
		return fiber.NewError(http.StatusUnauthorized, "unauthorized")
	}
	acc, err := h.service.Me(c.UserContext(), p.UserID, c.Query("currency"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(acc)
}

// Get returns an account visible to the caller.
func (h *Handler) Get(c *fiber.Ctx) error {
	p, ok := auth.PrincipalFrom(c)
	if !ok {
		return fiber.NewError(http.StatusUnauthorized, "unauthorized")
	}
	acc, err := h.service.Get(c.UserContext(), p.UserID, c.Params("id"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(acc)
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		return fiber.NewError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrForbidden):
		return fiber.NewError(http.StatusForbidden, err.Error())
	case errors.Is(err, ledger.ErrInvalidOwner):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	default:
		return err
	}
}
