package transfers

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/ajo-platform/ajo/internal/auth"
	"github.com/ajo-platform/ajo/internal/ledger"
	"github.com/ajo-platform/ajo/internal/wallet"
)

// Handler exposes transfer endpoints.
type Handler struct {
	service *Service
}

// NewHandler constructs a transfer handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type transferRequest struct {
	RequestID     string          `json:"requestId"`
	FromAccountID string          `json:"fromAccountId"`
	ToAccountID   string          `json:"toAccountId"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
}

// Create executes a transfer. New transfers answer 201 and replays 200;
// a failed transfer is still a normal response carrying status "failed".
func (h *Handler) Create(c *fiber.Ctx) error {
	p, ok := auth.PrincipalFrom(c)
	if !ok {
		return fiber.NewError(http.StatusUnauthorized, "unauthorized")
	}
	var req transferRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	tr, err := h.service.Create(c.UserContext(), CreateInput{
		RequestID:     req.RequestID,
		FromAccountID: req.FromAccountID,
		ToAccountID:   req.ToAccountID,
		Amount:        req.Amount,
		Currency:      req.Currency,
		CallerID:      p.UserID,
	})
	if err != nil {
		return toHTTPError(err)
	}

	status := http.StatusCreated
	if tr.Replayed {
		status = http.StatusOK
	}
	return c.Status(status).JSON(tr)
}

// Get returns a transfer with its ledger entries.
func (h *Handler) Get(c *fiber.Ctx) error {
	p, ok := auth.PrincipalFrom(c)
	if !ok {
		return fiber.NewError(http.StatusUnauthorized, "unauthorized")
	}
	details, err := h.service.Get(c.UserContext(), p.UserID, c.Params("requestId"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(details)
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound), errors.Is(err, ledger.ErrTransferNotFound):
		return fiber.NewError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrNotOwner), errors.Is(err, wallet.ErrForbidden):
		return fiber.NewError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrRequestIDReused):
		return fiber.NewError(http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrMissingRequestID), errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrSameAccount), errors.Is(err, ErrNonPositiveAmount),
		errors.Is(err, ledger.ErrAmountPrecision), errors.Is(err, ledger.ErrCurrencyMismatch):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	default:
		return err
	}
}
