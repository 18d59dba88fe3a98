package cycles

import (
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/ajo-platform/ajo/internal/auth"
	"github.com/ajo-platform/ajo/internal/ledger"
)

// Handler exposes group and cycle endpoints.
type Handler struct {
	service *Service
}

// NewHandler constructs a cycles handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func callerID(c *fiber.Ctx) (string, error) {
	p, ok := auth.PrincipalFrom(c)
	if !ok {
		return "", fiber.NewError(http.StatusUnauthorized, "unauthorized")
	}
	return p.UserID, nil
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, ErrGroupNotFound), errors.Is(err, ErrMemberNotFound),
		errors.Is(err, ErrCycleNotFound), errors.Is(err, ErrSlotNotFound):
		return fiber.NewError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrForbidden):
		return fiber.NewError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrDuplicateMember), errors.Is(err, ErrInvalidState), errors.Is(err, ErrOwnerImmutable):
		return fiber.NewError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidCycle), errors.Is(err, ledger.ErrInvalidOwner):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrPayoutFailed):
		return fiber.NewError(http.StatusUnprocessableEntity, err.Error())
	default:
		return err
	}
}

type createGroupRequest struct {
	Name string `json:"name"`
}

// CreateGroup creates a group owned by the caller.
func (h *Handler) CreateGroup(c *fiber.Ctx) error {
	uid, err := callerID(c)
	if err != nil {
		return err
	}
	var req createGroupRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	group, err := h.service.CreateGroup(c.UserContext(), uid, req.Name)
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(http.StatusCreated).JSON(group)
}

type memberRequest struct {
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
}

// AddMember adds a user to the group.
func (h *Handler) AddMember(c *fiber.Ctx) error {
	uid, err := callerID(c)
	if err != nil {
		return err
	}
	var req memberRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	m, err := h.service.AddMember(c.UserContext(), uid, c.Params("id"), req.UserID, req.Role)
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(http.StatusCreated).JSON(m)
}

// ListMembers returns the group's members.
func (h *Handler) ListMembers(c *fiber.Ctx) error {
	members, err := h.service.ListMembers(c.UserContext(), c.Params("id"))
	if err != nil {
		return toHTTPError(err)
	}
	if members == nil {
		members = []Member{}
	}
	return c.JSON(fiber.Map{"members": members})
}

// UpdateMember changes a member's role.
func (h *Handler) UpdateMember(c *fiber.Ctx) error {
	uid, err := callerID(c)
	if err != nil {
		return err
	}
	var req memberRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	m, err := h.service.UpdateMember(c.UserContext(), uid, c.Params("id"), c.Params("memberId"), req.Role)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(m)
}

// RemoveMember removes a member from the group.
func (h *Handler) RemoveMember(c *fiber.Ctx) error {
	uid, err := callerID(c)
	if err != nil {
		return err
	}
	if err := h.service.RemoveMember(c.UserContext(), uid, c.Params("id"), c.Params("memberId")); err != nil {
		return toHTTPError(err)
	}
	return c.SendStatus(http.StatusNoContent)
}

type slotRequest struct {
	UserID      string     `json:"userId"`
	Order       int        `json:"order"`
	ScheduledAt *time.Time `json:"scheduledAt"`
}

type createCycleRequest struct {
	GroupID          string           `json:"groupId"`
	Amount           decimal.Decimal  `json:"amount"`
	Currency         string           `json:"currency"`
	Frequency        Frequency        `json:"frequency"`
	RotationStrategy RotationStrategy `json:"rotationStrategy"`
	Slots            []slotRequest    `json:"slots"`
}

// CreateCycle creates a draft cycle.
func (h *Handler) CreateCycle(c *fiber.Ctx) error {
	uid, err := callerID(c)
	if err != nil {
		return err
	}
	var req createCycleRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	in := CreateCycleInput{
		GroupID:          req.GroupID,
		Amount:           req.Amount,
		Currency:         req.Currency,
		Frequency:        req.Frequency,
		RotationStrategy: req.RotationStrategy,
	}
	for _, s := range req.Slots {
		in.Slots = append(in.Slots, SlotInput{UserID: s.UserID, Order: s.Order, ScheduledAt: s.ScheduledAt})
	}
	cycle, slots, err := h.service.CreateCycle(c.UserContext(), uid, in)
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(http.StatusCreated).JSON(CycleState{Cycle: cycle, Slots: slots})
}

// StartCycle activates a draft cycle.
func (h *Handler) StartCycle(c *fiber.Ctx) error {
	uid, err := callerID(c)
	if err != nil {
		return err
	}
	cycle, err := h.service.StartCycle(c.UserContext(), uid, c.Params("id"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(cycle)
}

// Status returns the cycle with its slots.
func (h *Handler) Status(c *fiber.Ctx) error {
	state, err := h.service.Status(c.UserContext(), c.Params("id"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(state)
}

// Payout pays the pot to a slot holder.
func (h *Handler) Payout(c *fiber.Ctx) error {
	uid, err := callerID(c)
	if err != nil {
		return err
	}
	tr, err := h.service.Payout(c.UserContext(), uid, c.Params("id"), c.Params("slotId"))
	if errors.Is(err, ErrPayoutFailed) {
		return c.Status(http.StatusUnprocessableEntity).JSON(tr)
	}
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(tr)
}

// RetrySlot re-queues a missed slot.
func (h *Handler) RetrySlot(c *fiber.Ctx) error {
	uid, err := callerID(c)
	if err != nil {
		return err
	}
	slot, err := h.service.RetrySlot(c.UserContext(), uid, c.Params("id"), c.Params("slotId"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(slot)
}
