package cycles

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrGroupNotFound   = errors.New("group not found")
	ErrMemberNotFound  = errors.New("member not found")
	ErrDuplicateMember = errors.New("user is already a member of the group")
	ErrCycleNotFound   = errors.New("cycle not found")
	ErrSlotNotFound    = errors.New("slot not found")
	ErrForbidden       = errors.New("caller is not allowed to manage this group")
	ErrOwnerImmutable  = errors.New("the group owner cannot be removed or demoted")
	ErrInvalidCycle    = errors.New("invalid cycle")
	ErrInvalidState    = errors.New("operation not allowed in the current state")
	ErrPayoutFailed    = errors.New("payout failed")
)

// Role is a member's role within a group.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleMember:
		return true
	}
	return false
}

// CanManage reports whether the role may administer the group.
func (r Role) CanManage() bool { return r == RoleOwner || r == RoleAdmin }

// CycleStatus is the lifecycle state of a cycle.
type CycleStatus string

const (
	CycleDraft     CycleStatus = "draft"
	CycleActive    CycleStatus = "active"
	CycleCompleted CycleStatus = "completed"
	CycleCancelled CycleStatus = "cancelled"
)

// SlotStatus is the lifecycle state of a slot.
type SlotStatus string

const (
	SlotPending     SlotStatus = "pending"
	SlotContributed SlotStatus = "contributed"
	SlotMissed      SlotStatus = "missed"
	SlotPaidOut     SlotStatus = "paid_out"
)

// Frequency is how often a cycle collects contributions.
type Frequency string

const (
	FrequencyDaily    Frequency = "daily"
	FrequencyWeekly   Frequency = "weekly"
	FrequencyBiweekly Frequency = "biweekly"
	FrequencyMonthly  Frequency = "monthly"
)

// RotationStrategy decides the payout order of slots.
type RotationStrategy string

const (
	RotationFixed  RotationStrategy = "fixed"
	RotationRandom RotationStrategy = "random"
)

// Group is a savings circle.
type Group struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	OwnerUserID string    `json:"ownerUserId"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Member is a user's membership of a group.
type Member struct {
	ID       string    `json:"id"`
	GroupID  string    `json:"groupId"`
	UserID   string    `json:"userId"`
	Role     Role      `json:"role"`
	JoinedAt time.Time `json:"joinedAt"`
}

// Cycle is one round of fixed contributions by a group.
type Cycle struct {
	ID               string           `json:"id"`
	GroupID          string           `json:"groupId"`
	Amount           decimal.Decimal  `json:"amount"`
	Currency         string           `json:"currency"`
	Frequency        Frequency        `json:"frequency"`
	RotationStrategy RotationStrategy `json:"rotationStrategy"`
	Status           CycleStatus      `json:"status"`
	PaidOut          decimal.Decimal  `json:"paidOut"`
	StartAt          *time.Time       `json:"startAt,omitempty"`
	EndAt            *time.Time       `json:"endAt,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
}

// Slot is one participant's position within a cycle.
type Slot struct {
	ID          string     `json:"id"`
	CycleID     string     `json:"cycleId"`
	UserID      string     `json:"userId"`
	Order       int        `json:"order"`
	ScheduledAt *time.Time `json:"scheduledAt,omitempty"`
	Status      SlotStatus `json:"status"`

	// Attempt counts manual re-queues of a missed slot.
	Attempt int `json:"attempt"`

	// RequestID is the contribution transfer key of the current attempt,
	// recorded before the transfer is made.
	RequestID string `json:"requestId,omitempty"`
}

// Due reports whether the slot should be collected at now.
func (s Slot) Due(now time.Time) bool {
	if s.Status != SlotPending {
		return false
	}
	return s.ScheduledAt == nil || !s.ScheduledAt.After(now)
}
