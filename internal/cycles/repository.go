package cycles

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Repository persists groups, members, cycles and slots.
type Repository interface {
	CreateGroup(ctx context.Context, group Group, owner Member) error
	Group(ctx context.Context, id string) (Group, error)

	AddMember(ctx context.Context, member Member) error
	Members(ctx context.Context, groupID string) ([]Member, error)
	MemberByUser(ctx context.Context, groupID, userID string) (Member, error)
	Member(ctx context.Context, groupID, memberID string) (Member, error)
	UpdateMemberRole(ctx context.Context, groupID, memberID string, role Role) (Member, error)
	RemoveMember(ctx context.Context, groupID, memberID string) error

	CreateCycle(ctx context.Context, cycle Cycle, slots []Slot) error
	Cycle(ctx context.Context, id string) (Cycle, error)
	UpdateCycleStatus(ctx context.Context, id string, status CycleStatus, startAt, endAt *time.Time) error
	Slots(ctx context.Context, cycleID string) ([]Slot, error)
	Slot(ctx context.Context, cycleID, slotID string) (Slot, error)

	// DueSlots returns pending slots scheduled at or before now, or never scheduled.
	DueSlots(ctx context.Context, now time.Time) ([]Slot, error)
	SetSlotStatus(ctx context.Context, slotID string, status SlotStatus) error
	SetSlotRequestID(ctx context.Context, slotID, requestID string) error
	// RecordPayout marks a contributed slot paid_out and adds amount to the
	// cycle's paid out total. It fails with ErrInvalidState when the slot is
	// no longer contributed.
	RecordPayout(ctx context.Context, cycleID, slotID string, amount decimal.Decimal) error
	// RequeueSlot moves a missed slot back to pending, increments its attempt
	// and clears its request id.
	RequeueSlot(ctx context.Context, cycleID, slotID string) (Slot, error)
}
