package cycles

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ajo-platform/ajo/internal/ledger"
	"github.com/ajo-platform/ajo/internal/notification"
)

// Service manages groups, their members and contribution cycles.
type Service struct {
	repo     Repository
	ledger   ledger.Ledger
	notifier notification.Notifier
	logger   *slog.Logger
	currency string
	now      func() time.Time
	shuffle  func(n int, swap func(i, j int))
}

// NewService builds a cycles service. currency applies to cycles created
// without one.
func NewService(repo Repository, led ledger.Ledger, notifier notification.Notifier, logger *slog.Logger, currency string) *Service {
	return &Service{
		repo:     repo,
		ledger:   led,
		notifier: notifier,
		logger:   logger,
		currency: ledger.NormalizeCurrency(currency),
		now:      time.Now,
		shuffle:  rand.Shuffle,
	}
}

// CreateGroup creates a group owned by ownerUserID, who becomes its first member.
func (s *Service) CreateGroup(ctx context.Context, ownerUserID, name string) (Group, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Group{}, fmt.Errorf("%w: name is required", ErrInvalidCycle)
	}
	now := s.now().UTC()
	group := Group{ID: uuid.NewString(), Name: name, OwnerUserID: ownerUserID, CreatedAt: now}
	owner := Member{ID: uuid.NewString(), GroupID: group.ID, UserID: ownerUserID, Role: RoleOwner, JoinedAt: now}
	if err := s.repo.CreateGroup(ctx, group, owner); err != nil {
		return Group{}, err
	}
	return group, nil
}

// authorize returns the actor's membership when it may manage the group.
func (s *Service) authorize(ctx context.Context, actorUserID, groupID string) (Member, error) {
	if _, err := s.repo.Group(ctx, groupID); err != nil {
		return Member{}, err
	}
	actor, err := s.repo.MemberByUser(ctx, groupID, actorUserID)
	if errors.Is(err, ErrMemberNotFound) {
		return Member{}, ErrForbidden
	}
	if err != nil {
		return Member{}, err
	}
	if !actor.Role.CanManage() {
		return Member{}, ErrForbidden
	}
	return actor, nil
}

// IsMember reports whether userID belongs to the group.
func (s *Service) IsMember(ctx context.Context, groupID, userID string) (bool, error) {
	_, err := s.repo.MemberByUser(ctx, groupID, userID)
	if errors.Is(err, ErrMemberNotFound) || errors.Is(err, ErrGroupNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// AddMember adds userID to the group. Only owners and admins may add members,
// and nobody can be added as a second owner.
func (s *Service) AddMember(ctx context.Context, actorUserID, groupID, userID string, role Role) (Member, error) {
	if role == "" {
		role = RoleMember
	}
	if !role.Valid() || role == RoleOwner {
		return Member{}, fmt.Errorf("%w: role %q", ErrInvalidCycle, role)
	}
	if strings.TrimSpace(userID) == "" {
		return Member{}, fmt.Errorf("%w: userId is required", ErrInvalidCycle)
	}
	if _, err := s.authorize(ctx, actorUserID, groupID); err != nil {
		return Member{}, err
	}
	m := Member{ID: uuid.NewString(), GroupID: groupID, UserID: userID, Role: role, JoinedAt: s.now().UTC()}
	if err := s.repo.AddMember(ctx, m); err != nil {
		return Member{}, err
	}
	return m, nil
}

// ListMembers returns the group's members.
func (s *Service) ListMembers(ctx context.Context, groupID string) ([]Member, error) {
	if _, err := s.repo.Group(ctx, groupID); err != nil {
		return nil, err
	}
	return s.repo.Members(ctx, groupID)
}

// UpdateMember changes a member's role. The owner's role is fixed.
func (s *Service) UpdateMember(ctx context.Context, actorUserID, groupID, memberID string, role Role) (Member, error) {
	if !role.Valid() || role == RoleOwner {
		return Member{}, fmt.Errorf("%w: role %q", ErrInvalidCycle, role)
	}
	if _, err := s.authorize(ctx, actorUserID, groupID); err != nil {
		return Member{}, err
	}
	target, err := s.repo.Member(ctx, groupID, memberID)
	if err != nil {
		return Member{}, err
	}
	if target.Role == RoleOwner {
		return Member{}, ErrOwnerImmutable
	}
	return s.repo.UpdateMemberRole(ctx, groupID, memberID, role)
}

// RemoveMember removes a member. Members may remove themselves; the owner cannot be removed.
func (s *Service) RemoveMember(ctx context.Context, actorUserID, groupID, memberID string) error {
	target, err := s.repo.Member(ctx, groupID, memberID)
	if err != nil {
		return err
	}
	if target.Role == RoleOwner {
		return ErrOwnerImmutable
	}
	if target.UserID != actorUserID {
		if _, err := s.authorize(ctx, actorUserID, groupID); err != nil {
			return err
		}
	}
	return s.repo.RemoveMember(ctx, groupID, memberID)
}

// SlotInput describes a slot of a new cycle.
type SlotInput struct {
	UserID      string
	Order       int
	ScheduledAt *time.Time
}

// CreateCycleInput captures the data needed to create a cycle.
type CreateCycleInput struct {
	GroupID          string
	Amount           decimal.Decimal
	Currency         string
	Frequency        Frequency
	RotationStrategy RotationStrategy
	Slots            []SlotInput
}

// CreateCycle creates a draft cycle with its slots. Every slot user must be a
// member of the group and slot orders must be unique and positive. With the
// random rotation strategy the payout order is shuffled.
func (s *Service) CreateCycle(ctx context.Context, actorUserID string, in CreateCycleInput) (Cycle, []Slot, error) {
	if !in.Amount.IsPositive() {
		return Cycle{}, nil, fmt.Errorf("%w: amount must be positive", ErrInvalidCycle)
	}
	if len(in.Slots) == 0 {
		return Cycle{}, nil, fmt.Errorf("%w: at least one slot is required", ErrInvalidCycle)
	}
	if in.Frequency == "" {
		in.Frequency = FrequencyMonthly
	}
	switch in.Frequency {
	case FrequencyDaily, FrequencyWeekly, FrequencyBiweekly, FrequencyMonthly:
	default:
		return Cycle{}, nil, fmt.Errorf("%w: frequency %q", ErrInvalidCycle, in.Frequency)
	}
	if in.RotationStrategy == "" {
		in.RotationStrategy = RotationFixed
	}
	if in.RotationStrategy != RotationFixed && in.RotationStrategy != RotationRandom {
		return Cycle{}, nil, fmt.Errorf("%w: rotation strategy %q", ErrInvalidCycle, in.RotationStrategy)
	}
	if _, err := s.authorize(ctx, actorUserID, in.GroupID); err != nil {
		return Cycle{}, nil, err
	}

	currency := s.currency
	if strings.TrimSpace(in.Currency) != "" {
		currency = ledger.NormalizeCurrency(in.Currency)
	}
	if !in.Amount.Equal(ledger.RoundToMinorUnit(in.Amount, currency)) {
		return Cycle{}, nil, fmt.Errorf("%w: amount %s is finer than the %s minor unit", ErrInvalidCycle, in.Amount, currency)
	}
	cycle := Cycle{
		ID:               uuid.NewString(),
		GroupID:          in.GroupID,
		Amount:           in.Amount,
		Currency:         currency,
		Frequency:        in.Frequency,
		RotationStrategy: in.RotationStrategy,
		Status:           CycleDraft,
		CreatedAt:        s.now().UTC(),
	}

	seen := make(map[int]bool, len(in.Slots))
	slots := make([]Slot, 0, len(in.Slots))
	for _, si := range in.Slots {
		if si.Order <= 0 || seen[si.Order] {
			return Cycle{}, nil, fmt.Errorf("%w: slot order %d", ErrInvalidCycle, si.Order)
		}
		seen[si.Order] = true
		if _, err := s.repo.MemberByUser(ctx, in.GroupID, si.UserID); err != nil {
			if errors.Is(err, ErrMemberNotFound) {
				return Cycle{}, nil, fmt.Errorf("%w: user %s is not a group member", ErrInvalidCycle, si.UserID)
			}
			return Cycle{}, nil, err
		}
		var scheduled *time.Time
		if si.ScheduledAt != nil {
			t := si.ScheduledAt.UTC()
			scheduled = &t
		}
		slots = append(slots, Slot{
			ID:          uuid.NewString(),
			CycleID:     cycle.ID,
			UserID:      si.UserID,
			Order:       si.Order,
			ScheduledAt: scheduled,
			Status:      SlotPending,
		})
	}

	if cycle.RotationStrategy == RotationRandom {
		orders := make([]int, len(slots))
		for i, sl := range slots {
			orders[i] = sl.Order
		}
		s.shuffle(len(orders), func(i, j int) { orders[i], orders[j] = orders[j], orders[i] })
		for i := range slots {
			slots[i].Order = orders[i]
		}
	}

	if err := s.repo.CreateCycle(ctx, cycle, slots); err != nil {
		return Cycle{}, nil, err
	}
	return cycle, slots, nil
}

// StartCycle activates a draft cycle, after which the scheduler collects its slots.
func (s *Service) StartCycle(ctx context.Context, actorUserID, cycleID string) (Cycle, error) {
	cycle, err := s.repo.Cycle(ctx, cycleID)
	if err != nil {
		return Cycle{}, err
	}
	if _, err := s.authorize(ctx, actorUserID, cycle.GroupID); err != nil {
		return Cycle{}, err
	}
	if cycle.Status != CycleDraft {
		return Cycle{}, fmt.Errorf("%w: cycle is %s", ErrInvalidState, cycle.Status)
	}
	now := s.now().UTC()
	if err := s.repo.UpdateCycleStatus(ctx, cycleID, CycleActive, &now, nil); err != nil {
		return Cycle{}, err
	}
	cycle.Status = CycleActive
	cycle.StartAt = &now
	return cycle, nil
}

// CycleState is a cycle together with its slots.
type CycleState struct {
	Cycle Cycle  `json:"cycle"`
	Slots []Slot `json:"slots"`
}

// Status returns the cycle and its slots in rotation order.
func (s *Service) Status(ctx context.Context, cycleID string) (CycleState, error) {
	cycle, err := s.repo.Cycle(ctx, cycleID)
	if err != nil {
		return CycleState{}, err
	}
	slots, err := s.repo.Slots(ctx, cycleID)
	if err != nil {
		return CycleState{}, err
	}
	return CycleState{Cycle: cycle, Slots: slots}, nil
}

// PayoutRequestID is the idempotency key of a slot's payout on a given day.
func PayoutRequestID(cycleID, slotID string, day time.Time) string {
	return fmt.Sprintf("cycle:%s:payout:%s:%s", cycleID, slotID, day.UTC().Format("2006-01-02"))
}

// collected is the sum of contributions the scheduler has taken for the cycle.
func collected(cycle Cycle, slots []Slot) decimal.Decimal {
	n := 0
	for _, sl := range slots {
		if sl.Status == SlotContributed || sl.Status == SlotPaidOut {
			n++
		}
	}
	return cycle.Amount.Mul(decimal.NewFromInt(int64(n)))
}

// Payout moves the cycle's pot from the group escrow to the holder of a
// contributed slot. The pot is what the cycle has collected minus what it
// has already paid out, so funds other cycles hold in the shared escrow are
// never touched. The slot becomes paid_out when the transfer completes, and
// the cycle completes once every slot has contributed and the whole
// collection is paid out. A transfer that fails for lack of escrow funds is
// returned with ErrPayoutFailed.
func (s *Service) Payout(ctx context.Context, actorUserID, cycleID, slotID string) (ledger.Transfer, error) {
	cycle, err := s.repo.Cycle(ctx, cycleID)
	if err != nil {
		return ledger.Transfer{}, err
	}
	if _, err := s.authorize(ctx, actorUserID, cycle.GroupID); err != nil {
		return ledger.Transfer{}, err
	}
	if cycle.Status != CycleActive {
		return ledger.Transfer{}, fmt.Errorf("%w: cycle is %s", ErrInvalidState, cycle.Status)
	}
	slot, err := s.repo.Slot(ctx, cycleID, slotID)
	if err != nil {
		return ledger.Transfer{}, err
	}
	if slot.Status != SlotContributed {
		return ledger.Transfer{}, fmt.Errorf("%w: slot is %s, only contributed slots are paid out", ErrInvalidState, slot.Status)
	}
	slots, err := s.repo.Slots(ctx, cycleID)
	if err != nil {
		return ledger.Transfer{}, err
	}
	pot := collected(cycle, slots).Sub(cycle.PaidOut)
	if !pot.IsPositive() {
		return ledger.Transfer{}, fmt.Errorf("%w: nothing left to pay out", ErrInvalidState)
	}

	escrow, err := s.ledger.EnsureGroupEscrow(ctx, cycle.GroupID, cycle.Currency)
	if err != nil {
		return ledger.Transfer{}, err
	}
	wallet, err := s.ledger.EnsureUserWallet(ctx, slot.UserID, cycle.Currency)
	if err != nil {
		return ledger.Transfer{}, err
	}

	tr, err := s.ledger.CreateTransfer(ctx, ledger.TransferRequest{
		RequestID:     PayoutRequestID(cycleID, slotID, s.now()),
		FromAccountID: escrow.ID,
		ToAccountID:   wallet.ID,
		Amount:        pot,
		Currency:      cycle.Currency,
		Meta:          map[string]any{"cycle_id": cycleID, "slot_id": slotID, "kind": "payout"},
	})
	if err != nil {
		return ledger.Transfer{}, err
	}
	if tr.Status != ledger.StatusCompleted {
		return tr, fmt.Errorf("%w: %s", ErrPayoutFailed, tr.Error)
	}

	// A same-day replay carries the amount actually moved, which may differ
	// from the pot computed above.
	if err := s.repo.RecordPayout(ctx, cycleID, slotID, tr.Amount); err != nil {
		return tr, err
	}
	notification.Dispatch(ctx, s.notifier, s.logger, notification.Message{
		Kind:        notification.KindSlotPaidOut,
		Destination: slot.UserID,
		Body:        fmt.Sprintf("Payout of %s %s for cycle %s", tr.Amount.StringFixed(ledger.MinorUnits(cycle.Currency)), cycle.Currency, cycleID),
		Data:        map[string]any{"cycle_id": cycleID, "slot_id": slotID, "request_id": tr.RequestID},
	})

	outstanding := false
	for _, sl := range slots {
		if sl.Status == SlotPending || sl.Status == SlotMissed {
			outstanding = true
			break
		}
	}
	if !outstanding && cycle.PaidOut.Add(tr.Amount).GreaterThanOrEqual(collected(cycle, slots)) {
		now := s.now().UTC()
		if err := s.repo.UpdateCycleStatus(ctx, cycleID, CycleCompleted, nil, &now); err != nil {
			return tr, err
		}
	}
	return tr, nil
}

// RetrySlot re-queues a missed slot so the scheduler collects it again on its
// next run. Missed slots are never retried automatically.
func (s *Service) RetrySlot(ctx context.Context, actorUserID, cycleID, slotID string) (Slot, error) {
	cycle, err := s.repo.Cycle(ctx, cycleID)
	if err != nil {
		return Slot{}, err
	}
	if _, err := s.authorize(ctx, actorUserID, cycle.GroupID); err != nil {
		return Slot{}, err
	}
	return s.repo.RequeueSlot(ctx, cycleID, slotID)
}
