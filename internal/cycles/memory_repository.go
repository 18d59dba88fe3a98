package cycles

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type memoryRepository struct {
	mu      sync.RWMutex
	groups  map[string]Group
	members map[string]Member
	cycles  map[string]Cycle
	slots   map[string]Slot
}

// NewMemoryRepository constructs an in-memory repository for tests and local development.
func NewMemoryRepository() Repository {
	return &memoryRepository{
		groups:  make(map[string]Group),
		members: make(map[string]Member),
		cycles:  make(map[string]Cycle),
		slots:   make(map[string]Slot),
	}
}

func (r *memoryRepository) CreateGroup(_ context.Context, group Group, owner Member) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.groups[group.ID] = group
	r.members[owner.ID] = owner
	return nil
}

func (r *memoryRepository) Group(_ context.Context, id string) (Group, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[id]
	if !ok {
		return Group{}, ErrGroupNotFound
	}
	return g, nil
}

func (r *memoryRepository) AddMember(_ context.Context, member Member) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.groups[member.GroupID]; !ok {
		return ErrGroupNotFound
	}
	for _, m := range r.members {
		if m.GroupID == member.GroupID && m.UserID == member.UserID {
			return ErrDuplicateMember
		}
	}
	r.members[member.ID] = member
	return nil
}

func (r *memoryRepository) Members(_ context.Context, groupID string) ([]Member, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Member
	for _, m := range r.members {
		if m.GroupID == groupID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out, nil
}

func (r *memoryRepository) MemberByUser(_ context.Context, groupID, userID string) (Member, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.members {
		if m.GroupID == groupID && m.UserID == userID {
			return m, nil
		}
	}
	return Member{}, ErrMemberNotFound
}

func (r *memoryRepository) Member(_ context.Context, groupID, memberID string) (Member, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.members[memberID]
	if !ok || m.GroupID != groupID {
		return Member{}, ErrMemberNotFound
	}
	return m, nil
}

func (r *memoryRepository) UpdateMemberRole(_ context.Context, groupID, memberID string, role Role) (Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[memberID]
	if !ok || m.GroupID != groupID {
		return Member{}, ErrMemberNotFound
	}
	m.Role = role
	r.members[memberID] = m
	return m, nil
}

func (r *memoryRepository) RemoveMember(_ context.Context, groupID, memberID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[memberID]
	if !ok || m.GroupID != groupID {
		return ErrMemberNotFound
	}
	delete(r.members, memberID)
	return nil
}

func (r *memoryRepository) CreateCycle(_ context.Context, cycle Cycle, slots []Slot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.groups[cycle.GroupID]; !ok {
		return ErrGroupNotFound
	}
	r.cycles[cycle.ID] = cycle
	for _, s := range slots {
		r.slots[s.ID] = s
	}
	return nil
}

func (r *memoryRepository) Cycle(_ context.Context, id string) (Cycle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.cycles[id]
	if !ok {
		return Cycle{}, ErrCycleNotFound
	}
	return c, nil
}

func (r *memoryRepository) UpdateCycleStatus(_ context.Context, id string, status CycleStatus, startAt, endAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cycles[id]
	if !ok {
		return ErrCycleNotFound
	}
	c.Status = status
	if startAt != nil {
		c.StartAt = startAt
	}
	if endAt != nil {
		c.EndAt = endAt
	}
	r.cycles[id] = c
	return nil
}

func (r *memoryRepository) Slots(_ context.Context, cycleID string) ([]Slot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Slot
	for _, s := range r.slots {
		if s.CycleID == cycleID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out, nil
}

func (r *memoryRepository) Slot(_ context.Context, cycleID, slotID string) (Slot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.slots[slotID]
	if !ok || s.CycleID != cycleID {
		return Slot{}, ErrSlotNotFound
	}
	return s, nil
}

func (r *memoryRepository) DueSlots(_ context.Context, now time.Time) ([]Slot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Slot
	for _, s := range r.slots {
		if s.Due(now) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CycleID != out[j].CycleID {
			return out[i].CycleID < out[j].CycleID
		}
		return out[i].Order < out[j].Order
	})
	return out, nil
}

func (r *memoryRepository) SetSlotStatus(_ context.Context, slotID string, status SlotStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[slotID]
	if !ok {
		return ErrSlotNotFound
	}
	s.Status = status
	r.slots[slotID] = s
	return nil
}

func (r *memoryRepository) SetSlotRequestID(_ context.Context, slotID, requestID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[slotID]
	if !ok {
		return ErrSlotNotFound
	}
	s.RequestID = requestID
	r.slots[slotID] = s
	return nil
}

func (r *memoryRepository) RecordPayout(_ context.Context, cycleID, slotID string, amount decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cycles[cycleID]
	if !ok {
		return ErrCycleNotFound
	}
	s, ok := r.slots[slotID]
	if !ok || s.CycleID != cycleID {
		return ErrSlotNotFound
	}
	if s.Status != SlotContributed {
		return ErrInvalidState
	}
	s.Status = SlotPaidOut
	c.PaidOut = c.PaidOut.Add(amount)
	r.slots[slotID] = s
	r.cycles[cycleID] = c
	return nil
}

func (r *memoryRepository) RequeueSlot(_ context.Context, cycleID, slotID string) (Slot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[slotID]
	if !ok || s.CycleID != cycleID {
		return Slot{}, ErrSlotNotFound
	}
	if s.Status != SlotMissed {
		return Slot{}, ErrInvalidState
	}
	s.Status = SlotPending
	s.Attempt++
	s.RequestID = ""
	r.slots[slotID] = s
	return s, nil
}
