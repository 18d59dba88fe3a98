package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/ajo-platform/ajo/internal/cycles"
	"github.com/ajo-platform/ajo/internal/ledger"
	"github.com/ajo-platform/ajo/internal/logging"
	"github.com/ajo-platform/ajo/internal/notification"
)

var runDay = time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)

type fixture struct {
	repo  cycles.Repository
	led   ledger.Ledger
	group cycles.Group
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	repo := cycles.NewMemoryRepository()
	group := cycles.Group{ID: uuid.NewString(), Name: "g", OwnerUserID: "owner", CreatedAt: runDay}
	owner := cycles.Member{ID: uuid.NewString(), GroupID: group.ID, UserID: "owner", Role: cycles.RoleOwner}
	if err := repo.CreateGroup(context.Background(), group, owner); err != nil {
		t.Fatalf("create group: %v", err)
	}
	return fixture{repo: repo, led: ledger.NewInMemory(), group: group}
}

func (f fixture) cycle(t *testing.T, status cycles.CycleStatus, amount string, slots ...cycles.Slot) cycles.Cycle {
	t.Helper()
	c := cycles.Cycle{
		ID:       uuid.NewString(),
		GroupID:  f.group.ID,
		Amount:   decimal.RequireFromString(amount),
		Currency: "NGN",
		Status:   status,
	}
	for i := range slots {
		slots[i].CycleID = c.ID
		if slots[i].ID == "" {
			slots[i].ID = uuid.NewString()
		}
		if slots[i].Status == "" {
			slots[i].Status = cycles.SlotPending
		}
	}
	if err := f.repo.CreateCycle(context.Background(), c, slots); err != nil {
		t.Fatalf("create cycle: %v", err)
	}
	return c
}

func (f fixture) fund(t *testing.T, userID, amount string) ledger.Account {
	t.Helper()
	acc, err := f.led.EnsureUserWallet(context.Background(), userID, "NGN")
	if err != nil {
		t.Fatalf("ensure wallet: %v", err)
	}
	ledger.SeedBalance(f.led, acc.ID, amount)
	return acc
}

func (f fixture) slotStatus(t *testing.T, cycleID, slotID string) cycles.SlotStatus {
	t.Helper()
	s, err := f.repo.Slot(context.Background(), cycleID, slotID)
	if err != nil {
		t.Fatalf("load slot: %v", err)
	}
	return s.Status
}

func newScheduler(f fixture, opts ...Option) *Scheduler {
	opts = append([]Option{WithClock(func() time.Time { return runDay })}, opts...)
	return New(f.repo, f.led, logging.Discard(), opts...)
}

func TestRunOnceContributes(t *testing.T) {
	f := newFixture(t)
	wallet := f.fund(t, "U", "10000.00")
	slot := cycles.Slot{UserID: "U", Order: 1}
	c := f.cycle(t, cycles.CycleActive, "5000.00", slot)
	slots, _ := f.repo.Slots(context.Background(), c.ID)

	report, err := newScheduler(f).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Due != 1 || report.Contributed != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if got := f.slotStatus(t, c.ID, slots[0].ID); got != cycles.SlotContributed {
		t.Fatalf("expected contributed, got %s", got)
	}

	acc, _ := f.led.Account(context.Background(), wallet.ID)
	if !acc.Balance.Equal(decimal.RequireFromString("5000")) {
		t.Fatalf("expected wallet at 5000, got %s", acc.Balance)
	}
	escrow, _ := f.led.EnsureGroupEscrow(context.Background(), f.group.ID, "NGN")
	if !escrow.Balance.Equal(decimal.RequireFromString("5000")) {
		t.Fatalf("expected escrow at 5000, got %s", escrow.Balance)
	}

	requestID := "cycle:" + c.ID + ":slot:" + slots[0].ID + ":2024-03-15"
	entries, _ := f.led.Entries(context.Background(), requestID)
	if len(entries) != 1 || entries[0].Meta["kind"] != "contribution" {
		t.Fatalf("expected one contribution entry under %s, got %+v", requestID, entries)
	}
}

func TestRunOnceMissedOnInsufficientFunds(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "U", "100.00")
	c := f.cycle(t, cycles.CycleActive, "5000.00", cycles.Slot{UserID: "U", Order: 1})
	slots, _ := f.repo.Slots(context.Background(), c.ID)

	report, err := newScheduler(f).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Missed != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if got := f.slotStatus(t, c.ID, slots[0].ID); got != cycles.SlotMissed {
		t.Fatalf("expected missed, got %s", got)
	}
	requestID := ContributionRequestID(c.ID, slots[0].ID, runDay, 0)
	if entries, _ := f.led.Entries(context.Background(), requestID); len(entries) != 0 {
		t.Fatalf("missed contribution wrote entries")
	}
	tr, err := f.led.TransferByRequestID(context.Background(), requestID)
	if err != nil || tr.Status != ledger.StatusFailed {
		t.Fatalf("expected failed transfer on record, got %+v %v", tr, err)
	}
}

func TestRunOnceSkipsInactiveAndFutureSlots(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "U", "10000")
	future := runDay.Add(time.Hour)
	past := runDay.Add(-time.Hour)

	draft := f.cycle(t, cycles.CycleDraft, "100", cycles.Slot{UserID: "U", Order: 1})
	active := f.cycle(t, cycles.CycleActive, "100",
		cycles.Slot{UserID: "U", Order: 1, ScheduledAt: &future},
		cycles.Slot{UserID: "U", Order: 2, ScheduledAt: &past},
	)

	report, err := newScheduler(f).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Due != 2 || report.Skipped != 1 || report.Contributed != 1 {
		t.Fatalf("unexpected report %+v", report)
	}

	draftSlots, _ := f.repo.Slots(context.Background(), draft.ID)
	if draftSlots[0].Status != cycles.SlotPending {
		t.Fatalf("slots of inactive cycles must stay pending")
	}
	activeSlots, _ := f.repo.Slots(context.Background(), active.ID)
	if activeSlots[0].Status != cycles.SlotPending || activeSlots[1].Status != cycles.SlotContributed {
		t.Fatalf("unexpected slot statuses %+v", activeSlots)
	}
}

func TestRunOnceContinuesAfterSlotFailure(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "rich", "1000")
	// An empty user id cannot own a wallet, so the first slot misses.
	c := f.cycle(t, cycles.CycleActive, "100",
		cycles.Slot{UserID: "", Order: 1},
		cycles.Slot{UserID: "rich", Order: 2},
	)

	report, err := newScheduler(f).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Missed != 1 || report.Contributed != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	slots, _ := f.repo.Slots(context.Background(), c.ID)
	if slots[0].Status != cycles.SlotMissed || slots[1].Status != cycles.SlotContributed {
		t.Fatalf("unexpected statuses %+v", slots)
	}
}

func TestRequeuedSlotUsesFreshRequestID(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "U", "50")
	c := f.cycle(t, cycles.CycleActive, "100", cycles.Slot{UserID: "U", Order: 1})
	slots, _ := f.repo.Slots(context.Background(), c.ID)
	s := newScheduler(f)

	if _, err := s.RunOnce(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if f.slotStatus(t, c.ID, slots[0].ID) != cycles.SlotMissed {
		t.Fatalf("expected missed slot")
	}

	f.fund(t, "U", "500")
	if _, err := f.repo.RequeueSlot(context.Background(), c.ID, slots[0].ID); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	report, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if report.Contributed != 1 {
		t.Fatalf("expected retry to contribute, got %+v", report)
	}
	if _, err := f.led.TransferByRequestID(context.Background(), ContributionRequestID(c.ID, slots[0].ID, runDay, 1)); err != nil {
		t.Fatalf("expected retry transfer: %v", err)
	}
}

func TestContributionRequestIDIsStable(t *testing.T) {
	a := ContributionRequestID("c1", "s1", runDay, 0)
	b := ContributionRequestID("c1", "s1", runDay.Add(10*time.Hour), 0)
	if a != b || a != "cycle:c1:slot:s1:2024-03-15" {
		t.Fatalf("expected stable daily id, got %s and %s", a, b)
	}
	if got := ContributionRequestID("c1", "s1", runDay, 2); got != "cycle:c1:slot:s1:2024-03-15:retry-2" {
		t.Fatalf("unexpected retry id %s", got)
	}
}

type failingStore struct{ cycles.Repository }

func (failingStore) DueSlots(context.Context, time.Time) ([]cycles.Slot, error) {
	return nil, errors.New("db down")
}

func TestRunOnceReportsListingFailure(t *testing.T) {
	f := newFixture(t)
	s := New(failingStore{f.repo}, f.led, logging.Discard())
	if _, err := s.RunOnce(context.Background()); err == nil {
		t.Fatalf("expected error when due slots cannot be listed")
	}
}

// lossyStore drops the next slot status write, as if the database went away
// right after the transfer committed.
type lossyStore struct {
	cycles.Repository
	drop bool
}

func (s *lossyStore) SetSlotStatus(ctx context.Context, slotID string, status cycles.SlotStatus) error {
	if s.drop {
		s.drop = false
		return errors.New("connection reset")
	}
	return s.Repository.SetSlotStatus(ctx, slotID, status)
}

func TestLostStatusWriteDoesNotChargeTwice(t *testing.T) {
	f := newFixture(t)
	wallet := f.fund(t, "U", "1000")
	c := f.cycle(t, cycles.CycleActive, "100", cycles.Slot{UserID: "U", Order: 1})
	slots, _ := f.repo.Slots(context.Background(), c.ID)

	store := &lossyStore{Repository: f.repo, drop: true}
	if _, err := New(store, f.led, logging.Discard(), WithClock(func() time.Time { return runDay })).RunOnce(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if got := f.slotStatus(t, c.ID, slots[0].ID); got != cycles.SlotPending {
		t.Fatalf("expected the lost write to leave the slot pending, got %s", got)
	}

	nextDay := runDay.Add(24 * time.Hour)
	report, err := New(store, f.led, logging.Discard(), WithClock(func() time.Time { return nextDay })).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if report.Contributed != 1 {
		t.Fatalf("expected the earlier transfer to settle the slot, got %+v", report)
	}
	if got := f.slotStatus(t, c.ID, slots[0].ID); got != cycles.SlotContributed {
		t.Fatalf("expected contributed, got %s", got)
	}
	acc, _ := f.led.Account(context.Background(), wallet.ID)
	if !acc.Balance.Equal(decimal.RequireFromString("900")) {
		t.Fatalf("expected a single debit, wallet at %s", acc.Balance)
	}
	if _, err := f.led.TransferByRequestID(context.Background(), ContributionRequestID(c.ID, slots[0].ID, nextDay, 0)); !errors.Is(err, ledger.ErrTransferNotFound) {
		t.Fatalf("no transfer must be made under the next day's key, got %v", err)
	}
}

func TestRunOnceRecordsRequestIDBeforeTransfer(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "U", "1000")
	c := f.cycle(t, cycles.CycleActive, "100", cycles.Slot{UserID: "U", Order: 1})
	slots, _ := f.repo.Slots(context.Background(), c.ID)

	if _, err := newScheduler(f).RunOnce(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	slot, err := f.repo.Slot(context.Background(), c.ID, slots[0].ID)
	if err != nil {
		t.Fatalf("load slot: %v", err)
	}
	if want := ContributionRequestID(c.ID, slots[0].ID, runDay, 0); slot.RequestID != want {
		t.Fatalf("expected request id %s on the slot, got %q", want, slot.RequestID)
	}
}

type countingNotifier struct{ kinds map[string]int }

func (n *countingNotifier) Send(_ context.Context, msg notification.Message) error {
	n.kinds[msg.Kind]++
	return nil
}

func TestRunOnceNotifiesOutcomes(t *testing.T) {
	f := newFixture(t)
	f.fund(t, "rich", "1000")
	f.fund(t, "poor", "0")
	f.cycle(t, cycles.CycleActive, "100", cycles.Slot{UserID: "rich", Order: 1}, cycles.Slot{UserID: "poor", Order: 2})

	n := &countingNotifier{kinds: map[string]int{}}
	if _, err := newScheduler(f, WithNotifier(n)).RunOnce(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if n.kinds[notification.KindSlotContributed] != 1 || n.kinds[notification.KindSlotMissed] != 1 {
		t.Fatalf("unexpected notifications %v", n.kinds)
	}
}

func TestRedisLockerSingleFlight(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	f := newFixture(t)
	f.fund(t, "U", "1000")
	f.cycle(t, cycles.CycleActive, "100", cycles.Slot{UserID: "U", Order: 1})

	locker := NewRedisLocker(client, "ajo:scheduler:lock", time.Minute)
	release, ok, err := locker.Acquire(context.Background())
	if err != nil || !ok {
		t.Fatalf("acquire: %v %v", ok, err)
	}

	s := newScheduler(f, WithLocker(locker))
	report, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Due != 0 {
		t.Fatalf("run must be skipped while the lock is held, got %+v", report)
	}

	release()
	report, err = s.RunOnce(context.Background())
	if err != nil || report.Contributed != 1 {
		t.Fatalf("expected run after release, got %+v %v", report, err)
	}
	if mr.Exists("ajo:scheduler:lock") {
		t.Fatalf("lock should be released after the run")
	}
}

func TestStartAndStop(t *testing.T) {
	f := newFixture(t)
	s := New(f.repo, f.led, logging.Discard(), WithSpec("@every 1s"))
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	bad := New(f.repo, f.led, logging.Discard(), WithSpec("not a spec"))
	if err := bad.Start(); err == nil {
		t.Fatalf("expected invalid spec to be rejected")
	}
}
