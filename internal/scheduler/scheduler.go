// Package scheduler collects due contributions. On every tick it moves the
// cycle amount from each due slot holder's wallet into the group escrow and
// records the slot as contributed or missed.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ajo-platform/ajo/internal/cycles"
	"github.com/ajo-platform/ajo/internal/ledger"
	"github.com/ajo-platform/ajo/internal/notification"
)

// DefaultSpec runs the scheduler once a minute.
const DefaultSpec = "@every 1m"

// SlotStore is the slice of the cycles repository the scheduler needs.
type SlotStore interface {
	DueSlots(ctx context.Context, now time.Time) ([]cycles.Slot, error)
	Cycle(ctx context.Context, id string) (cycles.Cycle, error)
	SetSlotStatus(ctx context.Context, slotID string, status cycles.SlotStatus) error
	SetSlotRequestID(ctx context.Context, slotID, requestID string) error
}

// Report summarises one run.
type Report struct {
	Due         int
	Contributed int
	Missed      int
	Skipped     int
}

// Scheduler periodically collects contributions for due slots.
type Scheduler struct {
	slots      SlotStore
	ledger     ledger.Ledger
	logger     *slog.Logger
	notifier   notification.Notifier
	locker     Locker
	now        func() time.Time
	spec       string
	runTimeout time.Duration
	cron       *cron.Cron
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the scheduler clock.
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

// WithSpec sets the cron spec, e.g. "@every 30s" or "*/5 * * * *".
func WithSpec(spec string) Option { return func(s *Scheduler) { s.spec = spec } }

// WithLocker makes each run take a lock so only one replica runs at a time.
func WithLocker(l Locker) Option { return func(s *Scheduler) { s.locker = l } }

// WithNotifier publishes slot outcome events.
func WithNotifier(n notification.Notifier) Option { return func(s *Scheduler) { s.notifier = n } }

// WithRunTimeout bounds a single scheduled run.
func WithRunTimeout(d time.Duration) Option { return func(s *Scheduler) { s.runTimeout = d } }

// New builds a scheduler over the slot store and ledger.
func New(slots SlotStore, led ledger.Ledger, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		slots:      slots,
		ledger:     led,
		logger:     logger,
		now:        time.Now,
		spec:       DefaultSpec,
		runTimeout: 50 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ContributionRequestID is the idempotency key of a slot's contribution on a
// given UTC day. Re-queued slots get a fresh key per attempt.
func ContributionRequestID(cycleID, slotID string, day time.Time, attempt int) string {
	id := fmt.Sprintf("cycle:%s:slot:%s:%s", cycleID, slotID, day.UTC().Format("2006-01-02"))
	if attempt > 0 {
		id = fmt.Sprintf("%s:retry-%d", id, attempt)
	}
	return id
}

// RunOnce processes every due slot sequentially. Per-slot failures are
// recorded on the slot and never abort the run; only failing to list due
// slots or to take the lock is returned as an error.
func (s *Scheduler) RunOnce(ctx context.Context) (Report, error) {
	if s.locker != nil {
		release, ok, err := s.locker.Acquire(ctx)
		if err != nil {
			return Report{}, fmt.Errorf("acquire scheduler lock: %w", err)
		}
		if !ok {
			s.logger.Debug("scheduler lock held elsewhere, skipping run")
			return Report{}, nil
		}
		defer release()
	}

	now := s.now().UTC()
	due, err := s.slots.DueSlots(ctx, now)
	if err != nil {
		return Report{}, fmt.Errorf("list due slots: %w", err)
	}

	report := Report{Due: len(due)}
	cycleCache := make(map[string]*cycles.Cycle)
	for _, slot := range due {
		if ctx.Err() != nil {
			break
		}
		switch s.process(ctx, slot, now, cycleCache) {
		case cycles.SlotContributed:
			report.Contributed++
		case cycles.SlotMissed:
			report.Missed++
		default:
			report.Skipped++
		}
	}

	s.logger.Info("scheduler run finished",
		slog.Int("due", report.Due),
		slog.Int("contributed", report.Contributed),
		slog.Int("missed", report.Missed),
		slog.Int("skipped", report.Skipped),
	)
	return report, nil
}

// process handles one slot and returns the status it ended in, or the
// empty status when the slot was skipped.
func (s *Scheduler) process(ctx context.Context, slot cycles.Slot, now time.Time, cache map[string]*cycles.Cycle) cycles.SlotStatus {
	log := s.logger.With(slog.String("cycle_id", slot.CycleID), slog.String("slot_id", slot.ID))

	cycle, ok := cache[slot.CycleID]
	if !ok {
		c, err := s.slots.Cycle(ctx, slot.CycleID)
		switch {
		case errors.Is(err, cycles.ErrCycleNotFound):
			cache[slot.CycleID] = nil
		case err != nil:
			log.Error("load cycle", slog.Any("error", err))
			return ""
		default:
			cycle = &c
			cache[slot.CycleID] = cycle
		}
	}
	if cycle == nil {
		log.Warn("slot references unknown cycle, skipping")
		return ""
	}
	if cycle.Status != cycles.CycleActive {
		return ""
	}

	if slot.RequestID != "" {
		status, ok, err := s.settled(ctx, slot.RequestID)
		if err != nil {
			log.Error("look up earlier contribution", slog.String("request_id", slot.RequestID), slog.Any("error", err))
			return ""
		}
		if ok {
			log.Info("slot settled by an earlier run", slog.String("request_id", slot.RequestID), slog.String("status", string(status)))
			if err := s.slots.SetSlotStatus(ctx, slot.ID, status); err != nil {
				log.Error("record slot status", slog.String("status", string(status)), slog.Any("error", err))
			}
			return status
		}
	}

	requestID := ContributionRequestID(cycle.ID, slot.ID, now, slot.Attempt)
	log = log.With(slog.String("request_id", requestID))
	if err := s.slots.SetSlotRequestID(ctx, slot.ID, requestID); err != nil {
		log.Error("record contribution request id", slog.Any("error", err))
		return ""
	}

	status, reason := s.contribute(ctx, *cycle, slot, requestID)
	if err := s.slots.SetSlotStatus(ctx, slot.ID, status); err != nil {
		log.Error("record slot status", slog.String("status", string(status)), slog.Any("error", err))
	}

	kind := notification.KindSlotContributed
	if status == cycles.SlotMissed {
		kind = notification.KindSlotMissed
		log.Warn("contribution missed", slog.String("reason", reason))
	}
	notification.Dispatch(ctx, s.notifier, log, notification.Message{
		Kind:        kind,
		Destination: slot.UserID,
		Body:        fmt.Sprintf("Contribution of %s %s for cycle %s: %s", cycle.Amount.StringFixed(ledger.MinorUnits(cycle.Currency)), cycle.Currency, cycle.ID, status),
		Data:        map[string]any{"cycle_id": cycle.ID, "slot_id": slot.ID, "request_id": requestID, "reason": reason},
	})
	return status
}

// settled looks up the transfer an earlier run made for a slot's current
// attempt. A pending slot whose transfer is already terminal lost its status
// write, and the recorded outcome is reused so the member is not charged
// again under a later day's key.
func (s *Scheduler) settled(ctx context.Context, requestID string) (cycles.SlotStatus, bool, error) {
	tr, err := s.ledger.TransferByRequestID(ctx, requestID)
	if errors.Is(err, ledger.ErrTransferNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	switch tr.Status {
	case ledger.StatusCompleted:
		return cycles.SlotContributed, true, nil
	case ledger.StatusFailed:
		return cycles.SlotMissed, true, nil
	}
	return "", false, nil
}

func (s *Scheduler) contribute(ctx context.Context, cycle cycles.Cycle, slot cycles.Slot, requestID string) (cycles.SlotStatus, string) {
	wallet, err := s.ledger.EnsureUserWallet(ctx, slot.UserID, cycle.Currency)
	if err != nil {
		return cycles.SlotMissed, fmt.Sprintf("resolve wallet: %v", err)
	}
	escrow, err := s.ledger.EnsureGroupEscrow(ctx, cycle.GroupID, cycle.Currency)
	if err != nil {
		return cycles.SlotMissed, fmt.Sprintf("resolve escrow: %v", err)
	}

	tr, err := s.ledger.CreateTransfer(ctx, ledger.TransferRequest{
		RequestID:     requestID,
		FromAccountID: wallet.ID,
		ToAccountID:   escrow.ID,
		Amount:        cycle.Amount,
		Currency:      cycle.Currency,
		Meta:          map[string]any{"cycle_id": cycle.ID, "slot_id": slot.ID, "kind": "contribution"},
	})
	if err != nil {
		return cycles.SlotMissed, fmt.Sprintf("transfer: %v", err)
	}
	if tr.Status != ledger.StatusCompleted {
		return cycles.SlotMissed, tr.Error
	}
	return cycles.SlotContributed, ""
}

// Start schedules RunOnce on the configured spec. Overlapping ticks are
// skipped and panics are recovered and logged.
func (s *Scheduler) Start() error {
	logger := cronLogger{logger: s.logger}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(s.spec, s.tick); err != nil {
		return fmt.Errorf("schedule %q: %w", s.spec, err)
	}
	s.cron = c
	c.Start()
	s.logger.Info("scheduler started", slog.String("spec", s.spec))
	return nil
}

func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.runTimeout)
	defer cancel()
	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Error("scheduler run failed", slog.Any("error", err))
	}
}

// Stop stops scheduling and waits for a running tick to finish or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger adapts slog to the cron.Logger interface.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
