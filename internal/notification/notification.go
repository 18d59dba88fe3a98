package notification

import (
	"context"
	"log/slog"
	"time"
)

const (
	KindTransferCompleted = "transfer.completed"
	KindTransferFailed    = "transfer.failed"
	KindSlotContributed   = "slot.contributed"
	KindSlotMissed        = "slot.missed"
	KindSlotPaidOut       = "slot.paid_out"
)

// Message describes a domain event for downstream consumers.
type Message struct {
	Kind        string         `json:"kind"`
	Destination string         `json:"destination"`
	Body        string         `json:"body"`
	Data        map[string]any `json:"data,omitempty"`
	OccurredAt  time.Time      `json:"occurredAt"`
}

// Notifier delivers notifications to downstream systems.
type Notifier interface {
	Send(ctx context.Context, message Message) error
}

// LoggerNotifier writes notifications to the structured logger.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

// Send writes the message to the structured logger.
func (n *LoggerNotifier) Send(_ context.Context, message Message) error {
	if n == nil || n.logger == nil {
		return nil
	}
	n.logger.Info("notification",
		slog.String("kind", message.Kind),
		slog.String("destination", message.Destination),
		slog.String("body", message.Body),
		slog.Any("data", message.Data),
	)
	return nil
}

// Dispatch sends msg and logs, rather than returns, a delivery failure.
// Notifications never fail the operation that produced them.
func Dispatch(ctx context.Context, n Notifier, logger *slog.Logger, msg Message) {
	if n == nil {
		return
	}
	if msg.OccurredAt.IsZero() {
		msg.OccurredAt = time.Now().UTC()
	}
	if err := n.Send(ctx, msg); err != nil && logger != nil {
		logger.Warn("notification delivery failed", slog.String("kind", msg.Kind), slog.Any("error", err))
	}
}
