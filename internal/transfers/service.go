package transfers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/ajo-platform/ajo/internal/ledger"
	"github.com/ajo-platform/ajo/internal/notification"
	"github.com/ajo-platform/ajo/internal/wallet"
)

var (
	// ErrNotOwner indicates the caller does not own the source account.
	ErrNotOwner = errors.New("not owner of source account")
	// ErrNonPositiveAmount rejects zero and negative amounts at the API edge.
	ErrNonPositiveAmount = errors.New("amount must be positive")
	// ErrRequestIDReused is returned when a request id already names a
	// transfer from an account the caller does not own.
	ErrRequestIDReused = errors.New("request id already used")
)

// Service moves funds between accounts on behalf of authenticated callers.
type Service struct {
	ledger   ledger.Ledger
	wallets  *wallet.Service
	notifier notification.Notifier
	logger   *slog.Logger
	currency string
}

// NewService constructs a transfer service.
func NewService(led ledger.Ledger, wallets *wallet.Service, notifier notification.Notifier, logger *slog.Logger, currency string) *Service {
	return &Service{
		ledger:   led,
		wallets:  wallets,
		notifier: notifier,
		logger:   logger,
		currency: ledger.NormalizeCurrency(currency),
	}
}

// CreateInput captures the data needed to move funds between accounts.
type CreateInput struct {
	RequestID     string
	FromAccountID string
	ToAccountID   string
	Amount        decimal.Decimal
	Currency      string
	CallerID      string
}

// Details is a transfer together with the ledger entries it produced.
type Details struct {
	Transfer ledger.Transfer `json:"transfer"`
	Entries  []ledger.Entry  `json:"entries"`
}

// Create executes the transfer once per request id. A replay returns the
// stored transfer with Replayed set and sends no notification.
func (s *Service) Create(ctx context.Context, in CreateInput) (ledger.Transfer, error) {
	in.RequestID = strings.TrimSpace(in.RequestID)
	if in.RequestID == "" {
		return ledger.Transfer{}, ledger.ErrMissingRequestID
	}
	if !in.Amount.IsPositive() {
		return ledger.Transfer{}, ErrNonPositiveAmount
	}
	if in.Currency == "" {
		in.Currency = s.currency
	}

	from, err := s.ledger.Account(ctx, in.FromAccountID)
	if err != nil {
		return ledger.Transfer{}, err
	}
	if !s.wallets.Owns(in.CallerID, from) {
		return ledger.Transfer{}, ErrNotOwner
	}

	tr, err := s.ledger.CreateTransfer(ctx, ledger.TransferRequest{
		RequestID:     in.RequestID,
		FromAccountID: in.FromAccountID,
		ToAccountID:   in.ToAccountID,
		Amount:        in.Amount,
		Currency:      in.Currency,
		Meta:          map[string]any{"kind": "transfer", "initiated_by": in.CallerID},
	})
	if err != nil {
		return ledger.Transfer{}, err
	}
	if tr.Replayed {
		if tr.FromAccountID != from.ID {
			return ledger.Transfer{}, ErrRequestIDReused
		}
		return tr, nil
	}
	s.notify(ctx, in.CallerID, tr)
	return tr, nil
}

func (s *Service) notify(ctx context.Context, callerID string, tr ledger.Transfer) {
	msg := notification.Message{
		Data: map[string]any{
			"requestId":     tr.RequestID,
			"fromAccountId": tr.FromAccountID,
			"toAccountId":   tr.ToAccountID,
			"amount":        tr.Amount.String(),
			"currency":      tr.Currency,
		},
	}
	switch tr.Status {
	case ledger.StatusCompleted:
		msg.Kind = notification.KindTransferCompleted
		msg.Destination = tr.ToAccountID
		msg.Body = fmt.Sprintf("Received %s %s", tr.Amount.String(), tr.Currency)
	case ledger.StatusFailed:
		msg.Kind = notification.KindTransferFailed
		msg.Destination = callerID
		msg.Body = fmt.Sprintf("Transfer %s failed: %s", tr.RequestID, tr.Error)
	default:
		return
	}
	notification.Dispatch(ctx, s.notifier, s.logger, msg)
}

// Get returns the transfer and its entries when the caller can see either side.
func (s *Service) Get(ctx context.Context, callerID, requestID string) (Details, error) {
	tr, err := s.ledger.TransferByRequestID(ctx, requestID)
	if err != nil {
		return Details{}, err
	}
	if ok, err := s.visible(ctx, callerID, tr); err != nil {
		return Details{}, err
	} else if !ok {
		return Details{}, wallet.ErrForbidden
	}

	entries, err := s.ledger.Entries(ctx, requestID)
	if err != nil {
		return Details{}, err
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	return Details{Transfer: tr, Entries: entries}, nil
}

func (s *Service) visible(ctx context.Context, callerID string, tr ledger.Transfer) (bool, error) {
	for _, id := range []string{tr.FromAccountID, tr.ToAccountID} {
		acc, err := s.ledger.Account(ctx, id)
		if errors.Is(err, ledger.ErrAccountNotFound) {
			continue
		}
		if err != nil {
			return false, err
		}
		ok, err := s.wallets.CanView(ctx, callerID, acc)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}
