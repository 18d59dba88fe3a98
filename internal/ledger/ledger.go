package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrAccountNotFound occurs when a transfer names an account that does not exist.
	ErrAccountNotFound = errors.New("account not found")

	// ErrTransferNotFound is returned when no transfer carries the requested request id.
	ErrTransferNotFound = errors.New("transfer not found")

	// ErrMissingRequestID rejects transfers without an idempotency key.
	ErrMissingRequestID = errors.New("request id is required")

	// ErrInvalidAmount rejects negative transfer amounts.
	ErrInvalidAmount = errors.New("amount must not be negative")

	// ErrAmountPrecision rejects amounts finer than the currency's minor unit.
	ErrAmountPrecision = errors.New("amount has more decimal places than the currency allows")

	// ErrCurrencyMismatch rejects transfers whose accounts are not both held in the transfer currency.
	ErrCurrencyMismatch = errors.New("account currency does not match transfer currency")

	// ErrSameAccount rejects transfers whose source and destination coincide.
	ErrSameAccount = errors.New("source and destination accounts must differ")

	// ErrInvalidOwner is returned when an account owner id is empty or malformed.
	ErrInvalidOwner = errors.New("invalid account owner")
)

// InsufficientFundsMessage is recorded on transfers that failed for lack of balance.
const InsufficientFundsMessage = "Insufficient funds"

// AccountKind distinguishes user wallets from group escrow accounts.
type AccountKind string

const (
	KindWallet      AccountKind = "wallet"
	KindGroupEscrow AccountKind = "group_escrow"
)

// TransferStatus is the lifecycle state of a transfer. Completed and failed are terminal.
type TransferStatus string

const (
	StatusPending   TransferStatus = "pending"
	StatusCompleted TransferStatus = "completed"
	StatusFailed    TransferStatus = "failed"
)

// Account is a balance holder owned by exactly one user or one group.
type Account struct {
	ID           string          `json:"id"`
	OwnerUserID  string          `json:"ownerUserId,omitempty"`
	OwnerGroupID string          `json:"ownerGroupId,omitempty"`
	Kind         AccountKind     `json:"kind"`
	Balance      decimal.Decimal `json:"balance"`
	Currency     string          `json:"currency"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// Transfer is a request to move value between two accounts, keyed by RequestID.
type Transfer struct {
	ID            string          `json:"id"`
	RequestID     string          `json:"requestId"`
	FromAccountID string          `json:"fromAccountId"`
	ToAccountID   string          `json:"toAccountId"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Status        TransferStatus  `json:"status"`
	Error         string          `json:"error,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`

	// Replayed is set when the transfer already existed for the request id.
	Replayed bool `json:"-"`
}

// Entry is the immutable double-entry record of a completed transfer.
type Entry struct {
	ID              string          `json:"id"`
	RequestID       string          `json:"requestId"`
	DebitAccountID  string          `json:"debitAccountId"`
	CreditAccountID string          `json:"creditAccountId"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
	Meta            map[string]any  `json:"meta,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// TransferRequest describes a transfer to create.
type TransferRequest struct {
	RequestID     string
	FromAccountID string
	ToAccountID   string
	Amount        decimal.Decimal
	Currency      string
	Meta          map[string]any
}

// Ledger defines the contract implemented by ledger backends (e.g. Postgres).
type Ledger interface {
	// EnsureUserWallet returns the user's wallet in currency, creating it if needed.
	EnsureUserWallet(ctx context.Context, userID, currency string) (Account, error)
	// EnsureGroupEscrow returns the group's escrow account in currency, creating it if needed.
	EnsureGroupEscrow(ctx context.Context, groupID, currency string) (Account, error)
	Account(ctx context.Context, id string) (Account, error)
	// CreateTransfer executes a transfer at most once per request id. Lack of
	// funds is not an error: the transfer is returned with StatusFailed.
	CreateTransfer(ctx context.Context, req TransferRequest) (Transfer, error)
	TransferByRequestID(ctx context.Context, requestID string) (Transfer, error)
	Entries(ctx context.Context, requestID string) ([]Entry, error)
}
