package ledger

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// inMemoryLedger serialises every operation behind one mutex, which makes each
// transfer a single atomic unit.
type inMemoryLedger struct {
	mu        sync.Mutex
	accounts  map[string]*Account
	owners    map[string]string
	transfers map[string]Transfer
	entries   []Entry
}

// NewInMemory creates a concurrency-safe in-memory ledger useful for unit tests
// and local development.
func NewInMemory() Ledger {
	return &inMemoryLedger{
		accounts:  make(map[string]*Account),
		owners:    make(map[string]string),
		transfers: make(map[string]Transfer),
	}
}

func ownerKey(kind AccountKind, owner, currency string) string {
	return strings.Join([]string{string(kind), owner, currency}, "|")
}

func (l *inMemoryLedger) EnsureUserWallet(_ context.Context, userID, currency string) (Account, error) {
	if strings.TrimSpace(userID) == "" {
		return Account{}, ErrInvalidOwner
	}
	return l.ensure(KindWallet, userID, NormalizeCurrency(currency)), nil
}

func (l *inMemoryLedger) EnsureGroupEscrow(_ context.Context, groupID, currency string) (Account, error) {
	if strings.TrimSpace(groupID) == "" {
		return Account{}, ErrInvalidOwner
	}
	return l.ensure(KindGroupEscrow, groupID, NormalizeCurrency(currency)), nil
}

func (l *inMemoryLedger) ensure(kind AccountKind, owner, currency string) Account {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := ownerKey(kind, owner, currency)
	if id, ok := l.owners[key]; ok {
		return *l.accounts[id]
	}

	acc := &Account{
		ID:        uuid.NewString(),
		Kind:      kind,
		Balance:   decimal.Zero,
		Currency:  currency,
		CreatedAt: time.Now().UTC(),
	}
	if kind == KindWallet {
		acc.OwnerUserID = owner
	} else {
		acc.OwnerGroupID = owner
	}
	l.accounts[acc.ID] = acc
	l.owners[key] = acc.ID
	return *acc
}

func (l *inMemoryLedger) Account(_ context.Context, id string) (Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[id]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return *acc, nil
}

func (l *inMemoryLedger) CreateTransfer(_ context.Context, req TransferRequest) (Transfer, error) {
	req, err := normalizeRequest(req)
	if err != nil {
		return Transfer{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.transfers[req.RequestID]; ok {
		existing.Replayed = true
		return existing, nil
	}

	from, ok := l.accounts[req.FromAccountID]
	if !ok {
		return Transfer{}, ErrAccountNotFound
	}
	to, ok := l.accounts[req.ToAccountID]
	if !ok {
		return Transfer{}, ErrAccountNotFound
	}
	if from.Currency != req.Currency || to.Currency != req.Currency {
		return Transfer{}, ErrCurrencyMismatch
	}

	now := time.Now().UTC()
	tr := Transfer{
		ID:            uuid.NewString(),
		RequestID:     req.RequestID,
		FromAccountID: from.ID,
		ToAccountID:   to.ID,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Status:        StatusPending,
		CreatedAt:     now,
	}

	if from.Balance.LessThan(req.Amount) {
		tr.Status = StatusFailed
		tr.Error = InsufficientFundsMessage
		l.transfers[tr.RequestID] = tr
		return tr, nil
	}

	l.entries = append(l.entries, Entry{
		ID:              uuid.NewString(),
		RequestID:       tr.RequestID,
		DebitAccountID:  from.ID,
		CreditAccountID: to.ID,
		Amount:          req.Amount,
		Currency:        req.Currency,
		Meta:            copyMeta(req.Meta),
		CreatedAt:       now,
	})
	from.Balance = RoundToMinorUnit(from.Balance.Sub(req.Amount), from.Currency)
	to.Balance = RoundToMinorUnit(to.Balance.Add(req.Amount), to.Currency)

	tr.Status = StatusCompleted
	l.transfers[tr.RequestID] = tr
	return tr, nil
}

func (l *inMemoryLedger) TransferByRequestID(_ context.Context, requestID string) (Transfer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tr, ok := l.transfers[requestID]
	if !ok {
		return Transfer{}, ErrTransferNotFound
	}
	return tr, nil
}

func (l *inMemoryLedger) Entries(_ context.Context, requestID string) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Entry
	for _, e := range l.entries {
		if e.RequestID == requestID {
			out = append(out, e)
		}
	}
	return out, nil
}

func copyMeta(meta map[string]any) map[string]any {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
