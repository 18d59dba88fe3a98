package wallet

import (
	"context"
	"errors"

	"github.com/ajo-platform/ajo/internal/ledger"
)

// ErrForbidden is returned when the caller may not see or debit an account.
var ErrForbidden = errors.New("account belongs to another owner")

// Membership answers whether a user belongs to a group. Group members can
// see the group's escrow account.
type Membership interface {
	IsMember(ctx context.Context, groupID, userID string) (bool, error)
}

// Service exposes wallet operations backed by the ledger.
type Service struct {
	ledger   ledger.Ledger
	members  Membership
	currency string
}

// NewService builds a wallet service instance. members may be nil, in which
// case escrow accounts are visible to nobody through this service.
func NewService(led ledger.Ledger, members Membership, currency string) *Service {
	return &Service{ledger: led, members: members, currency: ledger.NormalizeCurrency(currency)}
}

// Me returns the caller's wallet in currency, creating it on first use.
func (s *Service) Me(ctx context.Context, userID, currency string) (ledger.Account, error) {
	if currency == "" {
		currency = s.currency
	}
	return s.ledger.EnsureUserWallet(ctx, userID, ledger.NormalizeCurrency(currency))
}

// Get returns the account when callerID may see it.
func (s *Service) Get(ctx context.Context, callerID, accountID string) (ledger.Account, error) {
	acc, err := s.ledger.Account(ctx, accountID)
	if err != nil {
		return ledger.Account{}, err
	}
	ok, err := s.CanView(ctx, callerID, acc)
	if err != nil {
		return ledger.Account{}, err
	}
	if !ok {
		return ledger.Account{}, ErrForbidden
	}
	return acc, nil
}

// CanView reports whether callerID owns the wallet or belongs to the group
// owning the escrow.
func (s *Service) CanView(ctx context.Context, callerID string, acc ledger.Account) (bool, error) {
	switch acc.Kind {
	case ledger.KindWallet:
		return acc.OwnerUserID == callerID, nil
	case ledger.KindGroupEscrow:
		if s.members == nil {
			return false, nil
		}
		return s.members.IsMember(ctx, acc.OwnerGroupID, callerID)
	default:
		return false, nil
	}
}

// Owns reports whether callerID may debit the account. Escrow accounts are
// only debited by payouts.
func (s *Service) Owns(callerID string, acc ledger.Account) bool {
	return acc.Kind == ledger.KindWallet && acc.OwnerUserID == callerID
}
