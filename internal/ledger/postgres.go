package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PostgresLedger persists accounts, transfers and entries in PostgreSQL. Each
// transfer runs in one database transaction that locks both accounts.
type PostgresLedger struct {
	db *pgxpool.Pool
}

// NewPostgresLedger constructs a Postgres-backed ledger implementation.
func NewPostgresLedger(db *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{db: db}
}

const accountColumns = `id, COALESCE(owner_user_id, ''), owner_group_id, kind, balance, currency, created_at`

const transferColumns = `id, request_id, from_account_id, to_account_id, amount, currency, status, COALESCE(error, ''), created_at`

// EnsureUserWallet finds or creates the user's wallet. The partial unique
// index on (owner_user_id, kind, currency) makes concurrent callers converge.
func (l *PostgresLedger) EnsureUserWallet(ctx context.Context, userID, currency string) (Account, error) {
	if strings.TrimSpace(userID) == "" {
		return Account{}, ErrInvalidOwner
	}
	currency = NormalizeCurrency(currency)

	if _, err := l.db.Exec(ctx, `INSERT INTO wallet_accounts (id, owner_user_id, kind, balance, currency)
        VALUES ($1, $2, $3, 0, $4) ON CONFLICT DO NOTHING`, uuid.New(), userID, KindWallet, currency); err != nil {
		return Account{}, fmt.Errorf("insert wallet: %w", err)
	}

	row := l.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM wallet_accounts
        WHERE owner_user_id = $1 AND kind = $2 AND currency = $3`, userID, KindWallet, currency)
	return scanAccount(row)
}

// EnsureGroupEscrow finds or creates the group's escrow account.
func (l *PostgresLedger) EnsureGroupEscrow(ctx context.Context, groupID, currency string) (Account, error) {
	gid, err := uuid.Parse(groupID)
	if err != nil {
		return Account{}, ErrInvalidOwner
	}
	currency = NormalizeCurrency(currency)

	if _, err := l.db.Exec(ctx, `INSERT INTO wallet_accounts (id, owner_group_id, kind, balance, currency)
        VALUES ($1, $2, $3, 0, $4) ON CONFLICT DO NOTHING`, uuid.New(), gid, KindGroupEscrow, currency); err != nil {
		return Account{}, fmt.Errorf("insert escrow: %w", err)
	}

	row := l.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM wallet_accounts
        WHERE owner_group_id = $1 AND kind = $2 AND currency = $3`, gid, KindGroupEscrow, currency)
	return scanAccount(row)
}

// Account loads an account by id.
func (l *PostgresLedger) Account(ctx context.Context, id string) (Account, error) {
	accountID, err := uuid.Parse(id)
	if err != nil {
		return Account{}, ErrAccountNotFound
	}
	row := l.db.QueryRow(ctx, `SELECT `+accountColumns+` FROM wallet_accounts WHERE id = $1`, accountID)
	return scanAccount(row)
}

// CreateTransfer executes req exactly once per request id.
func (l *PostgresLedger) CreateTransfer(ctx context.Context, req TransferRequest) (Transfer, error) {
	req, err := normalizeRequest(req)
	if err != nil {
		return Transfer{}, err
	}

	existing, err := l.TransferByRequestID(ctx, req.RequestID)
	if err == nil {
		existing.Replayed = true
		return existing, nil
	}
	if !errors.Is(err, ErrTransferNotFound) {
		return Transfer{}, err
	}

	fromID, err := uuid.Parse(req.FromAccountID)
	if err != nil {
		return Transfer{}, ErrAccountNotFound
	}
	toID, err := uuid.Parse(req.ToAccountID)
	if err != nil {
		return Transfer{}, ErrAccountNotFound
	}

	tx, err := l.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Transfer{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	tr := Transfer{
		ID:            uuid.NewString(),
		RequestID:     req.RequestID,
		FromAccountID: fromID.String(),
		ToAccountID:   toID.String(),
		Amount:        req.Amount,
		Currency:      req.Currency,
		Status:        StatusPending,
		CreatedAt:     time.Now().UTC(),
	}

	// A concurrent request with the same id blocks here until the other
	// transaction finishes; if it committed, nothing is inserted.
	tag, err := tx.Exec(ctx, `INSERT INTO transfers (id, request_id, from_account_id, to_account_id, amount, currency, status, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8) ON CONFLICT (request_id) DO NOTHING`,
		uuid.MustParse(tr.ID), tr.RequestID, fromID, toID, tr.Amount, tr.Currency, tr.Status, tr.CreatedAt)
	if err != nil {
		return Transfer{}, fmt.Errorf("insert transfer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if err := tx.Rollback(ctx); err != nil {
			return Transfer{}, err
		}
		existing, err := l.TransferByRequestID(ctx, req.RequestID)
		if err != nil {
			return Transfer{}, err
		}
		existing.Replayed = true
		return existing, nil
	}

	from, to, err := lockPair(ctx, tx, fromID, toID)
	if err != nil {
		return Transfer{}, err
	}
	if from.Currency != tr.Currency || to.Currency != tr.Currency {
		return Transfer{}, ErrCurrencyMismatch
	}

	if from.Balance.LessThan(tr.Amount) {
		tr.Status = StatusFailed
		tr.Error = InsufficientFundsMessage
		if _, err := tx.Exec(ctx, `UPDATE transfers SET status = $2, error = $3 WHERE id = $1`,
			uuid.MustParse(tr.ID), tr.Status, tr.Error); err != nil {
			return Transfer{}, fmt.Errorf("mark transfer failed: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return Transfer{}, err
		}
		return tr, nil
	}

	meta := req.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	if _, err := tx.Exec(ctx, `INSERT INTO ledger_entries (id, request_id, debit_account_id, credit_account_id, amount, currency, meta, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		uuid.New(), tr.RequestID, fromID, toID, tr.Amount, tr.Currency, meta, tr.CreatedAt); err != nil {
		return Transfer{}, fmt.Errorf("insert entry: %w", err)
	}

	fromBalance := RoundToMinorUnit(from.Balance.Sub(tr.Amount), from.Currency)
	toBalance := RoundToMinorUnit(to.Balance.Add(tr.Amount), to.Currency)
	if _, err := tx.Exec(ctx, `UPDATE wallet_accounts SET balance = $2 WHERE id = $1`, fromID, fromBalance); err != nil {
		return Transfer{}, fmt.Errorf("debit account: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE wallet_accounts SET balance = $2 WHERE id = $1`, toID, toBalance); err != nil {
		return Transfer{}, fmt.Errorf("credit account: %w", err)
	}

	tr.Status = StatusCompleted
	if _, err := tx.Exec(ctx, `UPDATE transfers SET status = $2 WHERE id = $1`, uuid.MustParse(tr.ID), tr.Status); err != nil {
		return Transfer{}, fmt.Errorf("mark transfer completed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Transfer{}, err
	}
	return tr, nil
}

// TransferByRequestID loads the transfer stored under requestID.
func (l *PostgresLedger) TransferByRequestID(ctx context.Context, requestID string) (Transfer, error) {
	row := l.db.QueryRow(ctx, `SELECT `+transferColumns+` FROM transfers WHERE request_id = $1`, requestID)
	var (
		tr         Transfer
		id, fromID uuid.UUID
		toID       uuid.UUID
		status     string
	)
	if err := row.Scan(&id, &tr.RequestID, &fromID, &toID, &tr.Amount, &tr.Currency, &status, &tr.Error, &tr.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transfer{}, ErrTransferNotFound
		}
		return Transfer{}, err
	}
	tr.ID = id.String()
	tr.FromAccountID = fromID.String()
	tr.ToAccountID = toID.String()
	tr.Status = TransferStatus(status)
	tr.CreatedAt = tr.CreatedAt.UTC()
	return tr, nil
}

// Entries lists the ledger entries written for requestID.
func (l *PostgresLedger) Entries(ctx context.Context, requestID string) ([]Entry, error) {
	rows, err := l.db.Query(ctx, `SELECT id, request_id, debit_account_id, credit_account_id, amount, currency, meta, created_at
        FROM ledger_entries WHERE request_id = $1 ORDER BY created_at`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e                 Entry
			id, debit, credit uuid.UUID
		)
		if err := rows.Scan(&id, &e.RequestID, &debit, &credit, &e.Amount, &e.Currency, &e.Meta, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.ID = id.String()
		e.DebitAccountID = debit.String()
		e.CreditAccountID = credit.String()
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// lockPair locks both accounts in id order so opposing transfers cannot deadlock.
func lockPair(ctx context.Context, tx pgx.Tx, fromID, toID uuid.UUID) (Account, Account, error) {
	rows, err := tx.Query(ctx, `SELECT `+accountColumns+` FROM wallet_accounts
        WHERE id = ANY($1::uuid[]) ORDER BY id FOR UPDATE`, []string{fromID.String(), toID.String()})
	if err != nil {
		return Account{}, Account{}, err
	}
	defer rows.Close()

	locked := make(map[string]Account, 2)
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return Account{}, Account{}, err
		}
		locked[acc.ID] = acc
	}
	if err := rows.Err(); err != nil {
		return Account{}, Account{}, err
	}

	from, ok := locked[fromID.String()]
	if !ok {
		return Account{}, Account{}, ErrAccountNotFound
	}
	to, ok := locked[toID.String()]
	if !ok {
		return Account{}, Account{}, ErrAccountNotFound
	}
	return from, to, nil
}

func scanAccount(row pgx.Row) (Account, error) {
	var (
		acc     Account
		id      uuid.UUID
		groupID *uuid.UUID
		kind    string
		balance decimal.Decimal
	)
	if err := row.Scan(&id, &acc.OwnerUserID, &groupID, &kind, &balance, &acc.Currency, &acc.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, err
	}
	acc.ID = id.String()
	if groupID != nil {
		acc.OwnerGroupID = groupID.String()
	}
	acc.Kind = AccountKind(kind)
	acc.Balance = balance
	acc.CreatedAt = acc.CreatedAt.UTC()
	return acc, nil
}
