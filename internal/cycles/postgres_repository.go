package cycles

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const uniqueViolation = "23505"

// PostgresRepository stores groups and cycles in PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a repository backed by PostgreSQL.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func parseID(id string, notFound error) (uuid.UUID, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, notFound
	}
	return parsed, nil
}

// CreateGroup inserts the group together with its owner membership.
func (r *PostgresRepository) CreateGroup(ctx context.Context, group Group, owner Member) error {
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if _, err := tx.Exec(ctx, `INSERT INTO groups (id, name, owner_user_id, created_at) VALUES ($1, $2, $3, $4)`,
		uuid.MustParse(group.ID), group.Name, group.OwnerUserID, group.CreatedAt); err != nil {
		return fmt.Errorf("insert group: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO group_members (id, group_id, user_id, role, joined_at) VALUES ($1, $2, $3, $4, $5)`,
		uuid.MustParse(owner.ID), uuid.MustParse(owner.GroupID), owner.UserID, owner.Role, owner.JoinedAt); err != nil {
		return fmt.Errorf("insert owner: %w", err)
	}
	return tx.Commit(ctx)
}

// Group fetches a group by id.
func (r *PostgresRepository) Group(ctx context.Context, id string) (Group, error) {
	gid, err := parseID(id, ErrGroupNotFound)
	if err != nil {
		return Group{}, err
	}
	var (
		g     Group
		rowID uuid.UUID
	)
	err = r.db.QueryRow(ctx, `SELECT id, name, owner_user_id, created_at FROM groups WHERE id = $1`, gid).
		Scan(&rowID, &g.Name, &g.OwnerUserID, &g.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Group{}, ErrGroupNotFound
	}
	if err != nil {
		return Group{}, err
	}
	g.ID = rowID.String()
	g.CreatedAt = g.CreatedAt.UTC()
	return g, nil
}

// AddMember inserts a membership; the (group_id, user_id) constraint rejects duplicates.
func (r *PostgresRepository) AddMember(ctx context.Context, member Member) error {
	gid, err := parseID(member.GroupID, ErrGroupNotFound)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `INSERT INTO group_members (id, group_id, user_id, role, joined_at) VALUES ($1, $2, $3, $4, $5)`,
		uuid.MustParse(member.ID), gid, member.UserID, member.Role, member.JoinedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return ErrDuplicateMember
	}
	return err
}

const memberColumns = `id, group_id, user_id, role, joined_at`

func scanMember(row pgx.Row) (Member, error) {
	var (
		m        Member
		id, gid  uuid.UUID
		roleText string
	)
	if err := row.Scan(&id, &gid, &m.UserID, &roleText, &m.JoinedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Member{}, ErrMemberNotFound
		}
		return Member{}, err
	}
	m.ID = id.String()
	m.GroupID = gid.String()
	m.Role = Role(roleText)
	m.JoinedAt = m.JoinedAt.UTC()
	return m, nil
}

// Members lists a group's members in join order.
func (r *PostgresRepository) Members(ctx context.Context, groupID string) ([]Member, error) {
	gid, err := parseID(groupID, ErrGroupNotFound)
	if err != nil {
		return nil, err
	}
	rows, err := r.db.Query(ctx, `SELECT `+memberColumns+` FROM group_members WHERE group_id = $1 ORDER BY joined_at, id`, gid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MemberByUser finds the membership of userID in a group.
func (r *PostgresRepository) MemberByUser(ctx context.Context, groupID, userID string) (Member, error) {
	gid, err := parseID(groupID, ErrMemberNotFound)
	if err != nil {
		return Member{}, err
	}
	return scanMember(r.db.QueryRow(ctx, `SELECT `+memberColumns+` FROM group_members WHERE group_id = $1 AND user_id = $2`, gid, userID))
}

// Member fetches a membership by id.
func (r *PostgresRepository) Member(ctx context.Context, groupID, memberID string) (Member, error) {
	gid, err := parseID(groupID, ErrMemberNotFound)
	if err != nil {
		return Member{}, err
	}
	mid, err := parseID(memberID, ErrMemberNotFound)
	if err != nil {
		return Member{}, err
	}
	return scanMember(r.db.QueryRow(ctx, `SELECT `+memberColumns+` FROM group_members WHERE group_id = $1 AND id = $2`, gid, mid))
}

// UpdateMemberRole changes a member's role.
func (r *PostgresRepository) UpdateMemberRole(ctx context.Context, groupID, memberID string, role Role) (Member, error) {
	gid, err := parseID(groupID, ErrMemberNotFound)
	if err != nil {
		return Member{}, err
	}
	mid, err := parseID(memberID, ErrMemberNotFound)
	if err != nil {
		return Member{}, err
	}
	return scanMember(r.db.QueryRow(ctx, `UPDATE group_members SET role = $3 WHERE group_id = $1 AND id = $2
        RETURNING `+memberColumns, gid, mid, role))
}

// RemoveMember deletes a membership.
func (r *PostgresRepository) RemoveMember(ctx context.Context, groupID, memberID string) error {
	gid, err := parseID(groupID, ErrMemberNotFound)
	if err != nil {
		return err
	}
	mid, err := parseID(memberID, ErrMemberNotFound)
	if err != nil {
		return err
	}
	tag, err := r.db.Exec(ctx, `DELETE FROM group_members WHERE group_id = $1 AND id = $2`, gid, mid)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrMemberNotFound
	}
	return nil
}

// CreateCycle inserts a cycle and its slots in one transaction.
func (r *PostgresRepository) CreateCycle(ctx context.Context, cycle Cycle, slots []Slot) error {
	gid, err := parseID(cycle.GroupID, ErrGroupNotFound)
	if err != nil {
		return err
	}
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if _, err := tx.Exec(ctx, `INSERT INTO cycles (id, group_id, amount, currency, frequency, rotation_strategy, status, start_at, end_at, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		uuid.MustParse(cycle.ID), gid, cycle.Amount, cycle.Currency, cycle.Frequency, cycle.RotationStrategy,
		cycle.Status, cycle.StartAt, cycle.EndAt, cycle.CreatedAt); err != nil {
		return fmt.Errorf("insert cycle: %w", err)
	}

	batch := &pgx.Batch{}
	for _, s := range slots {
		batch.Queue(`INSERT INTO cycle_slots (id, cycle_id, user_id, slot_order, scheduled_at, status, attempt)
            VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			uuid.MustParse(s.ID), uuid.MustParse(s.CycleID), s.UserID, s.Order, s.ScheduledAt, s.Status, s.Attempt)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert slots: %w", err)
	}
	return tx.Commit(ctx)
}

// Cycle fetches a cycle by id.
func (r *PostgresRepository) Cycle(ctx context.Context, id string) (Cycle, error) {
	cid, err := parseID(id, ErrCycleNotFound)
	if err != nil {
		return Cycle{}, err
	}
	var (
		c                         Cycle
		rowID, gid                uuid.UUID
		freq, rotation, statusTxt string
	)
	err = r.db.QueryRow(ctx, `SELECT id, group_id, amount, currency, frequency, rotation_strategy, status, paid_out, start_at, end_at, created_at
        FROM cycles WHERE id = $1`, cid).
		Scan(&rowID, &gid, &c.Amount, &c.Currency, &freq, &rotation, &statusTxt, &c.PaidOut, &c.StartAt, &c.EndAt, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Cycle{}, ErrCycleNotFound
	}
	if err != nil {
		return Cycle{}, err
	}
	c.ID = rowID.String()
	c.GroupID = gid.String()
	c.Frequency = Frequency(freq)
	c.RotationStrategy = RotationStrategy(rotation)
	c.Status = CycleStatus(statusTxt)
	c.CreatedAt = c.CreatedAt.UTC()
	return c, nil
}

// UpdateCycleStatus sets the status and, when given, the start or end time.
func (r *PostgresRepository) UpdateCycleStatus(ctx context.Context, id string, status CycleStatus, startAt, endAt *time.Time) error {
	cid, err := parseID(id, ErrCycleNotFound)
	if err != nil {
		return err
	}
	tag, err := r.db.Exec(ctx, `UPDATE cycles SET status = $2, start_at = COALESCE($3, start_at), end_at = COALESCE($4, end_at)
        WHERE id = $1`, cid, status, startAt, endAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrCycleNotFound
	}
	return nil
}

const slotColumns = `id, cycle_id, user_id, slot_order, scheduled_at, status, attempt, COALESCE(request_id, '')`

func scanSlot(row pgx.Row) (Slot, error) {
	var (
		s         Slot
		id, cid   uuid.UUID
		statusTxt string
	)
	if err := row.Scan(&id, &cid, &s.UserID, &s.Order, &s.ScheduledAt, &statusTxt, &s.Attempt, &s.RequestID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Slot{}, ErrSlotNotFound
		}
		return Slot{}, err
	}
	s.ID = id.String()
	s.CycleID = cid.String()
	s.Status = SlotStatus(statusTxt)
	return s, nil
}

func (r *PostgresRepository) querySlots(ctx context.Context, sql string, args ...any) ([]Slot, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Slots lists a cycle's slots in rotation order.
func (r *PostgresRepository) Slots(ctx context.Context, cycleID string) ([]Slot, error) {
	cid, err := parseID(cycleID, ErrCycleNotFound)
	if err != nil {
		return nil, err
	}
	return r.querySlots(ctx, `SELECT `+slotColumns+` FROM cycle_slots WHERE cycle_id = $1 ORDER BY slot_order`, cid)
}

// Slot fetches one slot of a cycle.
func (r *PostgresRepository) Slot(ctx context.Context, cycleID, slotID string) (Slot, error) {
	cid, err := parseID(cycleID, ErrSlotNotFound)
	if err != nil {
		return Slot{}, err
	}
	sid, err := parseID(slotID, ErrSlotNotFound)
	if err != nil {
		return Slot{}, err
	}
	return scanSlot(r.db.QueryRow(ctx, `SELECT `+slotColumns+` FROM cycle_slots WHERE cycle_id = $1 AND id = $2`, cid, sid))
}

// DueSlots returns pending slots whose scheduled time has passed or is unset.
func (r *PostgresRepository) DueSlots(ctx context.Context, now time.Time) ([]Slot, error) {
	return r.querySlots(ctx, `SELECT `+slotColumns+` FROM cycle_slots
        WHERE status = $1 AND (scheduled_at IS NULL OR scheduled_at <= $2)
        ORDER BY cycle_id, slot_order`, SlotPending, now)
}

// SetSlotStatus records a slot's new status.
func (r *PostgresRepository) SetSlotStatus(ctx context.Context, slotID string, status SlotStatus) error {
	sid, err := parseID(slotID, ErrSlotNotFound)
	if err != nil {
		return err
	}
	tag, err := r.db.Exec(ctx, `UPDATE cycle_slots SET status = $2 WHERE id = $1`, sid, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSlotNotFound
	}
	return nil
}

// SetSlotRequestID records the contribution key of the slot's current attempt.
func (r *PostgresRepository) SetSlotRequestID(ctx context.Context, slotID, requestID string) error {
	sid, err := parseID(slotID, ErrSlotNotFound)
	if err != nil {
		return err
	}
	tag, err := r.db.Exec(ctx, `UPDATE cycle_slots SET request_id = $2 WHERE id = $1`, sid, requestID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSlotNotFound
	}
	return nil
}

// RecordPayout marks the slot paid out and adds amount to the cycle total in one transaction.
func (r *PostgresRepository) RecordPayout(ctx context.Context, cycleID, slotID string, amount decimal.Decimal) error {
	cid, err := parseID(cycleID, ErrCycleNotFound)
	if err != nil {
		return err
	}
	sid, err := parseID(slotID, ErrSlotNotFound)
	if err != nil {
		return err
	}
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	tag, err := tx.Exec(ctx, `UPDATE cycle_slots SET status = $3 WHERE cycle_id = $1 AND id = $2 AND status = $4`,
		cid, sid, SlotPaidOut, SlotContributed)
	if err != nil {
		return fmt.Errorf("mark slot paid out: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, lookupErr := r.Slot(ctx, cycleID, slotID); lookupErr != nil {
			return lookupErr
		}
		return ErrInvalidState
	}
	tag, err = tx.Exec(ctx, `UPDATE cycles SET paid_out = paid_out + $2 WHERE id = $1`, cid, amount)
	if err != nil {
		return fmt.Errorf("add cycle payout: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrCycleNotFound
	}
	return tx.Commit(ctx)
}

// RequeueSlot moves a missed slot back to pending.
func (r *PostgresRepository) RequeueSlot(ctx context.Context, cycleID, slotID string) (Slot, error) {
	cid, err := parseID(cycleID, ErrSlotNotFound)
	if err != nil {
		return Slot{}, err
	}
	sid, err := parseID(slotID, ErrSlotNotFound)
	if err != nil {
		return Slot{}, err
	}
	s, err := scanSlot(r.db.QueryRow(ctx, `UPDATE cycle_slots SET status = $3, attempt = attempt + 1, request_id = NULL
        WHERE cycle_id = $1 AND id = $2 AND status = $4 RETURNING `+slotColumns, cid, sid, SlotPending, SlotMissed))
	if errors.Is(err, ErrSlotNotFound) {
		if _, lookupErr := r.Slot(ctx, cycleID, slotID); lookupErr == nil {
			return Slot{}, ErrInvalidState
		}
	}
	return s, err
}
