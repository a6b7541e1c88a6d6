package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/avvvet/ohgo-stamp-services/internal/stampsvc/models"
)

//go:embed schema.sql
var schemaSQL string

const memberColumns = `id, name, birth_date, role, push_token, last_stamp_at, created_at`
const couponColumns = `id, member_id, issued_date, issued_at, used, used_at, used_date`

type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func scanMember(row pgx.Row) (*models.Member, error) {
	m := &models.Member{}
	var pushToken *string
	err := row.Scan(
		&m.ID,
		&m.Name,
		&m.BirthDate,
		&m.Role,
		&pushToken,
		&m.LastStampAt,
		&m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if pushToken != nil {
		m.PushToken = *pushToken
	}
	return m, nil
}

func scanCoupon(row pgx.Row) (*models.Coupon, error) {
	c := &models.Coupon{}
	var usedDate *string
	err := row.Scan(
		&c.ID,
		&c.MemberID,
		&c.IssuedDate,
		&c.IssuedAt,
		&c.Used,
		&c.UsedAt,
		&usedDate,
	)
	if err != nil {
		return nil, err
	}
	if usedDate != nil {
		c.UsedDate = *usedDate
	}
	return c, nil
}

// FindOrCreateMember relies on the unique_member_identity constraint, so two first
// logins racing on the same identity end up with one record.
func (s *PostgresStore) FindOrCreateMember(ctx context.Context, candidate models.Member) (*models.Member, bool, error) {
	tag, err := s.db.Exec(ctx, `
        INSERT INTO members (id, name, birth_date, role, created_at)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT ON CONSTRAINT unique_member_identity DO NOTHING
    `, candidate.ID, candidate.Name, candidate.BirthDate, candidate.Role, candidate.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("could not create member: %w", err)
	}

	m, err := scanMember(s.db.QueryRow(ctx,
		`SELECT `+memberColumns+` FROM members WHERE name = $1 AND birth_date = $2`,
		candidate.Name, candidate.BirthDate))
	if err != nil {
		return nil, false, fmt.Errorf("could not load member: %w", err)
	}
	return m, tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) GetMember(ctx context.Context, memberID string) (*models.Member, error) {
	return getMember(ctx, s.db, memberID)
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getMember(ctx context.Context, q queryRower, memberID string) (*models.Member, error) {
	m, err := scanMember(q.QueryRow(ctx, `SELECT `+memberColumns+` FROM members WHERE id = $1`, memberID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get member %s: %w", memberID, err)
	}
	return m, nil
}

func (s *PostgresStore) ListAdmins(ctx context.Context) ([]models.Member, error) {
	rows, err := s.db.Query(ctx, `SELECT `+memberColumns+` FROM members WHERE role = $1 ORDER BY created_at`, models.RoleAdmin)
	if err != nil {
		return nil, fmt.Errorf("list admins: %w", err)
	}
	defer rows.Close()

	var admins []models.Member
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		admins = append(admins, *m)
	}
	return admins, rows.Err()
}

func (s *PostgresStore) SetPushToken(ctx context.Context, memberID, token string) error {
	var value *string
	if token != "" {
		value = &token
	}
	tag, err := s.db.Exec(ctx, `UPDATE members SET push_token = $2 WHERE id = $1`, memberID, value)
	if err != nil {
		return fmt.Errorf("set push token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListStamps(ctx context.Context, memberID string) ([]models.Stamp, error) {
	rows, err := s.db.Query(ctx, `
        SELECT id, member_id, date, method, created_at
        FROM stamps
        WHERE member_id = $1
        ORDER BY created_at
    `, memberID)
	if err != nil {
		return nil, fmt.Errorf("list stamps: %w", err)
	}
	defer rows.Close()

	stamps := []models.Stamp{}
	for rows.Next() {
		var st models.Stamp
		if err := rows.Scan(&st.ID, &st.MemberID, &st.Date, &st.Method, &st.CreatedAt); err != nil {
			return nil, err
		}
		stamps = append(stamps, st)
	}
	return stamps, rows.Err()
}

func (s *PostgresStore) ListCoupons(ctx context.Context, memberID string) ([]models.Coupon, error) {
	rows, err := s.db.Query(ctx, `SELECT `+couponColumns+` FROM coupons WHERE member_id = $1 ORDER BY issued_at, id`, memberID)
	if err != nil {
		return nil, fmt.Errorf("list coupons: %w", err)
	}
	defer rows.Close()

	coupons := []models.Coupon{}
	for rows.Next() {
		c, err := scanCoupon(rows)
		if err != nil {
			return nil, err
		}
		coupons = append(coupons, *c)
	}
	return coupons, rows.Err()
}

func (s *PostgresStore) CountUnusedCoupons(ctx context.Context, memberID string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM coupons WHERE member_id = $1 AND used = false`, memberID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count coupons: %w", err)
	}
	return n, nil
}

// RedeemOldestCoupon skips rows locked by a concurrent redemption, so two callers
// never consume the same coupon and neither waits on the other.
func (s *PostgresStore) RedeemOldestCoupon(ctx context.Context, memberID string, usedAt time.Time, usedDate string) (*models.Coupon, error) {
	const query = `
WITH next_coupon AS (
  SELECT id
  FROM coupons
  WHERE member_id = $1
    AND used = false
  ORDER BY issued_at, id
  LIMIT 1
  FOR UPDATE SKIP LOCKED
)
UPDATE coupons c
SET used = true, used_at = $2, used_date = $3
FROM next_coupon nc
WHERE c.id = nc.id
RETURNING c.id, c.member_id, c.issued_date, c.issued_at, c.used, c.used_at, c.used_date;
`
	c, err := scanCoupon(s.db.QueryRow(ctx, query, memberID, usedAt, usedDate))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, err := s.GetMember(ctx, memberID); err != nil {
			return nil, err
		}
		return nil, ErrNoCoupon
	}
	if err != nil {
		return nil, fmt.Errorf("redeem coupon: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) DeleteUsedCoupon(ctx context.Context, memberID, couponID string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM coupons WHERE id = $1 AND member_id = $2 AND used = true`, couponID, memberID)
	if err != nil {
		return fmt.Errorf("delete coupon: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	err = s.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM coupons WHERE id = $1 AND member_id = $2)`, couponID, memberID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("lookup coupon: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrCouponUnused
}

// DeleteMember locks the member row before touching children, which queues it
// behind any accrual holding the same lock.
func (s *PostgresStore) DeleteMember(ctx context.Context, memberID string) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT id FROM members WHERE id = $1 FOR UPDATE`, memberID); err != nil {
		return fmt.Errorf("lock member: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM stamps WHERE member_id = $1`, memberID); err != nil {
		return fmt.Errorf("delete stamps: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM coupons WHERE member_id = $1`, memberID); err != nil {
		return fmt.Errorf("delete coupons: %w", err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM members WHERE id = $1`, memberID)
	if err != nil {
		return fmt.Errorf("delete member: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) WithMemberTx(ctx context.Context, memberID string, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(ctx, &pgTx{tx: tx, memberID: memberID}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type pgTx struct {
	tx       pgx.Tx
	memberID string
}

func (t *pgTx) scope(memberID string) error {
	if memberID != t.memberID {
		return fmt.Errorf("transaction for member %s cannot touch member %s", t.memberID, memberID)
	}
	return nil
}

// ClaimAccrual takes the member row lock. A concurrent claim blocks on it and then
// re-checks last_stamp_at against the committed value.
func (t *pgTx) ClaimAccrual(ctx context.Context, memberID string, now time.Time, minInterval time.Duration) (bool, time.Time, error) {
	if err := t.scope(memberID); err != nil {
		return false, time.Time{}, err
	}

	tag, err := t.tx.Exec(ctx, `
        UPDATE members
        SET last_stamp_at = $2
        WHERE id = $1
          AND (last_stamp_at IS NULL OR last_stamp_at <= $3)
    `, memberID, now, now.Add(-minInterval))
	if err != nil {
		return false, time.Time{}, fmt.Errorf("claim accrual: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, time.Time{}, nil
	}

	m, err := getMember(ctx, t.tx, memberID)
	if err != nil {
		return false, time.Time{}, err
	}
	if m.LastStampAt == nil {
		return false, time.Time{}, fmt.Errorf("claim accrual: member %s changed during claim", memberID)
	}
	return false, *m.LastStampAt, nil
}

func (t *pgTx) InsertStamp(ctx context.Context, stamp models.Stamp) error {
	if err := t.scope(stamp.MemberID); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx, `
        INSERT INTO stamps (id, member_id, date, method, created_at)
        VALUES ($1, $2, $3, $4, $5)
    `, stamp.ID, stamp.MemberID, stamp.Date, string(stamp.Method), stamp.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert stamp: %w", err)
	}
	return nil
}

func (t *pgTx) CountStamps(ctx context.Context, memberID string) (int, error) {
	if err := t.scope(memberID); err != nil {
		return 0, err
	}
	var n int
	if err := t.tx.QueryRow(ctx, `SELECT COUNT(*) FROM stamps WHERE member_id = $1`, memberID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count stamps: %w", err)
	}
	return n, nil
}

func (t *pgTx) InsertCoupon(ctx context.Context, coupon models.Coupon) error {
	if err := t.scope(coupon.MemberID); err != nil {
		return err
	}
	_, err := t.tx.Exec(ctx, `
        INSERT INTO coupons (id, member_id, issued_date, issued_at, used)
        VALUES ($1, $2, $3, $4, $5)
    `, coupon.ID, coupon.MemberID, coupon.IssuedDate, coupon.IssuedAt, coupon.Used)
	if err != nil {
		return fmt.Errorf("insert coupon: %w", err)
	}
	return nil
}

func (t *pgTx) ClearStamps(ctx context.Context, memberID string) (int, error) {
	if err := t.scope(memberID); err != nil {
		return 0, err
	}
	tag, err := t.tx.Exec(ctx, `DELETE FROM stamps WHERE member_id = $1`, memberID)
	if err != nil {
		return 0, fmt.Errorf("clear stamps: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
