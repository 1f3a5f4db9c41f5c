package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"unsaid/internal/db"
	"unsaid/internal/domain"
	"unsaid/internal/seal"
)

type Repo struct {
	DB      *sql.DB
	Dialect db.Dialect
	Sealer  *seal.Sealer
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict means the record changed since it was read.
	ErrConflict = errors.New("concurrent modification")
)

// TimeLayout is fixed-width so stored timestamps sort lexically.
const TimeLayout = "2006-01-02T15:04:05.000000000Z"

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn runs statements on tx when one is open, otherwise on the pool, rebinding placeholders.
type conn struct {
	q       querier
	dialect db.Dialect
}

func (r Repo) conn(tx *sql.Tx) conn {
	if tx != nil {
		return conn{q: tx, dialect: r.Dialect}
	}
	return conn{q: r.DB, dialect: r.Dialect}
}

func (c conn) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.q.ExecContext(ctx, c.dialect.Rebind(query), args...)
}

func (c conn) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.q.QueryContext(ctx, c.dialect.Rebind(query), args...)
}

func (c conn) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.q.QueryRowContext(ctx, c.dialect.Rebind(query), args...)
}

type scanner interface {
	Scan(dest ...any) error
}

const submissionColumns = `id,owner_id,message,recipient_name,recipient_contact,contact_type,plan,status,revealed,revealed_at,failure_reason,retry_count,device_id,is_free,version,created_at,updated_at,delivered_at`

func (r Repo) scanSubmission(row scanner) (domain.Submission, error) {
	var (
		s                                   domain.Submission
		revealedAt, failure, device, dlvdAt sql.NullString
		createdAt, updatedAt                string
	)
	err := row.Scan(&s.ID, &s.OwnerID, &s.Message, &s.RecipientName, &s.RecipientContact, &s.ContactType, &s.Plan, &s.Status,
		&s.Revealed, &revealedAt, &failure, &s.RetryCount, &device, &s.IsFree, &s.Version, &createdAt, &updatedAt, &dlvdAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	if s.Message, err = r.Sealer.Open(s.Message); err != nil {
		return s, fmt.Errorf("submission %s: %w", s.ID, err)
	}
	s.FailureReason = failure.String
	s.DeviceID = device.String
	if s.CreatedAt, err = ParseTime(createdAt); err != nil {
		return s, err
	}
	if s.UpdatedAt, err = ParseTime(updatedAt); err != nil {
		return s, err
	}
	if s.RevealedAt, err = parseNullTime(revealedAt); err != nil {
		return s, err
	}
	if s.DeliveredAt, err = parseNullTime(dlvdAt); err != nil {
		return s, err
	}
	return s, nil
}

// CreateSubmissionTx inserts a new record inside the caller's transaction.
func (r Repo) CreateSubmissionTx(ctx context.Context, tx *sql.Tx, s domain.Submission) error {
	message, err := r.Sealer.Seal(s.Message)
	if err != nil {
		return err
	}
	_, err = r.conn(tx).exec(ctx, `INSERT INTO submissions(`+submissionColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		s.ID, s.OwnerID, message, s.RecipientName, s.RecipientContact, string(s.ContactType), string(s.Plan), string(s.Status),
		s.Revealed, nullableTime(s.RevealedAt), nullable(s.FailureReason), s.RetryCount, nullable(s.DeviceID), s.IsFree, s.Version,
		FormatTime(s.CreatedAt), FormatTime(s.UpdatedAt), nullableTime(s.DeliveredAt))
	return err
}

func (r Repo) GetSubmission(ctx context.Context, id string) (domain.Submission, error) {
	return r.scanSubmission(r.conn(nil).queryRow(ctx, `SELECT `+submissionColumns+` FROM submissions WHERE id=?`, id))
}

// UpdateSubmissionTx writes the mutable lifecycle fields if the stored version still equals s.Version.
// deliveredAt is only ever filled, never replaced.
func (r Repo) UpdateSubmissionTx(ctx context.Context, tx *sql.Tx, s domain.Submission) error {
	c := r.conn(tx)
	res, err := c.exec(ctx, `UPDATE submissions SET status=?, revealed=?, revealed_at=COALESCE(revealed_at, ?), failure_reason=?, retry_count=?,
delivered_at=COALESCE(delivered_at, ?), updated_at=?, version=version+1 WHERE id=? AND version=?`,
		string(s.Status), s.Revealed, nullableTime(s.RevealedAt), nullable(s.FailureReason), s.RetryCount,
		nullableTime(s.DeliveredAt), FormatTime(s.UpdatedAt), s.ID, s.Version)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	var exists int
	err = c.queryRow(ctx, `SELECT 1 FROM submissions WHERE id=?`, s.ID).Scan(&exists)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrConflict
}

type SubmissionFilters struct {
	OwnerID         string
	Status          domain.Status
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

// ListSubmissions returns records newest first.
func (r Repo) ListSubmissions(ctx context.Context, f SubmissionFilters) ([]domain.Submission, error) {
	var clauses []string
	var args []any
	if f.OwnerID != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, f.OwnerID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + submissionColumns + ` FROM submissions ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return r.querySubmissions(ctx, query, args...)
}

// ListRevealDue returns unrevealed reveal-plan deliveries made at or before deliveredBefore, oldest first.
func (r Repo) ListRevealDue(ctx context.Context, deliveredBefore time.Time, limit int) ([]domain.Submission, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.querySubmissions(ctx, `SELECT `+submissionColumns+` FROM submissions
WHERE plan=? AND status=? AND revealed=? AND delivered_at IS NOT NULL AND delivered_at <= ?
ORDER BY delivered_at ASC, id ASC LIMIT ?`,
		string(domain.PlanReveal), string(domain.StatusDelivered), false, FormatTime(deliveredBefore), limit)
}

func (r Repo) querySubmissions(ctx context.Context, query string, args ...any) ([]domain.Submission, error) {
	rows, err := r.conn(nil).query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Submission
	for rows.Next() {
		s, err := r.scanSubmission(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// DeviceUsedFreeTx reports whether any free submission was already made from deviceID.
func (r Repo) DeviceUsedFreeTx(ctx context.Context, tx *sql.Tx, deviceID string) (bool, error) {
	if deviceID == "" {
		return false, nil
	}
	var n int
	err := r.conn(tx).queryRow(ctx, `SELECT COUNT(*) FROM submissions WHERE device_id=? AND is_free=?`, deviceID, true).Scan(&n)
	return n > 0, err
}

// CountSubmissions returns how many records ownerID has; an empty owner counts everything.
func (r Repo) CountSubmissions(ctx context.Context, ownerID string) (int, error) {
	query := `SELECT COUNT(*) FROM submissions`
	var args []any
	if ownerID != "" {
		query += ` WHERE owner_id=?`
		args = append(args, ownerID)
	}
	var n int
	err := r.conn(nil).queryRow(ctx, query, args...).Scan(&n)
	return n, err
}

// CountByStatus returns the number of submissions per status.
func (r Repo) CountByStatus(ctx context.Context) (map[domain.Status]int, error) {
	rows, err := r.conn(nil).query(ctx, `SELECT status, COUNT(*) FROM submissions GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[domain.Status]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[domain.Status(status)] = n
	}
	return out, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return FormatTime(*t)
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := ParseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
