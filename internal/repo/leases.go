package repo

import (
	"context"
	"database/sql"

	"unsaid/internal/domain"
)

// AcquireLease takes the dispatch lease for a submission when nobody holds it or the previous holder's lease expired.
func (r Repo) AcquireLease(ctx context.Context, l domain.DispatchLease) (bool, error) {
	res, err := r.conn(nil).exec(ctx, `INSERT INTO dispatch_leases(submission_id, holder_id, acquired_at, expires_at) VALUES (?,?,?,?)
ON CONFLICT(submission_id) DO UPDATE SET holder_id=excluded.holder_id, acquired_at=excluded.acquired_at, expires_at=excluded.expires_at
WHERE dispatch_leases.expires_at <= excluded.acquired_at`,
		l.SubmissionID, l.HolderID, FormatTime(l.AcquiredAt), FormatTime(l.ExpiresAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ReleaseLease drops the lease only if holderID still owns it.
func (r Repo) ReleaseLease(ctx context.Context, submissionID, holderID string) error {
	_, err := r.conn(nil).exec(ctx, `DELETE FROM dispatch_leases WHERE submission_id=? AND holder_id=?`, submissionID, holderID)
	return err
}

func (r Repo) GetLease(ctx context.Context, submissionID string) (domain.DispatchLease, error) {
	var (
		l                 domain.DispatchLease
		acquired, expires string
	)
	err := r.conn(nil).queryRow(ctx, `SELECT submission_id, holder_id, acquired_at, expires_at FROM dispatch_leases WHERE submission_id=?`, submissionID).
		Scan(&l.SubmissionID, &l.HolderID, &acquired, &expires)
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	if err != nil {
		return l, err
	}
	if l.AcquiredAt, err = ParseTime(acquired); err != nil {
		return l, err
	}
	l.ExpiresAt, err = ParseTime(expires)
	return l, err
}
