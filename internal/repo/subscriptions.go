package repo

import (
	"context"
	"database/sql"
	"time"

	"unsaid/internal/domain"
)

const subscriptionColumns = `id,user_id,plan,order_id,payment_id,status,paid_at,expires_at`

func scanSubscription(row scanner) (domain.Subscription, error) {
	var (
		s                domain.Subscription
		orderID, expires sql.NullString
		paidAt           string
	)
	err := row.Scan(&s.ID, &s.UserID, &s.Plan, &orderID, &s.PaymentID, &s.Status, &paidAt, &expires)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.OrderID = orderID.String
	if s.PaidAt, err = ParseTime(paidAt); err != nil {
		return s, err
	}
	s.ExpiresAt, err = parseNullTime(expires)
	return s, err
}

// InsertSubscriptionTx stores a subscription unless one already exists for the payment id.
// It reports whether a new row was written.
func (r Repo) InsertSubscriptionTx(ctx context.Context, tx *sql.Tx, s domain.Subscription) (bool, error) {
	res, err := r.conn(tx).exec(ctx, `INSERT INTO subscriptions(`+subscriptionColumns+`) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(payment_id) DO NOTHING`,
		s.ID, s.UserID, s.Plan, nullable(s.OrderID), s.PaymentID, string(s.Status), FormatTime(s.PaidAt), nullableTime(s.ExpiresAt))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ActiveSubscription returns the best active subscription of a user at now: one without expiry,
// then the latest unexpired one. An expired row is returned only when nothing valid remains. tx may be nil.
func (r Repo) ActiveSubscription(ctx context.Context, tx *sql.Tx, userID string, now time.Time) (domain.Subscription, error) {
	return scanSubscription(r.conn(tx).queryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions
WHERE user_id=? AND status=?
ORDER BY CASE WHEN expires_at IS NULL THEN 0 WHEN expires_at > ? THEN 1 ELSE 2 END, paid_at DESC, id DESC LIMIT 1`,
		userID, string(domain.SubscriptionActive), FormatTime(now)))
}

// ExpireStaleSubscriptionsTx marks every active subscription of a user that ran out before now as expired
// and returns their ids.
func (r Repo) ExpireStaleSubscriptionsTx(ctx context.Context, tx *sql.Tx, userID string, now time.Time) ([]string, error) {
	rows, err := r.conn(tx).query(ctx, `SELECT id FROM subscriptions
WHERE user_id=? AND status=? AND expires_at IS NOT NULL AND expires_at <= ? ORDER BY paid_at`,
		userID, string(domain.SubscriptionActive), FormatTime(now))
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if err := r.ExpireSubscriptionTx(ctx, tx, id); err != nil {
			return nil, err
		}
	}
	return ids, nil
}

func (r Repo) GetSubscriptionByPayment(ctx context.Context, tx *sql.Tx, paymentID string) (domain.Subscription, error) {
	return scanSubscription(r.conn(tx).queryRow(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE payment_id=?`, paymentID))
}

func (r Repo) ListSubscriptions(ctx context.Context, userID string) ([]domain.Subscription, error) {
	rows, err := r.conn(nil).query(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id=? ORDER BY paid_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) ExpireSubscriptionTx(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := r.conn(tx).exec(ctx, `UPDATE subscriptions SET status=? WHERE id=? AND status=?`,
		string(domain.SubscriptionExpired), id, string(domain.SubscriptionActive))
	return err
}

const orderColumns = `id,user_id,plan,amount,currency,receipt,status,created_at`

func scanOrder(row scanner) (domain.Order, error) {
	var o domain.Order
	var createdAt string
	err := row.Scan(&o.ID, &o.UserID, &o.Plan, &o.Amount, &o.Currency, &o.Receipt, &o.Status, &createdAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	if err != nil {
		return o, err
	}
	o.CreatedAt, err = ParseTime(createdAt)
	return o, err
}

func (r Repo) InsertOrder(ctx context.Context, o domain.Order) error {
	_, err := r.conn(nil).exec(ctx, `INSERT INTO orders(`+orderColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		o.ID, o.UserID, o.Plan, o.Amount, o.Currency, o.Receipt, string(o.Status), FormatTime(o.CreatedAt))
	return err
}

func (r Repo) GetOrder(ctx context.Context, tx *sql.Tx, id string) (domain.Order, error) {
	return scanOrder(r.conn(tx).queryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=?`, id))
}

func (r Repo) MarkOrderPaidTx(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := r.conn(tx).exec(ctx, `UPDATE orders SET status=? WHERE id=?`, string(domain.OrderPaid), id)
	return err
}

// SubscriptionExpiry computes the expiry for a plan duration; zero means no expiry.
func SubscriptionExpiry(paidAt time.Time, duration time.Duration) *time.Time {
	if duration <= 0 {
		return nil
	}
	t := paidAt.Add(duration)
	return &t
}
