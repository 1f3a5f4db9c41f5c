package repo

import (
	"context"
	"database/sql"

	"unsaid/internal/domain"
)

const userColumns = `id,external_id,email,name,picture_url,free_remaining,device_used_free,developer,created_at`

func (r Repo) scanUser(ctx context.Context, c conn, row scanner) (domain.User, error) {
	var (
		u               domain.User
		picture, device sql.NullString
		createdAt       string
	)
	err := row.Scan(&u.ID, &u.ExternalID, &u.Email, &u.Name, &picture, &u.FreeRemaining, &device, &u.Developer, &createdAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	u.PictureURL = picture.String
	u.DeviceUsedFree = device.String
	if u.CreatedAt, err = ParseTime(createdAt); err != nil {
		return u, err
	}
	u.Roles, err = userRoles(ctx, c, u.ID)
	return u, err
}

// UpsertUserByExternalID creates the user on first sign-in (with the given free quota) and refreshes the profile afterwards.
func (r Repo) UpsertUserByExternalID(ctx context.Context, u domain.User) (domain.User, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()
	c := r.conn(tx)
	_, err = c.exec(ctx, `INSERT INTO users(`+userColumns+`) VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(external_id) DO UPDATE SET email=excluded.email, name=excluded.name, picture_url=excluded.picture_url`,
		u.ID, u.ExternalID, u.Email, u.Name, nullable(u.PictureURL), u.FreeRemaining, nullable(u.DeviceUsedFree), u.Developer, FormatTime(u.CreatedAt))
	if err != nil {
		return domain.User{}, err
	}
	out, err := r.scanUser(ctx, c, c.queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE external_id=?`, u.ExternalID))
	if err != nil {
		return domain.User{}, err
	}
	return out, tx.Commit()
}

// GetUser loads a user and its roles. tx may be nil.
func (r Repo) GetUser(ctx context.Context, tx *sql.Tx, id string) (domain.User, error) {
	c := r.conn(tx)
	return r.scanUser(ctx, c, c.queryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, id))
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	c := r.conn(nil)
	rows, err := c.query(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	var res []domain.User
	for rows.Next() {
		var u domain.User
		var picture, device sql.NullString
		var createdAt string
		if err := rows.Scan(&u.ID, &u.ExternalID, &u.Email, &u.Name, &picture, &u.FreeRemaining, &device, &u.Developer, &createdAt); err != nil {
			rows.Close()
			return nil, err
		}
		u.PictureURL, u.DeviceUsedFree = picture.String, device.String
		if u.CreatedAt, err = ParseTime(createdAt); err != nil {
			rows.Close()
			return nil, err
		}
		res = append(res, u)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	for i := range res {
		if res[i].Roles, err = userRoles(ctx, c, res[i].ID); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// ConsumeFreeMessageTx takes one free slot if any remain. It reports false when the quota is exhausted.
func (r Repo) ConsumeFreeMessageTx(ctx context.Context, tx *sql.Tx, userID, deviceID string) (bool, error) {
	res, err := r.conn(tx).exec(ctx, `UPDATE users SET free_remaining=free_remaining-1, device_used_free=COALESCE(?, device_used_free)
WHERE id=? AND free_remaining > 0`, nullable(deviceID), userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// SetDeveloper toggles unlimited developer sends. tx may be nil.
func (r Repo) SetDeveloper(ctx context.Context, tx *sql.Tx, userID string, developer bool) error {
	res, err := r.conn(tx).exec(ctx, `UPDATE users SET developer=? WHERE id=?`, developer, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
