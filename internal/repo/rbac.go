package repo

import (
	"context"
	"database/sql"
	"sort"
)

// RoleAdmin grants access to the administrative submission surface.
const RoleAdmin = "admin"

func (r Repo) GrantRole(ctx context.Context, userID, role string) error {
	if _, err := r.GetUser(ctx, nil, userID); err != nil {
		return err
	}
	_, err := r.conn(nil).exec(ctx, `INSERT INTO user_roles(user_id, role) VALUES (?,?) ON CONFLICT DO NOTHING`, userID, role)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, userID, role string) error {
	_, err := r.conn(nil).exec(ctx, `DELETE FROM user_roles WHERE user_id=? AND role=?`, userID, role)
	return err
}

func userRoles(ctx context.Context, c conn, userID string) ([]string, error) {
	rows, err := c.query(ctx, `SELECT role FROM user_roles WHERE user_id=?`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles, rows.Err()
}

// UserRoles returns the roles granted to userID. tx may be nil.
func (r Repo) UserRoles(ctx context.Context, tx *sql.Tx, userID string) ([]string, error) {
	return userRoles(ctx, r.conn(tx), userID)
}
