package repo

import (
	"context"
	"database/sql"
)

func (r Repo) AssignOrgRole(ctx context.Context, tx *sql.Tx, orgID, userID, role string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO org_roles(org_id, user_id, role) VALUES (?,?,?)`, orgID, userID, role)
	return err
}

func (r Repo) RevokeOrgRole(ctx context.Context, tx *sql.Tx, orgID, userID, role string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM org_roles WHERE org_id=? AND user_id=? AND role=?`, orgID, userID, role)
	return err
}

func (r Repo) UserHasOrgRole(ctx context.Context, orgID, userID string) (bool, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT 1 FROM org_roles WHERE org_id=? AND user_id=? LIMIT 1`, orgID, userID)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) UserHasSpecificOrgRole(ctx context.Context, orgID, userID, role string) (bool, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT 1 FROM org_roles WHERE org_id=? AND user_id=? AND role=? LIMIT 1`, orgID, userID, role)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) UserOrgRoles(ctx context.Context, orgID, userID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT role FROM org_roles WHERE org_id=? AND user_id=?`, orgID, userID)
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
	return roles, rows.Err()
}
