package auth

import (
	"context"
	"database/sql"
	"fmt"
)

// RoleAdmin is required for administrative operations (credit grants, requeue).
const RoleAdmin = "admin"

// ForbiddenError indicates a missing org role.
type ForbiddenError struct {
	OrgID string
	Role  string
}

func (e ForbiddenError) Error() string {
	if e.Role != "" {
		return fmt.Sprintf("role %s required in organization %s", e.Role, e.OrgID)
	}
	return fmt.Sprintf("membership in organization %s required", e.OrgID)
}

// Service provides org-membership checks backed by SQL.
type Service struct {
	DB *sql.DB
}

// RequireMember fails with ForbiddenError unless the user holds any role in
// the organization.
func (s Service) RequireMember(ctx context.Context, orgID, userID string) error {
	ok, err := s.hasRole(ctx, orgID, userID, "")
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{OrgID: orgID}
	}
	return nil
}

// RequireRole fails with ForbiddenError unless the user holds the named role.
func (s Service) RequireRole(ctx context.Context, orgID, userID, role string) error {
	ok, err := s.hasRole(ctx, orgID, userID, role)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{OrgID: orgID, Role: role}
	}
	return nil
}

func (s Service) hasRole(ctx context.Context, orgID, userID, role string) (bool, error) {
	query := `SELECT 1 FROM org_roles WHERE org_id=? AND user_id=?`
	args := []any{orgID, userID}
	if role != "" {
		query += ` AND role=?`
		args = append(args, role)
	}
	row := s.DB.QueryRowContext(ctx, query+` LIMIT 1`, args...)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}
