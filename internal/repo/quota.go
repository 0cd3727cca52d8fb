package repo

import (
	"context"
	"database/sql"

	"meterline/internal/domain"
)

func (r Repo) GetQuotaTx(ctx context.Context, tx *sql.Tx, orgID string, res domain.QuotaResource) (domain.OrgQuota, error) {
	var q domain.OrgQuota
	var resource string
	err := tx.QueryRowContext(ctx,
		`SELECT org_id,resource,limit_value,used,reset_at FROM org_quotas WHERE org_id=? AND resource=?`,
		orgID, string(res)).Scan(&q.OrgID, &resource, &q.Limit, &q.Used, &q.ResetAt)
	if err == sql.ErrNoRows {
		return q, ErrNotFound
	}
	q.Resource = domain.QuotaResource(resource)
	return q, err
}

func (r Repo) InsertQuotaTx(ctx context.Context, tx *sql.Tx, q domain.OrgQuota) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO org_quotas(org_id,resource,limit_value,used,reset_at) VALUES (?,?,?,?,?)`,
		q.OrgID, string(q.Resource), q.Limit, q.Used, q.ResetAt)
	return err
}

func (r Repo) UpdateQuotaTx(ctx context.Context, tx *sql.Tx, q domain.OrgQuota) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE org_quotas SET limit_value=?, used=?, reset_at=? WHERE org_id=? AND resource=?`,
		q.Limit, q.Used, q.ResetAt, q.OrgID, string(q.Resource))
	return err
}

func (r Repo) ListQuotas(ctx context.Context, orgID string) ([]domain.OrgQuota, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT org_id,resource,limit_value,used,reset_at FROM org_quotas WHERE org_id=? ORDER BY resource`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OrgQuota
	for rows.Next() {
		var q domain.OrgQuota
		var resource string
		if err := rows.Scan(&q.OrgID, &resource, &q.Limit, &q.Used, &q.ResetAt); err != nil {
			return nil, err
		}
		q.Resource = domain.QuotaResource(resource)
		res = append(res, q)
	}
	return res, rows.Err()
}
