package repo

import (
	"context"
	"database/sql"

	"meterline/internal/domain"
)

func (r Repo) InsertUsageRecord(ctx context.Context, tx *sql.Tx, u domain.UsageRecord) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO usage_records(id,org_id,user_id,job_id,credits,category,description,metadata,created_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		u.ID, u.OrgID, nullableStringPtr(u.UserID), nullableStringPtr(u.JobID), u.Credits,
		u.Category, nullable(u.Description), nullableStringPtr(u.Metadata), u.CreatedAt)
	return err
}

// SumUsage returns the signed credit total for an org between from (inclusive)
// and until (exclusive). Timestamps are RFC3339 UTC so string comparison
// matches chronological order.
func (r Repo) SumUsage(ctx context.Context, orgID, from, until string) (int64, error) {
	return sumUsage(ctx, r.DB, orgID, from, until)
}

func (r Repo) SumUsageTx(ctx context.Context, tx *sql.Tx, orgID, from, until string) (int64, error) {
	return sumUsage(ctx, tx, orgID, from, until)
}

func sumUsage(ctx context.Context, q querier, orgID, from, until string) (int64, error) {
	var total sql.NullInt64
	err := q.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(credits),0) FROM usage_records WHERE org_id=? AND created_at >= ? AND created_at < ?`,
		orgID, from, until).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total.Int64, nil
}

type UsageFilters struct {
	OrgID    string
	Category string
	From     string
	Until    string
	Limit    int
}

func (r Repo) ListUsageRecords(ctx context.Context, f UsageFilters) ([]domain.UsageRecord, error) {
	query := `SELECT id,org_id,user_id,job_id,credits,category,COALESCE(description,''),metadata,created_at FROM usage_records WHERE org_id=?`
	args := []any{f.OrgID}
	if f.Category != "" {
		query += ` AND category=?`
		args = append(args, f.Category)
	}
	if f.From != "" {
		query += ` AND created_at >= ?`
		args = append(args, f.From)
	}
	if f.Until != "" {
		query += ` AND created_at < ?`
		args = append(args, f.Until)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.UsageRecord
	for rows.Next() {
		var u domain.UsageRecord
		var userID, jobID, metadata sql.NullString
		if err := rows.Scan(&u.ID, &u.OrgID, &userID, &jobID, &u.Credits, &u.Category, &u.Description, &metadata, &u.CreatedAt); err != nil {
			return nil, err
		}
		if userID.Valid {
			u.UserID = &userID.String
		}
		if jobID.Valid {
			u.JobID = &jobID.String
		}
		if metadata.Valid {
			u.Metadata = &metadata.String
		}
		res = append(res, u)
	}
	return res, rows.Err()
}
