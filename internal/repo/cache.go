package repo

import (
	"context"
	"database/sql"

	"meterline/internal/domain"
)

// GetCacheEntry returns the cache entry for an org/fingerprint pair
// regardless of status; callers decide reusability.
func (r Repo) GetCacheEntry(ctx context.Context, orgID, fingerprint string) (domain.CacheEntry, error) {
	var e domain.CacheEntry
	var jobID, stats sql.NullString
	err := r.DB.QueryRowContext(ctx,
		`SELECT fingerprint,org_id,job_id,result_ref,stats_json,status,created_at FROM simulation_cache WHERE org_id=? AND fingerprint=?`,
		orgID, fingerprint).Scan(&e.Fingerprint, &e.OrgID, &jobID, &e.ResultRef, &stats, &e.Status, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if jobID.Valid {
		e.JobID = &jobID.String
	}
	if stats.Valid {
		e.Stats = &stats.String
	}
	return e, nil
}

// UpsertCacheEntry writes an entry, replacing any previous one for the same
// org/fingerprint pair so at most one reusable entry exists per org.
func (r Repo) UpsertCacheEntry(ctx context.Context, tx *sql.Tx, e domain.CacheEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO simulation_cache(fingerprint,org_id,job_id,result_ref,stats_json,status,created_at)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT(org_id,fingerprint) DO UPDATE SET job_id=excluded.job_id, result_ref=excluded.result_ref, stats_json=excluded.stats_json, status=excluded.status`,
		e.Fingerprint, e.OrgID, nullableStringPtr(e.JobID), e.ResultRef, nullableStringPtr(e.Stats), e.Status, e.CreatedAt)
	return err
}
