package repo

import (
	"context"
	"database/sql"
	"strings"

	"meterline/internal/domain"
)

func (r Repo) InsertJob(ctx context.Context, tx *sql.Tx, j domain.Job) error {
	logs, err := domain.EncodeJobLogs(j.Logs)
	if err != nil {
		return err
	}
	var payload any
	if len(j.Payload) > 0 {
		payload = string(j.Payload)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO jobs(id,type,org_id,object_id,status,progress,logs_json,priority,queue,attempts,max_attempts,idempotency_key,payload_json,error,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, string(j.Type), nullableStringPtr(j.OrgID), nullableStringPtr(j.ObjectID), string(j.Status), j.Progress,
		string(logs), j.Priority, j.Queue, j.Attempts, j.MaxAttempts, nullableStringPtr(j.IdempotencyKey),
		payload, nullableStringPtr(j.Error), j.CreatedAt, j.UpdatedAt)
	return err
}

func (r Repo) UpdateJob(ctx context.Context, tx *sql.Tx, j domain.Job) error {
	logs, err := domain.EncodeJobLogs(j.Logs)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE jobs SET status=?, progress=?, logs_json=?, attempts=?, error=?, updated_at=? WHERE id=?`,
		string(j.Status), j.Progress, string(logs), j.Attempts, nullableStringPtr(j.Error), j.UpdatedAt, j.ID)
	return err
}

const jobColumns = `id,type,org_id,object_id,status,progress,logs_json,priority,queue,attempts,max_attempts,idempotency_key,payload_json,error,created_at,updated_at`

func scanJob(scan func(dest ...any) error) (domain.Job, error) {
	var j domain.Job
	var typ, status, logsJSON string
	var orgID, objectID, idemKey, payload, jobErr sql.NullString
	err := scan(&j.ID, &typ, &orgID, &objectID, &status, &j.Progress, &logsJSON,
		&j.Priority, &j.Queue, &j.Attempts, &j.MaxAttempts, &idemKey, &payload, &jobErr,
		&j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return j, ErrNotFound
	}
	if err != nil {
		return j, err
	}
	j.Type = domain.JobType(typ)
	j.Status = domain.JobStatus(status)
	j.Logs = domain.DecodeJobLogs([]byte(logsJSON))
	if orgID.Valid {
		j.OrgID = &orgID.String
	}
	if objectID.Valid {
		j.ObjectID = &objectID.String
	}
	if idemKey.Valid {
		j.IdempotencyKey = &idemKey.String
	}
	if payload.Valid {
		j.Payload = []byte(payload.String)
	}
	if jobErr.Valid {
		j.Error = &jobErr.String
	}
	return j, nil
}

func (r Repo) GetJob(ctx context.Context, id string) (domain.Job, error) {
	return getJob(ctx, r.DB, id)
}

func (r Repo) GetJobTx(ctx context.Context, tx *sql.Tx, id string) (domain.Job, error) {
	return getJob(ctx, tx, id)
}

func getJob(ctx context.Context, q querier, id string) (domain.Job, error) {
	row := q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id)
	return scanJob(row.Scan)
}

// GetActiveJobByKey returns the job bound to an idempotency key while it is
// still in an active status, or ErrNotFound.
func (r Repo) GetActiveJobByKey(ctx context.Context, tx *sql.Tx, key string) (domain.Job, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE idempotency_key=? AND status IN ('queued','running','retrying') LIMIT 1`, key)
	return scanJob(row.Scan)
}

type JobFilters struct {
	Status        string
	OrgID         string
	Type          string
	Queue         string
	CreatedAfter  string
	CreatedBefore string
	Limit         int
	Offset        int
}

// ListJobs returns matching jobs ordered by creation time (newest first,
// id as tiebreaker for stability) plus the unpaginated total.
func (r Repo) ListJobs(ctx context.Context, f JobFilters) ([]domain.Job, int, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.OrgID != "" {
		clauses = append(clauses, "org_id=?")
		args = append(args, f.OrgID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Queue != "" {
		clauses = append(clauses, "queue=?")
		args = append(args, f.Queue)
	}
	if f.CreatedAfter != "" {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, f.CreatedAfter)
	}
	if f.CreatedBefore != "" {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, f.CreatedBefore)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM jobs `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + jobColumns + ` FROM jobs ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, f.Offset)
		}
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var res []domain.Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, 0, err
		}
		res = append(res, j)
	}
	return res, total, rows.Err()
}

// NextQueuedJob returns the highest-priority queued or retrying job on a
// queue, oldest first within a priority. Used by polling workers.
func (r Repo) NextQueuedJob(ctx context.Context, queue string) (domain.Job, error) {
	return nextQueuedJob(ctx, r.DB, queue)
}

func (r Repo) NextQueuedJobTx(ctx context.Context, tx *sql.Tx, queue string) (domain.Job, error) {
	return nextQueuedJob(ctx, tx, queue)
}

func nextQueuedJob(ctx context.Context, q querier, queue string) (domain.Job, error) {
	row := q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs
WHERE queue=? AND status IN ('queued','retrying')
ORDER BY priority DESC, created_at ASC, id ASC LIMIT 1`, queue)
	return scanJob(row.Scan)
}
