// Package quota keeps the older counter-based limits that predate credit
// metering. Counters are created lazily with the organization's tier
// defaults and reset lazily: nothing touches a row until someone checks or
// consumes it after its reset time has passed.
package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"meterline/internal/config"
	"meterline/internal/domain"
	"meterline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Config *config.Config
	Log    *zap.Logger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config, log *zap.Logger) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Config: cfg,
		Log:    log,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *zap.Logger {
	if e.Log != nil {
		return e.Log
	}
	return zap.NewNop()
}

// Status is the answer to a quota check.
type Status struct {
	Allowed   bool                 `json:"allowed"`
	Resource  domain.QuotaResource `json:"resource"`
	Limit     int64                `json:"limit"`
	Used      int64                `json:"used"`
	Remaining int64                `json:"remaining"`
	ResetAt   string               `json:"reset_at" format:"date-time"`
	Unlimited bool                 `json:"unlimited,omitempty"`
	// Degraded marks a status synthesized from tier defaults because the
	// quota table is not provisioned.
	Degraded bool `json:"degraded,omitempty"`
}

// ExceededError is returned when consuming would pass the counter's limit.
type ExceededError struct {
	OrgID    string
	Resource domain.QuotaResource
	Limit    int64
	ResetAt  string
}

func (e ExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for %s: limit %d, resets at %s", e.Resource, e.Limit, e.ResetAt)
}

// nextReset is the first instant of the month after now, UTC.
func nextReset(now time.Time) string {
	now = now.UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0).Format(time.RFC3339)
}

// loadTx fetches the counter inside tx, creating it with tier defaults on
// first touch and applying a pending monthly reset. Comparing RFC3339 UTC
// strings is safe because the format orders lexicographically.
func (e Engine) loadTx(ctx context.Context, tx *sql.Tx, orgID string, res domain.QuotaResource) (domain.OrgQuota, error) {
	q, err := e.Repo.GetQuotaTx(ctx, tx, orgID, res)
	if errors.Is(err, repo.ErrNotFound) {
		org, gerr := e.Repo.GetOrgTx(ctx, tx, orgID)
		if gerr != nil {
			return domain.OrgQuota{}, gerr
		}
		q = domain.OrgQuota{
			OrgID:    orgID,
			Resource: res,
			Limit:    e.Config.LimitsFor(org.Tier).Limit(res),
			Used:     0,
			ResetAt:  nextReset(e.now()),
		}
		if err := e.Repo.InsertQuotaTx(ctx, tx, q); err != nil {
			return domain.OrgQuota{}, fmt.Errorf("create quota row: %w", err)
		}
		return q, nil
	}
	if err != nil {
		return domain.OrgQuota{}, err
	}
	if now := e.now().UTC().Format(time.RFC3339); now >= q.ResetAt {
		q.Used = 0
		q.ResetAt = nextReset(e.now())
		if err := e.Repo.UpdateQuotaTx(ctx, tx, q); err != nil {
			return domain.OrgQuota{}, fmt.Errorf("reset quota row: %w", err)
		}
	}
	return q, nil
}

func statusOf(q domain.OrgQuota, amount int64) Status {
	s := Status{
		Resource: q.Resource,
		Limit:    q.Limit,
		Used:     q.Used,
		ResetAt:  q.ResetAt,
	}
	if q.Limit >= domain.UnlimitedSentinel {
		s.Unlimited = true
		s.Allowed = true
		s.Remaining = q.Limit
		return s
	}
	s.Remaining = q.Limit - q.Used
	if s.Remaining < 0 {
		s.Remaining = 0
	}
	s.Allowed = q.Used+amount <= q.Limit
	return s
}

// degradedStatus synthesizes an allow-with-defaults answer when the quota
// table is missing. Legacy deployments without the table keep working.
func (e Engine) degradedStatus(ctx context.Context, orgID string, res domain.QuotaResource, err error) (Status, error) {
	org, gerr := e.Repo.GetOrg(ctx, orgID)
	if gerr != nil {
		return Status{}, gerr
	}
	e.logger().Warn("quota table unavailable, using tier defaults",
		zap.String("org_id", orgID), zap.String("resource", string(res)), zap.Error(err))
	limit := e.Config.LimitsFor(org.Tier).Limit(res)
	s := statusOf(domain.OrgQuota{
		OrgID:    orgID,
		Resource: res,
		Limit:    limit,
		ResetAt:  nextReset(e.now()),
	}, 0)
	s.Allowed = true
	s.Degraded = true
	return s, nil
}

// Check reports whether amount more of the resource fits under the limit.
// The lazy reset is applied and persisted even on a read path, so a check
// after the period boundary reports used=0.
func (e Engine) Check(ctx context.Context, orgID string, res domain.QuotaResource, amount int64) (Status, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Status{}, err
	}
	defer tx.Rollback()

	q, err := e.loadTx(ctx, tx, orgID, res)
	if err != nil {
		if repo.IsMissingTable(err) {
			return e.degradedStatus(ctx, orgID, res, err)
		}
		return Status{}, err
	}
	if err := tx.Commit(); err != nil {
		return Status{}, err
	}
	return statusOf(q, amount), nil
}

// Consume increments the counter by amount, failing with ExceededError when
// the increment would pass the limit. Unlimited counters are never written.
func (e Engine) Consume(ctx context.Context, orgID string, res domain.QuotaResource, amount int64) (Status, error) {
	if amount <= 0 {
		return Status{}, errors.New("amount must be positive")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return Status{}, err
	}
	defer tx.Rollback()

	q, err := e.loadTx(ctx, tx, orgID, res)
	if err != nil {
		if repo.IsMissingTable(err) {
			return e.degradedStatus(ctx, orgID, res, err)
		}
		return Status{}, err
	}
	s := statusOf(q, amount)
	if s.Unlimited {
		if err := tx.Commit(); err != nil {
			return Status{}, err
		}
		return s, nil
	}
	if !s.Allowed {
		return Status{}, ExceededError{
			OrgID:    orgID,
			Resource: res,
			Limit:    q.Limit,
			ResetAt:  q.ResetAt,
		}
	}
	q.Used += amount
	if err := e.Repo.UpdateQuotaTx(ctx, tx, q); err != nil {
		return Status{}, fmt.Errorf("update quota row: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Status{}, err
	}
	return statusOf(q, 0), nil
}

// List returns the organization's counters with pending resets applied in
// the response only; persistence waits for the next check or consume.
func (e Engine) List(ctx context.Context, orgID string) ([]Status, error) {
	if _, err := e.Repo.GetOrg(ctx, orgID); err != nil {
		return nil, err
	}
	rows, err := e.Repo.ListQuotas(ctx, orgID)
	if err != nil {
		if repo.IsMissingTable(err) {
			return nil, nil
		}
		return nil, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	out := make([]Status, 0, len(rows))
	for _, q := range rows {
		if now >= q.ResetAt {
			q.Used = 0
			q.ResetAt = nextReset(e.now())
		}
		out = append(out, statusOf(q, 0))
	}
	return out, nil
}
