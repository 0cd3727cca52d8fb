// Package guard fronts the usage limiters with one interface so the
// orchestrator does not care which accounting systems are active. A
// checklist runs every guard's check before any guard consumes; consumes
// that do run are journaled to guard_actions so a crash between them leaves
// a visible trail instead of a silent half-charge.
package guard

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"meterline/internal/domain"
	"meterline/internal/engine/credit"
	"meterline/internal/engine/quota"
)

// UsageGuard is one admission gate for simulation work, measured in raw
// simulation units.
type UsageGuard interface {
	Name() string
	Check(ctx context.Context, orgID string, units int64) error
	Consume(ctx context.Context, orgID string, units int64, jobID, userID string) error
}

// CreditGuard adapts the credit engine.
type CreditGuard struct {
	Engine        credit.Engine
	AdminOverride bool
}

func (g CreditGuard) Name() string { return "credits" }

func (g CreditGuard) Check(ctx context.Context, orgID string, units int64) error {
	res, err := g.Engine.CheckBalance(ctx, orgID, g.Engine.CreditsForUnits(units), g.AdminOverride)
	if err != nil {
		return err
	}
	if !res.Allowed {
		return credit.InsufficientCreditsError{
			OrgID:     orgID,
			Requested: g.Engine.CreditsForUnits(units),
			Remaining: res.Remaining,
		}
	}
	return nil
}

func (g CreditGuard) Consume(ctx context.Context, orgID string, units int64, jobID, userID string) error {
	_, err := g.Engine.Deduct(ctx, credit.DeductOptions{
		OrgID:         orgID,
		UserID:        userID,
		JobID:         jobID,
		RawUnits:      units,
		AdminOverride: g.AdminOverride,
		Description:   "simulation run",
	})
	return err
}

// QuotaGuard adapts the legacy counter system. Quota counts runs, not
// units, so every admission costs one.
type QuotaGuard struct {
	Engine   quota.Engine
	Resource domain.QuotaResource
}

func (g QuotaGuard) Name() string { return "quota:" + string(g.Resource) }

func (g QuotaGuard) Check(ctx context.Context, orgID string, units int64) error {
	s, err := g.Engine.Check(ctx, orgID, g.Resource, 1)
	if err != nil {
		return err
	}
	if !s.Allowed {
		return quota.ExceededError{OrgID: orgID, Resource: g.Resource, Limit: s.Limit, ResetAt: s.ResetAt}
	}
	return nil
}

func (g QuotaGuard) Consume(ctx context.Context, orgID string, units int64, jobID, userID string) error {
	_, err := g.Engine.Consume(ctx, orgID, g.Resource, 1)
	return err
}

// Checklist runs guards in order. All checks must pass before admission;
// consumes run sequentially in the same order.
type Checklist struct {
	DB     *sql.DB
	Guards []UsageGuard
	Log    *zap.Logger
	Now    func() time.Time
}

func (c Checklist) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// CheckAll returns the first failing guard's error, nil when all pass.
func (c Checklist) CheckAll(ctx context.Context, orgID string, units int64) error {
	for _, g := range c.Guards {
		if err := g.Check(ctx, orgID, units); err != nil {
			return fmt.Errorf("guard %s: %w", g.Name(), err)
		}
	}
	return nil
}

// ConsumeAll applies every guard's consumption. The steps are separate
// transactions in separate stores, so each one is journaled: a start row
// goes in before the consume and is marked completed after. Rows left
// without completed_at are surfaced by Incomplete for reconciliation.
func (c Checklist) ConsumeAll(ctx context.Context, orgID string, units int64, jobID, userID string) error {
	for _, g := range c.Guards {
		actionID, err := c.begin(ctx, orgID, jobID, g.Name(), units)
		if err != nil {
			return err
		}
		if err := g.Consume(ctx, orgID, units, jobID, userID); err != nil {
			if c.Log != nil {
				c.Log.Error("guard consume failed, journal row left open",
					zap.String("guard", g.Name()),
					zap.String("org_id", orgID),
					zap.String("job_id", jobID),
					zap.Error(err))
			}
			return fmt.Errorf("guard %s: %w", g.Name(), err)
		}
		if err := c.complete(ctx, actionID); err != nil {
			return err
		}
	}
	return nil
}

func (c Checklist) begin(ctx context.Context, orgID, jobID, guard string, units int64) (int64, error) {
	res, err := c.DB.ExecContext(ctx,
		`INSERT INTO guard_actions (org_id,job_id,guard,units,started_at) VALUES (?,?,?,?,?)`,
		orgID, jobID, guard, units, c.now().UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("journal guard action: %w", err)
	}
	return res.LastInsertId()
}

func (c Checklist) complete(ctx context.Context, id int64) error {
	_, err := c.DB.ExecContext(ctx,
		`UPDATE guard_actions SET completed_at=? WHERE id=?`,
		c.now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("close guard action: %w", err)
	}
	return nil
}

// Action is one journaled guard consumption.
type Action struct {
	ID          int64   `json:"id"`
	OrgID       string  `json:"org_id"`
	JobID       string  `json:"job_id"`
	Guard       string  `json:"guard"`
	Units       int64   `json:"units"`
	StartedAt   string  `json:"started_at" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

// Incomplete lists journal rows whose consume never confirmed, optionally
// scoped to one organization.
func (c Checklist) Incomplete(ctx context.Context, orgID string) ([]Action, error) {
	query := `SELECT id,org_id,job_id,guard,units,started_at,completed_at FROM guard_actions WHERE completed_at IS NULL`
	args := []any{}
	if orgID != "" {
		query += ` AND org_id=?`
		args = append(args, orgID)
	}
	query += ` ORDER BY id ASC`
	rows, err := c.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Action
	for rows.Next() {
		var a Action
		if err := rows.Scan(&a.ID, &a.OrgID, &a.JobID, &a.Guard, &a.Units, &a.StartedAt, &a.CompletedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
