// Package credit meters prepaid simulation credits against an append-only
// usage ledger. Balances are derived from the ledger at read time; the only
// stored state is the records themselves, which keeps deductions auditable
// and makes a replayed deduction visible instead of silently double-applied.
package credit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"meterline/internal/config"
	"meterline/internal/engine/auth"
	"meterline/internal/events"
	"meterline/internal/repo"

	"meterline/internal/domain"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Auth   auth.Service
	Events events.Writer
	Config *config.Config
	Log    *zap.Logger
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config, log *zap.Logger) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Auth:   auth.Service{DB: db},
		Events: events.Writer{DB: db},
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

// Balance is an org's credit position for one billing period.
type Balance struct {
	OrgID       string `json:"org_id"`
	Total       int64  `json:"total"`
	Used        int64  `json:"used"`
	Remaining   int64  `json:"remaining"`
	PeriodStart string `json:"period_start" format:"date-time"`
	PeriodEnd   string `json:"period_end" format:"date-time"`
	// Degraded marks a balance computed without ledger data because the
	// accounting table is not provisioned; zero usage was assumed.
	Degraded bool `json:"degraded,omitempty"`
}

// CheckResult is the outcome of a pre-flight balance check.
type CheckResult struct {
	Allowed bool `json:"allowed"`
	Balance
}

// InsufficientCreditsError is returned when a deduction would overdraw the
// period balance and no administrative override is set.
type InsufficientCreditsError struct {
	OrgID     string
	Requested int64
	Remaining int64
}

func (e InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: requested %d, remaining %d; upgrade the plan or wait for the monthly reset", e.Requested, e.Remaining)
}

// CreditsForUnits converts raw simulation units to credits, rounding up.
func (e Engine) CreditsForUnits(rawUnits int64) int64 {
	per := e.Config.UnitsPerCredit()
	return (rawUnits + per - 1) / per
}

// periodBounds returns the current calendar-month billing period as
// [start, end) RFC3339 UTC strings.
func periodBounds(now time.Time) (string, string) {
	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	return start.Format(time.RFC3339), end.Format(time.RFC3339)
}

// balanceTx derives the balance inside the caller's transaction.
func (e Engine) balanceTx(ctx context.Context, tx *sql.Tx, orgID string) (Balance, error) {
	org, err := e.Repo.GetOrgTx(ctx, tx, orgID)
	if err != nil {
		return Balance{}, err
	}
	start, end := periodBounds(e.now())
	b := Balance{
		OrgID:       orgID,
		Total:       e.Config.LimitsFor(org.Tier).SimulationUnits / e.Config.UnitsPerCredit(),
		PeriodStart: start,
		PeriodEnd:   end,
	}
	used, err := e.Repo.SumUsageTx(ctx, tx, orgID, start, end)
	if err != nil {
		if !repo.IsMissingTable(err) {
			return Balance{}, fmt.Errorf("sum usage: %w", err)
		}
		// Optional accounting table not provisioned: degrade to zero
		// usage rather than failing the request.
		e.logger().Warn("usage ledger unavailable, assuming zero usage",
			zap.String("org_id", orgID), zap.Error(err))
		b.Degraded = true
		used = 0
	}
	b.Used = used
	b.Remaining = b.Total - used
	return b, nil
}

// CheckBalance reports whether an org can afford the requested credits this
// period. SQLite transactions are serializable, and the pool is capped at a
// single connection, so two concurrent checks against the same organization
// cannot both observe a pre-deduction balance.
func (e Engine) CheckBalance(ctx context.Context, orgID string, requestedCredits int64, adminOverride bool) (CheckResult, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return CheckResult{}, err
	}
	defer tx.Rollback()

	b, err := e.balanceTx(ctx, tx, orgID)
	if err != nil {
		return CheckResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return CheckResult{}, err
	}
	return CheckResult{
		Allowed: adminOverride || b.Remaining >= requestedCredits,
		Balance: b,
	}, nil
}

// DeductOptions are parameters for a credit deduction.
type DeductOptions struct {
	OrgID         string
	UserID        string
	JobID         string
	RawUnits      int64
	AdminOverride bool
	Category      string
	Description   string
}

// Deduct converts raw units to credits and inserts a consumption record.
//
// The balance is re-checked inside the same transaction that inserts the
// record: the pre-flight CheckBalance call and this deduction are separate
// calls with other work between them, so the check must not be trusted here.
func (e Engine) Deduct(ctx context.Context, opts DeductOptions) (domain.UsageRecord, error) {
	if opts.OrgID == "" {
		return domain.UsageRecord{}, errors.New("org is required")
	}
	if opts.RawUnits <= 0 {
		return domain.UsageRecord{}, errors.New("raw units must be positive")
	}
	credits := e.CreditsForUnits(opts.RawUnits)
	if opts.Category == "" {
		opts.Category = "simulation"
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.UsageRecord{}, err
	}
	defer tx.Rollback()

	b, err := e.balanceTx(ctx, tx, opts.OrgID)
	if err != nil {
		return domain.UsageRecord{}, err
	}
	if !opts.AdminOverride && b.Remaining < credits {
		return domain.UsageRecord{}, InsufficientCreditsError{
			OrgID:     opts.OrgID,
			Requested: credits,
			Remaining: b.Remaining,
		}
	}

	rec := domain.UsageRecord{
		ID:          uuid.New().String(),
		OrgID:       opts.OrgID,
		Credits:     credits,
		Category:    opts.Category,
		Description: opts.Description,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	if opts.UserID != "" {
		rec.UserID = &opts.UserID
	}
	if opts.JobID != "" {
		rec.JobID = &opts.JobID
	}
	if err := e.Repo.InsertUsageRecord(ctx, tx, rec); err != nil {
		return domain.UsageRecord{}, fmt.Errorf("insert usage record: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "credits.deducted", opts.OrgID, "usage_record", rec.ID, opts.UserID, events.EventPayload{
		"credits":   credits,
		"raw_units": opts.RawUnits,
		"job_id":    opts.JobID,
	}); err != nil {
		return domain.UsageRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.UsageRecord{}, err
	}
	e.logger().Info("credits deducted",
		zap.String("org_id", opts.OrgID),
		zap.Int64("credits", credits),
		zap.Int64("remaining", b.Remaining-credits))
	return rec, nil
}

// GetBalance derives the current balance without locking; slightly stale
// reads are acceptable for display, exactness matters only at deduction.
func (e Engine) GetBalance(ctx context.Context, orgID string) (Balance, error) {
	org, err := e.Repo.GetOrg(ctx, orgID)
	if err != nil {
		return Balance{}, err
	}
	start, end := periodBounds(e.now())
	b := Balance{
		OrgID:       orgID,
		Total:       e.Config.LimitsFor(org.Tier).SimulationUnits / e.Config.UnitsPerCredit(),
		PeriodStart: start,
		PeriodEnd:   end,
	}
	used, err := e.Repo.SumUsage(ctx, orgID, start, end)
	if err != nil {
		if !repo.IsMissingTable(err) {
			return Balance{}, err
		}
		e.logger().Warn("usage ledger unavailable, assuming zero usage",
			zap.String("org_id", orgID), zap.Error(err))
		b.Degraded = true
		used = 0
	}
	b.Used = used
	b.Remaining = b.Total - used
	return b, nil
}

// GetUsageSummary returns the current period's records plus the balance.
func (e Engine) GetUsageSummary(ctx context.Context, orgID string) (Balance, []domain.UsageRecord, error) {
	b, err := e.GetBalance(ctx, orgID)
	if err != nil {
		return Balance{}, nil, err
	}
	recs, err := e.Repo.ListUsageRecords(ctx, repo.UsageFilters{
		OrgID: orgID,
		From:  b.PeriodStart,
		Until: b.PeriodEnd,
	})
	if err != nil {
		if !repo.IsMissingTable(err) {
			return Balance{}, nil, err
		}
		recs = nil
	}
	return b, recs, nil
}

// AdminAddCredits inserts a negative-amount record, the only way a balance
// increases. The actor must hold the admin role in the organization.
func (e Engine) AdminAddCredits(ctx context.Context, orgID, adminUserID string, credits int64, reason string) (domain.UsageRecord, error) {
	if credits <= 0 {
		return domain.UsageRecord{}, errors.New("credits must be positive")
	}
	if err := e.Auth.RequireRole(ctx, orgID, adminUserID, auth.RoleAdmin); err != nil {
		return domain.UsageRecord{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.UsageRecord{}, err
	}
	defer tx.Rollback()

	rec := domain.UsageRecord{
		ID:          uuid.New().String(),
		OrgID:       orgID,
		UserID:      &adminUserID,
		Credits:     -credits,
		Category:    "grant",
		Description: reason,
		CreatedAt:   e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertUsageRecord(ctx, tx, rec); err != nil {
		return domain.UsageRecord{}, fmt.Errorf("insert grant record: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "credits.granted", orgID, "usage_record", rec.ID, adminUserID, events.EventPayload{
		"credits": credits,
		"reason":  reason,
	}); err != nil {
		return domain.UsageRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.UsageRecord{}, err
	}
	e.logger().Info("credits granted",
		zap.String("org_id", orgID),
		zap.Int64("credits", credits),
		zap.String("admin", adminUserID))
	return rec, nil
}
