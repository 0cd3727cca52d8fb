// Package engine orchestrates background jobs and simulation admission.
// It owns job creation with idempotency, the worker-facing lifecycle
// callbacks, and the run-simulation flow that fronts the usage guards and
// the result cache.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"meterline/internal/config"
	"meterline/internal/domain"
	"meterline/internal/engine/auth"
	"meterline/internal/engine/credit"
	"meterline/internal/engine/quota"
	"meterline/internal/events"
	"meterline/internal/fingerprint"
	"meterline/internal/guard"
	"meterline/internal/repo"
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Auth    auth.Service
	Credits credit.Engine
	Quotas  quota.Engine
	Config  *config.Config
	Log     *zap.Logger
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config, log *zap.Logger) *Engine {
	return &Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{DB: db},
		Auth:    auth.Service{DB: db},
		Credits: credit.New(db, cfg, log),
		Quotas:  quota.New(db, cfg, log),
		Config:  cfg,
		Log:     log,
		Now:     time.Now,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) logger() *zap.Logger {
	if e.Log != nil {
		return e.Log
	}
	return zap.NewNop()
}

func (e *Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

// InvalidTransitionError reports a lifecycle move the state machine rejects.
type InvalidTransitionError struct {
	JobID string
	From  domain.JobStatus
	To    domain.JobStatus
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("job %s: cannot transition from %s to %s", e.JobID, e.From, e.To)
}

// CreateJobOptions are parameters for enqueuing a job.
type CreateJobOptions struct {
	Type           domain.JobType
	OrgID          string
	ActorID        string
	ObjectID       string
	IdempotencyKey string
	Payload        json.RawMessage
	// Queue and Priority override the routing table when set.
	Queue       string
	Priority    *int
	MaxAttempts int
}

// CreateJob enqueues a job, routing it by type. When an idempotency key is
// supplied and an active job (queued, running, retrying) already carries it,
// that job is returned unchanged and nothing is written. Terminal jobs do
// not block reuse of their key.
//
// The existence check and the insert share one transaction; the partial
// unique index on active idempotency keys backstops any race the check
// could miss.
func (e *Engine) CreateJob(ctx context.Context, opts CreateJobOptions) (domain.Job, error) {
	j, _, err := e.createJob(ctx, opts)
	return j, err
}

// createJob additionally reports whether a row was inserted. false means an
// active job already carried the idempotency key and was returned instead.
func (e *Engine) createJob(ctx context.Context, opts CreateJobOptions) (domain.Job, bool, error) {
	if opts.Type == "" {
		return domain.Job{}, false, errors.New("job type is required")
	}

	routing, known := domain.RoutingFor(opts.Type)
	queue := routing.Queue
	priority := routing.Priority
	if opts.Queue != "" {
		queue = opts.Queue
	}
	if opts.Priority != nil {
		priority = *opts.Priority
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = e.Config.DefaultMaxAttempts()
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, false, err
	}
	defer tx.Rollback()

	if opts.IdempotencyKey != "" {
		existing, err := e.Repo.GetActiveJobByKey(ctx, tx, opts.IdempotencyKey)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return domain.Job{}, false, err
		}
	}

	now := e.nowStr()
	j := domain.Job{
		ID:          uuid.New().String(),
		Type:        opts.Type,
		Status:      domain.JobQueued,
		Progress:    0,
		Priority:    priority,
		Queue:       queue,
		Attempts:    0,
		MaxAttempts: maxAttempts,
		Payload:     opts.Payload,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if opts.OrgID != "" {
		j.OrgID = &opts.OrgID
	}
	if opts.ObjectID != "" {
		j.ObjectID = &opts.ObjectID
	}
	if opts.IdempotencyKey != "" {
		j.IdempotencyKey = &opts.IdempotencyKey
	}
	msg := fmt.Sprintf("queued on %q at priority %d", queue, priority)
	if !known {
		msg += " (unrouted type, default queue)"
	}
	j.Logs = []domain.JobLogEntry{{TS: now, Level: "info", Message: msg}}

	if err := e.Repo.InsertJob(ctx, tx, j); err != nil {
		return domain.Job{}, false, fmt.Errorf("insert job: %w", err)
	}
	if opts.OrgID != "" && opts.ActorID != "" {
		if err := e.Events.Append(ctx, tx, "job.created", opts.OrgID, "job", j.ID, opts.ActorID, events.EventPayload{
			"type":  string(opts.Type),
			"queue": queue,
		}); err != nil {
			return domain.Job{}, false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, false, err
	}
	e.logger().Info("job created",
		zap.String("job_id", j.ID),
		zap.String("type", string(j.Type)),
		zap.String("queue", queue),
		zap.Int("priority", priority))
	return j, true, nil
}

// GetJobStatus returns the job if the requesting user may see it. Jobs with
// an organization require membership; org-less jobs (system maintenance) are
// visible to any authenticated caller.
func (e *Engine) GetJobStatus(ctx context.Context, jobID, userID string) (domain.Job, error) {
	j, err := e.Repo.GetJob(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if j.OrgID != nil && userID != "" {
		if err := e.Auth.RequireMember(ctx, *j.OrgID, userID); err != nil {
			return domain.Job{}, err
		}
	}
	return j, nil
}

// ListJobs returns a filtered page plus the unpaged total.
func (e *Engine) ListJobs(ctx context.Context, f repo.JobFilters) ([]domain.Job, int, error) {
	return e.Repo.ListJobs(ctx, f)
}

// CancelJob moves a queued or running job to cancelled. In any other state,
// terminal or retrying, cancel is a no-op returning the job as-is.
func (e *Engine) CancelJob(ctx context.Context, jobID, actorID string) (domain.Job, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()

	j, err := e.Repo.GetJobTx(ctx, tx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if j.Status.Terminal() || !domain.CanTransition(j.Status, domain.JobCancelled) {
		return j, nil
	}
	j.Status = domain.JobCancelled
	j.UpdatedAt = e.nowStr()
	j.Logs = append(j.Logs, domain.JobLogEntry{TS: j.UpdatedAt, Level: "info", Message: "cancelled"})
	if err := e.Repo.UpdateJob(ctx, tx, j); err != nil {
		return domain.Job{}, err
	}
	if j.OrgID != nil && actorID != "" {
		if err := e.Events.Append(ctx, tx, "job.cancelled", *j.OrgID, "job", j.ID, actorID, nil); err != nil {
			return domain.Job{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	return j, nil
}

// RequeueJob is the administrative recovery path for failed jobs: it puts
// the job back to queued, clears the recorded error, and counts the retry
// as an attempt. It bypasses the worker state machine on purpose and is
// restricted to org admins.
func (e *Engine) RequeueJob(ctx context.Context, jobID, adminUserID string) (domain.Job, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()

	j, err := e.Repo.GetJobTx(ctx, tx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if j.OrgID != nil {
		if err := e.Auth.RequireRole(ctx, *j.OrgID, adminUserID, auth.RoleAdmin); err != nil {
			return domain.Job{}, err
		}
	}
	if j.Status != domain.JobFailed {
		return domain.Job{}, fmt.Errorf("job %s: only failed jobs can be requeued (status %s)", jobID, j.Status)
	}
	j.Status = domain.JobQueued
	j.Error = nil
	j.Progress = 0
	j.Attempts++
	j.UpdatedAt = e.nowStr()
	j.Logs = append(j.Logs, domain.JobLogEntry{TS: j.UpdatedAt, Level: "info", Message: "requeued by administrator"})
	if err := e.Repo.UpdateJob(ctx, tx, j); err != nil {
		return domain.Job{}, err
	}
	if j.OrgID != nil {
		if err := e.Events.Append(ctx, tx, "job.requeued", *j.OrgID, "job", j.ID, adminUserID, nil); err != nil {
			return domain.Job{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	return j, nil
}

// NextJob hands a worker the highest-priority queued job on a queue,
// marking it running. Returns repo.ErrNotFound when the queue is empty.
func (e *Engine) NextJob(ctx context.Context, queue string) (domain.Job, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()

	j, err := e.Repo.NextQueuedJobTx(ctx, tx, queue)
	if err != nil {
		return domain.Job{}, err
	}
	j.Status = domain.JobRunning
	j.Attempts++
	j.UpdatedAt = e.nowStr()
	j.Logs = append(j.Logs, domain.JobLogEntry{TS: j.UpdatedAt, Level: "info", Message: fmt.Sprintf("started, attempt %d/%d", j.Attempts, j.MaxAttempts)})
	if err := e.Repo.UpdateJob(ctx, tx, j); err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	return j, nil
}

// StartJob marks a specific job running on a worker's behalf.
func (e *Engine) StartJob(ctx context.Context, jobID string) (domain.Job, error) {
	return e.transition(ctx, jobID, domain.JobRunning, "", func(j *domain.Job) {
		j.Attempts++
		j.Logs = append(j.Logs, domain.JobLogEntry{TS: j.UpdatedAt, Level: "info", Message: fmt.Sprintf("started, attempt %d/%d", j.Attempts, j.MaxAttempts)})
	})
}

// ReportProgress updates a running job's progress percentage and appends
// an optional log message.
func (e *Engine) ReportProgress(ctx context.Context, jobID string, progress int, message string) (domain.Job, error) {
	if progress < 0 || progress > 100 {
		return domain.Job{}, errors.New("progress must be between 0 and 100")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()

	j, err := e.Repo.GetJobTx(ctx, tx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if j.Status != domain.JobRunning {
		return domain.Job{}, fmt.Errorf("job %s: progress reported while %s", jobID, j.Status)
	}
	j.Progress = progress
	j.UpdatedAt = e.nowStr()
	if message != "" {
		j.Logs = append(j.Logs, domain.JobLogEntry{TS: j.UpdatedAt, Level: "info", Message: message})
	}
	if err := e.Repo.UpdateJob(ctx, tx, j); err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	return j, nil
}

// CompleteResult carries a worker's completion report.
type CompleteResult struct {
	ResultRef string
	Stats     json.RawMessage
}

// CompleteJob moves a job to done at 100% progress. For simulation runs the
// result is recorded in the cache under the payload fingerprint so a later
// identical request is served without recomputation or charge.
func (e *Engine) CompleteJob(ctx context.Context, jobID string, res CompleteResult) (domain.Job, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()

	j, err := e.Repo.GetJobTx(ctx, tx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if !domain.CanTransition(j.Status, domain.JobDone) {
		return domain.Job{}, InvalidTransitionError{JobID: jobID, From: j.Status, To: domain.JobDone}
	}
	j.Status = domain.JobDone
	j.Progress = 100
	j.UpdatedAt = e.nowStr()
	j.Logs = append(j.Logs, domain.JobLogEntry{TS: j.UpdatedAt, Level: "info", Message: "completed"})
	if err := e.Repo.UpdateJob(ctx, tx, j); err != nil {
		return domain.Job{}, err
	}

	if j.Type == domain.JobSimulationRun && j.OrgID != nil {
		if fp := payloadFingerprint(j.Payload); fp != "" {
			entry := domain.CacheEntry{
				Fingerprint: fp,
				OrgID:       *j.OrgID,
				JobID:       &j.ID,
				ResultRef:   res.ResultRef,
				Status:      domain.CacheSucceeded,
				CreatedAt:   j.UpdatedAt,
			}
			if len(res.Stats) > 0 {
				s := string(res.Stats)
				entry.Stats = &s
			}
			if err := e.Repo.UpsertCacheEntry(ctx, tx, entry); err != nil {
				return domain.Job{}, fmt.Errorf("record cache entry: %w", err)
			}
		}
	}
	if j.OrgID != nil {
		if err := e.Events.Append(ctx, tx, "job.completed", *j.OrgID, "job", j.ID, "", nil); err != nil {
			return domain.Job{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	return j, nil
}

// FailJob records a worker failure. The job goes to retrying while attempts
// remain, failed once they are spent. A failed simulation leaves a failed
// cache entry so the outcome is observable but never served as a hit.
func (e *Engine) FailJob(ctx context.Context, jobID, errMsg string) (domain.Job, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()

	j, err := e.Repo.GetJobTx(ctx, tx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	target := domain.JobFailed
	if j.Attempts < j.MaxAttempts {
		target = domain.JobRetrying
	}
	if !domain.CanTransition(j.Status, target) {
		return domain.Job{}, InvalidTransitionError{JobID: jobID, From: j.Status, To: target}
	}
	j.Status = target
	j.Error = &errMsg
	j.UpdatedAt = e.nowStr()
	j.Logs = append(j.Logs, domain.JobLogEntry{TS: j.UpdatedAt, Level: "error", Message: errMsg})
	if err := e.Repo.UpdateJob(ctx, tx, j); err != nil {
		return domain.Job{}, err
	}

	if target == domain.JobFailed && j.Type == domain.JobSimulationRun && j.OrgID != nil {
		if fp := payloadFingerprint(j.Payload); fp != "" {
			if err := e.Repo.UpsertCacheEntry(ctx, tx, domain.CacheEntry{
				Fingerprint: fp,
				OrgID:       *j.OrgID,
				JobID:       &j.ID,
				Status:      domain.CacheFailed,
				CreatedAt:   j.UpdatedAt,
			}); err != nil {
				return domain.Job{}, fmt.Errorf("record cache entry: %w", err)
			}
		}
	}
	if j.OrgID != nil {
		if err := e.Events.Append(ctx, tx, "job.failed", *j.OrgID, "job", j.ID, "", events.EventPayload{
			"error":  errMsg,
			"status": string(target),
		}); err != nil {
			return domain.Job{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	e.logger().Warn("job failed",
		zap.String("job_id", jobID),
		zap.String("status", string(target)),
		zap.String("error", errMsg))
	return j, nil
}

// transition is the generic single-status move used by StartJob.
func (e *Engine) transition(ctx context.Context, jobID string, to domain.JobStatus, logMsg string, mutate func(*domain.Job)) (domain.Job, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()

	j, err := e.Repo.GetJobTx(ctx, tx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if !domain.CanTransition(j.Status, to) {
		return domain.Job{}, InvalidTransitionError{JobID: jobID, From: j.Status, To: to}
	}
	j.Status = to
	j.UpdatedAt = e.nowStr()
	if logMsg != "" {
		j.Logs = append(j.Logs, domain.JobLogEntry{TS: j.UpdatedAt, Level: "info", Message: logMsg})
	}
	if mutate != nil {
		mutate(&j)
	}
	if err := e.Repo.UpdateJob(ctx, tx, j); err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	return j, nil
}

// SimulationRequest describes one simulation to run or fetch from cache.
type SimulationRequest struct {
	OrgID         string
	UserID        string
	ModelID       string
	ModelVersion  string
	Parameters    map[string]any
	Units         int64
	Seed          int64
	Mode          string
	AdminOverride bool
}

// simulationPayload is what gets stored on the job.
type simulationPayload struct {
	ModelID      string         `json:"model_id"`
	ModelVersion string         `json:"model_version,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Units        int64          `json:"units"`
	Seed         int64          `json:"seed,omitempty"`
	Mode         string         `json:"mode,omitempty"`
	Fingerprint  string         `json:"fingerprint"`
}

// SimulationOutcome is the result of admission: either a cache hit with the
// prior result, or a freshly enqueued job.
type SimulationOutcome struct {
	CacheHit  bool        `json:"cache_hit"`
	ResultRef string      `json:"result_ref,omitempty"`
	Stats     *string     `json:"stats,omitempty"`
	Job       *domain.Job `json:"job,omitempty"`
	Credits   int64       `json:"credits_charged"`
}

// RunSimulation is the full admission flow: fingerprint the request, serve
// a cached success for free, otherwise check every usage guard, enqueue the
// job, and consume.
//
// Only succeeded entries with a result reference count as hits; failed
// entries never short-circuit a retry. A hit performs no deduction, no
// quota increment, and enqueues nothing. A resubmission that matches an
// in-flight job returns that job without a second charge.
func (e *Engine) RunSimulation(ctx context.Context, req SimulationRequest) (SimulationOutcome, error) {
	if req.OrgID == "" {
		return SimulationOutcome{}, errors.New("org is required")
	}
	if req.UserID != "" {
		if err := e.Auth.RequireMember(ctx, req.OrgID, req.UserID); err != nil {
			return SimulationOutcome{}, err
		}
	}
	fp, err := fingerprint.Simulation(req.ModelID, req.ModelVersion, req.Parameters, req.Units, req.Seed, req.Mode)
	if err != nil {
		return SimulationOutcome{}, err
	}

	entry, err := e.Repo.GetCacheEntry(ctx, req.OrgID, fp)
	if err == nil && entry.Status == domain.CacheSucceeded && entry.ResultRef != "" {
		e.logger().Info("simulation cache hit",
			zap.String("org_id", req.OrgID),
			zap.String("fingerprint", fp))
		return SimulationOutcome{CacheHit: true, ResultRef: entry.ResultRef, Stats: entry.Stats}, nil
	}
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return SimulationOutcome{}, err
	}

	checklist := e.guards(req.AdminOverride)
	if err := checklist.CheckAll(ctx, req.OrgID, req.Units); err != nil {
		return SimulationOutcome{}, err
	}

	payload, err := json.Marshal(simulationPayload{
		ModelID:      req.ModelID,
		ModelVersion: req.ModelVersion,
		Parameters:   req.Parameters,
		Units:        req.Units,
		Seed:         req.Seed,
		Mode:         req.Mode,
		Fingerprint:  fp,
	})
	if err != nil {
		return SimulationOutcome{}, err
	}
	j, created, err := e.createJob(ctx, CreateJobOptions{
		Type:           domain.JobSimulationRun,
		OrgID:          req.OrgID,
		ActorID:        req.UserID,
		IdempotencyKey: "sim:" + req.OrgID + ":" + fp,
		Payload:        payload,
	})
	if err != nil {
		return SimulationOutcome{}, err
	}
	if !created {
		// Replay of an in-flight request. The submission that enqueued this
		// job already consumed quota and credits; charging again would bill
		// the same work twice.
		return SimulationOutcome{Job: &j}, nil
	}

	if err := checklist.ConsumeAll(ctx, req.OrgID, req.Units, j.ID, req.UserID); err != nil {
		return SimulationOutcome{}, err
	}
	return SimulationOutcome{
		Job:     &j,
		Credits: e.Credits.CreditsForUnits(req.Units),
	}, nil
}

// guards assembles the admission checklist: legacy quota first, then
// credits, so a quota refusal never costs a ledger write.
func (e *Engine) guards(adminOverride bool) guard.Checklist {
	return guard.Checklist{
		DB:  e.DB,
		Log: e.Log,
		Now: e.Now,
		Guards: []guard.UsageGuard{
			guard.QuotaGuard{Engine: e.Quotas, Resource: domain.ResourceSimulations},
			guard.CreditGuard{Engine: e.Credits, AdminOverride: adminOverride},
		},
	}
}

// IncompleteGuardActions lists journaled guard consumptions that never
// confirmed, for operator reconciliation.
func (e *Engine) IncompleteGuardActions(ctx context.Context, orgID string) ([]guard.Action, error) {
	return e.guards(false).Incomplete(ctx, orgID)
}

func payloadFingerprint(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var p struct {
		Fingerprint string `json:"fingerprint"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return ""
	}
	return p.Fingerprint
}
