package domain

import "encoding/json"

// JobStatus is the lifecycle state of a background job.
//
// Values are persisted and are part of the stable storage contract.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobDone      JobStatus = "done"
	JobFailed    JobStatus = "failed"
	JobRetrying  JobStatus = "retrying"
	JobCancelled JobStatus = "cancelled"
)

// ActiveStatuses are the states in which an idempotency key still binds:
// a second create with the same key returns the existing job.
var ActiveStatuses = []JobStatus{JobQueued, JobRunning, JobRetrying}

// Terminal reports whether s admits no further worker-driven transitions.
func (s JobStatus) Terminal() bool {
	return s == JobDone || s == JobFailed || s == JobCancelled
}

// CanTransition reports whether a job may move from one status to another.
// Statuses only move forward; cancelled is reachable from queued/running only.
// Administrative requeue is not a transition in this sense (see Engine.RequeueJob).
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobQueued:
		return to == JobRunning || to == JobCancelled
	case JobRunning:
		return to == JobDone || to == JobFailed || to == JobRetrying || to == JobCancelled
	case JobRetrying:
		return to == JobRunning || to == JobDone || to == JobFailed
	}
	return false
}

type Job struct {
	ID             string          `json:"id"`
	Type           JobType         `json:"type"`
	OrgID          *string         `json:"org_id,omitempty"`
	ObjectID       *string         `json:"object_id,omitempty"`
	Status         JobStatus       `json:"status" enum:"queued,running,done,failed,retrying,cancelled"`
	Progress       int             `json:"progress"`
	Logs           []JobLogEntry   `json:"logs"`
	Priority       int             `json:"priority"`
	Queue          string          `json:"queue"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Error          *string         `json:"error,omitempty"`
	CreatedAt      string          `json:"created_at" format:"date-time"`
	UpdatedAt      string          `json:"updated_at" format:"date-time"`
}

// JobLogEntry is one entry in a job's ordered, append-only log.
type JobLogEntry struct {
	TS      string `json:"ts" format:"date-time"`
	Level   string `json:"level,omitempty"`
	Message string `json:"message"`
}

// UsageRecord is one credit-consuming (positive) or credit-granting (negative)
// ledger event. Balances are derived from these, never stored as counters.
type UsageRecord struct {
	ID          string  `json:"id"`
	OrgID       string  `json:"org_id"`
	UserID      *string `json:"user_id,omitempty"`
	JobID       *string `json:"job_id,omitempty"`
	Credits     int64   `json:"credits"`
	Category    string  `json:"category"`
	Description string  `json:"description,omitempty"`
	Metadata    *string `json:"metadata,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

// QuotaResource identifies one counter tracked by the legacy quota system.
type QuotaResource string

const (
	ResourceSimulations QuotaResource = "simulations"
	ResourceExports     QuotaResource = "exports"
	ResourceAlerts      QuotaResource = "alerts"
)

// OrgQuota is one per-organization, per-resource counter row.
type OrgQuota struct {
	OrgID    string        `json:"org_id"`
	Resource QuotaResource `json:"resource"`
	Limit    int64         `json:"limit"`
	Used     int64         `json:"used"`
	ResetAt  string        `json:"reset_at" format:"date-time"`
}

// CacheEntryStatus values for simulation result cache entries.
const (
	CacheSucceeded = "succeeded"
	CacheFailed    = "failed"
)

// CacheEntry maps a simulation fingerprint to a completed result for one org.
type CacheEntry struct {
	Fingerprint string  `json:"fingerprint"`
	OrgID       string  `json:"org_id"`
	JobID       *string `json:"job_id,omitempty"`
	ResultRef   string  `json:"result_ref"`
	Stats       *string `json:"stats,omitempty"`
	Status      string  `json:"status"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

type Org struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Tier      Tier   `json:"tier" enum:"free,pro,enterprise"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	OrgID      string `json:"org_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
