package server

import (
	"encoding/json"

	"meterline/internal/domain"
	"meterline/internal/engine"
	"meterline/internal/engine/credit"
	"meterline/internal/engine/quota"
	"meterline/internal/guard"
)

// Request payloads

type RunSimulationRequest struct {
	OrgID         string         `json:"org_id"`
	ModelID       string         `json:"model_id"`
	ModelVersion  string         `json:"model_version,omitempty"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	Units         int64          `json:"units" minimum:"1"`
	Seed          int64          `json:"seed,omitempty"`
	Mode          string         `json:"mode,omitempty"`
	AdminOverride bool           `json:"admin_override,omitempty"`
}

type CreateJobRequest struct {
	Type           string          `json:"type"`
	OrgID          string          `json:"org_id,omitempty"`
	ObjectID       string          `json:"object_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Queue          string          `json:"queue,omitempty"`
	Priority       *int            `json:"priority,omitempty"`
	MaxAttempts    int             `json:"max_attempts,omitempty" minimum:"0"`
}

type ProgressRequest struct {
	Progress int    `json:"progress" minimum:"0" maximum:"100"`
	Message  string `json:"message,omitempty"`
}

type CompleteJobRequest struct {
	ResultRef string          `json:"result_ref,omitempty"`
	Stats     json.RawMessage `json:"stats,omitempty"`
}

type FailJobRequest struct {
	Error string `json:"error"`
}

type GrantCreditsRequest struct {
	Credits int64  `json:"credits" minimum:"1"`
	Reason  string `json:"reason,omitempty"`
}

// Response payloads

type JobResponse struct {
	Job domain.Job `json:"job"`
}

type JobListResponse struct {
	Jobs  []domain.Job `json:"jobs"`
	Total int          `json:"total"`
}

type SimulationResponse struct {
	engine.SimulationOutcome
}

type BalanceResponse struct {
	Balance credit.Balance `json:"balance"`
}

type UsageResponse struct {
	Balance credit.Balance       `json:"balance"`
	Records []domain.UsageRecord `json:"records"`
}

type QuotaListResponse struct {
	Quotas []quota.Status `json:"quotas"`
}

type GrantResponse struct {
	Record  domain.UsageRecord `json:"record"`
	Balance credit.Balance     `json:"balance"`
}

type ReconcileResponse struct {
	Incomplete []guard.Action `json:"incomplete"`
}
