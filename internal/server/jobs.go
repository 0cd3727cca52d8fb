package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"meterline/internal/domain"
	"meterline/internal/engine"
	"meterline/internal/repo"
)

type jobPath struct {
	JobID string `path:"job_id"`
}

func registerJobs(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-job",
		Method:        http.MethodPost,
		Path:          "/jobs",
		Summary:       "Enqueue a job",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateJobRequest `json:"body"`
	}) (*struct {
		Body JobResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Type == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "type is required", nil)
		}
		j, err := e.CreateJob(ctx, engine.CreateJobOptions{
			Type:           domain.JobType(input.Body.Type),
			OrgID:          input.Body.OrgID,
			ActorID:        userID,
			ObjectID:       input.Body.ObjectID,
			IdempotencyKey: input.Body.IdempotencyKey,
			Payload:        input.Body.Payload,
			Queue:          input.Body.Queue,
			Priority:       input.Body.Priority,
			MaxAttempts:    input.Body.MaxAttempts,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobResponse `json:"body"`
		}{Body: JobResponse{Job: j}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}",
		Summary:     "Job status",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *jobPath) (*struct {
		Body JobResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		j, err := e.GetJobStatus(ctx, input.JobID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobResponse `json:"body"`
		}{Body: JobResponse{Job: j}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List jobs",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"queued,running,done,failed,retrying,cancelled" required:"false"`
		OrgID  string `query:"org_id" required:"false"`
		Type   string `query:"type" required:"false"`
		Queue  string `query:"queue" required:"false"`
		Limit  int    `query:"limit" minimum:"0" maximum:"500" required:"false"`
		Offset int    `query:"offset" minimum:"0" required:"false"`
	}) (*struct {
		Body JobListResponse `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		jobs, total, err := e.ListJobs(ctx, repo.JobFilters{
			Status: input.Status,
			OrgID:  input.OrgID,
			Type:   input.Type,
			Queue:  input.Queue,
			Limit:  input.Limit,
			Offset: input.Offset,
		})
		if err != nil {
			return nil, handleError(err)
		}
		if jobs == nil {
			jobs = []domain.Job{}
		}
		return &struct {
			Body JobListResponse `json:"body"`
		}{Body: JobListResponse{Jobs: jobs, Total: total}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/cancel",
		Summary:     "Cancel a job",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *jobPath) (*struct {
		Body JobResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		j, err := e.CancelJob(ctx, input.JobID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobResponse `json:"body"`
		}{Body: JobResponse{Job: j}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "requeue-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/requeue",
		Summary:     "Requeue a failed job",
		Errors:      []int{http.StatusConflict, http.StatusForbidden, http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *jobPath) (*struct {
		Body JobResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		j, err := e.RequeueJob(ctx, input.JobID, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobResponse `json:"body"`
		}{Body: JobResponse{Job: j}}, nil
	})
}
