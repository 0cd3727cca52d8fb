package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"meterline/internal/engine"
)

// Worker callbacks. Workers authenticate like any other principal, usually
// with an API key, and drive jobs through the lifecycle.
func registerWorker(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "next-job",
		Method:      http.MethodPost,
		Path:        "/queues/{queue}/next",
		Summary:     "Claim the next job on a queue",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Queue string `path:"queue"`
	}) (*struct {
		Body JobResponse `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		j, err := e.NextJob(ctx, input.Queue)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobResponse `json:"body"`
		}{Body: JobResponse{Job: j}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/start",
		Summary:     "Mark a job running",
		Errors:      []int{http.StatusConflict, http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *jobPath) (*struct {
		Body JobResponse `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		j, err := e.StartJob(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobResponse `json:"body"`
		}{Body: JobResponse{Job: j}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "report-progress",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/progress",
		Summary:     "Report job progress",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		jobPath
		Body ProgressRequest `json:"body"`
	}) (*struct {
		Body JobResponse `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		j, err := e.ReportProgress(ctx, input.JobID, input.Body.Progress, input.Body.Message)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobResponse `json:"body"`
		}{Body: JobResponse{Job: j}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/complete",
		Summary:     "Mark a job done",
		Errors:      []int{http.StatusConflict, http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		jobPath
		Body CompleteJobRequest `json:"body"`
	}) (*struct {
		Body JobResponse `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		j, err := e.CompleteJob(ctx, input.JobID, engine.CompleteResult{
			ResultRef: input.Body.ResultRef,
			Stats:     input.Body.Stats,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobResponse `json:"body"`
		}{Body: JobResponse{Job: j}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fail-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{job_id}/fail",
		Summary:     "Report a job failure",
		Errors:      []int{http.StatusConflict, http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		jobPath
		Body FailJobRequest `json:"body"`
	}) (*struct {
		Body JobResponse `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		j, err := e.FailJob(ctx, input.JobID, input.Body.Error)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobResponse `json:"body"`
		}{Body: JobResponse{Job: j}}, nil
	})
}
