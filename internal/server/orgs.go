package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"meterline/internal/engine"
	"meterline/internal/engine/auth"
	"meterline/internal/guard"
)

type OrgPath struct {
	OrgID string `path:"org_id"`
}

func registerSimulations(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "run-simulation",
		Method:        http.MethodPost,
		Path:          "/simulations",
		Summary:       "Run or fetch a simulation",
		DefaultStatus: http.StatusAccepted,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body RunSimulationRequest `json:"body"`
	}) (*struct {
		Body SimulationResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		out, err := e.RunSimulation(ctx, engine.SimulationRequest{
			OrgID:         input.Body.OrgID,
			UserID:        userID,
			ModelID:       input.Body.ModelID,
			ModelVersion:  input.Body.ModelVersion,
			Parameters:    input.Body.Parameters,
			Units:         input.Body.Units,
			Seed:          input.Body.Seed,
			Mode:          input.Body.Mode,
			AdminOverride: input.Body.AdminOverride,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SimulationResponse `json:"body"`
		}{Body: SimulationResponse{SimulationOutcome: out}}, nil
	})
}

func registerOrgs(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "org-balance",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/balance",
		Summary:     "Credit balance",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *OrgPath) (*struct {
		Body BalanceResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Auth.RequireMember(ctx, input.OrgID, userID); err != nil {
			return nil, handleError(err)
		}
		b, err := e.Credits.GetBalance(ctx, input.OrgID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BalanceResponse `json:"body"`
		}{Body: BalanceResponse{Balance: b}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "org-usage",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/usage",
		Summary:     "Usage summary for the current period",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *OrgPath) (*struct {
		Body UsageResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Auth.RequireMember(ctx, input.OrgID, userID); err != nil {
			return nil, handleError(err)
		}
		b, recs, err := e.Credits.GetUsageSummary(ctx, input.OrgID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UsageResponse `json:"body"`
		}{Body: UsageResponse{Balance: b, Records: recs}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "org-quotas",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/quotas",
		Summary:     "Quota counters",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *OrgPath) (*struct {
		Body QuotaListResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Auth.RequireMember(ctx, input.OrgID, userID); err != nil {
			return nil, handleError(err)
		}
		qs, err := e.Quotas.List(ctx, input.OrgID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body QuotaListResponse `json:"body"`
		}{Body: QuotaListResponse{Quotas: qs}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "grant-credits",
		Method:        http.MethodPost,
		Path:          "/orgs/{org_id}/credits/grant",
		Summary:       "Grant credits (admin)",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		OrgPath
		Body GrantCreditsRequest `json:"body"`
	}) (*struct {
		Body GrantResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := e.Credits.AdminAddCredits(ctx, input.OrgID, userID, input.Body.Credits, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		b, err := e.Credits.GetBalance(ctx, input.OrgID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GrantResponse `json:"body"`
		}{Body: GrantResponse{Record: rec, Balance: b}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "org-reconcile",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/reconcile",
		Summary:     "Unconfirmed guard actions (admin)",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *OrgPath) (*struct {
		Body ReconcileResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Auth.RequireRole(ctx, input.OrgID, userID, auth.RoleAdmin); err != nil {
			return nil, handleError(err)
		}
		actions, err := e.IncompleteGuardActions(ctx, input.OrgID)
		if err != nil {
			return nil, handleError(err)
		}
		if actions == nil {
			actions = []guard.Action{}
		}
		return &struct {
			Body ReconcileResponse `json:"body"`
		}{Body: ReconcileResponse{Incomplete: actions}}, nil
	})
}
