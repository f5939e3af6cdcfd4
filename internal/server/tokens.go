package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"grantline/internal/domain"
	"grantline/internal/engine"
	"grantline/internal/repo"
)

func registerTokens(api huma.API, svc engine.Services) {
	huma.Register(api, huma.Operation{
		OperationID:   "issue-token",
		Method:        http.MethodPost,
		Path:          "/tokens",
		Summary:       "Issue decision token",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body IssueTokenRequest `json:"body"`
	}) (*struct {
		Body domain.DecisionToken `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := svc.Tokens.Issue(ctx, engine.IssueOptions{
			ID:                   input.Body.ID,
			EnterpriseID:         input.Body.EnterpriseID,
			PartnerID:            input.Body.PartnerID,
			PolicySnapshotID:     input.Body.PolicySnapshotID,
			PolicySnapshotDigest: input.Body.PolicySnapshotDigest,
			ToolName:             input.Body.ToolName,
			ToolVersion:          input.Body.ToolVersion,
			VendorName:           input.Body.VendorName,
			UsageGrant:           input.Body.UsageGrant,
			Decision:             input.Body.Decision,
			Reusable:             input.Body.Reusable,
			ExpiryHours:          input.Body.ExpiryHours,
			TraceID:              input.Body.TraceID,
			ActorID:              actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.DecisionToken `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tokens",
		Method:      http.MethodGet,
		Path:        "/tokens",
		Summary:     "List decision tokens",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		EnterpriseID string `query:"enterprise_id"`
		PartnerID    string `query:"partner_id"`
		Status       string `query:"status" enum:"active,expired,revoked,consumed,"`
		ToolName     string `query:"tool_name"`
		Mine         bool   `query:"mine" doc:"limit to tokens the caller issued or is named partner on"`
		Limit        int    `query:"limit" default:"50"`
		Cursor       string `query:"cursor"`
	}) (*struct {
		Body paginatedTokens `json:"body"`
	}, error) {
		filters := repo.TokenFilters{
			EnterpriseID: input.EnterpriseID,
			PartnerID:    input.PartnerID,
			Status:       input.Status,
			ToolName:     input.ToolName,
			Limit:        normalizeLimit(input.Limit) + 1,
		}
		if input.Mine {
			actorID, authErr := actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			filters.CallerID = actorID
		}
		if input.Cursor != "" {
			issuedAt, id, ok := strings.Cut(input.Cursor, "~")
			if !ok {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			filters.CursorIssuedAt = issuedAt
			filters.CursorID = id
		}
		items, err := svc.Tokens.List(ctx, filters)
		if err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		resp := paginatedTokens{Items: []domain.DecisionToken{}}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = fmt.Sprintf("%s~%s", last.IssuedAt, last.ID)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedTokens `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-token",
		Method:      http.MethodGet,
		Path:        "/tokens/{dt_id}",
		Summary:     "Get decision token",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DTID string `path:"dt_id"`
	}) (*struct {
		Body domain.DecisionToken `json:"body"`
	}, error) {
		t, err := svc.Tokens.Get(ctx, input.DTID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.DecisionToken `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-token",
		Method:      http.MethodPost,
		Path:        "/tokens/{dt_id}/verify",
		Summary:     "Verify decision token",
	}, func(ctx context.Context, input *struct {
		DTID string `path:"dt_id"`
	}) (*struct {
		Body engine.TokenVerification `json:"body"`
	}, error) {
		res, err := svc.Tokens.Verify(ctx, input.DTID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.TokenVerification `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-token",
		Method:      http.MethodPost,
		Path:        "/tokens/{dt_id}/revoke",
		Summary:     "Revoke decision token",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		DTID string             `path:"dt_id"`
		Body RevokeTokenRequest `json:"body"`
	}) (*struct {
		Body domain.DecisionToken `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := svc.Tokens.Revoke(ctx, input.DTID, input.Body.Reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.DecisionToken `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "consume-token",
		Method:      http.MethodPost,
		Path:        "/tokens/{dt_id}/consume",
		Summary:     "Consume decision token",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		DTID string `path:"dt_id"`
	}) (*struct {
		Body ConsumeTokenResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		won, err := svc.Tokens.Consume(ctx, input.DTID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		t, err := svc.Tokens.Get(ctx, input.DTID)
		if err != nil {
			return nil, handleError(err)
		}
		if !won {
			return nil, newAPIError(http.StatusConflict, "state_conflict",
				fmt.Sprintf("cannot consume decision token %s: status is %q", t.ID, t.Status),
				map[string]any{"current_status": t.Status})
		}
		return &struct {
			Body ConsumeTokenResponse `json:"body"`
		}{Body: ConsumeTokenResponse{Consumed: true, Token: t}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-proof-chain",
		Method:      http.MethodGet,
		Path:        "/tokens/{dt_id}/chain",
		Summary:     "Get proof chain for decision token",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DTID string `path:"dt_id"`
	}) (*struct {
		Body domain.ProofChain `json:"body"`
	}, error) {
		chain, err := svc.Receipts.ProofChain(ctx, input.DTID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ProofChain `json:"body"`
		}{Body: chain}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-confirmation-request",
		Method:      http.MethodGet,
		Path:        "/tokens/{dt_id}/confirmation-request",
		Summary:     "Token details for a partner asked to confirm",
		Errors: []int{
			http.StatusNotFound,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		DTID      string `path:"dt_id"`
		PartnerID string `query:"partner_id"`
	}) (*struct {
		Body engine.TokenView `json:"body"`
	}, error) {
		partnerID := input.PartnerID
		if partnerID == "" {
			if actorID, authErr := actorIDFromContext(ctx); authErr == nil {
				partnerID = actorID
			}
		}
		view, err := svc.Confirmations.TokenForPartner(ctx, input.DTID, partnerID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.TokenView `json:"body"`
		}{Body: view}, nil
	})
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}
