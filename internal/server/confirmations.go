package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"grantline/internal/domain"
	"grantline/internal/engine"
)

func registerConfirmations(api huma.API, svc engine.Services) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-confirmation",
		Method:        http.MethodPost,
		Path:          "/confirmations",
		Summary:       "Record partner confirmation",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateConfirmationRequest `json:"body"`
	}) (*struct {
		Body domain.PartnerConfirmation `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req := requestFromContext(ctx)
		opts := engine.ConfirmationOptions{
			ID:                    input.Body.ID,
			DTID:                  input.Body.DTID,
			PartnerID:             input.Body.PartnerID,
			ConfirmerUserID:       input.Body.ConfirmerUserID,
			ConfirmerRole:         input.Body.ConfirmerRole,
			ConfirmationStatement: input.Body.ConfirmationStatement,
			AcceptedControls:      input.Body.AcceptedControls,
			TraceID:               input.Body.TraceID,
			ActorID:               actorID,
		}
		if req != nil {
			opts.IPAddress = req.RemoteAddr
			opts.UserAgent = req.UserAgent()
		}
		c, err := svc.Confirmations.Create(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PartnerConfirmation `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-confirmation",
		Method:      http.MethodGet,
		Path:        "/confirmations/{pc_id}",
		Summary:     "Get partner confirmation",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PCID string `path:"pc_id"`
	}) (*struct {
		Body domain.PartnerConfirmation `json:"body"`
	}, error) {
		c, err := svc.Confirmations.Get(ctx, input.PCID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PartnerConfirmation `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-confirmation",
		Method:      http.MethodPost,
		Path:        "/confirmations/{pc_id}/verify",
		Summary:     "Verify partner confirmation",
	}, func(ctx context.Context, input *struct {
		PCID string `path:"pc_id"`
	}) (*struct {
		Body engine.ConfirmationVerification `json:"body"`
	}, error) {
		res, err := svc.Confirmations.Verify(ctx, input.PCID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ConfirmationVerification `json:"body"`
		}{Body: res}, nil
	})
}

func requestFromContext(ctx context.Context) *http.Request {
	req, _ := ctx.Value(requestKey{}).(*http.Request)
	return req
}
