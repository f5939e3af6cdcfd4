package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"grantline/internal/domain"
	"grantline/internal/engine"
)

func registerReceipts(api huma.API, svc engine.Services) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-receipt",
		Method:        http.MethodPost,
		Path:          "/receipts",
		Summary:       "Submit execution receipt",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Body SubmitReceiptRequest `json:"body"`
	}) (*struct {
		Body domain.ExecutionReceipt `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		r, err := svc.Receipts.Submit(ctx, engine.SubmitOptions{
			ID:                   input.Body.ID,
			DTID:                 input.Body.DTID,
			PCID:                 input.Body.PCID,
			ExecutorType:         input.Body.ExecutorType,
			ExecutorID:           input.Body.ExecutorID,
			ExecutorUserID:       input.Body.ExecutorUserID,
			ExecutionStartedAt:   input.Body.ExecutionStartedAt,
			ExecutionCompletedAt: input.Body.ExecutionCompletedAt,
			Outcome:              input.Body.Outcome,
			KeepTokenActive:      input.Body.KeepTokenActive,
			TraceID:              input.Body.TraceID,
			ActorID:              actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ExecutionReceipt `json:"body"`
		}{Body: r}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-receipt",
		Method:      http.MethodGet,
		Path:        "/receipts/{er_id}",
		Summary:     "Get execution receipt",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ERID string `path:"er_id"`
	}) (*struct {
		Body domain.ExecutionReceipt `json:"body"`
	}, error) {
		r, err := svc.Receipts.Get(ctx, input.ERID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ExecutionReceipt `json:"body"`
		}{Body: r}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-receipt",
		Method:      http.MethodPost,
		Path:        "/receipts/{er_id}/verify",
		Summary:     "Verify execution receipt and its chain",
	}, func(ctx context.Context, input *struct {
		ERID string `path:"er_id"`
	}) (*struct {
		Body engine.ReceiptVerification `json:"body"`
	}, error) {
		res, err := svc.Receipts.Verify(ctx, input.ERID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ReceiptVerification `json:"body"`
		}{Body: res}, nil
	})
}
