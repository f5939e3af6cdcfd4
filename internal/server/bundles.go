package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"grantline/internal/domain"
	"grantline/internal/engine"
)

func registerBundles(api huma.API, svc engine.Services) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-bundle",
		Method:        http.MethodPost,
		Path:          "/bundles",
		Summary:       "Register proof bundle",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Body RegisterBundleRequest `json:"body"`
	}) (*struct {
		Body domain.ProofBundle `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := svc.Verify.RegisterBundle(ctx, engine.BundleOptions{
			ID:                   input.Body.ID,
			EnterpriseID:         input.Body.EnterpriseID,
			DTID:                 input.Body.DTID,
			Content:              input.Body.Content,
			PolicySnapshotDigest: input.Body.PolicySnapshotDigest,
			ActorID:              actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ProofBundle `json:"body"`
		}{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-bundle",
		Method:      http.MethodGet,
		Path:        "/bundles/{bundle_id}",
		Summary:     "Get proof bundle",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		BundleID string `path:"bundle_id"`
	}) (*struct {
		Body domain.ProofBundle `json:"body"`
	}, error) {
		b, err := svc.Verify.GetBundle(ctx, input.BundleID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ProofBundle `json:"body"`
		}{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-bundle",
		Method:      http.MethodPost,
		Path:        "/bundles/{bundle_id}/verify",
		Summary:     "Verify proof bundle",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		BundleID string `path:"bundle_id"`
	}) (*struct {
		Body engine.BundleVerification `json:"body"`
	}, error) {
		res, err := svc.Verify.VerifyBundle(ctx, input.BundleID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.BundleVerification `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "bundle-report",
		Method:      http.MethodGet,
		Path:        "/bundles/{bundle_id}/report",
		Summary:     "Compliance report for proof bundle",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		BundleID string `path:"bundle_id"`
	}) (*struct {
		Body engine.ComplianceReport `json:"body"`
	}, error) {
		report, err := svc.Verify.GenerateReport(ctx, input.BundleID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ComplianceReport `json:"body"`
		}{Body: report}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "register-policy-artifact",
		Method:        http.MethodPost,
		Path:          "/policy-artifacts",
		Summary:       "Register policy snapshot",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body RegisterPolicyArtifactRequest `json:"body"`
	}) (*struct {
		Body domain.PolicyArtifact `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := svc.Verify.RegisterPolicyArtifact(ctx, engine.PolicyArtifactOptions{
			SnapshotID:   input.Body.SnapshotID,
			EnterpriseID: input.Body.EnterpriseID,
			Content:      input.Body.Content,
			ActorID:      actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PolicyArtifact `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-policy-artifact",
		Method:      http.MethodGet,
		Path:        "/policy-artifacts/{snapshot_id}",
		Summary:     "Get policy snapshot",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SnapshotID string `path:"snapshot_id"`
	}) (*struct {
		Body domain.PolicyArtifact `json:"body"`
	}, error) {
		p, err := svc.Verify.GetPolicyArtifact(ctx, input.SnapshotID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PolicyArtifact `json:"body"`
		}{Body: p}, nil
	})
}
