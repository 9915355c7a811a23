// Package server exposes the batch and inspection API over HTTP. Every
// state-changing route runs through the coordinator; read routes hit the
// mirror, except the explicit ledger view.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"traceline/internal/coordinator"
	"traceline/internal/domain"
	"traceline/internal/events"
	"traceline/internal/ledger"
	"traceline/internal/repo"
	"traceline/internal/resolver"
	"traceline/internal/syncer"
)

// Config for the HTTP API handler.
type Config struct {
	Coordinator coordinator.Coordinator
	Syncer      syncer.Syncer
	BasePath    string
	Auth        AuthConfig
	Now         func() time.Time
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"validation_failed"`
	Message string         `json:"message" example:"validation failed: missing required field: productName"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Traceline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Traceline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerAuth(group, cfg)
	registerBatches(group, cfg)
	registerInspections(group, cfg)
	registerSync(group, cfg)
	registerEvents(group, cfg)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps domain and ledger errors onto the HTTP envelope.
// MirrorPersistenceError is handled by the individual routes, because it is
// an accepted write, not a failure.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var verr *coordinator.ValidationError
	if errors.As(err, &verr) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(),
			map[string]any{"problems": verr.Problems})
	}
	var pf *coordinator.PartialFailureError
	if errors.As(err, &pf) {
		return newAPIError(http.StatusBadGateway, "ledger_partial_failure", err.Error(), map[string]any{
			"ledger_inspection_id": pf.LedgerInspectionID,
			"phase1_tx":            string(pf.Phase1Tx),
		})
	}
	var rej *ledger.RejectedError
	if errors.As(err, &rej) {
		return newAPIError(http.StatusConflict, "ledger_rejected", err.Error(),
			map[string]any{"tx": string(rej.TxRef)})
	}
	var te *ledger.TimeoutError
	if errors.As(err, &te) {
		return newAPIError(http.StatusGatewayTimeout, "ledger_timeout", err.Error(),
			map[string]any{"tx": string(te.TxRef)})
	}
	var ua *ledger.UnavailableError
	if errors.As(err, &ua) {
		return newAPIError(http.StatusServiceUnavailable, "ledger_unavailable", err.Error(), nil)
	}
	var unresolved *resolver.ErrUnresolved
	if errors.As(err, &unresolved) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error",
		map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerAuth(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        "/auth/login",
		Summary:     "Exchange credentials for a token",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body LoginRequest `json:"body"`
	}) (*struct {
		Body LoginResponse `json:"body"`
	}, error) {
		id, err := login(ctx, cfg.Coordinator.Repo, input.Body.Email, input.Body.Password)
		if err != nil {
			return nil, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
		}
		token, err := cfg.Auth.issueToken(id, cfg.Now())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LoginResponse `json:"body"`
		}{Body: LoginResponse{Token: token, Role: id.Role}}, nil
	})
}

func registerBatches(api huma.API, cfg Config) {
	coord := cfg.Coordinator

	huma.Register(api, huma.Operation{
		OperationID:   "create-batch",
		Method:        http.MethodPost,
		Path:          "/batches",
		Summary:       "Register a batch",
		Description:   "Writes the batch to the ledger first, then mirrors it. A 202 means the ledger accepted the batch but the mirror is pending reconciliation.",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusUnprocessableEntity,
			http.StatusConflict,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateBatchRequest `json:"body"`
	}) (*struct {
		Status int
		Body   BatchResponse `json:"body"`
	}, error) {
		if authErr := requireRole(ctx, domain.RoleProducer); authErr != nil {
			return nil, authErr
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		batch, warnings, err := coord.CreateBatch(ctx, input.Body.BatchMetadata, actorID)
		status := http.StatusCreated
		if err != nil {
			var mpe *coordinator.MirrorPersistenceError
			if !errors.As(err, &mpe) {
				return nil, handleError(err)
			}
			status = http.StatusAccepted
		}
		return &struct {
			Status int
			Body   BatchResponse `json:"body"`
		}{Status: status, Body: BatchResponse{Batch: batch, Warnings: warnings, Pending: status == http.StatusAccepted}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-batches",
		Method:      http.MethodGet,
		Path:        "/batches",
		Summary:     "List mirrored batches",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"pending,inspected,approved,rejected" required:"false"`
		Owner  string `query:"owner" required:"false"`
		Limit  int    `query:"limit" required:"false"`
		Cursor string `query:"cursor" required:"false" doc:"created_at,id of the last row seen"`
	}) (*struct {
		Body []domain.Batch `json:"body"`
	}, error) {
		filters := repo.BatchFilters{Status: input.Status, OwnerID: input.Owner, Limit: input.Limit}
		if input.Cursor != "" {
			if at, id, ok := strings.Cut(input.Cursor, ","); ok {
				filters.CursorCreatedAt, filters.CursorID = at, id
			}
		}
		items, err := coord.Repo.ListBatches(ctx, filters)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Batch `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-batch",
		Method:      http.MethodGet,
		Path:        "/batches/{batch_number}",
		Summary:     "Get a mirrored batch",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		BatchNumber string `path:"batch_number"`
	}) (*struct {
		Body domain.Batch `json:"body"`
	}, error) {
		b, err := coord.Repo.GetBatchByNumber(ctx, input.BatchNumber)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Batch `json:"body"`
		}{Body: b}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-batch-ledger",
		Method:      http.MethodGet,
		Path:        "/batches/{batch_number}/ledger",
		Summary:     "Read the batch straight from the ledger",
		Errors:      []int{http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		BatchNumber string `path:"batch_number"`
	}) (*struct {
		Body LedgerBatchResponse `json:"body"`
	}, error) {
		rec, err := coord.LedgerBatch(ctx, input.BatchNumber)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LedgerBatchResponse `json:"body"`
		}{Body: LedgerBatchResponse{BatchRecord: rec}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-batch-status",
		Method:      http.MethodPut,
		Path:        "/batches/{batch_number}/status",
		Summary:     "Manually transition a batch",
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusConflict,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
		},
	}, func(ctx context.Context, input *struct {
		BatchNumber string              `path:"batch_number"`
		Body        UpdateStatusRequest `json:"body"`
	}) (*struct {
		Status int
		Body   BatchResponse `json:"body"`
	}, error) {
		if authErr := requireRole(ctx, domain.RoleProducer, domain.RoleInspector); authErr != nil {
			return nil, authErr
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		requested, err := domain.ParseBatchStatus(input.Body.Status)
		if err != nil {
			return nil, newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), nil)
		}
		batch, err := coord.UpdateBatchStatus(ctx, input.BatchNumber, requested, actorID)
		status := http.StatusOK
		if err != nil {
			var mpe *coordinator.MirrorPersistenceError
			if !errors.As(err, &mpe) {
				return nil, handleError(err)
			}
			status = http.StatusAccepted
		}
		return &struct {
			Status int
			Body   BatchResponse `json:"body"`
		}{Status: status, Body: BatchResponse{Batch: batch, Pending: status == http.StatusAccepted}}, nil
	})
}

func registerInspections(api huma.API, cfg Config) {
	coord := cfg.Coordinator

	huma.Register(api, huma.Operation{
		OperationID:   "submit-inspection",
		Method:        http.MethodPost,
		Path:          "/batches/{batch_number}/inspection",
		Summary:       "Record an inspection",
		Description:   "Two-phase ledger write: create, then complete for terminal results. needs_recheck leaves the ledger inspection open on purpose.",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusConflict,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
		},
	}, func(ctx context.Context, input *struct {
		BatchNumber string                  `path:"batch_number"`
		Body        SubmitInspectionRequest `json:"body"`
	}) (*struct {
		Status int
		Body   InspectionResponse `json:"body"`
	}, error) {
		if authErr := requireRole(ctx, domain.RoleInspector); authErr != nil {
			return nil, authErr
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		result, err := domain.ParseInspectionResult(input.Body.Result)
		if err != nil {
			return nil, newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), nil)
		}
		out, err := coord.SubmitInspection(ctx, coordinator.InspectionOptions{
			BatchNumber: input.BatchNumber,
			InspectorID: actorID,
			Result:      result,
			FileURL:     input.Body.FileURL,
			Notes:       input.Body.Notes,
			InspDate:    input.Body.InspDate,
		})
		status := http.StatusCreated
		if err != nil {
			var mpe *coordinator.MirrorPersistenceError
			if !errors.As(err, &mpe) {
				return nil, handleError(err)
			}
			status = http.StatusAccepted
		}
		return &struct {
			Status int
			Body   InspectionResponse `json:"body"`
		}{Status: status, Body: InspectionResponse{
			Inspection: out.Inspection,
			Batch:      out.Batch,
			Pending:    status == http.StatusAccepted,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-inspection",
		Method:      http.MethodPost,
		Path:        "/inspections/complete",
		Summary:     "Complete a ledger inspection after a partial failure",
		Errors: []int{
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusConflict,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout,
		},
	}, func(ctx context.Context, input *struct {
		Body CompleteInspectionRequest `json:"body"`
	}) (*struct {
		Status int
		Body   InspectionResponse `json:"body"`
	}, error) {
		if authErr := requireRole(ctx, domain.RoleInspector); authErr != nil {
			return nil, authErr
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		result, err := domain.ParseInspectionResult(input.Body.Result)
		if err != nil {
			return nil, newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), nil)
		}
		out, err := coord.CompleteInspection(ctx, coordinator.CompleteOptions{
			BatchNumber:        input.Body.BatchNumber,
			LedgerInspectionID: input.Body.LedgerInspectionID,
			InspectorID:        actorID,
			Result:             result,
			FileURL:            input.Body.FileURL,
			Notes:              input.Body.Notes,
		})
		status := http.StatusOK
		if err != nil {
			var mpe *coordinator.MirrorPersistenceError
			if !errors.As(err, &mpe) {
				return nil, handleError(err)
			}
			status = http.StatusAccepted
		}
		return &struct {
			Status int
			Body   InspectionResponse `json:"body"`
		}{Status: status, Body: InspectionResponse{
			Inspection: out.Inspection,
			Batch:      out.Batch,
			Pending:    status == http.StatusAccepted,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-batch-inspections",
		Method:      http.MethodGet,
		Path:        "/batches/{batch_number}/inspections",
		Summary:     "List a batch's inspections, newest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		BatchNumber string `path:"batch_number"`
		Result      string `query:"result" enum:"pending,passed,failed,needs_recheck" required:"false"`
	}) (*struct {
		Body []domain.Inspection `json:"body"`
	}, error) {
		b, err := coord.Repo.GetBatchByNumber(ctx, input.BatchNumber)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := coord.Repo.ListInspections(ctx, repo.InspectionFilters{BatchID: b.ID, Result: input.Result})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Inspection `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-inspections",
		Method:      http.MethodGet,
		Path:        "/inspections",
		Summary:     "List mirrored inspections across all batches",
	}, func(ctx context.Context, input *struct {
		Inspector string `query:"inspector" required:"false"`
		Result    string `query:"result" enum:"pending,passed,failed,needs_recheck" required:"false"`
		Limit     int    `query:"limit" required:"false"`
	}) (*struct {
		Body []domain.Inspection `json:"body"`
	}, error) {
		items, err := coord.Repo.ListInspections(ctx, repo.InspectionFilters{
			InspectorID: input.Inspector,
			Result:      input.Result,
			Limit:       input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Inspection `json:"body"`
		}{Body: items}, nil
	})
}

func registerSync(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "run-sync",
		Method:      http.MethodPost,
		Path:        "/sync",
		Summary:     "Replay the ledger into the mirror",
		Errors:      []int{http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body syncer.Report `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		report, err := cfg.Syncer.RunFull(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body syncer.Report `json:"body"`
		}{Body: report}, nil
	})
}

func registerEvents(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Tail the audit log",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" required:"false"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := events.Writer{DB: cfg.Coordinator.DB}.Tail(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}
