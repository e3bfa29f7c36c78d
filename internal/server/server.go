package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"casework/internal/audit"
	"casework/internal/casestore"
	"casework/internal/domain"
	"casework/internal/outbox"
	"casework/internal/submit"
)

// Config for the HTTP API handler.
type Config struct {
	Coordinator *submit.Coordinator
	Cases       casestore.Store
	Audit       audit.Writer
	Outbox      outbox.Store
	BasePath    string
	Auth        AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"case version is stale"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope returned by every endpoint.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Casework API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(cfg.Auth))
	hcfg := huma.DefaultConfig("Casework API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerCases(group, cfg)
	registerHistory(group, cfg)
	registerOutbox(group, cfg)

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

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "unprocessable"
	default:
		return "internal"
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, casestore.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, submit.ErrUnknownEvent):
		return newAPIError(http.StatusNotFound, "unknown_event", err.Error(), nil)
	case errors.Is(err, casestore.ErrNotFound),
		errors.Is(err, audit.ErrNotFound),
		errors.Is(err, outbox.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal", err.Error(), nil)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Status string `json:"status" example:"ok"`
		}
	}, error) {
		out := &struct {
			Body struct {
				Status string `json:"status" example:"ok"`
			}
		}{}
		out.Body.Status = "ok"
		return out, nil
	})
}

func registerCases(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-event",
		Method:        http.MethodPost,
		Path:          "/cases/{reference}/events",
		Summary:       "Submit case event",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Reference      string        `path:"reference"`
		IdempotencyKey string        `header:"Idempotency-Key"`
		Body           SubmitRequest `json:"body"`
	}) (*struct {
		Body submit.Response `json:"body"`
	}, error) {
		if input.Body.EventID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "event_id is required", nil)
		}
		if input.Body.CaseTypeID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "case_type_id is required", nil)
		}
		user, ok := userFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		resp, err := cfg.Coordinator.Submit(ctx, submit.Event{
			CaseReference:   input.Reference,
			CaseTypeID:      input.Body.CaseTypeID,
			EventID:         input.Body.EventID,
			Jurisdiction:    input.Body.Jurisdiction,
			State:           input.Body.State,
			Data:            input.Body.Data,
			Classification:  domain.SecurityClassification(input.Body.Classification),
			ExpectedVersion: input.Body.ExpectedVersion,
			IdempotencyKey:  input.IdempotencyKey,
			User:            user,
			Summary:         input.Body.Summary,
			Description:     input.Body.Description,
		})
		if err != nil {
			return nil, handleError(err)
		}
		if len(resp.Errors) > 0 {
			return nil, newAPIError(http.StatusUnprocessableEntity, "rejected", "event rejected", map[string]any{
				"errors":   resp.Errors,
				"warnings": resp.Warnings,
			})
		}
		return &struct {
			Body submit.Response `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-case",
		Method:      http.MethodGet,
		Path:        "/cases/{reference}",
		Summary:     "Get case",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Reference string `path:"reference"`
	}) (*struct {
		Body domain.CaseRecord `json:"body"`
	}, error) {
		rec, err := cfg.Cases.GetByReference(ctx, input.Reference)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CaseRecord `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-cases",
		Method:      http.MethodGet,
		Path:        "/cases",
		Summary:     "Get cases by reference",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		References string `query:"references" required:"true" example:"1504259907353529,1504259907353545"`
	}) (*struct {
		Body CaseListResponse `json:"body"`
	}, error) {
		refs := splitRefs(input.References)
		if len(refs) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "references is required", nil)
		}
		records, err := cfg.Cases.GetMany(ctx, refs)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CaseListResponse `json:"body"`
		}{Body: CaseListResponse{Cases: records}}, nil
	})
}

func registerHistory(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "case-history",
		Method:      http.MethodGet,
		Path:        "/cases/{reference}/events",
		Summary:     "List case events",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Reference string `path:"reference"`
	}) (*struct {
		Body EventListResponse `json:"body"`
	}, error) {
		if _, err := cfg.Cases.GetByReference(ctx, input.Reference); err != nil {
			return nil, handleError(err)
		}
		events, err := cfg.Audit.LoadHistory(ctx, input.Reference)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventListResponse `json:"body"`
		}{Body: EventListResponse{Events: events}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "case-event",
		Method:      http.MethodGet,
		Path:        "/cases/{reference}/events/{event_id}",
		Summary:     "Get one case event",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Reference string `path:"reference"`
		EventID   int64  `path:"event_id"`
	}) (*struct {
		Body domain.AuditEvent `json:"body"`
	}, error) {
		event, err := cfg.Audit.LoadEvent(ctx, input.Reference, input.EventID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AuditEvent `json:"body"`
		}{Body: event}, nil
	})
}

func registerOutbox(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-outbox",
		Method:      http.MethodGet,
		Path:        "/outbox",
		Summary:     "List outbox records",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"NEW,PROCESSING,PROCESSED,FAILED" required:"false"`
		Limit  int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
	}) (*struct {
		Body OutboxListResponse `json:"body"`
	}, error) {
		records, err := cfg.Outbox.List(ctx, input.Status, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OutboxListResponse `json:"body"`
		}{Body: OutboxListResponse{Records: records}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-outbox",
		Method:      http.MethodPost,
		Path:        "/outbox/{id}/retry",
		Summary:     "Requeue a failed outbox record",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body domain.OutboxRecord `json:"body"`
	}, error) {
		if _, err := cfg.Outbox.Get(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		if err := cfg.Outbox.Reset(ctx, input.ID); err != nil {
			if errors.Is(err, outbox.ErrNotFound) {
				return nil, newAPIError(http.StatusConflict, "not_retryable", "record is not in FAILED status", nil)
			}
			return nil, handleError(err)
		}
		rec, err := cfg.Outbox.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.OutboxRecord `json:"body"`
		}{Body: rec}, nil
	})
}

func splitRefs(raw string) []string {
	var refs []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			refs = append(refs, part)
		}
	}
	return refs
}
