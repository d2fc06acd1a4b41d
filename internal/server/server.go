package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dueline/internal/domain"
	"dueline/internal/engine"
	"dueline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// Gatherer backs GET /metrics. Nil leaves the route unmounted.
	Gatherer prometheus.Gatherer
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"version_conflict"`
	Message string         `json:"message" example:"version conflict: item inc-1 is at version 3, expected 2"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Dueline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// request schema failures are the caller's fault
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	if cfg.Gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	hcfg := huma.DefaultConfig("Dueline API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerItems(group, cfg.Engine)
	registerLifecycle(group, cfg.Engine)
	registerSLA(group, cfg.Engine)
	registerExceptions(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case errors.Is(err, engine.ErrWorkItemNotFound), errors.Is(err, engine.ErrExceptionNotFound), errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, engine.ErrVersionConflict):
		return newAPIError(http.StatusConflict, "version_conflict", msg, nil)
	case errors.Is(err, engine.ErrActiveExceptionExists):
		return newAPIError(http.StatusConflict, "active_exception_exists", msg, nil)
	case errors.Is(err, engine.ErrAlreadyDecided):
		return newAPIError(http.StatusConflict, "already_decided", msg, nil)
	case errors.Is(err, engine.ErrInvalidTransition):
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", msg, nil)
	case errors.Is(err, engine.ErrInvalidPolicy):
		return newAPIError(http.StatusUnprocessableEntity, "invalid_policy", msg, nil)
	case errors.Is(err, engine.ErrValidation):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Dueline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, specURL)
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

type itemPath struct {
	ID string `path:"id"`
}

type itemBody struct {
	Body domain.WorkItem `json:"body"`
}

func registerItems(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-item",
		Method:        http.MethodPost,
		Path:          "/items",
		Summary:       "Create work item",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateItemRequest `json:"body"`
	}) (*itemBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		it, err := e.Create(ctx, engine.CreateOptions{
			ID:       stringOrEmpty(input.Body.ID),
			Kind:     input.Body.Kind,
			Severity: input.Body.Severity,
			Title:    input.Body.Title,
			DueAt:    input.Body.DueAt,
			Owner:    stringOrEmpty(input.Body.Owner),
			Actor:    actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &itemBody{Body: it}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-items",
		Method:      http.MethodGet,
		Path:        "/items",
		Summary:     "List work items",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status"`
		Kind     string `query:"kind"`
		Severity string `query:"severity"`
		Owner    string `query:"owner"`
		Open     bool   `query:"open"`
		Limit    int    `query:"limit"`
	}) (*struct {
		Body paginatedItems `json:"body"`
	}, error) {
		items, err := e.List(ctx, repo.ItemFilters{
			Status:   domain.Status(input.Status),
			Kind:     domain.Kind(input.Kind),
			Severity: domain.Severity(input.Severity),
			Owner:    input.Owner,
			OpenOnly: input.Open,
			Limit:    normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedItems `json:"body"`
		}{Body: paginatedItems{Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-item",
		Method:      http.MethodGet,
		Path:        "/items/{id}",
		Summary:     "Get work item",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *itemPath) (*itemBody, error) {
		it, err := e.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &itemBody{Body: it}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "item-counts",
		Method:      http.MethodGet,
		Path:        "/items-summary",
		Summary:     "Count work items by lifecycle status",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body statusCounts `json:"body"`
	}, error) {
		counts, err := e.Repo.CountWorkItemsByStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body statusCounts `json:"body"`
		}{Body: statusCounts{Counts: counts}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "item-audit",
		Method:      http.MethodGet,
		Path:        "/items/{id}/audit",
		Summary:     "Audit trail in append order",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *itemPath) (*struct {
		Body auditTrail `json:"body"`
	}, error) {
		if _, err := e.Get(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		entries, err := e.Audit.List(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body auditTrail `json:"body"`
		}{Body: auditTrail{WorkItemID: input.ID, Entries: nonNilSlice(entries)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "item-deliveries",
		Method:      http.MethodGet,
		Path:        "/items/{id}/deliveries",
		Summary:     "Notification deliveries for an item",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *itemPath) (*struct {
		Body deliveryList `json:"body"`
	}, error) {
		if _, err := e.Get(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		ds, err := e.Repo.ListDeliveries(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body deliveryList `json:"body"`
		}{Body: deliveryList{Items: nonNilSlice(ds)}}, nil
	})
}

func registerLifecycle(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "transition-item",
		Method:      http.MethodPost,
		Path:        "/items/{id}/transition",
		Summary:     "Move a work item to another lifecycle status",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body TransitionRequest `json:"body"`
	}) (*itemBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		it, err := e.Transition(ctx, input.ID, input.Body.ExpectedVersion, input.Body.To, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &itemBody{Body: it}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reassign-item",
		Method:      http.MethodPost,
		Path:        "/items/{id}/reassign",
		Summary:     "Change the owner of a work item",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body ReassignRequest `json:"body"`
	}) (*itemBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		it, err := e.Reassign(ctx, input.ID, input.Body.ExpectedVersion, input.Body.Owner, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &itemBody{Body: it}, nil
	})
}

func parseAt(raw string) (time.Time, huma.StatusError) {
	if raw == "" {
		return time.Time{}, nil
	}
	at, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, newAPIError(http.StatusBadRequest, "bad_request", "at must be an RFC 3339 timestamp", map[string]any{"at": raw})
	}
	return at, nil
}

func registerSLA(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "item-status",
		Method:      http.MethodGet,
		Path:        "/items/{id}/status",
		Summary:     "Lifecycle and SLA status at an instant",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
		At string `query:"at" doc:"RFC 3339 instant; defaults to now"`
	}) (*struct {
		Body engine.StatusView `json:"body"`
	}, error) {
		at, perr := parseAt(input.At)
		if perr != nil {
			return nil, perr
		}
		view, err := e.GetStatus(ctx, input.ID, at)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.StatusView `json:"body"`
		}{Body: view}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "escalate-item",
		Method:      http.MethodPost,
		Path:        "/items/{id}/escalate",
		Summary:     "Run one escalation step for an item",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
		At string `query:"at" doc:"RFC 3339 instant; defaults to now"`
	}) (*struct {
		Body engine.EscalationOutcome `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		at, perr := parseAt(input.At)
		if perr != nil {
			return nil, perr
		}
		out, err := e.Escalate(ctx, input.ID, at)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.EscalationOutcome `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sweep",
		Method:      http.MethodPost,
		Path:        "/sweep",
		Summary:     "Run the escalation step for every open item",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		At string `query:"at" doc:"RFC 3339 instant; defaults to now"`
	}) (*struct {
		Body sweepResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		at, perr := parseAt(input.At)
		if perr != nil {
			return nil, perr
		}
		sum, err := e.Sweep(ctx, at)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body sweepResponse `json:"body"`
		}{Body: sweepResponse{Summary: sum}}, nil
	})
}

type exceptionBody struct {
	Body domain.Exception `json:"body"`
}

func registerExceptions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "request-exception",
		Method:        http.MethodPost,
		Path:          "/items/{id}/exceptions",
		Summary:       "Request an SLA exception",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string                  `path:"id"`
		Body RequestExceptionRequest `json:"body"`
	}) (*exceptionBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		exc, err := e.RequestException(ctx, engine.ExceptionRequest{
			WorkItemID:    input.ID,
			Reason:        input.Body.Reason,
			Justification: input.Body.Justification,
			ValidFrom:     input.Body.ValidFrom,
			ValidTo:       input.Body.ValidTo,
			ExtendDueTo:   input.Body.ExtendDueTo,
			Actor:         actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &exceptionBody{Body: exc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-exceptions",
		Method:      http.MethodGet,
		Path:        "/items/{id}/exceptions",
		Summary:     "List exceptions for an item",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *itemPath) (*struct {
		Body exceptionList `json:"body"`
	}, error) {
		list, err := e.ListExceptions(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body exceptionList `json:"body"`
		}{Body: exceptionList{Items: nonNilSlice(list)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-exception",
		Method:      http.MethodGet,
		Path:        "/exceptions/{id}",
		Summary:     "Get exception",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*exceptionBody, error) {
		exc, err := e.GetException(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &exceptionBody{Body: exc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-exception",
		Method:      http.MethodPost,
		Path:        "/exceptions/{id}/decision",
		Summary:     "Approve or reject a pending exception",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string                 `path:"id"`
		Body DecideExceptionRequest `json:"body"`
	}) (*exceptionBody, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		exc, err := e.DecideException(ctx, input.ID, input.Body.Decision == "approve", actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &exceptionBody{Body: exc}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 500 {
		return 500
	}
	return in
}
