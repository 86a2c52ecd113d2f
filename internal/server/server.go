package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"launchline/internal/domain"
	"launchline/internal/engine"
	"launchline/internal/repo"
	"launchline/internal/taskapi"
	"launchline/internal/webhook"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Ingestor *webhook.Ingestor
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"validation_failed"`
	Message string         `json:"message" example:"code: is required"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"field\":\"code\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the launchline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors are 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	webhookRoute := path.Join(basePath, webhookPath)
	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body := r.Body
			if r.URL.Path == webhookRoute {
				body = http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes)
			}
			bodyBytes, err := io.ReadAll(body)
			if err != nil {
				logger.Warn("request body discarded", "path", r.URL.Path, "error", err)
				bodyBytes = nil
			}
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("launchline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := handlers{e: cfg.Engine, logger: logger.With("component", "server")}
	registerDocs(router, basePath)
	registerHealth(group)
	h.registerProjects(group)
	h.registerChecklists(group)
	h.registerGates(group)
	h.registerSync(group)
	h.registerEvents(group)
	h.registerCatalog(group)
	h.registerIntegration(group)
	registerWebhooks(group, cfg.Engine, cfg.Ingestor)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

// handlers binds operations to one engine.
type handlers struct {
	e      engine.Engine
	logger *slog.Logger
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

func (h handlers) fail(err error) huma.StatusError {
	se := handleError(err)
	if se != nil && se.GetStatus() >= http.StatusInternalServerError {
		h.logger.Error("request failed", "status", se.GetStatus(), "error", err)
	}
	return se
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve *engine.ValidationError
	if errors.As(err, &ve) {
		var details map[string]any
		if ve.Field != "" {
			details = map[string]any{"field": ve.Field}
		}
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), details)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrConflict) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	if errors.Is(err, taskapi.ErrNotConfigured) {
		return newAPIError(http.StatusServiceUnavailable, "task_api_not_configured", err.Error(), nil)
	}
	var ae *taskapi.APIError
	if errors.As(err, &ae) {
		return newAPIError(http.StatusBadGateway, "task_api_error", "task api request failed", map[string]any{
			"status_code": ae.StatusCode,
			"body":        ae.Body,
		})
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
	var doc []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if doc == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			doc, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
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
	open := map[string]bool{
		path.Join("/", basePath, "health"):    true,
		path.Join("/", basePath, webhookPath): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
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
    <title>launchline API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; when a JWT secret is configured.
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

func (h handlers) registerProjects(api huma.API) {
	e := h.e
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project with checklists",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body CreateProjectResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		in := engine.CreateProjectInput{
			Name:              input.Body.Name,
			Code:              input.Body.Code,
			ExternalProjectID: input.Body.ExternalProjectID,
			ActorID:           actorIDFromContext(ctx),
		}
		if input.Body.Decision != nil {
			raw, err := json.Marshal(input.Body.Decision)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "decision must be a JSON object", nil)
			}
			in.DecisionJSON = string(raw)
		}
		for _, c := range input.Body.Checklists {
			in.Checklists = append(in.Checklists, engine.ChecklistAssignment(c))
		}
		res, err := e.CreateProject(ctx, in)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body CreateProjectResponse `json:"body"`
		}{Body: createProjectResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		items, err := e.ListProjects(ctx)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: mapProjects(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Project overview by id or code",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProjectOverviewResponse `json:"body"`
	}, error) {
		ov, err := e.ProjectOverview(ctx, input.ProjectID)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body ProjectOverviewResponse `json:"body"`
		}{Body: overviewResponse(ov)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-project",
		Method:      http.MethodDelete,
		Path:        "/projects/{project_id}",
		Summary:     "Delete project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID    string `path:"project_id"`
		DeleteRemote bool   `query:"delete_remote"`
	}) (*struct {
		Body DeleteProjectResponse `json:"body"`
	}, error) {
		p, err := e.ResolveProject(ctx, input.ProjectID)
		if err != nil {
			return nil, h.fail(err)
		}
		res, err := e.DeleteProject(ctx, p.ID, input.DeleteRemote, actorIDFromContext(ctx))
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body DeleteProjectResponse `json:"body"`
		}{Body: DeleteProjectResponse{
			ProjectID:     res.ProjectID,
			RemoteDeleted: res.RemoteDeleted,
			RemoteFailed:  res.RemoteFailed,
			Warnings:      nonNilSlice(res.Warnings),
		}}, nil
	})
}

func (h handlers) registerChecklists(api huma.API) {
	e := h.e
	huma.Register(api, huma.Operation{
		OperationID:   "add-checklist",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/checklists",
		Summary:       "Assign a checklist to a project",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string                     `path:"project_id"`
		Body      ChecklistAssignmentRequest `json:"body"`
	}) (*struct {
		Body AddChecklistResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, err := e.ResolveProject(ctx, input.ProjectID)
		if err != nil {
			return nil, h.fail(err)
		}
		res, err := e.AddChecklist(ctx, p.ID, engine.ChecklistAssignment(input.Body), actorIDFromContext(ctx))
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body AddChecklistResponse `json:"body"`
		}{Body: addChecklistResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-checklist",
		Method:      http.MethodPatch,
		Path:        "/checklists/{checklist_id}",
		Summary:     "Set checklist status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ChecklistID string                 `path:"checklist_id"`
		Body        UpdateChecklistRequest `json:"body"`
	}) (*struct {
		Body ChecklistStatusResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		res, err := e.SetChecklistStatus(ctx, input.ChecklistID, input.Body.Status, actorIDFromContext(ctx))
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body ChecklistStatusResponse `json:"body"`
		}{Body: checklistStatusResponse(res)}, nil
	})
}

func (h handlers) registerGates(api huma.API) {
	e := h.e
	huma.Register(api, huma.Operation{
		OperationID: "get-gates",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/gates",
		Summary:     "Derive gate status without persisting",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body GateEvaluationResponse `json:"body"`
	}, error) {
		p, err := e.ResolveProject(ctx, input.ProjectID)
		if err != nil {
			return nil, h.fail(err)
		}
		ev, err := e.GateStatus(ctx, p.ID)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body GateEvaluationResponse `json:"body"`
		}{Body: ev}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "recalculate-gates",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/gates/recalculate",
		Summary:     "Re-derive and store project status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body GateEvaluationResponse `json:"body"`
	}, error) {
		p, err := e.ResolveProject(ctx, input.ProjectID)
		if err != nil {
			return nil, h.fail(err)
		}
		ev, err := e.RecalculateGates(ctx, p.ID)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body GateEvaluationResponse `json:"body"`
		}{Body: ev}, nil
	})
}

func (h handlers) registerSync(api huma.API) {
	e := h.e
	huma.Register(api, huma.Operation{
		OperationID: "sync-project",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/sync",
		Summary:     "Create remote tasks for unsynced checklists",
		Errors:      []int{http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body SyncTallyResponse `json:"body"`
	}, error) {
		p, err := e.ResolveProject(ctx, input.ProjectID)
		if err != nil {
			return nil, h.fail(err)
		}
		tally, err := e.SyncProject(ctx, p.ID)
		if err != nil {
			return nil, h.fail(err)
		}
		tally.Results = nonNilSlice(tally.Results)
		return &struct {
			Body SyncTallyResponse `json:"body"`
		}{Body: tally}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-sync",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/sync/retry",
		Summary:     "Recreate remote tasks of failed sync records",
		Errors:      []int{http.StatusNotFound, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body RetryTallyResponse `json:"body"`
	}, error) {
		p, err := e.ResolveProject(ctx, input.ProjectID)
		if err != nil {
			return nil, h.fail(err)
		}
		tally, err := e.RetrySync(ctx, p.ID)
		if err != nil {
			return nil, h.fail(err)
		}
		tally.Results = nonNilSlice(tally.Results)
		return &struct {
			Body RetryTallyResponse `json:"body"`
		}{Body: tally}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sync-records",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/sync-records",
		Summary:     "List sync records",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []domain.SyncRecord `json:"body"`
	}, error) {
		p, err := e.ResolveProject(ctx, input.ProjectID)
		if err != nil {
			return nil, h.fail(err)
		}
		items, err := e.SyncRecords(ctx, p.ID)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body []domain.SyncRecord `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sync-task",
		Method:      http.MethodPost,
		Path:        "/sync/tasks/{task_id}",
		Summary:     "Pull one remote task's completion state",
		Errors:      []int{http.StatusNotFound, http.StatusBadGateway, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body TaskSyncResponse `json:"body"`
	}, error) {
		res, err := e.SyncTask(ctx, input.TaskID)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body TaskSyncResponse `json:"body"`
		}{Body: TaskSyncResponse{
			Instance:       res.Instance,
			PreviousStatus: string(res.PreviousStatus),
			Changed:        res.Changed,
			Gates:          res.Gates,
		}}, nil
	})
}

func (h handlers) registerEvents(api huma.API) {
	e := h.e
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		p, err := e.ResolveProject(ctx, input.ProjectID)
		if err != nil {
			return nil, h.fail(err)
		}
		items, err := e.ProjectEvents(ctx, p.ID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, h.fail(err)
		}
		out := make([]EventResponse, 0, len(items))
		for _, evt := range items {
			out = append(out, eventResponse(evt))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: out}, nil
	})
}

func (h handlers) registerCatalog(api huma.API) {
	e := h.e
	huma.Register(api, huma.Operation{
		OperationID: "list-templates",
		Method:      http.MethodGet,
		Path:        "/catalog/templates",
		Summary:     "List checklist templates",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.ChecklistTemplate `json:"body"`
	}, error) {
		items, err := e.Catalog.Templates(ctx)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body []domain.ChecklistTemplate `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-gates",
		Method:      http.MethodGet,
		Path:        "/catalog/gates",
		Summary:     "List gates with requirements",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Gate `json:"body"`
	}, error) {
		items, err := e.Catalog.Gates(ctx)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body []domain.Gate `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}

func (h handlers) registerIntegration(api huma.API) {
	e := h.e
	huma.Register(api, huma.Operation{
		OperationID: "integration-ping",
		Method:      http.MethodGet,
		Path:        "/integration/ping",
		Summary:     "Check remote task API credentials",
		Errors:      []int{http.StatusBadGateway, http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body PingResponse `json:"body"`
	}, error) {
		me, err := e.Ping(ctx)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body PingResponse `json:"body"`
		}{Body: PingResponse{OK: true, ID: me.ID, Name: me.Name, Email: me.Email}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
