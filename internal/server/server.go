package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"deptrack/internal/domain"
	"deptrack/internal/engine"
	"deptrack/internal/engine/auth"
	"deptrack/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Repo     repo.Repo
	BasePath string
	Auth     AuthConfig
	Log      *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"forbidden"`
	Message string         `json:"message" example:"approve task denied: not approver"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"reason\":\"not approver\"}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type handlers struct {
	engine engine.Engine
	repo   repo.Repo
	log    *zap.Logger
}

// New returns an HTTP handler exposing the deptrack API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Repo.DB == nil {
		return nil, errors.New("server: repo is required")
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// Schema/request validation errors should be 400 bad_request
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
	router.Use(requestLogger(log))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Repo, log))
	hcfg := huma.DefaultConfig("deptrack API", "1.0.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = "" // custom Swagger UI below
	humaAPI := humachi.New(router, hcfg)
	group := huma.NewGroup(humaAPI, basePath)

	a := handlers{engine: cfg.Engine, repo: cfg.Repo, log: log}
	registerDocs(router, basePath)
	registerHealth(group)
	a.registerMe(group)
	a.registerProjects(group)
	a.registerTasks(group)
	a.registerEvents(group)
	registerOpenAPI(router, humaAPI, basePath)

	return router, nil
}

// requestLogger logs one line per request and every server error.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Duration("duration", time.Since(start)),
			}
			if status >= http.StatusInternalServerError {
				log.Error("request failed", fields...)
				return
			}
			log.Info("request", fields...)
		})
	}
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

// handleError maps the core error taxonomy onto HTTP statuses.
func (a handlers) handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var (
		ve domain.ValidationError
		ae domain.AuthorizationError
		ne domain.NotFoundError
		be domain.BusinessRuleError
		pe domain.PersistenceError
	)
	switch {
	case errors.As(err, &ve):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ve.Field, "reason": ve.Reason})
	case errors.As(err, &ae):
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"action": ae.Action, "reason": ae.Reason})
	case errors.As(err, &ne):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), map[string]any{"kind": ne.Kind, "id": ne.ID})
	case errors.As(err, &be):
		return newAPIError(http.StatusConflict, "business_rule_violation", err.Error(), map[string]any{"rule": be.Rule})
	case errors.As(err, &pe):
		a.log.Error("persistence failure", zap.String("op", pe.Op), zap.Error(pe.Err))
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	default:
		a.log.Error("unhandled error", zap.Error(err))
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
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
		return "business_rule_violation"
	case http.StatusForbidden:
		return "forbidden"
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
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func operations(item *huma.PathItem) []*huma.Operation {
	return []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch}
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range operations(item) {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"}},
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
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{Type: "http", Scheme: "bearer", BearerFormat: "JWT"}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{Type: "apiKey", In: "header", Name: "X-Api-Key"}
	security := []map[string][]string{{"bearerAuth": {}}, {"apiKeyAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
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
	specURL := path.Join("/", basePath, "openapi.json")
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>deptrack API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css"/>
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
    <script>
      window.onload = () => {
        window.ui = SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}

type statusBody struct {
	Body map[string]string `json:"body"`
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*statusBody, error) {
		return &statusBody{Body: map[string]string{"status": "ok"}}, nil
	})
}

func (a handlers) registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current user",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: whoAmIResponse(p)}, nil
	})
}

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusInternalServerError,
}

type projectPath struct {
	ProjectID string `path:"id"`
}

type projectBody struct {
	Body ProjectResponse `json:"body"`
}

func (a handlers) registerProjects(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*projectBody, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := a.engine.CreateProject(ctx, engine.ProjectCreateOptions{
			ID:           input.Body.ID,
			Name:         input.Body.Name,
			DepartmentID: input.Body.DepartmentID,
			TeamID:       input.Body.TeamID,
			Status:       input.Body.Status,
			StartDate:    input.Body.StartDate,
			Deadline:     input.Body.Deadline,
			Members:      input.Body.Members,
		}, actor)
		if err != nil {
			return nil, a.handleError(err)
		}
		return &projectBody{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *projectPath) (*projectBody, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := a.engine.GetProject(ctx, input.ProjectID, actor)
		if err != nil {
			return nil, a.handleError(err)
		}
		return &projectBody{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "adjust-project",
		Method:      http.MethodPost,
		Path:        "/projects/{id}/adjustment",
		Summary:     "Set manual progress adjustment",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string               `path:"id"`
		Body      AdjustProjectRequest `json:"body"`
	}) (*projectBody, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := a.engine.AdjustProject(ctx, input.ProjectID, input.Body.ManualAdjustment, actor)
		if err != nil {
			return nil, a.handleError(err)
		}
		return &projectBody{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-project-member",
		Method:      http.MethodPost,
		Path:        "/projects/{id}/members",
		Summary:     "Add project member",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ProjectID string           `path:"id"`
		Body      AddMemberRequest `json:"body"`
	}) (*projectBody, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := a.engine.AddProjectMember(ctx, input.ProjectID, input.Body.UserID, actor)
		if err != nil {
			return nil, a.handleError(err)
		}
		return &projectBody{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "recompute-project-progress",
		Method:      http.MethodPost,
		Path:        "/projects/{id}/recompute",
		Summary:     "Recompute project progress",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *projectPath) (*projectBody, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := a.engine.RecomputeProgress(ctx, input.ProjectID, actor)
		if err != nil {
			return nil, a.handleError(err)
		}
		return &projectBody{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-project-tasks",
		Method:      http.MethodGet,
		Path:        "/projects/{id}/tasks",
		Summary:     "List visible tasks of a project",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"id"`
		Stage      string `query:"stage" enum:"Backlog,Todo,In Progress,Review,Done"`
		AssigneeID string `query:"assignee_id"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := a.engine.GetProject(ctx, input.ProjectID, actor); err != nil {
			return nil, a.handleError(err)
		}
		items, err := a.engine.ListTasks(ctx, repo.TaskFilters{
			ProjectID:  input.ProjectID,
			Stage:      input.Stage,
			AssigneeID: input.AssigneeID,
			Limit:      normalizeLimit(input.Limit),
		}, actor)
		if err != nil {
			return nil, a.handleError(err)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}

type taskPath struct {
	TaskID string `path:"id"`
}

type taskBody struct {
	Body TaskResponse `json:"body"`
}

func (a handlers) registerTasks(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*taskBody, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b := input.Body
		t, err := a.engine.CreateTask(ctx, engine.TaskCreateOptions{
			ID:                     b.ID,
			ProjectID:              b.ProjectID,
			Title:                  b.Title,
			Description:            b.Description,
			AssigneeID:             b.AssigneeID,
			RequestingDepartmentID: b.RequestingDepartmentID,
			ExecutingDepartmentID:  b.ExecutingDepartmentID,
			Priority:               b.Priority,
			Stage:                  b.KanbanStage,
			Progress:               b.Progress,
			DueDate:                b.DueDate,
			Remark:                 b.Remark,
		}, actor)
		if err != nil {
			return nil, a.handleError(err)
		}
		return &taskBody{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*taskBody, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := a.engine.GetTask(ctx, input.TaskID, actor)
		if err != nil {
			return nil, a.handleError(err)
		}
		return &taskBody{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/tasks/{id}",
		Summary:     "Update task fields",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string            `path:"id"`
		Body   UpdateTaskRequest `json:"body"`
	}) (*taskBody, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := a.engine.UpdateTask(ctx, input.TaskID, input.Body.patch(), actor)
		if err != nil {
			return nil, a.handleError(err)
		}
		return &taskBody{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "move-task-stage",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/stage",
		Summary:     "Move task to a kanban stage",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string           `path:"id"`
		Body   MoveStageRequest `json:"body"`
	}) (*struct {
		Body MoveStageResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := a.engine.MoveTaskStage(ctx, input.TaskID, input.Body.Stage, actor)
		if err != nil {
			return nil, a.handleError(err)
		}
		return &struct {
			Body MoveStageResponse `json:"body"`
		}{Body: moveResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/approve",
		Summary:     "Approve a task in review",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *taskPath) (*taskBody, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := a.engine.ApproveTask(ctx, input.TaskID, actor)
		if err != nil {
			return nil, a.handleError(err)
		}
		return &taskBody{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/reject",
		Summary:     "Send a task in review back to in progress",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string            `path:"id"`
		Body   RejectTaskRequest `json:"body"`
	}) (*taskBody, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := a.engine.RejectTask(ctx, input.TaskID, input.Body.Reason, actor)
		if err != nil {
			return nil, a.handleError(err)
		}
		return &taskBody{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-task",
		Method:        http.MethodDelete,
		Path:          "/tasks/{id}",
		Summary:       "Delete task",
		DefaultStatus: http.StatusNoContent,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *taskPath) (*struct{}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := a.engine.DeleteTask(ctx, input.TaskID, actor); err != nil {
			return nil, a.handleError(err)
		}
		return &struct{}{}, nil
	})
}

func (a handlers) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `query:"project_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"project,task"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if !auth.IsWildcard(actor.Role) {
			return nil, a.handleError(domain.AuthorizationError{Action: "read events", Reason: domain.ReasonMissingCapability})
		}
		limit := normalizeLimit(input.Limit)
		var before int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			before = parsed
		}
		items, err := a.repo.LatestEvents(ctx, repo.EventFilters{
			ProjectID:  input.ProjectID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			BeforeID:   before,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, a.handleError(domain.PersistenceError{Op: "list events", Err: err})
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
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
