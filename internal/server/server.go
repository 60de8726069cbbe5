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
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"stageline/internal/catalog"
	"stageline/internal/dashboard"
	"stageline/internal/dispatch"
	"stageline/internal/domain"
	"stageline/internal/repo"
	"stageline/internal/tracker"
)

// Config for the HTTP API handler.
type Config struct {
	Tracker    *tracker.Tracker
	Dispatcher *dispatch.Dispatcher
	Aggregator *dashboard.Aggregator
	Catalog    catalog.Catalog
	BasePath   string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"stage prompts blocked by design"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Stageline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
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
	hcfg := huma.DefaultConfig("Stageline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProjects(group, cfg)
	registerBuild(group, cfg)
	registerStages(group, cfg)
	registerControl(group, cfg)
	registerTasks(group, cfg)
	registerEvents(group, cfg)
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
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, tracker.ErrAlreadyExists):
		return newAPIError(http.StatusConflict, "already_exists", err.Error(), nil)
	case errors.Is(err, tracker.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, tracker.ErrInvalidTransition):
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "required") || strings.Contains(lowered, "invalid") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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
		return "invalid_transition"
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

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Stageline API Docs</title>
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

func registerProjects(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project and dispatch its first build",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Requirement) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "requirement is required", nil)
		}
		id := input.Body.ID
		if id == "" {
			id = newProjectID()
		}
		name := input.Body.Name
		if name == "" {
			name = id
		}
		p, err := cfg.Tracker.Initialize(ctx, id, name, input.Body.Requirement, cfg.Catalog)
		if err != nil {
			return nil, handleError(err)
		}
		if _, err := cfg.Dispatcher.Enqueue(ctx, p.ID); err != nil {
			return nil, handleError(err)
		}
		p, err = cfg.Tracker.Read(ctx, p.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		items, err := cfg.Tracker.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]ProjectResponse, 0, len(items))
		for _, p := range items {
			res = append(res, projectResponse(p))
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, err := cfg.Tracker.Read(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-project",
		Method:        http.MethodDelete,
		Path:          "/projects/{project_id}",
		Summary:       "Delete project and its task history",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct{}, error) {
		p, err := cfg.Tracker.Read(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		if p.LatestTaskID != nil {
			// best-effort: stop in-flight work before the row disappears
			_ = cfg.Dispatcher.Cancel(ctx, *p.LatestTaskID)
		}
		if err := cfg.Tracker.Delete(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerBuild(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "get-build",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/build",
		Summary:     "Build dashboard view",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body dashboard.BuildView `json:"body"`
	}, error) {
		view, err := cfg.Aggregator.View(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body dashboard.BuildView `json:"body"`
		}{Body: view}, nil
	})
}

func registerStages(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-stages",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/stages",
		Summary:     "Stage list with catalog display metadata",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []StageResponse `json:"body"`
	}, error) {
		p, err := cfg.Tracker.Read(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]StageResponse, 0, len(p.Stages))
		for _, rec := range p.Stages {
			res = append(res, stageResponse(rec, cfg.Catalog))
		}
		return &struct {
			Body []StageResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-stage",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/stages/{name}",
		Summary:     "Stage detail",
		Description: "Stage detail only exists once the stage has been started.",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Name      string `path:"name"`
	}) (*struct {
		Body StageResponse `json:"body"`
	}, error) {
		p, err := cfg.Tracker.Read(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		for _, rec := range p.Stages {
			if rec.Name != input.Name {
				continue
			}
			if rec.StartedAt == nil {
				break
			}
			return &struct {
				Body StageResponse `json:"body"`
			}{Body: stageResponse(rec, cfg.Catalog)}, nil
		}
		return nil, newAPIError(http.StatusNotFound, "not_found", "Stage not found", nil)
	})
}

func registerControl(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "control-project",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/control",
		Summary:     "Pause, resume, cancel or retry a build",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string         `path:"project_id"`
		Body      ControlRequest `json:"body"`
	}) (*struct {
		Body ControlResponse `json:"body"`
	}, error) {
		res := ControlResponse{ProjectID: input.ProjectID, Action: input.Body.Action}
		switch input.Body.Action {
		case "pause", "cancel":
			p, err := cfg.Tracker.Read(ctx, input.ProjectID)
			if err != nil {
				return nil, handleError(err)
			}
			if p.Terminal() {
				return nil, newAPIError(http.StatusConflict, "conflict", "project already completed", nil)
			}
			if active := activeTask(ctx, cfg, p); active != nil {
				// cooperative: the running stage finishes, then the run stops
				if err := cfg.Dispatcher.Cancel(ctx, active.ID); err != nil {
					return nil, handleError(err)
				}
				res.Status = "cancelling"
			} else {
				updated, err := cfg.Tracker.SetControlStatus(ctx, input.ProjectID, domain.ProjectPaused)
				if err != nil {
					return nil, handleError(err)
				}
				res.Status = updated.Status
			}
		case "resume", "retry":
			taskID, err := cfg.Dispatcher.Enqueue(ctx, input.ProjectID)
			if err != nil {
				return nil, handleError(err)
			}
			res.Status = domain.ProjectBuilding
			res.TaskID = &taskID
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "action must be pause, resume, cancel or retry", nil)
		}
		return &struct {
			Body ControlResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerTasks(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Build task status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body domain.BuildTask `json:"body"`
	}, error) {
		t, err := cfg.Dispatcher.Status(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.BuildTask `json:"body"`
		}{Body: t}, nil
	})
}

func registerEvents(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "Project event log",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Limit     int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
		Cursor    string `query:"cursor"`
		Type      string `query:"type"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := cfg.Tracker.Read(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		var cursor int64
		if input.Cursor != "" {
			v, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", nil)
			}
			cursor = v
		}
		items, err := cfg.Tracker.Repo.LatestEventsFrom(ctx, input.Limit, cursor, input.ProjectID, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		out := paginatedEvents{Items: make([]EventResponse, 0, len(items))}
		for _, e := range items {
			out.Items = append(out.Items, eventResponse(e))
		}
		if len(items) == input.Limit && len(items) > 0 {
			out.NextCursor = strconv.FormatInt(items[len(items)-1].ID, 10)
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: out}, nil
	})
}

func activeTask(ctx context.Context, cfg Config, p domain.Project) *domain.BuildTask {
	if p.LatestTaskID == nil {
		return nil
	}
	t, err := cfg.Dispatcher.Status(ctx, *p.LatestTaskID)
	if err != nil || !t.Active() {
		return nil
	}
	return &t
}
