// Package server exposes the operator API: integration point management,
// completion inspection, sync runs and the event log.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"proctorsync/internal/domain"
	"proctorsync/internal/engine"
	"proctorsync/internal/remote"
	"proctorsync/internal/repo"
)

// Syncer triggers one reconciliation pass. Implemented by app.App.
type Syncer interface {
	RunSync(ctx context.Context) (domain.SyncRun, engine.RunReport, error)
}

type Config struct {
	Repo     repo.Repo
	Syncer   Syncer
	Log      *zap.Logger
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"integration point not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns the HTTP handler for the operator API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Repo, cfg.Log))
	hcfg := huma.DefaultConfig("proctorsync API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerPoints(group, cfg.Repo)
	registerCompletion(group, cfg.Repo)
	registerRuns(group, cfg.Repo, cfg.Syncer, cfg.Log)
	registerEvents(group, cfg.Repo)

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
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, remote.ErrUnavailable) {
		return newAPIError(http.StatusBadGateway, "vendor_unavailable", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") {
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

func registerPoints(api huma.API, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-point",
		Method:        http.MethodPost,
		Path:          "/points",
		Summary:       "Create integration point",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreatePointRequest `json:"body"`
	}) (*struct {
		Body PointResponse `json:"body"`
	}, error) {
		if input.Body.ApplicationID == "" || input.Body.APIKey == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "application_id and api_key are required", nil)
		}
		if input.Body.CourseID == 0 || input.Body.ActivityID == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "course_id and activity_id are required", nil)
		}
		level := input.Body.ContextLevel
		if level == "" {
			level = domain.LevelModule
		}
		switch level {
		case domain.LevelSite, domain.LevelCourse, domain.LevelModule:
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "context_level must be site, course or module", nil)
		}
		p := domain.IntegrationPoint{
			ID:            uuid.New().String(),
			ApplicationID: input.Body.ApplicationID,
			APIKey:        input.Body.APIKey,
			CourseID:      input.Body.CourseID,
			ActivityID:    input.Body.ActivityID,
			ContextLevel:  level,
			CreatedAt:     nowUTC(),
		}
		if err := r.InsertIntegrationPoint(ctx, p); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PointResponse `json:"body"`
		}{Body: pointResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-points",
		Method:      http.MethodGet,
		Path:        "/points",
		Summary:     "List integration points",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []PointResponse `json:"body"`
	}, error) {
		items, err := r.ListEligibleIntegrationPoints(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]PointResponse, 0, len(items))
		for _, p := range items {
			res = append(res, pointResponse(p))
		}
		return &struct {
			Body []PointResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-point",
		Method:      http.MethodGet,
		Path:        "/points/{id}",
		Summary:     "Get integration point",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body PointResponse `json:"body"`
	}, error) {
		p, err := r.GetIntegrationPoint(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PointResponse `json:"body"`
		}{Body: pointResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-point",
		Method:      http.MethodDelete,
		Path:        "/points/{id}",
		Summary:     "Delete integration point",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := r.DeleteIntegrationPoint(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerCompletion(api huma.API, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "list-completion",
		Method:      http.MethodGet,
		Path:        "/completion",
		Summary:     "List completion records",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		CourseID int64 `query:"course_id"`
	}) (*struct {
		Body []CompletionResponse `json:"body"`
	}, error) {
		items, err := r.ListCompletion(ctx, input.CourseID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]CompletionResponse, 0, len(items))
		for _, rec := range items {
			res = append(res, completionResponse(rec))
		}
		return &struct {
			Body []CompletionResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerRuns(api huma.API, r repo.Repo, syncer Syncer, log *zap.Logger) {
	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List sync runs",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"20"`
	}) (*struct {
		Body []domain.SyncRun `json:"body"`
	}, error) {
		runs, err := r.ListSyncRuns(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		if runs == nil {
			runs = []domain.SyncRun{}
		}
		return &struct {
			Body []domain.SyncRun `json:"body"`
		}{Body: runs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "trigger-sync",
		Method:        http.MethodPost,
		Path:          "/runs",
		Summary:       "Trigger a sync pass",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusUnauthorized, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body RunSyncResponse `json:"body"`
	}, error) {
		if syncer == nil {
			return nil, newAPIError(http.StatusConflict, "sync_disabled", "sync is not configured on this server", nil)
		}
		run, report, err := syncer.RunSync(ctx)
		if err != nil {
			log.Warn("triggered sync failed", zap.String("run_id", run.ID), zap.Error(err))
			return nil, handleError(err)
		}
		return &struct {
			Body RunSyncResponse `json:"body"`
		}{Body: RunSyncResponse{Run: run, Points: report.Points}}, nil
	})
}

func registerEvents(api huma.API, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List sync events",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Type  string `query:"type"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		items, err := r.ListEvents(ctx, input.Type, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Event{}
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}
