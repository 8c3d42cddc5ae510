package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"civicflow/internal/domain"
	"civicflow/internal/engine"
	"civicflow/internal/engine/auth"
	"civicflow/internal/logging"
	"civicflow/internal/metrics"
	"civicflow/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine           engine.Engine
	BasePath         string
	Auth             AuthConfig
	Logger           *zap.Logger
	Metrics          *metrics.Metrics
	TransitionRate   int
	TransitionWindow time.Duration
	Production       bool
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid transition IN_PROGRESS -> CLOSED: edge not allowed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the complaints API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := logging.OrNop(cfg.Logger)
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// 422 is reserved for transition rules
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	e := cfg.Engine
	if e.Metrics == nil {
		e.Metrics = cfg.Metrics
	}

	router := chi.NewRouter()
	router.Use(securityHeaders(cfg.Production))
	router.Use(cfg.Metrics.Middleware)
	router.Use(requestLogger(log))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, e.Repo, log))
	router.Use(transitionLimiter(cfg.TransitionRate, cfg.TransitionWindow))

	hcfg := huma.DefaultConfig("Civicflow API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerMe(group)
	registerComplaints(group, e)
	registerTransitions(group, e)
	registerReports(group, e)
	registerOpenAPI(router, api, basePath)
	router.Handle(path.Join(basePath, "metrics"), requirePermission(auth.PermSystemAdmin, cfg.Metrics.Handler()))

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

// handleError maps engine errors onto the envelope. Permission failures
// never carry details.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var (
		invalid    engine.InvalidTransitionError
		conflict   engine.ConflictError
		validation engine.ValidationError
	)
	switch {
	case errors.Is(err, auth.ErrPermissionDenied):
		return newAPIError(http.StatusForbidden, "forbidden", "permission denied", nil)
	case errors.As(err, &invalid):
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", err.Error(),
			map[string]any{"from": invalid.From, "to": invalid.To})
	case errors.As(err, &conflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(),
			map[string]any{"expected_status": conflict.Expected})
	case errors.Is(err, engine.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.As(err, &validation):
		details := map[string]any{}
		for k, v := range validation.Fields {
			details[k] = v
		}
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), details)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", "complaint not found", nil)
	default:
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

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		doc  []byte
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
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
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
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

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current actor and permissions",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MeResponse `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		perms := []string{}
		for _, perm := range auth.Permissions(p.Actor.Role) {
			perms = append(perms, string(perm))
		}
		return &struct {
			Body MeResponse `json:"body"`
		}{Body: MeResponse{
			ID:          p.Actor.ID,
			Role:        string(p.Actor.Role),
			WardID:      p.Actor.WardID,
			Source:      p.Source,
			Permissions: perms,
		}}, nil
	})
}

var complaintErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusInternalServerError,
}

func registerComplaints(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-complaint",
		Method:        http.MethodPost,
		Path:          "/complaints",
		Summary:       "Register complaint",
		DefaultStatus: http.StatusCreated,
		Errors:        complaintErrors,
	}, func(ctx context.Context, input *struct {
		Body RegisterComplaintRequest `json:"body"`
	}) (*struct {
		Body ComplaintResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.RegisterComplaint(ctx, actor, engine.RegisterInput{
			ID:          input.Body.ID,
			Type:        input.Body.Type,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Priority:    domain.Priority(input.Body.Priority),
			WardID:      input.Body.WardID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ComplaintResponse `json:"body"`
		}{Body: detailedResponse(e, actor, c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-complaints",
		Method:      http.MethodGet,
		Path:        "/complaints",
		Summary:     "List visible complaints",
		Errors:      complaintErrors,
	}, func(ctx context.Context, input *struct {
		Status        string `query:"status"`
		WardID        string `query:"ward_id"`
		Type          string `query:"type"`
		Priority      string `query:"priority"`
		SubmittedByID string `query:"submitted_by_id"`
		AssignedToID  string `query:"assigned_to_id"`
		Limit         int    `query:"limit"`
		Cursor        string `query:"cursor"`
	}) (*struct {
		Body ComplaintListResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		limit := normalizeLimit(input.Limit)
		items, err := e.ListVisible(ctx, actor, repo.ComplaintFilters{
			Status:          strings.ToUpper(input.Status),
			WardID:          input.WardID,
			Type:            input.Type,
			Priority:        input.Priority,
			SubmittedByID:   input.SubmittedByID,
			AssignedToID:    input.AssignedToID,
			Limit:           limit,
			CursorCreatedAt: cursorTS,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := ComplaintListResponse{Items: make([]ComplaintResponse, 0, len(items))}
		for _, c := range items {
			res := complaintResponse(c)
			res.SLA = standingResponse(e.Standing(c))
			out.Items = append(out.Items, res)
		}
		if len(items) == limit {
			last := items[len(items)-1]
			out.NextCursor = composeCursor(repo.FormatTime(last.CreatedAt), last.ID)
		}
		return &struct {
			Body ComplaintListResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-complaint",
		Method:      http.MethodGet,
		Path:        "/complaints/{id}",
		Summary:     "Get complaint",
		Errors:      complaintErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ComplaintResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.Get(ctx, actor, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ComplaintResponse `json:"body"`
		}{Body: detailedResponse(e, actor, c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complaint-history",
		Method:      http.MethodGet,
		Path:        "/complaints/{id}/history",
		Summary:     "Status history, oldest first",
		Errors:      complaintErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body HistoryResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		entries, err := e.History(ctx, actor, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		out := HistoryResponse{ComplaintID: input.ID, Items: make([]StatusLogEntryResponse, 0, len(entries))}
		for _, entry := range entries {
			out.Items = append(out.Items, entryResponse(entry))
		}
		return &struct {
			Body HistoryResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complaint-sla",
		Method:      http.MethodGet,
		Path:        "/complaints/{id}/sla",
		Summary:     "SLA standing at the server clock",
		Errors:      complaintErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body StandingResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		st, err := e.StandingByID(ctx, actor, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StandingResponse `json:"body"`
		}{Body: *standingResponse(st)}, nil
	})
}

func registerTransitions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "transition-complaint",
		Method:      http.MethodPost,
		Path:        "/complaints/{id}/transitions",
		Summary:     "Change complaint status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body TransitionRequest `json:"body"`
	}) (*struct {
		Body TransitionResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.Repo.GetComplaint(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if expected := domain.Status(strings.ToUpper(strings.TrimSpace(input.Body.ExpectedStatus))); expected != "" && expected != c.Status {
			// the caller decided on stale state
			if !auth.CanView(actor, c.ViewContext()) {
				return nil, handleError(auth.ForbiddenError{Permission: auth.PermComplaintViewOwn})
			}
			return nil, handleError(engine.ConflictError{ComplaintID: c.ID, Expected: expected})
		}
		res, err := e.Transition(ctx, actor, c, engine.TransitionRequest{
			ToStatus:   domain.Status(input.Body.ToStatus),
			Comment:    input.Body.Comment,
			AssigneeID: input.Body.AssigneeID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransitionResponse `json:"body"`
		}{Body: TransitionResponse{
			Complaint: detailedResponse(e, actor, res.Complaint),
			Entry:     entryResponse(res.Entry),
		}}, nil
	})
}

func registerReports(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status-summary",
		Method:      http.MethodGet,
		Path:        "/reports/status",
		Summary:     "Complaint counts per status",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		WardID string `query:"ward_id"`
	}) (*struct {
		Body StatusSummaryResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		counts, err := e.StatusSummary(ctx, actor, input.WardID)
		if err != nil {
			return nil, handleError(err)
		}
		out := StatusSummaryResponse{WardID: input.WardID, Counts: map[string]int{}}
		for s, n := range counts {
			out.Counts[string(s)] = n
		}
		return &struct {
			Body StatusSummaryResponse `json:"body"`
		}{Body: out}, nil
	})
}

func detailedResponse(e engine.Engine, actor domain.Actor, c domain.Complaint) ComplaintResponse {
	res := complaintResponse(c)
	res.SLA = standingResponse(e.Standing(c))
	res.AllowedTransitions = statusStrings(engine.AllowedTransitions(actor, c.ViewContext()))
	return res
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

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
