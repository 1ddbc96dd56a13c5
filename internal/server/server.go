package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"reflect"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	nanohttp "github.com/micromdm/nanolib/http"
	"github.com/micromdm/nanolib/http/trace"
	"github.com/micromdm/nanolib/log"

	"approvalflow/internal/domain"
	"approvalflow/internal/engine"
	"approvalflow/internal/flowdef"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Version  string
	// Logger enables per-request trace logging.
	Logger log.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"step_processed"`
	Message string         `json:"message" example:"forbidden: step already processed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type response[T any] struct {
	Body T `json:"body"`
}

// New returns an HTTP handler exposing the approval API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
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
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
	}
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	router.Handle("/version", nanohttp.NewJSONVersionHandler(version))

	hcfg := huma.DefaultConfig("Approval Flow API", version)
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)
	registerDocs(router, basePath)

	registerHealth(group)
	registerFlows(group, cfg.Engine)
	registerInstances(group, cfg.Engine)
	registerSteps(group, cfg.Engine)
	registerMy(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	if cfg.Logger == nil {
		return router, nil
	}
	return trace.NewTraceLoggingHandler(router, cfg.Logger.With("handler", "api"), newTraceID), nil
}

func newTraceID(_ *http.Request) string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
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

// handleError maps engine error kinds onto HTTP statuses.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	msg := err.Error()
	if errors.Is(err, flowdef.ErrInvalid) {
		return newAPIError(http.StatusBadRequest, "invalid_flow", msg, nil)
	}
	switch engine.Kind(err) {
	case engine.KindNotFound:
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case engine.KindForbidden:
		code := "forbidden"
		switch {
		case errors.Is(err, engine.ErrStepWithdrawn):
			code = "step_withdrawn"
		case errors.Is(err, engine.ErrStepProcessed):
			code = "step_processed"
		}
		return newAPIError(http.StatusForbidden, code, msg, nil)
	case engine.KindBadRequest:
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
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	errSchema := &huma.Schema{Ref: "#/components/schemas/ApiError"}
	if oas.Components != nil && oas.Components.Schemas != nil {
		errSchema = oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
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
						Schema: errSchema,
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
	oas.Components.SecuritySchemes["userHeader"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: UserHeader,
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"userHeader": {}},
	}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
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

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Approval Flow API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or %s when the server allows it.
    </p>
  </body>
</html>`, specURL, UserHeader)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*response[map[string]string], error) {
		return &response[map[string]string]{Body: map[string]string{"status": "ok"}}, nil
	})
}

var writeErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusInternalServerError,
}

func registerFlows(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-flow",
		Method:        http.MethodPost,
		Path:          "/flows",
		Summary:       "Create flow",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body FlowRequest `json:"body"`
	}) (*response[domain.Flow], error) {
		user, authErr := userFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		def, err := definitionFromBody(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		flow, err := e.CreateFlow(ctx, def, user.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &response[domain.Flow]{Body: flow}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-flows",
		Method:      http.MethodGet,
		Path:        "/flows",
		Summary:     "List flows",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Category  string `query:"category"`
		Name      string `query:"name"`
		Active    string `query:"active" enum:"true,false"`
		Published string `query:"published" enum:"true,false"`
	}) (*response[[]domain.Flow], error) {
		f := engine.FlowFilters{Category: input.Category, Name: input.Name}
		var err error
		if f.Active, err = optionalBool("active", input.Active); err != nil {
			return nil, err
		}
		if f.Published, err = optionalBool("published", input.Published); err != nil {
			return nil, err
		}
		items, err := e.ListFlows(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		return &response[[]domain.Flow]{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-flow",
		Method:      http.MethodGet,
		Path:        "/flows/{flow_id}",
		Summary:     "Get flow with nodes and lines",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		FlowID string `path:"flow_id"`
	}) (*response[domain.Flow], error) {
		flow, err := e.GetFlow(ctx, input.FlowID)
		if err != nil {
			return nil, handleError(err)
		}
		return &response[domain.Flow]{Body: flow}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-flow",
		Method:      http.MethodPut,
		Path:        "/flows/{flow_id}",
		Summary:     "Update flow metadata and optionally replace its graph",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		FlowID string      `path:"flow_id"`
		Body   FlowRequest `json:"body"`
	}) (*response[domain.Flow], error) {
		user, authErr := userFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		def, err := definitionFromBody(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		flow, err := e.UpdateFlow(ctx, input.FlowID, def, user.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &response[domain.Flow]{Body: flow}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-flow",
		Method:        http.MethodDelete,
		Path:          "/flows/{flow_id}",
		Summary:       "Delete flow",
		DefaultStatus: http.StatusNoContent,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		FlowID string `path:"flow_id"`
	}) (*struct{}, error) {
		user, authErr := userFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteFlow(ctx, input.FlowID, user.UserID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	for _, publish := range []bool{true, false} {
		op, summary := "publish", "Publish flow"
		if !publish {
			op, summary = "unpublish", "Unpublish flow"
		}
		huma.Register(api, huma.Operation{
			OperationID: op + "-flow",
			Method:      http.MethodPost,
			Path:        "/flows/{flow_id}/" + op,
			Summary:     summary,
			Errors:      writeErrors,
		}, func(ctx context.Context, input *struct {
			FlowID string `path:"flow_id"`
		}) (*response[domain.Flow], error) {
			user, authErr := userFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			toggle := e.UnpublishFlow
			if publish {
				toggle = e.PublishFlow
			}
			flow, err := toggle(ctx, input.FlowID, user.UserID)
			if err != nil {
				return nil, handleError(err)
			}
			return &response[domain.Flow]{Body: flow}, nil
		})
	}
}

func registerInstances(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-instance",
		Method:        http.MethodPost,
		Path:          "/instances",
		Summary:       "Start an instance of a flow",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body StartInstanceRequest `json:"body"`
	}) (*response[domain.Instance], error) {
		user, authErr := userFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b := input.Body
		inst, err := e.StartInstance(ctx, engine.StartOptions{
			FlowID:       b.FlowID,
			ApplicantID:  user.UserID,
			Title:        b.Title,
			FormData:     b.FormData,
			BusinessKey:  b.BusinessKey,
			BusinessType: b.BusinessType,
			Urgency:      b.Urgency,
			Tags:         b.Tags,
			Attachments:  b.Attachments,
			Settings:     b.Settings,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &response[domain.Instance]{Body: inst}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-instances",
		Method:      http.MethodGet,
		Path:        "/instances",
		Summary:     "List instances",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		FlowID       string `query:"flow_id"`
		ApplicantID  string `query:"applicant_id"`
		Status       string `query:"status" enum:"PENDING,APPROVED,REJECTED,CANCELLED,WITHDRAWN"`
		Urgency      string `query:"urgency"`
		BusinessType string `query:"business_type"`
		BusinessKey  string `query:"business_key"`
		Title        string `query:"title"`
		StartedFrom  string `query:"started_from"`
		StartedTo    string `query:"started_to"`
		Limit        int    `query:"limit" default:"50"`
		Offset       int    `query:"offset" minimum:"0"`
	}) (*response[[]domain.Instance], error) {
		items, err := e.ListInstances(ctx, engine.InstanceFilters{
			FlowID:       input.FlowID,
			ApplicantID:  input.ApplicantID,
			Status:       input.Status,
			Urgency:      input.Urgency,
			BusinessType: input.BusinessType,
			BusinessKey:  input.BusinessKey,
			Title:        input.Title,
			StartedFrom:  input.StartedFrom,
			StartedTo:    input.StartedTo,
			Limit:        normalizeLimit(input.Limit),
			Offset:       input.Offset,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &response[[]domain.Instance]{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-instance",
		Method:      http.MethodGet,
		Path:        "/instances/{instance_id}",
		Summary:     "Get instance with its steps",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		InstanceID string `path:"instance_id"`
	}) (*response[domain.Instance], error) {
		inst, err := e.GetInstance(ctx, input.InstanceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &response[domain.Instance]{Body: inst}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-instance-graph",
		Method:      http.MethodGet,
		Path:        "/instances/{instance_id}/graph",
		Summary:     "Graph snapshot the instance runs on",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		InstanceID string `path:"instance_id"`
	}) (*response[domain.Graph], error) {
		g, err := e.InstanceGraph(ctx, input.InstanceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &response[domain.Graph]{Body: g}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-instance",
		Method:      http.MethodPost,
		Path:        "/instances/{instance_id}/cancel",
		Summary:     "Cancel a pending instance",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		InstanceID string `path:"instance_id"`
	}) (*response[domain.Instance], error) {
		user, authErr := userFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		inst, err := e.CancelInstance(ctx, input.InstanceID, user.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &response[domain.Instance]{Body: inst}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-instance",
		Method:        http.MethodDelete,
		Path:          "/instances/{instance_id}",
		Summary:       "Delete a finished instance",
		DefaultStatus: http.StatusNoContent,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		InstanceID string `path:"instance_id"`
	}) (*struct{}, error) {
		user, authErr := userFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteInstance(ctx, input.InstanceID, user.UserID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-instance-events",
		Method:      http.MethodGet,
		Path:        "/instances/{instance_id}/events",
		Summary:     "Audit trail of an instance, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		InstanceID string `path:"instance_id"`
		Type       string `query:"type"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*response[paginatedEvents], error) {
		limit := normalizeLimit(input.Limit)
		items, err := e.ListEvents(ctx, engine.EventFilters{
			InstanceID: input.InstanceID,
			Type:       input.Type,
			Before:     input.Cursor,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = items[limit-1].ID
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &response[paginatedEvents]{Body: resp}, nil
	})
}

func registerSteps(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "process-step",
		Method:      http.MethodPost,
		Path:        "/steps/{step_id}/process",
		Summary:     "Approve, reject, delegate or return a step",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		StepID string             `path:"step_id"`
		Body   ProcessStepRequest `json:"body"`
	}) (*response[domain.Instance], error) {
		user, authErr := userFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		inst, err := e.ProcessStep(ctx, engine.ProcessOptions{
			StepID:       input.StepID,
			ActorID:      user.UserID,
			Action:       input.Body.Action,
			Opinion:      input.Body.Opinion,
			Attachments:  input.Body.Attachments,
			DelegateTo:   input.Body.DelegateTo,
			ReturnToNode: input.Body.ReturnToNode,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &response[domain.Instance]{Body: inst}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "read-step",
		Method:        http.MethodPost,
		Path:          "/steps/{step_id}/read",
		Summary:       "Mark a step as read",
		DefaultStatus: http.StatusNoContent,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		StepID string `path:"step_id"`
	}) (*struct{}, error) {
		user, authErr := userFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.MarkStepRead(ctx, input.StepID, user.UserID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-opinions",
		Method:      http.MethodGet,
		Path:        "/steps/{step_id}/opinions",
		Summary:     "List opinions visible to the caller",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		StepID string `path:"step_id"`
	}) (*response[[]domain.Opinion], error) {
		user, authErr := userFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListOpinions(ctx, input.StepID, user.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &response[[]domain.Opinion]{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-opinion",
		Method:        http.MethodPost,
		Path:          "/steps/{step_id}/opinions",
		Summary:       "Comment on a step",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		StepID string            `path:"step_id"`
		Body   AddOpinionRequest `json:"body"`
	}) (*response[domain.Opinion], error) {
		user, authErr := userFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		name := input.Body.AuthorName
		if name == "" {
			name = user.Name
		}
		op, err := e.AddOpinion(ctx, engine.OpinionOptions{
			StepID:      input.StepID,
			AuthorID:    user.UserID,
			AuthorName:  name,
			Type:        input.Body.Type,
			Content:     input.Body.Content,
			Attachments: input.Body.Attachments,
			Private:     input.Body.Private,
			ReplyTo:     input.Body.ReplyTo,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &response[domain.Opinion]{Body: op}, nil
	})
}

func registerMy(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "my-initiated",
		Method:      http.MethodGet,
		Path:        "/my/initiated",
		Summary:     "Instances started by the caller",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*response[[]domain.Instance], error) {
		user, authErr := userFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.MyInitiated(ctx, user.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &response[[]domain.Instance]{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "my-todo",
		Method:      http.MethodGet,
		Path:        "/my/todo",
		Summary:     "Pending steps assigned to the caller",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*response[[]domain.TodoItem], error) {
		user, authErr := userFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.MyTodo(ctx, user.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &response[[]domain.TodoItem]{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "my-done",
		Method:      http.MethodGet,
		Path:        "/my/done",
		Summary:     "Steps the caller has acted on",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*response[[]domain.DoneItem], error) {
		user, authErr := userFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.MyDone(ctx, user.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		return &response[[]domain.DoneItem]{Body: nonNilSlice(items)}, nil
	})
}

// definitionFromBody re-reads the raw request so assignee_value keeps its
// string, number or list form.
func definitionFromBody(ctx context.Context) (flowdef.Definition, error) {
	data := bodyBytes(ctx)
	if len(data) == 0 {
		return flowdef.Definition{}, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
	}
	return flowdef.Parse(data)
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

func optionalBool(name, raw string) (*bool, huma.StatusError) {
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("invalid %s", name), map[string]any{name: raw})
	}
	return &v, nil
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
