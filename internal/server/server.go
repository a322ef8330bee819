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
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"opsline/internal/domain"
	"opsline/internal/engine"
	"opsline/internal/logging"
	"opsline/internal/repo"
	"opsline/internal/supervisor"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// Config for the HTTP API handler.
type Config struct {
	Engine       engine.Engine
	BasePath     string
	WorkerStatus func() supervisor.Status
	Log          *zerolog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"field\":\"title\"}"`
}

type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the ops control plane.
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
			// schema validation failures are malformed requests
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
	if cfg.Log != nil {
		router.Use(logging.RequestLogger(*cfg.Log))
	}
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	hcfg := huma.DefaultConfig("Ops Control Plane API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProposals(group, cfg.Engine)
	registerPolicies(group, cfg.Engine)
	registerMissions(group, cfg.Engine)
	registerSteps(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerWorker(group, cfg.WorkerStatus)
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
	var ve *engine.ValidationError
	switch {
	case errors.As(err, &ve):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), map[string]any{"field": ve.Field})
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrMissionClosed):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
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
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
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
    <title>Ops API Docs</title>
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

func registerProposals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-proposals",
		Method:      http.MethodGet,
		Path:        "/proposals",
		Summary:     "List proposals, newest first",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
	}) (*struct {
		Body ProposalList `json:"body"`
	}, error) {
		items := []domain.Proposal{}
		for _, p := range e.ListProposals(ctx) {
			if input.Status == "" || string(p.Status) == input.Status {
				items = append(items, p)
			}
		}
		return &struct {
			Body ProposalList `json:"body"`
		}{Body: ProposalList{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "create-proposal",
		Method:      http.MethodPost,
		Path:        "/proposals",
		Summary:     "Create a proposal; the policy gate runs immediately",
		Errors:      []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Actor string                `header:"X-Ops-Actor"`
		Body  CreateProposalRequest `json:"body"`
	}) (*struct {
		Body domain.Proposal `json:"body"`
	}, error) {
		source := domain.ProposalSource(input.Body.Source)
		if source == "" {
			source = domain.SourceAPI
		}
		p, err := e.CreateProposal(ctx, engine.ProposalDraft{
			Source:      source,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Project:     input.Body.Project,
			TaskKey:     input.Body.TaskKey,
			Actor:       input.Actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Proposal `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-proposal",
		Method:      http.MethodGet,
		Path:        "/proposals/{id}",
		Summary:     "Get a proposal",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Proposal `json:"body"`
	}, error) {
		p, err := e.GetProposal(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Proposal `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-proposal",
		Method:      http.MethodPost,
		Path:        "/proposals/{id}/approve",
		Summary:     "Approve a pending proposal; no-op when already decided",
		Description: "Optional JSON body: {stepKind, stepTitle, stepArgs}.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Actor string `header:"X-Ops-Actor"`
	}) (*struct {
		Body ApproveResponse `json:"body"`
	}, error) {
		var req ApproveRequest
		if err := decodeOptionalBody(ctx, &req); err != nil {
			return nil, err
		}
		res, err := e.ApproveProposal(ctx, input.ID, engine.ApproveOptions{
			StepKind:  req.StepKind,
			StepTitle: req.StepTitle,
			StepArgs:  req.StepArgs,
			Actor:     input.Actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApproveResponse `json:"body"`
		}{Body: ApproveResponse{Applied: res.Applied, Proposal: res.Proposal, Mission: res.Mission, Step: res.Step}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-proposal",
		Method:      http.MethodPost,
		Path:        "/proposals/{id}/reject",
		Summary:     "Reject a pending proposal; no-op when already decided",
		Description: "Optional JSON body: {reason}.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Actor string `header:"X-Ops-Actor"`
	}) (*struct {
		Body RejectResponse `json:"body"`
	}, error) {
		var req RejectRequest
		if err := decodeOptionalBody(ctx, &req); err != nil {
			return nil, err
		}
		p, applied, err := e.RejectProposal(ctx, input.ID, req.Reason, input.Actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RejectResponse `json:"body"`
		}{Body: RejectResponse{Applied: applied, Proposal: p}}, nil
	})
}

func registerPolicies(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-policies",
		Method:      http.MethodGet,
		Path:        "/policies",
		Summary:     "Get the policy document",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		doc, err := policyMap(e.GetPolicies(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: doc}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-policies",
		Method:      http.MethodPut,
		Path:        "/policies",
		Summary:     "Replace the policy document (last write wins)",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body map[string]any `json:"body"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		data, err := json.Marshal(input.Body)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid policy document", nil)
		}
		var p domain.Policy
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid policy document", nil)
		}
		if err := e.SetPolicies(ctx, p); err != nil {
			return nil, handleError(err)
		}
		doc, err := policyMap(e.GetPolicies(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: doc}, nil
	})
}

func registerMissions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-missions",
		Method:      http.MethodGet,
		Path:        "/missions",
		Summary:     "List missions, newest first",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MissionList `json:"body"`
	}, error) {
		return &struct {
			Body MissionList `json:"body"`
		}{Body: MissionList{Items: nonNil(e.ListMissions(ctx))}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-mission",
		Method:      http.MethodGet,
		Path:        "/missions/{id}",
		Summary:     "Get a mission with its steps and timeline",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body MissionDetail `json:"body"`
	}, error) {
		m, err := e.GetMission(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		steps, err := e.ListSteps(ctx, m.ID)
		if err != nil {
			return nil, handleError(err)
		}
		timeline, err := e.Timeline(ctx, m.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MissionDetail `json:"body"`
		}{Body: MissionDetail{Mission: m, Steps: nonNil(steps), Timeline: nonNil(timeline)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-step",
		Method:      http.MethodPost,
		Path:        "/missions/{id}/steps",
		Summary:     "Queue another step on a running mission",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID    string         `path:"id"`
		Actor string         `header:"X-Ops-Actor"`
		Body  AddStepRequest `json:"body"`
	}) (*struct {
		Body domain.Step `json:"body"`
	}, error) {
		s, err := e.AddStep(ctx, input.ID, engine.StepDraft{
			Kind:    input.Body.Kind,
			Title:   input.Body.Title,
			Details: input.Body.Details,
			Args:    input.Body.Args,
			Actor:   input.Actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Step `json:"body"`
		}{Body: s}, nil
	})
}

func registerSteps(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-steps",
		Method:      http.MethodGet,
		Path:        "/steps",
		Summary:     "List steps, oldest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		MissionID string `query:"missionId"`
		Status    string `query:"status"`
	}) (*struct {
		Body StepList `json:"body"`
	}, error) {
		steps, err := e.ListSteps(ctx, input.MissionID)
		if err != nil {
			return nil, handleError(err)
		}
		items := []domain.Step{}
		for _, s := range steps {
			if input.Status == "" || string(s.Status) == input.Status {
				items = append(items, s)
			}
		}
		return &struct {
			Body StepList `json:"body"`
		}{Body: StepList{Items: items}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent timeline events in log order",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Kind       string `query:"kind"`
		MissionID  string `query:"missionId"`
		ProposalID string `query:"proposalId"`
		StepID     string `query:"stepId"`
		Limit      int    `query:"limit" default:"100"`
	}) (*struct {
		Body EventList `json:"body"`
	}, error) {
		if input.Kind != "" && !knownEventKind(input.Kind) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown event kind", map[string]any{"kind": input.Kind})
		}
		items := e.ListEvents(ctx, repo.EventFilter{
			Kind:       domain.EventKind(input.Kind),
			MissionID:  input.MissionID,
			ProposalID: input.ProposalID,
			StepID:     input.StepID,
			Limit:      normalizeLimit(input.Limit),
		})
		return &struct {
			Body EventList `json:"body"`
		}{Body: EventList{Items: nonNil(items)}}, nil
	})
}

func registerWorker(api huma.API, status func() supervisor.Status) {
	huma.Register(api, huma.Operation{
		OperationID: "worker-status",
		Method:      http.MethodGet,
		Path:        "/worker",
		Summary:     "Worker health from its lifecycle file",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body supervisor.Status `json:"body"`
	}, error) {
		s := supervisor.Status{State: supervisor.StateStopped}
		if status != nil {
			s = status()
		}
		return &struct {
			Body supervisor.Status `json:"body"`
		}{Body: s}, nil
	})
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultEventLimit
	}
	if limit > maxEventLimit {
		return maxEventLimit
	}
	return limit
}

func knownEventKind(kind string) bool {
	for _, k := range domain.EventKinds {
		if string(k) == kind {
			return true
		}
	}
	return false
}

func policyMap(p domain.Policy) (map[string]any, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// decodeOptionalBody decodes the raw request body into v when one was sent.
func decodeOptionalBody(ctx context.Context, v any) error {
	data := bytes.TrimSpace(bodyBytes(ctx))
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return newAPIError(http.StatusBadRequest, "bad_request", "invalid JSON body", map[string]any{"error": err.Error()})
	}
	return nil
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	return nil
}
