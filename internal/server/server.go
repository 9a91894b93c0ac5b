// Package server exposes human review and read access to the ledger over HTTP.
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
	"go.uber.org/zap"

	"holon/internal/domain"
	"holon/internal/engine"
	"holon/internal/ledger"
	"holon/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
	Log      *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"rebase_conflict"`
	Message string         `json:"message" example:"intent/root/b/work conflicts with intent/root/work"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"seq\":42}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Holon API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine is required")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Log
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Holon API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := handlers{e: cfg.Engine, log: cfg.Log.Named("http")}
	registerDocs(router, basePath)
	registerHealth(group)
	h.registerIntents(group)
	h.registerReviews(group)
	h.registerEvents(group)
	h.registerTrust(group)
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

// handleError maps domain error kinds onto statuses. The recording seq and
// conflicting paths travel in details.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var derr domain.Error
	if !errors.As(err, &derr) {
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
	var details map[string]any
	if derr.Seq > 0 || len(derr.Paths) > 0 {
		details = map[string]any{}
		if derr.Seq > 0 {
			details["seq"] = derr.Seq
		}
		if len(derr.Paths) > 0 {
			details["paths"] = derr.Paths
		}
	}
	status := http.StatusInternalServerError
	switch derr.Kind {
	case domain.KindInvalidSpec:
		status = http.StatusBadRequest
	case domain.KindNotFound:
		status = http.StatusNotFound
	case domain.KindTrustInsufficient:
		status = http.StatusForbidden
	case domain.KindInvalidTransition, domain.KindRebaseConflict, domain.KindMergeRejected, domain.KindLedgerConsistency:
		status = http.StatusConflict
	case domain.KindBudgetExhausted, domain.KindExecutionFailure, domain.KindSandboxViolation, domain.KindConvergenceTimeout:
		status = http.StatusUnprocessableEntity
	}
	return newAPIError(status, errorCode(derr.Kind), err.Error(), details)
}

// errorCode turns a kind like RebaseConflict into rebase_conflict.
func errorCode(kind domain.ErrorKind) string {
	var b strings.Builder
	for i, r := range string(kind) {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
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

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		doc  []byte
	)
	docPath := path.Join(basePath, "openapi.json")
	r.Get(docPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
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
    <title>Holon API Docs</title>
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

type handlers struct {
	e   *engine.Engine
	log *zap.Logger
}

func (h handlers) registerIntents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-intents",
		Method:      http.MethodGet,
		Path:        "/intents",
		Summary:     "List intents",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		State    string `query:"state" doc:"filter by lifecycle state"`
		ParentID string `query:"parent_id"`
		Roots    bool   `query:"roots"`
		Limit    int    `query:"limit" default:"50"`
	}) (*struct {
		Body IntentListResponse `json:"body"`
	}, error) {
		items := h.e.Repo.ListIntents(repo.IntentFilters{
			State:     domain.IntentState(input.State),
			ParentID:  input.ParentID,
			RootsOnly: input.Roots,
			Limit:     normalizeLimit(input.Limit),
		})
		if items == nil {
			items = []domain.Intent{}
		}
		return &struct {
			Body IntentListResponse `json:"body"`
		}{Body: IntentListResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-intent",
		Method:      http.MethodGet,
		Path:        "/intents/{intent_id}",
		Summary:     "Get an intent with its budget and last execution",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		IntentID string `path:"intent_id"`
	}) (*struct {
		Body IntentDetailResponse `json:"body"`
	}, error) {
		in, err := h.e.Repo.Intent(input.IntentID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := IntentDetailResponse{Intent: in}
		if b, ok := h.e.Repo.Budget(in.ID); ok {
			resp.Budget = &b
		}
		if plan, ok := h.e.Repo.SelectedPlan(in.ID); ok {
			resp.SelectedPlanID = plan.PlanID
		}
		if last, ok := h.e.Repo.LastExecution(in.ID); ok {
			resp.LastExecution = &last
		}
		if rv, ok := h.e.Repo.Review(in.ID); ok {
			resp.ReviewPending = rv.Pending()
		}
		_, resp.Abandoned = h.e.Repo.Abandoned(in.ID)
		return &struct {
			Body IntentDetailResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-variants",
		Method:      http.MethodGet,
		Path:        "/intents/{intent_id}/variants",
		Summary:     "List plan variants and the convergence decision",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		IntentID string `path:"intent_id"`
	}) (*struct {
		Body VariantListResponse `json:"body"`
	}, error) {
		if _, err := h.e.Repo.Intent(input.IntentID); err != nil {
			return nil, handleError(err)
		}
		resp := VariantListResponse{Items: h.e.Repo.Variants(input.IntentID)}
		if resp.Items == nil {
			resp.Items = []domain.PlanVariant{}
		}
		if plan, ok := h.e.Repo.SelectedPlan(input.IntentID); ok {
			resp.SelectedPlanID = plan.PlanID
		}
		if c, ok := h.e.Repo.Convergence(input.IntentID); ok {
			resp.Convergence = &c
		}
		return &struct {
			Body VariantListResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "abandon-intent",
		Method:      http.MethodPost,
		Path:        "/intents/{intent_id}/abandon",
		Summary:     "Abandon an intent and its subtree",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		IntentID string         `path:"intent_id"`
		Body     AbandonRequest `json:"body"`
	}) (*struct {
		Body domain.Intent `json:"body"`
	}, error) {
		actorID, err := requirePermission(ctx, PermReview)
		if err != nil {
			return nil, err
		}
		in, err := h.e.Abandon(ctx, input.IntentID, input.Body.Reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		h.log.Info("intent abandoned over http", zap.String("intent_id", in.ID), zap.String("actor_id", actorID))
		return &struct {
			Body domain.Intent `json:"body"`
		}{Body: in}, nil
	})
}

func (h handlers) registerReviews(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-review",
		Method:      http.MethodGet,
		Path:        "/intents/{intent_id}/review",
		Summary:     "Get the latest review package of a root intent",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		IntentID string `path:"intent_id"`
	}) (*struct {
		Body ReviewResponse `json:"body"`
	}, error) {
		rv, ok := h.e.Repo.Review(input.IntentID)
		if !ok {
			return nil, handleError(domain.Errorf(domain.KindNotFound, "intent %s has no review", input.IntentID))
		}
		return &struct {
			Body ReviewResponse `json:"body"`
		}{Body: reviewResponse(rv)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-review",
		Method:      http.MethodPost,
		Path:        "/intents/{intent_id}/review",
		Summary:     "Approve or reject a pending review",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		IntentID string                `path:"intent_id"`
		Body     ReviewDecisionRequest `json:"body"`
	}) (*struct {
		Body domain.Intent `json:"body"`
	}, error) {
		reviewer, err := requirePermission(ctx, PermReview)
		if err != nil {
			return nil, err
		}
		in, err := h.e.Review(ctx, input.IntentID, input.Body.Decision, reviewer, input.Body.Comment)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Intent `json:"body"`
		}{Body: in}, nil
	})
}

func (h handlers) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Page through ledger events in seq order",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Cursor   string `query:"cursor" doc:"seq of the last event already seen"`
		Limit    int    `query:"limit" default:"50"`
		Type     string `query:"type"`
		IntentID string `query:"intent_id"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		var after int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed < 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			after = parsed
		}
		page := selectEvents(h.e.Ledger, after, normalizeLimit(input.Limit), input.Type, input.IntentID)
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: page}, nil
	})
}

func selectEvents(l *ledger.Ledger, after int64, limit int, typ, intentID string) paginatedEvents {
	resp := paginatedEvents{Items: []EventResponse{}}
	for _, ev := range l.Since(after, 0) {
		if typ != "" && string(ev.Type) != typ {
			continue
		}
		if intentID != "" && ev.IntentID() != intentID {
			continue
		}
		if len(resp.Items) == limit {
			resp.NextCursor = strconv.FormatInt(resp.Items[limit-1].Seq, 10)
			break
		}
		resp.Items = append(resp.Items, eventResponse(ev))
	}
	return resp
}

func (h handlers) registerTrust(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-trust",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}/trust",
		Summary:     "Get an agent's trust state",
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body domain.TrustState `json:"body"`
	}, error) {
		return &struct {
			Body domain.TrustState `json:"body"`
		}{Body: h.e.Budget.TrustOf(input.AgentID)}, nil
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
