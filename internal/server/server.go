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

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"veridraw/internal/apperr"
	"veridraw/internal/domain"
	"veridraw/internal/engine"
	"veridraw/internal/engine/auth"
	"veridraw/internal/ledger"
	"veridraw/internal/notify"
	"veridraw/internal/payments"
	"veridraw/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// Hub serves the live notification stream. Nil disables the route.
	Hub *notify.Hub
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_state"`
	Message string         `json:"message" example:"milestone m-1 is missing required evidence"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"missing_evidence\":[\"INVOICE\"]}"`
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

// New returns an HTTP handler exposing the Veridraw API.
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
			// Schema validation is a malformed request, not a state violation.
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Veridraw API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerEscrows(group, cfg.Engine)
	registerMilestones(group, cfg.Engine)
	registerPayments(group, cfg.Engine)
	registerLedger(group, cfg.Engine)
	registerNotifications(group, cfg.Engine)
	registerMe(group)
	if cfg.Auth.AllowDevLogin {
		registerDevAuth(group, cfg.Auth)
	}
	if cfg.Hub != nil {
		registerStream(router, basePath, cfg.Hub)
	}
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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	details := apperr.DetailsOf(err)
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		details = map[string]any{"action": string(fe.Action), "role": string(fe.Role)}
	}
	var ce *ledger.ChainError
	if errors.As(err, &ce) {
		details = map[string]any{"seq": ce.Seq, "reason": ce.Reason}
	}
	if kind == apperr.KindInternal {
		return newAPIError(status, string(kind), "internal error", map[string]any{"error": err.Error()})
	}
	return newAPIError(status, string(kind), err.Error(), details)
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
		return "invalid_state"
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
	return []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace}
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
	open := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
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
    <title>Veridraw API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
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

func parseAmount(field, raw string) (decimal.Decimal, huma.StatusError) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Decimal{}, newAPIError(http.StatusBadRequest, "bad_request",
			fmt.Sprintf("%s must be a decimal string", field), map[string]any{"field": field, "value": raw})
	}
	return d, nil
}

func registerEscrows(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-escrow",
		Method:        http.MethodPost,
		Path:          "/escrows",
		Summary:       "Create escrow with its initial milestones",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateEscrowRequest `json:"body"`
	}) (*struct {
		Body EscrowDetailResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		total, perr := parseAmount("total_amount", input.Body.TotalAmount)
		if perr != nil {
			return nil, perr
		}
		milestones := make([]engine.MilestoneInput, 0, len(input.Body.Milestones))
		for i, m := range input.Body.Milestones {
			amount, perr := parseAmount(fmt.Sprintf("milestones[%d].amount", i), m.Amount)
			if perr != nil {
				return nil, perr
			}
			milestones = append(milestones, engine.MilestoneInput{Name: m.Name, Amount: amount, RequiredEvidence: m.RequiredEvidence})
		}
		opts := engine.CreateOptions{
			BuyerID:     input.Body.BuyerID,
			ProviderID:  input.Body.ProviderID,
			TotalAmount: total,
			Currency:    input.Body.Currency,
			Milestones:  milestones,
			Actor:       actor,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		detail, err := e.Create(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EscrowDetailResponse `json:"body"`
		}{Body: detailResponse(detail)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-escrows",
		Method:      http.MethodGet,
		Path:        "/escrows",
		Summary:     "List escrows",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		State      string `query:"state"`
		BuyerID    string `query:"buyer_id"`
		ProviderID string `query:"provider_id"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body struct {
			Items []EscrowResponse `json:"items"`
		} `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.ListEscrows(ctx, repo.EscrowFilters{
			State:      input.State,
			BuyerID:    input.BuyerID,
			ProviderID: input.ProviderID,
			Limit:      normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items []EscrowResponse `json:"items"`
			} `json:"body"`
		}{}
		out.Body.Items = mapList(items, escrowResponse)
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-escrow",
		Method:      http.MethodGet,
		Path:        "/escrows/{id}",
		Summary:     "Get escrow with milestones",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body EscrowDetailResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		detail, err := e.GetEscrow(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EscrowDetailResponse `json:"body"`
		}{Body: detailResponse(detail)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "confirm-funds",
		Method:      http.MethodPost,
		Path:        "/escrows/{id}/confirm-funds",
		Summary:     "Confirm custodial deposit of the outstanding amount",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body ConfirmFundsRequest `json:"body" required:"false"`
	}) (*struct {
		Body EscrowDetailResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		detail, err := e.ConfirmFunds(ctx, engine.ConfirmFundsOptions{
			EscrowID:        input.ID,
			Reference:       input.Body.Reference,
			ExpectedVersion: input.Body.ExpectedVersion,
			Actor:           actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EscrowDetailResponse `json:"body"`
		}{Body: detailResponse(detail)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "change-budget",
		Method:      http.MethodPost,
		Path:        "/escrows/{id}/change-budget",
		Summary:     "Append a change-order milestone and grow the total",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body ChangeBudgetRequest `json:"body"`
	}) (*struct {
		Body EscrowDetailResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		delta, perr := parseAmount("delta", input.Body.Delta)
		if perr != nil {
			return nil, perr
		}
		detail, err := e.ChangeBudget(ctx, engine.ChangeBudgetOptions{
			EscrowID:         input.ID,
			Delta:            delta,
			Name:             input.Body.Name,
			Reason:           input.Body.Reason,
			RequiredEvidence: input.Body.RequiredEvidence,
			ExpectedVersion:  input.Body.ExpectedVersion,
			Actor:            actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EscrowDetailResponse `json:"body"`
		}{Body: detailResponse(detail)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dispute-escrow",
		Method:      http.MethodPost,
		Path:        "/escrows/{id}/dispute",
		Summary:     "Freeze the whole escrow",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body ReasonRequest `json:"body" required:"false"`
	}) (*struct {
		Body EscrowDetailResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		detail, err := e.DisputeEscrow(ctx, engine.DisputeEscrowOptions{EscrowID: input.ID, Reason: input.Body.Reason, Actor: actor})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EscrowDetailResponse `json:"body"`
		}{Body: detailResponse(detail)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "apply-template",
		Method:      http.MethodPost,
		Path:        "/escrows/{id}/apply-template",
		Summary:     "Replace the milestone plan with a configured template",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body ApplyTemplateRequest `json:"body"`
	}) (*struct {
		Body EscrowDetailResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		detail, err := e.ApplyTemplate(ctx, engine.ApplyTemplateOptions{
			EscrowID:        input.ID,
			Template:        input.Body.Template,
			ExpectedVersion: input.Body.ExpectedVersion,
			Actor:           actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EscrowDetailResponse `json:"body"`
		}{Body: detailResponse(detail)}, nil
	})
}

func registerMilestones(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-milestone",
		Method:      http.MethodGet,
		Path:        "/milestones/{id}",
		Summary:     "Get milestone",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body MilestoneResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		m, err := e.GetMilestone(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MilestoneResponse `json:"body"`
		}{Body: milestoneResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "upload-evidence",
		Method:        http.MethodPost,
		Path:          "/milestones/{id}/evidence",
		Summary:       "Attach evidence to a milestone",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body UploadEvidenceRequest `json:"body"`
	}) (*struct {
		Body EvidenceResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		source, err := domain.ParseEvidenceSource(input.Body.Source)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		origin, err := domain.ParseEvidenceOrigin(input.Body.Origin)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		ev, err := e.UploadEvidence(ctx, engine.UploadEvidenceOptions{
			MilestoneID:  input.ID,
			EvidenceType: input.Body.EvidenceType,
			URL:          input.Body.URL,
			Source:       source,
			Origin:       origin,
			ProviderName: input.Body.ProviderName,
			Actor:        actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EvidenceResponse `json:"body"`
		}{Body: evidenceResponse(ev)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-evidence",
		Method:      http.MethodGet,
		Path:        "/milestones/{id}/evidence",
		Summary:     "List milestone evidence",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body struct {
			Items []EvidenceResponse `json:"items"`
		} `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.ListEvidence(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items []EvidenceResponse `json:"items"`
			} `json:"body"`
		}{}
		out.Body.Items = mapList(items, evidenceResponse)
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-milestone",
		Method:      http.MethodPost,
		Path:        "/milestones/{id}/submit",
		Summary:     "Submit a milestone for review",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body MilestoneResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.Submit(ctx, engine.SubmitOptions{MilestoneID: input.ID, Actor: actor})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MilestoneResponse `json:"body"`
		}{Body: milestoneResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-milestone",
		Method:      http.MethodPost,
		Path:        "/milestones/{id}/approve",
		Summary:     "Approve a milestone and instruct its payment",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body ApproveRequest `json:"body" required:"false"`
	}) (*struct {
		Body ApproveResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Approve(ctx, engine.ApproveOptions{
			MilestoneID:     input.ID,
			Signature:       input.Body.Signature,
			ExpectedVersion: input.Body.ExpectedVersion,
			Actor:           actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApproveResponse `json:"body"`
		}{Body: approveResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-milestone",
		Method:      http.MethodPost,
		Path:        "/milestones/{id}/reject",
		Summary:     "Reject a milestone",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body ReasonRequest `json:"body" required:"false"`
	}) (*struct {
		Body MilestoneResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.Reject(ctx, engine.RejectOptions{MilestoneID: input.ID, Reason: input.Body.Reason, Actor: actor})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MilestoneResponse `json:"body"`
		}{Body: milestoneResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "raise-dispute",
		Method:      http.MethodPost,
		Path:        "/milestones/{id}/disputes",
		Summary:     "Dispute a milestone",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body ReasonRequest `json:"body" required:"false"`
	}) (*struct {
		Body MilestoneResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := e.RaiseDispute(ctx, engine.RaiseDisputeOptions{MilestoneID: input.ID, Reason: input.Body.Reason, Actor: actor})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MilestoneResponse `json:"body"`
		}{Body: milestoneResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-dispute",
		Method:      http.MethodPost,
		Path:        "/milestones/{id}/resolve",
		Summary:     "Resolve a milestone dispute",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body ResolveDisputeRequest `json:"body"`
	}) (*struct {
		Body MilestoneResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		resolution, err := domain.ParseResolution(input.Body.Resolution)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		m, err := e.ResolveDispute(ctx, engine.ResolveDisputeOptions{
			MilestoneID: input.ID,
			Resolution:  resolution,
			Notes:       input.Body.Notes,
			Actor:       actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MilestoneResponse `json:"body"`
		}{Body: milestoneResponse(m)}, nil
	})
}

func registerPayments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-payments",
		Method:      http.MethodGet,
		Path:        "/payments",
		Summary:     "List payment instructions",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		EscrowID string `query:"escrow_id"`
		Status   string `query:"status"`
		Limit    int    `query:"limit" default:"50"`
	}) (*struct {
		Body struct {
			Items []PaymentResponse `json:"items"`
		} `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Payments.List(ctx, repo.PaymentFilters{
			EscrowID: input.EscrowID,
			Status:   input.Status,
			Limit:    normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items []PaymentResponse `json:"items"`
			} `json:"body"`
		}{}
		out.Body.Items = mapList(items, paymentResponse)
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-payment",
		Method:      http.MethodGet,
		Path:        "/payments/{id}",
		Summary:     "Get payment instruction",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body PaymentResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		p, err := e.Payments.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PaymentResponse `json:"body"`
		}{Body: paymentResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-payment",
		Method:      http.MethodPost,
		Path:        "/payments/{id}/advance",
		Summary:     "Record a custodian status callback",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body AdvancePaymentRequest `json:"body"`
	}) (*struct {
		Body PaymentResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		target, err := domain.ParsePaymentStatus(input.Body.Status)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		p, err := e.Payments.Advance(ctx, payments.AdvanceOptions{
			InstructionID: input.ID,
			Target:        target,
			Reference:     input.Body.Reference,
			Actor:         actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PaymentResponse `json:"body"`
		}{Body: paymentResponse(p)}, nil
	})
}

func registerLedger(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-ledger",
		Method:      http.MethodGet,
		Path:        "/ledger",
		Summary:     "Page the attestation ledger",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		EntityID string `query:"entity_id"`
		AfterSeq int64  `query:"after_seq"`
		Limit    int    `query:"limit" default:"100"`
	}) (*struct {
		Body struct {
			Items []LedgerEntryResponse `json:"items"`
		} `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.LedgerEntries(ctx, repo.LedgerFilter{
			EntityID: input.EntityID,
			AfterSeq: input.AfterSeq,
			Limit:    normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items []LedgerEntryResponse `json:"items"`
			} `json:"body"`
		}{}
		out.Body.Items = mapList(items, ledgerEntryResponse)
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-ledger",
		Method:      http.MethodPost,
		Path:        "/ledger/verify",
		Summary:     "Recompute every hash in the chain",
		Errors:      []int{http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body VerifyResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		rep, err := e.VerifyLedger(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VerifyResponse `json:"body"`
		}{Body: verifyResponse(rep)}, nil
	})
}

func registerNotifications(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-notifications",
		Method:      http.MethodGet,
		Path:        "/notifications",
		Summary:     "Inbox for the calling role",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		EscrowID   string `query:"escrow_id"`
		UnreadOnly bool   `query:"unread"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body struct {
			Items []NotificationResponse `json:"items"`
		} `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Notifications(ctx, engine.NotificationQuery{
			EscrowID:   input.EscrowID,
			UnreadOnly: input.UnreadOnly,
			Limit:      normalizeLimit(input.Limit),
			Actor:      actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Items []NotificationResponse `json:"items"`
			} `json:"body"`
		}{}
		out.Body.Items = mapList(items, notificationResponse)
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mark-notification-read",
		Method:      http.MethodPost,
		Path:        "/notifications/{seq}/read",
		Summary:     "Mark a notification read",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Seq int64 `path:"seq"`
	}) (*struct {
		Body NotificationResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		n, err := e.MarkNotificationRead(ctx, input.Seq, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body NotificationResponse `json:"body"`
		}{Body: notificationResponse(n)}, nil
	})
}

// registerStream mounts the websocket feed outside huma; the auth
// middleware has already resolved the principal.
func registerStream(r chi.Router, basePath string, hub *notify.Hub) {
	r.Get(path.Join(basePath, "notifications/stream"), func(w http.ResponseWriter, req *http.Request) {
		p, ok := principalFromContext(req.Context())
		if !ok {
			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
			return
		}
		hub.Serve(w, req, p.Actor())
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Actor `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body domain.Actor `json:"body"`
		}{Body: actor}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		role, err := callerRole(input.Body.Role)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, role)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
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
	if in > 500 {
		return 500
	}
	return in
}
