package server

import (
	"bytes"
	"context"
	"crypto/subtle"
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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	"unsaid/internal/domain"
	"unsaid/internal/engine"
	"unsaid/internal/engine/auth"
	"unsaid/internal/events"
	"unsaid/internal/notify"
	"unsaid/internal/payment"
	"unsaid/internal/repo"
	"unsaid/internal/validate"
)

// Config for the HTTP API handler.
type Config struct {
	Engine      engine.Engine
	BasePath    string
	Auth        AuthConfig
	Hub         *notify.Hub
	CORSOrigins []string
	Version     string
	Logger      logrus.FieldLogger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"entitlement_required"`
	Message string         `json:"message" example:"payment required to send more messages"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"reason\":\"payment_required\"}"`
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

// New returns an HTTP handler exposing the UnSaid API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// schema violations are client input errors
			status = http.StatusBadRequest
			var details map[string]any
			if len(errs) > 0 {
				details = map[string]any{"errors": errs}
			}
			return newAPIError(status, "validation_failed", msg, details)
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	if len(cfg.CORSOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-Api-Key", "X-Identity-Key"},
		}).Handler)
	}
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	streamPath := path.Join(basePath, "confessions/stream")
	router.Use(newAuthMiddleware(streamPath, cfg.Auth, cfg.Engine))
	hcfg := huma.DefaultConfig("UnSaid API", version)
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group, version)
	registerSession(group, cfg.Engine, cfg.Auth)
	registerMe(group, cfg.Engine)
	registerPayments(group, cfg.Engine)
	registerConfessions(group, cfg.Engine)
	registerInbox(group, cfg.Engine)
	registerAdmin(group, cfg.Engine)
	registerStream(router, streamPath, cfg.Hub, cfg.CORSOrigins, logger)
	registerOpenAPI(router, api, basePath)
	router.Handle("/metrics", promhttp.Handler())

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
	var verrs *validate.Errors
	if errors.As(err, &verrs) {
		return newAPIError(http.StatusBadRequest, "validation_failed", "request has invalid fields", map[string]any{"errors": verrs.Fields})
	}
	if errors.Is(err, auth.ErrUnauthenticated) {
		return newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	var ent auth.EntitlementError
	if errors.As(err, &ent) {
		return newAPIError(http.StatusForbidden, "entitlement_required", ent.Error(), map[string]any{"reason": ent.Reason})
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", "not found", nil)
	}
	var pe engine.PreconditionError
	if errors.As(err, &pe) {
		return newAPIError(http.StatusConflict, "precondition_failed", err.Error(), map[string]any{"reason": pe.Reason})
	}
	switch {
	case errors.Is(err, engine.ErrLeaseHeld):
		return newAPIError(http.StatusConflict, "lease_held", err.Error(), nil)
	case errors.Is(err, engine.ErrRetryLimit):
		return newAPIError(http.StatusConflict, "retry_limit", err.Error(), nil)
	case errors.Is(err, repo.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, payment.ErrInvalidSignature):
		return newAPIError(http.StatusBadRequest, "invalid_signature", err.Error(), nil)
	case errors.Is(err, payment.ErrNotConfigured):
		return newAPIError(http.StatusServiceUnavailable, "payments_unavailable", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
	public := map[string]bool{}
	for _, p := range []string{"health", "auth/session", "auth/dev/login", "inbox/{id}", "webhooks/razorpay"} {
		public[path.Join("/", basePath, p)] = true
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if public[route] {
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
    <title>UnSaid API Docs</title>
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

func registerHealth(api huma.API, version string) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: HealthResponse{Status: "ok", Version: version}}, nil
	})
}

func registerSession(api huma.API, e engine.Engine, authCfg AuthConfig) {
	mint := func(u domain.User) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		token, expires, err := authCfg.Issuer.Mint(u.ID, u.Roles)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: SessionResponse{Token: token, ExpiresAt: expires, User: userResponse(u)}}, nil
	}

	huma.Register(api, huma.Operation{
		OperationID: "create-session",
		Method:      http.MethodPost,
		Path:        "/auth/session",
		Summary:     "Exchange a verified identity-provider profile for a session token",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		IdentityKey string         `header:"X-Identity-Key"`
		Body        SessionRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		if authCfg.IdentityKey == "" {
			return nil, newAPIError(http.StatusServiceUnavailable, "unavailable", "identity broker not configured", nil)
		}
		if subtle.ConstantTimeCompare([]byte(input.IdentityKey), []byte(authCfg.IdentityKey)) != 1 {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "invalid identity key", nil)
		}
		u, err := e.UpsertIdentity(ctx, engine.Profile{
			ExternalID: input.Body.ExternalID,
			Email:      input.Body.Email,
			Name:       input.Body.Name,
			PictureURL: input.Body.Picture,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return mint(u)
	})

	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: sign in as a local user",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		if !authCfg.AllowDevLogin {
			return nil, newAPIError(http.StatusNotFound, "not_found", "not found", nil)
		}
		email := strings.ToLower(strings.TrimSpace(input.Body.Email))
		u, err := e.UpsertIdentity(ctx, engine.Profile{
			ExternalID: "dev:" + email,
			Email:      email,
			Name:       input.Body.Name,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return mint(u)
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me-status",
		Method:      http.MethodGet,
		Path:        "/me/status",
		Summary:     "Entitlement summary for the signed-in user",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		id, authErr := currentIdentity(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res := StatusResponse{
			User:                  identityUser(id),
			HasEntitlement:        id.HasEntitlement,
			CanSubmit:             id.CanSubmit(),
			FreeMessagesRemaining: id.FreeRemaining,
			Developer:             id.Developer,
			DeveloperModeEnabled:  e.Config != nil && e.Config.Entitlement.DeveloperModeEnabled,
		}
		if id.Subscription != nil {
			sub := subscriptionResponse(*id.Subscription)
			res.Subscription = &sub
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "enable-developer",
		Method:      http.MethodPost,
		Path:        "/dev/enable-testing",
		Summary:     "Grant unlimited sends to the signed-in user when developer mode is on",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		id, authErr := currentIdentity(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := e.EnableDeveloper(ctx, id.OwnerID, id.OwnerID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UserResponse `json:"body"`
		}{Body: userResponse(u)}, nil
	})
}

func registerPayments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-order",
		Method:        http.MethodPost,
		Path:          "/orders",
		Summary:       "Open a payment order for a plan",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateOrderRequest `json:"body"`
	}) (*struct {
		Body OrderResponse `json:"body"`
	}, error) {
		id, authErr := currentIdentity(ctx)
		if authErr != nil {
			return nil, authErr
		}
		o, err := e.CreateOrder(ctx, id, input.Body.Plan)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OrderResponse `json:"body"`
		}{Body: OrderResponse{
			OrderID:  o.ID,
			Plan:     o.Plan,
			Amount:   o.Amount,
			Currency: o.Currency,
			KeyID:    e.Config.Payment.KeyID,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "confirm-payment",
		Method:      http.MethodPost,
		Path:        "/subscriptions/confirm",
		Summary:     "Verify a checkout signature and grant the subscription",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Body ConfirmPaymentRequest `json:"body"`
	}) (*struct {
		Body ConfirmPaymentResponse `json:"body"`
	}, error) {
		id, authErr := currentIdentity(ctx)
		if authErr != nil {
			return nil, authErr
		}
		sub, created, err := e.ConfirmPayment(ctx, id, input.Body.OrderID, input.Body.PaymentID, input.Body.Signature)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ConfirmPaymentResponse `json:"body"`
		}{Body: ConfirmPaymentResponse{Subscription: subscriptionResponse(sub), Created: created}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "razorpay-webhook",
		Method:      http.MethodPost,
		Path:        "/webhooks/razorpay",
		Summary:     "Payment provider webhook",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Signature string `header:"X-Razorpay-Signature"`
	}) (*struct {
		Body WebhookAckResponse `json:"body"`
	}, error) {
		granted, err := e.HandlePaymentWebhook(ctx, bodyBytes(ctx), input.Signature)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WebhookAckResponse `json:"body"`
		}{Body: WebhookAckResponse{Status: "ok", Granted: granted}}, nil
	})
}

func registerConfessions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-confession",
		Method:        http.MethodPost,
		Path:          "/confessions",
		Summary:       "Submit a confession",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateConfessionRequest `json:"body"`
	}) (*struct {
		Body ConfessionResponse `json:"body"`
	}, error) {
		id, authErr := currentIdentity(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.Submit(ctx, id, validate.Request{
			Message:          input.Body.Message,
			RecipientName:    input.Body.RecipientName,
			RecipientContact: input.Body.RecipientContact,
			ContactType:      input.Body.ContactType,
			Plan:             input.Body.Plan,
			DeviceID:         input.Body.DeviceID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ConfessionResponse `json:"body"`
		}{Body: confessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-confessions",
		Method:      http.MethodGet,
		Path:        "/confessions",
		Summary:     "List the signed-in user's confessions, newest first",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body ConfessionListResponse `json:"body"`
	}, error) {
		id, authErr := currentIdentity(ctx)
		if authErr != nil {
			return nil, authErr
		}
		filters, limit, apiErr := pageFilters(input.Limit, input.Cursor)
		if apiErr != nil {
			return nil, apiErr
		}
		items, err := e.ListByOwner(ctx, id.OwnerID, filters)
		if err != nil {
			return nil, handleError(err)
		}
		total, err := e.Repo.CountSubmissions(ctx, id.OwnerID)
		if err != nil {
			return nil, handleError(err)
		}
		items, next := page(items, limit)
		return &struct {
			Body ConfessionListResponse `json:"body"`
		}{Body: ConfessionListResponse{Confessions: mapConfessions(items), Total: total, NextCursor: next}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-confession",
		Method:      http.MethodGet,
		Path:        "/confessions/{id}",
		Summary:     "Get one of the signed-in user's confessions",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ConfessionResponse `json:"body"`
	}, error) {
		id, authErr := currentIdentity(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.GetOwned(ctx, id.OwnerID, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ConfessionResponse `json:"body"`
		}{Body: confessionResponse(s)}, nil
	})
}

func registerInbox(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "inbox",
		Method:      http.MethodGet,
		Path:        "/inbox/{id}",
		Summary:     "Recipient view of a delivered confession",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body InboxResponse `json:"body"`
	}, error) {
		s, err := e.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if s.Status != domain.StatusDelivered {
			return nil, handleError(repo.ErrNotFound)
		}
		res := InboxResponse{
			ID:            s.ID,
			RecipientName: s.RecipientName,
			Message:       s.Message,
			Plan:          string(s.Plan),
			Revealed:      s.Revealed,
			DeliveredAt:   s.DeliveredAt,
		}
		if s.Revealed {
			owner, err := e.Repo.GetUser(ctx, nil, s.OwnerID)
			if err != nil && !errors.Is(err, repo.ErrNotFound) {
				return nil, handleError(err)
			}
			res.SenderName = owner.Name
			if res.SenderName == "" {
				res.SenderName = owner.Email
			}
		}
		return &struct {
			Body InboxResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerAdmin(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "admin-list-submissions",
		Method:      http.MethodGet,
		Path:        "/admin/submissions",
		Summary:     "List submissions, optionally filtered by status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body AdminSubmissionListResponse `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		var status domain.Status
		if strings.TrimSpace(input.Status) != "" {
			parsed, err := domain.ParseStatus(input.Status)
			if err != nil {
				return nil, handleError(&validate.Errors{Fields: []validate.FieldError{{
					Field: "status", Code: validate.CodeEnum, Message: "status must be one of pending, delivered, failed",
				}}})
			}
			status = parsed
		}
		filters, limit, apiErr := pageFilters(input.Limit, input.Cursor)
		if apiErr != nil {
			return nil, apiErr
		}
		items, err := e.ListByStatus(ctx, status, filters)
		if err != nil {
			return nil, handleError(err)
		}
		items, next := page(items, limit)
		return &struct {
			Body AdminSubmissionListResponse `json:"body"`
		}{Body: AdminSubmissionListResponse{Submissions: mapAdminSubmissions(items), NextCursor: next}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "admin-get-submission",
		Method:      http.MethodGet,
		Path:        "/admin/submissions/{id}",
		Summary:     "Get a submission including its failure reason",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body AdminSubmissionResponse `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		s, err := e.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AdminSubmissionResponse `json:"body"`
		}{Body: adminSubmissionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "admin-submission-events",
		Method:      http.MethodGet,
		Path:        "/admin/submissions/{id}/events",
		Summary:     "Audit trail of a submission",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Get(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.EntityEvents(ctx, events.KindSubmission, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]EventResponse, 0, len(items))
		for _, evt := range items {
			out = append(out, eventResponse(evt))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: out}, nil
	})

	actions := []struct {
		id, verb, summary string
		run               func(ctx context.Context, id, actorID string) (domain.Submission, error)
	}{
		{"admin-deliver", "deliver", "Mark a submission delivered (idempotent)", e.MarkDelivered},
		{"admin-dispatch", "dispatch", "Send a submission through its channel", e.Dispatch},
		{"admin-retry", "retry", "Return a failed submission to pending", e.Retry},
		{"admin-reveal", "reveal", "Reveal the sender of a delivered reveal-plan submission", e.Reveal},
	}
	for _, action := range actions {
		run := action.run
		huma.Register(api, huma.Operation{
			OperationID: action.id,
			Method:      http.MethodPost,
			Path:        "/admin/submissions/{id}/" + action.verb,
			Summary:     action.summary,
			Errors: []int{
				http.StatusUnauthorized,
				http.StatusForbidden,
				http.StatusNotFound,
				http.StatusConflict,
			},
		}, func(ctx context.Context, input *struct {
			ID string `path:"id"`
		}) (*struct {
			Body AdminSubmissionResponse `json:"body"`
		}, error) {
			actorID, authErr := requireAdmin(ctx)
			if authErr != nil {
				return nil, authErr
			}
			s, err := run(ctx, input.ID, actorID)
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body AdminSubmissionResponse `json:"body"`
			}{Body: adminSubmissionResponse(s)}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "admin-sweep-reveals",
		Method:      http.MethodPost,
		Path:        "/admin/reveals/sweep",
		Summary:     "Reveal every submission whose delay has elapsed",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SweepResponse `json:"body"`
	}, error) {
		if _, authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		n, err := e.SweepReveals(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SweepResponse `json:"body"`
		}{Body: SweepResponse{Revealed: n}}, nil
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

// pageFilters asks the store for one extra row so page can tell whether more follow.
func pageFilters(rawLimit int, cursor string) (repo.SubmissionFilters, int, huma.StatusError) {
	limit := normalizeLimit(rawLimit)
	ts, id, err := parseCompositeCursor(cursor)
	if err != nil {
		return repo.SubmissionFilters{}, 0, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": cursor})
	}
	return repo.SubmissionFilters{Limit: limit + 1, CursorCreatedAt: ts, CursorID: id}, limit, nil
}

func page(items []domain.Submission, limit int) ([]domain.Submission, string) {
	if len(items) <= limit {
		return items, ""
	}
	last := items[limit-1]
	return items[:limit], composeCursor(repo.FormatTime(last.CreatedAt), last.ID)
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	if _, err := repo.ParseTime(parts[0]); err != nil {
		return "", "", fmt.Errorf("invalid cursor: %w", err)
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
