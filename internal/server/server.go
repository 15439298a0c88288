package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"reflect"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"launchpad/internal/domain"
	"launchpad/internal/finalize"
	"launchpad/internal/launch"
	"launchpad/internal/metrics"
	"launchpad/internal/pump"
	"launchpad/internal/repo"
	"launchpad/internal/validate"
)

// Config for the HTTP API handler.
type Config struct {
	Metadata  launch.MetadataUploader
	Builder   launch.TransactionBuilder
	Identity  launch.IdentityRegistrar
	Finalizer launch.Finalizer
	Repo      repo.Repo

	BasePath  string
	Auth      AuthConfig
	RateLimit float64
	Burst     int
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"status_conflict"`
	Message string         `json:"message" example:"status conflict: agent_registered requires identity credentials"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"fields\":[]}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// maxMetadataBody caps the multipart metadata request: the image plus the text fields.
const maxMetadataBody = domain.MaxImageBytes + 1<<20

// New returns an HTTP handler exposing the launch backend API.
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
		logger = zap.NewNop()
	}
	if cfg.Auth.APIKey == "" && cfg.Auth.JWTSecret == "" {
		logger.Warn("api authentication is disabled; set server.api_key or server.jwt_secret")
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	if cfg.Metrics != nil {
		router.Use(cfg.Metrics.InstrumentHandler)
	}
	router.Use(requestLogger(logger))
	if cfg.RateLimit > 0 {
		router.Use(newRateLimiter(cfg.RateLimit, cfg.Burst, logger).Handler)
	}
	router.Use(newAuthMiddleware(basePath, cfg.Auth, logger))
	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics.Handler())
	}

	hcfg := huma.DefaultConfig("Launchpad API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerMetadata(router, basePath, cfg.Metadata, logger)
	registerTransactions(group, cfg.Builder)
	registerAgents(group, cfg.Identity)
	registerLaunches(group, cfg.Finalizer, cfg.Repo)
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
	var verr *validate.Error
	if errors.As(err, &verr) {
		return newAPIError(http.StatusBadRequest, "bad_request", verr.Error(), map[string]any{"fields": verr.Fields})
	}
	var fe ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"wallet": fe.Wallet})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", "launch not found", nil)
	}
	if errors.Is(err, finalize.ErrStatusConflict) {
		return newAPIError(http.StatusConflict, "status_conflict", err.Error(), nil)
	}
	var ue *pump.UpstreamError
	if errors.As(err, &ue) {
		return newAPIError(http.StatusBadGateway, "upstream_error", err.Error(), map[string]any{"service": ue.Service, "status": ue.StatusCode})
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return newAPIError(http.StatusBadGateway, "upstream_error", err.Error(), nil)
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
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusBadGateway:
		return "upstream_error"
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
	if oas.Components != nil && oas.Components.Schemas != nil {
		oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
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
    <title>Launchpad API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt;, apikey or X-Api-Key.
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

// registerMetadata mounts the multipart proxy on chi directly; the form carries an optional
// binary file next to plain text fields.
func registerMetadata(r chi.Router, basePath string, up launch.MetadataUploader, logger *zap.Logger) {
	r.Post(path.Join(basePath, "metadata"), func(w http.ResponseWriter, req *http.Request) {
		req.Body = http.MaxBytesReader(w, req.Body, maxMetadataBody)
		if err := req.ParseMultipartForm(maxMetadataBody); err != nil {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "invalid multipart form: "+err.Error(), nil))
			return
		}
		defer req.MultipartForm.RemoveAll()

		in := domain.MetadataRequest{
			Name:        strings.TrimSpace(req.FormValue("name")),
			Symbol:      strings.ToUpper(strings.TrimSpace(req.FormValue("symbol"))),
			Description: strings.TrimSpace(req.FormValue("description")),
			Twitter:     strings.TrimSpace(req.FormValue("twitter")),
			Telegram:    strings.TrimSpace(req.FormValue("telegram")),
			Website:     strings.TrimSpace(req.FormValue("website")),
		}
		var fieldErrs []validate.FieldError
		if in.Name == "" || len(in.Name) > 32 {
			fieldErrs = append(fieldErrs, validate.FieldError{Field: "name", Message: "name is required and must be at most 32 characters"})
		}
		if !validate.TokenSymbol(in.Symbol) {
			fieldErrs = append(fieldErrs, validate.FieldError{Field: "symbol", Message: "symbol must be 1-10 uppercase letters or digits"})
		}
		if len(fieldErrs) > 0 {
			respondStatusError(w, handleError(&validate.Error{Fields: fieldErrs}))
			return
		}
		if in.Description == "" {
			in.Description = fmt.Sprintf("%s (%s) token", in.Name, in.Symbol)
		}

		if file, header, err := req.FormFile("file"); err == nil {
			data, err := io.ReadAll(file)
			file.Close()
			if err != nil {
				respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "read file: "+err.Error(), nil))
				return
			}
			img := &domain.Image{Name: header.Filename, ContentType: header.Header.Get("Content-Type"), Data: data}
			if err := domain.ValidateImage(img, "file"); err != nil {
				respondStatusError(w, handleError(err))
				return
			}
			in.Image = img
		} else if !errors.Is(err, http.ErrMissingFile) {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "invalid file: "+err.Error(), nil))
			return
		}

		uri, err := up.UploadMetadata(req.Context(), in)
		if err != nil {
			logger.Warn("metadata upload failed", zap.String("symbol", in.Symbol), zap.Error(err))
			respondStatusError(w, handleError(err))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(MetadataResponse{Success: true, MetadataURI: uri})
	})
}

func registerTransactions(api huma.API, builder launch.TransactionBuilder) {
	huma.Register(api, huma.Operation{
		OperationID: "create-transaction",
		Method:      http.MethodPost,
		Path:        "/transactions/create",
		Summary:     "Build an unsigned token creation transaction",
		Errors:      []int{http.StatusBadRequest, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Body domain.CreateTxRequest `json:"body"`
	}) (*struct {
		Body CreateTxResponse `json:"body"`
	}, error) {
		req := input.Body
		req.TokenSymbol = strings.ToUpper(strings.TrimSpace(req.TokenSymbol))
		if err := validate.Struct(req); err != nil {
			return nil, handleError(err)
		}
		raw, err := builder.BuildCreateTransaction(ctx, req)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreateTxResponse `json:"body"`
		}{Body: CreateTxResponse{
			Success:      true,
			SerializedTx: base64.StdEncoding.EncodeToString(raw),
			TxSize:       len(raw),
		}}, nil
	})
}

func registerAgents(api huma.API, identity launch.IdentityRegistrar) {
	huma.Register(api, huma.Operation{
		OperationID: "register-agent",
		Method:      http.MethodPost,
		Path:        "/agents/register",
		Summary:     "Register an agent with the identity service",
		Description: "Registration failures are reported in the body with success=false; only invalid requests fail.",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body domain.RegisterAgentRequest `json:"body"`
	}) (*struct {
		Body domain.IdentityRegistration `json:"body"`
	}, error) {
		req := input.Body
		req.Name = strings.TrimSpace(req.Name)
		req.Description = strings.TrimSpace(req.Description)
		if err := validate.Struct(req); err != nil {
			return nil, handleError(err)
		}
		reg, err := identity.RegisterAgent(ctx, req.Name, req.Description)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.IdentityRegistration `json:"body"`
		}{Body: reg}, nil
	})
}

func registerLaunches(api huma.API, fin launch.Finalizer, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "finalize-launch",
		Method:      http.MethodPost,
		Path:        "/launches/finalize",
		Summary:     "Persist a launch or update one owned by the caller",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body domain.FinalizeRequest `json:"body"`
	}) (*struct {
		Body FinalizeResponse `json:"body"`
	}, error) {
		if err := requireWallet(ctx, input.Body.CreatorWallet); err != nil {
			return nil, handleError(err)
		}
		l, err := fin.FinalizeLaunch(ctx, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FinalizeResponse `json:"body"`
		}{Body: FinalizeResponse{Success: true, Launch: l}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-launches",
		Method:      http.MethodGet,
		Path:        "/launches",
		Summary:     "List launches, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Creator string `query:"creator"`
		Status  string `query:"status"`
		Mint    string `query:"mint"`
		Limit   int    `query:"limit" default:"50"`
	}) (*struct {
		Body LaunchListResponse `json:"body"`
	}, error) {
		items, err := r.ListLaunches(ctx, repo.LaunchFilters{
			Creator: input.Creator,
			Status:  input.Status,
			Mint:    input.Mint,
			Limit:   normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := LaunchListResponse{Items: make([]domain.Launch, 0, len(items))}
		for _, l := range items {
			resp.Items = append(resp.Items, redact(ctx, l))
		}
		return &struct {
			Body LaunchListResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-launch",
		Method:      http.MethodGet,
		Path:        "/launches/{id}",
		Summary:     "Get a launch",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Launch `json:"body"`
	}, error) {
		l, err := r.GetLaunch(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Launch `json:"body"`
		}{Body: redact(ctx, l)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-launch-events",
		Method:      http.MethodGet,
		Path:        "/launches/{id}/events",
		Summary:     "List the audit events of a launch",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body EventListResponse `json:"body"`
	}, error) {
		if _, err := r.GetLaunch(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := r.ListLaunchEvents(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.LaunchEvent{}
		}
		return &struct {
			Body EventListResponse `json:"body"`
		}{Body: EventListResponse{Items: items}}, nil
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
