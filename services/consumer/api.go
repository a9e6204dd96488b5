package consumer

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"syncd/pkg/artifact"
	"syncd/pkg/credential"
	"syncd/pkg/httpx"
	"syncd/pkg/signing"
)

// Config controls runtime behaviour for the consumer API.
type Config struct {
	// AdminToken guards the operator endpoints. Empty disables them.
	AdminToken string
	// RegisterLimit is the number of /register calls allowed per client IP per minute.
	RegisterLimit int
	// Ready reports dependency health for /readyz.
	Ready func(ctx context.Context) error
}

// Services groups the components the API serves.
type Services struct {
	Engine      *Engine
	Rollbacks   *RollbackManager
	Fetcher     *Fetcher
	Puller      *Puller
	Credentials *credential.Store
	Nonces      signing.NonceStore
}

// API exposes the webhook, registration and operator endpoints of a consumer site.
type API struct {
	svc      Services
	config   Config
	verifier *signing.Verifier
	logger   zerolog.Logger
}

// New validates dependencies and returns the API.
func New(svc Services, cfg Config, logger zerolog.Logger) (*API, error) {
	if svc.Engine == nil {
		return nil, errors.New("engine is required")
	}
	if svc.Rollbacks == nil {
		return nil, errors.New("rollback manager is required")
	}
	if svc.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if svc.Credentials == nil {
		return nil, errors.New("credential store is required")
	}
	if cfg.RegisterLimit <= 0 {
		cfg.RegisterLimit = 5
	}

	return &API{
		svc:    svc,
		config: cfg,
		verifier: &signing.Verifier{
			Secrets: svc.Credentials,
			Nonces:  svc.Nonces,
		},
		logger: logger,
	}, nil
}

// Routes constructs the chi router containing all consumer endpoints.
func (a *API) Routes() (http.Handler, error) {
	if a == nil {
		return nil, errors.New("nil api")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/readyz", a.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.With(signing.Middleware(a.verifier, a.logger)).Post("/webhook/deploy", a.handleWebhookDeploy)
	r.With(httprate.LimitByIP(a.config.RegisterLimit, time.Minute)).Post("/register", a.handleRegister)

	r.Group(func(r chi.Router) {
		r.Use(httpx.RequireBearer(a.config.AdminToken))
		r.Get("/templates", a.handleListMappings)
		r.Get("/templates/{templateID}", a.handleGetMapping)
		r.Get("/templates/{templateID}/snapshots", a.handleSnapshots)
		r.Post("/templates/{templateID}/rollback", a.handleRollback)
		r.Post("/templates/{templateID}/status", a.handleMappingStatus)
		r.Post("/sync", a.handleSync)
		r.Post("/credential/rotate", a.handleRotateCredential)
	})

	return r, nil
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.config.Ready != nil {
		ctx, cancel := httpx.WithTimeout(r.Context())
		defer cancel()
		if err := a.config.Ready(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("readiness check failed")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

var errorMappings = []httpx.Mapping{
	{Err: ErrBadRequest, Status: http.StatusBadRequest, Code: httpx.CodeBadRequest},
	{Err: ErrNotFound, Status: http.StatusNotFound, Code: httpx.CodeNotFound},
	{Err: credential.ErrNotFound, Status: http.StatusNotFound, Code: httpx.CodeNotFound},
	{Err: ErrNoSnapshot, Status: http.StatusConflict, Code: httpx.CodeNoSnapshot},
	{Err: ErrMappingDisabled, Status: http.StatusConflict, Code: httpx.CodeConflict},
	{Err: artifact.ErrInvalid, Status: http.StatusUnprocessableEntity, Code: httpx.CodeArtifactInvalid},
	{Err: ErrFetchFailed, Status: http.StatusBadGateway, Code: httpx.CodeFetchFailed},
	{Err: signing.ErrAuthFailed, Status: http.StatusUnauthorized, Code: httpx.CodeAuthFailed},
}

func (a *API) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	status, code := httpx.Classify(err, errorMappings...)
	evt := a.logger.Warn()
	if status >= http.StatusInternalServerError {
		evt = a.logger.Error()
	}
	evt.Err(err).Str("path", r.URL.Path).Int("status", status).Msg("request failed")
	httpx.RespondError(w, status, code)
}
