package publisher

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"syncd/pkg/artifact"
	"syncd/pkg/httpx"
	"syncd/pkg/signing"
)

// Config controls runtime behaviour for the publisher API.
type Config struct {
	// AdminToken guards the operator endpoints. Empty disables them.
	AdminToken     string
	AllowedOrigins []string
	// Ready reports dependency health for /readyz.
	Ready func(ctx context.Context) error
}

// Services groups the components the API serves.
type Services struct {
	Registry     *Registry
	Consumers    *Directory
	Orchestrator *Orchestrator
	Feed         Feed
	Nonces       signing.NonceStore
}

// API exposes the registry, the updates feed and the deployment orchestrator over HTTP.
type API struct {
	svc      Services
	config   Config
	verifier *signing.Verifier
	logger   zerolog.Logger
}

// New validates dependencies and returns the API.
func New(svc Services, cfg Config, logger zerolog.Logger) (*API, error) {
	if svc.Registry == nil {
		return nil, errors.New("registry is required")
	}
	if svc.Consumers == nil {
		return nil, errors.New("consumer directory is required")
	}
	if svc.Orchestrator == nil {
		return nil, errors.New("orchestrator is required")
	}
	if svc.Feed == nil {
		svc.Feed = svc.Registry
	}

	return &API{
		svc:    svc,
		config: cfg,
		verifier: &signing.Verifier{
			Secrets: svc.Consumers,
			Nonces:  svc.Nonces,
		},
		logger: logger,
	}, nil
}

// Routes constructs the chi router containing all publisher endpoints.
func (a *API) Routes() (http.Handler, error) {
	if a == nil {
		return nil, errors.New("nil api")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	allowed := a.config.AllowedOrigins
	if len(allowed) == 0 {
		allowed = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowed,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type",
			signing.HeaderTimestamp, signing.HeaderNonce, signing.HeaderSignature, signing.HeaderToken},
		MaxAge: int((10 * time.Minute).Seconds()),
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/readyz", a.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(signing.Middleware(a.verifier, a.logger))
		r.Get("/templates", a.handleListTemplates)
		r.Get("/templates/{templateID}", a.handleGetTemplate)
		r.Get("/updates", a.handleUpdates)
	})

	r.Group(func(r chi.Router) {
		r.Use(httpx.RequireBearer(a.config.AdminToken))
		r.Post("/deploy", a.handleDeploy)
		r.Get("/deployments", a.handleListDeployments)
		r.Get("/deployments/{deploymentID}", a.handleGetDeployment)
		r.Post("/templates/{templateID}/versions", a.handlePublish)
		r.Get("/templates/{templateID}/versions", a.handleHistory)
		r.Get("/templates/{templateID}/versions/{version}", a.handleGetVersion)
		r.Post("/consumers", a.handleEnrollConsumer)
		r.Get("/consumers", a.handleListConsumers)
		r.Post("/consumers/{consumerID}/rotate", a.handleRotateConsumer)
		r.Post("/consumers/{consumerID}/status", a.handleConsumerStatus)
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
	{Err: ErrVersionExists, Status: http.StatusConflict, Code: httpx.CodeConflict},
	{Err: ErrValidationFailed, Status: http.StatusInternalServerError, Code: httpx.CodeArtifactInvalid},
	{Err: artifact.ErrInvalid, Status: http.StatusUnprocessableEntity, Code: httpx.CodeArtifactInvalid},
	{Err: signing.ErrAuthFailed, Status: http.StatusUnauthorized, Code: httpx.CodeAuthFailed},
	{Err: ErrDeliveryFailed, Status: http.StatusBadGateway, Code: httpx.CodeFetchFailed},
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
