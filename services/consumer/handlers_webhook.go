package consumer

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"syncd/pkg/artifact"
	"syncd/pkg/credential"
	"syncd/pkg/httpx"
)

type deployRequest struct {
	ArtifactURL string             `json:"artifact_url"`
	Artifact    *artifact.Artifact `json:"artifact"`
	DryRun      bool               `json:"dry_run"`
}

func (a *API) handleWebhookDeploy(w http.ResponseWriter, r *http.Request) {
	var req deployRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		a.respondErr(w, r, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}

	var art artifact.Artifact
	switch {
	case req.Artifact != nil:
		art = *req.Artifact
	case strings.TrimSpace(req.ArtifactURL) != "":
		fetched, err := a.svc.Fetcher.Fetch(r.Context(), req.ArtifactURL)
		if err != nil {
			a.respondErr(w, r, err)
			return
		}
		art = fetched
	default:
		a.respondErr(w, r, fmt.Errorf("%w: artifact or artifact_url is required", ErrBadRequest))
		return
	}

	if req.DryRun {
		diff, err := a.svc.Engine.CalculateDiff(r.Context(), art)
		if err != nil {
			a.respondErr(w, r, err)
			return
		}
		httpx.RespondJSON(w, http.StatusOK, map[string]any{"ok": true, "dry_run": true, "diff": diff})
		return
	}

	res, err := a.svc.Engine.Apply(r.Context(), art)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"post_id":   res.LocalResourceID,
		"version":   res.Version,
		"unchanged": res.Unchanged,
	})
}

type registerRequest struct {
	PublisherURL string `json:"publisher_url"`
	Token        string `json:"token"`
	Secret       string `json:"secret"`
}

// handleRegister pairs this site with a publisher. A known token may be re-registered
// without a secret to update the publisher URL.
func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		a.respondErr(w, r, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}
	req.Token = strings.TrimSpace(req.Token)
	if req.Token == "" {
		a.respondErr(w, r, fmt.Errorf("%w: token is required", ErrBadRequest))
		return
	}
	publisher, err := url.Parse(strings.TrimSpace(req.PublisherURL))
	if err != nil || (publisher.Scheme != "http" && publisher.Scheme != "https") || publisher.Host == "" {
		a.respondErr(w, r, fmt.Errorf("%w: publisher_url must be an absolute http(s) URL", ErrBadRequest))
		return
	}

	ctx, cancel := httpx.WithTimeout(r.Context())
	defer cancel()

	secret := strings.TrimSpace(req.Secret)
	if secret == "" {
		existing, err := a.svc.Credentials.Get(ctx, req.Token)
		if err != nil {
			a.respondErr(w, r, fmt.Errorf("%w: secret is required for a new token", ErrBadRequest))
			return
		}
		secret = existing.Secret
	}

	if _, err := a.svc.Credentials.Put(ctx, credential.Credential{
		Token:   req.Token,
		Secret:  secret,
		PeerURL: publisher.String(),
		Label:   "publisher",
	}); err != nil {
		a.respondErr(w, r, err)
		return
	}
	a.logger.Info().Str("publisher_url", publisher.String()).Msg("publisher registered")
	httpx.RespondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
