package consumer

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"syncd/pkg/credential"
	"syncd/pkg/httpx"
)

func templateIDParam(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(chi.URLParam(r, "templateID")))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid template id", ErrBadRequest)
	}
	return id, nil
}

func (a *API) handleListMappings(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := httpx.WithTimeout(r.Context())
	defer cancel()

	items, err := a.svc.Engine.Mappings(ctx)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]any{"templates": items})
}

func (a *API) handleGetMapping(w http.ResponseWriter, r *http.Request) {
	id, err := templateIDParam(r)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}

	ctx, cancel := httpx.WithTimeout(r.Context())
	defer cancel()

	m, err := a.svc.Engine.Mapping(ctx, id)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	res, err := a.svc.Engine.Resource(ctx, m.LocalResourceID)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]any{"mapping": m, "resource": res})
}

func (a *API) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	id, err := templateIDParam(r)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}

	ctx, cancel := httpx.WithTimeout(r.Context())
	defer cancel()

	snaps, err := a.svc.Rollbacks.Snapshots(ctx, id)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]any{"global_template_id": id, "snapshots": snaps})
}

func (a *API) handleRollback(w http.ResponseWriter, r *http.Request) {
	id, err := templateIDParam(r)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}

	ctx, cancel := httpx.WithTimeout(r.Context())
	defer cancel()

	res, err := a.svc.Rollbacks.RollbackTo(ctx, id, r.URL.Query().Get("version"))
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"post_id": res.LocalResourceID,
		"version": res.Version,
	})
}

func (a *API) handleMappingStatus(w http.ResponseWriter, r *http.Request) {
	id, err := templateIDParam(r)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	var req struct {
		Status string `json:"status"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		a.respondErr(w, r, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}

	ctx, cancel := httpx.WithTimeout(r.Context())
	defer cancel()

	m, err := a.svc.Engine.SetStatus(ctx, id, strings.ToLower(strings.TrimSpace(req.Status)))
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]any{"mapping": m})
}

func (a *API) handleSync(w http.ResponseWriter, r *http.Request) {
	if a.svc.Puller == nil {
		a.respondErr(w, r, fmt.Errorf("%w: pulling is not configured", ErrNotFound))
		return
	}
	report, err := a.svc.Puller.SyncOnce(r.Context())
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, report)
}

// handleRotateCredential replaces the local secret. Operators pass the secret the
// publisher issued; without one a fresh secret is generated and returned.
func (a *API) handleRotateCredential(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Secret string `json:"secret"`
	}
	if r.ContentLength != 0 {
		if err := httpx.DecodeJSON(r, &req); err != nil {
			a.respondErr(w, r, fmt.Errorf("%w: %v", ErrBadRequest, err))
			return
		}
	}

	ctx, cancel := httpx.WithTimeout(r.Context())
	defer cancel()

	current, err := a.svc.Credentials.Current(ctx)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}

	var rotated credential.Credential
	if secret := strings.TrimSpace(req.Secret); secret != "" {
		rotated, err = a.svc.Credentials.SetSecret(ctx, current.Token, secret)
	} else {
		rotated, err = a.svc.Credentials.Rotate(ctx, current.Token)
	}
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	a.logger.Info().Str("token", rotated.Token).Msg("credential rotated")
	httpx.RespondJSON(w, http.StatusOK, map[string]any{
		"token":      rotated.Token,
		"secret":     rotated.Secret,
		"rotated_at": rotated.RotatedAt,
	})
}
