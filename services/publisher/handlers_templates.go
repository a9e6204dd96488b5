package publisher

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"syncd/pkg/artifact"
	"syncd/pkg/httpx"
)

func templateIDParam(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(chi.URLParam(r, "templateID")))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid template id", ErrBadRequest)
	}
	return id, nil
}

func (a *API) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	var filter *artifact.Type
	if raw := strings.TrimSpace(r.URL.Query().Get("type")); raw != "" {
		typ, ok := artifact.ParseType(raw)
		if !ok {
			a.respondErr(w, r, fmt.Errorf("%w: unknown type %q", ErrBadRequest, raw))
			return
		}
		filter = &typ
	}

	ctx, cancel := httpx.WithTimeout(r.Context())
	defer cancel()

	items, err := a.svc.Registry.List(ctx, filter)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]any{"templates": items})
}

func (a *API) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	id, err := templateIDParam(r)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}

	ctx, cancel := httpx.WithTimeout(r.Context())
	defer cancel()

	art, err := a.svc.Registry.Version(ctx, id, r.URL.Query().Get("version"))
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, art)
}

// handleGetVersion is the operator view of one stored artifact, used for exports.
func (a *API) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	id, err := templateIDParam(r)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}

	ctx, cancel := httpx.WithTimeout(r.Context())
	defer cancel()

	art, err := a.svc.Registry.Version(ctx, id, chi.URLParam(r, "version"))
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, art)
}

func (a *API) handleUpdates(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if raw := strings.TrimSpace(r.URL.Query().Get("since")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			a.respondErr(w, r, fmt.Errorf("%w: since must be RFC3339", ErrBadRequest))
			return
		}
		since = parsed
	}

	ctx, cancel := httpx.WithTimeout(r.Context())
	defer cancel()

	updates, err := a.svc.Feed.Updates(ctx, since)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]any{"updates": updates})
}

type publishRequest struct {
	Version string          `json:"version"`
	Name    string          `json:"name"`
	Slug    string          `json:"slug"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (a *API) handlePublish(w http.ResponseWriter, r *http.Request) {
	id, err := templateIDParam(r)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}

	var req publishRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		a.respondErr(w, r, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}
	typ, ok := artifact.ParseType(req.Type)
	if !ok {
		a.respondErr(w, r, fmt.Errorf("%w: unknown type %q", ErrBadRequest, req.Type))
		return
	}

	ctx, cancel := httpx.WithTimeout(r.Context())
	defer cancel()

	art, err := a.svc.Registry.Publish(ctx, id, artifact.Artifact{
		Version: req.Version,
		Name:    strings.TrimSpace(req.Name),
		Slug:    strings.TrimSpace(req.Slug),
		Type:    typ,
		Payload: req.Payload,
	})
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	httpx.RespondJSON(w, http.StatusCreated, map[string]any{"artifact": art})
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, err := templateIDParam(r)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}

	ctx, cancel := httpx.WithTimeout(r.Context())
	defer cancel()

	versions, err := a.svc.Registry.History(ctx, id)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]any{"global_template_id": id, "versions": versions})
}
