package publisher

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"syncd/pkg/httpx"
)

// previewTimeout bounds a synchronous dry run across every target.
const previewTimeout = 55 * time.Second

func (a *API) handleDeploy(w http.ResponseWriter, r *http.Request) {
	var req DeployRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		a.respondErr(w, r, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}

	if req.Options.DryRun {
		ctx, cancel := context.WithTimeout(r.Context(), previewTimeout)
		defer cancel()

		results, err := a.svc.Orchestrator.Preview(ctx, req)
		if err != nil {
			a.respondErr(w, r, err)
			return
		}
		httpx.RespondJSON(w, http.StatusOK, map[string]any{"dry_run": true, "results": results})
		return
	}

	ctx, cancel := httpx.WithTimeout(r.Context())
	defer cancel()

	d, err := a.svc.Orchestrator.Enqueue(ctx, req)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	httpx.RespondJSON(w, http.StatusAccepted, map[string]any{"deployment_id": d.ID, "status": d.Status})
}

func (a *API) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			a.respondErr(w, r, fmt.Errorf("%w: invalid limit", ErrBadRequest))
			return
		}
		limit = n
	}

	ctx, cancel := httpx.WithTimeout(r.Context())
	defer cancel()

	items, err := a.svc.Orchestrator.List(ctx, limit)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]any{"deployments": items})
}

func (a *API) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(strings.TrimSpace(chi.URLParam(r, "deploymentID")))
	if err != nil {
		a.respondErr(w, r, fmt.Errorf("%w: invalid deployment id", ErrBadRequest))
		return
	}

	ctx, cancel := httpx.WithTimeout(r.Context())
	defer cancel()

	d, err := a.svc.Orchestrator.Get(ctx, id)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]any{"deployment": d})
}
