package publisher

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"syncd/pkg/httpx"
)

func consumerIDParam(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(chi.URLParam(r, "consumerID")))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid consumer id", ErrBadRequest)
	}
	return id, nil
}

func (a *API) handleEnrollConsumer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
		URL  string `json:"url"`
	}
	if err := httpx.DecodeJSON(r, &req); err != nil {
		a.respondErr(w, r, fmt.Errorf("%w: %v", ErrBadRequest, err))
		return
	}

	ctx, cancel := httpx.WithTimeout(r.Context())
	defer cancel()

	consumer, cred, err := a.svc.Consumers.Enroll(ctx, req.Name, req.URL)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	a.logger.Info().Str("consumer_id", consumer.ID.String()).Str("url", consumer.URL).Msg("consumer enrolled")

	httpx.RespondJSON(w, http.StatusCreated, map[string]any{
		"consumer": consumer,
		"token":    cred.Token,
		"secret":   cred.Secret,
	})
}

func (a *API) handleListConsumers(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := httpx.WithTimeout(r.Context())
	defer cancel()

	items, err := a.svc.Consumers.List(ctx)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]any{"consumers": items})
}

func (a *API) handleRotateConsumer(w http.ResponseWriter, r *http.Request) {
	id, err := consumerIDParam(r)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}

	ctx, cancel := httpx.WithTimeout(r.Context())
	defer cancel()

	cred, err := a.svc.Consumers.Rotate(ctx, id)
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	a.logger.Info().Str("consumer_id", id.String()).Msg("consumer credential rotated")

	httpx.RespondJSON(w, http.StatusOK, map[string]any{
		"token":      cred.Token,
		"secret":     cred.Secret,
		"rotated_at": cred.RotatedAt,
	})
}

func (a *API) handleConsumerStatus(w http.ResponseWriter, r *http.Request) {
	id, err := consumerIDParam(r)
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

	consumer, err := a.svc.Consumers.SetStatus(ctx, id, strings.TrimSpace(req.Status))
	if err != nil {
		a.respondErr(w, r, err)
		return
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]any{"consumer": consumer})
}
