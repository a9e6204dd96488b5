package consumer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"syncd/pkg/artifact"
	"syncd/pkg/credential"
	"syncd/pkg/httpx"
	"syncd/pkg/signing"
)

const (
	pubToken  = "tok_site"
	pubSecret = "shared-secret"
)

// fakePublisher serves the signed publisher endpoints the consumer calls.
type fakePublisher struct {
	srv *httptest.Server

	mu        sync.Mutex
	artifacts map[uuid.UUID]map[string]artifact.Artifact
	updates   []Update
	sinces    []string
	failing   map[uuid.UUID]bool
}

func newFakePublisher(t *testing.T) *fakePublisher {
	t.Helper()
	p := &fakePublisher{
		artifacts: make(map[uuid.UUID]map[string]artifact.Artifact),
		failing:   make(map[uuid.UUID]bool),
	}
	verifier := &signing.Verifier{
		Secrets: signing.SecretFunc(func(_ context.Context, token string) (string, error) {
			if token != pubToken {
				return "", signing.ErrAuthFailed
			}
			return pubSecret, nil
		}),
	}

	r := chi.NewRouter()
	r.Use(signing.Middleware(verifier, zerolog.Nop()))
	r.Get("/updates", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.sinces = append(p.sinces, r.URL.Query().Get("since"))
		httpx.RespondJSON(w, http.StatusOK, map[string]any{"updates": p.updates})
	})
	r.Get("/templates/{id}", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			httpx.RespondError(w, http.StatusBadRequest, httpx.CodeBadRequest)
			return
		}
		if p.failing[id] {
			httpx.RespondError(w, http.StatusInternalServerError, httpx.CodeInternal)
			return
		}
		a, ok := p.artifacts[id][r.URL.Query().Get("version")]
		if !ok {
			httpx.RespondError(w, http.StatusNotFound, httpx.CodeNotFound)
			return
		}
		httpx.RespondJSON(w, http.StatusOK, a)
	})
	p.srv = httptest.NewServer(r)
	t.Cleanup(p.srv.Close)
	return p
}

// publish records a and advertises it in the updates feed.
func (p *fakePublisher) publish(a artifact.Artifact, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.artifacts[a.GlobalTemplateID] == nil {
		p.artifacts[a.GlobalTemplateID] = make(map[string]artifact.Artifact)
	}
	p.artifacts[a.GlobalTemplateID][a.Version] = a
	p.updates = append(p.updates, Update{
		GlobalTemplateID: a.GlobalTemplateID,
		Version:          a.Version,
		Checksum:         a.Checksum,
		PublishedAt:      at,
	})
}

func (p *fakePublisher) setFailing(id uuid.UUID, failing bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failing[id] = failing
}

func (p *fakePublisher) lastSince() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sinces) == 0 {
		return ""
	}
	return p.sinces[len(p.sinces)-1]
}

func (f *fixture) register(t *testing.T, p *fakePublisher) {
	t.Helper()
	_, err := f.creds.Put(context.Background(), credential.Credential{
		Token:   pubToken,
		Secret:  pubSecret,
		PeerURL: p.srv.URL,
	})
	require.NoError(t, err)
}
