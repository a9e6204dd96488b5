package publisher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"syncd/pkg/artifact"
	"syncd/pkg/credential"
	"syncd/pkg/httpx"
	"syncd/pkg/signing"
	"syncd/pkg/testutil"
)

type fixture struct {
	orm       *gorm.DB
	creds     *credential.Store
	registry  *Registry
	consumers *Directory
	queue     *recordingQueue
	orch      *Orchestrator
}

func newFixture(t *testing.T, client *http.Client) *fixture {
	t.Helper()
	ctx := context.Background()

	orm := testutil.SQLite(t, Models()...)
	require.NoError(t, credential.AutoMigrate(ctx, orm))

	creds, err := credential.NewStore(orm)
	require.NoError(t, err)
	registry, err := NewRegistry(orm, nil, nil, zerolog.Nop(), RegistryConfig{BaseURL: "https://publisher.example"})
	require.NoError(t, err)
	consumers, err := NewDirectory(orm, creds)
	require.NoError(t, err)

	queue := &recordingQueue{}
	if client == nil {
		client = &http.Client{Timeout: 2 * time.Second}
	}
	orch, err := NewOrchestrator(orm, registry, consumers, queue, client, nil, zerolog.Nop())
	require.NoError(t, err)
	orch.backoff = time.Millisecond

	return &fixture{orm: orm, creds: creds, registry: registry, consumers: consumers, queue: queue, orch: orch}
}

func (f *fixture) publish(t *testing.T, id uuid.UUID, version string) artifact.Artifact {
	t.Helper()
	a, err := f.registry.Publish(context.Background(), id, artifact.Artifact{
		Version: version,
		Name:    "Hero",
		Slug:    "hero",
		Type:    artifact.TypeSection,
		Payload: json.RawMessage(`{"widgets":[{"id":"w1","text":"v` + version + `"}]}`),
	})
	require.NoError(t, err)
	return a
}

type recordingQueue struct {
	mu  sync.Mutex
	ids []uuid.UUID
	err error
}

func (q *recordingQueue) Submit(_ context.Context, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.ids = append(q.ids, id)
	return nil
}

// fakeConsumer is a consumer webhook that verifies signatures with the credential the
// publisher issued for it.
type fakeConsumer struct {
	srv      *httptest.Server
	consumer Consumer
	hits     atomic.Int32
	bodies   chan webhookRequest
	respond  func(w http.ResponseWriter, r *http.Request, req webhookRequest)
}

func newFakeConsumer(t *testing.T, f *fixture, name string, respond func(w http.ResponseWriter, r *http.Request, req webhookRequest)) *fakeConsumer {
	t.Helper()
	fc := &fakeConsumer{bodies: make(chan webhookRequest, 16), respond: respond}
	verifier := &signing.Verifier{Secrets: f.creds}

	fc.srv = httptest.NewServer(signing.Middleware(verifier, zerolog.Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fc.hits.Add(1)
		if r.URL.Path != "/webhook/deploy" {
			http.NotFound(w, r)
			return
		}
		var req webhookRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpx.RespondError(w, http.StatusBadRequest, httpx.CodeBadRequest)
			return
		}
		fc.bodies <- req
		fc.respond(w, r, req)
	})))
	t.Cleanup(fc.srv.Close)

	consumer, _, err := f.consumers.Enroll(context.Background(), name, fc.srv.URL)
	require.NoError(t, err)
	fc.consumer = consumer
	return fc
}

func applied(postID int64) func(w http.ResponseWriter, r *http.Request, req webhookRequest) {
	return func(w http.ResponseWriter, _ *http.Request, req webhookRequest) {
		if req.DryRun {
			httpx.RespondJSON(w, http.StatusOK, map[string]any{
				"dry_run": true,
				"diff":    artifact.Diff{WillCreate: true},
			})
			return
		}
		httpx.RespondJSON(w, http.StatusOK, map[string]any{"ok": true, "post_id": postID, "version": "1"})
	}
}

func hang(w http.ResponseWriter, r *http.Request, _ webhookRequest) {
	select {
	case <-r.Context().Done():
	case <-time.After(3 * time.Second):
	}
	httpx.RespondJSON(w, http.StatusOK, map[string]any{"ok": true})
}
