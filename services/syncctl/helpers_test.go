package syncctl

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"filippo.io/age"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"syncd/pkg/artifact"
	"syncd/pkg/credential"
	"syncd/pkg/testutil"
	"syncd/services/publisher"
)

const adminToken = "admin-secret"

type testPublisher struct {
	srv      *httptest.Server
	registry *publisher.Registry
	client   *Client
}

func newTestPublisher(t *testing.T) *testPublisher {
	t.Helper()
	ctx := context.Background()

	orm := testutil.SQLite(t, publisher.Models()...)
	require.NoError(t, credential.AutoMigrate(ctx, orm))

	creds, err := credential.NewStore(orm)
	require.NoError(t, err)
	registry, err := publisher.NewRegistry(orm, nil, nil, zerolog.Nop(), publisher.RegistryConfig{BaseURL: "https://publisher.example"})
	require.NoError(t, err)
	consumers, err := publisher.NewDirectory(orm, creds)
	require.NoError(t, err)
	orch, err := publisher.NewOrchestrator(orm, registry, consumers, publisher.NewLocalQueue(4, zerolog.Nop()), nil, nil, zerolog.Nop())
	require.NoError(t, err)

	api, err := publisher.New(publisher.Services{
		Registry:     registry,
		Consumers:    consumers,
		Orchestrator: orch,
	}, publisher.Config{AdminToken: adminToken}, zerolog.Nop())
	require.NoError(t, err)
	handler, err := api.Routes()
	require.NoError(t, err)

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(srv.URL, adminToken, srv.Client(), 0)
	require.NoError(t, err)
	return &testPublisher{srv: srv, registry: registry, client: client}
}

func (p *testPublisher) publish(t *testing.T, id uuid.UUID, version, text string) artifact.Artifact {
	t.Helper()
	a, err := p.registry.Publish(context.Background(), id, artifact.Artifact{
		Version: version,
		Name:    "Footer",
		Slug:    "footer",
		Type:    artifact.TypeFooter,
		Payload: json.RawMessage(`{"columns":[{"text":"` + text + `"}]}`),
	})
	require.NoError(t, err)
	return a
}

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)
	s, err := NewSigner(identity.String(), "")
	require.NoError(t, err)
	return s
}

var fixedNow = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
