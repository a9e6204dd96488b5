package consumer

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncd/pkg/signing"
)

const adminToken = "site-admin"

func newTestAPI(t *testing.T, f *fixture) http.Handler {
	t.Helper()
	fetcher, err := NewFetcher(nil, f.creds)
	require.NoError(t, err)
	puller, err := NewPuller(f.orm, f.engine, fetcher, PullerConfig{}, zerolog.Nop())
	require.NoError(t, err)

	api, err := New(Services{
		Engine:      f.engine,
		Rollbacks:   f.rollbacks,
		Fetcher:     fetcher,
		Puller:      puller,
		Credentials: f.creds,
		Nonces:      signing.NewMemoryNonces(128, signing.DefaultWindow),
	}, Config{AdminToken: adminToken, RegisterLimit: 3}, zerolog.Nop())
	require.NoError(t, err)
	routes, err := api.Routes()
	require.NoError(t, err)
	return routes
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func webhook(t *testing.T, body any) *http.Request {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/webhook/deploy", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	signing.SignRequest(req, data, pubToken, pubSecret, time.Now())
	return req
}

func adminRequest(method, target string, body any) *http.Request {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestWebhookDeployInline(t *testing.T) {
	f := newFixture(t, nil)
	pub := newFakePublisher(t)
	f.register(t, pub)
	h := newTestAPI(t, f)
	a := sealed(t, uuid.New(), "1", `{"a":1}`)

	rec := serve(h, webhook(t, map[string]any{"artifact": a, "dry_run": true}))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true,"dry_run":true,"diff":{"will_create":true,"will_update":false}}`, rec.Body.String())
	assert.Zero(t, f.count(t, &resourceModel{}, ""), "dry runs write nothing")

	rec = serve(h, webhook(t, map[string]any{"artifact": a}))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		OK        bool   `json:"ok"`
		PostID    int64  `json:"post_id"`
		Version   string `json:"version"`
		Unchanged bool   `json:"unchanged"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.OK)
	assert.NotZero(t, resp.PostID)
	assert.Equal(t, "1", resp.Version)
	assert.False(t, resp.Unchanged)

	rec = serve(h, webhook(t, map[string]any{"artifact": a}))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Unchanged)
}

func TestWebhookDeployFetchesArtifactURL(t *testing.T) {
	f := newFixture(t, nil)
	pub := newFakePublisher(t)
	f.register(t, pub)
	h := newTestAPI(t, f)

	a := sealed(t, uuid.New(), "4", `{"a":4}`)
	pub.publish(a, time.Now())

	link := pub.srv.URL + "/templates/" + a.GlobalTemplateID.String() + "?version=4"
	rec := serve(h, webhook(t, map[string]any{"artifact_url": link}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "4", f.mapping(t, a.GlobalTemplateID).InstalledVersion)

	rec = serve(h, webhook(t, map[string]any{"artifact_url": pub.srv.URL + "/templates/" + uuid.NewString() + "?version=1"}))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.JSONEq(t, `{"ok":false,"error":"FetchFailed"}`, rec.Body.String())
}

func TestWebhookDeployFailures(t *testing.T) {
	f := newFixture(t, nil)
	pub := newFakePublisher(t)
	f.register(t, pub)
	h := newTestAPI(t, f)

	a := sealed(t, uuid.New(), "1", `{"a":1}`)
	tampered := a
	tampered.Checksum = "deadbeef"
	rec := serve(h, webhook(t, map[string]any{"artifact": tampered}))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.JSONEq(t, `{"ok":false,"error":"ArtifactInvalid"}`, rec.Body.String())

	rec = serve(h, webhook(t, map[string]any{"dry_run": false}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	unsigned := httptest.NewRequest(http.MethodPost, "/webhook/deploy", bytes.NewReader([]byte(`{}`)))
	rec = serve(h, unsigned)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"ok":false,"error":"AuthFailed"}`, rec.Body.String())

	req := webhook(t, map[string]any{"artifact": a})
	body, err := json.Marshal(map[string]any{"artifact": a})
	require.NoError(t, err)
	replay := httptest.NewRequest(http.MethodPost, "/webhook/deploy", bytes.NewReader(body))
	replay.Header = req.Header.Clone()
	require.Equal(t, http.StatusOK, serve(h, req).Code)
	rec = serve(h, replay)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "replayed nonce")
	assert.Equal(t, int64(1), f.count(t, &resourceModel{}, ""))
}

func TestRegister(t *testing.T) {
	f := newFixture(t, nil)
	h := newTestAPI(t, f)
	post := func(body any) *httptest.ResponseRecorder {
		data, _ := json.Marshal(body)
		return serve(h, httptest.NewRequest(http.MethodPost, "/register", bytes.NewReader(data)))
	}

	rec := post(map[string]string{"publisher_url": "https://publisher.example", "token": "tok_a", "secret": "s1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	cred, err := f.creds.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok_a", cred.Token)
	assert.Equal(t, "https://publisher.example", cred.PeerURL)

	rec = post(map[string]string{"publisher_url": "https://publisher.example/v2", "token": "tok_a"})
	require.Equal(t, http.StatusOK, rec.Code, "known token keeps its secret")
	cred, err = f.creds.Get(context.Background(), "tok_a")
	require.NoError(t, err)
	assert.Equal(t, "s1", cred.Secret)
	assert.Equal(t, "https://publisher.example/v2", cred.PeerURL)

	rec = post(map[string]string{"publisher_url": "https://publisher.example", "token": "tok_new"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = post(map[string]string{"publisher_url": "https://publisher.example", "token": "tok_b", "secret": "s"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestRegisterValidation(t *testing.T) {
	f := newFixture(t, nil)
	h := newTestAPI(t, f)

	tests := []struct {
		name string
		body string
	}{
		{"no token", `{"publisher_url":"https://publisher.example","secret":"s"}`},
		{"relative url", `{"publisher_url":"/publisher","token":"t","secret":"s"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/register", bytes.NewReader([]byte(tt.body)))
			req.RemoteAddr = "198.51.100.7:4000"
			rec := serve(h, req)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.JSONEq(t, `{"ok":false,"error":"BadRequest"}`, rec.Body.String())
		})
	}
}

func TestAdminRollbackEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	h := newTestAPI(t, f)
	ctx := context.Background()
	id := uuid.New()

	rec := serve(h, adminRequest(http.MethodPost, "/templates/"+id.String()+"/rollback", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.JSONEq(t, `{"ok":false,"error":"NoSnapshot"}`, rec.Body.String())

	_, err := f.engine.Apply(ctx, sealed(t, id, "1", `{"a":1}`))
	require.NoError(t, err)
	_, err = f.engine.Apply(ctx, sealed(t, id, "2", `{"a":2}`))
	require.NoError(t, err)

	rec = serve(h, adminRequest(http.MethodGet, "/templates/"+id.String()+"/snapshots", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"version":"1"`)

	rec = serve(h, adminRequest(http.MethodPost, "/templates/"+id.String()+"/rollback?version=1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"version":"1"`)

	rec = serve(h, adminRequest(http.MethodGet, "/templates", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), id.String())

	rec = serve(h, adminRequest(http.MethodGet, "/templates/"+id.String(), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var detail struct {
		Mapping  Mapping  `json:"mapping"`
		Resource Resource `json:"resource"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, "1", detail.Mapping.InstalledVersion)
	assert.JSONEq(t, `{"a":1}`, string(detail.Resource.Content))

	rec = serve(h, adminRequest(http.MethodPost, "/templates/"+id.String()+"/status", map[string]string{"status": "disabled"}))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, MappingDisabled, f.mapping(t, id).Status)

	rec = serve(h, adminRequest(http.MethodGet, "/templates/not-a-uuid", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := adminRequest(http.MethodGet, "/templates", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, serve(h, req).Code)
}

func TestWebhookRejectsDisabledMapping(t *testing.T) {
	f := newFixture(t, nil)
	pub := newFakePublisher(t)
	f.register(t, pub)
	h := newTestAPI(t, f)
	id := uuid.New()

	_, err := f.engine.Apply(context.Background(), sealed(t, id, "1", `{"a":1}`))
	require.NoError(t, err)
	_, err = f.engine.SetStatus(context.Background(), id, MappingDisabled)
	require.NoError(t, err)

	rec := serve(h, webhook(t, map[string]any{"artifact": sealed(t, id, "2", `{"a":2}`)}))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.JSONEq(t, `{"ok":false,"error":"Conflict"}`, rec.Body.String())
}

func TestAdminSyncAndRotate(t *testing.T) {
	f := newFixture(t, nil)
	pub := newFakePublisher(t)
	f.register(t, pub)
	h := newTestAPI(t, f)

	id := uuid.New()
	_, err := f.engine.Apply(context.Background(), sealed(t, id, "1", `{"a":1}`))
	require.NoError(t, err)
	pub.publish(sealed(t, id, "2", `{"a":2}`), time.Now().UTC())

	rec := serve(h, adminRequest(http.MethodPost, "/sync", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var report PullReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, 1, report.Applied)

	rec = serve(h, adminRequest(http.MethodPost, "/credential/rotate", map[string]string{"secret": "rotated"}))
	require.Equal(t, http.StatusOK, rec.Code)
	cred, err := f.creds.Get(context.Background(), pubToken)
	require.NoError(t, err)
	assert.Equal(t, "rotated", cred.Secret)

	rec = serve(h, webhook(t, map[string]any{"artifact": sealed(t, id, "3", `{"a":3}`)}))
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "old secret stops working immediately")

	req := httptest.NewRequest(http.MethodPost, "/credential/rotate", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	rec = serve(h, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var rotated struct {
		Secret string `json:"secret"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rotated))
	assert.NotEmpty(t, rotated.Secret)
	assert.NotEqual(t, "rotated", rotated.Secret)
}
