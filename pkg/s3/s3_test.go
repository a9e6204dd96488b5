package s3

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBucket struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func (f *fakeBucket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch r.Method {
	case http.MethodPut:
		data, _ := io.ReadAll(r.Body)
		f.objects[r.URL.Path] = data
		f.types[r.URL.Path] = r.Header.Get("Content-Type")
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		data, ok := f.objects[r.URL.Path]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
			return
		}
		w.Header().Set("Content-Type", f.types[r.URL.Path])
		_, _ = w.Write(data)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestClient(t *testing.T) (*Client, *fakeBucket) {
	t.Helper()
	bucket := &fakeBucket{objects: map[string][]byte{}, types: map[string]string{}}
	srv := httptest.NewServer(bucket)
	t.Cleanup(srv.Close)

	client, err := NewClient(context.Background(), Config{
		Endpoint:       srv.URL,
		AccessKey:      "key",
		SecretKey:      "secret",
		Bucket:         "artifacts",
		ForcePathStyle: true,
	})
	require.NoError(t, err)
	return client, bucket
}

func TestNewClientValidatesConfig(t *testing.T) {
	ctx := context.Background()
	_, err := NewClient(ctx, Config{})
	assert.Error(t, err)
	_, err = NewClient(ctx, Config{Endpoint: "localhost:8333"})
	assert.Error(t, err)
	_, err = NewClient(ctx, Config{Endpoint: "localhost:8333", AccessKey: "a", SecretKey: "b"})
	assert.Error(t, err)
	assert.False(t, Config{}.Enabled())
}

func TestPutGetObject(t *testing.T) {
	client, bucket := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, client.PutObject(ctx, "templates/abc/1.json.zst", []byte("blob"), "application/zstd"))
	assert.Equal(t, []byte("blob"), bucket.objects["/artifacts/templates/abc/1.json.zst"])
	assert.Equal(t, "application/zstd", bucket.types["/artifacts/templates/abc/1.json.zst"])

	data, err := client.GetObject(ctx, "templates/abc/1.json.zst")
	require.NoError(t, err)
	assert.Equal(t, []byte("blob"), data)

	_, err = client.GetObject(ctx, "templates/abc/2.json.zst")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPresignGet(t *testing.T) {
	client, _ := newTestClient(t)

	raw, err := client.PresignGet(context.Background(), "templates/abc/1.json.zst", 10*time.Minute)
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(u.Path, "/artifacts/templates/abc/1.json.zst"))
	assert.NotEmpty(t, u.Query().Get("X-Amz-Signature"))
	assert.Equal(t, "600", u.Query().Get("X-Amz-Expires"))
}
