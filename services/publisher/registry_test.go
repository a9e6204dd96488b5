package publisher

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"syncd/pkg/artifact"
)

func TestPublishAssignsSequentialVersions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := uuid.New()

	v1 := f.publish(t, id, "")
	v2 := f.publish(t, id, "")
	assert.Equal(t, "1", v1.Version)
	assert.Equal(t, "2", v2.Version)
	assert.NotEqual(t, v1.Checksum, v2.Checksum)
	assert.True(t, artifact.Valid(v1))
	assert.True(t, artifact.Valid(v2))

	latest, err := f.registry.Latest(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, v2, latest)

	old, err := f.registry.Version(ctx, id, "1")
	require.NoError(t, err)
	assert.Equal(t, v1, old, "publishing v2 leaves v1 untouched")

	history, err := f.registry.History(ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "2", history[0].Version)
	assert.Equal(t, int64(1), history[1].Seq)
}

func TestPublishExplicitVersions(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := uuid.New()

	f.publish(t, id, "2.0.0")
	_, err := f.registry.Publish(ctx, id, artifact.Artifact{
		Version: "2.0.0", Name: "Hero", Slug: "hero", Type: artifact.TypeSection,
		Payload: json.RawMessage(`{"other":true}`),
	})
	assert.ErrorIs(t, err, ErrVersionExists)

	next := f.publish(t, id, "")
	assert.Equal(t, "2", next.Version, "auto version follows the sequence number")

	f.publish(t, id, "3")
	auto := f.publish(t, id, "")
	assert.Equal(t, "4", auto.Version, "auto version skips labels already taken")
}

func TestPublishRejectsInvalidDrafts(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := uuid.New()

	tests := []struct {
		name  string
		id    uuid.UUID
		draft artifact.Artifact
		want  error
	}{
		{"nil id", uuid.Nil, artifact.Artifact{Name: "x", Slug: "x", Type: artifact.TypePage, Payload: json.RawMessage(`{}`)}, ErrBadRequest},
		{"foreign id", id, artifact.Artifact{GlobalTemplateID: uuid.New(), Name: "x", Slug: "x", Type: artifact.TypePage, Payload: json.RawMessage(`{}`)}, ErrBadRequest},
		{"unknown type", id, artifact.Artifact{Name: "x", Slug: "x", Type: "widget", Payload: json.RawMessage(`{}`)}, artifact.ErrInvalid},
		{"missing payload", id, artifact.Artifact{Name: "x", Slug: "x", Type: artifact.TypePage}, artifact.ErrInvalid},
		{"missing name", id, artifact.Artifact{Slug: "x", Type: artifact.TypePage, Payload: json.RawMessage(`{}`)}, artifact.ErrInvalid},
		{"malformed payload", id, artifact.Artifact{Name: "x", Slug: "x", Type: artifact.TypePage, Payload: json.RawMessage(`{`)}, artifact.ErrInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.registry.Publish(ctx, tt.id, tt.draft)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := f.registry.Latest(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound, "rejected drafts leave nothing behind")
}

func TestLatestUnknownTemplate(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.registry.Latest(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.registry.History(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVersionDetectsStorageCorruption(t *testing.T) {
	f := newFixture(t, nil)
	id := uuid.New()
	a := f.publish(t, id, "")

	a.Name = "Tampered"
	doc, err := json.Marshal(a)
	require.NoError(t, err)
	require.NoError(t, f.orm.Model(&templateVersionModel{}).Where("template_id = ?", id).Update("artifact", doc).Error)

	_, err = f.registry.Latest(context.Background(), id)
	assert.ErrorIs(t, err, ErrValidationFailed)
}

func TestListFiltersByType(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	section := uuid.New()
	f.publish(t, section, "")
	f.publish(t, section, "")

	page := uuid.New()
	_, err := f.registry.Publish(ctx, page, artifact.Artifact{
		Name: "About", Slug: "about", Type: artifact.TypePage, Payload: json.RawMessage(`{"blocks":[]}`),
	})
	require.NoError(t, err)

	all, err := f.registry.List(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "About", all[0].Name)
	assert.Equal(t, "2", all[1].LatestVersion)

	typ := artifact.TypePage
	pages, err := f.registry.List(ctx, &typ)
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.Equal(t, page, pages[0].ID)
}

func TestUpdatesSince(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	f.registry.now = func() time.Time { return clock }

	a := uuid.New()
	b := uuid.New()
	f.publish(t, a, "")
	clock = clock.Add(time.Minute)
	f.publish(t, b, "")
	clock = clock.Add(time.Minute)
	latestA := f.publish(t, a, "")

	updates, err := f.registry.Updates(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, updates, 2, "one entry per template")
	assert.Equal(t, b, updates[0].GlobalTemplateID)
	assert.Equal(t, a, updates[1].GlobalTemplateID)
	assert.Equal(t, latestA.Checksum, updates[1].Checksum)

	updates, err = f.registry.Updates(ctx, clock.Add(-30*time.Second))
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, "2", updates[0].Version)

	updates, err = f.registry.Updates(ctx, clock)
	require.NoError(t, err)
	assert.Empty(t, updates)
}

type memoryBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (m *memoryBlobs) PutObject(_ context.Context, key string, data []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}

func (m *memoryBlobs) PresignGet(_ context.Context, key string, ttl time.Duration) (string, error) {
	return "https://bucket.example/" + key + "?X-Amz-Expires=" + ttl.String(), nil
}

type recordingEvents struct {
	mu       sync.Mutex
	subjects []string
}

func (r *recordingEvents) Publish(_ context.Context, subj string, _ any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subjects = append(r.subjects, subj)
	return nil
}

func TestArtifactURL(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := uuid.New()
	f.publish(t, id, "1.0 beta")

	link, err := f.registry.ArtifactURL(ctx, id, "")
	require.NoError(t, err)
	assert.Equal(t, "https://publisher.example/templates/"+id.String()+"?version=1.0+beta", link)

	_, err = f.registry.ArtifactURL(ctx, uuid.New(), "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPublishStoresCompressedBlob(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	blobs := &memoryBlobs{objects: map[string][]byte{}}
	events := &recordingEvents{}

	registry, err := NewRegistry(f.orm, blobs, events, zerolog.Nop(), RegistryConfig{BaseURL: "https://publisher.example"})
	require.NoError(t, err)

	id := uuid.New()
	a, err := registry.Publish(ctx, id, artifact.Artifact{
		Name: "Footer", Slug: "footer", Type: artifact.TypeFooter, Payload: json.RawMessage(`{"cols":3}`),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"syncd.templates.published"}, events.subjects)

	require.Len(t, blobs.objects, 1)
	for key, data := range blobs.objects {
		assert.True(t, strings.HasPrefix(key, "templates/"+id.String()+"/1-"))
		decoded, err := artifact.DecodeBlob(data)
		require.NoError(t, err)
		assert.Equal(t, a, decoded)
	}

	link, err := registry.ArtifactURL(ctx, id, a.Version)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(link, "https://bucket.example/templates/"))

	history, err := registry.History(ctx, id)
	require.NoError(t, err)
	assert.True(t, history[0].Stored)
}
