package consumer

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"syncd/pkg/artifact"
)

func TestApplyCreatesResourceAndMapping(t *testing.T) {
	f := newFixture(t, nil)
	id := uuid.New()
	a := sealed(t, id, "1", `{"widgets":[{"id":"w1"}]}`)

	res, err := f.engine.Apply(context.Background(), a)
	require.NoError(t, err)
	assert.False(t, res.Unchanged)
	assert.Equal(t, "1", res.Version)
	assert.NotZero(t, res.LocalResourceID)

	stored := f.resource(t, res.LocalResourceID)
	assert.Equal(t, "Hero 1", stored.Title)
	assert.Equal(t, "section", stored.Type)
	assert.Equal(t, ResourcePublished, stored.Status)
	assert.JSONEq(t, `{"widgets":[{"id":"w1"}]}`, string(stored.Content))
	assert.Equal(t, map[string]string{
		MetaGlobalTemplateID: id.String(),
		MetaVersion:          "1",
		MetaChecksum:         a.Checksum,
	}, metaMap(stored))

	m := f.mapping(t, id)
	assert.Equal(t, res.LocalResourceID, m.LocalResourceID)
	assert.Equal(t, "1", m.InstalledVersion)
	assert.Equal(t, a.Checksum, m.LastChecksum)
	assert.Equal(t, MappingActive, m.Status)
	assert.Zero(t, f.count(t, &snapshotModel{}, ""))
}

func TestApplyIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := uuid.New()
	a := sealed(t, id, "1", `{"widgets":[]}`)

	first, err := f.engine.Apply(ctx, a)
	require.NoError(t, err)
	second, err := f.engine.Apply(ctx, a)
	require.NoError(t, err)

	assert.Equal(t, first.LocalResourceID, second.LocalResourceID)
	assert.True(t, second.Unchanged)
	assert.LessOrEqual(t, f.count(t, &snapshotModel{}, "global_template_id = ?", id), int64(1))
	assert.Equal(t, int64(1), f.count(t, &resourceModel{}, ""))
	assert.Equal(t, int64(1), f.count(t, &mappingModel{}, ""))
}

func TestApplyUpdatesInPlaceAndSnapshotsPriorVersion(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := uuid.New()
	v1 := sealed(t, id, "1", `{"text":"one"}`)

	// local resource 42 already holds version 1
	now := time.Now().UTC()
	require.NoError(t, f.orm.Create(&resourceModel{
		ID: 42, Title: "Hero 1", Slug: "hero", Type: "section",
		Content: datatypes.JSON(v1.Payload), Status: ResourcePublished, CreatedAt: now, UpdatedAt: now,
	}).Error)
	for k, v := range map[string]string{MetaGlobalTemplateID: id.String(), MetaVersion: "1", MetaChecksum: v1.Checksum} {
		require.NoError(t, f.orm.Create(&resourceMetaModel{ResourceID: 42, MetaKey: k, MetaValue: v}).Error)
	}
	require.NoError(t, f.orm.Create(&mappingModel{
		GlobalTemplateID: id, LocalResourceID: 42, InstalledVersion: "1",
		LastChecksum: v1.Checksum, Status: MappingActive, LastSyncAt: now,
	}).Error)

	v2 := sealed(t, id, "2", `{"text":"two"}`)
	res, err := f.engine.Apply(ctx, v2)
	require.NoError(t, err)
	assert.Equal(t, int64(42), res.LocalResourceID)
	assert.False(t, res.Unchanged)

	snaps, err := f.rollbacks.Snapshots(ctx, id)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "1", snaps[0].Version)
	assert.Equal(t, int64(42), snaps[0].Resource.ID)
	assert.JSONEq(t, `{"text":"one"}`, string(snaps[0].Resource.Content))

	m := f.mapping(t, id)
	assert.Equal(t, "2", m.InstalledVersion)
	assert.Equal(t, v2.Checksum, m.LastChecksum)
	assert.Equal(t, int64(42), m.LocalResourceID)

	stored := f.resource(t, 42)
	assert.JSONEq(t, `{"text":"two"}`, string(stored.Content))
	assert.Equal(t, "2", metaMap(stored)[MetaVersion])
	assert.Equal(t, int64(1), f.count(t, &resourceModel{}, ""))
}

func TestApplyKeepsForeignMetadata(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := uuid.New()

	res, err := f.engine.Apply(ctx, sealed(t, id, "1", `{"a":1}`))
	require.NoError(t, err)
	require.NoError(t, f.orm.Create(&resourceMetaModel{ResourceID: res.LocalResourceID, MetaKey: "_edit_lock", MetaValue: "7"}).Error)

	_, err = f.engine.Apply(ctx, sealed(t, id, "2", `{"a":2}`))
	require.NoError(t, err)

	metas := metaMap(f.resource(t, res.LocalResourceID))
	assert.Equal(t, "7", metas["_edit_lock"])
	assert.Equal(t, "2", metas[MetaVersion])
	assert.Equal(t, int64(1), f.count(t, &resourceMetaModel{}, "resource_id = ? AND meta_key = ?", res.LocalResourceID, MetaVersion))
}

func TestApplyRejectsInvalidArtifactWithoutSideEffects(t *testing.T) {
	f := newFixture(t, nil)
	a := sealed(t, uuid.New(), "1", `{"a":1}`)

	tampered := a
	tampered.Payload = json.RawMessage(`{"a":2}`)
	_, err := f.engine.Apply(context.Background(), tampered)
	assert.ErrorIs(t, err, artifact.ErrInvalid)

	missing := a
	missing.Slug = ""
	_, err = f.engine.Apply(context.Background(), missing)
	assert.ErrorIs(t, err, artifact.ErrInvalid)

	assert.Zero(t, f.count(t, &resourceModel{}, ""))
	assert.Zero(t, f.count(t, &mappingModel{}, ""))
	assert.Zero(t, f.count(t, &snapshotModel{}, ""))
}

func TestApplyReseedsLostMapping(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := uuid.New()
	v1 := sealed(t, id, "1", `{"a":1}`)

	first, err := f.engine.Apply(ctx, v1)
	require.NoError(t, err)
	require.NoError(t, f.orm.Where("global_template_id = ?", id).Delete(&mappingModel{}).Error)

	again, err := f.engine.Apply(ctx, v1)
	require.NoError(t, err)
	assert.True(t, again.Unchanged)
	assert.Equal(t, first.LocalResourceID, again.LocalResourceID)
	assert.Equal(t, v1.Checksum, f.mapping(t, id).LastChecksum)

	require.NoError(t, f.orm.Where("global_template_id = ?", id).Delete(&mappingModel{}).Error)
	v2, err := f.engine.Apply(ctx, sealed(t, id, "2", `{"a":2}`))
	require.NoError(t, err)
	assert.Equal(t, first.LocalResourceID, v2.LocalResourceID)
	assert.Equal(t, int64(1), f.count(t, &resourceModel{}, ""))
	assert.Equal(t, int64(1), f.count(t, &snapshotModel{}, ""))
	assert.Equal(t, "2", f.mapping(t, id).InstalledVersion)
}

func TestApplyRecreatesDeletedResource(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := uuid.New()
	a := sealed(t, id, "1", `{"a":1}`)

	first, err := f.engine.Apply(ctx, a)
	require.NoError(t, err)
	require.NoError(t, f.orm.Delete(&resourceModel{}, first.LocalResourceID).Error)

	second, err := f.engine.Apply(ctx, a)
	require.NoError(t, err)
	assert.False(t, second.Unchanged)
	assert.Equal(t, second.LocalResourceID, f.mapping(t, id).LocalResourceID)
	f.resource(t, second.LocalResourceID)
}

func TestApplyConcurrentSameTemplate(t *testing.T) {
	f := newFixture(t, nil)
	id := uuid.New()
	a := sealed(t, id, "1", `{"a":1}`)

	const workers = 8
	results := make([]Result, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.engine.Apply(context.Background(), a)
		}(i)
	}
	wg.Wait()

	created := 0
	for i := range workers {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].LocalResourceID, results[i].LocalResourceID)
		if !results[i].Unchanged {
			created++
		}
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, int64(1), f.count(t, &resourceModel{}, ""))
	assert.Equal(t, int64(1), f.count(t, &mappingModel{}, ""))
	assert.Zero(t, f.count(t, &snapshotModel{}, ""))
	assert.Zero(t, f.locks.size())
}

func TestApplyHonoursCancellationBeforeWriting(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.engine.Apply(ctx, sealed(t, uuid.New(), "1", `{"a":1}`))
	require.Error(t, err)
	assert.Zero(t, f.count(t, &resourceModel{}, ""))
}

func TestApplyDisabledMapping(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := uuid.New()

	_, err := f.engine.Apply(ctx, sealed(t, id, "1", `{"a":1}`))
	require.NoError(t, err)
	m, err := f.engine.SetStatus(ctx, id, MappingDisabled)
	require.NoError(t, err)
	assert.Equal(t, MappingDisabled, m.Status)

	_, err = f.engine.Apply(ctx, sealed(t, id, "2", `{"a":2}`))
	assert.ErrorIs(t, err, ErrMappingDisabled)
	assert.Equal(t, "1", f.mapping(t, id).InstalledVersion)

	_, err = f.engine.SetStatus(ctx, id, "paused")
	assert.ErrorIs(t, err, ErrBadRequest)
	_, err = f.engine.SetStatus(ctx, uuid.New(), MappingActive)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestApplyRelocatesAssets(t *testing.T) {
	relocator, err := NewPrefixRelocator("https://publisher.example/uploads", "https://site.example/media")
	require.NoError(t, err)
	f := newFixture(t, relocator)

	a := sealed(t, uuid.New(), "1", `{"image":"https:\/\/publisher.example\/uploads\/a.png","bg":"https://publisher.example/uploads/b.png"}`)
	res, err := f.engine.Apply(context.Background(), a)
	require.NoError(t, err)

	stored := f.resource(t, res.LocalResourceID)
	assert.JSONEq(t, `{"image":"https://site.example/media/a.png","bg":"https://site.example/media/b.png"}`, string(stored.Content))
	assert.Equal(t, a.Checksum, metaMap(stored)[MetaChecksum])
}

func TestCalculateDiff(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := uuid.New()
	v1 := sealed(t, id, "1", `{"a":1}`)

	diff, err := f.engine.CalculateDiff(ctx, v1)
	require.NoError(t, err)
	assert.Equal(t, artifact.Diff{WillCreate: true}, diff)
	assert.Zero(t, f.count(t, &resourceModel{}, ""))

	_, err = f.engine.Apply(ctx, v1)
	require.NoError(t, err)

	diff, err = f.engine.CalculateDiff(ctx, v1)
	require.NoError(t, err)
	assert.Equal(t, artifact.Diff{}, diff)

	diff, err = f.engine.CalculateDiff(ctx, sealed(t, id, "2", `{"a":2}`))
	require.NoError(t, err)
	assert.Equal(t, artifact.Diff{WillUpdate: true}, diff)

	bad := v1
	bad.Checksum = "00"
	_, err = f.engine.CalculateDiff(ctx, bad)
	assert.ErrorIs(t, err, artifact.ErrInvalid)
}
