package consumer

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRollbackRestoresSnapshotExactly(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := uuid.New()
	v1 := sealed(t, id, "1", `{"text":"one"}`)

	first, err := f.engine.Apply(ctx, v1)
	require.NoError(t, err)
	require.NoError(t, f.orm.Create(&resourceMetaModel{ResourceID: first.LocalResourceID, MetaKey: "layout", MetaValue: "wide"}).Error)
	before := f.resource(t, first.LocalResourceID)

	_, err = f.engine.Apply(ctx, sealed(t, id, "2", `{"text":"two"}`))
	require.NoError(t, err)
	require.NoError(t, f.orm.Create(&resourceMetaModel{ResourceID: first.LocalResourceID, MetaKey: "added_later", MetaValue: "x"}).Error)

	res, err := f.rollbacks.Rollback(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, first.LocalResourceID, res.LocalResourceID)
	assert.Equal(t, "1", res.Version)

	after := f.resource(t, first.LocalResourceID)
	assert.Equal(t, before.Title, after.Title)
	assert.Equal(t, before.Slug, after.Slug)
	assert.Equal(t, before.Status, after.Status)
	assert.JSONEq(t, string(before.Content), string(after.Content))
	assert.Equal(t, metaMap(before), metaMap(after), "metadata is replaced, not merged")
	assert.NotContains(t, metaMap(after), "added_later")

	m := f.mapping(t, id)
	assert.Equal(t, "1", m.InstalledVersion)
	assert.Equal(t, v1.Checksum, m.LastChecksum)
}

func TestRollbackWithoutSnapshot(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.rollbacks.Rollback(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNoSnapshot)

	id := uuid.New()
	_, err = f.engine.Apply(ctx, sealed(t, id, "1", `{"a":1}`))
	require.NoError(t, err)
	_, err = f.rollbacks.Rollback(ctx, id)
	assert.ErrorIs(t, err, ErrNoSnapshot, "a first install has nothing to roll back to")

	_, err = f.rollbacks.Rollback(ctx, uuid.Nil)
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestRollbackRecreatesDeletedResource(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := uuid.New()

	first, err := f.engine.Apply(ctx, sealed(t, id, "1", `{"a":1}`))
	require.NoError(t, err)
	_, err = f.engine.Apply(ctx, sealed(t, id, "2", `{"a":2}`))
	require.NoError(t, err)

	require.NoError(t, f.orm.Where("resource_id = ?", first.LocalResourceID).Delete(&resourceMetaModel{}).Error)
	require.NoError(t, f.orm.Delete(&resourceModel{}, first.LocalResourceID).Error)

	res, err := f.rollbacks.Rollback(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, first.LocalResourceID, res.LocalResourceID)

	restored := f.resource(t, first.LocalResourceID)
	assert.JSONEq(t, `{"a":1}`, string(restored.Content))
	assert.Equal(t, "1", metaMap(restored)[MetaVersion])
}

func TestRollbackToVersion(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := uuid.New()

	for _, v := range []string{"1", "2", "3"} {
		_, err := f.engine.Apply(ctx, sealed(t, id, v, `{"v":"`+v+`"}`))
		require.NoError(t, err)
	}

	snaps, err := f.rollbacks.Snapshots(ctx, id)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, "2", snaps[0].Version, "newest first")
	assert.Equal(t, "1", snaps[1].Version)

	res, err := f.rollbacks.RollbackTo(ctx, id, "1")
	require.NoError(t, err)
	assert.Equal(t, "1", res.Version)
	assert.JSONEq(t, `{"v":"1"}`, string(f.resource(t, res.LocalResourceID).Content))

	_, err = f.rollbacks.RollbackTo(ctx, id, "9")
	assert.ErrorIs(t, err, ErrNoSnapshot)
}

func TestRollbackIsRepeatable(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := uuid.New()

	_, err := f.engine.Apply(ctx, sealed(t, id, "1", `{"a":1}`))
	require.NoError(t, err)
	_, err = f.engine.Apply(ctx, sealed(t, id, "2", `{"a":2}`))
	require.NoError(t, err)

	first, err := f.rollbacks.Rollback(ctx, id)
	require.NoError(t, err)
	second, err := f.rollbacks.Rollback(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), f.count(t, &snapshotModel{}, ""))
}

func TestApplyAfterRollbackReinstalls(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := uuid.New()
	v2 := sealed(t, id, "2", `{"a":2}`)

	_, err := f.engine.Apply(ctx, sealed(t, id, "1", `{"a":1}`))
	require.NoError(t, err)
	_, err = f.engine.Apply(ctx, v2)
	require.NoError(t, err)
	_, err = f.rollbacks.Rollback(ctx, id)
	require.NoError(t, err)

	res, err := f.engine.Apply(ctx, v2)
	require.NoError(t, err)
	assert.False(t, res.Unchanged)
	assert.Equal(t, "2", f.mapping(t, id).InstalledVersion)
}
