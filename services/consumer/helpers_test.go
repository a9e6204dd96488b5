package consumer

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"syncd/pkg/artifact"
	"syncd/pkg/credential"
	"syncd/pkg/testutil"
)

type fixture struct {
	orm       *gorm.DB
	creds     *credential.Store
	locks     *KeyedLocks
	engine    *Engine
	rollbacks *RollbackManager
}

func newFixture(t *testing.T, relocator AssetRelocator) *fixture {
	t.Helper()

	orm := testutil.SQLite(t, Models()...)
	require.NoError(t, credential.AutoMigrate(context.Background(), orm))

	creds, err := credential.NewStore(orm)
	require.NoError(t, err)
	locks := NewKeyedLocks()
	engine, err := NewEngine(orm, locks, relocator, nil, zerolog.Nop())
	require.NoError(t, err)
	rollbacks, err := NewRollbackManager(orm, locks, nil, zerolog.Nop())
	require.NoError(t, err)

	return &fixture{orm: orm, creds: creds, locks: locks, engine: engine, rollbacks: rollbacks}
}

func sealed(t *testing.T, id uuid.UUID, version, payload string) artifact.Artifact {
	t.Helper()
	a, err := artifact.Seal(artifact.Artifact{
		GlobalTemplateID: id,
		Version:          version,
		Name:             "Hero " + version,
		Slug:             "hero",
		Type:             artifact.TypeSection,
		Payload:          json.RawMessage(payload),
	})
	require.NoError(t, err)
	return a
}

func (f *fixture) count(t *testing.T, model any, query string, args ...any) int64 {
	t.Helper()
	var n int64
	q := f.orm.Model(model)
	if query != "" {
		q = q.Where(query, args...)
	}
	require.NoError(t, q.Count(&n).Error)
	return n
}

func (f *fixture) mapping(t *testing.T, id uuid.UUID) mappingModel {
	t.Helper()
	var m mappingModel
	require.NoError(t, f.orm.First(&m, "global_template_id = ?", id).Error)
	return m
}

func (f *fixture) resource(t *testing.T, id int64) Resource {
	t.Helper()
	res, err := f.engine.Resource(context.Background(), id)
	require.NoError(t, err)
	return res
}

func metaMap(res Resource) map[string]string {
	out := make(map[string]string, len(res.Meta))
	for _, m := range res.Meta {
		out[m.Key] = m.Value
	}
	return out
}
