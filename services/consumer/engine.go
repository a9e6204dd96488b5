package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"syncd/pkg/artifact"
	"syncd/pkg/bus"
)

// EventPublisher emits lifecycle events. *bus.Bus satisfies it.
type EventPublisher interface {
	Publish(ctx context.Context, subj string, v any) error
}

// Engine installs artifacts as local resources and tracks them through mappings.
type Engine struct {
	orm       *gorm.DB
	locks     *KeyedLocks
	relocator AssetRelocator
	events    EventPublisher
	logger    zerolog.Logger
	now       func() time.Time
}

// NewEngine wires the sync engine. locks must be shared with the RollbackManager; a nil
// relocator leaves payloads untouched and events is optional.
func NewEngine(orm *gorm.DB, locks *KeyedLocks, relocator AssetRelocator, events EventPublisher, logger zerolog.Logger) (*Engine, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	if locks == nil {
		return nil, errors.New("locks are required")
	}
	if relocator == nil {
		relocator = NopRelocator{}
	}
	return &Engine{
		orm:       orm,
		locks:     locks,
		relocator: relocator,
		events:    events,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// CalculateDiff reports what Apply would do with a. It writes nothing.
func (e *Engine) CalculateDiff(ctx context.Context, a artifact.Artifact) (artifact.Diff, error) {
	if err := artifact.Validate(a); err != nil {
		return artifact.Diff{}, err
	}
	m, found, err := findMapping(e.orm.WithContext(ctx), a.GlobalTemplateID)
	if err != nil {
		return artifact.Diff{}, err
	}
	if !found {
		return artifact.Diff{WillCreate: true}, nil
	}
	return artifact.Diff{WillUpdate: !strings.EqualFold(m.LastChecksum, a.Checksum)}, nil
}

// Apply installs a. Re-applying the checksum already installed is a no-op reported as
// Unchanged. An existing resource is snapshotted before it is overwritten, and the
// snapshot, resource, stamps and mapping are written in one transaction.
func (e *Engine) Apply(ctx context.Context, a artifact.Artifact) (Result, error) {
	if err := artifact.Validate(a); err != nil {
		appliesTotal.WithLabelValues("invalid").Inc()
		return Result{}, err
	}

	unlock := e.locks.Lock(a.GlobalTemplateID)
	defer unlock()

	start := e.now()
	orm := e.orm.WithContext(ctx)
	m, found, err := findMapping(orm, a.GlobalTemplateID)
	if err != nil {
		return Result{}, err
	}
	if found && m.Status == MappingDisabled {
		return Result{}, fmt.Errorf("%w: %s", ErrMappingDisabled, a.GlobalTemplateID)
	}

	var existing *resourceModel
	if found {
		var res resourceModel
		err := orm.First(&res, "id = ?", m.LocalResourceID).Error
		switch {
		case err == nil:
			existing = &res
		case errors.Is(err, gorm.ErrRecordNotFound):
		default:
			return Result{}, fmt.Errorf("load resource %d: %w", m.LocalResourceID, err)
		}
	}

	if existing != nil && strings.EqualFold(m.LastChecksum, a.Checksum) {
		if m.reseeded {
			if err := upsertMapping(orm, m.mappingModel); err != nil {
				return Result{}, fmt.Errorf("reseed mapping: %w", err)
			}
		}
		appliesTotal.WithLabelValues("unchanged").Inc()
		return Result{LocalResourceID: existing.ID, Version: m.InstalledVersion, Unchanged: true}, nil
	}

	payload, err := e.relocator.Relocate(ctx, a.Payload)
	if err != nil {
		return Result{}, fmt.Errorf("relocate assets: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	txCtx := context.WithoutCancel(ctx)
	now := e.now().UTC()
	var resourceID int64
	err = e.orm.WithContext(txCtx).Transaction(func(tx *gorm.DB) error {
		if existing != nil {
			if err := writeSnapshot(tx, a.GlobalTemplateID, m.InstalledVersion, *existing, now); err != nil {
				return err
			}
			if err := tx.Model(&resourceModel{}).Where("id = ?", existing.ID).Updates(map[string]any{
				"title":      a.Name,
				"slug":       a.Slug,
				"type":       string(a.Type),
				"content":    datatypes.JSON(payload),
				"status":     ResourcePublished,
				"updated_at": now,
			}).Error; err != nil {
				return fmt.Errorf("update resource %d: %w", existing.ID, err)
			}
			resourceID = existing.ID
		} else {
			res := resourceModel{
				Title:     a.Name,
				Slug:      a.Slug,
				Type:      string(a.Type),
				Content:   datatypes.JSON(payload),
				Status:    ResourcePublished,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := tx.Create(&res).Error; err != nil {
				return fmt.Errorf("create resource: %w", err)
			}
			resourceID = res.ID
		}

		stamps := map[string]string{
			MetaGlobalTemplateID: a.GlobalTemplateID.String(),
			MetaVersion:          a.Version,
			MetaChecksum:         strings.ToLower(a.Checksum),
		}
		for key, value := range stamps {
			if err := setMeta(tx, resourceID, key, value); err != nil {
				return err
			}
		}

		return upsertMapping(tx, mappingModel{
			GlobalTemplateID: a.GlobalTemplateID,
			LocalResourceID:  resourceID,
			InstalledVersion: a.Version,
			LastChecksum:     strings.ToLower(a.Checksum),
			Status:           MappingActive,
			LastSyncAt:       now,
		})
	})
	if err != nil {
		appliesTotal.WithLabelValues("failed").Inc()
		return Result{}, fmt.Errorf("apply %s@%s: %w", a.GlobalTemplateID, a.Version, err)
	}

	outcome := "created"
	if existing != nil {
		outcome = "updated"
	}
	appliesTotal.WithLabelValues(outcome).Inc()
	applyDuration.Observe(e.now().Sub(start).Seconds())

	if e.events != nil {
		if err := e.events.Publish(txCtx, bus.SubjectTemplateApplied, map[string]any{
			"global_template_id": a.GlobalTemplateID,
			"version":            a.Version,
			"checksum":           a.Checksum,
			"post_id":            resourceID,
		}); err != nil {
			e.logger.Warn().Err(err).Msg("publish template applied")
		}
	}

	e.logger.Info().
		Str("global_template_id", a.GlobalTemplateID.String()).
		Str("version", a.Version).
		Int64("post_id", resourceID).
		Str("outcome", outcome).
		Msg("template applied")
	return Result{LocalResourceID: resourceID, Version: a.Version}, nil
}

// Mappings lists every mapping ordered by last sync.
func (e *Engine) Mappings(ctx context.Context) ([]Mapping, error) {
	var models []mappingModel
	if err := e.orm.WithContext(ctx).Order("last_sync_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]Mapping, 0, len(models))
	for _, m := range models {
		out = append(out, m.toAPI())
	}
	return out, nil
}

// Mapping returns the mapping for id, re-seeding it from resource stamps when the row
// is missing.
func (e *Engine) Mapping(ctx context.Context, id uuid.UUID) (Mapping, error) {
	unlock := e.locks.Lock(id)
	defer unlock()

	orm := e.orm.WithContext(ctx)
	m, found, err := findMapping(orm, id)
	if err != nil {
		return Mapping{}, err
	}
	if !found {
		return Mapping{}, fmt.Errorf("%w: mapping %s", ErrNotFound, id)
	}
	if m.reseeded {
		if err := upsertMapping(orm, m.mappingModel); err != nil {
			return Mapping{}, fmt.Errorf("reseed mapping: %w", err)
		}
	}
	return m.toAPI(), nil
}

// SetStatus enables or disables syncing of id.
func (e *Engine) SetStatus(ctx context.Context, id uuid.UUID, status string) (Mapping, error) {
	if status != MappingActive && status != MappingDisabled {
		return Mapping{}, fmt.Errorf("%w: status must be %q or %q", ErrBadRequest, MappingActive, MappingDisabled)
	}

	unlock := e.locks.Lock(id)
	defer unlock()

	orm := e.orm.WithContext(ctx)
	m, found, err := findMapping(orm, id)
	if err != nil {
		return Mapping{}, err
	}
	if !found {
		return Mapping{}, fmt.Errorf("%w: mapping %s", ErrNotFound, id)
	}
	m.Status = status
	if err := upsertMapping(orm, m.mappingModel); err != nil {
		return Mapping{}, fmt.Errorf("update mapping status: %w", err)
	}
	return m.toAPI(), nil
}

// Resource returns a local resource with its metadata.
func (e *Engine) Resource(ctx context.Context, id int64) (Resource, error) {
	orm := e.orm.WithContext(ctx)
	var res resourceModel
	if err := orm.First(&res, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Resource{}, fmt.Errorf("%w: resource %d", ErrNotFound, id)
		}
		return Resource{}, err
	}
	metas, err := loadMetas(orm, id)
	if err != nil {
		return Resource{}, err
	}
	return toResource(res, metas), nil
}

type resolvedMapping struct {
	mappingModel
	reseeded bool
}

// findMapping reads the mapping row for id. When it is missing, the newest resource
// stamped with id is used to rebuild it; the rebuilt row is not persisted here.
func findMapping(db *gorm.DB, id uuid.UUID) (resolvedMapping, bool, error) {
	var m mappingModel
	err := db.First(&m, "global_template_id = ?", id).Error
	if err == nil {
		return resolvedMapping{mappingModel: m}, true, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return resolvedMapping{}, false, fmt.Errorf("load mapping %s: %w", id, err)
	}

	var tagged []resourceMetaModel
	if err := db.
		Where("meta_key = ? AND meta_value = ?", MetaGlobalTemplateID, id.String()).
		Order("resource_id DESC").
		Find(&tagged).Error; err != nil {
		return resolvedMapping{}, false, fmt.Errorf("scan stamped resources: %w", err)
	}
	for _, t := range tagged {
		var res resourceModel
		err := db.First(&res, "id = ?", t.ResourceID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return resolvedMapping{}, false, err
		}
		metas, err := loadMetas(db, res.ID)
		if err != nil {
			return resolvedMapping{}, false, err
		}
		m := mappingModel{
			GlobalTemplateID: id,
			LocalResourceID:  res.ID,
			Status:           MappingActive,
			LastSyncAt:       res.UpdatedAt,
		}
		for _, meta := range metas {
			switch meta.MetaKey {
			case MetaVersion:
				m.InstalledVersion = meta.MetaValue
			case MetaChecksum:
				m.LastChecksum = meta.MetaValue
			}
		}
		return resolvedMapping{mappingModel: m, reseeded: true}, true, nil
	}
	return resolvedMapping{}, false, nil
}

func loadMetas(db *gorm.DB, resourceID int64) ([]resourceMetaModel, error) {
	var metas []resourceMetaModel
	if err := db.Where("resource_id = ?", resourceID).Order("id ASC").Find(&metas).Error; err != nil {
		return nil, fmt.Errorf("load metadata for resource %d: %w", resourceID, err)
	}
	return metas, nil
}

func setMeta(tx *gorm.DB, resourceID int64, key, value string) error {
	if err := tx.Where("resource_id = ? AND meta_key = ?", resourceID, key).Delete(&resourceMetaModel{}).Error; err != nil {
		return fmt.Errorf("clear meta %s: %w", key, err)
	}
	if err := tx.Create(&resourceMetaModel{ResourceID: resourceID, MetaKey: key, MetaValue: value}).Error; err != nil {
		return fmt.Errorf("write meta %s: %w", key, err)
	}
	return nil
}

func upsertMapping(tx *gorm.DB, m mappingModel) error {
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "global_template_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"local_resource_id", "installed_version", "last_checksum", "status", "last_sync_at",
		}),
	}).Create(&m).Error
}

func writeSnapshot(tx *gorm.DB, id uuid.UUID, version string, res resourceModel, at time.Time) error {
	metas, err := loadMetas(tx, res.ID)
	if err != nil {
		return err
	}
	doc, err := json.Marshal(toResource(res, metas))
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if version == "" {
		for _, meta := range metas {
			if meta.MetaKey == MetaVersion {
				version = meta.MetaValue
			}
		}
	}
	if err := tx.Create(&snapshotModel{
		GlobalTemplateID: id,
		Version:          version,
		Snapshot:         datatypes.JSON(doc),
		CreatedAt:        at,
	}).Error; err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}
