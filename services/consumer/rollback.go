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

	"syncd/pkg/bus"
)

// RollbackManager restores mapped resources from snapshot history.
type RollbackManager struct {
	orm    *gorm.DB
	locks  *KeyedLocks
	events EventPublisher
	logger zerolog.Logger
	now    func() time.Time
}

// NewRollbackManager wires a rollback manager sharing locks with the Engine.
func NewRollbackManager(orm *gorm.DB, locks *KeyedLocks, events EventPublisher, logger zerolog.Logger) (*RollbackManager, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	if locks == nil {
		return nil, errors.New("locks are required")
	}
	return &RollbackManager{orm: orm, locks: locks, events: events, logger: logger, now: time.Now}, nil
}

// Rollback restores the most recent snapshot of id.
func (m *RollbackManager) Rollback(ctx context.Context, id uuid.UUID) (Result, error) {
	return m.RollbackTo(ctx, id, "")
}

// RollbackTo restores the most recent snapshot of id taken while version was
// installed. An empty version selects the latest snapshot. The resource's core fields
// and its whole metadata set are replaced, not merged, and a deleted resource is
// recreated under its old id. Snapshots are kept, so repeating a rollback restores the
// same state.
func (m *RollbackManager) RollbackTo(ctx context.Context, id uuid.UUID, version string) (Result, error) {
	if id == uuid.Nil {
		return Result{}, fmt.Errorf("%w: global template id is required", ErrBadRequest)
	}
	version = strings.TrimSpace(version)

	unlock := m.locks.Lock(id)
	defer unlock()

	q := m.orm.WithContext(ctx).Where("global_template_id = ?", id)
	if version != "" {
		q = q.Where("version = ?", version)
	}
	var snap snapshotModel
	if err := q.Order("id DESC").First(&snap).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			rollbacksTotal.WithLabelValues("no_snapshot").Inc()
			if version != "" {
				return Result{}, fmt.Errorf("%w: %s@%s", ErrNoSnapshot, id, version)
			}
			return Result{}, fmt.Errorf("%w: %s", ErrNoSnapshot, id)
		}
		return Result{}, fmt.Errorf("load snapshot: %w", err)
	}

	var saved Resource
	if err := json.Unmarshal(snap.Snapshot, &saved); err != nil {
		return Result{}, fmt.Errorf("decode snapshot %d: %w", snap.ID, err)
	}
	if saved.ID == 0 {
		return Result{}, fmt.Errorf("snapshot %d has no resource id", snap.ID)
	}

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	txCtx := context.WithoutCancel(ctx)
	now := m.now().UTC()
	restoredVersion := snap.Version
	err := m.orm.WithContext(txCtx).Transaction(func(tx *gorm.DB) error {
		var current resourceModel
		err := tx.First(&current, "id = ?", saved.ID).Error
		switch {
		case err == nil:
			if err := tx.Model(&resourceModel{}).Where("id = ?", saved.ID).Updates(map[string]any{
				"title":      saved.Title,
				"slug":       saved.Slug,
				"type":       saved.Type,
				"content":    datatypes.JSON(saved.Content),
				"status":     saved.Status,
				"updated_at": now,
			}).Error; err != nil {
				return fmt.Errorf("restore resource %d: %w", saved.ID, err)
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			created := saved.CreatedAt
			if created.IsZero() {
				created = now
			}
			if err := tx.Create(&resourceModel{
				ID:        saved.ID,
				Title:     saved.Title,
				Slug:      saved.Slug,
				Type:      saved.Type,
				Content:   datatypes.JSON(saved.Content),
				Status:    saved.Status,
				CreatedAt: created,
				UpdatedAt: now,
			}).Error; err != nil {
				return fmt.Errorf("recreate resource %d: %w", saved.ID, err)
			}
		default:
			return fmt.Errorf("load resource %d: %w", saved.ID, err)
		}

		if err := tx.Where("resource_id = ?", saved.ID).Delete(&resourceMetaModel{}).Error; err != nil {
			return fmt.Errorf("clear metadata: %w", err)
		}
		checksum := ""
		for _, meta := range saved.Meta {
			if err := tx.Create(&resourceMetaModel{
				ResourceID: saved.ID,
				MetaKey:    meta.Key,
				MetaValue:  meta.Value,
			}).Error; err != nil {
				return fmt.Errorf("restore meta %s: %w", meta.Key, err)
			}
			switch meta.Key {
			case MetaVersion:
				restoredVersion = meta.Value
			case MetaChecksum:
				checksum = meta.Value
			}
		}

		status := MappingActive
		var existing mappingModel
		if err := tx.First(&existing, "global_template_id = ?", id).Error; err == nil {
			status = existing.Status
		}
		return upsertMapping(tx, mappingModel{
			GlobalTemplateID: id,
			LocalResourceID:  saved.ID,
			InstalledVersion: restoredVersion,
			LastChecksum:     checksum,
			Status:           status,
			LastSyncAt:       now,
		})
	})
	if err != nil {
		rollbacksTotal.WithLabelValues("failed").Inc()
		return Result{}, fmt.Errorf("rollback %s: %w", id, err)
	}
	rollbacksTotal.WithLabelValues("restored").Inc()

	if m.events != nil {
		if err := m.events.Publish(txCtx, bus.SubjectTemplateRolledBack, map[string]any{
			"global_template_id": id,
			"version":            restoredVersion,
			"snapshot_id":        snap.ID,
			"post_id":            saved.ID,
		}); err != nil {
			m.logger.Warn().Err(err).Msg("publish template rolled back")
		}
	}

	m.logger.Info().
		Str("global_template_id", id.String()).
		Str("version", restoredVersion).
		Int64("snapshot_id", snap.ID).
		Int64("post_id", saved.ID).
		Msg("template rolled back")
	return Result{LocalResourceID: saved.ID, Version: restoredVersion}, nil
}

// Snapshots lists the history of id, newest first.
func (m *RollbackManager) Snapshots(ctx context.Context, id uuid.UUID) ([]Snapshot, error) {
	var models []snapshotModel
	if err := m.orm.WithContext(ctx).
		Where("global_template_id = ?", id).
		Order("id DESC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]Snapshot, 0, len(models))
	for _, s := range models {
		snap, err := s.toAPI()
		if err != nil {
			return nil, fmt.Errorf("decode snapshot %d: %w", s.ID, err)
		}
		out = append(out, snap)
	}
	return out, nil
}
