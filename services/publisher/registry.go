package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"syncd/pkg/artifact"
	"syncd/pkg/bus"
)

const defaultPresignTTL = 15 * time.Minute

// BlobStore keeps compressed artifact copies and hands out download URLs. *s3.Client
// satisfies it.
type BlobStore interface {
	PutObject(ctx context.Context, key string, data []byte, contentType string) error
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// EventPublisher emits lifecycle events. *bus.Bus satisfies it.
type EventPublisher interface {
	Publish(ctx context.Context, subj string, v any) error
}

// RegistryConfig tunes the registry.
type RegistryConfig struct {
	// BaseURL is the publisher's public URL, used for signed pull links.
	BaseURL    string
	PresignTTL time.Duration
}

// Registry stores templates as append-only sequences of immutable artifacts.
type Registry struct {
	orm    *gorm.DB
	blobs  BlobStore
	events EventPublisher
	logger zerolog.Logger
	config RegistryConfig
	now    func() time.Time
}

// NewRegistry builds a registry. blobs and events are optional.
func NewRegistry(orm *gorm.DB, blobs BlobStore, events EventPublisher, logger zerolog.Logger, cfg RegistryConfig) (*Registry, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	if cfg.PresignTTL <= 0 {
		cfg.PresignTTL = defaultPresignTTL
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")

	return &Registry{
		orm:    orm,
		blobs:  blobs,
		events: events,
		logger: logger,
		config: cfg,
		now:    time.Now,
	}, nil
}

// Publish appends a new version of templateID built from draft. An empty draft.Version
// takes the next sequence number. The draft's checksum is recomputed, so callers do not
// need to seal it.
func (r *Registry) Publish(ctx context.Context, templateID uuid.UUID, draft artifact.Artifact) (artifact.Artifact, error) {
	if templateID == uuid.Nil {
		return artifact.Artifact{}, fmt.Errorf("%w: template id is required", ErrBadRequest)
	}
	if draft.GlobalTemplateID != uuid.Nil && draft.GlobalTemplateID != templateID {
		return artifact.Artifact{}, fmt.Errorf("%w: artifact belongs to another template", ErrBadRequest)
	}
	draft.GlobalTemplateID = templateID
	draft.Version = strings.TrimSpace(draft.Version)

	var (
		published artifact.Artifact
		row       templateVersionModel
	)
	err := r.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxSeq int64
		if err := tx.Model(&templateVersionModel{}).
			Where("template_id = ?", templateID).
			Select("COALESCE(MAX(seq), 0)").
			Scan(&maxSeq).Error; err != nil {
			return err
		}

		version := draft.Version
		if version == "" {
			for n := maxSeq + 1; ; n++ {
				candidate := strconv.FormatInt(n, 10)
				taken, err := versionTaken(tx, templateID, candidate)
				if err != nil {
					return err
				}
				if !taken {
					version = candidate
					break
				}
			}
		} else {
			taken, err := versionTaken(tx, templateID, version)
			if err != nil {
				return err
			}
			if taken {
				return fmt.Errorf("%w: %s", ErrVersionExists, version)
			}
		}
		draft.Version = version

		sealed, err := artifact.Seal(draft)
		if err != nil {
			return fmt.Errorf("%w: %v", artifact.ErrInvalid, err)
		}
		if err := artifact.Validate(sealed); err != nil {
			return err
		}
		doc, err := json.Marshal(sealed)
		if err != nil {
			return err
		}

		now := r.now().UTC()
		var tmpl templateModel
		switch err := tx.First(&tmpl, "id = ?", templateID).Error; {
		case errors.Is(err, gorm.ErrRecordNotFound):
			tmpl = templateModel{
				ID:        templateID,
				Name:      sealed.Name,
				Slug:      sealed.Slug,
				Type:      string(sealed.Type),
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := tx.Create(&tmpl).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			if err := tx.Model(&tmpl).Updates(map[string]any{
				"name":       sealed.Name,
				"slug":       sealed.Slug,
				"type":       string(sealed.Type),
				"updated_at": now,
			}).Error; err != nil {
				return err
			}
		}

		row = templateVersionModel{
			TemplateID: templateID,
			Seq:        maxSeq + 1,
			Version:    sealed.Version,
			Checksum:   sealed.Checksum,
			Artifact:   doc,
			CreatedAt:  now,
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		published = sealed
		return nil
	})
	if err != nil {
		return artifact.Artifact{}, fmt.Errorf("publish template %s: %w", templateID, err)
	}

	r.storeBlob(ctx, row, published)
	publishedTotal.WithLabelValues(string(published.Type)).Inc()
	r.emit(ctx, bus.SubjectTemplatePublished, map[string]any{
		"global_template_id": published.GlobalTemplateID,
		"version":            published.Version,
		"checksum":           published.Checksum,
	})

	r.logger.Info().
		Str("global_template_id", templateID.String()).
		Str("version", published.Version).
		Str("checksum", published.Checksum).
		Msg("template published")
	return published, nil
}

func versionTaken(tx *gorm.DB, templateID uuid.UUID, version string) (bool, error) {
	var count int64
	err := tx.Model(&templateVersionModel{}).
		Where("template_id = ? AND version = ?", templateID, version).
		Count(&count).Error
	return count > 0, err
}

func (r *Registry) storeBlob(ctx context.Context, row templateVersionModel, a artifact.Artifact) {
	if r.blobs == nil {
		return
	}
	blob, err := artifact.EncodeBlob(a)
	if err != nil {
		r.logger.Warn().Err(err).Msg("encode artifact blob")
		return
	}
	key := fmt.Sprintf("templates/%s/%d-%s.json.zst", a.GlobalTemplateID, row.Seq, a.Checksum[:12])
	if err := r.blobs.PutObject(ctx, key, blob, artifact.BlobContentType); err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("upload artifact blob")
		return
	}
	if err := r.orm.WithContext(ctx).
		Model(&templateVersionModel{}).
		Where("id = ?", row.ID).
		Update("blob_key", key).Error; err != nil {
		r.logger.Warn().Err(err).Str("key", key).Msg("record artifact blob")
	}
}

func (r *Registry) emit(ctx context.Context, subject string, payload any) {
	if r.events == nil {
		return
	}
	if err := r.events.Publish(ctx, subject, payload); err != nil {
		r.logger.Warn().Err(err).Str("subject", subject).Msg("publish event")
	}
}

// Latest returns the newest version of templateID.
func (r *Registry) Latest(ctx context.Context, templateID uuid.UUID) (artifact.Artifact, error) {
	return r.Version(ctx, templateID, "")
}

// Version returns the named version of templateID, or the latest when version is empty.
func (r *Registry) Version(ctx context.Context, templateID uuid.UUID, version string) (artifact.Artifact, error) {
	row, err := r.versionRow(ctx, templateID, version)
	if err != nil {
		return artifact.Artifact{}, err
	}
	a, err := row.toArtifact()
	if err != nil {
		return artifact.Artifact{}, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}
	if err := artifact.Validate(a); err != nil {
		return artifact.Artifact{}, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}
	return a, nil
}

func (r *Registry) versionRow(ctx context.Context, templateID uuid.UUID, version string) (templateVersionModel, error) {
	q := r.orm.WithContext(ctx).Where("template_id = ?", templateID)
	if version = strings.TrimSpace(version); version != "" {
		q = q.Where("version = ?", version)
	}

	var row templateVersionModel
	if err := q.Order("seq DESC").First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return templateVersionModel{}, fmt.Errorf("%w: template %s version %q", ErrNotFound, templateID, version)
		}
		return templateVersionModel{}, err
	}
	return row, nil
}

const latestVersionsJoin = `JOIN (
	SELECT template_id, MAX(seq) AS seq FROM template_versions GROUP BY template_id
) latest ON latest.template_id = template_versions.template_id AND latest.seq = template_versions.seq`

type summaryRow struct {
	TemplateID uuid.UUID
	Name       string
	Slug       string
	Type       string
	Version    string
	Checksum   string
	CreatedAt  time.Time
}

// List returns every template with its latest version, optionally filtered by type.
func (r *Registry) List(ctx context.Context, typ *artifact.Type) ([]Summary, error) {
	q := r.orm.WithContext(ctx).
		Table("template_versions").
		Select("template_versions.template_id, templates.name, templates.slug, templates.type, template_versions.version, template_versions.checksum, template_versions.created_at").
		Joins(latestVersionsJoin).
		Joins("JOIN templates ON templates.id = template_versions.template_id")
	if typ != nil {
		q = q.Where("templates.type = ?", string(*typ))
	}

	var rows []summaryRow
	if err := q.Order("templates.name ASC").Scan(&rows).Error; err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}

	out := make([]Summary, 0, len(rows))
	for _, row := range rows {
		out = append(out, Summary{
			ID:            row.TemplateID,
			Name:          row.Name,
			Slug:          row.Slug,
			Type:          artifact.Type(row.Type),
			LatestVersion: row.Version,
			Checksum:      row.Checksum,
			UpdatedAt:     row.CreatedAt,
		})
	}
	return out, nil
}

// History lists every version of templateID, newest first.
func (r *Registry) History(ctx context.Context, templateID uuid.UUID) ([]VersionSummary, error) {
	var rows []templateVersionModel
	if err := r.orm.WithContext(ctx).
		Where("template_id = ?", templateID).
		Order("seq DESC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("template history: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: template %s", ErrNotFound, templateID)
	}

	out := make([]VersionSummary, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toSummary())
	}
	return out, nil
}

// Updates returns the latest version of every template published after since.
func (r *Registry) Updates(ctx context.Context, since time.Time) ([]Update, error) {
	var rows []summaryRow
	err := r.orm.WithContext(ctx).
		Table("template_versions").
		Select("template_versions.template_id, template_versions.version, template_versions.checksum, template_versions.created_at").
		Joins(latestVersionsJoin).
		Where("template_versions.created_at > ?", since.UTC()).
		Order("template_versions.created_at ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list updates: %w", err)
	}

	out := make([]Update, 0, len(rows))
	for _, row := range rows {
		out = append(out, Update{
			GlobalTemplateID: row.TemplateID,
			Version:          row.Version,
			Checksum:         row.Checksum,
			PublishedAt:      row.CreatedAt,
		})
	}
	return out, nil
}

// ArtifactURL returns where a consumer can download the version: a presigned bucket URL
// when a blob was stored, otherwise the publisher's own signed pull endpoint.
func (r *Registry) ArtifactURL(ctx context.Context, templateID uuid.UUID, version string) (string, error) {
	row, err := r.versionRow(ctx, templateID, version)
	if err != nil {
		return "", err
	}
	if row.BlobKey != "" && r.blobs != nil {
		link, err := r.blobs.PresignGet(ctx, row.BlobKey, r.config.PresignTTL)
		if err == nil {
			return link, nil
		}
		r.logger.Warn().Err(err).Str("key", row.BlobKey).Msg("presign artifact blob")
	}
	if r.config.BaseURL == "" {
		return "", errors.New("publisher base url is not configured")
	}
	return fmt.Sprintf("%s/templates/%s?version=%s", r.config.BaseURL, templateID, url.QueryEscape(row.Version)), nil
}
