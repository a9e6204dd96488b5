package consumer

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

var (
	// ErrNotFound is returned for unknown mappings and resources.
	ErrNotFound = errors.New("not found")
	// ErrNoSnapshot is returned when a rollback has no history to restore.
	ErrNoSnapshot = errors.New("no snapshot")
	// ErrFetchFailed wraps network and remote failures talking to the publisher.
	ErrFetchFailed = errors.New("fetch failed")
	// ErrMappingDisabled is returned when syncing a template an operator disabled.
	ErrMappingDisabled = errors.New("mapping disabled")
	// ErrBadRequest wraps caller input errors.
	ErrBadRequest = errors.New("bad request")
)

// Sync stamps written on every applied resource.
const (
	MetaGlobalTemplateID = "_sync_global_template_id"
	MetaVersion          = "_sync_version"
	MetaChecksum         = "_sync_checksum"
)

// Mapping statuses.
const (
	MappingActive   = "active"
	MappingDisabled = "disabled"
)

// ResourcePublished is the status given to applied resources.
const ResourcePublished = "publish"

// Meta is one key/value attached to a local resource.
type Meta struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Resource is a local copy of a template plus its metadata.
type Resource struct {
	ID        int64           `json:"id"`
	Title     string          `json:"title"`
	Slug      string          `json:"slug"`
	Type      string          `json:"type"`
	Content   json.RawMessage `json:"content"`
	Status    string          `json:"status"`
	Meta      []Meta          `json:"meta"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Mapping links a global template id to the local resource holding it.
type Mapping struct {
	GlobalTemplateID uuid.UUID `json:"global_template_id"`
	LocalResourceID  int64     `json:"local_resource_id"`
	InstalledVersion string    `json:"installed_version"`
	LastChecksum     string    `json:"last_checksum"`
	Status           string    `json:"status"`
	LastSyncAt       time.Time `json:"last_sync_at"`
}

// Snapshot is a saved prior state of a mapped resource.
type Snapshot struct {
	ID               int64     `json:"id"`
	GlobalTemplateID uuid.UUID `json:"global_template_id"`
	Version          string    `json:"version"`
	Resource         Resource  `json:"resource"`
	CreatedAt        time.Time `json:"created_at"`
}

// Result reports the outcome of Apply or Rollback.
type Result struct {
	LocalResourceID int64  `json:"post_id"`
	Version         string `json:"version"`
	Unchanged       bool   `json:"unchanged"`
}

type resourceModel struct {
	ID        int64          `gorm:"primaryKey;autoIncrement"`
	Title     string         `gorm:"type:text;not null"`
	Slug      string         `gorm:"type:text;not null;index"`
	Type      string         `gorm:"type:text;not null"`
	Content   datatypes.JSON `gorm:"type:jsonb"`
	Status    string         `gorm:"type:text;not null"`
	CreatedAt time.Time      `gorm:"not null"`
	UpdatedAt time.Time      `gorm:"not null"`
}

func (resourceModel) TableName() string { return "resources" }

type resourceMetaModel struct {
	ID         int64  `gorm:"primaryKey;autoIncrement"`
	ResourceID int64  `gorm:"not null;index"`
	MetaKey    string `gorm:"type:text;not null;index"`
	MetaValue  string `gorm:"type:text"`
}

func (resourceMetaModel) TableName() string { return "resource_meta" }

func toResource(m resourceModel, metas []resourceMetaModel) Resource {
	r := Resource{
		ID:        m.ID,
		Title:     m.Title,
		Slug:      m.Slug,
		Type:      m.Type,
		Content:   json.RawMessage(m.Content),
		Status:    m.Status,
		Meta:      make([]Meta, 0, len(metas)),
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
	for _, meta := range metas {
		r.Meta = append(r.Meta, Meta{Key: meta.MetaKey, Value: meta.MetaValue})
	}
	return r
}

type mappingModel struct {
	GlobalTemplateID uuid.UUID `gorm:"type:uuid;primaryKey"`
	LocalResourceID  int64     `gorm:"not null;index"`
	InstalledVersion string    `gorm:"type:text;not null"`
	LastChecksum     string    `gorm:"type:text;not null"`
	Status           string    `gorm:"type:text;not null"`
	LastSyncAt       time.Time `gorm:"not null"`
}

func (mappingModel) TableName() string { return "template_mappings" }

func (m mappingModel) toAPI() Mapping {
	return Mapping{
		GlobalTemplateID: m.GlobalTemplateID,
		LocalResourceID:  m.LocalResourceID,
		InstalledVersion: m.InstalledVersion,
		LastChecksum:     m.LastChecksum,
		Status:           m.Status,
		LastSyncAt:       m.LastSyncAt,
	}
}

type snapshotModel struct {
	ID               int64          `gorm:"primaryKey;autoIncrement"`
	GlobalTemplateID uuid.UUID      `gorm:"type:uuid;not null;index"`
	Version          string         `gorm:"type:text;not null"`
	Snapshot         datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt        time.Time      `gorm:"not null"`
}

func (snapshotModel) TableName() string { return "snapshot_history" }

func (m snapshotModel) toAPI() (Snapshot, error) {
	s := Snapshot{
		ID:               m.ID,
		GlobalTemplateID: m.GlobalTemplateID,
		Version:          m.Version,
		CreatedAt:        m.CreatedAt,
	}
	if err := json.Unmarshal(m.Snapshot, &s.Resource); err != nil {
		return Snapshot{}, err
	}
	return s, nil
}

type settingModel struct {
	Name      string    `gorm:"type:text;primaryKey"`
	Value     string    `gorm:"type:text;not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (settingModel) TableName() string { return "sync_settings" }

// Models lists the consumer tables for AutoMigrate in tests and migrations.
func Models() []any {
	return []any{&resourceModel{}, &resourceMetaModel{}, &mappingModel{}, &snapshotModel{}, &settingModel{}}
}
