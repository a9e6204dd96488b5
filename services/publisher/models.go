package publisher

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"syncd/pkg/artifact"
)

var (
	// ErrNotFound is returned for unknown templates, versions, consumers and deployments.
	ErrNotFound = errors.New("not found")
	// ErrVersionExists is returned when publishing a version label that is already taken.
	ErrVersionExists = errors.New("version already published")
	// ErrValidationFailed means a stored artifact no longer validates.
	ErrValidationFailed = errors.New("stored artifact failed validation")
	// ErrBadRequest wraps caller input errors.
	ErrBadRequest = errors.New("bad request")
	// ErrDeliveryFailed wraps network or remote failures delivering to a consumer.
	ErrDeliveryFailed = errors.New("delivery failed")
)

// Deployment statuses.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Consumer statuses.
const (
	ConsumerActive   = "active"
	ConsumerDisabled = "disabled"
)

// Summary describes a template and its latest version.
type Summary struct {
	ID            uuid.UUID     `json:"global_template_id"`
	Name          string        `json:"name"`
	Slug          string        `json:"slug"`
	Type          artifact.Type `json:"type"`
	LatestVersion string        `json:"latest_version"`
	Checksum      string        `json:"checksum"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// VersionSummary describes one published version.
type VersionSummary struct {
	Seq         int64     `json:"seq"`
	Version     string    `json:"version"`
	Checksum    string    `json:"checksum"`
	Stored      bool      `json:"stored"`
	PublishedAt time.Time `json:"published_at"`
}

// Consumer is an enrolled consumer site.
type Consumer struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	Token     string    `json:"token"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Options tune a deployment.
type Options struct {
	Version string `json:"version,omitempty"`
	DryRun  bool   `json:"dry_run,omitempty"`
	Inline  bool   `json:"inline,omitempty"`
	Retries int    `json:"retries,omitempty"`
}

// DeployRequest is the input to Enqueue and Preview. Targets name enrolled consumers by
// id or URL.
type DeployRequest struct {
	TemplateIDs []uuid.UUID `json:"template_ids"`
	Targets     []string    `json:"targets"`
	Options     Options     `json:"options"`
}

// ItemResult is the outcome of delivering one template to one target.
type ItemResult struct {
	GlobalTemplateID uuid.UUID      `json:"global_template_id"`
	Version          string         `json:"version,omitempty"`
	OK               bool           `json:"ok"`
	StatusCode       int            `json:"status_code,omitempty"`
	PostID           int64          `json:"post_id,omitempty"`
	Unchanged        bool           `json:"unchanged,omitempty"`
	Diff             *artifact.Diff `json:"diff,omitempty"`
	Error            string         `json:"error,omitempty"`
}

// TargetResult is the outcome for one consumer. A target succeeds when every item does.
type TargetResult struct {
	Target     string       `json:"target"`
	OK         bool         `json:"ok"`
	StatusCode int          `json:"status_code,omitempty"`
	Error      string       `json:"error,omitempty"`
	Items      []ItemResult `json:"items,omitempty"`
}

// Deployment is a batch push of templates to consumer targets. Versions pins the version
// of each template resolved when the deployment was queued.
type Deployment struct {
	ID          uuid.UUID            `json:"id"`
	TemplateIDs []uuid.UUID          `json:"template_ids"`
	Targets     []string             `json:"targets"`
	Options     Options              `json:"options"`
	Versions    map[uuid.UUID]string `json:"versions,omitempty"`
	Status      string               `json:"status"`
	Results     []TargetResult       `json:"results"`
	CreatedAt   time.Time            `json:"created_at"`
	StartedAt   *time.Time           `json:"started_at,omitempty"`
	CompletedAt *time.Time           `json:"completed_at,omitempty"`
}

type templateModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name      string    `gorm:"type:text;not null"`
	Slug      string    `gorm:"type:text;not null;index"`
	Type      string    `gorm:"type:text;not null;index"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (templateModel) TableName() string { return "templates" }

type templateVersionModel struct {
	ID         int64          `gorm:"primaryKey;autoIncrement"`
	TemplateID uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex:idx_template_versions_seq;uniqueIndex:idx_template_versions_version"`
	Seq        int64          `gorm:"not null;uniqueIndex:idx_template_versions_seq"`
	Version    string         `gorm:"type:text;not null;uniqueIndex:idx_template_versions_version"`
	Checksum   string         `gorm:"type:text;not null"`
	Artifact   datatypes.JSON `gorm:"type:jsonb;not null"`
	BlobKey    string         `gorm:"type:text"`
	CreatedAt  time.Time      `gorm:"not null;index"`
}

func (templateVersionModel) TableName() string { return "template_versions" }

func (m templateVersionModel) toArtifact() (artifact.Artifact, error) {
	var a artifact.Artifact
	if err := json.Unmarshal(m.Artifact, &a); err != nil {
		return artifact.Artifact{}, err
	}
	return a, nil
}

func (m templateVersionModel) toSummary() VersionSummary {
	return VersionSummary{
		Seq:         m.Seq,
		Version:     m.Version,
		Checksum:    m.Checksum,
		Stored:      m.BlobKey != "",
		PublishedAt: m.CreatedAt,
	}
}

type consumerModel struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name      string    `gorm:"type:text;not null"`
	URL       string    `gorm:"type:text;not null;uniqueIndex"`
	Token     string    `gorm:"type:text;not null;uniqueIndex"`
	Status    string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (consumerModel) TableName() string { return "consumers" }

func (m consumerModel) toAPI() Consumer {
	return Consumer{
		ID:        m.ID,
		Name:      m.Name,
		URL:       m.URL,
		Token:     m.Token,
		Status:    m.Status,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

type deploymentModel struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey"`
	TemplateIDs datatypes.JSON `gorm:"type:jsonb;not null"`
	Targets     datatypes.JSON `gorm:"type:jsonb;not null"`
	Options     datatypes.JSON `gorm:"type:jsonb"`
	Versions    datatypes.JSON `gorm:"type:jsonb"`
	Status      string         `gorm:"type:text;not null;index"`
	Results     datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt   time.Time      `gorm:"not null;index"`
	StartedAt   *time.Time
	CompletedAt *time.Time
}

func (deploymentModel) TableName() string { return "deployments" }

func (m deploymentModel) toAPI() (Deployment, error) {
	d := Deployment{
		ID:          m.ID,
		Status:      m.Status,
		CreatedAt:   m.CreatedAt,
		StartedAt:   m.StartedAt,
		CompletedAt: m.CompletedAt,
	}
	if err := unmarshalOptional(m.TemplateIDs, &d.TemplateIDs); err != nil {
		return Deployment{}, err
	}
	if err := unmarshalOptional(m.Targets, &d.Targets); err != nil {
		return Deployment{}, err
	}
	if err := unmarshalOptional(m.Options, &d.Options); err != nil {
		return Deployment{}, err
	}
	if err := unmarshalOptional(m.Versions, &d.Versions); err != nil {
		return Deployment{}, err
	}
	if err := unmarshalOptional(m.Results, &d.Results); err != nil {
		return Deployment{}, err
	}
	if d.Results == nil {
		d.Results = []TargetResult{}
	}
	return d, nil
}

func unmarshalOptional(raw datatypes.JSON, dest any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dest)
}

func mustJSON(v any) datatypes.JSON {
	data, err := json.Marshal(v)
	if err != nil {
		return datatypes.JSON("null")
	}
	return datatypes.JSON(data)
}

// Models lists the publisher tables for AutoMigrate in tests and migrations.
func Models() []any {
	return []any{&templateModel{}, &templateVersionModel{}, &consumerModel{}, &deploymentModel{}}
}
