package syncctl

import (
	"time"

	"gopkg.in/yaml.v3"

	"syncd/pkg/artifact"
)

const manifestVersion = "1"

// Manifest is the signed index at the head of a template bundle.
type Manifest struct {
	Version          string          `yaml:"version"`
	CreatedAt        time.Time       `yaml:"created_at"`
	Source           string          `yaml:"source,omitempty"`
	Signer           string          `yaml:"signer,omitempty"`
	SigningPublicKey string          `yaml:"signing_public_key,omitempty"`
	Signature        string          `yaml:"signature,omitempty"`
	Templates        []ManifestEntry `yaml:"templates"`
}

// ManifestEntry pins one artifact file inside the bundle.
type ManifestEntry struct {
	GlobalTemplateID string        `yaml:"global_template_id"`
	Version          string        `yaml:"version"`
	Name             string        `yaml:"name"`
	Type             artifact.Type `yaml:"type"`
	Checksum         string        `yaml:"checksum"`
	Path             string        `yaml:"path"`
	Size             int64         `yaml:"size"`
	SHA256           string        `yaml:"sha256"`
}

// SigningBytes is the manifest encoding the signature covers.
func (m Manifest) SigningBytes() ([]byte, error) {
	unsigned := m
	unsigned.Signature = ""
	return yaml.Marshal(unsigned)
}
