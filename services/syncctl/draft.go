package syncctl

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"syncd/pkg/artifact"
)

type draftFile struct {
	GlobalTemplateID string `yaml:"global_template_id"`
	Version          string `yaml:"version"`
	Name             string `yaml:"name"`
	Slug             string `yaml:"slug"`
	Type             string `yaml:"type"`
	Payload          any    `yaml:"payload"`
	Checksum         string `yaml:"checksum"`
}

// LoadDraft reads a template version from a JSON or YAML file. JSON files keep their
// payload literals byte for byte; YAML payloads are re-encoded as JSON.
func LoadDraft(file string) (artifact.Artifact, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return artifact.Artifact{}, fmt.Errorf("read draft: %w", err)
	}
	if strings.EqualFold(filepath.Ext(file), ".json") {
		return parseJSONDraft(data)
	}
	return parseYAMLDraft(data)
}

func parseJSONDraft(data []byte) (artifact.Artifact, error) {
	var a artifact.Artifact
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&a); err != nil {
		return artifact.Artifact{}, fmt.Errorf("decode draft: %w", err)
	}
	if !a.Type.Known() {
		return artifact.Artifact{}, fmt.Errorf("unknown type %q", a.Type)
	}
	return a, nil
}

func parseYAMLDraft(data []byte) (artifact.Artifact, error) {
	var d draftFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&d); err != nil {
		return artifact.Artifact{}, fmt.Errorf("decode draft: %w", err)
	}

	var id uuid.UUID
	if d.GlobalTemplateID != "" {
		parsed, err := uuid.Parse(d.GlobalTemplateID)
		if err != nil {
			return artifact.Artifact{}, fmt.Errorf("global_template_id: %w", err)
		}
		id = parsed
	}
	typ, ok := artifact.ParseType(d.Type)
	if !ok {
		return artifact.Artifact{}, fmt.Errorf("unknown type %q", d.Type)
	}
	if d.Payload == nil {
		return artifact.Artifact{}, errors.New("payload is required")
	}
	payload, err := json.Marshal(d.Payload)
	if err != nil {
		return artifact.Artifact{}, fmt.Errorf("encode payload: %w", err)
	}

	return artifact.Artifact{
		GlobalTemplateID: id,
		Version:          d.Version,
		Name:             d.Name,
		Slug:             d.Slug,
		Type:             typ,
		Payload:          payload,
		Checksum:         d.Checksum,
	}, nil
}
