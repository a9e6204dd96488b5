package artifact

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalid is returned when an artifact is structurally incomplete or its checksum
// does not match its content.
var ErrInvalid = errors.New("artifact invalid")

// Artifact is an immutable, content-addressed snapshot of one template version.
type Artifact struct {
	GlobalTemplateID uuid.UUID       `json:"global_template_id"`
	Version          string          `json:"version"`
	Name             string          `json:"name"`
	Slug             string          `json:"slug"`
	Type             Type            `json:"type"`
	Payload          json.RawMessage `json:"payload"`
	Checksum         string          `json:"checksum"`
}

// Diff describes what applying an artifact would change on a consumer.
type Diff struct {
	WillCreate bool `json:"will_create"`
	WillUpdate bool `json:"will_update"`
}

// CanonicalBytes returns the byte sequence the checksum is computed over: the artifact
// without its checksum field, encoded as compact JSON with object keys sorted at every
// depth and numbers kept as their original literals.
func CanonicalBytes(a Artifact) ([]byte, error) {
	payload, err := decodePayload(a.Payload)
	if err != nil {
		return nil, err
	}

	doc := map[string]any{
		"global_template_id": a.GlobalTemplateID.String(),
		"name":               a.Name,
		"payload":            payload,
		"slug":               a.Slug,
		"type":               string(a.Type),
		"version":            a.Version,
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode canonical form: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Checksum computes the lowercase hex SHA-256 of the artifact's canonical form.
func Checksum(a Artifact) (string, error) {
	canonical, err := CanonicalBytes(a)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Seal returns a copy of a with its checksum computed from the current content.
func Seal(a Artifact) (Artifact, error) {
	sum, err := Checksum(a)
	if err != nil {
		return Artifact{}, err
	}
	a.Checksum = sum
	return a, nil
}

// Validate checks that every required field is present, that the type is supported and
// that the checksum matches the content. It has no side effects.
func Validate(a Artifact) error {
	var missing []string
	if a.GlobalTemplateID == uuid.Nil {
		missing = append(missing, "global_template_id")
	}
	if strings.TrimSpace(a.Version) == "" {
		missing = append(missing, "version")
	}
	if strings.TrimSpace(a.Name) == "" {
		missing = append(missing, "name")
	}
	if strings.TrimSpace(a.Slug) == "" {
		missing = append(missing, "slug")
	}
	if a.Type == "" {
		missing = append(missing, "type")
	}
	if isEmptyPayload(a.Payload) {
		missing = append(missing, "payload")
	}
	if strings.TrimSpace(a.Checksum) == "" {
		missing = append(missing, "checksum")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalid, strings.Join(missing, ", "))
	}

	if !a.Type.Known() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalid, a.Type)
	}

	sum, err := Checksum(a)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if !strings.EqualFold(sum, strings.TrimSpace(a.Checksum)) {
		return fmt.Errorf("%w: checksum mismatch", ErrInvalid)
	}
	return nil
}

// Valid reports whether Validate accepts a.
func Valid(a Artifact) bool {
	return Validate(a) == nil
}

func isEmptyPayload(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

func decodePayload(raw json.RawMessage) (any, error) {
	if isEmptyPayload(raw) {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("decode payload: trailing data")
	}
	return v, nil
}
