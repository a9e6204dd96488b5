package consumer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// AssetRelocator rewrites asset references in a template payload for the local site.
// Implementations must be idempotent: relocating twice equals relocating once.
type AssetRelocator interface {
	Relocate(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)
}

// NopRelocator returns payloads unchanged.
type NopRelocator struct{}

// Relocate implements AssetRelocator.
func (NopRelocator) Relocate(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
	return payload, nil
}

// PrefixRelocator swaps the publisher's asset base URL for the local one. Both the
// plain and the JSON slash-escaped spelling are rewritten.
type PrefixRelocator struct {
	from, to string
}

// NewPrefixRelocator returns a relocator rewriting from to to. to must not contain from,
// otherwise a second pass would rewrite its own output.
func NewPrefixRelocator(from, to string) (*PrefixRelocator, error) {
	from = strings.TrimRight(strings.TrimSpace(from), "/")
	to = strings.TrimRight(strings.TrimSpace(to), "/")
	if from == "" || to == "" {
		return nil, errors.New("relocator needs both a source and a target prefix")
	}
	if strings.Contains(to, from) {
		return nil, fmt.Errorf("target prefix %q contains source prefix %q", to, from)
	}
	return &PrefixRelocator{from: from, to: to}, nil
}

// Relocate implements AssetRelocator.
func (p *PrefixRelocator) Relocate(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
	if len(payload) == 0 {
		return payload, nil
	}
	out := bytes.ReplaceAll(payload, []byte(p.from), []byte(p.to))
	out = bytes.ReplaceAll(out, []byte(escapeSlashes(p.from)), []byte(escapeSlashes(p.to)))
	if !json.Valid(out) {
		return nil, errors.New("relocated payload is not valid JSON")
	}
	return json.RawMessage(out), nil
}

func escapeSlashes(s string) string {
	return strings.ReplaceAll(s, "/", `\/`)
}
