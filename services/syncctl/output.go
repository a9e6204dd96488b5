package syncctl

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Output formats accepted by Print.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Print writes an API response document to w in format.
func Print(w io.Writer, format string, doc json.RawMessage) error {
	switch format {
	case "", FormatJSON:
		var buf bytes.Buffer
		if err := json.Indent(&buf, doc, "", "  "); err != nil {
			return fmt.Errorf("format json: %w", err)
		}
		buf.WriteByte('\n')
		_, err := w.Write(buf.Bytes())
		return err
	case FormatYAML:
		var v any
		if err := json.Unmarshal(doc, &v); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("format yaml: %w", err)
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
