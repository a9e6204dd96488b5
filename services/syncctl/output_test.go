package syncctl

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrint(t *testing.T) {
	doc := json.RawMessage(`{"deployment":{"id":"d1","status":"succeeded","targets":["shop"]}}`)

	var out bytes.Buffer
	require.NoError(t, Print(&out, FormatJSON, doc))
	assert.Equal(t, "{\n  \"deployment\": {\n    \"id\": \"d1\",\n    \"status\": \"succeeded\",\n    \"targets\": [\n      \"shop\"\n    ]\n  }\n}\n", out.String())

	out.Reset()
	require.NoError(t, Print(&out, FormatYAML, doc))
	assert.Equal(t, "deployment:\n  id: d1\n  status: succeeded\n  targets:\n    - shop\n", out.String())

	assert.Error(t, Print(&out, "xml", doc))
	assert.Error(t, Print(&out, FormatJSON, json.RawMessage(`{`)))
}
