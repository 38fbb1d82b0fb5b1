package llm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSONBareObject(t *testing.T) {
	out, err := ExtractJSON(`{"tool":"update_ledger","args":{}}`)
	require.NoError(t, err)
	assert.Equal(t, `{"tool":"update_ledger","args":{}}`, out)
}

func TestExtractJSONSurroundingProse(t *testing.T) {
	raw := "Sure, calling the tool now.\n{\"tool\":\"run_diagnosis\",\"args\":{\"recent_n\":200}}\nLet me know."
	out, err := ExtractJSON(raw)
	require.NoError(t, err)
	assert.Equal(t, `{"tool":"run_diagnosis","args":{"recent_n":200}}`, out)
}

func TestExtractJSONFenced(t *testing.T) {
	raw := "```json\n{\"tool\":\"emit_unified_diff\",\"args\":{\"diff\":\"x\"}}\n```"
	out, err := ExtractJSON(raw)
	require.NoError(t, err)
	assert.Equal(t, `{"tool":"emit_unified_diff","args":{"diff":"x"}}`, out)
}

func TestExtractJSONFenceWithoutLanguage(t *testing.T) {
	raw := "```\n{\"a\": 1}\n```"
	out, err := ExtractJSON(raw)
	require.NoError(t, err)
	assert.Equal(t, `{"a": 1}`, out)
}

func TestExtractJSONNestedObjects(t *testing.T) {
	raw := `prefix {"outer":{"inner":{"n":1}},"b":2} suffix`
	out, err := ExtractJSON(raw)
	require.NoError(t, err)
	assert.Equal(t, `{"outer":{"inner":{"n":1}},"b":2}`, out)
}

func TestExtractJSONBracesInsideStrings(t *testing.T) {
	raw := `{"diff":"--- a/x.go\n+++ b/x.go\n@@ -1 +1 @@\n-if x { y() }\n+if x {\n+\ty()\n+}","note":"quote \" and } brace"}`
	out, err := ExtractJSON(raw)
	require.NoError(t, err)
	assert.Equal(t, raw, out)

	var decoded map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &decoded))
	assert.Contains(t, decoded["diff"], "+++ b/x.go")
}

func TestExtractJSONFirstObjectWins(t *testing.T) {
	out, err := ExtractJSON(`{"first":1} {"second":2}`)
	require.NoError(t, err)
	assert.Equal(t, `{"first":1}`, out)
}

func TestExtractJSONProseAfterFenceStart(t *testing.T) {
	// A fence that opens but contains no object falls back to the raw scan.
	raw := "```text\nno object here\n```\n{\"tool\":\"save_proposal\"}"
	out, err := ExtractJSON(raw)
	require.NoError(t, err)
	assert.Equal(t, `{"tool":"save_proposal"}`, out)
}

func TestExtractJSONEmpty(t *testing.T) {
	_, err := ExtractJSON("   \n\t ")
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestExtractJSONNoObject(t *testing.T) {
	_, err := ExtractJSON("no json here, just prose")
	assert.ErrorIs(t, err, ErrNoJSON)
}

func TestExtractJSONUnterminatedObject(t *testing.T) {
	_, err := ExtractJSON(`{"tool": "emit_unified_diff", "args": {`)
	assert.ErrorIs(t, err, ErrNoJSON)
}
