package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, "INFO", "json")

	WithComponent("pipeline").Info("file detected", "path", "/drop/a.wav")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "file detected", entry["msg"])
	assert.Equal(t, "pipeline", entry["component"])
	assert.Equal(t, "/drop/a.wav", entry["path"])
}

func TestSetupTextFormat(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, "INFO", "text")

	WithTarget("inbox").Info("watching")

	out := buf.String()
	assert.Contains(t, out, "target=inbox")
	assert.Contains(t, out, "msg=watching")
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, "WARN", "json")

	Get().Debug("hidden")
	Get().Info("also hidden")
	Get().Warn("visible")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "visible")
}

func TestInvalidLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, "chatty", "json")

	Get().Debug("hidden")
	Get().Info("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}
