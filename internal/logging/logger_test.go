package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithSinks_WritesJSONToSink(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithSinks(slog.LevelInfo, &buf)

	logger.Info("Session connected", "session_id", "abcd1234", "error", "none")
	logger.Debug("hidden")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec))
	assert.Equal(t, "Session connected", rec["msg"])
	assert.Equal(t, "abcd1234", rec["session_id"])
	assert.Equal(t, "none", rec["err"])
	assert.NotContains(t, rec, "error")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel(" error "))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}
